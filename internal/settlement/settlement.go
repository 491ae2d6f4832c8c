// Package settlement реализует оформление заказа: проверку, списание средств
// и создание записи заказа в строго заданном порядке.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avmirov/smmpanel-system/internal/catalog"
	"github.com/avmirov/smmpanel-system/internal/model"
	"github.com/avmirov/smmpanel-system/internal/validation"
)

// Ошибки оформления заказа. Каждая категория обрабатывается вызывающей
// стороной по-своему, поэтому они различимы через errors.Is.
var (
	// ErrSubmissionInFlight возвращается при повторной отправке,
	// пока предыдущая ещё не завершена.
	ErrSubmissionInFlight = errors.New("submission already in flight")
	// ErrInsufficientBalance возвращается, если стоимость превышает баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDebitFailed возвращается, если списание не подтверждено.
	// Заказ при этом не создаётся, средства не тронуты, повтор безопасен.
	ErrDebitFailed = errors.New("debit failed")
	// ErrOrderNotRegistered возвращается, если средства списаны, а заказ
	// создать не удалось. Состояние требует ручной сверки и не устраняется
	// повторной отправкой.
	ErrOrderNotRegistered = errors.New("payment taken but order not registered")
)

// ValidationError описывает отказ локальной проверки: ни одного
// обращения к коллабораторам при этом не происходит.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Ledger описывает контракт леджера: свежее чтение баланса и атомарное списание.
type Ledger interface {
	BalanceCents(ctx context.Context, userID int64) (int64, error)
	Debit(ctx context.Context, userID int64, amountCents int64) error
}

// Orders описывает контракт хранилища заказов.
type Orders interface {
	CreateOrder(ctx context.Context, order model.Order) (*model.Order, error)
}

// Reconciliations фиксирует расхождения для ручной сверки оператором.
type Reconciliations interface {
	CreateReconciliation(ctx context.Context, rec model.Reconciliation) error
}

// Request описывает одну попытку оформления заказа.
type Request struct {
	UserID     int64
	OfferingID int64
	Link       string
	Quantity   int64
}

// Orchestrator проводит оформление заказа: проверка входных данных, свежее
// чтение баланса, списание и только затем создание заказа. На пользователя
// допускается не более одной отправки одновременно.
type Orchestrator struct {
	ledger Ledger
	orders Orders
	recon  Reconciliations
	logger *zap.Logger

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// NewOrchestrator создаёт оркестратор оформления заказов.
func NewOrchestrator(ledger Ledger, orders Orders, recon Reconciliations, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		ledger:   ledger,
		orders:   orders,
		recon:    recon,
		logger:   logger,
		inFlight: make(map[int64]struct{}),
	}
}

// Settle оформляет заказ по заявке. Позиция каталога передаётся из
// актуального на момент отправки списка: цена и название фиксируются из неё.
//
// Порядок строгий: списание всегда предшествует созданию заказа, поэтому
// заказ без оплаты невозможен. Обратная сторона — при сбое создания заказа
// после успешного списания возникает расхождение, которое записывается
// в очередь сверки и возвращается как ErrOrderNotRegistered.
func (o *Orchestrator) Settle(ctx context.Context, req Request, offering *model.Offering) (*model.Order, error) {
	if !o.acquire(req.UserID) {
		return nil, ErrSubmissionInFlight
	}
	defer o.release(req.UserID)

	totalCents, err := o.validate(req, offering)
	if err != nil {
		return nil, err
	}

	// Баланс перечитывается непосредственно перед списанием: решение
	// не должно опираться на устаревшее значение.
	balance, err := o.ledger.BalanceCents(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	if totalCents > balance {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientBalance, totalCents, balance)
	}

	if err := o.ledger.Debit(ctx, req.UserID, totalCents); err != nil {
		// Списание не состоялось: заказ не создаётся, автоповтора нет,
		// чтобы исключить двойное списание.
		return nil, fmt.Errorf("%w: %w", ErrDebitFailed, err)
	}

	order := model.Order{
		Number:         uuid.NewString(),
		UserID:         req.UserID,
		Platform:       offering.Platform,
		OfferingID:     offering.ID,
		ServiceTitle:   offering.Title,
		Link:           req.Link,
		Quantity:       req.Quantity,
		TotalCostCents: totalCents,
		Status:         model.OrderStatusPending,
		Provider:       offering.Provider,
	}

	created, err := o.orders.CreateOrder(ctx, order)
	if err != nil {
		o.reportPartialDebit(ctx, req, offering, totalCents, err)
		return nil, fmt.Errorf("%w: %w", ErrOrderNotRegistered, err)
	}

	return created, nil
}

func (o *Orchestrator) validate(req Request, offering *model.Offering) (int64, error) {
	if offering == nil {
		return 0, &ValidationError{Reason: "service not selected or unknown"}
	}
	if !offering.Active {
		return 0, &ValidationError{Reason: "service is not available"}
	}
	if !validation.IsValidLink(req.Link) {
		return 0, &ValidationError{Reason: "link is empty or malformed"}
	}
	if req.Quantity < offering.MinQuantity || req.Quantity > offering.MaxQuantity {
		return 0, &ValidationError{
			Reason: fmt.Sprintf("quantity must be between %d and %d", offering.MinQuantity, offering.MaxQuantity),
		}
	}

	totalCents := catalog.TotalCostCents(req.Quantity, offering.PriceCentsPerThousand)
	if totalCents <= 0 {
		return 0, &ValidationError{Reason: "order cost must be positive"}
	}

	return totalCents, nil
}

// reportPartialDebit фиксирует расхождение «средства списаны, заказ не создан».
// Запись в очередь сверки делается по возможности; ошибка самой записи
// не должна скрыть исходный сбой, поэтому она только логируется.
func (o *Orchestrator) reportPartialDebit(ctx context.Context, req Request, offering *model.Offering, amountCents int64, cause error) {
	rec := model.Reconciliation{
		EventID:     uuid.NewString(),
		UserID:      req.UserID,
		OfferingID:  offering.ID,
		AmountCents: amountCents,
		Reason:      fmt.Sprintf("order create failed after debit: %v", cause),
	}

	o.logger.Error("partial debit detected",
		zap.String("eventID", rec.EventID),
		zap.Int64("userID", req.UserID),
		zap.Int64("offeringID", offering.ID),
		zap.Int64("amountCents", amountCents),
		zap.Error(cause),
	)

	if o.recon == nil {
		return
	}
	if err := o.recon.CreateReconciliation(ctx, rec); err != nil {
		o.logger.Error("failed to record reconciliation event",
			zap.String("eventID", rec.EventID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) acquire(userID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, busy := o.inFlight[userID]; busy {
		return false
	}
	o.inFlight[userID] = struct{}{}
	return true
}

func (o *Orchestrator) release(userID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, userID)
}
