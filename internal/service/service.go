// Package service реализует бизнес-логику сервиса SMM-панели.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avmirov/smmpanel-system/internal/catalog"
	"github.com/avmirov/smmpanel-system/internal/ledger"
	"github.com/avmirov/smmpanel-system/internal/model"
	"github.com/avmirov/smmpanel-system/internal/provider"
	"github.com/avmirov/smmpanel-system/internal/repository"
	"github.com/avmirov/smmpanel-system/internal/settlement"
)

// ErrForbidden возвращается, когда операция требует роли администратора.
var (
	ErrForbidden = errors.New("operation requires admin role")
	// ErrInvalidInput возвращается при некорректных параметрах операции.
	ErrInvalidInput = errors.New("invalid input")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	ListOfferings(ctx context.Context) ([]model.Offering, error)
	CreateOffering(ctx context.Context, o model.Offering) (int64, error)
	UpdateOffering(ctx context.Context, o model.Offering) error
	DeleteOffering(ctx context.Context, id int64) error
	LedgerEntries(ctx context.Context, userID int64) ([]model.LedgerEntry, error)
	CreateCredit(ctx context.Context, userID int64, amountCents int64, kind model.EntryKind) error
	CreateDebit(ctx context.Context, userID int64, amountCents int64) error
	CreateOrder(ctx context.Context, o model.Order) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	ListOrders(ctx context.Context, limit int) ([]model.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	GetOrdersForSync(ctx context.Context, limit int) ([]repository.OrderForSync, error)
	UpdateOrderStatus(ctx context.Context, number string, status model.OrderStatus) error
	SetProviderOrderID(ctx context.Context, number, providerOrderID string) error
	CreateReconciliation(ctx context.Context, rec model.Reconciliation) error
	ListReconciliations(ctx context.Context) ([]model.Reconciliation, error)
}

// Service содержит бизнес-логику сервиса SMM-панели.
type Service struct {
	repo           Repository
	ledger         *ledger.Service
	orchestrator   *settlement.Orchestrator
	providerClient *provider.Client
	logger         *zap.Logger
}

// NewService создаёт сервис с указанным репозиторием и клиентом поставщика.
func NewService(repo Repository, providerClient *provider.Client, logger *zap.Logger) *Service {
	led := ledger.NewService(repo)
	return &Service{
		repo:           repo,
		ledger:         led,
		orchestrator:   settlement.NewOrchestrator(led, repo, repo, logger),
		providerClient: providerClient,
		logger:         logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

func (s *Service) requireAdmin(ctx context.Context, actorID int64) error {
	u, err := s.repo.GetUserByID(ctx, actorID)
	if err != nil {
		return err
	}
	if u.Role != model.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

// Offerings возвращает полный список позиций каталога.
func (s *Service) Offerings(ctx context.Context) ([]model.Offering, error) {
	return s.repo.ListOfferings(ctx)
}

// CreateOffering добавляет позицию каталога. Доступно только администратору.
func (s *Service) CreateOffering(ctx context.Context, actorID int64, o model.Offering) (int64, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return 0, err
	}
	if err := validateOffering(o); err != nil {
		return 0, err
	}
	return s.repo.CreateOffering(ctx, o)
}

// UpdateOffering обновляет позицию каталога. Доступно только администратору.
func (s *Service) UpdateOffering(ctx context.Context, actorID int64, o model.Offering) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if err := validateOffering(o); err != nil {
		return err
	}
	return s.repo.UpdateOffering(ctx, o)
}

// DeleteOffering удаляет позицию каталога. Доступно только администратору.
func (s *Service) DeleteOffering(ctx context.Context, actorID int64, id int64) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	return s.repo.DeleteOffering(ctx, id)
}

func validateOffering(o model.Offering) error {
	if o.Platform == "" || o.Title == "" {
		return fmt.Errorf("%w: offering platform and title are required", ErrInvalidInput)
	}
	if o.PriceCentsPerThousand < 0 {
		return fmt.Errorf("%w: offering price must not be negative", ErrInvalidInput)
	}
	if o.MinQuantity <= 0 || o.MaxQuantity <= 0 || o.MinQuantity > o.MaxQuantity {
		return fmt.Errorf("%w: offering quantity bounds must be positive with min <= max", ErrInvalidInput)
	}
	return nil
}

// GetBalance заново выводит баланс пользователя из леджера.
// Отрицательное значение не маскируется: оно сигнализирует о
// несогласованных корректировках и должно быть видно оператору.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	cents, err := s.ledger.BalanceCents(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Current: float64(cents) / 100}, nil
}

// GetLedgerEntries возвращает историю движений средств пользователя.
func (s *Service) GetLedgerEntries(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	return s.ledger.Entries(ctx, userID)
}

// TopUp зачисляет пополнение на баланс пользователя и возвращает баланс,
// заново выведенный из леджера после записи.
func (s *Service) TopUp(ctx context.Context, userID int64, sum float64) (*model.Balance, error) {
	cents := int64(sum * 100)
	if cents <= 0 {
		return nil, fmt.Errorf("%w: top-up sum must be positive", ErrInvalidInput)
	}
	if err := s.repo.CreateCredit(ctx, userID, cents, model.EntryKindTopup); err != nil {
		return nil, err
	}
	return s.GetBalance(ctx, userID)
}

// AdjustBalance создаёт административную корректировку с произвольным знаком.
func (s *Service) AdjustBalance(ctx context.Context, actorID, userID int64, sum float64) (*model.Balance, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	cents := int64(sum * 100)
	if cents == 0 {
		return nil, fmt.Errorf("%w: adjustment sum must not be zero", ErrInvalidInput)
	}
	if err := s.repo.CreateCredit(ctx, userID, cents, model.EntryKindAdjustment); err != nil {
		return nil, err
	}
	return s.GetBalance(ctx, userID)
}

// PlaceOrder оформляет заказ: позиция берётся из актуального каталога,
// дальнейшая последовательность (проверка, списание, создание заказа)
// выполняется оркестратором.
func (s *Service) PlaceOrder(ctx context.Context, userID, offeringID int64, link string, quantity int64) (*model.Order, error) {
	offerings, err := s.repo.ListOfferings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	req := settlement.Request{
		UserID:     userID,
		OfferingID: offeringID,
		Link:       link,
		Quantity:   quantity,
	}

	return s.orchestrator.Settle(ctx, req, catalog.Find(offerings, offeringID))
}

// GetOrdersByUser возвращает заказы пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// ListOrders возвращает последние заказы всех пользователей. Только для администратора.
func (s *Service) ListOrders(ctx context.Context, actorID int64, limit int) ([]model.Order, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.repo.ListOrders(ctx, limit)
}

// ListReconciliations возвращает очередь сверки. Только для администратора.
func (s *Service) ListReconciliations(ctx context.Context, actorID int64) ([]model.Reconciliation, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	return s.repo.ListReconciliations(ctx)
}

// AttachProviderOrder привязывает к заказу идентификатор на стороне поставщика.
// Только для администратора.
func (s *Service) AttachProviderOrder(ctx context.Context, actorID int64, number, providerOrderID string) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	if providerOrderID == "" {
		return fmt.Errorf("%w: provider order id is required", ErrInvalidInput)
	}
	return s.repo.SetProviderOrderID(ctx, number, providerOrderID)
}

// SyncOrderStatus запрашивает у поставщика статус заказа и сохраняет его.
// Только для администратора.
func (s *Service) SyncOrderStatus(ctx context.Context, actorID int64, number string) (*model.Order, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}

	order, err := s.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if order.ProviderOrderID == nil || *order.ProviderOrderID == "" {
		return nil, fmt.Errorf("%w: order has no provider order id", ErrInvalidInput)
	}

	resp, statusCode, _, err := s.providerClient.GetOrderStatus(ctx, *order.ProviderOrderID)
	if err != nil {
		return nil, fmt.Errorf("provider status: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("provider returned no status (http %d)", statusCode)
	}

	status, ok := mapProviderStatus(resp.Status)
	if !ok {
		return nil, fmt.Errorf("unknown provider status %q", resp.Status)
	}

	if err := s.repo.UpdateOrderStatus(ctx, number, status); err != nil {
		return nil, err
	}
	order.Status = status
	return order, nil
}

// StartStatusUpdates запускает фоновый процесс обновления статусов заказов
// по данным поставщика.
func (s *Service) StartStatusUpdates(ctx context.Context) {
	if s.providerClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processSyncBatch(ctx)
			}
		}
	}()
}

func (s *Service) processSyncBatch(ctx context.Context) {
	orders, err := s.repo.GetOrdersForSync(ctx, 100)
	if err != nil {
		s.logger.Warn("select orders for sync failed", zap.Error(err))
		return
	}

	for _, o := range orders {
		resp, statusCode, retryAfter, err := s.providerClient.GetOrderStatus(ctx, o.ProviderOrderID)
		if err != nil {
			continue
		}

		if statusCode == 429 {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if resp == nil {
			continue
		}

		status, ok := mapProviderStatus(resp.Status)
		if !ok || status == o.Status {
			continue
		}

		if err := s.repo.UpdateOrderStatus(ctx, o.Number, status); err != nil {
			s.logger.Warn("update order status failed",
				zap.String("order", o.Number), zap.Error(err))
		}
	}
}

// mapProviderStatus переводит статус поставщика во внутренний статус заказа.
func mapProviderStatus(providerStatus string) (model.OrderStatus, bool) {
	switch providerStatus {
	case "Pending":
		return model.OrderStatusPending, true
	case "In progress", "Processing":
		return model.OrderStatusInProgress, true
	case "Completed", "Partial":
		return model.OrderStatusCompleted, true
	case "Canceled", "Cancelled", "Refunded":
		return model.OrderStatusCancelled, true
	case "Error", "Failed":
		return model.OrderStatusFailed, true
	default:
		return "", false
	}
}
