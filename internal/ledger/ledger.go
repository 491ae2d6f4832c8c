// Package ledger вычисляет баланс пользователя по записям леджера
// и выполняет списания через хранилище.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/avmirov/smmpanel-system/internal/model"
)

// ErrBalanceUnavailable возвращается, если записи леджера не удалось прочитать.
// Неизвестный баланс должен блокировать оформление заказа, а не считаться нулевым.
var ErrBalanceUnavailable = errors.New("balance unavailable")

// Repository описывает контракт доступа к леджеру, используемый сервисом.
type Repository interface {
	LedgerEntries(ctx context.Context, userID int64) ([]model.LedgerEntry, error)
	CreateDebit(ctx context.Context, userID int64, amountCents int64) error
}

// Service отвечает за чтение баланса и проведение списаний.
type Service struct {
	repo Repository
}

// NewService создаёт сервис леджера поверх указанного хранилища.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// SumSettledCents суммирует подписанные суммы записей, по которым расчёт завершён.
// Записи в статусах pending и failed на доступный баланс не влияют.
func SumSettledCents(entries []model.LedgerEntry) int64 {
	var total int64
	for _, e := range entries {
		if e.Status != model.EntryStatusCompleted {
			continue
		}
		total += e.AmountCents
	}
	return total
}

// BalanceCents заново выводит баланс пользователя из свежепрочитанных записей.
// Баланс никогда не кэшируется: леджер — единственный источник истины.
func (s *Service) BalanceCents(ctx context.Context, userID int64) (int64, error) {
	if userID <= 0 {
		return 0, fmt.Errorf("%w: unknown user", ErrBalanceUnavailable)
	}

	entries, err := s.repo.LedgerEntries(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBalanceUnavailable, err)
	}

	return SumSettledCents(entries), nil
}

// Entries возвращает историю движений средств пользователя.
func (s *Service) Entries(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	return s.repo.LedgerEntries(ctx, userID)
}

// Debit атомарно списывает amountCents с баланса пользователя, создавая
// отрицательную запись леджера. Успешный возврат означает, что запись создана.
func (s *Service) Debit(ctx context.Context, userID int64, amountCents int64) error {
	if amountCents <= 0 {
		return errors.New("debit amount must be positive")
	}
	return s.repo.CreateDebit(ctx, userID, amountCents)
}
