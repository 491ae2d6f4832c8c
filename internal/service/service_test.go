package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/avmirov/smmpanel-system/internal/model"
	"github.com/avmirov/smmpanel-system/internal/repository"
	"github.com/avmirov/smmpanel-system/internal/settlement"
)

type stubRepo struct {
	createUserID  int64
	createUserErr error

	usersByID map[int64]*model.User

	getUser    *model.User
	getUserErr error

	offerings    []model.Offering
	offeringsErr error

	entries    []model.LedgerEntry
	entriesErr error

	creditErr   error
	creditCalls int

	debitErr   error
	debitCalls int

	createdOrders  []model.Order
	createOrderErr error

	recons []model.Reconciliation
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	return s.createUserID, s.createUserErr
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	if u, ok := s.usersByID[id]; ok {
		return u, nil
	}
	return nil, repository.ErrUserNotFound
}

func (s *stubRepo) ListOfferings(ctx context.Context) ([]model.Offering, error) {
	return s.offerings, s.offeringsErr
}

func (s *stubRepo) CreateOffering(ctx context.Context, o model.Offering) (int64, error) {
	return 1, nil
}

func (s *stubRepo) UpdateOffering(ctx context.Context, o model.Offering) error { return nil }
func (s *stubRepo) DeleteOffering(ctx context.Context, id int64) error         { return nil }

func (s *stubRepo) LedgerEntries(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	return s.entries, s.entriesErr
}

func (s *stubRepo) CreateCredit(ctx context.Context, userID int64, amountCents int64, kind model.EntryKind) error {
	s.creditCalls++
	if s.creditErr != nil {
		return s.creditErr
	}
	s.entries = append(s.entries, model.LedgerEntry{
		UserID:      userID,
		AmountCents: amountCents,
		Kind:        kind,
		Status:      model.EntryStatusCompleted,
	})
	return nil
}

func (s *stubRepo) CreateDebit(ctx context.Context, userID int64, amountCents int64) error {
	s.debitCalls++
	if s.debitErr != nil {
		return s.debitErr
	}
	s.entries = append(s.entries, model.LedgerEntry{
		UserID:      userID,
		AmountCents: -amountCents,
		Kind:        model.EntryKindOrderDebit,
		Status:      model.EntryStatusCompleted,
	})
	return nil
}

func (s *stubRepo) CreateOrder(ctx context.Context, o model.Order) (*model.Order, error) {
	if s.createOrderErr != nil {
		return nil, s.createOrderErr
	}
	o.ID = int64(len(s.createdOrders) + 1)
	s.createdOrders = append(s.createdOrders, o)
	return &o, nil
}

func (s *stubRepo) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.createdOrders, nil
}

func (s *stubRepo) ListOrders(ctx context.Context, limit int) ([]model.Order, error) {
	return s.createdOrders, nil
}

func (s *stubRepo) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	for i := range s.createdOrders {
		if s.createdOrders[i].Number == number {
			return &s.createdOrders[i], nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (s *stubRepo) GetOrdersForSync(ctx context.Context, limit int) ([]repository.OrderForSync, error) {
	return nil, nil
}

func (s *stubRepo) UpdateOrderStatus(ctx context.Context, number string, status model.OrderStatus) error {
	return nil
}

func (s *stubRepo) SetProviderOrderID(ctx context.Context, number, providerOrderID string) error {
	return nil
}

func (s *stubRepo) CreateReconciliation(ctx context.Context, rec model.Reconciliation) error {
	s.recons = append(s.recons, rec)
	return nil
}

func (s *stubRepo) ListReconciliations(ctx context.Context) ([]model.Reconciliation, error) {
	return s.recons, nil
}

func newTestService(repo *stubRepo) *Service {
	return NewService(repo, nil, zap.NewNop())
}

func completedEntry(amountCents int64) model.LedgerEntry {
	return model.LedgerEntry{AmountCents: amountCents, Status: model.EntryStatusCompleted}
}

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{createUserErr: repository.ErrUserExists}
	svc := newTestService(repo)

	_, err := svc.RegisterUser(context.Background(), "login", "pass")
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	hashed := hashPassword("user", "correct")
	repo := &stubRepo{
		getUser: &model.User{
			ID:           1,
			Login:        "user",
			PasswordHash: hashed,
		},
	}
	svc := newTestService(repo)

	_, err := svc.AuthenticateUser(context.Background(), "user", "wrong")
	if err == nil {
		t.Fatalf("expected error for invalid credentials")
	}
}

func TestGetBalance_ConvertsToCurrencyUnits(t *testing.T) {
	repo := &stubRepo{
		entries: []model.LedgerEntry{
			completedEntry(5000),
			completedEntry(-2000),
			{AmountCents: 99999, Status: model.EntryStatusPending},
		},
	}
	svc := newTestService(repo)

	balance, err := svc.GetBalance(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if balance.Current != 30.0 {
		t.Fatalf("Current = %v, want 30.0", balance.Current)
	}
}

func TestGetBalance_NegativeIsNotMasked(t *testing.T) {
	repo := &stubRepo{
		entries: []model.LedgerEntry{
			completedEntry(1000),
			completedEntry(-2500),
		},
	}
	svc := newTestService(repo)

	balance, err := svc.GetBalance(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if balance.Current != -15.0 {
		t.Fatalf("Current = %v, want -15.0", balance.Current)
	}
}

func TestTopUp_RederivesBalanceFromLedger(t *testing.T) {
	repo := &stubRepo{entries: []model.LedgerEntry{completedEntry(1000)}}
	svc := newTestService(repo)

	balance, err := svc.TopUp(context.Background(), 1, 25.00)
	if err != nil {
		t.Fatalf("TopUp error: %v", err)
	}
	if repo.creditCalls != 1 {
		t.Fatalf("credit calls = %d, want 1", repo.creditCalls)
	}
	if balance.Current != 35.0 {
		t.Fatalf("Current = %v, want 35.0", balance.Current)
	}
}

func TestTopUp_RejectsNonPositiveSum(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(repo)

	if _, err := svc.TopUp(context.Background(), 1, -10); err == nil {
		t.Fatalf("expected error for negative sum")
	}
	if _, err := svc.TopUp(context.Background(), 1, 0); err == nil {
		t.Fatalf("expected error for zero sum")
	}
	if repo.creditCalls != 0 {
		t.Fatalf("credit must not be called, got %d calls", repo.creditCalls)
	}
}

func TestAdjustBalance_RequiresAdmin(t *testing.T) {
	repo := &stubRepo{
		usersByID: map[int64]*model.User{
			1: {ID: 1, Role: model.RoleUser},
		},
	}
	svc := newTestService(repo)

	_, err := svc.AdjustBalance(context.Background(), 1, 2, 10.0)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if repo.creditCalls != 0 {
		t.Fatalf("credit must not be called for non-admin")
	}
}

func TestAdjustBalance_AdminCanDebit(t *testing.T) {
	repo := &stubRepo{
		usersByID: map[int64]*model.User{
			1: {ID: 1, Role: model.RoleAdmin},
		},
		entries: []model.LedgerEntry{completedEntry(5000)},
	}
	svc := newTestService(repo)

	balance, err := svc.AdjustBalance(context.Background(), 1, 2, -20.0)
	if err != nil {
		t.Fatalf("AdjustBalance error: %v", err)
	}
	if balance.Current != 30.0 {
		t.Fatalf("Current = %v, want 30.0", balance.Current)
	}
}

func TestPlaceOrder_Success(t *testing.T) {
	repo := &stubRepo{
		offerings: []model.Offering{
			{ID: 7, Platform: "instagram", Title: "IG Followers",
				PriceCentsPerThousand: 1000, MinQuantity: 100, MaxQuantity: 10000,
				Provider: "smmking", Active: true},
		},
		entries: []model.LedgerEntry{completedEntry(5000)},
	}
	svc := newTestService(repo)

	order, err := svc.PlaceOrder(context.Background(), 1, 7, "https://instagram.com/someuser", 2000)
	if err != nil {
		t.Fatalf("PlaceOrder error: %v", err)
	}
	if order.TotalCostCents != 2000 {
		t.Fatalf("order cost = %d, want 2000", order.TotalCostCents)
	}
	if repo.debitCalls != 1 {
		t.Fatalf("debit calls = %d, want 1", repo.debitCalls)
	}

	// После заказа баланс заново выводится из леджера: $50 - $20 = $30.
	balance, err := svc.GetBalance(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if balance.Current != 30.0 {
		t.Fatalf("Current = %v, want 30.0", balance.Current)
	}
}

func TestPlaceOrder_UnknownOfferingIsValidationError(t *testing.T) {
	repo := &stubRepo{entries: []model.LedgerEntry{completedEntry(100000)}}
	svc := newTestService(repo)

	_, err := svc.PlaceOrder(context.Background(), 1, 42, "https://instagram.com/u", 1000)

	var verr *settlement.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if repo.debitCalls != 0 {
		t.Fatalf("debit must not be called")
	}
}

func TestSyncOrderStatus_NoProviderReference(t *testing.T) {
	repo := &stubRepo{
		usersByID: map[int64]*model.User{
			1: {ID: 1, Role: model.RoleAdmin},
		},
		createdOrders: []model.Order{
			{Number: "ord-1", Status: model.OrderStatusPending},
		},
	}
	svc := newTestService(repo)

	_, err := svc.SyncOrderStatus(context.Background(), 1, "ord-1")
	if err == nil {
		t.Fatalf("expected error for order without provider reference")
	}
}

func TestMapProviderStatus(t *testing.T) {
	tests := []struct {
		in     string
		want   model.OrderStatus
		wantOK bool
	}{
		{in: "Pending", want: model.OrderStatusPending, wantOK: true},
		{in: "In progress", want: model.OrderStatusInProgress, wantOK: true},
		{in: "Processing", want: model.OrderStatusInProgress, wantOK: true},
		{in: "Completed", want: model.OrderStatusCompleted, wantOK: true},
		{in: "Partial", want: model.OrderStatusCompleted, wantOK: true},
		{in: "Canceled", want: model.OrderStatusCancelled, wantOK: true},
		{in: "Error", want: model.OrderStatusFailed, wantOK: true},
		{in: "Nonsense", wantOK: false},
	}

	for _, tt := range tests {
		got, ok := mapProviderStatus(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Fatalf("mapProviderStatus(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestStartStatusUpdates_NoClient(t *testing.T) {
	svc := newTestService(&stubRepo{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartStatusUpdates(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartStatusUpdates did not return without client")
	}
}
