// Package handler содержит HTTP-обработчики API сервиса SMM-панели.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/avmirov/smmpanel-system/internal/catalog"
	"github.com/avmirov/smmpanel-system/internal/ledger"
	"github.com/avmirov/smmpanel-system/internal/middleware"
	"github.com/avmirov/smmpanel-system/internal/model"
	"github.com/avmirov/smmpanel-system/internal/repository"
	"github.com/avmirov/smmpanel-system/internal/service"
	"github.com/avmirov/smmpanel-system/internal/settlement"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	Offerings(ctx context.Context) ([]model.Offering, error)
	CreateOffering(ctx context.Context, actorID int64, o model.Offering) (int64, error)
	UpdateOffering(ctx context.Context, actorID int64, o model.Offering) error
	DeleteOffering(ctx context.Context, actorID int64, id int64) error
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	GetLedgerEntries(ctx context.Context, userID int64) ([]model.LedgerEntry, error)
	TopUp(ctx context.Context, userID int64, sum float64) (*model.Balance, error)
	AdjustBalance(ctx context.Context, actorID, userID int64, sum float64) (*model.Balance, error)
	PlaceOrder(ctx context.Context, userID, offeringID int64, link string, quantity int64) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	ListOrders(ctx context.Context, actorID int64, limit int) ([]model.Order, error)
	ListReconciliations(ctx context.Context, actorID int64) ([]model.Reconciliation, error)
	AttachProviderOrder(ctx context.Context, actorID int64, number, providerOrderID string) error
	SyncOrderStatus(ctx context.Context, actorID int64, number string) (*model.Order, error)
}

// Handler реализует HTTP-обработчики API сервиса SMM-панели.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type offeringResponse struct {
	ID               int64   `json:"id"`
	Platform         string  `json:"platform"`
	Title            string  `json:"title"`
	PricePerThousand float64 `json:"price_per_thousand"`
	MinQuantity      int64   `json:"min_quantity"`
	MaxQuantity      int64   `json:"max_quantity"`
	Provider         string  `json:"provider,omitempty"`
	Active           bool    `json:"active"`
	Description      string  `json:"description,omitempty"`
}

func toOfferingResponse(o model.Offering) offeringResponse {
	return offeringResponse{
		ID:               o.ID,
		Platform:         o.Platform,
		Title:            o.Title,
		PricePerThousand: float64(o.PriceCentsPerThousand) / 100,
		MinQuantity:      o.MinQuantity,
		MaxQuantity:      o.MaxQuantity,
		Provider:         o.Provider,
		Active:           o.Active,
		Description:      o.Description,
	}
}

type servicesResponse struct {
	Platforms []string           `json:"platforms"`
	Services  []offeringResponse `json:"services"`
}

// GetServices возвращает каталог витрины: список платформ и активные позиции,
// опционально отфильтрованные параметром platform.
func (h *Handler) GetServices(w http.ResponseWriter, r *http.Request) {
	offerings, err := h.service.Offerings(r.Context())
	if err != nil {
		h.logger.Error("get services error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	platforms := catalog.Platforms(offerings)

	var visible []model.Offering
	if platform := r.URL.Query().Get("platform"); platform != "" {
		visible = catalog.ForPlatform(offerings, platform)
	} else {
		for _, o := range offerings {
			if o.Active {
				visible = append(visible, o)
			}
		}
	}

	resp := servicesResponse{
		Platforms: platforms,
		Services:  make([]offeringResponse, 0, len(visible)),
	}
	for _, o := range visible {
		resp.Services = append(resp.Services, toOfferingResponse(o))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetBalance возвращает баланс текущего пользователя, заново выведенный из леджера.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrBalanceUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "balance is temporarily unavailable")
			return
		}
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type ledgerEntryResponse struct {
	Amount    float64 `json:"amount"`
	Kind      string  `json:"kind"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
}

// GetLedger возвращает историю движений средств текущего пользователя.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	entries, err := h.service.GetLedgerEntries(r.Context(), userID)
	if err != nil {
		h.logger.Error("get ledger error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ledgerEntryResponse{
			Amount:    float64(e.AmountCents) / 100,
			Kind:      string(e.Kind),
			Status:    string(e.Status),
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type topUpRequest struct {
	Sum float64 `json:"sum"`
}

// TopUp зачисляет пополнение и возвращает баланс, выведенный из леджера заново.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Sum <= 0 {
		writeError(w, http.StatusBadRequest, "top-up sum must be positive")
		return
	}

	balance, err := h.service.TopUp(r.Context(), userID, req.Sum)
	if err != nil {
		h.logger.Error("top-up error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type placeOrderRequest struct {
	ServiceID int64  `json:"service_id"`
	Link      string `json:"link"`
	Quantity  int64  `json:"quantity"`
}

type orderResponse struct {
	Number          string  `json:"number"`
	Platform        string  `json:"platform"`
	ServiceID       int64   `json:"service_id"`
	ServiceTitle    string  `json:"service_title"`
	Link            string  `json:"link"`
	Quantity        int64   `json:"quantity"`
	TotalCost       float64 `json:"total_cost"`
	Status          string  `json:"status"`
	Provider        string  `json:"provider,omitempty"`
	ProviderOrderID *string `json:"provider_order_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

func toOrderResponse(o model.Order) orderResponse {
	return orderResponse{
		Number:          o.Number,
		Platform:        o.Platform,
		ServiceID:       o.OfferingID,
		ServiceTitle:    o.ServiceTitle,
		Link:            o.Link,
		Quantity:        o.Quantity,
		TotalCost:       float64(o.TotalCostCents) / 100,
		Status:          string(o.Status),
		Provider:        o.Provider,
		ProviderOrderID: o.ProviderOrderID,
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
	}
}

// PlaceOrder оформляет заказ текущего пользователя. Категории ошибок заказа
// отображаются в разные HTTP-статусы, чтобы клиент мог различить локальный
// отказ, неуспешное списание и фатальное расхождение.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.PlaceOrder(r.Context(), userID, req.ServiceID, req.Link, req.Quantity)
	if err != nil {
		h.writePlaceOrderError(w, userID, err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(*order))
}

func (h *Handler) writePlaceOrderError(w http.ResponseWriter, userID int64, err error) {
	var verr *settlement.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Reason)
	case errors.Is(err, settlement.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "insufficient balance")
	case errors.Is(err, settlement.ErrSubmissionInFlight):
		writeError(w, http.StatusConflict, "previous order submission is still in progress")
	case errors.Is(err, ledger.ErrBalanceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "balance is temporarily unavailable, try again later")
	case errors.Is(err, settlement.ErrOrderNotRegistered):
		// Фатальное расхождение: средства списаны, заказ не создан.
		// Сообщение намеренно отличается от остальных отказов.
		writeError(w, http.StatusInternalServerError,
			"payment was taken but the order was not registered; please contact support")
	case errors.Is(err, settlement.ErrDebitFailed):
		writeError(w, http.StatusBadGateway, "could not complete order, funds were not taken")
	default:
		h.logger.Error("place order error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}

	writeJSON(w, http.StatusOK, resp)
}

type offeringRequest struct {
	Platform         string  `json:"platform"`
	Title            string  `json:"title"`
	PricePerThousand float64 `json:"price_per_thousand"`
	MinQuantity      int64   `json:"min_quantity"`
	MaxQuantity      int64   `json:"max_quantity"`
	Provider         string  `json:"provider"`
	Active           bool    `json:"active"`
	Description      string  `json:"description"`
}

func (req offeringRequest) toModel(id int64) model.Offering {
	return model.Offering{
		ID:                    id,
		Platform:              req.Platform,
		Title:                 req.Title,
		PriceCentsPerThousand: int64(req.PricePerThousand * 100),
		MinQuantity:           req.MinQuantity,
		MaxQuantity:           req.MaxQuantity,
		Provider:              req.Provider,
		Active:                req.Active,
		Description:           req.Description,
	}
}

// CreateOffering добавляет позицию каталога (админ).
func (h *Handler) CreateOffering(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req offeringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateOffering(r.Context(), actorID, req.toModel(0))
	if err != nil {
		h.writeAdminError(w, actorID, "create offering", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// UpdateOffering обновляет позицию каталога (админ).
func (h *Handler) UpdateOffering(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req offeringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateOffering(r.Context(), actorID, req.toModel(id)); err != nil {
		h.writeAdminError(w, actorID, "update offering", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// DeleteOffering удаляет позицию каталога (админ).
func (h *Handler) DeleteOffering(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteOffering(r.Context(), actorID, id); err != nil {
		h.writeAdminError(w, actorID, "delete offering", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListAllOrders возвращает последние заказы всех пользователей (админ).
func (h *Handler) ListAllOrders(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	orders, err := h.service.ListOrders(r.Context(), actorID, limit)
	if err != nil {
		h.writeAdminError(w, actorID, "list orders", err)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}

	writeJSON(w, http.StatusOK, resp)
}

type attachProviderRequest struct {
	ProviderOrderID string `json:"provider_order_id"`
}

// AttachProviderOrder привязывает заказ к идентификатору поставщика (админ).
func (h *Handler) AttachProviderOrder(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req attachProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	number := chi.URLParam(r, "number")
	if err := h.service.AttachProviderOrder(r.Context(), actorID, number, req.ProviderOrderID); err != nil {
		h.writeAdminError(w, actorID, "attach provider order", err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// SyncOrderStatus синхронизирует статус заказа с поставщиком (админ).
func (h *Handler) SyncOrderStatus(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	number := chi.URLParam(r, "number")
	order, err := h.service.SyncOrderStatus(r.Context(), actorID, number)
	if err != nil {
		h.writeAdminError(w, actorID, "sync order status", err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(*order))
}

type adjustRequest struct {
	UserID int64   `json:"user_id"`
	Sum    float64 `json:"sum"`
}

// AdjustBalance создаёт административную корректировку баланса (админ).
func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.AdjustBalance(r.Context(), actorID, req.UserID, req.Sum)
	if err != nil {
		h.writeAdminError(w, actorID, "adjust balance", err)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type reconciliationResponse struct {
	EventID   string  `json:"event_id"`
	UserID    int64   `json:"user_id"`
	ServiceID int64   `json:"service_id"`
	Amount    float64 `json:"amount"`
	Reason    string  `json:"reason"`
	Resolved  bool    `json:"resolved"`
	CreatedAt string  `json:"created_at"`
}

// ListReconciliations возвращает очередь сверки (админ).
func (h *Handler) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	recs, err := h.service.ListReconciliations(r.Context(), actorID)
	if err != nil {
		h.writeAdminError(w, actorID, "list reconciliations", err)
		return
	}

	resp := make([]reconciliationResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, reconciliationResponse{
			EventID:   rec.EventID,
			UserID:    rec.UserID,
			ServiceID: rec.OfferingID,
			Amount:    float64(rec.AmountCents) / 100,
			Reason:    rec.Reason,
			Resolved:  rec.Resolved,
			CreatedAt: rec.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeAdminError(w http.ResponseWriter, actorID int64, op string, err error) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrOfferingNotFound),
		errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		h.logger.Error(op+" error", zap.Error(err), zap.Int64("actorID", actorID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
