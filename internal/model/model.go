// Package model содержит доменные сущности сервиса SMM-панели.
package model

import "time"

// Role определяет уровень доступа пользователя.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User представляет зарегистрированного пользователя панели.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// Offering описывает продаваемую позицию каталога с ценой за 1000 единиц.
type Offering struct {
	ID                    int64
	Platform              string
	Title                 string
	PriceCentsPerThousand int64
	MinQuantity           int64
	MaxQuantity           int64
	Provider              string
	Active                bool
	Description           string
}

// EntryKind описывает происхождение записи леджера.
type EntryKind string

const (
	EntryKindTopup      EntryKind = "topup"
	EntryKindAdjustment EntryKind = "adjustment"
	EntryKindOrderDebit EntryKind = "order_debit"
)

// EntryStatus описывает состояние расчёта по записи леджера.
type EntryStatus string

const (
	EntryStatusCompleted EntryStatus = "completed"
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusFailed    EntryStatus = "failed"
)

// LedgerEntry представляет одно подписанное движение средств пользователя.
// Положительная сумма — пополнение, отрицательная — списание.
type LedgerEntry struct {
	ID          int64
	UserID      int64
	AmountCents int64
	Kind        EntryKind
	Status      EntryStatus
	CreatedAt   time.Time
}

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusInProgress OrderStatus = "in_progress"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusFailed     OrderStatus = "failed"
)

// Order описывает размещённый заказ. Название позиции, платформа, поставщик и
// стоимость фиксируются на момент создания и далее не зависят от каталога.
type Order struct {
	ID              int64
	Number          string
	UserID          int64
	Platform        string
	OfferingID      int64
	ServiceTitle    string
	Link            string
	Quantity        int64
	TotalCostCents  int64
	Status          OrderStatus
	Provider        string
	ProviderOrderID *string
	CreatedAt       time.Time
}

// Balance содержит производный баланс пользователя.
type Balance struct {
	Current float64 `json:"current"`
}

// Reconciliation фиксирует расхождение «деньги списаны, заказ не создан»
// для ручной сверки оператором.
type Reconciliation struct {
	EventID     string
	UserID      int64
	OfferingID  int64
	AmountCents int64
	Reason      string
	Resolved    bool
	CreatedAt   time.Time
}
