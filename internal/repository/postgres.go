// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/avmirov/smmpanel-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOfferingNotFound возвращается, если позиция каталога не найдена.
	ErrOfferingNotFound = errors.New("offering not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
// Первое подключение повторяется с фибоначчиевой задержкой: при старте в
// контейнерном окружении БД может подниматься дольше сервиса.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	backoff := retry.WithMaxRetries(5, retry.NewFibonacci(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с ролью user.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, string(model.RoleUser),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, created_at FROM users WHERE login = $1`,
		login,
	)
	return scanUser(row)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, created_at FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)
	return &u, nil
}

// ListOfferings возвращает все позиции каталога, включая неактивные.
func (r *PostgresRepository) ListOfferings(ctx context.Context) ([]model.Offering, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, platform, title, price_cents_per_thousand, min_quantity, max_quantity,
		        provider, active, description
		 FROM offerings
		 ORDER BY platform, title`,
	)
	if err != nil {
		return nil, fmt.Errorf("select offerings: %w", err)
	}
	defer rows.Close()

	var res []model.Offering
	for rows.Next() {
		var o model.Offering
		if err := rows.Scan(&o.ID, &o.Platform, &o.Title, &o.PriceCentsPerThousand,
			&o.MinQuantity, &o.MaxQuantity, &o.Provider, &o.Active, &o.Description); err != nil {
			return nil, fmt.Errorf("scan offering: %w", err)
		}
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateOffering добавляет позицию каталога и возвращает её идентификатор.
func (r *PostgresRepository) CreateOffering(ctx context.Context, o model.Offering) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO offerings (platform, title, price_cents_per_thousand, min_quantity,
		                        max_quantity, provider, active, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		o.Platform, o.Title, o.PriceCentsPerThousand, o.MinQuantity,
		o.MaxQuantity, o.Provider, o.Active, o.Description,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert offering: %w", err)
	}
	return id, nil
}

// UpdateOffering обновляет позицию каталога целиком.
func (r *PostgresRepository) UpdateOffering(ctx context.Context, o model.Offering) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE offerings
		 SET platform = $2, title = $3, price_cents_per_thousand = $4, min_quantity = $5,
		     max_quantity = $6, provider = $7, active = $8, description = $9
		 WHERE id = $1`,
		o.ID, o.Platform, o.Title, o.PriceCentsPerThousand, o.MinQuantity,
		o.MaxQuantity, o.Provider, o.Active, o.Description,
	)
	if err != nil {
		return fmt.Errorf("update offering: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOfferingNotFound
	}
	return nil
}

// DeleteOffering удаляет позицию каталога.
func (r *PostgresRepository) DeleteOffering(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM offerings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete offering: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOfferingNotFound
	}
	return nil
}

// LedgerEntries возвращает записи леджера пользователя, новые первыми.
func (r *PostgresRepository) LedgerEntries(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, amount_cents, kind, status, created_at
		 FROM ledger_entries
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind, status string
		if err := rows.Scan(&e.ID, &e.UserID, &e.AmountCents, &kind, &status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = model.EntryKind(kind)
		e.Status = model.EntryStatus(status)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateCredit создаёт завершённую запись леджера с переданным знаком
// (пополнение или административная корректировка, в том числе отрицательная).
func (r *PostgresRepository) CreateCredit(ctx context.Context, userID int64, amountCents int64, kind model.EntryKind) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO ledger_entries (user_id, amount_cents, kind, status) VALUES ($1, $2, $3, $4)`,
		userID, amountCents, string(kind), string(model.EntryStatusCompleted),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return ErrUserNotFound
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// CreateDebit создаёт отрицательную запись леджера на amountCents.
// Строка пользователя блокируется для сериализации списаний: параллельные
// списания не могут увести завершённую сумму ниже нуля.
func (r *PostgresRepository) CreateDebit(ctx context.Context, userID int64, amountCents int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lock user for update: %w", err)
	}

	var settled int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0)
		 FROM ledger_entries
		 WHERE user_id = $1 AND status = $2`,
		userID, string(model.EntryStatusCompleted),
	).Scan(&settled)
	if err != nil {
		return fmt.Errorf("sum settled entries: %w", err)
	}

	if amountCents > settled {
		return ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (user_id, amount_cents, kind, status) VALUES ($1, $2, $3, $4)`,
		userID, -amountCents, string(model.EntryKindOrderDebit), string(model.EntryStatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("insert debit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// CreateOrder сохраняет заказ и возвращает его с присвоенным идентификатором.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o model.Order) (*model.Order, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (number, user_id, platform, offering_id, service_title, link,
		                     quantity, total_cost_cents, status, provider, provider_order_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at`,
		o.Number, o.UserID, o.Platform, o.OfferingID, o.ServiceTitle, o.Link,
		o.Quantity, o.TotalCostCents, string(o.Status), o.Provider, o.ProviderOrderID,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return &o, nil
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT id, number, user_id, platform, offering_id, service_title, link,
		        quantity, total_cost_cents, status, provider, provider_order_id, created_at
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
}

// ListOrders возвращает последние заказы всех пользователей для админ-панели.
func (r *PostgresRepository) ListOrders(ctx context.Context, limit int) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT id, number, user_id, platform, offering_id, service_title, link,
		        quantity, total_cost_cents, status, provider, provider_order_id, created_at
		 FROM orders
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
}

// GetOrderByNumber возвращает заказ по его номеру.
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	orders, err := r.queryOrders(ctx,
		`SELECT id, number, user_id, platform, offering_id, service_title, link,
		        quantity, total_cost_cents, status, provider, provider_order_id, created_at
		 FROM orders
		 WHERE number = $1`,
		number,
	)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrOrderNotFound
	}
	return &orders[0], nil
}

func (r *PostgresRepository) queryOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		var o model.Order
		var status string
		if err := rows.Scan(&o.ID, &o.Number, &o.UserID, &o.Platform, &o.OfferingID,
			&o.ServiceTitle, &o.Link, &o.Quantity, &o.TotalCostCents, &status,
			&o.Provider, &o.ProviderOrderID, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = model.OrderStatus(status)
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// OrderForSync описывает заказ, ожидающий обновления статуса у поставщика.
type OrderForSync struct {
	Number          string
	ProviderOrderID string
	Status          model.OrderStatus
}

// GetOrdersForSync возвращает незавершённые заказы с известным идентификатором
// на стороне поставщика.
func (r *PostgresRepository) GetOrdersForSync(ctx context.Context, limit int) ([]OrderForSync, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT number, provider_order_id, status
		 FROM orders
		 WHERE status IN ($1, $2) AND provider_order_id IS NOT NULL
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.OrderStatusPending),
		string(model.OrderStatusInProgress),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders for sync: %w", err)
	}
	defer rows.Close()

	var res []OrderForSync
	for rows.Next() {
		var o OrderForSync
		var status string
		if err := rows.Scan(&o.Number, &o.ProviderOrderID, &status); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = model.OrderStatus(status)
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateOrderStatus обновляет статус заказа.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, number string, status model.OrderStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE number = $1`,
		number, string(status),
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// SetProviderOrderID привязывает к заказу идентификатор на стороне поставщика.
func (r *PostgresRepository) SetProviderOrderID(ctx context.Context, number, providerOrderID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET provider_order_id = $2 WHERE number = $1`,
		number, providerOrderID,
	)
	if err != nil {
		return fmt.Errorf("set provider order id: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// CreateReconciliation сохраняет событие расхождения для ручной сверки.
func (r *PostgresRepository) CreateReconciliation(ctx context.Context, rec model.Reconciliation) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO reconciliations (event_id, user_id, offering_id, amount_cents, reason)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.EventID, rec.UserID, rec.OfferingID, rec.AmountCents, rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert reconciliation: %w", err)
	}
	return nil
}

// ListReconciliations возвращает события сверки, неразрешённые и новые первыми.
func (r *PostgresRepository) ListReconciliations(ctx context.Context) ([]model.Reconciliation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT event_id, user_id, offering_id, amount_cents, reason, resolved, created_at
		 FROM reconciliations
		 ORDER BY resolved, created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select reconciliations: %w", err)
	}
	defer rows.Close()

	var res []model.Reconciliation
	for rows.Next() {
		var rec model.Reconciliation
		if err := rows.Scan(&rec.EventID, &rec.UserID, &rec.OfferingID, &rec.AmountCents,
			&rec.Reason, &rec.Resolved, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation: %w", err)
		}
		res = append(res, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
