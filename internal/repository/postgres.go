// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/boostpay/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrItemNotFound возвращается, если объявление не найдено.
	ErrItemNotFound = errors.New("item not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("boost order not found")
	// ErrOrderExists возвращается при повторном создании заказа с тем же идентификатором.
	ErrOrderExists = errors.New("boost order already exists")
	// ErrOrderNotPaid возвращается при попытке активировать неоплаченный заказ.
	ErrOrderNotPaid = errors.New("boost order is not paid")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	backoff func() retry.Backoff
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:    pool,
		backoff: defaultBackoff,
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.WithJitterPercent(10, retry.NewExponential(time.Second)))
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

// withRetry повторяет fn при временных ошибках: конфликт сериализации, дедлок, обрыв соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// GetItem возвращает объявление по идентификатору.
func (r *PostgresRepository) GetItem(ctx context.Context, itemID string) (*model.Item, error) {
	var (
		it   model.Item
		tier *string
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`SELECT id, owner_id, title, boost_tier, boosted_until FROM items WHERE id = $1`,
			itemID,
		).Scan(&it.ID, &it.OwnerID, &it.Title, &tier, &it.BoostedUntil)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}

	if tier != nil {
		t := model.BoostTier(*tier)
		it.BoostTier = &t
	}

	return &it, nil
}

// CreateOrder сохраняет новый заказ в статусе ожидания оплаты.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.BoostOrder) error {
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO boost_orders (id, item_id, user_id, tier, duration_days, charge_amount, currency, payment_status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING created_at, updated_at`,
			order.ID, order.ItemID, order.UserID, string(order.Tier), int(order.Duration),
			order.ChargeAmount, order.Currency, string(model.PaymentStatusPending),
		).Scan(&order.CreatedAt, &order.UpdatedAt)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return fmt.Errorf("%w: %s", ErrOrderExists, order.ID)
			case pgerrcode.ForeignKeyViolation:
				return fmt.Errorf("%w: %s", ErrItemNotFound, order.ItemID)
			}
		}
		return fmt.Errorf("create order: %w", err)
	}

	order.PaymentStatus = model.PaymentStatusPending
	return nil
}

// SetOrderIntent привязывает платёжное намерение к заказу.
func (r *PostgresRepository) SetOrderIntent(ctx context.Context, orderID, intentID string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE boost_orders SET intent_id = $2, updated_at = now() WHERE id = $1`,
			orderID, intentID,
		)
		if err != nil {
			return fmt.Errorf("set order intent: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrOrderNotFound
		}
		return nil
	})
}

// UpdateOrderStatus обновляет статус оплаты заказа. Оплаченный заказ больше не меняет статус.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, orderID string, status model.PaymentStatus) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`UPDATE boost_orders SET payment_status = $2, updated_at = now()
			 WHERE id = $1 AND payment_status <> $3`,
			orderID, string(status), string(model.PaymentStatusSucceeded),
		)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		return nil
	})
}

// UpdateOrderStatusByIntent обновляет статус заказа по идентификатору платёжного намерения
// и возвращает заказ.
func (r *PostgresRepository) UpdateOrderStatusByIntent(ctx context.Context, intentID string, status model.PaymentStatus) (*model.BoostOrder, error) {
	err := r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`UPDATE boost_orders SET payment_status = $2, updated_at = now()
			 WHERE intent_id = $1 AND payment_status <> $3`,
			intentID, string(status), string(model.PaymentStatusSucceeded),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update order status by intent: %w", err)
	}

	return r.getOrder(ctx, `WHERE intent_id = $1`, intentID)
}

const orderColumns = `id::text, item_id, user_id, tier, duration_days, charge_amount, currency,
	payment_status, COALESCE(intent_id, ''), created_at, updated_at, activated_at`

func scanOrder(row pgx.Row) (*model.BoostOrder, error) {
	var (
		o        model.BoostOrder
		tier     string
		duration int
		status   string
	)

	err := row.Scan(&o.ID, &o.ItemID, &o.UserID, &tier, &duration, &o.ChargeAmount, &o.Currency,
		&status, &o.IntentID, &o.CreatedAt, &o.UpdatedAt, &o.ActivatedAt)
	if err != nil {
		return nil, err
	}

	o.Tier = model.BoostTier(tier)
	o.Duration = model.BoostDuration(duration)
	o.PaymentStatus = model.PaymentStatus(status)
	return &o, nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID string) (*model.BoostOrder, error) {
	return r.getOrder(ctx, `WHERE id = $1`, orderID)
}

func (r *PostgresRepository) getOrder(ctx context.Context, where string, arg any) (*model.BoostOrder, error) {
	var o *model.BoostOrder

	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		o, err = scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM boost_orders `+where, arg))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return o, nil
}

// GetOrdersByItem возвращает историю заказов объявления, новые первыми.
func (r *PostgresRepository) GetOrdersByItem(ctx context.Context, itemID string) ([]model.BoostOrder, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM boost_orders WHERE item_id = $1 ORDER BY created_at DESC`,
		itemID,
	)
}

// GetOrdersForReconciliation возвращает заказы, исход которых нужно сверить со шлюзом:
// ожидающие оплаты дольше olderThan и оплаченные, но не активированные.
func (r *PostgresRepository) GetOrdersForReconciliation(ctx context.Context, olderThan time.Time, limit int) ([]model.BoostOrder, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM boost_orders
		 WHERE updated_at < $1
		   AND (payment_status = $2 OR (payment_status = $3 AND activated_at IS NULL))
		 ORDER BY updated_at
		 LIMIT $4`,
		olderThan, string(model.PaymentStatusPending), string(model.PaymentStatusSucceeded), limit,
	)
}

func (r *PostgresRepository) queryOrders(ctx context.Context, query string, args ...any) ([]model.BoostOrder, error) {
	var res []model.BoostOrder

	err := r.withRetry(ctx, func(ctx context.Context) error {
		res = res[:0]

		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			o, err := scanOrder(rows)
			if err != nil {
				return fmt.Errorf("scan order: %w", err)
			}
			res = append(res, *o)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}

	return res, nil
}

// ActivateBoost продлевает продвижение объявления по оплаченному заказу. Повторный вызов
// для уже активированного заказа ничего не меняет и возвращает false.
func (r *PostgresRepository) ActivateBoost(ctx context.Context, orderID string, now time.Time) (bool, error) {
	var activated bool

	err := r.withRetry(ctx, func(ctx context.Context) error {
		activated = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			itemID      string
			tier        string
			duration    int
			status      string
			activatedAt *time.Time
		)

		// Блокируем заказ, чтобы активация по webhook и по закрытию диалога не продлила дважды.
		err = tx.QueryRow(ctx,
			`SELECT item_id, tier, duration_days, payment_status, activated_at
			 FROM boost_orders WHERE id = $1 FOR UPDATE`,
			orderID,
		).Scan(&itemID, &tier, &duration, &status, &activatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if model.PaymentStatus(status) != model.PaymentStatusSucceeded {
			return ErrOrderNotPaid
		}
		if activatedAt != nil {
			return nil
		}

		_, err = tx.Exec(ctx,
			`UPDATE items
			 SET boost_tier = $2,
			     boosted_until = GREATEST(COALESCE(boosted_until, $3), $3) + make_interval(days => $4)
			 WHERE id = $1`,
			itemID, tier, now, duration,
		)
		if err != nil {
			return fmt.Errorf("update item boost: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE boost_orders SET activated_at = $2, updated_at = $2 WHERE id = $1`,
			orderID, now,
		)
		if err != nil {
			return fmt.Errorf("mark order activated: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		activated = true
		return nil
	})

	return activated, err
}

// ExpireBoosts снимает продвижение с объявлений, срок которого истёк, и возвращает их число.
func (r *PostgresRepository) ExpireBoosts(ctx context.Context, now time.Time) (int64, error) {
	var n int64

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE items SET boost_tier = NULL, boosted_until = NULL
			 WHERE boosted_until IS NOT NULL AND boosted_until <= $1`,
			now,
		)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expire boosts: %w", err)
	}

	return n, nil
}
