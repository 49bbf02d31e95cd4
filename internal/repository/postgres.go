// Package repository содержит реализацию хранилища заказов и балансов.
package repository

import (
	"context"
	"embed"
	"encoding/json"
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

	"github.com/mmeshcher/creditledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateOrder возвращается при нарушении уникальности заказа.
	ErrDuplicateOrder = errors.New("duplicate order")
)

// pgxPool - подмножество pgxpool.Pool, используемое репозиторием.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   pgxPool
	delays []time.Duration
}

const orderColumns = `id, external_reference, provider_trade_id, provider, user_id, amount_minor,
	credits_requested, status, credit_attempts, created_at, updated_at, credited_at,
	raw_provider_payload, metadata`

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

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return newPostgresRepository(pool), nil
}

func newPostgresRepository(pool pgxPool) *PostgresRepository {
	return &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
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

// withRetry повторяет идемпотентные операции при временных ошибках БД.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// backoff выдаёт паузы из r.delays по порядку и останавливается после последней.
func (r *PostgresRepository) backoff() retry.Backoff {
	i := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if i >= len(r.delays) {
			return 0, true
		}
		d := r.delays[i]
		i++
		return d, false
	})
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
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

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o        model.Order
		tradeID  *string
		provider string
		status   string
		meta     []byte
	)

	err := row.Scan(
		&o.ID, &o.ExternalReference, &tradeID, &provider, &o.UserID, &o.AmountMinor,
		&o.CreditsRequested, &status, &o.CreditAttempts, &o.CreatedAt, &o.UpdatedAt, &o.CreditedAt,
		&o.RawProviderPayload, &meta,
	)
	if err != nil {
		return nil, err
	}

	if tradeID != nil {
		o.ProviderTradeID = *tradeID
	}
	o.Provider = model.Provider(provider)
	o.Status = model.OrderStatus(status)

	o.Metadata = model.Metadata{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &o.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}

	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func encodeMetadata(m model.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// EnsureAccount создаёт счёт пользователя с нулевым балансом, если его ещё нет.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// AccountExists сообщает, заведён ли счёт пользователя.
func (r *PostgresRepository) AccountExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE user_id = $1)`,
		userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check account: %w", err)
	}
	return exists, nil
}

// GetBalance возвращает баланс кредитов пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// CreateOrder сохраняет заказ. Если заказ с той же ссылкой или транзакцией
// провайдера уже существует, возвращает его и признак inserted=false.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) (*model.Order, bool, error) {
	meta, err := encodeMetadata(o.Metadata)
	if err != nil {
		return nil, false, err
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO orders (id, external_reference, provider_trade_id, provider, user_id, amount_minor,
			credits_requested, status, raw_provider_payload, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $11)
		 ON CONFLICT DO NOTHING
		 RETURNING `+orderColumns,
		o.ID, o.ExternalReference, nullableString(o.ProviderTradeID), string(o.Provider), o.UserID,
		o.AmountMinor, o.CreditsRequested, string(o.Status), o.RawProviderPayload, meta, o.CreatedAt,
	)

	created, err := scanOrder(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert order: %w", err)
	}

	existing, err := r.GetOrderByReference(ctx, o.Provider, o.ExternalReference)
	if errors.Is(err, ErrOrderNotFound) && o.ProviderTradeID != "" {
		existing, err = r.GetOrderByTradeID(ctx, o.Provider, o.ProviderTradeID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("select conflicting order: %w", err)
	}

	return existing, false, nil
}

func (r *PostgresRepository) getOrder(ctx context.Context, where string, args ...any) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// GetOrderByID возвращает заказ по внутреннему идентификатору.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, id string) (*model.Order, error) {
	return r.getOrder(ctx, `id = $1`, id)
}

// GetOrderByReference возвращает заказ по ссылке мерчанта.
func (r *PostgresRepository) GetOrderByReference(ctx context.Context, provider model.Provider, ref string) (*model.Order, error) {
	return r.getOrder(ctx, `provider = $1 AND external_reference = $2`, string(provider), ref)
}

// GetOrderByTradeID возвращает заказ по идентификатору транзакции провайдера.
func (r *PostgresRepository) GetOrderByTradeID(ctx context.Context, provider model.Provider, tradeID string) (*model.Order, error) {
	return r.getOrder(ctx, `provider = $1 AND provider_trade_id = $2`, string(provider), tradeID)
}

// GetUserOrder возвращает заказ пользователя по ссылке мерчанта.
func (r *PostgresRepository) GetUserOrder(ctx context.Context, userID int64, ref string) (*model.Order, error) {
	return r.getOrder(ctx, `user_id = $1 AND external_reference = $2 ORDER BY created_at DESC LIMIT 1`, userID, ref)
}

// FindFallbackCandidates возвращает ожидающие оплаты заказы провайдера с близкой суммой,
// созданные не раньше since.
func (r *PostgresRepository) FindFallbackCandidates(ctx context.Context, provider model.Provider, amountMinor, epsilon int64, since time.Time, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE provider = $1 AND status = $2
		   AND amount_minor BETWEEN $3 AND $4
		   AND created_at >= $5
		 ORDER BY created_at
		 LIMIT $6`,
		string(provider), string(model.OrderStatusPending), amountMinor-epsilon, amountMinor+epsilon, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select fallback candidates: %w", err)
	}
	return scanOrders(rows)
}

// MarkPaid переводит заказ из pending в paid. Возвращает false, если заказ уже не в pending.
func (r *PostgresRepository) MarkPaid(ctx context.Context, id, tradeID string, payload []byte, meta model.Metadata) (bool, error) {
	return r.resolvePending(ctx, model.OrderStatusPaid, id, tradeID, payload, meta)
}

// MarkFailed переводит заказ из pending в failed. Возвращает false, если заказ уже не в pending.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id, tradeID string, payload []byte, meta model.Metadata) (bool, error) {
	return r.resolvePending(ctx, model.OrderStatusFailed, id, tradeID, payload, meta)
}

func (r *PostgresRepository) resolvePending(ctx context.Context, to model.OrderStatus, id, tradeID string, payload []byte, meta model.Metadata) (bool, error) {
	encoded, err := encodeMetadata(meta)
	if err != nil {
		return false, err
	}

	var affected int64
	err = r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders
			 SET status = $2, provider_trade_id = $3, raw_provider_payload = $4,
			     metadata = metadata || $5::jsonb, updated_at = NOW()
			 WHERE id = $1 AND status = $6`,
			id, string(to), nullableString(tradeID), payload, encoded, string(model.OrderStatusPending),
		)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("%w: trade %s", ErrDuplicateOrder, tradeID)
		}
		return false, fmt.Errorf("update order status: %w", err)
	}

	return affected == 1, nil
}

// BeginCredit фиксирует попытку начисления: paid|pending_credits -> pending_credits.
// Возвращает номер попытки и false, если заказ не находится в зачисляемом статусе.
func (r *PostgresRepository) BeginCredit(ctx context.Context, id string) (int, bool, error) {
	var attempts int
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`UPDATE orders
			 SET status = $2, credit_attempts = credit_attempts + 1, updated_at = NOW()
			 WHERE id = $1 AND status IN ($3, $2)
			 RETURNING credit_attempts`,
			id, string(model.OrderStatusPendingCredits), string(model.OrderStatusPaid),
		).Scan(&attempts)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("begin credit: %w", err)
	}
	return attempts, true, nil
}

// ApplyCredit одной командой переводит заказ в credited и увеличивает баланс пользователя.
// Если заказ уже не в paid/pending_credits, баланс не меняется и возвращается applied=false.
func (r *PostgresRepository) ApplyCredit(ctx context.Context, id string) (int64, bool, error) {
	var balance int64
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`WITH credited AS (
				UPDATE orders
				SET status = $2, credited_at = NOW(), updated_at = NOW()
				WHERE id = $1 AND status IN ($3, $4)
				RETURNING user_id, credits_requested
			)
			INSERT INTO accounts (user_id, balance)
			SELECT user_id, credits_requested FROM credited
			ON CONFLICT (user_id) DO UPDATE
			SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
			RETURNING balance`,
			id, string(model.OrderStatusCredited), string(model.OrderStatusPaid), string(model.OrderStatusPendingCredits),
		).Scan(&balance)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("apply credit: %w", err)
	}
	return balance, true, nil
}

// ListOrdersByStatus возвращает заказы в статусе status, не обновлявшиеся после updatedBefore.
func (r *PostgresRepository) ListOrdersByStatus(ctx context.Context, status model.OrderStatus, updatedBefore time.Time, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE status = $1 AND updated_at <= $2
		 ORDER BY updated_at
		 LIMIT $3`,
		string(status), updatedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders by status: %w", err)
	}
	return scanOrders(rows)
}

// ListUnmatched возвращает несопоставленные платежи для ручной сверки.
func (r *PostgresRepository) ListUnmatched(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE status = $1 AND metadata->>'`+model.MetaMatchMethod+`' = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		string(model.OrderStatusFailed), model.MatchMethodNone, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unmatched orders: %w", err)
	}
	return scanOrders(rows)
}

// ExpirePending переводит в expired ожидающие заказы, созданные раньше olderThan.
func (r *PostgresRepository) ExpirePending(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE orders
		 SET status = $1, updated_at = NOW()
		 WHERE id IN (
			SELECT id FROM orders
			WHERE status = $2 AND created_at < $3
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		 ) AND status = $2
		 RETURNING id`,
		string(model.OrderStatusExpired), string(model.OrderStatusPending), olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("expire orders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// CancelOrder отменяет ожидающий оплаты заказ пользователя.
func (r *PostgresRepository) CancelOrder(ctx context.Context, userID int64, ref string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $3, updated_at = NOW()
		 WHERE user_id = $1 AND external_reference = $2 AND status = $4`,
		userID, ref, string(model.OrderStatusCancelled), string(model.OrderStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// HealthStats считает агрегаты по заказам для мониторинга.
func (r *PostgresRepository) HealthStats(ctx context.Context, staleBefore, windowStart time.Time) (*model.HealthStats, error) {
	var s model.HealthStats
	err := r.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'pending' AND created_at < $1),
			COUNT(*) FILTER (WHERE status = 'pending_credits'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'failed' AND metadata->>'matchMethod' = 'unmatched'),
			COUNT(*) FILTER (WHERE metadata->>'matchMethod' = 'amount_time_fallback'),
			COUNT(*) FILTER (WHERE status = 'credited' AND updated_at >= $2),
			COUNT(*) FILTER (WHERE status IN ('credited', 'failed', 'cancelled', 'expired') AND updated_at >= $2)
		 FROM orders`,
		staleBefore, windowStart,
	).Scan(&s.StalePending, &s.PendingCredits, &s.Failed, &s.Unmatched, &s.FallbackMatched,
		&s.CreditedInWindow, &s.TerminalInWindow)
	if err != nil {
		return nil, fmt.Errorf("health stats: %w", err)
	}
	return &s, nil
}
