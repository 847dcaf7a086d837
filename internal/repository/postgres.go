// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/jooyeonthemaster/admarket-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrClientExists возвращается при попытке создать клиента с уже существующим логином.
var (
	ErrClientExists = errors.New("client already exists")
	// ErrClientNotFound возвращается, если клиент не найден.
	ErrClientNotFound = errors.New("client not found")
	// ErrClientInactive возвращается при операции над деактивированным клиентом.
	ErrClientInactive = errors.New("client is deactivated")
	// ErrInsufficientFunds возвращается при списании суммы, превышающей баланс.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса заказа.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrCancellationPending возвращается, если по заказу уже есть нерешённая заявка на отмену.
	ErrCancellationPending = errors.New("cancellation request already pending")
	// ErrNotCancellable возвращается, если на момент отмены заказ уже покинул отменяемый статус.
	ErrNotCancellable = errors.New("order is not in a cancellable status")
	// ErrRequestNotFound возвращается, если заявка на отмену не найдена.
	ErrRequestNotFound = errors.New("cancellation request not found")
	// ErrRequestDecided возвращается при повторном решении по уже решённой заявке.
	ErrRequestDecided = errors.New("cancellation request already decided")
)

// orderTables сопоставляет тип услуги с таблицей заказов.
var orderTables = map[model.ProductType]string{
	model.ProductReward:     "reward_orders",
	model.ProductReceipt:    "receipt_orders",
	model.ProductKakaomap:   "kakaomap_orders",
	model.ProductBlog:       "blog_orders",
	model.ProductCafe:       "cafe_orders",
	model.ProductExperience: "experience_orders",
}

func orderTable(p model.ProductType) (string, error) {
	t, ok := orderTables[p]
	if !ok {
		return "", fmt.Errorf("no order table for product type %q", p)
	}
	return t, nil
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
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

// withRetry повторяет fn при временных ошибках: сбоях сериализации, дедлоках
// и обрывах соединения. Повторяется всегда целая транзакция, поэтому
// повтор не может привести к двойному списанию.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}
		if isRetryableError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateClient создаёт нового клиента с нулевым балансом баллов.
func (r *PostgresRepository) CreateClient(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO clients (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrClientExists, login)
		}
		return 0, fmt.Errorf("create client: %w", err)
	}
	return id, nil
}

// GetClientByLogin возвращает клиента по логину.
func (r *PostgresRepository) GetClientByLogin(ctx context.Context, login string) (*model.Client, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, points, active, created_at FROM clients WHERE login = $1`,
		login,
	)

	var c model.Client
	err := row.Scan(&c.ID, &c.Login, &c.PasswordHash, &c.Points, &c.Active, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("get client by login: %w", err)
	}

	return &c, nil
}

// GetClient возвращает клиента по идентификатору.
func (r *PostgresRepository) GetClient(ctx context.Context, clientID int64) (*model.Client, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, points, active, created_at FROM clients WHERE id = $1`,
		clientID,
	)

	var c model.Client
	err := row.Scan(&c.ID, &c.Login, &c.PasswordHash, &c.Points, &c.Active, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("get client: %w", err)
	}

	return &c, nil
}

// GetBalance возвращает текущий баланс баллов клиента.
func (r *PostgresRepository) GetBalance(ctx context.Context, clientID int64) (int64, error) {
	c, err := r.GetClient(ctx, clientID)
	if err != nil {
		return 0, err
	}
	return c.Points, nil
}

// NextOrderNumber выдаёт следующий номер заказа для префикса типа услуги.
// Счётчик инкрементируется атомарно внутри БД: два конкурентных вызова
// никогда не получат одно значение.
func (r *PostgresRepository) NextOrderNumber(ctx context.Context, prefix string) (string, error) {
	var n int64
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO order_counters (prefix, last_value) VALUES ($1, 1)
			 ON CONFLICT (prefix) DO UPDATE SET last_value = order_counters.last_value + 1
			 RETURNING last_value`,
			prefix,
		).Scan(&n)
	})
	if err != nil {
		return "", fmt.Errorf("next order number: %w", err)
	}

	return fmt.Sprintf("%s-%d-%06d", prefix, time.Now().UTC().Year(), n), nil
}

// InsertOrder сохраняет заказ в таблице его типа услуги и возвращает идентификатор.
func (r *PostgresRepository) InsertOrder(ctx context.Context, o *model.Order) (int64, error) {
	table, err := orderTable(o.ProductType)
	if err != nil {
		return 0, err
	}

	var id int64
	err = r.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (client_id, number, status, daily_quantity, days, total_quantity, total_cost, start_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`, table),
		o.ClientID, o.Number, string(o.Status), o.DailyQuantity, o.Days, o.TotalQuantity, o.TotalCost, o.StartDate,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}

	return id, nil
}

// DeleteOrder удаляет заказ. Используется только как компенсирующее действие
// при сбое списания после вставки заказа.
func (r *PostgresRepository) DeleteOrder(ctx context.Context, productType model.ProductType, orderID int64) error {
	table, err := orderTable(productType)
	if err != nil {
		return err
	}

	err = r.withRetry(ctx, func() error {
		_, execErr := r.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), orderID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return nil
}

const orderColumns = `id, client_id, number, status, daily_quantity, days, total_quantity, total_cost, start_date, created_at, updated_at`

func scanOrder(row pgx.Row, productType model.ProductType) (*model.Order, error) {
	var o model.Order
	o.ProductType = productType

	var status string
	err := row.Scan(&o.ID, &o.ClientID, &o.Number, &status, &o.DailyQuantity, &o.Days,
		&o.TotalQuantity, &o.TotalCost, &o.StartDate, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.Status = model.OrderStatus(status)
	return &o, nil
}

// GetOrder возвращает заказ по типу услуги и идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, productType model.ProductType, orderID int64) (*model.Order, error) {
	table, err := orderTable(productType)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, orderColumns, table), orderID)
	return scanOrder(row, productType)
}

// ListOrders возвращает все заказы клиента по всем типам услуг, новые первыми.
func (r *PostgresRepository) ListOrders(ctx context.Context, clientID int64) ([]model.Order, error) {
	var orders []model.Order

	for _, p := range model.ProductTypes {
		table, err := orderTable(p)
		if err != nil {
			return nil, err
		}

		rows, err := r.pool.Query(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE client_id = $1`, orderColumns, table), clientID)
		if err != nil {
			return nil, fmt.Errorf("select orders from %s: %w", table, err)
		}

		for rows.Next() {
			o, err := scanOrder(rows, p)
			if err != nil {
				rows.Close()
				return nil, err
			}
			orders = append(orders, *o)
		}

		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("rows error: %w", err)
		}
	}

	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})

	return orders, nil
}

// ListOrdersByStatus возвращает заказы во всех таблицах с указанным статусом.
func (r *PostgresRepository) ListOrdersByStatus(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error) {
	var orders []model.Order

	for _, p := range model.ProductTypes {
		table, err := orderTable(p)
		if err != nil {
			return nil, err
		}

		rows, err := r.pool.Query(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE status = $1 ORDER BY created_at LIMIT $2`, orderColumns, table),
			string(status), limit)
		if err != nil {
			return nil, fmt.Errorf("select orders from %s: %w", table, err)
		}

		for rows.Next() {
			o, err := scanOrder(rows, p)
			if err != nil {
				rows.Close()
				return nil, err
			}
			orders = append(orders, *o)
		}

		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("rows error: %w", err)
		}
	}

	return orders, nil
}

// UpdateOrderStatus переводит заказ в новый статус, проверяя допустимость
// перехода под блокировкой строки заказа.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, productType model.ProductType, orderID int64, newStatus model.OrderStatus) error {
	table, err := orderTable(productType)
	if err != nil {
		return err
	}

	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		current, err := lockOrderStatus(ctx, tx, table, orderID)
		if err != nil {
			return err
		}

		if !model.CanTransition(current, newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, newStatus)
		}

		// Дата старта фиксируется при первом переходе в работу.
		query := fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = now() WHERE id = $1`, table)
		if newStatus == model.OrderStatusInProgress {
			query = fmt.Sprintf(
				`UPDATE %s SET status = $2, start_date = COALESCE(start_date, now()), updated_at = now() WHERE id = $1`,
				table)
		}

		_, err = tx.Exec(ctx, query, orderID, string(newStatus))
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// appendTransaction добавляет запись журнала движения баллов внутри транзакции tx.
func appendTransaction(ctx context.Context, tx pgx.Tx, t model.Transaction) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO point_transactions (client_id, transaction_type, amount, balance_after, reference_type, reference_id, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		t.ClientID, string(t.Type), t.Amount, t.BalanceAfter, string(t.ReferenceType), t.ReferenceID, t.Description,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append transaction: %w", err)
	}
	return id, nil
}

// lockClient блокирует строку клиента и возвращает его текущий баланс.
func lockClient(ctx context.Context, tx pgx.Tx, clientID int64) (int64, error) {
	var points int64
	var active bool
	err := tx.QueryRow(ctx,
		`SELECT points, active FROM clients WHERE id = $1 FOR UPDATE`, clientID,
	).Scan(&points, &active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrClientNotFound
		}
		return 0, fmt.Errorf("lock client: %w", err)
	}
	if !active {
		return 0, ErrClientInactive
	}
	return points, nil
}

// DebitForOrder атомарно списывает баллы за заказ и добавляет запись журнала.
// Баланс и журнал изменяются в одной транзакции БД: либо оба изменения
// применяются, либо ни одно.
func (r *PostgresRepository) DebitForOrder(ctx context.Context, clientID, amount int64, productType model.ProductType, orderID int64, description string) (int64, error) {
	var balanceAfter int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		points, err := lockClient(ctx, tx, clientID)
		if err != nil {
			return err
		}

		if points < amount {
			return ErrInsufficientFunds
		}

		newBalance := points - amount
		_, err = tx.Exec(ctx, `UPDATE clients SET points = $2 WHERE id = $1`, clientID, newBalance)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		_, err = appendTransaction(ctx, tx, model.Transaction{
			ClientID:      clientID,
			Type:          model.TransactionDebit,
			Amount:        -amount,
			BalanceAfter:  newBalance,
			ReferenceType: productType,
			ReferenceID:   orderID,
			Description:   description,
		})
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		balanceAfter = newBalance
		return nil
	})

	return balanceAfter, err
}

// CreditPoints атомарно зачисляет баллы клиенту и добавляет запись журнала.
func (r *PostgresRepository) CreditPoints(ctx context.Context, clientID, amount int64, txType model.TransactionType, productType model.ProductType, orderID int64, description string) (int64, error) {
	var balanceAfter int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		points, err := lockClient(ctx, tx, clientID)
		if err != nil {
			return err
		}

		newBalance := points + amount
		_, err = tx.Exec(ctx, `UPDATE clients SET points = $2 WHERE id = $1`, clientID, newBalance)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		_, err = appendTransaction(ctx, tx, model.Transaction{
			ClientID:      clientID,
			Type:          txType,
			Amount:        amount,
			BalanceAfter:  newBalance,
			ReferenceType: productType,
			ReferenceID:   orderID,
			Description:   description,
		})
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		balanceAfter = newBalance
		return nil
	})

	return balanceAfter, err
}

// ListTransactions возвращает журнал движения баллов клиента, новые записи первыми.
func (r *PostgresRepository) ListTransactions(ctx context.Context, clientID int64) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, client_id, transaction_type, amount, balance_after, reference_type, reference_id, description, created_at
		 FROM point_transactions
		 WHERE client_id = $1
		 ORDER BY created_at DESC, id DESC`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var txType, refType string
		if err := rows.Scan(&t.ID, &t.ClientID, &txType, &t.Amount, &t.BalanceAfter, &refType, &t.ReferenceID, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(txType)
		t.ReferenceType = model.ProductType(refType)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SumTransactions возвращает сумму всех записей журнала клиента.
// Инвариант журнала: сумма должна совпадать с текущим балансом клиента.
func (r *PostgresRepository) SumTransactions(ctx context.Context, clientID int64) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM point_transactions WHERE client_id = $1`,
		clientID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

// insertCancellationRequest вставляет заявку внутри транзакции tx.
// Частичный уникальный индекс по (submission_type, submission_id) при статусе
// pending отклоняет вторую нерешённую заявку по тому же заказу.
// lockOrderStatus блокирует строку заказа и возвращает её текущий статус.
// Держит блокировку до конца транзакции tx.
func lockOrderStatus(ctx context.Context, tx pgx.Tx, table string, orderID int64) (model.OrderStatus, error) {
	var status string
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT status FROM %s WHERE id = $1 FOR UPDATE`, table), orderID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrOrderNotFound
		}
		return "", fmt.Errorf("lock order: %w", err)
	}
	return model.OrderStatus(status), nil
}

func insertCancellationRequest(ctx context.Context, tx pgx.Tx, req *model.CancellationRequest) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO cancellation_requests (client_id, submission_type, submission_id, reason, status, previous_status, progress_ratio, calculated_refund, final_refund, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		req.ClientID, string(req.ProductType), req.OrderID, req.Reason, string(req.Status),
		string(req.PreviousStatus), req.ProgressRatio, req.CalculatedRefund, req.FinalRefund, req.DecidedAt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, ErrCancellationPending
		}
		return 0, fmt.Errorf("insert cancellation request: %w", err)
	}
	return id, nil
}

// CreateCancellationRequest создаёт нерешённую заявку на отмену и переводит
// заказ в статус cancellation_requested в одной транзакции. Баланс не меняется.
func (r *PostgresRepository) CreateCancellationRequest(ctx context.Context, req *model.CancellationRequest) (int64, error) {
	table, err := orderTable(req.ProductType)
	if err != nil {
		return 0, err
	}

	var id int64
	err = r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Статус перепроверяется под блокировкой: между проверкой сервиса и
		// этой транзакцией заказ мог стать терминальным.
		current, err := lockOrderStatus(ctx, tx, table, req.OrderID)
		if err != nil {
			return err
		}
		if !model.CanRequestCancellation(current) {
			return fmt.Errorf("%w: status %s", ErrNotCancellable, current)
		}

		req.Status = model.CancellationPending
		req.PreviousStatus = current
		id, err = insertCancellationRequest(ctx, tx, req)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = now() WHERE id = $1`, table),
			req.OrderID, string(model.OrderStatusCancelRequest))
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

// CancelOrderImmediate выполняет одношаговую отмену: создаёт уже одобренную
// заявку, зачисляет возврат, добавляет запись журнала и переводит заказ в
// cancelled — всё в одной транзакции.
func (r *PostgresRepository) CancelOrderImmediate(ctx context.Context, req *model.CancellationRequest, refund int64, description string) (int64, error) {
	table, err := orderTable(req.ProductType)
	if err != nil {
		return 0, err
	}

	var requestID int64
	err = r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Перепроверка статуса под блокировкой закрывает гонку двух
		// одновременных отмен: вторая увидит cancelled и не зачислит
		// повторный возврат.
		current, err := lockOrderStatus(ctx, tx, table, req.OrderID)
		if err != nil {
			return err
		}
		if !model.CanRequestCancellation(current) {
			return fmt.Errorf("%w: status %s", ErrNotCancellable, current)
		}

		now := time.Now().UTC()
		req.Status = model.CancellationApproved
		req.PreviousStatus = current
		req.FinalRefund = &refund
		req.DecidedAt = &now

		requestID, err = insertCancellationRequest(ctx, tx, req)
		if err != nil {
			return err
		}

		points, err := lockClient(ctx, tx, req.ClientID)
		if err != nil {
			return err
		}

		newBalance := points + refund
		_, err = tx.Exec(ctx, `UPDATE clients SET points = $2 WHERE id = $1`, req.ClientID, newBalance)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		_, err = appendTransaction(ctx, tx, model.Transaction{
			ClientID:      req.ClientID,
			Type:          model.TransactionRefund,
			Amount:        refund,
			BalanceAfter:  newBalance,
			ReferenceType: req.ProductType,
			ReferenceID:   req.OrderID,
			Description:   description,
		})
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = now() WHERE id = $1`, table),
			req.OrderID, string(model.OrderStatusCancelled))
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return requestID, nil
}

// GetCancellationRequest возвращает заявку на отмену по идентификатору.
func (r *PostgresRepository) GetCancellationRequest(ctx context.Context, requestID int64) (*model.CancellationRequest, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, client_id, submission_type, submission_id, reason, status, previous_status, progress_ratio, calculated_refund, final_refund, created_at, decided_at
		 FROM cancellation_requests WHERE id = $1`,
		requestID,
	)

	var req model.CancellationRequest
	var productType, status, prevStatus string
	err := row.Scan(&req.ID, &req.ClientID, &productType, &req.OrderID, &req.Reason, &status,
		&prevStatus, &req.ProgressRatio, &req.CalculatedRefund, &req.FinalRefund, &req.CreatedAt, &req.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("get cancellation request: %w", err)
	}

	req.ProductType = model.ProductType(productType)
	req.Status = model.CancellationStatus(status)
	req.PreviousStatus = model.OrderStatus(prevStatus)
	return &req, nil
}

// lockPendingRequest блокирует заявку и проверяет, что она ещё не решена.
func lockPendingRequest(ctx context.Context, tx pgx.Tx, requestID int64) (*model.CancellationRequest, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, client_id, submission_type, submission_id, reason, status, previous_status, progress_ratio, calculated_refund
		 FROM cancellation_requests WHERE id = $1 FOR UPDATE`,
		requestID,
	)

	var req model.CancellationRequest
	var productType, status, prevStatus string
	err := row.Scan(&req.ID, &req.ClientID, &productType, &req.OrderID, &req.Reason, &status,
		&prevStatus, &req.ProgressRatio, &req.CalculatedRefund)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("lock cancellation request: %w", err)
	}

	if model.CancellationStatus(status) != model.CancellationPending {
		return nil, ErrRequestDecided
	}

	req.ProductType = model.ProductType(productType)
	req.Status = model.CancellationStatus(status)
	req.PreviousStatus = model.OrderStatus(prevStatus)
	return &req, nil
}

// FinalizeCancellation одобряет заявку: зачисляет итоговый возврат, добавляет
// запись журнала, переводит заказ в cancelled и помечает заявку approved —
// всё в одной транзакции.
func (r *PostgresRepository) FinalizeCancellation(ctx context.Context, requestID, finalRefund int64, description string) (*model.CancellationRequest, error) {
	var result *model.CancellationRequest

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		req, err := lockPendingRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}

		table, err := orderTable(req.ProductType)
		if err != nil {
			return err
		}

		points, err := lockClient(ctx, tx, req.ClientID)
		if err != nil {
			return err
		}

		newBalance := points + finalRefund
		_, err = tx.Exec(ctx, `UPDATE clients SET points = $2 WHERE id = $1`, req.ClientID, newBalance)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		_, err = appendTransaction(ctx, tx, model.Transaction{
			ClientID:      req.ClientID,
			Type:          model.TransactionRefund,
			Amount:        finalRefund,
			BalanceAfter:  newBalance,
			ReferenceType: req.ProductType,
			ReferenceID:   req.OrderID,
			Description:   description,
		})
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = now() WHERE id = $1`, table),
			req.OrderID, string(model.OrderStatusCancelled))
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		now := time.Now().UTC()
		_, err = tx.Exec(ctx,
			`UPDATE cancellation_requests SET status = $2, final_refund = $3, decided_at = $4 WHERE id = $1`,
			requestID, string(model.CancellationApproved), finalRefund, now)
		if err != nil {
			return fmt.Errorf("update cancellation request: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		req.Status = model.CancellationApproved
		req.FinalRefund = &finalRefund
		req.DecidedAt = &now
		result = req
		return nil
	})

	return result, err
}

// RejectCancellation отклоняет заявку: возвращает заказ в статус до заявки и
// помечает заявку rejected. Баланс не меняется.
func (r *PostgresRepository) RejectCancellation(ctx context.Context, requestID int64) (*model.CancellationRequest, error) {
	var result *model.CancellationRequest

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		req, err := lockPendingRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}

		table, err := orderTable(req.ProductType)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = now() WHERE id = $1`, table),
			req.OrderID, string(req.PreviousStatus))
		if err != nil {
			return fmt.Errorf("restore order status: %w", err)
		}

		now := time.Now().UTC()
		_, err = tx.Exec(ctx,
			`UPDATE cancellation_requests SET status = $2, decided_at = $3 WHERE id = $1`,
			requestID, string(model.CancellationRejected), now)
		if err != nil {
			return fmt.Errorf("update cancellation request: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		req.Status = model.CancellationRejected
		req.DecidedAt = &now
		result = req
		return nil
	})

	return result, err
}

// CountApprovedContent возвращает число подтверждённых единиц контента по заказу.
func (r *PostgresRepository) CountApprovedContent(ctx context.Context, productType model.ProductType, orderID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM content_items WHERE product_type = $1 AND order_id = $2 AND approved`,
		string(productType), orderID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count content items: %w", err)
	}
	return count, nil
}

// SumDailyActuals возвращает сумму фактических дневных объёмов по заказу.
func (r *PostgresRepository) SumDailyActuals(ctx context.Context, productType model.ProductType, orderID int64) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(actual_count), 0) FROM daily_records WHERE product_type = $1 AND order_id = $2`,
		string(productType), orderID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum daily records: %w", err)
	}
	return sum, nil
}

// UpsertContentItem сохраняет единицу контента, полученную от системы выполнения.
func (r *PostgresRepository) UpsertContentItem(ctx context.Context, item model.ContentItem) error {
	err := r.withRetry(ctx, func() error {
		_, execErr := r.pool.Exec(ctx,
			`INSERT INTO content_items (product_type, order_id, external_id, approved, registered_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (product_type, order_id, external_id) DO UPDATE SET approved = EXCLUDED.approved`,
			string(item.ProductType), item.OrderID, item.ExternalID, item.Approved, item.RegisteredAt)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("upsert content item: %w", err)
	}
	return nil
}

// UpsertDailyRecord сохраняет дневной объём выполнения, полученный от системы выполнения.
func (r *PostgresRepository) UpsertDailyRecord(ctx context.Context, rec model.DailyRecord) error {
	err := r.withRetry(ctx, func() error {
		_, execErr := r.pool.Exec(ctx,
			`INSERT INTO daily_records (product_type, order_id, record_date, actual_count)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (product_type, order_id, record_date) DO UPDATE SET actual_count = EXCLUDED.actual_count`,
			string(rec.ProductType), rec.OrderID, rec.RecordDate, rec.ActualCount)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("upsert daily record: %w", err)
	}
	return nil
}
