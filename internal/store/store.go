package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/iurnickita/loyaltymart/internal/model"
	"github.com/iurnickita/loyaltymart/internal/store/config"
)

// Handle - открытая транзакция хранилища. Передается в каждый вызов явно,
// nil означает выполнение вне транзакции.
type Handle interface {
	Commit() error
	Rollback() error
}

type Transactor interface {
	// WithinTransaction выполняет fn в одной транзакции: ошибка или паника
	// в fn откатывают все изменения.
	WithinTransaction(ctx context.Context, fn func(h Handle) error) error
}

// Ledger - баланс, кэш грейда и журнал операций с баллами.
type Ledger interface {
	GetBalance(ctx context.Context, h Handle, userID int64) (model.Balance, error)
	SumLifetimeCompletedPurchases(ctx context.Context, h Handle, userID int64, excludeOrderID int64) (int64, error)
	HasLedgerEntry(ctx context.Context, h Handle, userID int64, orderID int64, reason string) (bool, error)
	DecrementIfSufficient(ctx context.Context, h Handle, userID int64, amount int64) (bool, error)
	Increment(ctx context.Context, h Handle, userID int64, amount int64) error
	// AppendLedgerEntry возвращает false, если запись с тем же
	// (userID, orderID, reason) уже есть.
	AppendLedgerEntry(ctx context.Context, h Handle, entry model.PointTransaction) (bool, error)
	SyncGradeCache(ctx context.Context, h Handle, userID int64, level string) error
	GetEarnedAmount(ctx context.Context, h Handle, userID int64, orderID int64) (int64, error)
	ListLedgerEntries(ctx context.Context, h Handle, userID int64) ([]model.PointTransaction, error)
}

type Users interface {
	CreateUser(ctx context.Context, user model.User) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (model.User, error)
}

type Orders interface {
	CreateOrder(ctx context.Context, h Handle, order *model.Order) error
	CreateOrderItems(ctx context.Context, h Handle, items []model.OrderItem) error
	GetOrder(ctx context.Context, h Handle, orderID int64) (model.Order, error)
	GetOrderByNumber(ctx context.Context, h Handle, number string) (model.Order, error)
	ListOrders(ctx context.Context, h Handle, userID int64) ([]model.Order, error)
	// UpdateOrderStatus меняет статус, только если текущий равен from.
	UpdateOrderStatus(ctx context.Context, h Handle, orderID int64, from string, to string) (bool, error)
}

type Catalog interface {
	CreateProduct(ctx context.Context, product model.Product) (int64, error)
	GetProducts(ctx context.Context, h Handle, ids []int64) ([]model.Product, error)
}

type Store interface {
	Transactor
	Ledger
	Users
	Orders
	Catalog
	Close() error
}

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

const pgUniqueViolation = "23505"

type store struct {
	database     *sqlx.DB
	queryTimeout time.Duration
}

func NewStore(cfg config.Config) (Store, error) {
	db, err := sqlx.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	for _, ddl := range schema {
		if _, err = db.ExecContext(ctx, ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return newStore(db, cfg), nil
}

func newStore(db *sqlx.DB, cfg config.Config) *store {
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &store{database: db, queryTimeout: timeout}
}

// Схема создается при старте.
// Баланс пользователя хранится в users.points и меняется только условными
// UPDATE, журнал point_transactions дополняется и никогда не редактируется.
var schema = []string{
	"CREATE TABLE IF NOT EXISTS users (" +
		" id BIGSERIAL PRIMARY KEY," +
		" login VARCHAR (64) NOT NULL UNIQUE," +
		" password_hash VARCHAR (100) NOT NULL," +
		" points BIGINT NOT NULL DEFAULT 0 CHECK (points >= 0)," +
		" grade VARCHAR (20) NOT NULL," +
		" created_at TIMESTAMPTZ NOT NULL DEFAULT now()" +
		" );",
	"CREATE TABLE IF NOT EXISTS products (" +
		" id BIGSERIAL PRIMARY KEY," +
		" store_id BIGINT NOT NULL," +
		" name VARCHAR (200) NOT NULL," +
		" price BIGINT NOT NULL CHECK (price >= 0)" +
		" );",
	"CREATE TABLE IF NOT EXISTS orders (" +
		" id BIGSERIAL PRIMARY KEY," +
		" number VARCHAR (20) UNIQUE," +
		" user_id BIGINT NOT NULL REFERENCES users (id)," +
		" store_id BIGINT NOT NULL," +
		" status VARCHAR (20) NOT NULL," +
		" total_price BIGINT NOT NULL," +
		" use_point BIGINT NOT NULL DEFAULT 0 CHECK (use_point >= 0)," +
		" payment_amount BIGINT NOT NULL," +
		" created_at TIMESTAMPTZ NOT NULL DEFAULT now()," +
		" updated_at TIMESTAMPTZ NOT NULL DEFAULT now()" +
		" );",
	"CREATE INDEX IF NOT EXISTS orders_user_status_idx ON orders (user_id, status);",
	"CREATE TABLE IF NOT EXISTS order_items (" +
		" order_id BIGINT NOT NULL REFERENCES orders (id)," +
		" product_id BIGINT NOT NULL REFERENCES products (id)," +
		" quantity BIGINT NOT NULL CHECK (quantity > 0)," +
		" price BIGINT NOT NULL," +
		" PRIMARY KEY (order_id, product_id)" +
		" );",
	// Уникальность (user_id, order_id, reason) - ключ идемпотентности начислений и списаний
	"CREATE TABLE IF NOT EXISTS point_transactions (" +
		" id BIGSERIAL PRIMARY KEY," +
		" user_id BIGINT NOT NULL REFERENCES users (id)," +
		" order_id BIGINT REFERENCES orders (id)," +
		" delta BIGINT NOT NULL," +
		" reason VARCHAR (20) NOT NULL," +
		" created_at TIMESTAMPTZ NOT NULL DEFAULT now()," +
		" UNIQUE (user_id, order_id, reason)" +
		" );",
}

func (store *store) Close() error {
	return store.database.Close()
}

func (store *store) WithinTransaction(ctx context.Context, fn func(h Handle) error) (err error) {
	tx, err := store.database.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			// если откат не удался, транзакция истечет сама
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ext возвращает транзакцию из дескриптора или пул соединений.
func (store *store) ext(h Handle) sqlx.ExtContext {
	if tx, ok := h.(*sqlx.Tx); ok && tx != nil {
		return tx
	}
	return store.database
}

func (store *store) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, store.queryTimeout)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Пользователи

func (store *store) CreateUser(ctx context.Context, user model.User) (int64, error) {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	var id int64
	err := store.database.QueryRowxContext(ctx,
		"INSERT INTO users (login, password_hash, points, grade)"+
			" VALUES ($1, $2, $3, $4)"+
			" RETURNING id",
		user.Login,
		user.PasswordHash,
		user.Points,
		user.Grade).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyExists
		}
		return 0, err
	}
	return id, nil
}

func (store *store) GetUserByLogin(ctx context.Context, login string) (model.User, error) {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	var user model.User
	err := store.database.QueryRowxContext(ctx,
		"SELECT id, login, password_hash, points, grade, created_at"+
			" FROM users"+
			" WHERE login = $1",
		login).Scan(&user.ID,
		&user.Login,
		&user.PasswordHash,
		&user.Points,
		&user.Grade,
		&user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, err
	}
	return user, nil
}

// Каталог

func (store *store) CreateProduct(ctx context.Context, product model.Product) (int64, error) {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	var id int64
	err := store.database.QueryRowxContext(ctx,
		"INSERT INTO products (store_id, name, price)"+
			" VALUES ($1, $2, $3)"+
			" RETURNING id",
		product.StoreID,
		product.Name,
		product.Price).Scan(&id)
	return id, err
}

func (store *store) GetProducts(ctx context.Context, h Handle, ids []int64) ([]model.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	query, args, err := sqlx.In(
		"SELECT id, store_id, name, price FROM products WHERE id IN (?) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	db := store.ext(h)
	rows, err := db.QueryxContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		var product model.Product
		err := rows.Scan(&product.ID,
			&product.StoreID,
			&product.Name,
			&product.Price)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, rows.Err()
}

// Заказы

func (store *store) CreateOrder(ctx context.Context, h Handle, order *model.Order) error {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	err := store.ext(h).QueryRowxContext(ctx,
		"INSERT INTO orders (user_id, store_id, status, total_price, use_point, payment_amount)"+
			" VALUES ($1, $2, $3, $4, $5, $6)"+
			" RETURNING id, created_at, updated_at",
		order.UserID,
		order.StoreID,
		order.Status,
		order.TotalPrice,
		order.UsePoint,
		order.PaymentAmount).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return err
	}

	// номер заказа выводится из id, поэтому записывается вторым запросом
	order.Number = model.OrderNumber(order.ID)
	_, err = store.ext(h).ExecContext(ctx,
		"UPDATE orders SET number = $1 WHERE id = $2",
		order.Number,
		order.ID)
	return err
}

func (store *store) CreateOrderItems(ctx context.Context, h Handle, items []model.OrderItem) error {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	db := store.ext(h)
	for _, item := range items {
		_, err := db.ExecContext(ctx,
			"INSERT INTO order_items (order_id, product_id, quantity, price)"+
				" VALUES ($1, $2, $3, $4)",
			item.OrderID,
			item.ProductID,
			item.Quantity,
			item.Price)
		if err != nil {
			return err
		}
	}
	return nil
}

const orderColumns = "id, COALESCE(number, ''), user_id, store_id, status, total_price, use_point, payment_amount, created_at, updated_at"

func scanOrder(row interface{ Scan(...any) error }, order *model.Order) error {
	return row.Scan(&order.ID,
		&order.Number,
		&order.UserID,
		&order.StoreID,
		&order.Status,
		&order.TotalPrice,
		&order.UsePoint,
		&order.PaymentAmount,
		&order.CreatedAt,
		&order.UpdatedAt)
}

func (store *store) GetOrder(ctx context.Context, h Handle, orderID int64) (model.Order, error) {
	return store.getOrder(ctx, h, "id = $1", orderID)
}

func (store *store) GetOrderByNumber(ctx context.Context, h Handle, number string) (model.Order, error) {
	return store.getOrder(ctx, h, "number = $1", number)
}

func (store *store) getOrder(ctx context.Context, h Handle, where string, arg any) (model.Order, error) {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	var order model.Order
	row := store.ext(h).QueryRowxContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE "+where, arg)
	if err := scanOrder(row, &order); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Order{}, ErrNotFound
		}
		return model.Order{}, err
	}
	return order, nil
}

func (store *store) ListOrders(ctx context.Context, h Handle, userID int64) ([]model.Order, error) {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	rows, err := store.ext(h).QueryxContext(ctx,
		"SELECT "+orderColumns+" FROM orders"+
			" WHERE user_id = $1"+
			" ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var order model.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (store *store) UpdateOrderStatus(ctx context.Context, h Handle, orderID int64, from string, to string) (bool, error) {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	res, err := store.ext(h).ExecContext(ctx,
		"UPDATE orders"+
			" SET status = $1, updated_at = now()"+
			" WHERE id = $2"+
			"   AND status = $3",
		to,
		orderID,
		from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
