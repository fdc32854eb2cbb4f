package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested user or order does not exist.
var ErrNotFound = errors.New("record not found")

const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		card TEXT,
		balance TEXT NOT NULL DEFAULT '0',
		frozen_balance TEXT NOT NULL DEFAULT '0',
		exchange_rate TEXT NOT NULL DEFAULT '0',
		is_working INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		accepted_at INTEGER,
		paid_at INTEGER,
		FOREIGN KEY(user_id) REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS orders_user_status ON orders (user_id, status);
`

const (
	userColumns  = "id, name, card, balance, frozen_balance, exchange_rate, is_working, created_at"
	orderColumns = "id, user_id, status, quantity, price, created_at, accepted_at, paid_at"
)

// Database wraps the SQL database connection
type Database struct {
	db *sql.DB
}

// NewDatabase initializes the database connection and schema
func NewDatabase(dbPath string) (*Database, error) {
	// Immediate transactions take the write lock on BEGIN, so two sessions
	// never deadlock upgrading from a read lock; the busy timeout makes the
	// second one wait instead of failing.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create schema")
	}

	log.Debugf("Database opened at %s", dbPath)
	return &Database{db: db}, nil
}

// NewSession starts a unit of work against the database. The transaction is
// opened lazily on first use.
func (d *Database) NewSession() *Session {
	return &Session{db: d.db}
}

// RegisterUser registers a new user in the database. It reports whether the
// user was created by this call.
func (d *Database) RegisterUser(ctx context.Context, userID int64, name string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO users (id, name, balance, frozen_balance, exchange_rate, is_working, created_at) VALUES (?, ?, '0', '0', '0', 0, ?)",
		userID, name, toMillis(time.Now()),
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to register user")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to register user")
	}
	return n > 0, nil
}

// User retrieves a user outside of any session.
func (d *Database) User(ctx context.Context, userID int64) (*models.User, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", userID)
	return scanUser(row)
}

// Order retrieves an order outside of any session.
func (d *Database) Order(ctx context.Context, orderID string) (*models.Order, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", orderID)
	return scanOrder(row)
}

// SetCard updates the user's payout instrument
func (d *Database) SetCard(ctx context.Context, userID int64, card string) error {
	return d.updateUser(ctx, "UPDATE users SET card = ? WHERE id = ?", card, userID)
}

// SetExchangeRate updates the user's exchange rate
func (d *Database) SetExchangeRate(ctx context.Context, userID int64, rate decimal.Decimal) error {
	return d.updateUser(ctx, "UPDATE users SET exchange_rate = ? WHERE id = ?", rate, userID)
}

// SetWorking toggles whether the user receives offers
func (d *Database) SetWorking(ctx context.Context, userID int64, working bool) error {
	return d.updateUser(ctx, "UPDATE users SET is_working = ? WHERE id = ?", working, userID)
}

func (d *Database) updateUser(ctx context.Context, query string, args ...interface{}) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to update user")
	}
	return checkAffected(res)
}

// EligibleSellers lists working sellers with no unfinished order and enough
// balance for quantity, best exchange rate first.
func (d *Database) EligibleSellers(ctx context.Context, quantity decimal.Decimal) ([]*models.User, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users u
		WHERE u.is_working = 1
			AND CAST(u.balance AS REAL) >= CAST(? AS REAL)
			AND NOT EXISTS (SELECT 1 FROM orders o WHERE o.user_id = u.id AND o.status != ?)
		ORDER BY CAST(u.exchange_rate AS REAL) ASC, u.id ASC`,
		quantity, models.OrderCompleted,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch eligible sellers")
	}
	users, err := scanUsers(rows)
	if err != nil {
		return nil, err
	}

	// The REAL casts only narrow the candidates; compare exactly here.
	eligible := users[:0]
	for _, u := range users {
		if u.Balance.GreaterThanOrEqual(quantity) {
			eligible = append(eligible, u)
		}
	}
	return eligible, nil
}

// TopSellers retrieves up to limit users with a rate set, best rate first.
func (d *Database) TopSellers(ctx context.Context, limit int) ([]*models.User, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE CAST(exchange_rate AS REAL) > 0
		ORDER BY CAST(exchange_rate AS REAL) ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch top sellers")
	}
	return scanUsers(rows)
}

// ActiveOrders retrieves every order that has not completed.
func (d *Database) ActiveOrders(ctx context.Context) ([]*models.Order, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE status != ? ORDER BY created_at ASC", models.OrderCompleted)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch active orders")
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, errors.Wrap(rows.Err(), "failed to fetch active orders")
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	var card sql.NullString
	var created int64
	err := row.Scan(&u.ID, &u.Name, &card, &u.Balance, &u.FrozenBalance, &u.ExchangeRate, &u.IsWorking, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan user")
	}
	u.Card = card.String
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

func scanUsers(rows *sql.Rows) ([]*models.User, error) {
	defer rows.Close()
	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, errors.Wrap(rows.Err(), "failed to iterate users")
}

func scanOrder(row scanner) (*models.Order, error) {
	var o models.Order
	var status string
	var created int64
	var accepted, paid sql.NullInt64
	err := row.Scan(&o.ID, &o.UserID, &status, &o.Quantity, &o.Price, &created, &accepted, &paid)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan order")
	}
	o.Status = models.OrderStatus(status)
	o.CreatedAt = fromMillis(created)
	o.AcceptedAt = nullTime(accepted)
	o.PaidAt = nullTime(paid)
	return &o, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func millisOrNull(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}
