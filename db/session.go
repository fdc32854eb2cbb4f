package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// Session is a unit of work over the ledger. All reads and writes share one
// transaction, begun on first use and ended by Commit or Rollback. After a
// Commit the next call begins a fresh transaction. A Session is not safe for
// concurrent use.
type Session struct {
	db *sql.DB
	tx *sql.Tx
}

func (s *Session) begin(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	s.tx = tx
	return tx, nil
}

// User retrieves a user within the session.
func (s *Session) User(ctx context.Context, userID int64) (*models.User, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	return scanUser(tx.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", userID))
}

// Order retrieves an order within the session.
func (s *Session) Order(ctx context.Context, orderID string) (*models.Order, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	return scanOrder(tx.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", orderID))
}

// OutstandingOrder retrieves the user's most recent order with the given
// status.
func (s *Session) OutstandingOrder(ctx context.Context, userID int64, status models.OrderStatus) (*models.Order, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	return scanOrder(tx.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1",
		userID, status))
}

// InsertOrder stores a new order.
func (s *Session) InsertOrder(ctx context.Context, o *models.Order) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO orders ("+orderColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		o.ID, o.UserID, string(o.Status), o.Quantity, o.Price, toMillis(o.CreatedAt),
		millisOrNull(o.AcceptedAt), millisOrNull(o.PaidAt),
	)
	return errors.Wrapf(err, "failed to insert order %s", o.ID)
}

// UpdateOrder stores the order's status and timestamps. Quantity and price
// never change after creation.
func (s *Session) UpdateOrder(ctx context.Context, o *models.Order) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE orders SET status = ?, accepted_at = ?, paid_at = ? WHERE id = ?",
		string(o.Status), millisOrNull(o.AcceptedAt), millisOrNull(o.PaidAt), o.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update order %s", o.ID)
	}
	return checkAffected(res)
}

// DeleteOrder removes an order.
func (s *Session) DeleteOrder(ctx context.Context, orderID string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM orders WHERE id = ?", orderID)
	if err != nil {
		return errors.Wrapf(err, "failed to delete order %s", orderID)
	}
	return checkAffected(res)
}

// UpdateBalances stores the user's available and frozen balance.
func (s *Session) UpdateBalances(ctx context.Context, u *models.User) error {
	if u.Balance.IsNegative() || u.FrozenBalance.IsNegative() {
		return errors.Errorf("negative balance for user %d: balance %s, frozen %s", u.ID, u.Balance, u.FrozenBalance)
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE users SET balance = ?, frozen_balance = ? WHERE id = ?",
		u.Balance, u.FrozenBalance, u.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update balances of user %d", u.ID)
	}
	return checkAffected(res)
}

// Commit commits the open transaction, if any.
func (s *Session) Commit() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	return errors.Wrap(err, "failed to commit")
}

// Rollback discards the open transaction, if any.
func (s *Session) Rollback() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	return errors.Wrap(err, "failed to roll back")
}

// Close ends the session, discarding uncommitted work.
func (s *Session) Close() error {
	return s.Rollback()
}
