package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/db"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// Config is the configuration settings for the Coordinator.
type Config struct {
	// Ledger is the durable store of users and orders.
	Ledger *db.Database
	// Channel delivers offers and notes to sellers and support.
	Channel Channel
	// AcceptTimeout is how long a seller has to answer an offer.
	AcceptTimeout time.Duration
	// CompletionCooldown is how long the buyer has to pay an accepted order
	// before the frozen quantity is returned to the seller.
	CompletionCooldown time.Duration
	// Fee is charged to a seller who lets an offer expire unanswered.
	Fee decimal.Decimal
}

// Coordinator brokers buy orders between buyers and the registered sellers,
// holding the seller's funds in escrow until the trade is paid or expires.
type Coordinator struct {
	ledger        *db.Database
	channel       Channel
	acceptTimeout time.Duration
	cooldown      time.Duration
	fee           decimal.Decimal
	registry      *Registry

	// ctx is the parent of every completion waiter, canceled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator is the constructor for a Coordinator.
func NewCoordinator(cfg *Config) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		ledger:        cfg.Ledger,
		channel:       cfg.Channel,
		acceptTimeout: cfg.AcceptTimeout,
		cooldown:      cfg.CompletionCooldown,
		fee:           cfg.Fee,
		ctx:           ctx,
		cancel:        cancel,
	}
	c.registry = NewRegistry(func(sellerID int64) *OrderContext {
		return newOrderContext(c, sellerID)
	})
	return c
}

// Registry returns the per-seller context registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Close stops all completion waiters and waits for them to return. Accepted
// orders stay in the ledger and are picked up by Recover on the next start.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Accept is the seller's positive answer to the offer for orderID. An empty
// orderID matches whatever order is being negotiated.
func (c *Coordinator) Accept(ctx context.Context, sellerID int64, orderID string) error {
	return c.answer(ctx, sellerID, orderID, (*OrderContext).BeginAccept)
}

// Decline is the seller's negative answer to the offer for orderID.
func (c *Coordinator) Decline(ctx context.Context, sellerID int64, orderID string) error {
	return c.answer(ctx, sellerID, orderID, (*OrderContext).BeginDecline)
}

func (c *Coordinator) answer(ctx context.Context, sellerID int64, orderID string,
	begin func(*OrderContext, context.Context) error) error {

	return c.registry.WithManager(sellerID, func(m *Manager) error {
		oc := m.Current()
		if oc == nil {
			log.Warnf("Answer from seller %d with no order in negotiation", sellerID)
			return newError(ErrNotFound, "seller %d has no offer", sellerID)
		}
		err := oc.within(ctx, func() error {
			if oc.Order == nil || (orderID != "" && oc.Order.ID != orderID) {
				return newError(ErrConflict, "offer %s is no longer open", orderID)
			}
			return begin(oc, ctx)
		})
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			log.Warnf("Ignoring answer from seller %d: %v", sellerID, err)
		}
		return err
	})
}

// ReportPayment completes the accepted order after the buyer reports paying
// it. It fails with ErrConflict unless the seller's context holds orderID in
// accepted status, so a repeated report changes nothing.
func (c *Coordinator) ReportPayment(ctx context.Context, orderID string, sellerID int64) error {
	return c.registry.WithManager(sellerID, func(m *Manager) error {
		oc := m.Current()
		if oc == nil || !oc.tracking() {
			ord, err := c.ledger.Order(ctx, orderID)
			if errors.Is(err, db.ErrNotFound) {
				return newError(ErrNotFound, "order %s", orderID)
			}
			if err != nil {
				return err
			}
			return newError(ErrConflict, "order %s is %s and not awaiting payment", orderID, ord.Status)
		}

		err := oc.within(ctx, func() error {
			if oc.Order.ID != orderID {
				return newError(ErrConflict, "order %s is not the order in progress for seller %d", orderID, sellerID)
			}
			if err := oc.requireStatus(models.OrderAccepted); err != nil {
				return err
			}
			t := now()
			oc.Order.PaidAt = &t
			if err := oc.Complete(ctx); err != nil {
				return err
			}
			oc.note("The buyer reported the payment. Order completed.")
			oc.noteSupport("Paid by buyer.")
			return nil
		})
		// A failed completion rolled back, so the refund timer must keep
		// running.
		if err == nil || errors.Is(err, ErrNotFound) {
			oc.CancelCompletionWaiter()
			m.RemoveContext()
		}
		return err
	})
}

// ConfirmCompletion is support forcing an accepted order to completion.
func (c *Coordinator) ConfirmCompletion(ctx context.Context, sellerID int64) error {
	return c.arbitrate(ctx, sellerID, func(oc *OrderContext) error {
		if err := oc.Complete(ctx); err != nil {
			return err
		}
		oc.note("Support confirmed the payment. Order completed.")
		oc.noteSupport("Confirmed by support.")
		return nil
	})
}

// RejectCompletion is support cancelling an accepted order and returning the
// frozen quantity to the seller.
func (c *Coordinator) RejectCompletion(ctx context.Context, sellerID int64) error {
	return c.arbitrate(ctx, sellerID, func(oc *OrderContext) error {
		if err := oc.Refund(ctx); err != nil {
			return err
		}
		oc.note("Support cancelled the order. Balance unfrozen.")
		oc.noteSupport("Rejected by support.")
		return nil
	})
}

// arbitrate resolves the seller's accepted order with resolve. Without a live
// context the seller's sole accepted order is looked up in the ledger and a
// context is reattached to it.
func (c *Coordinator) arbitrate(ctx context.Context, sellerID int64, resolve func(*OrderContext) error) error {
	return c.registry.WithManager(sellerID, func(m *Manager) error {
		oc := m.Current()
		var reattached bool
		if oc == nil || !oc.tracking() {
			ord, err := c.acceptedOrder(ctx, sellerID)
			if err != nil {
				return err
			}
			reattached = true
			oc = m.CreateContext()
			oc.orderID = ord.ID
			log.Infof("Reattached order %s of seller %d for arbitration", ord.ID, sellerID)
		}

		err := oc.within(ctx, func() error {
			if err := oc.requireStatus(models.OrderAccepted); err != nil {
				return err
			}
			return resolve(oc)
		})
		switch {
		case err == nil || errors.Is(err, ErrNotFound):
			oc.CancelCompletionWaiter()
			m.RemoveContext()
		case reattached:
			m.RemoveContext()
		}
		return err
	})
}

func (c *Coordinator) acceptedOrder(ctx context.Context, sellerID int64) (*models.Order, error) {
	sess := c.ledger.NewSession()
	defer sess.Close()
	ord, err := sess.OutstandingOrder(ctx, sellerID, models.OrderAccepted)
	if errors.Is(err, db.ErrNotFound) {
		return nil, newError(ErrNotFound, "seller %d has no accepted order", sellerID)
	}
	return ord, err
}

// Deposit credits amount to the seller's available balance.
func (c *Coordinator) Deposit(ctx context.Context, sellerID int64, amount decimal.Decimal) (*models.User, error) {
	if !amount.IsPositive() {
		return nil, newError(ErrInvalidAmount, "deposit %s", amount)
	}
	var seller *models.User
	err := c.registry.WithManager(sellerID, func(*Manager) error {
		sess := c.ledger.NewSession()
		defer sess.Close()
		u, err := sess.User(ctx, sellerID)
		if errors.Is(err, db.ErrNotFound) {
			return newError(ErrNotFound, "seller %d", sellerID)
		}
		if err != nil {
			return err
		}
		u.Balance = u.Balance.Add(amount)
		if err := sess.UpdateBalances(ctx, u); err != nil {
			return err
		}
		if err := sess.Commit(); err != nil {
			return fmt.Errorf("deposit for seller %d: %w", sellerID, err)
		}
		seller = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Seller %d deposited %s", sellerID, amount)
	return seller, nil
}
