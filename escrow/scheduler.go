package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// Match is the result of a successful negotiation, returned to the buyer.
type Match struct {
	SellerID   int64
	Card       string
	OrderID    string
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	TotalPrice decimal.Decimal
}

// PlaceOrder offers quantity to the eligible sellers, best exchange rate
// first, one at a time, and returns the first one that accepts. It fails with
// ErrNoMatch if nobody accepts.
func (c *Coordinator) PlaceOrder(ctx context.Context, quantity decimal.Decimal) (*Match, error) {
	if !quantity.IsPositive() {
		return nil, newError(ErrInvalidAmount, "quantity %s", quantity)
	}

	sellers, err := c.ledger.EligibleSellers(ctx, quantity)
	if err != nil {
		return nil, err
	}
	log.Debugf("Order of %s: %d candidate sellers", quantity, len(sellers))

	for _, seller := range sellers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		match, err := c.negotiate(ctx, seller, quantity)
		switch {
		case errors.Is(err, errBusy):
			log.Debugf("Skipping seller %d: %v", seller.ID, err)
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warnf("Negotiation with seller %d failed: %v", seller.ID, err)
		case match != nil:
			return match, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, newError(ErrNoMatch, "nobody accepted %s", quantity)
}

// negotiate runs the offer protocol with a single seller. A nil Match with a
// nil error means the seller declined or let the offer expire.
func (c *Coordinator) negotiate(ctx context.Context, seller *models.User, quantity decimal.Decimal) (*Match, error) {
	mgr := c.registry.Manager(seller.ID)
	oc, err := c.offer(ctx, mgr, seller, quantity)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.acceptTimeout)
	defer timer.Stop()
	var abandoned bool
	select {
	case <-oc.Handshake():
	case <-timer.C:
		log.Debugf("Seller %d did not answer within %v", seller.ID, c.acceptTimeout)
	case <-ctx.Done():
		abandoned = true
	case <-c.ctx.Done():
		abandoned = true
	}

	// Whatever woke us, the order status read under the lock decides.
	return c.settle(mgr, oc, abandoned)
}

// offer installs a context for the seller, stores the pending order and sends
// the offer. The context is removed again if any step fails.
func (c *Coordinator) offer(ctx context.Context, mgr *Manager, seller *models.User, quantity decimal.Decimal) (*OrderContext, error) {
	mgr.Lock()
	defer mgr.Unlock()

	if cur := mgr.Current(); cur != nil {
		if cur.tracking() {
			return nil, newError(errBusy, "seller %d is negotiating order %s", seller.ID, cur.orderID)
		}
		fresh, err := c.ledger.User(ctx, seller.ID)
		if err != nil {
			return nil, err
		}
		if !fresh.FrozenBalance.IsZero() {
			return nil, newError(errBusy, "seller %d has %s frozen", seller.ID, fresh.FrozenBalance)
		}
		log.Warnf("%v: discarding context of seller %d with nothing frozen", ErrStale, seller.ID)
		cur.CancelCompletionWaiter()
		mgr.RemoveContext()
	}

	oc := mgr.CreateContext()
	err := oc.within(ctx, func() error {
		current, err := oc.seller(ctx)
		if err != nil {
			return err
		}
		if !current.IsWorking || current.Balance.LessThan(quantity) {
			return newError(errBusy, "seller %d is no longer eligible", seller.ID)
		}
		unfinished, err := oc.unfinishedOrder(ctx)
		if err != nil {
			return err
		}
		if unfinished != nil {
			return newError(errBusy, "seller %d has order %s %s", seller.ID, unfinished.ID, unfinished.Status)
		}

		ord := models.NewOrder(current, quantity)
		if err := oc.sess.InsertOrder(ctx, ord); err != nil {
			return err
		}
		if err := oc.sess.Commit(); err != nil {
			return err
		}
		oc.orderID = ord.ID

		msg, err := c.channel.SendOffer(current, ord)
		if err != nil {
			if delErr := oc.sess.DeleteOrder(ctx, ord.ID); delErr != nil {
				log.Errorf("Failed to delete unsent order %s: %v", ord.ID, delErr)
			} else if delErr = oc.sess.Commit(); delErr != nil {
				log.Errorf("Failed to delete unsent order %s: %v", ord.ID, delErr)
			}
			oc.orderID = ""
			return fmt.Errorf("failed to send offer: %w", err)
		}
		oc.offer = msg
		log.Infof("Offered order %s of %s at %s to seller %d", ord.ID, quantity, ord.Price, seller.ID)
		return nil
	})
	if err != nil {
		mgr.RemoveContext()
		return nil, err
	}
	return oc, nil
}

// settle re-enters the context after the handshake wait and resolves the
// order. It runs on a detached context so the cleanup happens even if the
// buyer went away.
func (c *Coordinator) settle(mgr *Manager, oc *OrderContext, abandoned bool) (*Match, error) {
	ctx := context.Background()
	mgr.Lock()
	defer mgr.Unlock()
	if mgr.Current() != oc {
		log.Warnf("Context of seller %d was replaced during negotiation", oc.sellerID)
		return nil, c.withdrawDetached(ctx, oc)
	}

	var match *Match
	var keep bool
	err := oc.within(ctx, func() error {
		ord := oc.Order
		if ord == nil {
			return nil
		}
		switch ord.Status {
		case models.OrderAccepted:
			if abandoned {
				if err := oc.Refund(ctx); err != nil {
					return err
				}
				oc.note("The buyer withdrew the order. Balance unfrozen.")
				oc.noteSupport("Withdrawn by buyer, refunded to seller.")
				return nil
			}
			// The quantity is frozen from here on, so the refund timer runs
			// even if the match cannot be built.
			oc.StartCompletionWaiter(c.cooldown)
			keep = true
			seller, err := oc.seller(ctx)
			if err != nil {
				return err
			}
			match = &Match{
				SellerID:   seller.ID,
				Card:       seller.Card,
				OrderID:    ord.ID,
				Price:      ord.Price,
				Quantity:   ord.Quantity,
				TotalPrice: ord.TotalPrice(),
			}
		case models.OrderPending:
			if abandoned {
				if err := oc.Withdraw(ctx); err != nil {
					return err
				}
				oc.note("The buyer withdrew the order.")
				return nil
			}
			charged, err := oc.Expire(ctx, c.fee)
			if err != nil {
				return err
			}
			oc.note(fmt.Sprintf("Offer expired. Fee charged: %s.", models.FormatAmount(charged, models.AmountPlaces)))
		default:
			log.Warnf("Order %s of seller %d left in status %s", ord.ID, oc.sellerID, ord.Status)
		}
		return nil
	})
	if !keep {
		mgr.RemoveContext()
	}
	if errors.Is(err, ErrNotFound) {
		log.Warnf("Order of seller %d disappeared: %v", oc.sellerID, err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return match, nil
}

// withdrawDetached deletes the pending order of a context that is no longer
// installed, so the row does not block the seller.
func (c *Coordinator) withdrawDetached(ctx context.Context, oc *OrderContext) error {
	err := oc.within(ctx, func() error {
		if oc.Order == nil || oc.Order.Status != models.OrderPending {
			return nil
		}
		return oc.Withdraw(ctx)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
