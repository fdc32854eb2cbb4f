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

// OrderContext is the exclusive session for negotiating one order of one
// seller. Enter acquires the context and opens a ledger session, Exit closes
// the session and releases it. The order operations below must only be called
// between Enter and Exit.
//
// Contexts are created and removed through the seller's Manager, and every
// Enter happens while that Manager is locked.
type OrderContext struct {
	sellerID int64
	c        *Coordinator

	mtx     sync.Mutex
	orderID string // tracked order, empty when none
	sess    *db.Session
	// Order is the tracked order, reloaded by Enter. It is nil while entered
	// if nothing is tracked.
	Order   *models.Order
	offer   *Message
	support *Message

	handshakeOnce sync.Once
	handshake     chan struct{}

	waiterMtx  sync.Mutex
	stopWaiter context.CancelFunc
}

func newOrderContext(c *Coordinator, sellerID int64) *OrderContext {
	return &OrderContext{
		sellerID:  sellerID,
		c:         c,
		handshake: make(chan struct{}),
	}
}

// SellerID is the identity of the seller this context belongs to.
func (oc *OrderContext) SellerID() int64 {
	return oc.sellerID
}

// Handshake is closed once the seller accepts or declines.
func (oc *OrderContext) Handshake() <-chan struct{} {
	return oc.handshake
}

func (oc *OrderContext) signal() {
	oc.handshakeOnce.Do(func() { close(oc.handshake) })
}

func (oc *OrderContext) tracking() bool {
	return oc.orderID != ""
}

// Enter blocks until the context is free, then opens a fresh ledger session
// and reloads the tracked order. It fails with ErrNotFound if the tracked order
// no longer exists, in which case the context is not entered.
func (oc *OrderContext) Enter(ctx context.Context) error {
	oc.mtx.Lock()
	oc.sess = oc.c.ledger.NewSession()
	oc.Order = nil
	if oc.orderID == "" {
		return nil
	}

	ord, err := oc.sess.Order(ctx, oc.orderID)
	if err != nil {
		oc.sess.Close()
		oc.sess = nil
		oc.mtx.Unlock()
		if errors.Is(err, db.ErrNotFound) {
			return newError(ErrNotFound, "order %s of seller %d", oc.orderID, oc.sellerID)
		}
		return err
	}
	oc.Order = ord
	return nil
}

// Exit rolls back uncommitted work if failure is non-nil, closes the session
// and releases the context.
func (oc *OrderContext) Exit(failure error) {
	if failure != nil {
		log.Debugf("Rolling back session of seller %d: %v", oc.sellerID, failure)
		if err := oc.sess.Rollback(); err != nil {
			log.Errorf("Rollback for seller %d failed: %v", oc.sellerID, err)
		}
	}
	if err := oc.sess.Close(); err != nil {
		log.Errorf("Closing session of seller %d failed: %v", oc.sellerID, err)
	}
	oc.sess = nil
	oc.Order = nil
	oc.mtx.Unlock()
}

// within runs f between Enter and Exit. A panic in f rolls back and is
// re-raised after the context is released.
func (oc *OrderContext) within(ctx context.Context, f func() error) (err error) {
	if err = oc.Enter(ctx); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			oc.Exit(fmt.Errorf("panic: %v", r))
			panic(r)
		}
		oc.Exit(err)
	}()
	return f()
}

func (oc *OrderContext) requireStatus(status models.OrderStatus) error {
	if oc.Order == nil {
		return newError(ErrConflict, "seller %d has no order in progress", oc.sellerID)
	}
	if oc.Order.Status != status {
		return newError(ErrConflict, "order %s is %s, not %s", oc.Order.ID, oc.Order.Status, status)
	}
	return nil
}

func (oc *OrderContext) seller(ctx context.Context) (*models.User, error) {
	u, err := oc.sess.User(ctx, oc.sellerID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, newError(ErrNotFound, "seller %d", oc.sellerID)
	}
	return u, err
}

// unfinishedOrder returns the seller's pending or accepted order, or nil if
// there is none.
func (oc *OrderContext) unfinishedOrder(ctx context.Context) (*models.Order, error) {
	for _, status := range []models.OrderStatus{models.OrderPending, models.OrderAccepted} {
		ord, err := oc.sess.OutstandingOrder(ctx, oc.sellerID, status)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return ord, nil
	}
	return nil, nil
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// BeginAccept moves a pending order to accepted, freezing its quantity in the
// same transaction, signals the handshake and shows the order to support.
func (oc *OrderContext) BeginAccept(ctx context.Context) error {
	if err := oc.requireStatus(models.OrderPending); err != nil {
		return err
	}
	ord := oc.Order
	seller, err := oc.seller(ctx)
	if err != nil {
		return err
	}
	if seller.Balance.LessThan(ord.Quantity) {
		return newError(ErrConflict, "seller %d balance %s is below order quantity %s",
			seller.ID, seller.Balance, ord.Quantity)
	}

	t := now()
	ord.Status = models.OrderAccepted
	ord.AcceptedAt = &t
	seller.Balance = seller.Balance.Sub(ord.Quantity)
	seller.FrozenBalance = seller.FrozenBalance.Add(ord.Quantity)
	if err := oc.sess.UpdateOrder(ctx, ord); err != nil {
		return err
	}
	if err := oc.sess.UpdateBalances(ctx, seller); err != nil {
		return err
	}
	if err := oc.sess.Commit(); err != nil {
		return err
	}
	oc.signal()
	log.Infof("Seller %d accepted order %s, %s frozen", seller.ID, ord.ID, ord.Quantity)

	oc.note(fmt.Sprintf("Order accepted. Waiting for the buyer to pay %s.",
		models.FormatAmount(ord.TotalPrice(), 2)))
	msg, err := oc.c.channel.Escalate(seller, ord)
	if err != nil {
		log.Errorf("Failed to inform support of order %s: %v", ord.ID, err)
	} else {
		oc.support = msg
	}
	return nil
}

// BeginDecline removes a pending order and signals the handshake.
func (oc *OrderContext) BeginDecline(ctx context.Context) error {
	if err := oc.requireStatus(models.OrderPending); err != nil {
		return err
	}
	ord := oc.Order
	if err := oc.sess.DeleteOrder(ctx, ord.ID); err != nil {
		return err
	}
	if err := oc.sess.Commit(); err != nil {
		return err
	}
	ord.Status = models.OrderDeclined
	oc.orderID = ""
	oc.signal()
	log.Infof("Seller %d declined order %s", oc.sellerID, ord.ID)
	oc.note("Order declined.")
	return nil
}

// StartCompletionWaiter schedules the refund of the tracked order if it is
// still accepted and unpaid after cooldown. A running waiter is replaced.
func (oc *OrderContext) StartCompletionWaiter(cooldown time.Duration) {
	oc.CancelCompletionWaiter()
	ctx, cancel := context.WithCancel(oc.c.ctx)
	oc.waiterMtx.Lock()
	oc.stopWaiter = cancel
	oc.waiterMtx.Unlock()

	orderID := oc.orderID
	oc.c.wg.Add(1)
	go func() {
		defer oc.c.wg.Done()
		defer cancel()
		oc.completionWaiter(ctx, cooldown, orderID)
	}()
}

// CancelCompletionWaiter stops a scheduled refund. It is safe to call any
// number of times.
func (oc *OrderContext) CancelCompletionWaiter() {
	oc.waiterMtx.Lock()
	if oc.stopWaiter != nil {
		oc.stopWaiter()
		oc.stopWaiter = nil
	}
	oc.waiterMtx.Unlock()
}

func (oc *OrderContext) completionWaiter(ctx context.Context, cooldown time.Duration, orderID string) {
	timer := time.NewTimer(cooldown)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	mgr := oc.c.registry.Manager(oc.sellerID)
	mgr.Lock()
	defer mgr.Unlock()
	// Payment may have been reported while this waiter waited for the lock.
	if ctx.Err() != nil || mgr.Current() != oc {
		return
	}

	var refunded bool
	err := oc.within(context.Background(), func() error {
		ord := oc.Order
		if ord == nil || ord.ID != orderID || ord.Status != models.OrderAccepted || ord.PaidAt != nil {
			return nil
		}
		if err := oc.Refund(context.Background()); err != nil {
			return err
		}
		refunded = true
		oc.note("The buyer did not pay in time. Order cancelled, balance unfrozen.")
		oc.noteSupport("Expired unpaid, refunded to seller.")
		return nil
	})
	switch {
	case errors.Is(err, ErrNotFound):
		log.Warnf("Completion waiter: %v", err)
		mgr.RemoveContext()
	case err != nil:
		log.Errorf("Completion waiter for order %s failed: %v", orderID, err)
	case refunded:
		log.Infof("Order %s of seller %d expired unpaid and was refunded", orderID, oc.sellerID)
		mgr.RemoveContext()
	}
}

// Complete releases the frozen quantity of an accepted order to the buyer and
// marks it completed. The order is no longer tracked afterwards.
func (oc *OrderContext) Complete(ctx context.Context) error {
	if err := oc.requireStatus(models.OrderAccepted); err != nil {
		return err
	}
	ord := oc.Order
	seller, err := oc.seller(ctx)
	if err != nil {
		return err
	}
	if seller.FrozenBalance.LessThan(ord.Quantity) {
		return fmt.Errorf("seller %d frozen balance %s does not cover order %s quantity %s",
			seller.ID, seller.FrozenBalance, ord.ID, ord.Quantity)
	}

	seller.FrozenBalance = seller.FrozenBalance.Sub(ord.Quantity)
	ord.Status = models.OrderCompleted
	if ord.PaidAt == nil {
		t := now()
		ord.PaidAt = &t
	}
	if err := oc.sess.UpdateOrder(ctx, ord); err != nil {
		return err
	}
	if err := oc.sess.UpdateBalances(ctx, seller); err != nil {
		return err
	}
	if err := oc.sess.Commit(); err != nil {
		return err
	}
	oc.orderID = ""
	log.Infof("Order %s of seller %d completed, %s released", ord.ID, seller.ID, ord.Quantity)
	return nil
}

// Refund returns the frozen quantity of an accepted order to the seller's
// balance and deletes the order.
func (oc *OrderContext) Refund(ctx context.Context) error {
	if err := oc.requireStatus(models.OrderAccepted); err != nil {
		return err
	}
	ord := oc.Order
	seller, err := oc.seller(ctx)
	if err != nil {
		return err
	}
	if seller.FrozenBalance.LessThan(ord.Quantity) {
		return fmt.Errorf("seller %d frozen balance %s does not cover order %s quantity %s",
			seller.ID, seller.FrozenBalance, ord.ID, ord.Quantity)
	}

	seller.FrozenBalance = seller.FrozenBalance.Sub(ord.Quantity)
	seller.Balance = seller.Balance.Add(ord.Quantity)
	if err := oc.sess.DeleteOrder(ctx, ord.ID); err != nil {
		return err
	}
	if err := oc.sess.UpdateBalances(ctx, seller); err != nil {
		return err
	}
	if err := oc.sess.Commit(); err != nil {
		return err
	}
	oc.orderID = ""
	log.Infof("Order %s of seller %d refunded, %s unfrozen", ord.ID, seller.ID, ord.Quantity)
	return nil
}

// Expire deletes a pending order the seller did not answer and charges fee,
// capped at the available balance. It returns the amount charged.
func (oc *OrderContext) Expire(ctx context.Context, fee decimal.Decimal) (decimal.Decimal, error) {
	if err := oc.requireStatus(models.OrderPending); err != nil {
		return decimal.Zero, err
	}
	ord := oc.Order
	seller, err := oc.seller(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	charged := decimal.Min(fee, seller.Balance)
	seller.Balance = seller.Balance.Sub(charged)
	if err := oc.sess.DeleteOrder(ctx, ord.ID); err != nil {
		return decimal.Zero, err
	}
	if err := oc.sess.UpdateBalances(ctx, seller); err != nil {
		return decimal.Zero, err
	}
	if err := oc.sess.Commit(); err != nil {
		return decimal.Zero, err
	}
	oc.orderID = ""
	log.Infof("Order %s of seller %d expired unanswered, fee %s charged", ord.ID, seller.ID, charged)
	return charged, nil
}

// Withdraw deletes a pending order without charging the seller.
func (oc *OrderContext) Withdraw(ctx context.Context) error {
	if err := oc.requireStatus(models.OrderPending); err != nil {
		return err
	}
	if err := oc.sess.DeleteOrder(ctx, oc.Order.ID); err != nil {
		return err
	}
	if err := oc.sess.Commit(); err != nil {
		return err
	}
	oc.orderID = ""
	log.Infof("Order %s of seller %d withdrawn", oc.Order.ID, oc.sellerID)
	return nil
}

// note appends text to the offer message, or sends it on its own when the
// offer handle was lost.
func (oc *OrderContext) note(text string) {
	if oc.offer == nil {
		if _, err := oc.c.channel.Notify(oc.sellerID, text); err != nil {
			log.Warnf("Failed to notify seller %d: %v", oc.sellerID, err)
		}
		return
	}
	updated := oc.offer.Text + "\n\n" + text
	if err := oc.c.channel.EditMessage(oc.offer, updated); err != nil {
		log.Warnf("Failed to edit offer for seller %d: %v", oc.sellerID, err)
		return
	}
	oc.offer.Text = updated
}

func (oc *OrderContext) noteSupport(text string) {
	if oc.support == nil {
		return
	}
	updated := oc.support.Text + "\n\n" + text
	if err := oc.c.channel.EditMessage(oc.support, updated); err != nil {
		log.Warnf("Failed to edit support message for seller %d: %v", oc.sellerID, err)
		return
	}
	oc.support.Text = updated
}
