package escrow

import (
	"context"
	"time"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// Recover restores the in-memory state from the ledger after a restart.
// Pending offers can no longer be answered and are withdrawn without a fee.
// Accepted orders get their context and completion waiter back, the waiter
// running for whatever is left of the cooldown.
func (c *Coordinator) Recover(ctx context.Context) error {
	orders, err := c.ledger.ActiveOrders(ctx)
	if err != nil {
		return err
	}

	var withdrawn, resumed int
	for _, ord := range orders {
		switch ord.Status {
		case models.OrderPending:
			if err := c.withdrawStale(ctx, ord); err != nil {
				log.Errorf("Failed to withdraw pending order %s: %v", ord.ID, err)
				continue
			}
			withdrawn++
		case models.OrderAccepted:
			if c.resume(ord) {
				resumed++
			}
		default:
			log.Warnf("Order %s of seller %d has unexpected status %s", ord.ID, ord.UserID, ord.Status)
		}
	}
	log.Infof("Recovered %d accepted orders, withdrew %d pending offers", resumed, withdrawn)
	return nil
}

func (c *Coordinator) withdrawStale(ctx context.Context, ord *models.Order) error {
	return c.registry.WithManager(ord.UserID, func(m *Manager) error {
		if cur := m.Current(); cur != nil && cur.tracking() {
			return newError(errBusy, "seller %d is negotiating order %s", ord.UserID, cur.orderID)
		}
		oc := m.CreateContext()
		oc.orderID = ord.ID
		defer m.RemoveContext()
		return oc.within(ctx, func() error {
			if err := oc.Withdraw(ctx); err != nil {
				return err
			}
			oc.note("The service restarted and your open offer was withdrawn.")
			return nil
		})
	})
}

func (c *Coordinator) resume(ord *models.Order) bool {
	remaining := c.cooldown
	if ord.AcceptedAt != nil {
		remaining -= time.Since(*ord.AcceptedAt)
	}
	if remaining < 0 {
		remaining = 0
	}

	m := c.registry.Manager(ord.UserID)
	m.Lock()
	defer m.Unlock()
	if cur := m.Current(); cur != nil && cur.tracking() {
		log.Warnf("Seller %d already tracks order %s, not resuming %s", ord.UserID, cur.orderID, ord.ID)
		return false
	}
	oc := m.CreateContext()
	oc.orderID = ord.ID
	oc.StartCompletionWaiter(remaining)
	log.Debugf("Resumed order %s of seller %d, refund in %v", ord.ID, ord.UserID, remaining)
	return true
}
