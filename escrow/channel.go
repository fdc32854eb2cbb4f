package escrow

import "github.com/slashbinslashnoname/p2p-telegram-escrow/models"

// Message references a chat message delivered through a Channel.
type Message struct {
	ChatID int64
	ID     int
	Text   string
}

// Channel presents offers to sellers and carries the follow-up notes. The
// seller's answer comes back through Coordinator.Accept and
// Coordinator.Decline.
//
// Channel methods are called while the seller's lock is held, so they must
// not call back into the Coordinator synchronously.
type Channel interface {
	// SendOffer presents ord to the seller with accept and decline controls.
	SendOffer(seller *models.User, ord *models.Order) (*Message, error)
	// EditMessage replaces the text of msg and drops its controls.
	EditMessage(msg *Message, text string) error
	// Notify sends a plain text message to a user.
	Notify(userID int64, text string) (*Message, error)
	// Escalate shows an accepted order to support for manual arbitration.
	Escalate(seller *models.User, ord *models.Order) (*Message, error)
}
