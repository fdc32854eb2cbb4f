package bot

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/db"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
	"gopkg.in/tucnak/telebot.v2"
)

// conversation is what the bot expects the user's next text message to be.
type conversation int

const (
	idle conversation = iota
	awaitCard
	awaitRate
	awaitDeposit
)

var prompts = map[conversation]string{
	awaitCard:    "💳 Send the card number buyers should pay to.",
	awaitRate:    "💱 Send your exchange rate, the price you ask per unit.",
	awaitDeposit: "💰 Send the amount you want to deposit.",
}

func (b *Bot) state(userID int64) conversation {
	b.convMtx.Lock()
	defer b.convMtx.Unlock()
	return b.conv[userID]
}

func (b *Bot) setState(userID int64, s conversation) {
	b.convMtx.Lock()
	defer b.convMtx.Unlock()
	if s == idle {
		delete(b.conv, userID)
		return
	}
	b.conv[userID] = s
}

func (b *Bot) ask(userID int64, s conversation) {
	b.setState(userID, s)
	if _, err := b.Notify(userID, prompts[s]); err != nil {
		log.Warnf("Failed to prompt %d: %v", userID, err)
	}
}

func displayName(username string, userID int64) string {
	if username != "" {
		return "@" + username
	}
	return fmt.Sprintf("user%d", userID)
}

// register adds the user as a seller and walks them through the missing
// settings.
func (b *Bot) register(userID int64, username string) error {
	created, err := b.database.RegisterUser(b.ctx, userID, displayName(username, userID))
	if err != nil {
		return err
	}
	if created {
		log.Infof("Registered seller %d", userID)
		if _, err := b.Notify(userID, "Welcome! You are registered as a seller."); err != nil {
			log.Warnf("Failed to greet %d: %v", userID, err)
		}
	}
	return b.advance(userID)
}

// advance prompts for the first missing setting, or shows the status once
// the seller is fully set up.
func (b *Bot) advance(userID int64) error {
	u, err := b.database.User(b.ctx, userID)
	if err != nil {
		return err
	}
	switch {
	case u.Card == "":
		b.ask(userID, awaitCard)
	case u.ExchangeRate.IsZero():
		b.ask(userID, awaitRate)
	default:
		b.setState(userID, idle)
		return b.showStatus(u)
	}
	return nil
}

// reply consumes a text message according to the conversation state.
func (b *Bot) reply(userID int64, text string) error {
	s := b.state(userID)
	switch s {
	case awaitCard:
		card, ok := validCard(text)
		if !ok {
			b.retry(userID, "That does not look like a card number.")
			return nil
		}
		if err := b.database.SetCard(b.ctx, userID, card); err != nil {
			return err
		}
		b.setState(userID, idle)
		return b.advance(userID)

	case awaitRate:
		rate, err := parseAmount(text)
		if err != nil {
			b.retry(userID, err.Error())
			return nil
		}
		if err := b.database.SetExchangeRate(b.ctx, userID, rate); err != nil {
			return err
		}
		b.setState(userID, idle)
		return b.advance(userID)

	case awaitDeposit:
		amount, err := parseAmount(text)
		if err != nil {
			b.retry(userID, err.Error())
			return nil
		}
		u, err := b.co.Deposit(b.ctx, userID, amount)
		if err != nil {
			return err
		}
		b.setState(userID, idle)
		return b.showStatus(u)
	}

	u, err := b.database.User(b.ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		_, err = b.Notify(userID, "Send /start to register.")
		return err
	}
	if err != nil {
		return err
	}
	return b.showStatus(u)
}

func (b *Bot) retry(userID int64, problem string) {
	if _, err := b.Notify(userID, "⚠️ "+problem+" Try again."); err != nil {
		log.Warnf("Failed to notify %d: %v", userID, err)
	}
}

func (b *Bot) toggleWorking(userID int64) error {
	u, err := b.database.User(b.ctx, userID)
	if err != nil {
		return err
	}
	if err := b.database.SetWorking(b.ctx, userID, !u.IsWorking); err != nil {
		return err
	}
	u.IsWorking = !u.IsWorking
	log.Infof("Seller %d working: %v", userID, u.IsWorking)
	return b.showStatus(u)
}

// showStatus sends the seller's balances and the TOP list with the settings
// menu.
func (b *Bot) showStatus(u *models.User) error {
	top, err := b.database.TopSellers(b.ctx, b.topLength)
	if err != nil {
		return err
	}
	toggle := "⏸ Pause"
	if !u.IsWorking {
		toggle = "▶️ Start working"
	}
	menu := &telebot.ReplyMarkup{}
	menu.InlineKeyboard = [][]telebot.InlineButton{
		{{Unique: btnDeposit, Text: "💰 Deposit"}, {Unique: btnChangeRate, Text: "💱 Change rate"}},
		{{Unique: btnChangeCard, Text: "💳 Change card"}, {Unique: btnToggleWorking, Text: toggle}},
	}
	_, err = b.send(u.ID, formatStatus(u, top), menu)
	return err
}
