package bot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/config"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/db"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/escrow"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
	"gopkg.in/tucnak/telebot.v2"
)

// Button identifiers
const (
	btnAcceptOrder   = "accept_order"
	btnDeclineOrder  = "decline_order"
	btnSupportOK     = "support_confirm"
	btnSupportReject = "support_reject"
	btnDeposit       = "deposit"
	btnChangeRate    = "change_rate"
	btnChangeCard    = "change_card"
	btnToggleWorking = "toggle_working"
)

// Coordinator is the part of the escrow coordinator driven by bot users.
type Coordinator interface {
	Accept(ctx context.Context, sellerID int64, orderID string) error
	Decline(ctx context.Context, sellerID int64, orderID string) error
	ConfirmCompletion(ctx context.Context, sellerID int64) error
	RejectCompletion(ctx context.Context, sellerID int64) error
	Deposit(ctx context.Context, sellerID int64, amount decimal.Decimal) (*models.User, error)
}

// messenger is the subset of *telebot.Bot used to deliver messages.
type messenger interface {
	Send(to telebot.Recipient, what interface{}, options ...interface{}) (*telebot.Message, error)
	Edit(msg telebot.Editable, what interface{}, options ...interface{}) (*telebot.Message, error)
}

// Bot represents the Telegram bot with its dependencies. It is the
// escrow.Channel of the coordinator and the seller's self-service UI.
type Bot struct {
	teleBot   *telebot.Bot
	messenger messenger
	database  *db.Database
	supportID int64
	topLength int

	ctx context.Context
	co  Coordinator

	convMtx sync.Mutex
	conv    map[int64]conversation
}

var _ escrow.Channel = (*Bot)(nil)

// NewBot creates a new Bot instance
func NewBot(cfg *config.Config, database *db.Database) (*Bot, error) {
	tb, err := telebot.NewBot(telebot.Settings{
		Token:  cfg.TelegramToken,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bot")
	}
	b := newBot(tb, database, cfg.SupportID, cfg.TopLength)
	b.teleBot = tb
	return b, nil
}

func newBot(m messenger, database *db.Database, supportID int64, topLength int) *Bot {
	return &Bot{
		messenger: m,
		database:  database,
		supportID: supportID,
		topLength: topLength,
		ctx:       context.Background(),
		conv:      make(map[int64]conversation),
	}
}

func stored(msg *escrow.Message) *telebot.StoredMessage {
	return &telebot.StoredMessage{
		MessageID: strconv.Itoa(msg.ID),
		ChatID:    msg.ChatID,
	}
}

func sent(m *telebot.Message, chatID int64, text string) *escrow.Message {
	msg := &escrow.Message{ChatID: chatID, ID: m.ID, Text: text}
	if m.Chat != nil {
		msg.ChatID = m.Chat.ID
	}
	return msg
}

func (b *Bot) send(chatID int64, text string, options ...interface{}) (*escrow.Message, error) {
	m, err := b.messenger.Send(telebot.ChatID(chatID), text, options...)
	if err != nil {
		return nil, err
	}
	return sent(m, chatID, text), nil
}

// SendOffer shows the order to the seller with Accept and Decline buttons
// carrying the order id.
func (b *Bot) SendOffer(seller *models.User, ord *models.Order) (*escrow.Message, error) {
	menu := &telebot.ReplyMarkup{}
	menu.InlineKeyboard = [][]telebot.InlineButton{{
		{Unique: btnAcceptOrder, Text: "✅ Accept", Data: ord.ID},
		{Unique: btnDeclineOrder, Text: "❌ Decline", Data: ord.ID},
	}}
	msg, err := b.send(seller.ID, formatOffer(seller, ord), menu)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send offer %s to %d", ord.ID, seller.ID)
	}
	return msg, nil
}

// EditMessage replaces the text of msg. Telegram drops the inline keyboard of
// an edited message unless it is sent again.
func (b *Bot) EditMessage(msg *escrow.Message, text string) error {
	if _, err := b.messenger.Edit(stored(msg), text); err != nil {
		return errors.Wrapf(err, "failed to edit message %d in %d", msg.ID, msg.ChatID)
	}
	return nil
}

// Notify sends a plain message to a user.
func (b *Bot) Notify(userID int64, text string) (*escrow.Message, error) {
	return b.send(userID, text)
}

// Escalate sends the accepted order to support with Confirm and Reject
// buttons carrying the seller id. Nothing is sent when no support chat is
// configured.
func (b *Bot) Escalate(seller *models.User, ord *models.Order) (*escrow.Message, error) {
	if b.supportID == 0 {
		log.Debugf("No support chat, order %s not escalated", ord.ID)
		return nil, nil
	}
	sellerID := strconv.FormatInt(seller.ID, 10)
	menu := &telebot.ReplyMarkup{}
	menu.InlineKeyboard = [][]telebot.InlineButton{{
		{Unique: btnSupportOK, Text: "✅ Confirm", Data: sellerID},
		{Unique: btnSupportReject, Text: "↩️ Reject", Data: sellerID},
	}}
	msg, err := b.send(b.supportID, formatEscalation(seller, ord), menu)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to escalate order %s", ord.ID)
	}
	return msg, nil
}

func (b *Bot) respond(c *telebot.Callback, text string, alert bool) {
	if b.teleBot == nil {
		return
	}
	if err := b.teleBot.Respond(c, &telebot.CallbackResponse{Text: text, ShowAlert: alert}); err != nil {
		log.Warnf("Failed to answer callback of %d: %v", c.Sender.ID, err)
	}
}

// answerText is the callback text for the result of an escrow operation.
func answerText(err error, done string) (string, bool) {
	switch {
	case err == nil:
		return done, false
	case errors.Is(err, escrow.ErrNotFound):
		return "There is nothing to answer anymore.", true
	case errors.Is(err, escrow.ErrConflict):
		return "This order is no longer open.", true
	default:
		return "Something went wrong, please try again.", true
	}
}

func (b *Bot) handleOffer(c *telebot.Callback, accept bool) {
	sellerID := int64(c.Sender.ID)
	var err error
	if accept {
		err = b.co.Accept(b.ctx, sellerID, c.Data)
	} else {
		err = b.co.Decline(b.ctx, sellerID, c.Data)
	}
	if err != nil && !errors.Is(err, escrow.ErrConflict) && !errors.Is(err, escrow.ErrNotFound) {
		log.Errorf("Answer of seller %d to order %s failed: %v", sellerID, c.Data, err)
	}
	done := "Declined."
	if accept {
		done = "Accepted."
	}
	text, alert := answerText(err, done)
	b.respond(c, text, alert)
}

func (b *Bot) handleSupport(c *telebot.Callback, confirm bool) {
	if int64(c.Sender.ID) != b.supportID {
		log.Warnf("User %d pressed a support button", c.Sender.ID)
		b.respond(c, "Only support can do this.", true)
		return
	}
	sellerID, err := strconv.ParseInt(c.Data, 10, 64)
	if err != nil {
		log.Errorf("Bad seller id %q in support callback", c.Data)
		b.respond(c, "Broken button.", true)
		return
	}
	if confirm {
		err = b.co.ConfirmCompletion(b.ctx, sellerID)
	} else {
		err = b.co.RejectCompletion(b.ctx, sellerID)
	}
	if err != nil && !errors.Is(err, escrow.ErrConflict) && !errors.Is(err, escrow.ErrNotFound) {
		log.Errorf("Support decision for seller %d failed: %v", sellerID, err)
	}
	text, alert := answerText(err, fmt.Sprintf("Done for seller %d.", sellerID))
	b.respond(c, text, alert)
}

// Start registers the handlers and polls for updates until Stop is called.
func (b *Bot) Start(ctx context.Context, co Coordinator) {
	b.ctx = ctx
	b.co = co

	b.teleBot.Handle(&telebot.InlineButton{Unique: btnAcceptOrder}, func(c *telebot.Callback) {
		b.handleOffer(c, true)
	})
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnDeclineOrder}, func(c *telebot.Callback) {
		b.handleOffer(c, false)
	})
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnSupportOK}, func(c *telebot.Callback) {
		b.handleSupport(c, true)
	})
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnSupportReject}, func(c *telebot.Callback) {
		b.handleSupport(c, false)
	})

	b.teleBot.Handle(&telebot.InlineButton{Unique: btnDeposit}, func(c *telebot.Callback) {
		b.respond(c, "", false)
		b.ask(int64(c.Sender.ID), awaitDeposit)
	})
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnChangeRate}, func(c *telebot.Callback) {
		b.respond(c, "", false)
		b.ask(int64(c.Sender.ID), awaitRate)
	})
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnChangeCard}, func(c *telebot.Callback) {
		b.respond(c, "", false)
		b.ask(int64(c.Sender.ID), awaitCard)
	})
	b.teleBot.Handle(&telebot.InlineButton{Unique: btnToggleWorking}, func(c *telebot.Callback) {
		b.respond(c, "", false)
		if err := b.toggleWorking(int64(c.Sender.ID)); err != nil {
			log.Errorf("Error toggling working state of %d: %v", c.Sender.ID, err)
		}
	})

	b.teleBot.Handle("/start", func(m *telebot.Message) {
		if err := b.register(int64(m.Sender.ID), m.Sender.Username); err != nil {
			log.Errorf("Error registering user %d: %v", m.Sender.ID, err)
		}
	})
	b.teleBot.Handle(telebot.OnText, func(m *telebot.Message) {
		if err := b.reply(int64(m.Sender.ID), m.Text); err != nil {
			log.Errorf("Error handling message from %d: %v", m.Sender.ID, err)
		}
	})

	log.Infof("Bot started and ready to accept commands")
	b.teleBot.Start()
}

// Stop ends polling.
func (b *Bot) Stop() {
	b.teleBot.Stop()
}
