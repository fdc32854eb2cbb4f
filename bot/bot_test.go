package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/db"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/escrow"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
	"gopkg.in/tucnak/telebot.v2"
)

type tSent struct {
	chatID int64
	text   string
	markup *telebot.ReplyMarkup
}

type tMessenger struct {
	mtx    sync.Mutex
	sent   []tSent
	edited map[int]string
	nextID int
	err    error
}

func newTMessenger() *tMessenger {
	return &tMessenger{edited: make(map[int]string)}
}

func (m *tMessenger) Send(to telebot.Recipient, what interface{}, options ...interface{}) (*telebot.Message, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	chatID, err := strconv.ParseInt(to.Recipient(), 10, 64)
	if err != nil {
		return nil, err
	}
	s := tSent{chatID: chatID, text: what.(string)}
	for _, opt := range options {
		if markup, ok := opt.(*telebot.ReplyMarkup); ok {
			s.markup = markup
		}
	}
	m.sent = append(m.sent, s)
	m.nextID++
	return &telebot.Message{ID: m.nextID, Chat: &telebot.Chat{ID: chatID}}, nil
}

func (m *tMessenger) Edit(msg telebot.Editable, what interface{}, options ...interface{}) (*telebot.Message, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	id, _ := msg.MessageSig()
	n, err := strconv.Atoi(id)
	if err != nil {
		return nil, err
	}
	m.edited[n] = what.(string)
	return &telebot.Message{ID: n}, nil
}

func (m *tMessenger) last(t *testing.T) tSent {
	t.Helper()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return m.sent[len(m.sent)-1]
}

type tCoordinator struct {
	accepted  []string
	declined  []string
	confirmed []int64
	rejected  []int64
	err       error
	database  *db.Database
}

func (c *tCoordinator) Accept(_ context.Context, sellerID int64, orderID string) error {
	c.accepted = append(c.accepted, orderID)
	return c.err
}

func (c *tCoordinator) Decline(_ context.Context, sellerID int64, orderID string) error {
	c.declined = append(c.declined, orderID)
	return c.err
}

func (c *tCoordinator) ConfirmCompletion(_ context.Context, sellerID int64) error {
	c.confirmed = append(c.confirmed, sellerID)
	return c.err
}

func (c *tCoordinator) RejectCompletion(_ context.Context, sellerID int64) error {
	c.rejected = append(c.rejected, sellerID)
	return c.err
}

func (c *tCoordinator) Deposit(ctx context.Context, sellerID int64, amount decimal.Decimal) (*models.User, error) {
	u, err := c.database.User(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	u.Balance = u.Balance.Add(amount)
	sess := c.database.NewSession()
	defer sess.Close()
	if err := sess.UpdateBalances(ctx, u); err != nil {
		return nil, err
	}
	return u, sess.Commit()
}

func newTestBot(t *testing.T, supportID int64) (*Bot, *tMessenger, *tCoordinator) {
	t.Helper()
	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	m := newTMessenger()
	b := newBot(m, database, supportID, 10)
	co := &tCoordinator{database: database}
	b.co = co
	return b, m, co
}

func TestValidCard(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"4111 1111 1111 1111", "4111111111111111", true},
		{"4111-1111-1111", "411111111111", true},
		{"41111111111", "", false},
		{"41111111111111111111", "", false},
		{"4111 1111 abcd 1111", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := validCard(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("validCard(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseAmount(t *testing.T) {
	d, err := parseAmount(" 12,5 ")
	if err != nil || !d.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("parseAmount: %s, %v", d, err)
	}
	for _, bad := range []string{"", "abc", "0", "-1"} {
		if _, err := parseAmount(bad); err == nil {
			t.Errorf("parseAmount(%q) succeeded", bad)
		}
	}
}

func TestMaskCard(t *testing.T) {
	if got := maskCard("4111111111111234"); got != "************1234" {
		t.Fatalf("maskCard = %q", got)
	}
	if got := maskCard(""); got != "" {
		t.Fatalf("maskCard empty = %q", got)
	}
}

func TestFormatTop(t *testing.T) {
	top := []*models.User{
		{ID: 1, Name: "@averyverylongname", ExchangeRate: decimal.RequireFromString("90.50")},
		{ID: 2, Name: "@bob", ExchangeRate: decimal.RequireFromString("95")},
	}
	got := formatTop(top, 2)
	want := "1. averyver...: 90.5\n2. @bob: 95 👈\n"
	if got != want {
		t.Fatalf("formatTop =\n%q\nwant\n%q", got, want)
	}
}

func TestSendOffer(t *testing.T) {
	b, m, _ := newTestBot(t, 0)
	seller := &models.User{ID: 42, Balance: decimal.RequireFromString("100"), ExchangeRate: decimal.RequireFromString("95")}
	ord := models.NewOrder(seller, decimal.RequireFromString("10"))

	msg, err := b.SendOffer(seller, ord)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ChatID != 42 || msg.ID != 1 || !strings.Contains(msg.Text, "Profit: 950") {
		t.Fatalf("unexpected message %+v", msg)
	}
	s := m.last(t)
	row := s.markup.InlineKeyboard[0]
	if len(row) != 2 || row[0].Unique != btnAcceptOrder || row[1].Unique != btnDeclineOrder {
		t.Fatalf("unexpected buttons %+v", row)
	}
	if row[0].Data != ord.ID || row[1].Data != ord.ID {
		t.Fatal("buttons do not carry the order id")
	}

	if err := b.EditMessage(msg, "done"); err != nil {
		t.Fatal(err)
	}
	if m.edited[1] != "done" {
		t.Fatalf("edit not applied: %v", m.edited)
	}

	m.err = errors.New("blocked")
	if _, err := b.SendOffer(seller, ord); err == nil {
		t.Fatal("send failure not reported")
	}
}

func TestEscalate(t *testing.T) {
	seller := &models.User{ID: 42, Name: "@bob", Card: "4111111111111111", ExchangeRate: decimal.RequireFromString("95")}
	ord := models.NewOrder(seller, decimal.RequireFromString("10"))

	b, m, _ := newTestBot(t, 0)
	msg, err := b.Escalate(seller, ord)
	if err != nil || msg != nil || len(m.sent) != 0 {
		t.Fatalf("escalated without a support chat: %v %v", msg, err)
	}

	b, m, _ = newTestBot(t, 7)
	msg, err = b.Escalate(seller, ord)
	if err != nil {
		t.Fatal(err)
	}
	s := m.last(t)
	if s.chatID != 7 || msg.ChatID != 7 || !strings.Contains(s.text, ord.ID) {
		t.Fatalf("unexpected escalation %+v", s)
	}
	if s.markup.InlineKeyboard[0][0].Data != "42" {
		t.Fatal("support buttons do not carry the seller id")
	}
}

func TestHandleCallbacks(t *testing.T) {
	b, _, co := newTestBot(t, 7)

	b.handleOffer(&telebot.Callback{Sender: &telebot.User{ID: 42}, Data: "order-1"}, true)
	b.handleOffer(&telebot.Callback{Sender: &telebot.User{ID: 42}, Data: "order-2"}, false)
	if len(co.accepted) != 1 || co.accepted[0] != "order-1" || len(co.declined) != 1 || co.declined[0] != "order-2" {
		t.Fatalf("answers not forwarded: %v %v", co.accepted, co.declined)
	}

	// Only support may arbitrate.
	b.handleSupport(&telebot.Callback{Sender: &telebot.User{ID: 42}, Data: "42"}, true)
	if len(co.confirmed) != 0 {
		t.Fatal("non-support user confirmed an order")
	}
	b.handleSupport(&telebot.Callback{Sender: &telebot.User{ID: 7}, Data: "42"}, true)
	b.handleSupport(&telebot.Callback{Sender: &telebot.User{ID: 7}, Data: "43"}, false)
	if len(co.confirmed) != 1 || co.confirmed[0] != 42 || len(co.rejected) != 1 || co.rejected[0] != 43 {
		t.Fatalf("support decisions not forwarded: %v %v", co.confirmed, co.rejected)
	}
}

func TestAnswerText(t *testing.T) {
	if text, alert := answerText(nil, "ok"); text != "ok" || alert {
		t.Fatalf("success: %q %v", text, alert)
	}
	conflict := escrow.ErrConflict
	if _, alert := answerText(conflict, "ok"); !alert {
		t.Fatal("conflict should alert")
	}
}

func TestSellerOnboarding(t *testing.T) {
	b, m, _ := newTestBot(t, 0)
	ctx := context.Background()

	if err := b.register(42, "bob"); err != nil {
		t.Fatal(err)
	}
	if b.state(42) != awaitCard || m.last(t).text != prompts[awaitCard] {
		t.Fatalf("card not requested, state %d", b.state(42))
	}

	if err := b.reply(42, "not a card"); err != nil {
		t.Fatal(err)
	}
	if b.state(42) != awaitCard || !strings.Contains(m.last(t).text, "Try again") {
		t.Fatal("bad card accepted")
	}

	if err := b.reply(42, "4111 1111 1111 1111"); err != nil {
		t.Fatal(err)
	}
	if b.state(42) != awaitRate {
		t.Fatalf("rate not requested, state %d", b.state(42))
	}

	if err := b.reply(42, "95.5"); err != nil {
		t.Fatal(err)
	}
	if b.state(42) != idle {
		t.Fatalf("conversation not finished, state %d", b.state(42))
	}
	status := m.last(t)
	if !strings.Contains(status.text, "Rate: 95.5") || !strings.Contains(status.text, "1. @bob: 95.5") {
		t.Fatalf("unexpected status:\n%s", status.text)
	}
	if len(status.markup.InlineKeyboard) != 2 {
		t.Fatal("settings menu missing")
	}

	u, err := b.database.User(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if u.Name != "@bob" || u.Card != "4111111111111111" || !u.ExchangeRate.Equal(decimal.RequireFromString("95.5")) {
		t.Fatalf("settings not stored: %+v", u)
	}

	// Registering again goes straight to the status.
	if err := b.register(42, "bob"); err != nil {
		t.Fatal(err)
	}
	if b.state(42) != idle {
		t.Fatal("registered seller prompted again")
	}

	b.ask(42, awaitDeposit)
	if err := b.reply(42, "12.5"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m.last(t).text, "Balance: 12.5") {
		t.Fatalf("deposit not shown:\n%s", m.last(t).text)
	}

	if err := b.toggleWorking(42); err != nil {
		t.Fatal(err)
	}
	if u, _ = b.database.User(ctx, 42); !u.IsWorking {
		t.Fatal("seller not working after toggle")
	}
}

func TestReplyUnregistered(t *testing.T) {
	b, m, _ := newTestBot(t, 0)
	if err := b.reply(5, "hello"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m.last(t).text, "/start") {
		t.Fatalf("unexpected reply %q", m.last(t).text)
	}
}
