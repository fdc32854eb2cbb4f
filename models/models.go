package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	// OrderPending indicates an offer sent to a seller and not answered yet
	OrderPending OrderStatus = "pending"
	// OrderAccepted indicates the seller accepted and the quantity is frozen
	OrderAccepted OrderStatus = "accepted"
	// OrderDeclined indicates the seller declined the offer
	OrderDeclined OrderStatus = "declined"
	// OrderCompleted indicates the buyer paid and the frozen funds were released
	OrderCompleted OrderStatus = "completed"
)

// AmountPlaces is the fixed scale of all balances and quantities.
const AmountPlaces = 8

const maxNameLength = 8

// User represents a registered seller
type User struct {
	ID            int64
	Name          string
	Card          string // payout instrument, empty until provided
	Balance       decimal.Decimal
	FrozenBalance decimal.Decimal
	ExchangeRate  decimal.Decimal
	IsWorking     bool
	CreatedAt     time.Time
}

// FormattedName shortens the name for ranking lists.
func (u *User) FormattedName() string {
	if len([]rune(u.Name)) <= maxNameLength {
		return u.Name
	}
	name := []rune(strings.TrimPrefix(u.Name, "@"))
	if len(name) <= maxNameLength {
		return string(name)
	}
	return string(name[:maxNameLength]) + "..."
}

// Order represents a single buy request negotiated with one seller
type Order struct {
	ID         string
	UserID     int64
	Status     OrderStatus
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	CreatedAt  time.Time
	AcceptedAt *time.Time
	PaidAt     *time.Time
}

// NewOrder creates a pending order for seller, copying the seller's current
// exchange rate as the order price.
func NewOrder(seller *User, quantity decimal.Decimal) *Order {
	return &Order{
		ID:        uuid.NewString(),
		UserID:    seller.ID,
		Status:    OrderPending,
		Quantity:  quantity,
		Price:     seller.ExchangeRate,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// TotalPrice is price × quantity.
func (o *Order) TotalPrice() decimal.Decimal {
	return o.Price.Mul(o.Quantity)
}

// FormatAmount rounds half to even to places and drops trailing zeros.
func FormatAmount(d decimal.Decimal, places int32) string {
	return d.RoundBank(places).String()
}
