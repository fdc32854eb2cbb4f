package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFormattedName(t *testing.T) {
	tests := []struct {
		name, want string
	}{
		{"bob", "bob"},
		{"@abcdefgh", "abcdefgh"},
		{"@abcdefghij", "abcdefgh..."},
		{"abcdefghij", "abcdefgh..."},
		{"12345678", "12345678"},
	}
	for _, tt := range tests {
		u := &User{Name: tt.name}
		if got := u.FormattedName(); got != tt.want {
			t.Errorf("FormattedName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestNewOrder(t *testing.T) {
	seller := &User{ID: 7, ExchangeRate: decimal.RequireFromString("95.5")}
	ord := NewOrder(seller, decimal.NewFromInt(10))
	if ord.ID == "" {
		t.Fatal("empty order id")
	}
	if ord.Status != OrderPending {
		t.Fatalf("wrong status %s", ord.Status)
	}
	if ord.UserID != 7 || !ord.Price.Equal(seller.ExchangeRate) {
		t.Fatalf("order not bound to seller: %+v", ord)
	}
	if !ord.TotalPrice().Equal(decimal.NewFromInt(955)) {
		t.Fatalf("wrong total price %s", ord.TotalPrice())
	}
	if other := NewOrder(seller, decimal.NewFromInt(1)); other.ID == ord.ID {
		t.Fatal("order ids collide")
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		in     string
		places int32
		want   string
	}{
		{"3.14159", 2, "3.14"},
		{"3.10", 2, "3.1"},
		{"2.5", 0, "2"},
		{"3.5", 0, "4"},
		{"10.000", 3, "10"},
	}
	for _, tt := range tests {
		got := FormatAmount(decimal.RequireFromString(tt.in), tt.places)
		if got != tt.want {
			t.Errorf("FormatAmount(%s, %d) = %s, want %s", tt.in, tt.places, got, tt.want)
		}
	}
}
