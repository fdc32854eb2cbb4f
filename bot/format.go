package bot

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

const pricePlaces = 2

// validCard reports whether card looks like a payout card number. Spaces and
// dashes between digit groups are allowed and stripped.
func validCard(card string) (string, bool) {
	card = strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(card))
	if len(card) < 12 || len(card) > 19 {
		return "", false
	}
	for _, r := range card {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return card, true
}

// maskCard hides all but the last four digits.
func maskCard(card string) string {
	if len(card) <= 4 {
		return card
	}
	return strings.Repeat("*", len(card)-4) + card[len(card)-4:]
}

// parseAmount parses a positive amount, accepting a comma as the decimal
// separator.
func parseAmount(text string) (decimal.Decimal, error) {
	text = strings.ReplaceAll(strings.TrimSpace(text), ",", ".")
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q is not a number", text)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s is not a positive amount", d)
	}
	return d, nil
}

func formatOffer(seller *models.User, ord *models.Order) string {
	return fmt.Sprintf("🔔 New order\n\n🔹 Quantity: %s\n🔹 Your balance: %s\n🔹 Rate: %s\n🔹 Profit: %s\n\nAccept to freeze the quantity until the buyer pays.",
		models.FormatAmount(ord.Quantity, models.AmountPlaces),
		models.FormatAmount(seller.Balance, models.AmountPlaces),
		models.FormatAmount(ord.Price, pricePlaces),
		models.FormatAmount(ord.TotalPrice(), pricePlaces))
}

func formatEscalation(seller *models.User, ord *models.Order) string {
	return fmt.Sprintf("🧾 Order %s accepted\n\n🔹 Seller: %s (%d)\n🔹 Card: %s\n🔹 Quantity: %s\n🔹 Rate: %s\n🔹 Total: %s",
		ord.ID, seller.Name, seller.ID, seller.Card,
		models.FormatAmount(ord.Quantity, models.AmountPlaces),
		models.FormatAmount(ord.Price, pricePlaces),
		models.FormatAmount(ord.TotalPrice(), pricePlaces))
}

func formatStatus(u *models.User, top []*models.User) string {
	var sb strings.Builder
	working := "⏸ paused"
	if u.IsWorking {
		working = "▶️ working"
	}
	fmt.Fprintf(&sb, "👤 %s, %s\n\n", u.FormattedName(), working)
	fmt.Fprintf(&sb, "🔹 Balance: %s\n", models.FormatAmount(u.Balance, models.AmountPlaces))
	fmt.Fprintf(&sb, "🔹 Frozen: %s\n", models.FormatAmount(u.FrozenBalance, models.AmountPlaces))
	fmt.Fprintf(&sb, "🔹 Rate: %s\n", models.FormatAmount(u.ExchangeRate, pricePlaces))
	fmt.Fprintf(&sb, "🔹 Card: %s\n", maskCard(u.Card))
	sb.WriteString("\n🏆 TOP\n")
	sb.WriteString(formatTop(top, u.ID))
	return sb.String()
}

func formatTop(top []*models.User, self int64) string {
	if len(top) == 0 {
		return "Nobody has set a rate yet.\n"
	}
	var sb strings.Builder
	for i, u := range top {
		marker := ""
		if u.ID == self {
			marker = " 👈"
		}
		fmt.Fprintf(&sb, "%d. %s: %s%s\n", i+1, u.FormattedName(),
			models.FormatAmount(u.ExchangeRate, pricePlaces), marker)
	}
	return sb.String()
}
