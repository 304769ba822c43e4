package relay

import (
	"fmt"
	"strings"

	"bingx-discord-relay/internal/bingx"
	"bingx-discord-relay/internal/models"
	"github.com/shopspring/decimal"
)

const (
	unavailable  = "unavailable"
	pnlPrecision = 4
	timeLayout   = "2006-01-02T15:04:05.000Z07:00"
)

// Precision is how a symbol's numbers are displayed.
type Precision struct {
	Price    int32
	Quantity int32
	Currency string
}

type messageTemplate struct {
	emoji   string
	title   string
	color   int
	showPnL bool
}

var templates = map[models.Kind]messageTemplate{
	models.KindOpen:        {emoji: "📈", title: "Position opened", color: 0x2ECC71},
	models.KindClose:       {emoji: "📉", title: "Position closed", color: 0x3498DB, showPnL: true},
	models.KindLiquidation: {emoji: "⚠️", title: "Position liquidated", color: 0xE74C3C, showPnL: true},
	models.KindOther:       {emoji: "🛒", title: "New trade detected", color: 0x95A5A6, showPnL: true},
}

// Formatter renders trade events. It holds no mutable state after
// construction, so Format is a pure function of its input.
type Formatter struct {
	precisions map[string]Precision
	defaults   Precision
}

// NewFormatter creates a formatter using the venue's declared precision per
// symbol and defaults for symbols the venue did not describe.
func NewFormatter(defaults Precision, contracts []bingx.Contract) *Formatter {
	precisions := make(map[string]Precision, len(contracts))
	for _, c := range contracts {
		currency := c.Currency
		if currency == "" {
			currency = currencyOf(c.Symbol, defaults.Currency)
		}
		precisions[c.Symbol] = Precision{Price: c.PricePrecision, Quantity: c.QuantityPrecision, Currency: currency}
	}
	return &Formatter{precisions: precisions, defaults: defaults}
}

// Format renders e for channelID.
func (f *Formatter) Format(e models.TradeEvent, channelID string) models.NotificationMessage {
	tmpl, ok := templates[e.Kind]
	if !ok {
		tmpl = templates[models.KindOther]
	}
	p := f.precisionFor(e.Symbol)

	fields := []models.EmbedField{
		{Name: "ID", Value: orUnavailable(e.ID), Inline: true},
		{Name: "Symbol", Value: orUnavailable(e.Symbol), Inline: true},
		{Name: "Price", Value: e.Price.StringFixed(p.Price), Inline: true},
		{Name: "Quantity", Value: e.Quantity.StringFixed(p.Quantity), Inline: true},
		{Name: "Direction", Value: direction(e), Inline: true},
		{Name: "Status", Value: orUnavailable(e.Status), Inline: true},
	}
	if tmpl.showPnL {
		fields = append(fields, models.EmbedField{Name: "Realized PnL", Value: formatPnL(e.RealizedPnL, p.Currency), Inline: true})
	}
	fields = append(fields, models.EmbedField{Name: "Time", Value: fmt.Sprintf("<t:%d:F>", e.OccurredAt.Unix())})

	return models.NotificationMessage{
		IdempotencyKey: e.ID,
		ChannelID:      channelID,
		Content:        fmt.Sprintf("%s **%s:** %s %s", tmpl.emoji, tmpl.title, orUnavailable(e.Symbol), direction(e)),
		Embed: models.Embed{
			Title:     fmt.Sprintf("%s %s", tmpl.emoji, tmpl.title),
			Color:     tmpl.color,
			Fields:    fields,
			Footer:    fmt.Sprintf("BingX order %s · %s", orUnavailable(e.ID), orUnavailable(e.OrderType)),
			Timestamp: e.OccurredAt.UTC().Format(timeLayout),
		},
	}
}

func (f *Formatter) precisionFor(symbol string) Precision {
	if p, ok := f.precisions[symbol]; ok {
		return p
	}
	p := f.defaults
	p.Currency = currencyOf(symbol, f.defaults.Currency)
	return p
}

// currencyOf takes the quote currency from a BASE-QUOTE symbol.
func currencyOf(symbol, fallback string) string {
	if i := strings.LastIndex(symbol, "-"); i >= 0 && i < len(symbol)-1 {
		return symbol[i+1:]
	}
	return fallback
}

// direction names the position side. In one-way mode the order side decides.
func direction(e models.TradeEvent) string {
	switch e.PositionSide {
	case "LONG":
		return "Long"
	case "SHORT":
		return "Short"
	}
	switch e.Side {
	case models.SideBuy:
		return "Long"
	case models.SideSell:
		return "Short"
	}
	return unavailable
}

// formatPnL renders a signed amount with its currency. Zero carries no sign.
func formatPnL(pnl *decimal.Decimal, currency string) string {
	if pnl == nil {
		return unavailable
	}
	rounded := pnl.Round(pnlPrecision)
	sign := ""
	if rounded.IsPositive() {
		sign = "+"
	}
	return fmt.Sprintf("%s%s %s", sign, rounded.StringFixed(pnlPrecision), currency)
}

func orUnavailable(s string) string {
	if s == "" {
		return unavailable
	}
	return s
}
