package bingx

import (
	"encoding/json"
	"strings"
	"time"

	"bingx-discord-relay/internal/apperrors"
	"bingx-discord-relay/internal/models"
	"github.com/shopspring/decimal"
)

const statusFilled = "FILLED"

// rawOrder is one entry of the allOrders response. Numeric amounts are sent
// as strings by the venue; anything else fails validation.
type rawOrder struct {
	OrderID      json.Number `json:"orderId"`
	Symbol       string      `json:"symbol"`
	Side         string      `json:"side"`
	PositionSide string      `json:"positionSide"`
	Type         string      `json:"type"`
	OrigQty      string      `json:"origQty"`
	Price        string      `json:"price"`
	ExecutedQty  string      `json:"executedQty"`
	AvgPrice     string      `json:"avgPrice"`
	Profit       *string     `json:"profit"`
	Status       string      `json:"status"`
	Time         int64       `json:"time"`
	UpdateTime   int64       `json:"updateTime"`
}

// parseOrder validates a raw entry and maps it to a TradeEvent. ts is the
// entry's timestamp in milliseconds (0 if unknown) and is returned even for
// skipped or malformed entries so pagination can advance past them.
func parseOrder(raw json.RawMessage) (event models.TradeEvent, ts int64, skip bool, malformed *apperrors.MalformedDataError) {
	var o rawOrder
	if err := json.Unmarshal(raw, &o); err != nil {
		var idOnly struct {
			OrderID json.Number `json:"orderId"`
		}
		_ = json.Unmarshal(raw, &idOnly)
		return event, 0, false, &apperrors.MalformedDataError{EntryID: idOnly.OrderID.String(), Field: "*", Reason: err.Error()}
	}

	id := o.OrderID.String()
	ts = o.UpdateTime
	if ts <= 0 {
		ts = o.Time
	}

	fail := func(field, reason string) (models.TradeEvent, int64, bool, *apperrors.MalformedDataError) {
		return models.TradeEvent{}, ts, false, &apperrors.MalformedDataError{EntryID: id, Field: field, Reason: reason}
	}

	if id == "" {
		return fail("orderId", "missing")
	}
	if ts <= 0 {
		return fail("updateTime", "missing timestamp")
	}
	if o.Status == "" {
		return fail("status", "missing")
	}
	if o.Status != statusFilled {
		return models.TradeEvent{ID: id, OccurredAt: time.UnixMilli(ts)}, ts, true, nil
	}
	if o.Symbol == "" {
		return fail("symbol", "missing")
	}

	var side models.Side
	switch strings.ToUpper(o.Side) {
	case "BUY":
		side = models.SideBuy
	case "SELL":
		side = models.SideSell
	default:
		return fail("side", "unknown side "+o.Side)
	}

	qty, err := decimal.NewFromString(o.ExecutedQty)
	if err != nil {
		return fail("executedQty", err.Error())
	}

	price, err := pickPrice(o)
	if err != nil {
		return fail("avgPrice", err.Error())
	}

	var pnl *decimal.Decimal
	if o.Profit != nil && *o.Profit != "" {
		p, err := decimal.NewFromString(*o.Profit)
		if err != nil {
			return fail("profit", err.Error())
		}
		pnl = &p
	}

	event = models.TradeEvent{
		ID:           id,
		Symbol:       o.Symbol,
		Side:         side,
		PositionSide: strings.ToUpper(o.PositionSide),
		OrderType:    strings.ToUpper(o.Type),
		Status:       o.Status,
		Kind:         inferKind(side, o.PositionSide, o.Type),
		Quantity:     qty,
		Price:        price,
		RealizedPnL:  pnl,
		OccurredAt:   time.UnixMilli(ts).UTC(),
	}
	return event, ts, false, nil
}

// pickPrice prefers the average fill price; market orders report price 0.
func pickPrice(o rawOrder) (decimal.Decimal, error) {
	if o.AvgPrice != "" {
		avg, err := decimal.NewFromString(o.AvgPrice)
		if err != nil {
			return decimal.Decimal{}, err
		}
		if !avg.IsZero() {
			return avg, nil
		}
	}
	return decimal.NewFromString(o.Price)
}

// inferKind derives the position effect from hedge-mode fields: buying a
// long or selling a short opens, the opposite closes. One-way mode
// (positionSide BOTH) carries no such information.
func inferKind(side models.Side, positionSide, orderType string) models.Kind {
	if strings.Contains(strings.ToUpper(orderType), "LIQUIDATION") {
		return models.KindLiquidation
	}
	switch strings.ToUpper(positionSide) {
	case "LONG":
		if side == models.SideBuy {
			return models.KindOpen
		}
		return models.KindClose
	case "SHORT":
		if side == models.SideSell {
			return models.KindOpen
		}
		return models.KindClose
	}
	return models.KindOther
}
