package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction reported by the venue.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Kind classifies what an executed order did to the position.
type Kind string

const (
	KindOpen        Kind = "open"
	KindClose       Kind = "close"
	KindLiquidation Kind = "liquidation"
	KindOther       Kind = "other"
)

// TradeEvent is an executed order on the venue account. It is immutable once
// built by the venue client.
type TradeEvent struct {
	ID           string
	Symbol       string
	Side         Side
	PositionSide string
	OrderType    string
	Status       string
	Kind         Kind
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	RealizedPnL  *decimal.Decimal // nil when the venue did not report one
	OccurredAt   time.Time
}

// Position returns the ordering key of the event.
func (e TradeEvent) Position() Cursor {
	return Cursor{OccurredAt: e.OccurredAt, EventID: e.ID}
}

// SortEvents orders events ascending by (OccurredAt, ID).
func SortEvents(events []TradeEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Position().Compare(events[j].Position()) < 0
	})
}
