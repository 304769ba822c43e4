package models

// EmbedField is one name/value row of a rich notification.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Embed is the structured part of a notification.
type Embed struct {
	Title       string
	Description string
	Color       int
	Fields      []EmbedField
	Footer      string
	Timestamp   string // RFC3339, taken from the event, never from the wall clock
}

// NotificationMessage is the rendered, platform-agnostic form of a TradeEvent.
type NotificationMessage struct {
	IdempotencyKey string
	ChannelID      string
	Content        string
	Embed          Embed
}
