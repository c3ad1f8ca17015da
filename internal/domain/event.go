package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Event channels published by the data manager and the runner.
const (
	ChannelPrices  = "marketbot:prices"
	ChannelMarkets = "marketbot:markets"
	ChannelSignals = "marketbot:signals"
	ChannelTrades  = "marketbot:trades"
	ChannelCycles  = "marketbot:cycles"
)

// Event is the envelope sent over the event bus and to websocket clients.
type Event struct {
	Type    string          `json:"type"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent marshals payload into an Event.
func NewEvent(typ string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Time: time.Now().UTC(), Payload: raw}, nil
}

// EventBus fans events out to subscribers, possibly across processes.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// EventLog appends events to a durable, capped stream.
type EventLog interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}
