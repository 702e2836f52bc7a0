// README: Domain events emitted after offer and booking state changes commit.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"carpool/internal/types"
)

const (
	TypeOfferCreated     = "offer.created"
	TypeOfferUpdated     = "offer.updated"
	TypeOfferCancelled   = "offer.cancelled"
	TypeOfferExpired     = "offer.expired"
	TypeBookingConfirmed = "booking.confirmed"
	TypeBookingCancelled = "booking.cancelled"
)

// Event is the envelope written to the topic. AggregateID is the message key,
// so every event of one offer or booking lands on the same partition.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AggregateID types.ID        `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

// New builds an event. A payload that cannot be encoded is sent as null
// rather than dropping the event.
func New(typ string, aggregateID types.ID, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return Event{
		ID:          uuid.NewString(),
		Type:        typ,
		AggregateID: aggregateID,
		OccurredAt:  time.Now().UTC(),
		Payload:     raw,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher discards events. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
