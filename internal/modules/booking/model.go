// README: Booking record; a rider's reservation of seats on one ride offer.
package booking

import (
	"time"

	"cloud.google.com/go/civil"

	"carpool/internal/types"
)

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Booking is never deleted. Fare is frozen when the booking is confirmed and
// does not follow later fare edits on the offer.
type Booking struct {
	ID             types.ID       `json:"id"`
	RideOfferID    types.ID       `json:"ride_offer_id"`
	RiderID        types.ID       `json:"rider_id"`
	SeatsBooked    int            `json:"seats_booked"`
	Pickup         types.Place    `json:"pickup"`
	Dropoff        types.Place    `json:"dropoff"`
	Fare           types.Money    `json:"fare"`
	OccurrenceDate civil.Date     `json:"occurrence_date"`
	DepartureAt    civil.DateTime `json:"departure_at"`
	Status         Status         `json:"status"`
	IdempotencyKey string         `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	CancelledAt    *time.Time     `json:"cancelled_at,omitempty"`
}

func (b *Booking) IsConfirmed() bool {
	return b.Status == StatusConfirmed
}
