// README: Ride offer aggregate, lifecycle statuses and audit events.
package offer

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"carpool/internal/geo"
	"carpool/internal/types"
)

type Status string

const (
	StatusNone      Status = "none"
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// DetourPolicy describes how far a driver will leave the direct route.
// The limits only apply when Allowed is set.
type DetourPolicy struct {
	Allowed       bool    `json:"allowed"`
	MaxDistanceKm float64 `json:"max_distance_km"`
	MaxWaitMin    int     `json:"max_wait_min"`
}

// PickupPolicy describes how far from the stated endpoints a rider may be
// picked up or dropped off.
type PickupPolicy struct {
	Flexible bool    `json:"flexible"`
	RadiusKm float64 `json:"radius_km"`
}

// Recurrence is either none (empty Weekly) or a weekly day set, optionally
// bounded by Until.
type Recurrence struct {
	Weekly types.WeekdaySet `json:"weekly"`
	Until  civil.Date       `json:"until,omitzero"`
}

func (r Recurrence) IsRecurring() bool {
	return !r.Weekly.Empty()
}

type RideOffer struct {
	ID             types.ID       `json:"id"`
	DriverID       types.ID       `json:"driver_id"`
	Origin         types.Place    `json:"origin"`
	Destination    types.Place    `json:"destination"`
	DepartureAt    civil.DateTime `json:"departure_at"`
	SeatsTotal     int            `json:"seats_total"`
	SeatsAvailable int            `json:"seats_available"`
	FarePerSeat    types.Money    `json:"fare_per_seat"`
	VehicleType    string         `json:"vehicle_type"`
	Notes          string         `json:"notes"`
	Recurrence     Recurrence     `json:"recurrence"`
	Detour         DetourPolicy   `json:"detour"`
	Pickup         PickupPolicy   `json:"pickup"`
	Status         Status         `json:"status"`
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CancelledAt    *time.Time     `json:"cancelled_at,omitempty"`
}

func (o *RideOffer) IsRecurring() bool {
	return o.Recurrence.IsRecurring()
}

// ConfirmedSeats is the number of seats held by confirmed bookings.
func (o *RideOffer) ConfirmedSeats() int {
	return o.SeatsTotal - o.SeatsAvailable
}

// OccursOn reports whether the offer runs on date. A recurring offer runs
// from its first departure date up to Until.
func (o *RideOffer) OccursOn(date civil.Date) bool {
	if !geo.MatchesRecurrence(o.DepartureAt, o.Recurrence.Weekly, date) {
		return false
	}
	if !o.IsRecurring() {
		return true
	}
	if date.Before(o.DepartureAt.Date) {
		return false
	}
	return !o.Recurrence.Until.IsValid() || !date.After(o.Recurrence.Until)
}

// DepartureOn returns the effective departure of the occurrence on date.
func (o *RideOffer) DepartureOn(date civil.Date) civil.DateTime {
	if !o.IsRecurring() {
		return o.DepartureAt
	}
	return geo.Occurrence(o.DepartureAt, date)
}

// NextDeparture returns the first occurrence departing at or after now.
func (o *RideOffer) NextDeparture(now civil.DateTime) (civil.DateTime, bool) {
	return geo.NextOccurrence(o.DepartureAt, o.Recurrence.Weekly, o.Recurrence.Until, now)
}

// LastDeparture returns the final occurrence. ok is false for an open-ended
// recurring offer, which never runs out of occurrences.
func (o *RideOffer) LastDeparture() (civil.DateTime, bool) {
	if !o.IsRecurring() {
		return o.DepartureAt, true
	}
	if !o.Recurrence.Until.IsValid() {
		return civil.DateTime{}, false
	}
	last, err := geo.LastOccurrence(o.DepartureAt, o.Recurrence.Weekly, o.Recurrence.Until)
	if err != nil {
		// no occurrence inside the window at all; it is over once the window is
		return civil.DateTime{Date: o.Recurrence.Until, Time: civil.Time{Hour: 23, Minute: 59, Second: 59}}, true
	}
	return last, true
}

// EndpointRadiusKm is how far from the stated origin and destination a rider
// may board or leave. Offers without flexible pickup use toleranceKm.
func (o *RideOffer) EndpointRadiusKm(toleranceKm float64) float64 {
	if o.Pickup.Flexible {
		return o.Pickup.RadiusKm
	}
	return toleranceKm
}

// NearEndpoints reports whether pickup and dropoff both lie within radiusKm
// of the offer's origin and destination.
func (o *RideOffer) NearEndpoints(pickup, dropoff types.Point, radiusKm float64) (pickupKm, dropoffKm float64, ok bool, err error) {
	if pickupKm, err = geo.DistanceKm(pickup, o.Origin.Point); err != nil {
		return 0, 0, false, err
	}
	if dropoffKm, err = geo.DistanceKm(dropoff, o.Destination.Point); err != nil {
		return 0, 0, false, err
	}
	return pickupKm, dropoffKm, pickupKm <= radiusKm && dropoffKm <= radiusKm, nil
}

// AlongRoute places pickup and dropoff on the straight origin-destination
// segment. ok is false when detours are not allowed, either point is farther
// than the detour limit from the route, or the dropoff comes first.
func (o *RideOffer) AlongRoute(pickup, dropoff types.Point) (pickupOffKm, dropoffOffKm float64, ok bool, err error) {
	if !o.Detour.Allowed {
		return 0, 0, false, nil
	}
	pickupOffKm, pickupAt, err := geo.DistanceToRouteKm(o.Origin.Point, o.Destination.Point, pickup)
	if err != nil {
		return 0, 0, false, err
	}
	dropoffOffKm, dropoffAt, err := geo.DistanceToRouteKm(o.Origin.Point, o.Destination.Point, dropoff)
	if err != nil {
		return 0, 0, false, err
	}
	if pickupAt > dropoffAt || pickupOffKm > o.Detour.MaxDistanceKm || dropoffOffKm > o.Detour.MaxDistanceKm {
		return 0, 0, false, nil
	}
	return pickupOffKm, dropoffOffKm, true, nil
}

// StatusError maps a non-active status to its lifecycle error.
func (o *RideOffer) StatusError() error {
	switch o.Status {
	case StatusActive:
		return nil
	case StatusCancelled:
		return ErrRideCancelled
	case StatusExpired:
		return ErrRideExpired
	default:
		return fmt.Errorf("%w: unknown offer status %q", types.ErrState, o.Status)
	}
}

type Event struct {
	ID         int64
	OfferID    types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions represents the offer lifecycle as code. Both exits
// from active are terminal.
var AllowedTransitions = map[Status][]Status{
	StatusNone:   {StatusActive},
	StatusActive: {StatusCancelled, StatusExpired},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
