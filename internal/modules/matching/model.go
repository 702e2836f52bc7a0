// README: Match criteria and ranked candidates returned by a search.
package matching

import (
	"cloud.google.com/go/civil"

	"carpool/internal/modules/offer"
	"carpool/internal/types"
)

// Criteria is a rider's search. Time is optional; when it is nil every
// departure on Date qualifies.
type Criteria struct {
	RiderID            types.ID
	Origin             types.Point
	Destination        types.Point
	Date               civil.Date
	Time               *civil.Time
	TimeFlexibilityMin int
	// FlexibleTiming off forces an exact time match.
	FlexibleTiming   bool
	Seats            int
	MaxFare          *types.Money
	MaxDistanceKm    float64
	IncludeRecurring bool
}

// Candidate is one offer occurrence that satisfies the criteria.
type Candidate struct {
	Offer          *offer.RideOffer `json:"offer"`
	OccurrenceDate civil.Date       `json:"occurrence_date"`
	DepartureAt    civil.DateTime   `json:"departure_at"`
	PickupKm       float64          `json:"pickup_km"`
	DropoffKm      float64          `json:"dropoff_km"`
	TimeDeltaMin   float64          `json:"time_delta_min"`
	ViaDetour      bool             `json:"via_detour"`
	EstimatedFare  types.Money      `json:"estimated_fare"`
	Score          float64          `json:"score"`
}

// Weights scale the ranking terms. Lower scores rank first.
type Weights struct {
	PickupKm  float64
	DropoffKm float64
	TimeMin   float64
}
