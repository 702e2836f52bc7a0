// README: Fare calculator for seat bookings.
package pricing

import (
	"fmt"
	"math"

	"carpool/internal/modules/offer"
	"carpool/internal/types"
)

var (
	ErrInvalidSeats     = fmt.Errorf("%w: seats must be at least 1", types.ErrValidation)
	ErrNegativeFare     = fmt.Errorf("%w: fare must not be negative", types.ErrValidation)
	ErrFareOutOfRange   = fmt.Errorf("%w: fare out of range", types.ErrValidation)
	ErrCurrencyMismatch = fmt.Errorf("%w: currency mismatch", types.ErrValidation)
)

// Quote returns farePerSeat × seats. Money is held in the smallest currency
// unit, so the product is exact; rounding happens once, when a decimal
// amount is parsed into Money.
func Quote(farePerSeat types.Money, seats int) (types.Money, error) {
	if seats < 1 {
		return types.Money{}, ErrInvalidSeats
	}
	if farePerSeat.IsNegative() {
		return types.Money{}, ErrNegativeFare
	}
	if farePerSeat.Amount > math.MaxInt64/int64(seats) {
		return types.Money{}, ErrFareOutOfRange
	}
	return farePerSeat.Mul(int64(seats)), nil
}

// QuoteOffer prices seats on o at its current fare.
func QuoteOffer(o *offer.RideOffer, seats int) (types.Money, error) {
	return Quote(o.FarePerSeat, seats)
}

// WithinBudget reports whether fare does not exceed max. Amounts in
// different currencies are never comparable.
func WithinBudget(fare, max types.Money) (bool, error) {
	if max.Currency != "" && fare.Currency != "" && fare.Currency != max.Currency {
		return false, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, fare.Currency, max.Currency)
	}
	return fare.Amount <= max.Amount, nil
}
