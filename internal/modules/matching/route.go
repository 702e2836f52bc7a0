package matching

import (
	"context"

	"carpool/internal/types"
)

// Detour is the extra cost of serving a rider on the way.
type Detour struct {
	ExtraKm  float64
	ExtraMin float64
}

// RouteProvider computes the driving detour of the route
// origin → pickup → dropoff → destination over origin → destination.
type RouteProvider interface {
	Detour(ctx context.Context, origin, destination, pickup, dropoff types.Point) (Detour, error)
}
