// README: Match engine; read-only search over active offers with geo, time, seat and fare filters.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/civil"
	"golang.org/x/sync/errgroup"

	"carpool/internal/config"
	"carpool/internal/geo"
	"carpool/internal/modules/offer"
	"carpool/internal/modules/pricing"
	"carpool/internal/observability"
	"carpool/internal/types"
)

var (
	ErrInvalidCriteria = fmt.Errorf("%w: invalid search criteria", types.ErrValidation)
)

// OfferLister is the catalog read path the engine searches.
type OfferLister interface {
	ListSearchable(ctx context.Context, f offer.SearchFilter) ([]*offer.RideOffer, error)
}

type Service struct {
	offers OfferLister
	routes RouteProvider
	cfg    config.MatchingConfig
	clock  types.WallClock
	logger *slog.Logger
}

type Option func(*Service)

// WithRouteProvider enables road-network detour checks. Without one, detour
// eligibility uses the straight-line approximation only.
func WithRouteProvider(p RouteProvider) Option {
	return func(s *Service) { s.routes = p }
}

func WithClock(c types.WallClock) Option {
	return func(s *Service) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(offers OfferLister, cfg config.MatchingConfig, opts ...Option) *Service {
	s := &Service{
		offers: offers,
		cfg:    cfg,
		clock:  types.NewWallClock(time.UTC, time.Now),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search returns the offer occurrences matching c, best first. No match is
// an empty slice, not an error. Search never writes.
func (s *Service) Search(ctx context.Context, c Criteria) ([]Candidate, error) {
	start := time.Now()
	defer func() { observability.SearchLatency.Observe(time.Since(start).Seconds()) }()

	if err := validate(c); err != nil {
		return nil, err
	}
	if !c.FlexibleTiming {
		c.TimeFlexibilityMin = 0
	}

	offers, err := s.offers.ListSearchable(ctx, offer.SearchFilter{
		MinSeats:         c.Seats,
		Date:             c.Date,
		IncludeRecurring: c.IncludeRecurring,
	})
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}

	now := s.clock.Now()
	results := make([]*Candidate, len(offers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism())
	for i, o := range offers {
		g.Go(func() error {
			r, err := s.evaluate(gctx, o, c, now)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	rank(out)
	observability.SearchResults.Observe(float64(len(out)))
	return out, nil
}

// evaluate applies every filter to one offer and scores it. A nil candidate
// means the offer does not match; an error means the criteria cannot be
// compared with it at all.
func (s *Service) evaluate(ctx context.Context, o *offer.RideOffer, c Criteria, now civil.DateTime) (*Candidate, error) {
	// 1. lifecycle and capacity, re-checked on whatever the store returned
	if o.Status != offer.StatusActive || o.SeatsAvailable < c.Seats {
		return nil, nil
	}
	if c.RiderID != "" && o.DriverID == c.RiderID {
		return nil, nil
	}

	// 2. schedule
	if o.IsRecurring() && !c.IncludeRecurring {
		return nil, nil
	}
	if !o.OccursOn(c.Date) {
		return nil, nil
	}
	departure := o.DepartureOn(c.Date)
	if departure.Before(now) {
		return nil, nil
	}

	// 3. time window
	delta := 0.0
	if c.Time != nil {
		requested := civil.DateTime{Date: c.Date, Time: *c.Time}
		if !geo.WithinTimeWindow(requested, departure, c.TimeFlexibilityMin) {
			return nil, nil
		}
		delta = math.Abs(geo.MinutesBetween(requested, departure))
	}

	// 4. geography
	pickupKm, dropoffKm, viaDetour, ok := s.placement(ctx, o, c)
	if !ok {
		return nil, nil
	}

	// 5. fare
	fare, err := pricing.QuoteOffer(o, c.Seats)
	if err != nil {
		s.logger.Warn("skip offer with unpriceable fare", "offer_id", o.ID, "error", err)
		return nil, nil
	}
	if c.MaxFare != nil {
		within, err := pricing.WithinBudget(fare, *c.MaxFare)
		if err != nil {
			return nil, err
		}
		if !within {
			return nil, nil
		}
	}

	w := s.weights()
	return &Candidate{
		Offer:          o,
		OccurrenceDate: c.Date,
		DepartureAt:    departure,
		PickupKm:       pickupKm,
		DropoffKm:      dropoffKm,
		TimeDeltaMin:   delta,
		ViaDetour:      viaDetour,
		EstimatedFare:  fare,
		Score:          w.PickupKm*pickupKm + w.DropoffKm*dropoffKm + w.TimeMin*delta,
	}, nil
}

// placement decides whether the rider's endpoints are served by o, either
// near the offer's own endpoints or along its route when detours are
// allowed. It returns the distances used for ranking.
func (s *Service) placement(ctx context.Context, o *offer.RideOffer, c Criteria) (pickupKm, dropoffKm float64, viaDetour, ok bool) {
	pickupKm, dropoffKm, near, err := o.NearEndpoints(c.Origin, c.Destination, s.endpointRadius(o, c))
	if err != nil {
		return 0, 0, false, false
	}
	if near {
		return pickupKm, dropoffKm, false, true
	}

	pickupOff, dropoffOff, along, err := o.AlongRoute(c.Origin, c.Destination)
	if err != nil || !along {
		return 0, 0, false, false
	}

	if s.routes != nil {
		d, err := s.routes.Detour(ctx, o.Origin.Point, o.Destination.Point, c.Origin, c.Destination)
		switch {
		case err != nil:
			s.logger.Debug("route provider unavailable, using straight-line detour", "offer_id", o.ID, "error", err)
		case d.ExtraKm > 2*o.Detour.MaxDistanceKm:
			return 0, 0, false, false
		case o.Detour.MaxWaitMin > 0 && d.ExtraMin > float64(o.Detour.MaxWaitMin):
			return 0, 0, false, false
		}
	}
	return pickupOff, dropoffOff, true, true
}

// endpointRadius is the driver's pickup radius for flexible offers, narrowed
// by the rider's own limit when one was given. Point-match offers accept
// the rider's radius, never less than the point tolerance.
func (s *Service) endpointRadius(o *offer.RideOffer, c Criteria) float64 {
	if o.Pickup.Flexible {
		if c.MaxDistanceKm > 0 {
			return math.Min(o.Pickup.RadiusKm, c.MaxDistanceKm)
		}
		return o.Pickup.RadiusKm
	}
	rider := c.MaxDistanceKm
	if rider <= 0 {
		rider = s.cfg.DefaultRadiusKm
	}
	return math.Max(s.cfg.PointToleranceKm, rider)
}

func (s *Service) weights() Weights {
	return Weights{
		PickupKm:  s.cfg.WeightPickup,
		DropoffKm: s.cfg.WeightDropoff,
		TimeMin:   s.cfg.WeightTime,
	}
}

func (s *Service) parallelism() int {
	if s.cfg.Parallelism > 0 {
		return s.cfg.Parallelism
	}
	return 1
}

// rank orders by score, then createdAt, then id, so equal inputs always
// produce the same order.
func rank(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if !a.Offer.CreatedAt.Equal(b.Offer.CreatedAt) {
			return a.Offer.CreatedAt.Before(b.Offer.CreatedAt)
		}
		return a.Offer.ID < b.Offer.ID
	})
}

func validate(c Criteria) error {
	switch {
	case c.Seats < 1:
		return fmt.Errorf("%w: seats must be at least 1", ErrInvalidCriteria)
	case !geo.ValidPoint(c.Origin) || !geo.ValidPoint(c.Destination):
		return geo.ErrInvalidCoordinates
	case !c.Date.IsValid():
		return fmt.Errorf("%w: invalid date", ErrInvalidCriteria)
	case c.Time != nil && !c.Time.IsValid():
		return fmt.Errorf("%w: invalid time", ErrInvalidCriteria)
	case c.TimeFlexibilityMin < 0:
		return fmt.Errorf("%w: time flexibility must not be negative", ErrInvalidCriteria)
	case c.MaxDistanceKm < 0:
		return fmt.Errorf("%w: max distance must not be negative", ErrInvalidCriteria)
	case c.MaxFare != nil && c.MaxFare.IsNegative():
		return fmt.Errorf("%w: max fare must not be negative", ErrInvalidCriteria)
	}
	return nil
}
