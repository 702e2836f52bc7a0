// README: Booking coordinator; joins and cancellations with a seat re-check at commit time.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"
	"github.com/sethvargo/go-retry"

	"carpool/internal/events"
	"carpool/internal/geo"
	"carpool/internal/modules/offer"
	"carpool/internal/modules/pricing"
	"carpool/internal/observability"
	"carpool/internal/types"
)

var (
	ErrBookingNotFound      = fmt.Errorf("%w: booking not found", types.ErrNotFound)
	ErrInvalidRequest       = fmt.Errorf("%w: invalid booking request", types.ErrValidation)
	ErrOwnOffer             = fmt.Errorf("%w: drivers cannot join their own offer", types.ErrValidation)
	ErrNotAnOccurrence      = fmt.Errorf("%w: offer does not run on that date", types.ErrValidation)
	ErrInsufficientSeats    = fmt.Errorf("%w: insufficient seats", types.ErrConflict)
	ErrConcurrentUpdate     = fmt.Errorf("%w: ride offer is busy, retry", types.ErrConflict)
	ErrRequestInFlight      = fmt.Errorf("%w: request with this idempotency key is in progress", types.ErrConflict)
	ErrIdempotencyKeyReused = fmt.Errorf("%w: idempotency key already used for another offer", types.ErrConflict)
	ErrOutsidePickupArea    = fmt.Errorf("%w: pickup or dropoff is outside the offer's pickup area", types.ErrValidation)
	ErrRideAlreadyDeparted  = fmt.Errorf("%w: ride already departed", types.ErrState)
	ErrNotParticipant       = fmt.Errorf("%w: only the rider or the driver may cancel", types.ErrForbidden)
	ErrDuplicateIdempotency = errors.New("idempotency key already used")
)

// errVersionConflict is the transient optimistic-concurrency clash. Join
// retries it from the top and never returns it.
var errVersionConflict = errors.New("offer version changed")

// OfferReader is the read side of the offer catalog the coordinator needs.
type OfferReader interface {
	GetOffer(ctx context.Context, id types.ID) (*offer.RideOffer, error)
}

type Repository interface {
	GetBooking(ctx context.Context, id types.ID) (*Booking, error)
	FindByIdempotencyKey(ctx context.Context, riderID types.ID, key string) (*Booking, error)
	ListByOffer(ctx context.Context, offerID types.ID) ([]*Booking, error)
	// CommitJoin atomically takes b.SeatsBooked seats from o, conditioned on
	// o.Version being current and enough seats remaining, and stores b. It
	// reports false when the condition failed.
	CommitJoin(ctx context.Context, o *offer.RideOffer, b *Booking) (bool, error)
	// CommitCancel atomically cancels a confirmed booking and credits its
	// seats back. It reports false when the booking was already cancelled.
	CommitCancel(ctx context.Context, id types.ID, at time.Time) (*Booking, bool, error)
}

// KeyClaimer reserves idempotency keys across API replicas.
type KeyClaimer interface {
	// Claim reserves key. When the key is already held it returns the
	// booking it resolved to, or an empty id while the first request is
	// still running.
	Claim(ctx context.Context, riderID types.ID, key string) (types.ID, bool, error)
	Resolve(ctx context.Context, riderID types.ID, key string, bookingID types.ID) error
	Release(ctx context.Context, riderID types.ID, key string) error
}

type Coordinator struct {
	offers     OfferReader
	repo       Repository
	keys       KeyClaimer
	events     events.Publisher
	clock      types.WallClock
	logger     *slog.Logger
	maxRetries uint64
	backoff    time.Duration

	// pointTolerance is how far a pickup may sit from the stated endpoints
	// of an offer without flexible pickup.
	pointTolerance float64
}

type Option func(*Coordinator)

func WithClock(c types.WallClock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

func WithKeyClaimer(k KeyClaimer) Option {
	return func(co *Coordinator) { co.keys = k }
}

// WithPointTolerance sets how far from a fixed-pickup offer's endpoints a
// rider's pickup and dropoff may be.
func WithPointTolerance(km float64) Option {
	return func(co *Coordinator) {
		if km >= 0 {
			co.pointTolerance = km
		}
	}
}

// WithRetry sets how many times a join is retried after a version clash and
// the base of the jittered exponential backoff between attempts.
func WithRetry(max uint64, base time.Duration) Option {
	return func(co *Coordinator) {
		co.maxRetries = max
		if base > 0 {
			co.backoff = base
		}
	}
}

func NewCoordinator(offers OfferReader, repo Repository, publisher events.Publisher, opts ...Option) *Coordinator {
	c := &Coordinator{
		offers:         offers,
		repo:           repo,
		events:         publisher,
		clock:          types.NewWallClock(time.UTC, time.Now),
		logger:         slog.Default(),
		maxRetries:     8,
		backoff:        time.Millisecond,
		pointTolerance: 0.3,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.events == nil {
		c.events = events.NopPublisher{}
	}
	return c
}

type JoinCommand struct {
	OfferID types.ID
	RiderID types.ID
	Seats   int
	// Pickup and Dropoff default to the offer's own endpoints.
	Pickup  *types.Place
	Dropoff *types.Place
	// OccurrenceDate selects the date of a recurring offer. Zero means the
	// next occurrence that has not departed yet.
	OccurrenceDate civil.Date
	IdempotencyKey string
}

type CancelCommand struct {
	BookingID types.ID
	// ActorID is the caller; empty for system-initiated cancellations.
	ActorID types.ID
}

func (c *Coordinator) Join(ctx context.Context, cmd JoinCommand) (*Booking, error) {
	if err := validateJoin(cmd); err != nil {
		return nil, err
	}

	if cmd.IdempotencyKey != "" {
		existing, err := c.replay(ctx, cmd)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	b, replayed, err := c.join(ctx, cmd)
	if replayed {
		return b, nil
	}
	if err != nil {
		if cmd.IdempotencyKey != "" && c.keys != nil {
			if rerr := c.keys.Release(ctx, cmd.RiderID, cmd.IdempotencyKey); rerr != nil {
				c.logger.Warn("release idempotency key failed", "rider_id", cmd.RiderID, "error", rerr)
			}
		}
		observability.JoinsTotal.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}
	observability.JoinsTotal.WithLabelValues("confirmed").Inc()

	if cmd.IdempotencyKey != "" && c.keys != nil {
		if err := c.keys.Resolve(ctx, cmd.RiderID, cmd.IdempotencyKey, b.ID); err != nil {
			c.logger.Warn("resolve idempotency key failed", "rider_id", cmd.RiderID, "booking_id", b.ID, "error", err)
		}
	}
	c.publish(ctx, events.TypeBookingConfirmed, b)
	c.logger.Info("booking confirmed",
		"booking_id", b.ID, "offer_id", b.RideOfferID, "rider_id", b.RiderID,
		"seats", b.SeatsBooked, "fare", b.Fare.Major(), "occurrence", b.OccurrenceDate.String())
	return b, nil
}

// replay returns the booking an earlier request with the same key produced,
// or claims the key for this request.
func (c *Coordinator) replay(ctx context.Context, cmd JoinCommand) (*Booking, error) {
	prev, err := c.repo.FindByIdempotencyKey(ctx, cmd.RiderID, cmd.IdempotencyKey)
	if err == nil {
		return sameOffer(prev, cmd)
	}
	if !errors.Is(err, ErrBookingNotFound) {
		return nil, err
	}
	if c.keys == nil {
		return nil, nil
	}
	id, claimed, err := c.keys.Claim(ctx, cmd.RiderID, cmd.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if claimed {
		return nil, nil
	}
	if id == "" {
		return nil, ErrRequestInFlight
	}
	prev, err = c.repo.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	return sameOffer(prev, cmd)
}

// sameOffer hands back a replayed booking only when the retried request
// was for the same offer.
func sameOffer(prev *Booking, cmd JoinCommand) (*Booking, error) {
	if prev.RideOfferID != cmd.OfferID {
		return nil, ErrIdempotencyKeyReused
	}
	return prev, nil
}

// join runs the read-check-commit cycle until it commits or fails for a
// reason other than a version clash. replayed is set when a concurrent
// request with the same idempotency key committed first.
func (c *Coordinator) join(ctx context.Context, cmd JoinCommand) (booked *Booking, replayed bool, err error) {
	attempt := 0
	b := retry.WithMaxRetries(c.maxRetries, retry.WithJitterPercent(50, retry.NewExponential(c.backoff)))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		if attempt > 0 {
			observability.JoinVersionRetries.Inc()
		}
		attempt++

		o, err := c.offers.GetOffer(ctx, cmd.OfferID)
		if err != nil {
			return err
		}
		candidate, err := c.prepare(o, cmd)
		if err != nil {
			return err
		}
		ok, err := c.repo.CommitJoin(ctx, o, candidate)
		if errors.Is(err, ErrDuplicateIdempotency) {
			prev, ferr := c.repo.FindByIdempotencyKey(ctx, cmd.RiderID, cmd.IdempotencyKey)
			if ferr != nil {
				return ferr
			}
			if booked, ferr = sameOffer(prev, cmd); ferr != nil {
				return ferr
			}
			replayed = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("commit join: %w", err)
		}
		if !ok {
			return retry.RetryableError(errVersionConflict)
		}
		booked = candidate
		return nil
	})
	if errors.Is(err, errVersionConflict) {
		c.logger.Warn("join gave up after version conflicts", "offer_id", cmd.OfferID, "attempts", attempt)
		return nil, false, ErrConcurrentUpdate
	}
	if err != nil {
		return nil, false, err
	}
	return booked, replayed, nil
}

// prepare re-validates the join against the offer as it is now and builds
// the booking to commit. Nothing seen during search is trusted here.
func (c *Coordinator) prepare(o *offer.RideOffer, cmd JoinCommand) (*Booking, error) {
	if o.DriverID == cmd.RiderID {
		return nil, ErrOwnOffer
	}
	if err := o.StatusError(); err != nil {
		return nil, err
	}

	now := c.clock.Now()
	var departure civil.DateTime
	switch {
	case cmd.OccurrenceDate.IsValid():
		if !o.OccursOn(cmd.OccurrenceDate) {
			return nil, ErrNotAnOccurrence
		}
		departure = o.DepartureOn(cmd.OccurrenceDate)
	case o.IsRecurring():
		next, ok := o.NextDeparture(now)
		if !ok {
			return nil, ErrRideAlreadyDeparted
		}
		departure = next
	default:
		departure = o.DepartureAt
	}
	if departure.Before(now) {
		return nil, ErrRideAlreadyDeparted
	}

	if o.SeatsAvailable < cmd.Seats {
		return nil, ErrInsufficientSeats
	}
	fare, err := pricing.QuoteOffer(o, cmd.Seats)
	if err != nil {
		return nil, err
	}

	pickup, dropoff := o.Origin, o.Destination
	if cmd.Pickup != nil {
		pickup = *cmd.Pickup
	}
	if cmd.Dropoff != nil {
		dropoff = *cmd.Dropoff
	}
	if cmd.Pickup != nil || cmd.Dropoff != nil {
		if err := c.checkPlacement(o, pickup.Point, dropoff.Point); err != nil {
			return nil, err
		}
	}
	return &Booking{
		ID:             types.NewID(),
		RideOfferID:    o.ID,
		RiderID:        cmd.RiderID,
		SeatsBooked:    cmd.Seats,
		Pickup:         pickup,
		Dropoff:        dropoff,
		Fare:           fare,
		OccurrenceDate: departure.Date,
		DepartureAt:    departure,
		Status:         StatusConfirmed,
		IdempotencyKey: cmd.IdempotencyKey,
		CreatedAt:      c.clock.Instant(),
	}, nil
}

// checkPlacement accepts endpoints inside the offer's pickup area or, when
// the driver allows detours, along the route.
func (c *Coordinator) checkPlacement(o *offer.RideOffer, pickup, dropoff types.Point) error {
	_, _, near, err := o.NearEndpoints(pickup, dropoff, o.EndpointRadiusKm(c.pointTolerance))
	if err != nil {
		return err
	}
	if near {
		return nil
	}
	_, _, along, err := o.AlongRoute(pickup, dropoff)
	if err != nil {
		return err
	}
	if !along {
		return ErrOutsidePickupArea
	}
	return nil
}

func validateJoin(cmd JoinCommand) error {
	switch {
	case cmd.OfferID == "":
		return fmt.Errorf("%w: missing offer id", ErrInvalidRequest)
	case cmd.RiderID == "":
		return fmt.Errorf("%w: missing rider", ErrInvalidRequest)
	case cmd.Seats < 1:
		return fmt.Errorf("%w: seats must be at least 1", ErrInvalidRequest)
	case cmd.Pickup != nil && !geo.ValidPoint(cmd.Pickup.Point):
		return geo.ErrInvalidCoordinates
	case cmd.Dropoff != nil && !geo.ValidPoint(cmd.Dropoff.Point):
		return geo.ErrInvalidCoordinates
	case len(cmd.IdempotencyKey) > 128:
		return fmt.Errorf("%w: idempotency key too long", ErrInvalidRequest)
	}
	return nil
}

// Cancel releases a booking's seats. Cancelling an already cancelled
// booking succeeds without crediting seats again. Seats are credited even
// when the offer itself is no longer active; that never reactivates it.
func (c *Coordinator) Cancel(ctx context.Context, cmd CancelCommand) (*Booking, error) {
	b, err := c.repo.GetBooking(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if cmd.ActorID != "" && cmd.ActorID != b.RiderID {
		o, err := c.offers.GetOffer(ctx, b.RideOfferID)
		if err != nil {
			return nil, err
		}
		if o.DriverID != cmd.ActorID {
			return nil, ErrNotParticipant
		}
	}
	if !b.IsConfirmed() {
		return b, nil
	}

	cancelled, changed, err := c.repo.CommitCancel(ctx, b.ID, c.clock.Instant())
	if err != nil {
		return nil, fmt.Errorf("commit cancel: %w", err)
	}
	if !changed {
		return cancelled, nil
	}

	observability.BookingsCancelled.Inc()
	c.publish(ctx, events.TypeBookingCancelled, cancelled)
	c.logger.Info("booking cancelled", "booking_id", cancelled.ID, "offer_id", cancelled.RideOfferID, "seats", cancelled.SeatsBooked)
	return cancelled, nil
}

func (c *Coordinator) Get(ctx context.Context, id types.ID) (*Booking, error) {
	return c.repo.GetBooking(ctx, id)
}

func (c *Coordinator) ListByOffer(ctx context.Context, offerID types.ID) ([]*Booking, error) {
	return c.repo.ListByOffer(ctx, offerID)
}

func (c *Coordinator) publish(ctx context.Context, typ string, b *Booking) {
	if err := c.events.Publish(ctx, events.New(typ, b.ID, b)); err != nil {
		observability.EventPublishFailures.WithLabelValues(typ).Inc()
		c.logger.Warn("publish event failed", "type", typ, "booking_id", b.ID, "error", err)
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientSeats):
		return "insufficient_seats"
	case errors.Is(err, ErrRideAlreadyDeparted):
		return "departed"
	case errors.Is(err, ErrConcurrentUpdate):
		return "concurrent_update"
	case errors.Is(err, types.ErrState):
		return "inactive"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, types.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}
