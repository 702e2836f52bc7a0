// README: Offer service implements creation, owner edits, cancellation and the expiry sweep.
package offer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/sethvargo/go-retry"

	"carpool/internal/events"
	"carpool/internal/geo"
	"carpool/internal/observability"
	"carpool/internal/types"
)

var (
	ErrNotFound            = fmt.Errorf("%w: ride offer not found", types.ErrNotFound)
	ErrBadRequest          = fmt.Errorf("%w: invalid ride offer", types.ErrValidation)
	ErrNotOwner            = fmt.Errorf("%w: offer belongs to another driver", types.ErrForbidden)
	ErrCapacityBelowDemand = fmt.Errorf("%w: seats total below confirmed seats", types.ErrConflict)
	ErrConflict            = fmt.Errorf("%w: ride offer was modified concurrently", types.ErrConflict)
	ErrRideCancelled       = fmt.Errorf("%w: ride cancelled", types.ErrState)
	ErrRideExpired         = fmt.Errorf("%w: ride expired", types.ErrState)
)

// errVersionConflict means a conditional write lost to a concurrent one.
// Callers re-read and retry; it never reaches the API.
var errVersionConflict = errors.New("offer version changed")

// Repository is the durable ride-offer catalog.
type Repository interface {
	CreateOffer(ctx context.Context, o *RideOffer) error
	GetOffer(ctx context.Context, id types.ID) (*RideOffer, error)
	// UpdateOffer writes o if the stored version still equals o.Version and
	// bumps it. It reports false when another writer got there first.
	UpdateOffer(ctx context.Context, o *RideOffer) (bool, error)
	ListByDriver(ctx context.Context, driverID types.ID) ([]*RideOffer, error)
	ListSearchable(ctx context.Context, f SearchFilter) ([]*RideOffer, error)
	// ListExpiryCandidates returns active offers whose last departure may be
	// before now. The caller makes the exact decision.
	ListExpiryCandidates(ctx context.Context, now civil.DateTime) ([]*RideOffer, error)
	AppendEvent(ctx context.Context, e *Event) error
}

// SearchFilter is the coarse prefilter pushed down to the repository.
type SearchFilter struct {
	MinSeats         int
	Date             civil.Date
	IncludeRecurring bool
}

type Service struct {
	repo       Repository
	events     events.Publisher
	clock      types.WallClock
	logger     *slog.Logger
	tick       time.Duration
	maxRetries uint64
}

type Option func(*Service)

func WithClock(c types.WallClock) Option {
	return func(s *Service) { s.clock = c }
}

func WithExpiryTick(d time.Duration) Option {
	return func(s *Service) { s.tick = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(repo Repository, publisher events.Publisher, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		events:     publisher,
		clock:      types.NewWallClock(time.UTC, time.Now),
		logger:     slog.Default(),
		tick:       time.Minute,
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = events.NopPublisher{}
	}
	return s
}

type CreateCommand struct {
	DriverID       types.ID
	Origin         types.Place
	Destination    types.Place
	DepartureAt    civil.DateTime
	SeatsTotal     int
	FarePerSeat    types.Money
	VehicleType    string
	Notes          string
	RecurringDays  types.WeekdaySet
	RecurringUntil civil.Date
	AllowDetour    bool
	MaxDetourKm    float64
	MaxWaitMin     int
	FlexiblePickup bool
	PickupRadiusKm float64
}

type EditCommand struct {
	OfferID     types.ID
	DriverID    types.ID
	SeatsTotal  *int
	FarePerSeat *types.Money
	VehicleType *string
	Notes       *string
	Detour      *DetourPolicy
	Pickup      *PickupPolicy
}

type CancelCommand struct {
	OfferID  types.ID
	DriverID types.ID
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*RideOffer, error) {
	if err := s.validateCreate(cmd); err != nil {
		return nil, err
	}

	now := s.clock.Instant()
	o := &RideOffer{
		ID:             types.NewID(),
		DriverID:       cmd.DriverID,
		Origin:         cmd.Origin,
		Destination:    cmd.Destination,
		DepartureAt:    cmd.DepartureAt,
		SeatsTotal:     cmd.SeatsTotal,
		SeatsAvailable: cmd.SeatsTotal,
		FarePerSeat:    cmd.FarePerSeat,
		VehicleType:    cmd.VehicleType,
		Notes:          cmd.Notes,
		Recurrence:     Recurrence{Weekly: cmd.RecurringDays, Until: cmd.RecurringUntil},
		Status:         StatusActive,
		Version:        0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if cmd.AllowDetour {
		o.Detour = DetourPolicy{Allowed: true, MaxDistanceKm: cmd.MaxDetourKm, MaxWaitMin: cmd.MaxWaitMin}
	}
	if cmd.FlexiblePickup {
		o.Pickup = PickupPolicy{Flexible: true, RadiusKm: cmd.PickupRadiusKm}
	}
	if err := s.repo.CreateOffer(ctx, o); err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	s.recordTransition(ctx, o, StatusNone, StatusActive, "driver", &o.DriverID)
	s.publish(ctx, events.TypeOfferCreated, o.ID, o)
	s.logger.Info("offer created", "offer_id", o.ID, "driver_id", o.DriverID, "seats", o.SeatsTotal, "recurring", o.IsRecurring())
	return o, nil
}

func (s *Service) validateCreate(cmd CreateCommand) error {
	switch {
	case cmd.DriverID == "":
		return fmt.Errorf("%w: missing driver", ErrBadRequest)
	case cmd.SeatsTotal < 1:
		return fmt.Errorf("%w: seats must be at least 1", ErrBadRequest)
	case cmd.FarePerSeat.IsNegative():
		return fmt.Errorf("%w: fare must not be negative", ErrBadRequest)
	case strings.TrimSpace(cmd.Origin.Address) == "" || strings.TrimSpace(cmd.Destination.Address) == "":
		return fmt.Errorf("%w: origin and destination are required", ErrBadRequest)
	case !geo.ValidPoint(cmd.Origin.Point) || !geo.ValidPoint(cmd.Destination.Point):
		return geo.ErrInvalidCoordinates
	case !cmd.DepartureAt.IsValid():
		return fmt.Errorf("%w: invalid departure time", ErrBadRequest)
	case !cmd.RecurringDays.Valid():
		return fmt.Errorf("%w: invalid recurring days", ErrBadRequest)
	case cmd.AllowDetour && (cmd.MaxDetourKm < 0 || cmd.MaxWaitMin < 0):
		return fmt.Errorf("%w: detour limits must not be negative", ErrBadRequest)
	case cmd.FlexiblePickup && cmd.PickupRadiusKm < 0:
		return fmt.Errorf("%w: pickup radius must not be negative", ErrBadRequest)
	}

	today := s.clock.Now().Date
	if cmd.RecurringDays.Empty() {
		if cmd.RecurringUntil.IsValid() {
			return fmt.Errorf("%w: recurring end date on a one-off offer", ErrBadRequest)
		}
		if cmd.DepartureAt.Date.Before(today) {
			return fmt.Errorf("%w: departure date is in the past", ErrBadRequest)
		}
		return nil
	}
	if cmd.RecurringUntil.IsValid() {
		if cmd.RecurringUntil.Before(cmd.DepartureAt.Date) {
			return fmt.Errorf("%w: recurring end date before first departure", ErrBadRequest)
		}
		if cmd.RecurringUntil.Before(today) {
			return fmt.Errorf("%w: recurring end date is in the past", ErrBadRequest)
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*RideOffer, error) {
	return s.repo.GetOffer(ctx, id)
}

func (s *Service) ListByDriver(ctx context.Context, driverID types.ID) ([]*RideOffer, error) {
	return s.repo.ListByDriver(ctx, driverID)
}

// Edit applies an owner's changes. Capacity may only shrink down to the
// seats already confirmed; seatsAvailable follows the new total.
func (s *Service) Edit(ctx context.Context, cmd EditCommand) (*RideOffer, error) {
	if cmd.SeatsTotal != nil && *cmd.SeatsTotal < 1 {
		return nil, fmt.Errorf("%w: seats must be at least 1", ErrBadRequest)
	}
	if cmd.FarePerSeat != nil && cmd.FarePerSeat.IsNegative() {
		return nil, fmt.Errorf("%w: fare must not be negative", ErrBadRequest)
	}
	if cmd.Detour != nil && cmd.Detour.Allowed && (cmd.Detour.MaxDistanceKm < 0 || cmd.Detour.MaxWaitMin < 0) {
		return nil, fmt.Errorf("%w: detour limits must not be negative", ErrBadRequest)
	}
	if cmd.Pickup != nil && cmd.Pickup.Flexible && cmd.Pickup.RadiusKm < 0 {
		return nil, fmt.Errorf("%w: pickup radius must not be negative", ErrBadRequest)
	}

	var updated *RideOffer
	err := s.withVersionRetry(ctx, func(ctx context.Context) error {
		o, err := s.repo.GetOffer(ctx, cmd.OfferID)
		if err != nil {
			return err
		}
		if o.DriverID != cmd.DriverID {
			return ErrNotOwner
		}
		if err := o.StatusError(); err != nil {
			return err
		}

		next := *o
		if cmd.SeatsTotal != nil {
			confirmed := o.ConfirmedSeats()
			if *cmd.SeatsTotal < confirmed {
				return ErrCapacityBelowDemand
			}
			next.SeatsTotal = *cmd.SeatsTotal
			next.SeatsAvailable = *cmd.SeatsTotal - confirmed
		}
		if cmd.FarePerSeat != nil {
			next.FarePerSeat = *cmd.FarePerSeat
			if next.FarePerSeat.Currency == "" {
				next.FarePerSeat.Currency = o.FarePerSeat.Currency
			}
		}
		if cmd.VehicleType != nil {
			next.VehicleType = *cmd.VehicleType
		}
		if cmd.Notes != nil {
			next.Notes = *cmd.Notes
		}
		if cmd.Detour != nil {
			next.Detour = *cmd.Detour
		}
		if cmd.Pickup != nil {
			next.Pickup = *cmd.Pickup
		}
		next.UpdatedAt = s.clock.Instant()

		ok, err := s.repo.UpdateOffer(ctx, &next)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errVersionConflict)
		}
		next.Version++
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeOfferUpdated, updated.ID, updated)
	return updated, nil
}

// Cancel withdraws an active offer. Confirmed bookings stay as they are for
// refund handling downstream. Cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) error {
	var cancelled *RideOffer
	err := s.withVersionRetry(ctx, func(ctx context.Context) error {
		o, err := s.repo.GetOffer(ctx, cmd.OfferID)
		if err != nil {
			return err
		}
		if o.DriverID != cmd.DriverID {
			return ErrNotOwner
		}
		if o.Status == StatusCancelled {
			return nil
		}
		if !CanTransition(o.Status, StatusCancelled) {
			return o.StatusError()
		}
		now := s.clock.Instant()
		next := *o
		next.Status = StatusCancelled
		next.CancelledAt = &now
		next.UpdatedAt = now
		ok, err := s.repo.UpdateOffer(ctx, &next)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errVersionConflict)
		}
		next.Version++
		cancelled = &next
		return nil
	})
	if err != nil {
		return err
	}
	if cancelled == nil {
		return nil
	}
	s.recordTransition(ctx, cancelled, StatusActive, StatusCancelled, "driver", &cmd.DriverID)
	s.publish(ctx, events.TypeOfferCancelled, cancelled.ID, cancelled)
	s.logger.Info("offer cancelled", "offer_id", cancelled.ID, "confirmed_seats", cancelled.ConfirmedSeats())
	return nil
}

// ExpireDue flips every active offer whose last occurrence has departed to
// expired and returns how many it changed. An offer whose version moved
// under the sweep is left for the next run.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	candidates, err := s.repo.ListExpiryCandidates(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expiry candidates: %w", err)
	}

	expired := 0
	for _, o := range candidates {
		if o.Status != StatusActive {
			continue
		}
		last, ok := o.LastDeparture()
		if !ok || !last.Before(now) {
			continue
		}
		next := *o
		next.Status = StatusExpired
		next.UpdatedAt = s.clock.Instant()
		ok, err := s.repo.UpdateOffer(ctx, &next)
		if err != nil {
			return expired, fmt.Errorf("expire offer %s: %w", o.ID, err)
		}
		if !ok {
			s.logger.Debug("expiry skipped, offer changed concurrently", "offer_id", o.ID)
			continue
		}
		next.Version++
		expired++
		s.recordTransition(ctx, &next, StatusActive, StatusExpired, "system", nil)
		s.publish(ctx, events.TypeOfferExpired, next.ID, &next)
	}
	if expired > 0 {
		observability.OffersExpired.Add(float64(expired))
		s.logger.Info("offers expired", "count", expired)
	}
	return expired, nil
}

func (s *Service) RunExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireDue(ctx); err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

func (s *Service) withVersionRetry(ctx context.Context, fn retry.RetryFunc) error {
	b := retry.WithMaxRetries(s.maxRetries, retry.WithJitterPercent(20, retry.NewExponential(2*time.Millisecond)))
	err := retry.Do(ctx, b, fn)
	if errors.Is(err, errVersionConflict) {
		return ErrConflict
	}
	return err
}

func (s *Service) recordTransition(ctx context.Context, o *RideOffer, from, to Status, actorType string, actorID *types.ID) {
	err := s.repo.AppendEvent(ctx, &Event{
		OfferID:    o.ID,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		CreatedAt:  s.clock.Instant(),
	})
	if err != nil {
		s.logger.Warn("append offer event failed", "offer_id", o.ID, "to", to, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, typ string, id types.ID, payload any) {
	if err := s.events.Publish(ctx, events.New(typ, id, payload)); err != nil {
		observability.EventPublishFailures.WithLabelValues(typ).Inc()
		s.logger.Warn("publish event failed", "type", typ, "aggregate_id", id, "error", err)
	}
}
