package booking_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carpool/internal/events"
	"carpool/internal/logging"
	"carpool/internal/modules/booking"
	"carpool/internal/modules/offer"
	"carpool/internal/storage/memory"
	"carpool/internal/types"
)

type fixture struct {
	offers   *offer.Service
	bookings *booking.Coordinator
	store    *memory.Store
	rec      *events.Recorder
	now      time.Time
}

// newFixture starts the clock at Monday 2025-04-14 08:00.
func newFixture(t *testing.T, opts ...booking.Option) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewStore(),
		rec:   &events.Recorder{},
		now:   time.Date(2025, 4, 14, 8, 0, 0, 0, time.UTC),
	}
	clock := types.NewWallClock(time.UTC, func() time.Time { return f.now })
	logger := logging.Discard()
	f.offers = offer.NewService(f.store, f.rec, offer.WithClock(clock), offer.WithLogger(logger))
	opts = append([]booking.Option{booking.WithClock(clock), booking.WithLogger(logger)}, opts...)
	f.bookings = booking.NewCoordinator(f.store, f.store, f.rec, opts...)
	return f
}

func (f *fixture) offer(t *testing.T, seats int, mutate ...func(*offer.CreateCommand)) *offer.RideOffer {
	t.Helper()
	cmd := offer.CreateCommand{
		DriverID:    "driver-1",
		Origin:      types.Place{Address: "Taipei Main Station", Point: types.Point{Lat: 25.0478, Lng: 121.5170}},
		Destination: types.Place{Address: "Banqiao Station", Point: types.Point{Lat: 25.0143, Lng: 121.4637}},
		DepartureAt: civil.DateTime{Date: civil.Date{Year: 2025, Month: 4, Day: 14}, Time: civil.Time{Hour: 17, Minute: 30}},
		SeatsTotal:  seats,
		FarePerSeat: types.Money{Amount: 15000, Currency: "TWD"},
	}
	for _, m := range mutate {
		m(&cmd)
	}
	o, err := f.offers.Create(context.Background(), cmd)
	require.NoError(t, err)
	return o
}

func (f *fixture) seatsAvailable(t *testing.T, id types.ID) int {
	t.Helper()
	o, err := f.offers.Get(context.Background(), id)
	require.NoError(t, err)
	return o.SeatsAvailable
}

// confirmedSeats sums confirmed bookings straight from the store.
func (f *fixture) confirmedSeats(t *testing.T, id types.ID) int {
	t.Helper()
	bs, err := f.bookings.ListByOffer(context.Background(), id)
	require.NoError(t, err)
	n := 0
	for _, b := range bs {
		if b.IsConfirmed() {
			n += b.SeatsBooked
		}
	}
	return n
}

func TestJoin_FareAndSeats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.offer(t, 3)

	b, err := f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: "rider-1", Seats: 2})
	require.NoError(t, err)
	assert.Equal(t, types.Money{Amount: 30000, Currency: "TWD"}, b.Fare)
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	assert.Equal(t, o.Origin, b.Pickup)
	assert.Equal(t, o.DepartureAt, b.DepartureAt)
	assert.Equal(t, 1, f.seatsAvailable(t, o.ID))

	_, err = f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: "rider-2", Seats: 2})
	assert.ErrorIs(t, err, booking.ErrInsufficientSeats)
	assert.Equal(t, 1, f.seatsAvailable(t, o.ID))

	assert.Contains(t, f.rec.Types(), events.TypeBookingConfirmed)
}

func TestJoin_Rejects(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid seats", func(t *testing.T) {
		f := newFixture(t)
		o := f.offer(t, 3)
		_, err := f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: "rider-1", Seats: 0})
		assert.ErrorIs(t, err, types.ErrValidation)
	})
	t.Run("unknown offer", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.bookings.Join(ctx, booking.JoinCommand{OfferID: types.NewID(), RiderID: "rider-1", Seats: 1})
		assert.ErrorIs(t, err, offer.ErrNotFound)
	})
	t.Run("own offer", func(t *testing.T) {
		f := newFixture(t)
		o := f.offer(t, 3)
		_, err := f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: o.DriverID, Seats: 1})
		assert.ErrorIs(t, err, booking.ErrOwnOffer)
	})
	t.Run("cancelled offer", func(t *testing.T) {
		f := newFixture(t)
		o := f.offer(t, 3)
		require.NoError(t, f.offers.Cancel(ctx, offer.CancelCommand{OfferID: o.ID, DriverID: o.DriverID}))
		_, err := f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: "rider-1", Seats: 1})
		assert.ErrorIs(t, err, offer.ErrRideCancelled)
	})
	t.Run("expired offer", func(t *testing.T) {
		f := newFixture(t)
		o := f.offer(t, 3)
		f.now = time.Date(2025, 4, 14, 18, 0, 0, 0, time.UTC)
		_, err := f.offers.ExpireDue(ctx)
		require.NoError(t, err)
		_, err = f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: "rider-1", Seats: 1})
		assert.ErrorIs(t, err, offer.ErrRideExpired)
	})
	t.Run("departed before the sweep ran", func(t *testing.T) {
		f := newFixture(t)
		o := f.offer(t, 3)
		f.now = time.Date(2025, 4, 14, 17, 31, 0, 0, time.UTC)
		_, err := f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: "rider-1", Seats: 1})
		assert.ErrorIs(t, err, booking.ErrRideAlreadyDeparted)
		assert.Equal(t, 3, f.seatsAvailable(t, o.ID))
	})
	t.Run("bad pickup coordinates", func(t *testing.T) {
		f := newFixture(t)
		o := f.offer(t, 3)
		_, err := f.bookings.Join(ctx, booking.JoinCommand{
			OfferID: o.ID, RiderID: "rider-1", Seats: 1,
			Pickup: &types.Place{Address: "x", Point: types.Point{Lat: 0, Lng: 200}},
		})
		assert.ErrorIs(t, err, types.ErrValidation)
	})
}

func TestJoin_RecurringOccurrence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.offer(t, 3, func(c *offer.CreateCommand) {
		c.RecurringDays = types.NewWeekdaySet(time.Monday, time.Wednesday, time.Friday)
	})

	wed := civil.Date{Year: 2025, Month: 4, Day: 16}
	b, err := f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: "rider-1", Seats: 1, OccurrenceDate: wed})
	require.NoError(t, err)
	assert.Equal(t, wed, b.OccurrenceDate)
	assert.Equal(t, civil.DateTime{Date: wed, Time: civil.Time{Hour: 17, Minute: 30}}, b.DepartureAt)

	_, err = f.bookings.Join(ctx, booking.JoinCommand{
		OfferID: o.ID, RiderID: "rider-2", Seats: 1,
		OccurrenceDate: civil.Date{Year: 2025, Month: 4, Day: 15},
	})
	assert.ErrorIs(t, err, booking.ErrNotAnOccurrence)

	// no date: today's run has gone, so the next one is Wednesday
	f.now = time.Date(2025, 4, 14, 18, 0, 0, 0, time.UTC)
	b, err = f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: "rider-3", Seats: 1})
	require.NoError(t, err)
	assert.Equal(t, wed, b.OccurrenceDate)
}

// Two riders race for 2 seats each on a 3-seat ride. Exactly one wins.
func TestJoin_ConcurrentNeverOversells(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.offer(t, 3)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(rider types.ID) {
			defer wg.Done()
			<-start
			_, err := f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: rider, Seats: 2})
			errs <- err
		}(types.ID(fmt.Sprintf("rider-%d", i)))
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		require.ErrorIs(t, err, booking.ErrInsufficientSeats)
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, 1, f.seatsAvailable(t, o.ID))
	assert.Equal(t, 2, f.confirmedSeats(t, o.ID))
}

func TestJoin_ManyRidersSeatInvariant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, booking.WithRetry(10, time.Millisecond))
	const seats, riders = 5, 40
	o := f.offer(t, seats)

	var wg sync.WaitGroup
	start := make(chan struct{})
	var mu sync.Mutex
	confirmed := 0
	for i := 0; i < riders; i++ {
		wg.Add(1)
		go func(rider types.ID) {
			defer wg.Done()
			<-start
			_, err := f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: rider, Seats: 1})
			if err == nil {
				mu.Lock()
				confirmed++
				mu.Unlock()
				return
			}
			if !errors.Is(err, booking.ErrInsufficientSeats) && !errors.Is(err, booking.ErrConcurrentUpdate) {
				t.Errorf("unexpected error: %v", err)
			}
		}(types.ID(fmt.Sprintf("rider-%02d", i)))
	}
	close(start)
	wg.Wait()

	available := f.seatsAvailable(t, o.ID)
	assert.LessOrEqual(t, confirmed, seats)
	assert.GreaterOrEqual(t, available, 0)
	assert.Equal(t, seats, available+f.confirmedSeats(t, o.ID))
	assert.Equal(t, confirmed, f.confirmedSeats(t, o.ID))
}

func TestJoin_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.offer(t, 3)
	cmd := booking.JoinCommand{OfferID: o.ID, RiderID: "rider-1", Seats: 1, IdempotencyKey: "req-1"}

	first, err := f.bookings.Join(ctx, cmd)
	require.NoError(t, err)
	second, err := f.bookings.Join(ctx, cmd)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, f.seatsAvailable(t, o.ID))
	confirmedEvents := 0
	for _, typ := range f.rec.Types() {
		if typ == events.TypeBookingConfirmed {
			confirmedEvents++
		}
	}
	assert.Equal(t, 1, confirmedEvents)

	// the same key from another rider is a different request
	other := cmd
	other.RiderID = "rider-2"
	third, err := f.bookings.Join(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)

	// reusing the key on a different offer must not hand back the first booking
	elsewhere := f.offer(t, 3)
	reused := cmd
	reused.OfferID = elsewhere.ID
	_, err = f.bookings.Join(ctx, reused)
	assert.ErrorIs(t, err, booking.ErrIdempotencyKeyReused)
	assert.Equal(t, 3, f.seatsAvailable(t, elsewhere.ID))
}

func TestJoin_PickupArea(t *testing.T) {
	ctx := context.Background()
	place := func(lat, lng float64) *types.Place {
		return &types.Place{Address: "rider point", Point: types.Point{Lat: lat, Lng: lng}}
	}
	banqiao := place(25.0143, 121.4637)

	cases := []struct {
		name    string
		mutate  func(*offer.CreateCommand)
		pickup  *types.Place
		dropoff *types.Place
		wantErr error
	}{
		{"fixed pickup, 300 km away", nil, place(22.6273, 120.3014), nil, booking.ErrOutsidePickupArea},
		{"fixed pickup, within tolerance", nil, place(25.0496, 121.5170), nil, nil},
		{"fixed pickup, just outside tolerance", nil, place(25.0514, 121.5170), nil, booking.ErrOutsidePickupArea},
		{"dropoff far from destination", nil, nil, place(25.1000, 121.4637), booking.ErrOutsidePickupArea},
		{"flexible pickup inside radius", func(c *offer.CreateCommand) {
			c.FlexiblePickup = true
			c.PickupRadiusKm = 1
		}, place(25.0559, 121.5170), nil, nil},
		{"flexible pickup outside radius", func(c *offer.CreateCommand) {
			c.FlexiblePickup = true
			c.PickupRadiusKm = 0.5
		}, place(25.0559, 121.5170), nil, booking.ErrOutsidePickupArea},
		{"along the route of a detour offer", func(c *offer.CreateCommand) {
			c.AllowDetour = true
			c.MaxDetourKm = 1
		}, place(25.03105, 121.49035), banqiao, nil},
		{"detour offer, dropoff before pickup", func(c *offer.CreateCommand) {
			c.AllowDetour = true
			c.MaxDetourKm = 1
		}, banqiao, place(25.03105, 121.49035), booking.ErrOutsidePickupArea},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			var mutate []func(*offer.CreateCommand)
			if tc.mutate != nil {
				mutate = append(mutate, tc.mutate)
			}
			o := f.offer(t, 3, mutate...)

			b, err := f.bookings.Join(ctx, booking.JoinCommand{
				OfferID: o.ID, RiderID: "rider-1", Seats: 1, Pickup: tc.pickup, Dropoff: tc.dropoff,
			})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.ErrorIs(t, err, types.ErrValidation)
				assert.Equal(t, 3, f.seatsAvailable(t, o.ID))
				return
			}
			require.NoError(t, err)
			if tc.pickup != nil {
				assert.Equal(t, *tc.pickup, b.Pickup)
			}
		})
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.offer(t, 3)
	b, err := f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: "rider-1", Seats: 2})
	require.NoError(t, err)

	_, err = f.bookings.Cancel(ctx, booking.CancelCommand{BookingID: b.ID, ActorID: "stranger"})
	assert.ErrorIs(t, err, booking.ErrNotParticipant)

	cancelled, err := f.bookings.Cancel(ctx, booking.CancelCommand{BookingID: b.ID, ActorID: "rider-1"})
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, 3, f.seatsAvailable(t, o.ID))

	// a second cancel changes nothing
	again, err := f.bookings.Cancel(ctx, booking.CancelCommand{BookingID: b.ID, ActorID: o.DriverID})
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, again.Status)
	assert.Equal(t, 3, f.seatsAvailable(t, o.ID))

	_, err = f.bookings.Cancel(ctx, booking.CancelCommand{BookingID: types.NewID()})
	assert.ErrorIs(t, err, booking.ErrBookingNotFound)
}

func TestCancel_ConcurrentCreditsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.offer(t, 3)
	b, err := f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: "rider-1", Seats: 2})
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.bookings.Cancel(ctx, booking.CancelCommand{BookingID: b.ID, ActorID: "rider-1"})
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 3, f.seatsAvailable(t, o.ID))
}

func TestCancel_AfterOfferCancelledStillCredits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.offer(t, 3)
	b, err := f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: "rider-1", Seats: 1})
	require.NoError(t, err)
	require.NoError(t, f.offers.Cancel(ctx, offer.CancelCommand{OfferID: o.ID, DriverID: o.DriverID}))

	_, err = f.bookings.Cancel(ctx, booking.CancelCommand{BookingID: b.ID, ActorID: "rider-1"})
	require.NoError(t, err)

	got, err := f.offers.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, offer.StatusCancelled, got.Status)
	assert.Equal(t, 3, got.SeatsAvailable)
}

func TestFareFrozenAtBooking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.offer(t, 3)
	b, err := f.bookings.Join(ctx, booking.JoinCommand{OfferID: o.ID, RiderID: "rider-1", Seats: 1})
	require.NoError(t, err)

	fare := types.Money{Amount: 20000, Currency: "TWD"}
	_, err = f.offers.Edit(ctx, offer.EditCommand{OfferID: o.ID, DriverID: o.DriverID, FarePerSeat: &fare})
	require.NoError(t, err)

	got, err := f.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), got.Fare.Amount)
}
