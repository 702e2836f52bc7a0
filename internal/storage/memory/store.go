// README: In-memory offer and booking repositories used when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"

	"carpool/internal/modules/booking"
	"carpool/internal/modules/offer"
	"carpool/internal/types"
)

// Store keeps every offer and booking in its own row with its own lock. The
// index lock only guards the maps and is never held while waiting on a row,
// so joins on different offers do not contend.
type Store struct {
	mu       sync.RWMutex
	offers   map[types.ID]*offerRow
	bookings map[types.ID]*bookingRow
	keys     map[string]types.ID

	eventsMu sync.Mutex
	events   []offer.Event
}

type offerRow struct {
	mu sync.Mutex
	o  offer.RideOffer
}

type bookingRow struct {
	mu sync.Mutex
	b  booking.Booking
}

func NewStore() *Store {
	return &Store{
		offers:   make(map[types.ID]*offerRow),
		bookings: make(map[types.ID]*bookingRow),
		keys:     make(map[string]types.ID),
	}
}

var (
	_ offer.Repository   = (*Store)(nil)
	_ booking.Repository = (*Store)(nil)
)

func (s *Store) offerRow(id types.ID) *offerRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offers[id]
}

func (s *Store) bookingRow(id types.ID) *bookingRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bookings[id]
}

func (s *Store) CreateOffer(_ context.Context, o *offer.RideOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[o.ID] = &offerRow{o: *o}
	return nil
}

func (s *Store) GetOffer(_ context.Context, id types.ID) (*offer.RideOffer, error) {
	row := s.offerRow(id)
	if row == nil {
		return nil, offer.ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	o := row.o
	return &o, nil
}

func (s *Store) UpdateOffer(_ context.Context, o *offer.RideOffer) (bool, error) {
	row := s.offerRow(o.ID)
	if row == nil {
		return false, offer.ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if row.o.Version != o.Version {
		return false, nil
	}
	next := *o
	next.Version++
	row.o = next
	return true, nil
}

func (s *Store) ListByDriver(_ context.Context, driverID types.ID) ([]*offer.RideOffer, error) {
	out := s.scanOffers(func(o *offer.RideOffer) bool { return o.DriverID == driverID })
	sort.Slice(out, func(i, j int) bool {
		if out[i].DepartureAt != out[j].DepartureAt {
			return out[j].DepartureAt.Before(out[i].DepartureAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListSearchable(_ context.Context, f offer.SearchFilter) ([]*offer.RideOffer, error) {
	out := s.scanOffers(func(o *offer.RideOffer) bool {
		if o.Status != offer.StatusActive || o.SeatsAvailable < f.MinSeats {
			return false
		}
		if o.IsRecurring() && !f.IncludeRecurring {
			return false
		}
		return o.OccursOn(f.Date)
	})
	sortByCreated(out)
	return out, nil
}

func (s *Store) ListExpiryCandidates(_ context.Context, now civil.DateTime) ([]*offer.RideOffer, error) {
	out := s.scanOffers(func(o *offer.RideOffer) bool {
		if o.Status != offer.StatusActive {
			return false
		}
		if !o.IsRecurring() {
			return o.DepartureAt.Before(now)
		}
		return o.Recurrence.Until.IsValid() && !o.Recurrence.Until.After(now.Date)
	})
	sortByCreated(out)
	return out, nil
}

func (s *Store) AppendEvent(_ context.Context, e *offer.Event) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	e.ID = int64(len(s.events) + 1)
	s.events = append(s.events, *e)
	return nil
}

// OfferEvents returns the recorded lifecycle transitions of one offer.
func (s *Store) OfferEvents(offerID types.ID) []offer.Event {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	var out []offer.Event
	for _, e := range s.events {
		if e.OfferID == offerID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) GetBooking(_ context.Context, id types.ID) (*booking.Booking, error) {
	row := s.bookingRow(id)
	if row == nil {
		return nil, booking.ErrBookingNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	b := row.b
	return &b, nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, riderID types.ID, key string) (*booking.Booking, error) {
	s.mu.RLock()
	id, ok := s.keys[idempotencyIndex(riderID, key)]
	s.mu.RUnlock()
	if !ok {
		return nil, booking.ErrBookingNotFound
	}
	return s.GetBooking(ctx, id)
}

func (s *Store) ListByOffer(_ context.Context, offerID types.ID) ([]*booking.Booking, error) {
	s.mu.RLock()
	rows := make([]*bookingRow, 0, len(s.bookings))
	for _, r := range s.bookings {
		rows = append(rows, r)
	}
	s.mu.RUnlock()

	var out []*booking.Booking
	for _, r := range rows {
		r.mu.Lock()
		if r.b.RideOfferID == offerID {
			b := r.b
			out = append(out, &b)
		}
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CommitJoin holds the offer row for the whole check-and-decrement, which is
// what a conditional UPDATE gives the Postgres store.
func (s *Store) CommitJoin(_ context.Context, o *offer.RideOffer, b *booking.Booking) (bool, error) {
	row := s.offerRow(o.ID)
	if row == nil {
		return false, offer.ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()

	cur := &row.o
	if cur.Version != o.Version || cur.Status != offer.StatusActive || cur.SeatsAvailable < b.SeatsBooked {
		return false, nil
	}

	s.mu.Lock()
	if b.IdempotencyKey != "" {
		k := idempotencyIndex(b.RiderID, b.IdempotencyKey)
		if _, dup := s.keys[k]; dup {
			s.mu.Unlock()
			return false, booking.ErrDuplicateIdempotency
		}
		s.keys[k] = b.ID
	}
	s.bookings[b.ID] = &bookingRow{b: *b}
	s.mu.Unlock()

	cur.SeatsAvailable -= b.SeatsBooked
	cur.Version++
	cur.UpdatedAt = b.CreatedAt
	o.SeatsAvailable = cur.SeatsAvailable
	o.Version = cur.Version
	return true, nil
}

func (s *Store) CommitCancel(_ context.Context, id types.ID, at time.Time) (*booking.Booking, bool, error) {
	br := s.bookingRow(id)
	if br == nil {
		return nil, false, booking.ErrBookingNotFound
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.b.Status != booking.StatusConfirmed {
		b := br.b
		return &b, false, nil
	}

	orow := s.offerRow(br.b.RideOfferID)
	if orow == nil {
		return nil, false, offer.ErrNotFound
	}
	orow.mu.Lock()
	orow.o.SeatsAvailable += br.b.SeatsBooked
	orow.o.Version++
	orow.o.UpdatedAt = at
	orow.mu.Unlock()

	br.b.Status = booking.StatusCancelled
	br.b.CancelledAt = &at
	b := br.b
	return &b, true, nil
}

func (s *Store) scanOffers(keep func(*offer.RideOffer) bool) []*offer.RideOffer {
	s.mu.RLock()
	rows := make([]*offerRow, 0, len(s.offers))
	for _, r := range s.offers {
		rows = append(rows, r)
	}
	s.mu.RUnlock()

	var out []*offer.RideOffer
	for _, r := range rows {
		r.mu.Lock()
		o := r.o
		r.mu.Unlock()
		if keep(&o) {
			out = append(out, &o)
		}
	}
	return out
}

func sortByCreated(out []*offer.RideOffer) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

func idempotencyIndex(riderID types.ID, key string) string {
	return string(riderID) + "\x00" + key
}
