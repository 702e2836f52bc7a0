// README: Booking store backed by PostgreSQL; seat moves and booking rows commit in one transaction.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"carpool/internal/modules/offer"
	"carpool/internal/types"
)

const uniqueViolation = "23505"

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const bookingColumns = `id, ride_offer_id, rider_id, seats_booked,
	pickup_address, pickup_lat, pickup_lng,
	dropoff_address, dropoff_lat, dropoff_lng,
	fare_amount, fare_currency, occurrence_date, departure_at,
	status, idempotency_key, created_at, cancelled_at`

func (s *Store) GetBooking(ctx context.Context, id types.ID) (*Booking, error) {
	b, err := scanBooking(s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, riderID types.ID, key string) (*Booking, error) {
	b, err := scanBooking(s.db.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE rider_id = $1 AND idempotency_key = $2`, string(riderID), key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

func (s *Store) ListByOffer(ctx context.Context, offerID types.ID) ([]*Booking, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE ride_offer_id = $1
		ORDER BY created_at, id`, string(offerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CommitJoin decrements seats only if the row still carries the version the
// caller validated against. The seats predicate is redundant with the
// version check but keeps the CHECK constraint from ever being the thing
// that fails.
func (s *Store) CommitJoin(ctx context.Context, o *offer.RideOffer, b *Booking) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE ride_offers
		SET seats_available = seats_available - $1,
			version = version + 1,
			updated_at = $2
		WHERE id = $3
		  AND version = $4
		  AND status = 'active'
		  AND seats_available >= $1`,
		b.SeatsBooked, b.CreatedAt, string(o.ID), o.Version,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18
		)`,
		string(b.ID), string(b.RideOfferID), string(b.RiderID), b.SeatsBooked,
		b.Pickup.Address, b.Pickup.Lat, b.Pickup.Lng,
		b.Dropoff.Address, b.Dropoff.Lat, b.Dropoff.Lng,
		b.Fare.Amount, b.Fare.Currency, b.OccurrenceDate.In(time.UTC), b.DepartureAt.In(time.UTC),
		string(b.Status), keyOrNil(b.IdempotencyKey), b.CreatedAt, b.CancelledAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return false, ErrDuplicateIdempotency
	}
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	o.SeatsAvailable -= b.SeatsBooked
	o.Version++
	return true, nil
}

// CommitCancel flips the booking first; only the transaction that wins that
// conditional update credits the seats.
func (s *Store) CommitCancel(ctx context.Context, id types.ID, at time.Time) (*Booking, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	b, err := scanBooking(tx.QueryRow(ctx, `
		UPDATE bookings
		SET status = 'cancelled', cancelled_at = $1
		WHERE id = $2 AND status = 'confirmed'
		RETURNING `+bookingColumns, at, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		current, gerr := scanBooking(tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, string(id)))
		if errors.Is(gerr, pgx.ErrNoRows) {
			return nil, false, ErrBookingNotFound
		}
		return current, false, gerr
	}
	if err != nil {
		return nil, false, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE ride_offers
		SET seats_available = seats_available + $1,
			version = version + 1,
			updated_at = $2
		WHERE id = $3`,
		b.SeatsBooked, at, string(b.RideOfferID),
	)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() != 1 {
		return nil, false, fmt.Errorf("credit seats: offer %s missing", b.RideOfferID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var (
		b          Booking
		occurrence time.Time
		departure  time.Time
		status     string
		key        *string
	)
	err := row.Scan(
		&b.ID, &b.RideOfferID, &b.RiderID, &b.SeatsBooked,
		&b.Pickup.Address, &b.Pickup.Lat, &b.Pickup.Lng,
		&b.Dropoff.Address, &b.Dropoff.Lat, &b.Dropoff.Lng,
		&b.Fare.Amount, &b.Fare.Currency, &occurrence, &departure,
		&status, &key, &b.CreatedAt, &b.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	b.OccurrenceDate = civil.DateOf(occurrence)
	b.DepartureAt = civil.DateTimeOf(departure)
	b.Status = Status(status)
	if key != nil {
		b.IdempotencyKey = *key
	}
	return &b, nil
}

func keyOrNil(k string) *string {
	if k == "" {
		return nil
	}
	return &k
}
