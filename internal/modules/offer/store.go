// README: Ride offer store backed by PostgreSQL.
package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carpool/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Columns is the select list every offer query uses; ScanOffer reads it.
const Columns = `id, driver_id,
	origin_address, origin_lat, origin_lng,
	destination_address, destination_lat, destination_lng,
	departure_at, recurring_days, recurring_until,
	seats_total, seats_available, fare_amount, fare_currency,
	vehicle_type, notes,
	allow_detour, max_detour_km, max_wait_min,
	flexible_pickup, pickup_radius_km,
	status, version, created_at, updated_at, cancelled_at`

func (s *Store) CreateOffer(ctx context.Context, o *RideOffer) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_offers (`+Columns+`) VALUES (
			$1, $2,
			$3, $4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15,
			$16, $17,
			$18, $19, $20,
			$21, $22,
			$23, $24, $25, $26, $27
		)`,
		string(o.ID), string(o.DriverID),
		o.Origin.Address, o.Origin.Lat, o.Origin.Lng,
		o.Destination.Address, o.Destination.Lat, o.Destination.Lng,
		o.DepartureAt.In(time.UTC), int16(o.Recurrence.Weekly), dateOrNil(o.Recurrence.Until),
		o.SeatsTotal, o.SeatsAvailable, o.FarePerSeat.Amount, o.FarePerSeat.Currency,
		o.VehicleType, o.Notes,
		o.Detour.Allowed, o.Detour.MaxDistanceKm, o.Detour.MaxWaitMin,
		o.Pickup.Flexible, o.Pickup.RadiusKm,
		string(o.Status), o.Version, o.CreatedAt, o.UpdatedAt, o.CancelledAt,
	)
	return err
}

func (s *Store) GetOffer(ctx context.Context, id types.ID) (*RideOffer, error) {
	o, err := ScanOffer(s.db.QueryRow(ctx, `SELECT `+Columns+` FROM ride_offers WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// UpdateOffer rewrites the mutable columns of o, conditioned on the stored
// version still being o.Version.
func (s *Store) UpdateOffer(ctx context.Context, o *RideOffer) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE ride_offers
		SET seats_total = $1,
			seats_available = $2,
			fare_amount = $3,
			fare_currency = $4,
			vehicle_type = $5,
			notes = $6,
			allow_detour = $7,
			max_detour_km = $8,
			max_wait_min = $9,
			flexible_pickup = $10,
			pickup_radius_km = $11,
			status = $12,
			updated_at = $13,
			cancelled_at = $14,
			version = version + 1
		WHERE id = $15 AND version = $16`,
		o.SeatsTotal, o.SeatsAvailable, o.FarePerSeat.Amount, o.FarePerSeat.Currency,
		o.VehicleType, o.Notes,
		o.Detour.Allowed, o.Detour.MaxDistanceKm, o.Detour.MaxWaitMin,
		o.Pickup.Flexible, o.Pickup.RadiusKm,
		string(o.Status), o.UpdatedAt, o.CancelledAt,
		string(o.ID), o.Version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListByDriver(ctx context.Context, driverID types.ID) ([]*RideOffer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+Columns+` FROM ride_offers
		WHERE driver_id = $1
		ORDER BY departure_at DESC, id`, string(driverID))
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

// ListSearchable narrows by status, seats and date. Recurring offers are
// returned for any date on or after their first departure and before their
// end; the weekday test happens in Go.
func (s *Store) ListSearchable(ctx context.Context, f SearchFilter) ([]*RideOffer, error) {
	day := f.Date.In(time.UTC)
	rows, err := s.db.Query(ctx, `
		SELECT `+Columns+` FROM ride_offers
		WHERE status = 'active'
		  AND seats_available >= $1
		  AND (
			(recurring_days = 0 AND departure_at >= $2 AND departure_at < $2 + INTERVAL '1 day')
			OR ($3 AND recurring_days <> 0
				AND departure_at::date <= $2::date
				AND (recurring_until IS NULL OR recurring_until >= $2::date))
		  )
		ORDER BY created_at, id`,
		f.MinSeats, day, f.IncludeRecurring,
	)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (s *Store) ListExpiryCandidates(ctx context.Context, now civil.DateTime) ([]*RideOffer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+Columns+` FROM ride_offers
		WHERE status = 'active'
		  AND (
			(recurring_days = 0 AND departure_at < $1)
			OR (recurring_days <> 0 AND recurring_until IS NOT NULL AND recurring_until <= $1::date)
		  )
		ORDER BY departure_at, id`,
		now.In(time.UTC),
	)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO offer_state_events (
			offer_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.OfferID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

// ScanOffer reads one row selected with Columns. The booking store shares it
// for the FOR UPDATE read inside its transactions.
func ScanOffer(row pgx.Row) (*RideOffer, error) {
	var (
		o         RideOffer
		departure time.Time
		days      int16
		until     *time.Time
		status    string
	)
	err := row.Scan(
		&o.ID, &o.DriverID,
		&o.Origin.Address, &o.Origin.Lat, &o.Origin.Lng,
		&o.Destination.Address, &o.Destination.Lat, &o.Destination.Lng,
		&departure, &days, &until,
		&o.SeatsTotal, &o.SeatsAvailable, &o.FarePerSeat.Amount, &o.FarePerSeat.Currency,
		&o.VehicleType, &o.Notes,
		&o.Detour.Allowed, &o.Detour.MaxDistanceKm, &o.Detour.MaxWaitMin,
		&o.Pickup.Flexible, &o.Pickup.RadiusKm,
		&status, &o.Version, &o.CreatedAt, &o.UpdatedAt, &o.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	o.DepartureAt = civil.DateTimeOf(departure)
	o.Recurrence.Weekly = types.WeekdaySet(days)
	if until != nil {
		o.Recurrence.Until = civil.DateOf(*until)
	}
	o.Status = Status(status)
	return &o, nil
}

func collectOffers(rows pgx.Rows) ([]*RideOffer, error) {
	defer rows.Close()
	var out []*RideOffer
	for rows.Next() {
		o, err := ScanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func dateOrNil(d civil.Date) *time.Time {
	if !d.IsValid() {
		return nil
	}
	t := d.In(time.UTC)
	return &t
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
