// Package geo contains pure geographic and schedule computations used by
// matching and booking. Nothing here holds state.
package geo

import (
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/civil"

	"carpool/internal/types"
)

const earthRadiusKm = 6371.0

var ErrInvalidCoordinates = fmt.Errorf("%w: invalid coordinates", types.ErrValidation)

// ValidPoint reports whether p is a finite lat/lng inside the valid ranges.
func ValidPoint(p types.Point) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// DistanceKm returns the great-circle distance in kilometres between a and b.
func DistanceKm(a, b types.Point) (float64, error) {
	if !ValidPoint(a) || !ValidPoint(b) {
		return 0, ErrInvalidCoordinates
	}
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng), nil
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)
	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// DistanceToRouteKm approximates how far p lies from the straight route
// origin→destination. p is projected onto the segment in a local
// equirectangular plane; projections falling outside the segment clamp to
// the nearer endpoint. The returned fraction is the position of the
// projection along the route (0 at origin, 1 at destination).
func DistanceToRouteKm(origin, destination, p types.Point) (distKm, fraction float64, err error) {
	if !ValidPoint(origin) || !ValidPoint(destination) || !ValidPoint(p) {
		return 0, 0, ErrInvalidCoordinates
	}
	refLat := degreesToRadians((origin.Lat + destination.Lat + p.Lat) / 3)
	project := func(q types.Point) (x, y float64) {
		return degreesToRadians(q.Lng) * math.Cos(refLat), degreesToRadians(q.Lat)
	}
	ox, oy := project(origin)
	dx, dy := project(destination)
	px, py := project(p)

	vx, vy := dx-ox, dy-oy
	lenSq := vx*vx + vy*vy
	t := 0.0
	if lenSq > 0 {
		t = ((px-ox)*vx + (py-oy)*vy) / lenSq
	}
	t = math.Max(0, math.Min(1, t))

	closest := types.Point{
		Lat: origin.Lat + t*(destination.Lat-origin.Lat),
		Lng: origin.Lng + t*(destination.Lng-origin.Lng),
	}
	return haversineKm(p.Lat, p.Lng, closest.Lat, closest.Lng), t, nil
}

// MatchesRecurrence reports whether an offer departing at departure with the
// weekly day set days has an occurrence on target. No timezone conversion is
// done; all values are the offer's own local wall-clock.
func MatchesRecurrence(departure civil.DateTime, days types.WeekdaySet, target civil.Date) bool {
	if !days.Empty() {
		return days.Has(weekday(target))
	}
	return departure.Date == target
}

// WithinTimeWindow reports whether requested is within flexibilityMin minutes
// of scheduled.
func WithinTimeWindow(requested, scheduled civil.DateTime, flexibilityMin int) bool {
	if flexibilityMin < 0 {
		return false
	}
	return math.Abs(MinutesBetween(requested, scheduled)) <= float64(flexibilityMin)
}

// MinutesBetween returns b−a in minutes, treating both as wall-clock times.
func MinutesBetween(a, b civil.DateTime) float64 {
	return b.In(time.UTC).Sub(a.In(time.UTC)).Minutes()
}

// Occurrence returns the departure of the offer's occurrence on date: the
// date varies, the time-of-day is the offer's own.
func Occurrence(departure civil.DateTime, date civil.Date) civil.DateTime {
	return civil.DateTime{Date: date, Time: departure.Time}
}

// NextOccurrence returns the first occurrence of a weekly schedule departing
// at or after now. The schedule starts on departure's date and is bounded by
// until when that is valid. ok is false when no occurrence remains.
func NextOccurrence(departure civil.DateTime, days types.WeekdaySet, until civil.Date, now civil.DateTime) (civil.DateTime, bool) {
	if days.Empty() {
		if departure.Before(now) {
			return civil.DateTime{}, false
		}
		return departure, true
	}
	d := now.Date
	if d.Before(departure.Date) {
		d = departure.Date
	}
	for i := 0; i < 8; i++ {
		if until.IsValid() && d.After(until) {
			return civil.DateTime{}, false
		}
		if days.Has(weekday(d)) {
			occ := Occurrence(departure, d)
			if !occ.Before(now) {
				return occ, true
			}
		}
		d = d.AddDays(1)
	}
	return civil.DateTime{}, false
}

// ErrNoOccurrence is returned by LastOccurrence for an empty recurrence window.
var ErrNoOccurrence = errors.New("no occurrence in range")

// LastOccurrence returns the final occurrence on or before until of a weekly
// schedule that starts on departure's date.
func LastOccurrence(departure civil.DateTime, days types.WeekdaySet, until civil.Date) (civil.DateTime, error) {
	if days.Empty() {
		return departure, nil
	}
	d := until
	for i := 0; i < 7; i++ {
		if d.Before(departure.Date) {
			break
		}
		if days.Has(weekday(d)) {
			return Occurrence(departure, d), nil
		}
		d = d.AddDays(-1)
	}
	return civil.DateTime{}, ErrNoOccurrence
}

func weekday(d civil.Date) time.Weekday {
	return d.In(time.UTC).Weekday()
}
