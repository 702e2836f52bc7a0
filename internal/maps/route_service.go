package maps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"googlemaps.github.io/maps"

	"carpool/internal/modules/matching"
	"carpool/internal/types"
)

// RouteService asks Google Maps Directions for the road detour of picking a
// rider up on the way. Results are cached in Redis when a client is given.
type RouteService struct {
	client *maps.Client
	cache  *redis.Client
	ttl    time.Duration
}

var _ matching.RouteProvider = (*RouteService)(nil)

func NewRouteService(apiKey string, cache *redis.Client, ttl time.Duration) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client, cache: cache, ttl: ttl}, nil
}

func (s *RouteService) Detour(ctx context.Context, origin, destination, pickup, dropoff types.Point) (matching.Detour, error) {
	key := detourKey(origin, destination, pickup, dropoff)
	if d, ok := s.cached(ctx, key); ok {
		return d, nil
	}

	directM, directDur, err := s.route(ctx, origin, destination)
	if err != nil {
		return matching.Detour{}, err
	}
	viaM, viaDur, err := s.route(ctx, origin, destination, pickup, dropoff)
	if err != nil {
		return matching.Detour{}, err
	}

	d := matching.Detour{
		ExtraKm:  float64(max(viaM-directM, 0)) / 1000,
		ExtraMin: max(viaDur-directDur, 0).Minutes(),
	}
	s.store(ctx, key, d)
	return d, nil
}

// route returns total metres and duration of the driving route through the
// given waypoints.
func (s *RouteService) route(ctx context.Context, origin, destination types.Point, waypoints ...types.Point) (int, time.Duration, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(destination),
		Mode:        maps.TravelModeDriving,
	}
	for _, w := range waypoints {
		r.Waypoints = append(r.Waypoints, latLng(w))
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return 0, 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, 0, errors.New("no route found")
	}

	meters := 0
	var dur time.Duration
	for _, leg := range routes[0].Legs {
		meters += leg.Distance.Meters
		dur += leg.Duration
	}
	return meters, dur, nil
}

func (s *RouteService) cached(ctx context.Context, key string) (matching.Detour, bool) {
	if s.cache == nil {
		return matching.Detour{}, false
	}
	raw, err := s.cache.Get(ctx, key).Bytes()
	if err != nil {
		return matching.Detour{}, false
	}
	var d matching.Detour
	if err := json.Unmarshal(raw, &d); err != nil {
		return matching.Detour{}, false
	}
	return d, true
}

func (s *RouteService) store(ctx context.Context, key string, d matching.Detour) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	// cache failures only cost another API call
	_ = s.cache.Set(ctx, key, raw, s.ttl).Err()
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// detourKey rounds to ~10 m so nearby requests share an entry.
func detourKey(points ...types.Point) string {
	key := "carpool:detour"
	for _, p := range points {
		key += fmt.Sprintf(":%.4f,%.4f", p.Lat, p.Lng)
	}
	return key
}
