package http_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carpool/internal/config"
	"carpool/internal/events"
	httptransport "carpool/internal/http"
	"carpool/internal/infra"
	"carpool/internal/logging"
	"carpool/internal/modules/booking"
	"carpool/internal/modules/matching"
	"carpool/internal/modules/offer"
	"carpool/internal/storage/memory"
	"carpool/internal/types"
)

// Monday 2025-04-14 08:00 local.
var testNow = time.Date(2025, 4, 14, 8, 0, 0, 0, time.UTC)

type testServer struct {
	engine   *gin.Engine
	recorder *events.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	rec := &events.Recorder{}
	clock := types.NewWallClock(time.UTC, func() time.Time { return testNow })
	logger := logging.Discard()

	offers := offer.NewService(store, rec, offer.WithClock(clock), offer.WithLogger(logger))
	matcher := matching.NewService(store, config.MatchingConfig{
		DefaultRadiusKm:  1,
		PointToleranceKm: 0.3,
		WeightPickup:     1,
		WeightDropoff:    1,
		WeightTime:       0.1,
		Parallelism:      4,
	}, matching.WithClock(clock), matching.WithLogger(logger))
	bookings := booking.NewCoordinator(store, store, rec, booking.WithClock(clock), booking.WithLogger(logger))

	srv := httptransport.NewServer(httptransport.ServerDeps{
		Offers:   offers,
		Matching: matcher,
		Bookings: bookings,
		Verifier: infra.DevVerifier{},
		Logger:   logger,
	})
	return &testServer{engine: srv.Routes(), recorder: rec}
}

func (s *testServer) do(t *testing.T, method, path, caller string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("Authorization", "Bearer "+caller)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type createdBody struct {
	ID    types.ID        `json:"id"`
	Offer offer.RideOffer `json:"offer"`
}

func offerBody(seats int, fare string) map[string]any {
	return map[string]any{
		"origin":        map[string]any{"address": "Taipei Main Station", "lat": 25.0478, "lng": 121.5170},
		"destination":   map[string]any{"address": "Banqiao Station", "lat": 25.0143, "lng": 121.4637},
		"departure_at":  "2025-04-14T17:30:00",
		"seats_total":   seats,
		"fare_per_seat": json.Number(fare),
		"vehicle_type":  "sedan",
	}
}

func (s *testServer) createOffer(t *testing.T, driver string, body map[string]any) types.ID {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/offers", driver, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[createdBody](t, w).ID
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/metrics", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/me/offers", "", nil).Code)
}

func TestCreateOffer(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/offers", "driver-1", offerBody(3, "150"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	got := decode[createdBody](t, w)
	assert.Equal(t, got.ID, got.Offer.ID)
	assert.Equal(t, types.ID("driver-1"), got.Offer.DriverID)
	assert.Equal(t, 3, got.Offer.SeatsAvailable)
	assert.Equal(t, types.Money{Amount: 15000, Currency: "TWD"}, got.Offer.FarePerSeat)
	assert.Equal(t, offer.StatusActive, got.Offer.Status)
	assert.Equal(t, []string{events.TypeOfferCreated}, s.recorder.Types())
}

func TestCreateOffer_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]any)
		code   string
	}{
		{"zero seats", func(b map[string]any) { b["seats_total"] = 0 }, "ValidationError"},
		{"negative fare", func(b map[string]any) { b["fare_per_seat"] = json.Number("-1") }, "ValidationError"},
		{"bad latitude", func(b map[string]any) {
			b["origin"] = map[string]any{"address": "x", "lat": 91, "lng": 0}
		}, "InvalidCoordinates"},
		{"past departure", func(b map[string]any) { b["departure_at"] = "2025-04-13T17:30:00" }, "ValidationError"},
		{"recurring flag without days", func(b map[string]any) { b["is_recurring"] = true }, "ValidationError"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t)
			body := offerBody(3, "150")
			tc.mutate(body)
			w := s.do(t, http.MethodPost, "/api/offers", "driver-1", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, tc.code, decode[errBody](t, w).Code)
		})
	}
}

func TestGetOffer_NotFound(t *testing.T) {
	s := newTestServer(t)
	for _, id := range []string{"not-a-uuid", string(types.NewID())} {
		w := s.do(t, http.MethodGet, "/api/offers/"+id, "rider-1", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "RideNotFound", decode[errBody](t, w).Code)
	}
}

func TestJoinScenario(t *testing.T) {
	s := newTestServer(t)
	id := s.createOffer(t, "driver-1", offerBody(3, "150"))

	w := s.do(t, http.MethodPost, "/api/offers/"+string(id)+"/join", "rider-1", map[string]any{"seats_requested": 2})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	b := decode[booking.Booking](t, w)
	assert.Equal(t, int64(30000), b.Fare.Amount)
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	assert.Equal(t, "Taipei Main Station", b.Pickup.Address)

	w = s.do(t, http.MethodPost, "/api/offers/"+string(id)+"/join", "rider-2", map[string]any{"seats_requested": 2})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "InsufficientSeats", decode[errBody](t, w).Code)

	w = s.do(t, http.MethodGet, "/api/offers/"+string(id), "rider-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[offer.RideOffer](t, w).SeatsAvailable)

	// the rider cancels and the seats come back
	w = s.do(t, http.MethodPost, "/api/bookings/"+string(b.ID)+"/cancel", "rider-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, booking.StatusCancelled, decode[booking.Booking](t, w).Status)

	w = s.do(t, http.MethodGet, "/api/offers/"+string(id), "rider-2", nil)
	assert.Equal(t, 3, decode[offer.RideOffer](t, w).SeatsAvailable)
}

func TestJoin_CancelledOfferIsGone(t *testing.T) {
	s := newTestServer(t)
	id := s.createOffer(t, "driver-1", offerBody(3, "150"))

	w := s.do(t, http.MethodPost, "/api/offers/"+string(id)+"/cancel", "rider-1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/offers/"+string(id)+"/cancel", "driver-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/offers/"+string(id)+"/join", "rider-1", map[string]any{"seats_requested": 1})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "RideCancelled", decode[errBody](t, w).Code)
}

func TestJoin_IdempotencyKeyReplays(t *testing.T) {
	s := newTestServer(t)
	id := s.createOffer(t, "driver-1", offerBody(3, "150"))
	path := "/api/offers/" + string(id) + "/join"
	body := map[string]any{"seats_requested": 1}

	first := s.do(t, http.MethodPost, path, "rider-1", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := s.do(t, http.MethodPost, path, "rider-1", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())

	assert.Equal(t, decode[booking.Booking](t, first).ID, decode[booking.Booking](t, second).ID)
	w := s.do(t, http.MethodGet, "/api/offers/"+string(id), "rider-1", nil)
	assert.Equal(t, 2, decode[offer.RideOffer](t, w).SeatsAvailable)
}

func TestJoin_IdempotencyKeyOnAnotherOffer(t *testing.T) {
	s := newTestServer(t)
	first := s.createOffer(t, "driver-1", offerBody(3, "150"))
	second := s.createOffer(t, "driver-1", offerBody(3, "150"))
	body := map[string]any{"seats_requested": 1}

	w := s.do(t, http.MethodPost, "/api/offers/"+string(first)+"/join", "rider-1", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, "/api/offers/"+string(second)+"/join", "rider-1", body, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "IdempotencyKeyReused", decode[errBody](t, w).Code)
}

func TestJoin_PickupOutsideOfferArea(t *testing.T) {
	s := newTestServer(t)
	id := s.createOffer(t, "driver-1", offerBody(3, "150"))
	path := "/api/offers/" + string(id) + "/join"

	w := s.do(t, http.MethodPost, path, "rider-1", map[string]any{
		"seats_requested": 1,
		"pickup":          map[string]any{"address": "Kaohsiung Station", "lat": 22.6394, "lng": 120.3025},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "OutsidePickupArea", decode[errBody](t, w).Code)

	w = s.do(t, http.MethodPost, path, "rider-1", map[string]any{
		"seats_requested": 1,
		"pickup":          map[string]any{"address": "Station exit M3", "lat": 25.0490, "lng": 121.5170},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "Station exit M3", decode[booking.Booking](t, w).Pickup.Address)
}

func TestEditOffer_CapacityBelowDemand(t *testing.T) {
	s := newTestServer(t)
	id := s.createOffer(t, "driver-1", offerBody(3, "150"))
	w := s.do(t, http.MethodPost, "/api/offers/"+string(id)+"/join", "rider-1", map[string]any{"seats_requested": 2})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodPatch, "/api/offers/"+string(id), "driver-1", map[string]any{"seats_total": 1})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CapacityBelowDemand", decode[errBody](t, w).Code)

	w = s.do(t, http.MethodPatch, "/api/offers/"+string(id), "driver-1", map[string]any{"seats_total": 4, "fare_per_seat": "120"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	o := decode[offer.RideOffer](t, w)
	assert.Equal(t, 2, o.SeatsAvailable)
	assert.Equal(t, types.Money{Amount: 12000, Currency: "TWD"}, o.FarePerSeat)
}

func TestSearch(t *testing.T) {
	s := newTestServer(t)
	id := s.createOffer(t, "driver-1", offerBody(3, "150"))

	q := "/api/offers/search?origin=25.0480,121.5172&destination=25.0145,121.4640&date=2025-04-14&time=17:30&seats=2&flexible_timing=true&time_flexibility_min=15"
	w := s.do(t, http.MethodGet, q, "rider-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[struct {
		Candidates []matching.Candidate `json:"candidates"`
	}](t, w)
	require.Len(t, got.Candidates, 1)
	assert.Equal(t, id, got.Candidates[0].Offer.ID)
	assert.Equal(t, int64(30000), got.Candidates[0].EstimatedFare.Amount)

	// the driver never sees their own offer
	w = s.do(t, http.MethodGet, q, "driver-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[struct {
		Candidates []matching.Candidate `json:"candidates"`
	}](t, w).Candidates)
}

func TestSearch_MaxFareInOtherCurrency(t *testing.T) {
	s := newTestServer(t)
	s.createOffer(t, "driver-1", offerBody(3, "150"))

	q := "/api/offers/search?origin=25.0480,121.5172&destination=25.0145,121.4640&date=2025-04-14&max_fare=100&currency=USD"
	w := s.do(t, http.MethodGet, q, "rider-1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, "CurrencyMismatch", decode[errBody](t, w).Code)

	w = s.do(t, http.MethodGet, "/api/offers/search?origin=25.0480,121.5172&destination=25.0145,121.4640&date=2025-04-14&max_fare=100", "rider-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, decode[struct {
		Candidates []matching.Candidate `json:"candidates"`
	}](t, w).Candidates)
}

func TestSearch_BadQuery(t *testing.T) {
	s := newTestServer(t)
	for _, q := range []string{
		"/api/offers/search?origin=abc&destination=25,121&date=2025-04-14",
		"/api/offers/search?origin=25,121&destination=25,121&date=14-04-2025",
		"/api/offers/search?origin=25,121&destination=25,121&date=2025-04-14&time=5pm",
		"/api/offers/search?origin=25,121&destination=25,121&date=2025-04-14&seats=0",
	} {
		w := s.do(t, http.MethodGet, q, "rider-1", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestBookings_VisibleToParticipantsOnly(t *testing.T) {
	s := newTestServer(t)
	id := s.createOffer(t, "driver-1", offerBody(3, "150"))
	w := s.do(t, http.MethodPost, "/api/offers/"+string(id)+"/join", "rider-1", map[string]any{"seats_requested": 1})
	require.Equal(t, http.StatusCreated, w.Code)
	b := decode[booking.Booking](t, w)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/bookings/"+string(b.ID), "rider-1", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/bookings/"+string(b.ID), "driver-1", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/bookings/"+string(b.ID), "rider-2", nil).Code)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/offers/"+string(id)+"/bookings", "driver-1", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/offers/"+string(id)+"/bookings", "rider-1", nil).Code)
}
