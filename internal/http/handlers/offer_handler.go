// README: Offer handlers for create/get/edit/cancel, search and join.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/gin-gonic/gin"

	"carpool/internal/http/middleware"
	"carpool/internal/modules/booking"
	"carpool/internal/modules/matching"
	"carpool/internal/modules/offer"
	"carpool/internal/types"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	defaultCurrency      = "TWD"
)

type OfferHandler struct {
	offers   *offer.Service
	matching *matching.Service
	bookings *booking.Coordinator
}

func NewOfferHandler(offers *offer.Service, matchingSvc *matching.Service, bookings *booking.Coordinator) *OfferHandler {
	return &OfferHandler{offers: offers, matching: matchingSvc, bookings: bookings}
}

type placeReq struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

func (p placeReq) place() types.Place {
	return types.Place{Address: strings.TrimSpace(p.Address), Point: types.Point{Lat: p.Lat, Lng: p.Lng}}
}

type createOfferReq struct {
	Origin         placeReq         `json:"origin"`
	Destination    placeReq         `json:"destination"`
	DepartureAt    civil.DateTime   `json:"departure_at"`
	SeatsTotal     int              `json:"seats_total"`
	FarePerSeat    json.Number      `json:"fare_per_seat"`
	Currency       string           `json:"currency"`
	VehicleType    string           `json:"vehicle_type"`
	Notes          string           `json:"notes"`
	IsRecurring    *bool            `json:"is_recurring"`
	RecurringDays  types.WeekdaySet `json:"recurring_days"`
	RecurringUntil *civil.Date      `json:"recurring_until"`
	AllowDetour    bool             `json:"allow_detour"`
	MaxDetourKm    float64          `json:"max_detour_km"`
	MaxWaitMin     int              `json:"max_wait_min"`
	FlexiblePickup bool             `json:"flexible_pickup"`
	PickupRadiusKm float64          `json:"pickup_radius_km"`
}

func (h *OfferHandler) Create(c *gin.Context) {
	var req createOfferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid json: "+err.Error())
		return
	}
	if req.FarePerSeat == "" {
		writeBadRequest(c, "missing fare_per_seat")
		return
	}
	if req.IsRecurring != nil && *req.IsRecurring == req.RecurringDays.Empty() {
		writeBadRequest(c, "is_recurring must match recurring_days")
		return
	}
	fare, err := types.ParseMoney(req.FarePerSeat.String(), currencyOr(req.Currency))
	if err != nil {
		writeDomainError(c, err)
		return
	}

	cmd := offer.CreateCommand{
		DriverID:       types.ID(middleware.CallerUID(c)),
		Origin:         req.Origin.place(),
		Destination:    req.Destination.place(),
		DepartureAt:    req.DepartureAt,
		SeatsTotal:     req.SeatsTotal,
		FarePerSeat:    fare,
		VehicleType:    req.VehicleType,
		Notes:          req.Notes,
		RecurringDays:  req.RecurringDays,
		AllowDetour:    req.AllowDetour,
		MaxDetourKm:    req.MaxDetourKm,
		MaxWaitMin:     req.MaxWaitMin,
		FlexiblePickup: req.FlexiblePickup,
		PickupRadiusKm: req.PickupRadiusKm,
	}
	if req.RecurringUntil != nil {
		cmd.RecurringUntil = *req.RecurringUntil
	}
	o, err := h.offers.Create(c.Request.Context(), cmd)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"id": o.ID, "offer": o})
}

func (h *OfferHandler) Get(c *gin.Context) {
	id, ok := pathID(c, offer.ErrNotFound)
	if !ok {
		return
	}
	o, err := h.offers.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *OfferHandler) ListMine(c *gin.Context) {
	offers, err := h.offers.ListByDriver(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if offers == nil {
		offers = []*offer.RideOffer{}
	}
	writeJSON(c, http.StatusOK, gin.H{"offers": offers})
}

// editOfferReq fields are optional. The detour and pickup settings are
// replaced as a whole when their switch is present.
type editOfferReq struct {
	SeatsTotal     *int         `json:"seats_total"`
	FarePerSeat    *json.Number `json:"fare_per_seat"`
	VehicleType    *string      `json:"vehicle_type"`
	Notes          *string      `json:"notes"`
	AllowDetour    *bool        `json:"allow_detour"`
	MaxDetourKm    float64      `json:"max_detour_km"`
	MaxWaitMin     int          `json:"max_wait_min"`
	FlexiblePickup *bool        `json:"flexible_pickup"`
	PickupRadiusKm float64      `json:"pickup_radius_km"`
}

func (h *OfferHandler) Edit(c *gin.Context) {
	id, ok := pathID(c, offer.ErrNotFound)
	if !ok {
		return
	}
	var req editOfferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid json: "+err.Error())
		return
	}

	cmd := offer.EditCommand{
		OfferID:     id,
		DriverID:    types.ID(middleware.CallerUID(c)),
		SeatsTotal:  req.SeatsTotal,
		VehicleType: req.VehicleType,
		Notes:       req.Notes,
	}
	if req.FarePerSeat != nil {
		fare, err := types.ParseMoney(req.FarePerSeat.String(), "")
		if err != nil {
			writeDomainError(c, err)
			return
		}
		cmd.FarePerSeat = &fare
	}
	if req.AllowDetour != nil {
		cmd.Detour = &offer.DetourPolicy{Allowed: *req.AllowDetour}
		if *req.AllowDetour {
			cmd.Detour.MaxDistanceKm = req.MaxDetourKm
			cmd.Detour.MaxWaitMin = req.MaxWaitMin
		}
	}
	if req.FlexiblePickup != nil {
		cmd.Pickup = &offer.PickupPolicy{Flexible: *req.FlexiblePickup}
		if *req.FlexiblePickup {
			cmd.Pickup.RadiusKm = req.PickupRadiusKm
		}
	}

	o, err := h.offers.Edit(c.Request.Context(), cmd)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *OfferHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, offer.ErrNotFound)
	if !ok {
		return
	}
	err := h.offers.Cancel(c.Request.Context(), offer.CancelCommand{
		OfferID:  id,
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"id": id, "status": offer.StatusCancelled})
}

type searchQuery struct {
	Origin             string  `form:"origin"`
	Destination        string  `form:"destination"`
	Date               string  `form:"date"`
	Time               string  `form:"time"`
	Seats              int     `form:"seats,default=1"`
	MaxFare            string  `form:"max_fare"`
	Currency           string  `form:"currency"`
	MaxDistanceKm      float64 `form:"max_distance_km"`
	IncludeRecurring   bool    `form:"include_recurring,default=true"`
	FlexibleTiming     bool    `form:"flexible_timing"`
	TimeFlexibilityMin int     `form:"time_flexibility_min"`
}

func (h *OfferHandler) Search(c *gin.Context) {
	var q searchQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBadRequest(c, "invalid query: "+err.Error())
		return
	}
	origin, err := parseCoords(q.Origin)
	if err != nil {
		writeBadRequest(c, "origin must be lat,lng")
		return
	}
	destination, err := parseCoords(q.Destination)
	if err != nil {
		writeBadRequest(c, "destination must be lat,lng")
		return
	}
	date, err := civil.ParseDate(q.Date)
	if err != nil {
		writeBadRequest(c, "date must be YYYY-MM-DD")
		return
	}

	criteria := matching.Criteria{
		RiderID:            types.ID(middleware.CallerUID(c)),
		Origin:             origin,
		Destination:        destination,
		Date:               date,
		Seats:              q.Seats,
		MaxDistanceKm:      q.MaxDistanceKm,
		IncludeRecurring:   q.IncludeRecurring,
		FlexibleTiming:     q.FlexibleTiming,
		TimeFlexibilityMin: q.TimeFlexibilityMin,
	}
	if q.Time != "" {
		t, err := parseClock(q.Time)
		if err != nil {
			writeBadRequest(c, "time must be HH:MM")
			return
		}
		criteria.Time = &t
	}
	if q.MaxFare != "" {
		m, err := types.ParseMoney(q.MaxFare, currencyOr(q.Currency))
		if err != nil {
			writeDomainError(c, err)
			return
		}
		criteria.MaxFare = &m
	}

	candidates, err := h.matching.Search(c.Request.Context(), criteria)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"candidates": candidates})
}

type joinReq struct {
	SeatsRequested int         `json:"seats_requested"`
	Pickup         *placeReq   `json:"pickup"`
	Dropoff        *placeReq   `json:"dropoff"`
	OccurrenceDate *civil.Date `json:"occurrence_date"`
}

func (h *OfferHandler) Join(c *gin.Context) {
	id, ok := pathID(c, offer.ErrNotFound)
	if !ok {
		return
	}
	var req joinReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, "invalid json: "+err.Error())
		return
	}

	cmd := booking.JoinCommand{
		OfferID:        id,
		RiderID:        types.ID(middleware.CallerUID(c)),
		Seats:          req.SeatsRequested,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)),
	}
	if req.Pickup != nil {
		p := req.Pickup.place()
		cmd.Pickup = &p
	}
	if req.Dropoff != nil {
		p := req.Dropoff.place()
		cmd.Dropoff = &p
	}
	if req.OccurrenceDate != nil {
		cmd.OccurrenceDate = *req.OccurrenceDate
	}

	b, err := h.bookings.Join(c.Request.Context(), cmd)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, b)
}

// ListBookings shows an offer's bookings to its driver.
func (h *OfferHandler) ListBookings(c *gin.Context) {
	id, ok := pathID(c, offer.ErrNotFound)
	if !ok {
		return
	}
	o, err := h.offers.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if o.DriverID != types.ID(middleware.CallerUID(c)) {
		writeDomainError(c, offer.ErrNotOwner)
		return
	}
	bookings, err := h.bookings.ListByOffer(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if bookings == nil {
		bookings = []*booking.Booking{}
	}
	writeJSON(c, http.StatusOK, gin.H{"bookings": bookings})
}

func parseCoords(s string) (types.Point, error) {
	latS, lngS, ok := strings.Cut(s, ",")
	if !ok {
		return types.Point{}, strconv.ErrSyntax
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latS), 64)
	if err != nil {
		return types.Point{}, err
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngS), 64)
	if err != nil {
		return types.Point{}, err
	}
	return types.Point{Lat: lat, Lng: lng}, nil
}

// parseClock accepts HH:MM or HH:MM:SS.
func parseClock(s string) (civil.Time, error) {
	if strings.Count(s, ":") == 1 {
		s += ":00"
	}
	return civil.ParseTime(s)
}

func currencyOr(c string) string {
	if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
		return c
	}
	return defaultCurrency
}
