// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"carpool/internal/geo"
	"carpool/internal/modules/booking"
	"carpool/internal/modules/offer"
	"carpool/internal/modules/pricing"
	"carpool/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, code, msg string) {
	writeJSON(c, status, errorResponse{Error: msg, Code: code})
}

// errorMapping lists specific errors before the category they wrap; the
// first match wins.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{offer.ErrNotFound, http.StatusNotFound, "RideNotFound"},
	{booking.ErrBookingNotFound, http.StatusNotFound, "BookingNotFound"},
	{offer.ErrRideCancelled, http.StatusGone, "RideCancelled"},
	{offer.ErrRideExpired, http.StatusGone, "RideExpired"},
	{booking.ErrInsufficientSeats, http.StatusConflict, "InsufficientSeats"},
	{booking.ErrRideAlreadyDeparted, http.StatusConflict, "RideAlreadyDeparted"},
	{offer.ErrCapacityBelowDemand, http.StatusConflict, "CapacityBelowDemand"},
	{booking.ErrConcurrentUpdate, http.StatusConflict, "ConcurrentUpdate"},
	{offer.ErrConflict, http.StatusConflict, "ConcurrentUpdate"},
	{booking.ErrRequestInFlight, http.StatusConflict, "RequestInFlight"},
	{booking.ErrIdempotencyKeyReused, http.StatusConflict, "IdempotencyKeyReused"},
	{booking.ErrOutsidePickupArea, http.StatusBadRequest, "OutsidePickupArea"},
	{pricing.ErrCurrencyMismatch, http.StatusBadRequest, "CurrencyMismatch"},
	{geo.ErrInvalidCoordinates, http.StatusBadRequest, "InvalidCoordinates"},
	{types.ErrValidation, http.StatusBadRequest, "ValidationError"},
	{types.ErrForbidden, http.StatusForbidden, "Forbidden"},
	{types.ErrNotFound, http.StatusNotFound, "NotFound"},
	{types.ErrConflict, http.StatusConflict, "Conflict"},
	{types.ErrState, http.StatusConflict, "StateError"},
}

func writeDomainError(c *gin.Context, err error) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			writeError(c, m.status, m.code, err.Error())
			return
		}
	}
	_ = c.Error(err)
	writeError(c, http.StatusInternalServerError, "Internal", "internal error")
}

func writeBadRequest(c *gin.Context, msg string) {
	writeError(c, http.StatusBadRequest, "ValidationError", msg)
}

// pathID reads the :id parameter. Ids are UUIDs, so anything else cannot
// name an existing record and is reported as notFound.
func pathID(c *gin.Context, notFound error) (types.ID, bool) {
	id := types.ID(c.Param("id"))
	if !id.Valid() {
		writeDomainError(c, notFound)
		return "", false
	}
	return id, true
}
