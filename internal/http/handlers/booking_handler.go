package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"carpool/internal/http/middleware"
	"carpool/internal/modules/booking"
	"carpool/internal/modules/offer"
	"carpool/internal/types"
)

type BookingHandler struct {
	offers   *offer.Service
	bookings *booking.Coordinator
}

func NewBookingHandler(offers *offer.Service, bookings *booking.Coordinator) *BookingHandler {
	return &BookingHandler{offers: offers, bookings: bookings}
}

// Get is visible to the booking's rider and the offer's driver.
func (h *BookingHandler) Get(c *gin.Context) {
	id, ok := pathID(c, booking.ErrBookingNotFound)
	if !ok {
		return
	}
	b, err := h.bookings.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	caller := types.ID(middleware.CallerUID(c))
	if b.RiderID != caller {
		o, err := h.offers.Get(c.Request.Context(), b.RideOfferID)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		if o.DriverID != caller {
			writeDomainError(c, booking.ErrNotParticipant)
			return
		}
	}
	writeJSON(c, http.StatusOK, b)
}

func (h *BookingHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, booking.ErrBookingNotFound)
	if !ok {
		return
	}
	b, err := h.bookings.Cancel(c.Request.Context(), booking.CancelCommand{
		BookingID: id,
		ActorID:   types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, b)
}
