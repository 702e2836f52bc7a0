// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"carpool/internal/http/handlers"
	"carpool/internal/http/middleware"
)

func registerRoutes(r *gin.Engine, deps ServerDeps) {
	r.Use(middleware.Recovery(deps.Logger), middleware.Logging(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	offerHandler := handlers.NewOfferHandler(deps.Offers, deps.Matching, deps.Bookings)
	api.POST("/offers", offerHandler.Create)
	api.GET("/offers/search", offerHandler.Search)
	api.GET("/offers/:id", offerHandler.Get)
	api.PATCH("/offers/:id", offerHandler.Edit)
	api.POST("/offers/:id/cancel", offerHandler.Cancel)
	api.POST("/offers/:id/join", offerHandler.Join)
	api.GET("/offers/:id/bookings", offerHandler.ListBookings)
	api.GET("/me/offers", offerHandler.ListMine)

	bookingHandler := handlers.NewBookingHandler(deps.Offers, deps.Bookings)
	api.GET("/bookings/:id", bookingHandler.Get)
	api.POST("/bookings/:id/cancel", bookingHandler.Cancel)
}
