// Package router registers the HTTP routes of the service.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/seat-reservation-engine/internal/handler"
	"github.com/iliyamo/seat-reservation-engine/internal/middleware"
)

// Deps groups what the routes need.  Cache and RateLimit may be
// pass-through middlewares when Redis is unavailable.
type Deps struct {
	Health      echo.HandlerFunc
	Reservation *handler.ReservationHandler
	JWTSecret   string
	Cache       echo.MiddlewareFunc
	RateLimit   echo.MiddlewareFunc
}

func passThrough(next echo.HandlerFunc) echo.HandlerFunc { return next }

// RegisterRoutes mounts the health check and the /v1 API.
func RegisterRoutes(e *echo.Echo, d Deps) {
	if d.Cache == nil {
		d.Cache = passThrough
	}
	if d.RateLimit == nil {
		d.RateLimit = passThrough
	}
	if d.Health != nil {
		e.GET("/healthz", d.Health)
	}

	v1 := e.Group("/v1", middleware.BuyerIdentity(d.JWTSecret))
	v1.GET("/events/:id/seats", d.Reservation.SeatAvailability, d.Cache)
	v1.POST("/events/:id/reservations", d.Reservation.Create, d.RateLimit)
	v1.GET("/reservations/:id", d.Reservation.Get)
	v1.POST("/reservations/:id/payment", d.Reservation.Pay)
	v1.POST("/reservations/:id/cancel", d.Reservation.Cancel)
}
