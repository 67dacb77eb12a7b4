package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/seat-reservation-engine/internal/middleware"
	"github.com/iliyamo/seat-reservation-engine/internal/model"
	"github.com/iliyamo/seat-reservation-engine/internal/service"
)

// ReservationService is the engine surface the handlers route to.
type ReservationService interface {
	CreateReservation(ctx context.Context, in service.CreateReservationInput) (model.Reservation, error)
	GetReservation(ctx context.Context, id uint64) (model.Reservation, error)
	ConfirmPayment(ctx context.Context, id uint64, method string) (model.Reservation, error)
	CancelReservation(ctx context.Context, id uint64) (model.Reservation, error)
	SeatAvailability(ctx context.Context, eventID uint64) ([]model.SeatAvailability, error)
}

// CachePurger drops cached GET responses.
type CachePurger interface {
	Purge(ctx context.Context, path string) error
}

// ReservationHandler serves the buyer-facing reservation endpoints.  The
// buyer id is taken from the context populated by middleware.BuyerIdentity.
type ReservationHandler struct {
	svc   ReservationService
	cache CachePurger
}

// NewReservationHandler returns a handler.  cache may be nil.
func NewReservationHandler(svc ReservationService, cache CachePurger) *ReservationHandler {
	return &ReservationHandler{svc: svc, cache: cache}
}

type createReservationRequest struct {
	Seats       []model.SeatPick `json:"seats"`
	Quantity    int              `json:"quantity"`
	AmountCents int64            `json:"amount_cents"`
}

type paymentRequest struct {
	Method string `json:"method"`
}

func parseID(c echo.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

func seatsPath(eventID uint64) string {
	return fmt.Sprintf("/v1/events/%d/seats", eventID)
}

func (h *ReservationHandler) purgeSeats(ctx context.Context, eventID uint64) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Purge(ctx, seatsPath(eventID)); err != nil {
		slog.Warn("purge seat cache failed", "event_id", eventID, "err", err)
	}
}

// SeatAvailability handles GET /v1/events/:id/seats.
func (h *ReservationHandler) SeatAvailability(c echo.Context) error {
	eventID, ok := parseID(c)
	if !ok {
		return writeError(c, http.StatusBadRequest, codeInvalidID, "invalid event id")
	}
	seats, err := h.svc.SeatAvailability(c.Request().Context(), eventID)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"event_id": eventID, "seats": seats})
}

// Create handles POST /v1/events/:id/reservations.  The body names the
// seats by zone, row and column; quantity must match the number of seats.
func (h *ReservationHandler) Create(c echo.Context) error {
	eventID, ok := parseID(c)
	if !ok {
		return writeError(c, http.StatusBadRequest, codeInvalidID, "invalid event id")
	}
	buyer := middleware.BuyerID(c)
	if buyer == "" {
		return writeError(c, http.StatusUnauthorized, codeMissingBuyer, service.ErrMissingBuyer.Error())
	}
	var body createReservationRequest
	if err := c.Bind(&body); err != nil {
		return writeError(c, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
	}

	res, err := h.svc.CreateReservation(c.Request().Context(), service.CreateReservationInput{
		BuyerID:     buyer,
		EventID:     eventID,
		Picks:       body.Seats,
		Quantity:    body.Quantity,
		AmountCents: body.AmountCents,
	})
	if err != nil {
		return writeServiceError(c, err)
	}
	h.purgeSeats(c.Request().Context(), eventID)
	return c.JSON(http.StatusCreated, res)
}

// owned loads the reservation and hides it from other buyers.  When ok is
// false the error response has already been written and err is the
// result of writing it.
func (h *ReservationHandler) owned(c echo.Context) (res model.Reservation, ok bool, err error) {
	id, valid := parseID(c)
	if !valid {
		return res, false, writeError(c, http.StatusBadRequest, codeInvalidID, "invalid reservation id")
	}
	buyer := middleware.BuyerID(c)
	if buyer == "" {
		return res, false, writeError(c, http.StatusUnauthorized, codeMissingBuyer, service.ErrMissingBuyer.Error())
	}
	res, getErr := h.svc.GetReservation(c.Request().Context(), id)
	if getErr == nil && res.BuyerID != buyer {
		getErr = service.ErrReservationNotFound
	}
	if getErr != nil {
		return res, false, writeServiceError(c, getErr)
	}
	return res, true, nil
}

// Get handles GET /v1/reservations/:id.
func (h *ReservationHandler) Get(c echo.Context) error {
	res, ok, err := h.owned(c)
	if !ok {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Pay handles POST /v1/reservations/:id/payment.  Payment is mocked: the
// method is recorded and the reservation confirmed.
func (h *ReservationHandler) Pay(c echo.Context) error {
	cur, ok, err := h.owned(c)
	if !ok {
		return err
	}
	var body paymentRequest
	if err := c.Bind(&body); err != nil {
		return writeError(c, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
	}
	res, err := h.svc.ConfirmPayment(c.Request().Context(), cur.ID, body.Method)
	if err != nil {
		return writeServiceError(c, err)
	}
	h.purgeSeats(c.Request().Context(), res.EventID)
	return c.JSON(http.StatusOK, res)
}

// Cancel handles POST /v1/reservations/:id/cancel.
func (h *ReservationHandler) Cancel(c echo.Context) error {
	cur, ok, err := h.owned(c)
	if !ok {
		return err
	}
	res, err := h.svc.CancelReservation(c.Request().Context(), cur.ID)
	if err != nil {
		return writeServiceError(c, err)
	}
	h.purgeSeats(c.Request().Context(), res.EventID)
	return c.JSON(http.StatusOK, res)
}
