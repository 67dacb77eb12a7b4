package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/seat-reservation-engine/internal/service"
)

const (
	codeInvalidID            = "invalid_id"
	codeInvalidRequestBody   = "invalid_request_body"
	codeInvalidRequest       = "invalid_request"
	codeMissingBuyer         = "missing_buyer"
	codeSeatNotFound         = "seat_not_found"
	codeSeatUnavailable      = "seat_unavailable"
	codeReservationNotFound  = "reservation_not_found"
	codeReservationCancelled = "reservation_cancelled"
	codeInternalError        = "internal_error"
)

type errorResponse struct {
	Error string                 `json:"error"`
	Code  string                 `json:"code"`
	Seats []service.SeatConflict `json:"seats,omitempty"`
}

func writeError(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, errorResponse{Error: msg, Code: code})
}

// writeServiceError maps engine errors onto HTTP responses.  Unknown
// errors are logged and reported as 500 without detail.
func writeServiceError(c echo.Context, err error) error {
	var conflictErr *service.SeatConflictError
	var addrErr *service.SeatAddressError
	switch {
	case errors.As(err, &conflictErr):
		return c.JSON(http.StatusConflict, errorResponse{
			Error: conflictErr.Error(),
			Code:  codeSeatUnavailable,
			Seats: conflictErr.Seats,
		})
	case errors.As(err, &addrErr):
		return writeError(c, http.StatusBadRequest, codeSeatNotFound, addrErr.Error())
	case errors.Is(err, service.ErrMissingBuyer):
		return writeError(c, http.StatusUnauthorized, codeMissingBuyer, err.Error())
	case errors.Is(err, service.ErrInvalidRequest):
		return writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
	case errors.Is(err, service.ErrReservationNotFound):
		return writeError(c, http.StatusNotFound, codeReservationNotFound, err.Error())
	case errors.Is(err, service.ErrReservationNotPayable):
		return writeError(c, http.StatusConflict, codeReservationCancelled, err.Error())
	}
	slog.Error("request failed", "method", c.Request().Method, "path", c.Path(), "err", err)
	return writeError(c, http.StatusInternalServerError, codeInternalError, "internal error")
}
