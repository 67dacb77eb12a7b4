package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

var (
	// ErrInvalidRequest marks malformed purchase requests: quantity and
	// pick count mismatch, duplicate picks, negative coordinates.
	ErrInvalidRequest = errors.New("invalid reservation request")
	// ErrMissingBuyer is returned when no buyer identity was supplied.
	ErrMissingBuyer = errors.New("buyer identity is required")
	// ErrSeatNotFound is returned when a pick does not address a seat.
	ErrSeatNotFound = errors.New("seat not found")
	// ErrSeatUnavailable is returned when a seat is sold or held by another buyer.
	ErrSeatUnavailable = errors.New("seat unavailable")
	// ErrReservationNotFound is returned for unknown reservation ids.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationNotPayable is returned when paying a cancelled reservation.
	ErrReservationNotPayable = errors.New("reservation is cancelled and cannot be paid")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// SeatAddressError names the pick that did not resolve to a seat.
type SeatAddressError struct {
	Pick model.SeatPick
}

func (e *SeatAddressError) Error() string {
	return fmt.Sprintf("seat not found: %s", e.Pick)
}

func (e *SeatAddressError) Unwrap() error { return ErrSeatNotFound }

// Conflict reasons.
const (
	ReasonSold     = "sold"
	ReasonLocked   = "locked"
	ReasonReserved = "reserved"
)

// SeatConflict names one seat that could not be taken and why.
type SeatConflict struct {
	SeatID uint64 `json:"seat_id"`
	Reason string `json:"reason"`
}

// SeatConflictError lists the seats that blocked a reservation.
type SeatConflictError struct {
	Seats []SeatConflict
}

func (e *SeatConflictError) Error() string {
	parts := make([]string, len(e.Seats))
	for i, s := range e.Seats {
		parts[i] = fmt.Sprintf("%d (%s)", s.SeatID, s.Reason)
	}
	return "seat unavailable: " + strings.Join(parts, ", ")
}

func (e *SeatConflictError) Unwrap() error { return ErrSeatUnavailable }

func conflict(reason string, seatIDs ...uint64) *SeatConflictError {
	e := &SeatConflictError{Seats: make([]SeatConflict, len(seatIDs))}
	for i, id := range seatIDs {
		e.Seats[i] = SeatConflict{SeatID: id, Reason: reason}
	}
	return e
}
