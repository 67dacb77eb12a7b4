package model

import "time"

// PaymentStatus is the state of a reservation header.
type PaymentStatus string

const (
	PaymentUnpaid    PaymentStatus = "UNPAID"
	PaymentReserved  PaymentStatus = "RESERVED"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// Open reports whether the reservation can still be paid or cancelled.
func (s PaymentStatus) Open() bool {
	return s == PaymentUnpaid || s == PaymentReserved
}

// AssignmentStatus is the state of a single seat inside a reservation.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "PENDING"
	AssignmentConfirmed AssignmentStatus = "CONFIRMED"
	AssignmentCancelled AssignmentStatus = "CANCELLED"
)

// Reservation records a buyer's purchase for an event.  It aggregates
// one or more seat assignments created in a single transaction and
// tracks the overall payment status and total amount.
//
// Fields:
//  ID               – primary key identifier.
//  BuyerID          – buyer who made the reservation.
//  EventID          – event being reserved.
//  Quantity         – number of seats requested.
//  TotalAmountCents – total price supplied by the pricing collaborator.
//  PaymentStatus    – UNPAID, RESERVED, PAID or CANCELLED.
//  PaymentMethod    – method recorded on payment, if any.
//  RegisteredAt     – creation timestamp.
//  PaidAt           – payment timestamp (nil until paid).
//  ConfirmationCode – code issued on payment (nil until paid).
//  Notes            – free-text notes, e.g. the cancellation reason.
//  Seats            – seat assignments, loaded on read.
type Reservation struct {
	ID               uint64           `json:"id"`
	BuyerID          string           `json:"buyer_id"`
	EventID          uint64           `json:"event_id"`
	Quantity         int              `json:"quantity"`
	TotalAmountCents uint32           `json:"total_amount_cents"`
	PaymentStatus    PaymentStatus    `json:"payment_status"`
	PaymentMethod    *string          `json:"payment_method,omitempty"`
	RegisteredAt     time.Time        `json:"registered_at"`
	PaidAt           *time.Time       `json:"paid_at,omitempty"`
	ConfirmationCode *string          `json:"confirmation_code,omitempty"`
	Notes            string           `json:"notes,omitempty"`
	Seats            []SeatAssignment `json:"seats"`
}

// SeatIDs returns the seat ids of all assignments in order.
func (r Reservation) SeatIDs() []uint64 {
	ids := make([]uint64, 0, len(r.Seats))
	for _, s := range r.Seats {
		ids = append(ids, s.SeatID)
	}
	return ids
}

// SeatAssignment links a reservation to an individual seat.  Only one
// active (PENDING or CONFIRMED) assignment may exist per seat and event.
type SeatAssignment struct {
	ReservationID uint64           `json:"reservation_id"`
	SeatID        uint64           `json:"seat_id"`
	Status        AssignmentStatus `json:"status"`
}
