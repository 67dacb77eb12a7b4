// Package queue defines message payloads exchanged over the message broker
// together with the publisher and the audit consumer.
package queue

// Queue names.  Both queues are durable and use the default exchange with
// the queue name as routing key.
const (
	QueueReservationConfirmed = "reservation.confirmed"
	QueueReservationCancelled = "reservation.cancelled"
)

// ReservationConfirmedEvent is published after a reservation was paid and
// its seats promoted.  It carries enough information for downstream
// consumers to log, notify, or trigger analytics without querying the
// primary database.
type ReservationConfirmedEvent struct {
	ReservationID    uint64   `json:"reservation_id"`
	BuyerID          string   `json:"buyer_id"`
	EventID          uint64   `json:"event_id"`
	SeatIDs          []uint64 `json:"seat_ids"`
	TotalAmountCents uint32   `json:"total_amount_cents"`
	PaymentMethod    string   `json:"payment_method"`
	ConfirmationCode string   `json:"confirmation_code"`
	ConfirmedAt      string   `json:"confirmed_at"`
}

// Cancellation reasons carried by ReservationCancelledEvent.
const (
	ReasonBuyer   = "buyer"
	ReasonExpired = "expired"
)

// ReservationCancelledEvent is published when a reservation is cancelled,
// either by its buyer or by the expiry sweep.
type ReservationCancelledEvent struct {
	ReservationID uint64   `json:"reservation_id"`
	BuyerID       string   `json:"buyer_id"`
	EventID       uint64   `json:"event_id,omitempty"`
	SeatIDs       []uint64 `json:"seat_ids"`
	Reason        string   `json:"reason"`
	CancelledAt   string   `json:"cancelled_at"`
}
