package model

import (
	"fmt"
	"time"
)

// Seat describes a physical seat in an event's seat map.  Seats are
// uniquely identified by their row and seat number; the row belongs to a
// zone and the zone to an event.  Seats are created during seat-map
// authoring and are never mutated by the reservation engine.
//
// Fields:
//  ID         – primary key identifier.
//  RowID      – row to which this seat belongs.
//  ZoneID     – zone containing the row (denormalised on read).
//  EventID    – event owning the zone (denormalised on read).
//  RowNumber  – position of the row inside its zone.
//  SeatNumber – number of the seat within the row.
type Seat struct {
	ID         uint64 // seats.id
	RowID      uint64 // seats.row_id
	ZoneID     uint64 // seat_rows.zone_id
	EventID    uint64 // zones.event_id
	RowNumber  int    // seat_rows.position
	SeatNumber int    // seats.seat_number
}

// SeatPick is the address a buyer uses to choose a seat: a zone, the row
// position within that zone and the seat number (column) within the row.
type SeatPick struct {
	ZoneID uint64 `json:"zone_id"`
	Row    int    `json:"row"`
	Column int    `json:"column"`
}

// Key returns the normalised form used to detect duplicate picks.
func (p SeatPick) Key() string {
	return fmt.Sprintf("%d:%d:%d", p.ZoneID, p.Row, p.Column)
}

func (p SeatPick) String() string {
	return fmt.Sprintf("zone %d row %d seat %d", p.ZoneID, p.Row, p.Column)
}

// Seat availability states shown to buyers.
const (
	AvailabilityFree = "FREE"
	AvailabilityHeld = "HELD"
	AvailabilitySold = "SOLD"
)

// SeatAvailability is a read-only projection of a seat's state for an
// event, derived from the lock table and confirmed assignments.
type SeatAvailability struct {
	SeatID     uint64     `json:"seat_id"`
	ZoneID     uint64     `json:"zone_id"`
	Row        int        `json:"row"`
	SeatNumber int        `json:"seat_number"`
	Status     string     `json:"status"`
	HeldUntil  *time.Time `json:"held_until,omitempty"`
}
