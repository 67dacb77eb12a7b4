package repository // repository defines data access for seats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

// SeatRepo is the seat directory: a read-only view over the seat map
// (events → zones → seat_rows → seats).  The engine never writes here.
type SeatRepo struct {
	db *sql.DB
}

// NewSeatRepo constructs a SeatRepo with the given DB handle.
func NewSeatRepo(db *sql.DB) *SeatRepo {
	return &SeatRepo{db: db}
}

// Resolve maps a (zone, row position, seat number) address to the
// canonical seat of the event.  It returns ErrSeatNotFound when the
// address does not exist or the zone belongs to another event.
func (r *SeatRepo) Resolve(ctx context.Context, eventID uint64, pick model.SeatPick) (model.Seat, error) {
	const q = `SELECT s.id, s.row_id, sr.zone_id, z.event_id, sr.position, s.seat_number
	           FROM seats s
	           JOIN seat_rows sr ON sr.id = s.row_id
	           JOIN zones z ON z.id = sr.zone_id
	           WHERE z.event_id = ? AND z.id = ? AND sr.position = ? AND s.seat_number = ?`
	var s model.Seat
	err := conn(ctx, r.db).QueryRowContext(ctx, q, eventID, pick.ZoneID, pick.Row, pick.Column).
		Scan(&s.ID, &s.RowID, &s.ZoneID, &s.EventID, &s.RowNumber, &s.SeatNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Seat{}, ErrSeatNotFound
		}
		return model.Seat{}, fmt.Errorf("resolve seat: %w", err)
	}
	return s, nil
}

// Availability lists every seat of an event with its derived state:
// SOLD when a confirmed assignment exists, HELD while an unexpired lock
// is in place, FREE otherwise.  Results are ordered by zone, row and
// seat number.
func (r *SeatRepo) Availability(ctx context.Context, eventID uint64, now time.Time) ([]model.SeatAvailability, error) {
	const q = `SELECT s.id, z.id, sr.position, s.seat_number,
	                  EXISTS (SELECT 1 FROM reservation_seats rs
	                          WHERE rs.seat_id = s.id AND rs.event_id = z.event_id AND rs.status = 'CONFIRMED') AS sold,
	                  sl.status, sl.expires_at
	           FROM seats s
	           JOIN seat_rows sr ON sr.id = s.row_id
	           JOIN zones z ON z.id = sr.zone_id
	           LEFT JOIN seat_locks sl ON sl.seat_id = s.id
	           WHERE z.event_id = ?
	           ORDER BY z.id, sr.position, s.seat_number`
	rows, err := conn(ctx, r.db).QueryContext(ctx, q, eventID)
	if err != nil {
		return nil, fmt.Errorf("seat availability: %w", err)
	}
	defer rows.Close()

	out := []model.SeatAvailability{}
	for rows.Next() {
		var (
			a         model.SeatAvailability
			sold      bool
			lockState sql.NullString
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&a.SeatID, &a.ZoneID, &a.Row, &a.SeatNumber, &sold, &lockState, &expiresAt); err != nil {
			return nil, err
		}
		lock := model.SeatLock{SeatID: a.SeatID, Status: model.LockStatus(lockState.String), ExpiresAt: expiresAt.Time}
		switch {
		case sold:
			a.Status = model.AvailabilitySold
		case lockState.Valid && expiresAt.Valid && lock.ActiveAt(now):
			a.Status = model.AvailabilityHeld
			until := lock.ExpiresAt.UTC()
			a.HeldUntil = &until
		default:
			a.Status = model.AvailabilityFree
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
