package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

// ReservationRepo provides data access for reservations and their seat
// assignments.  Reservations group together one or more seats for a
// particular event and buyer.  Seats reserved under a reservation are
// stored in the reservation_seats table.  All timestamp fields are
// assumed to be stored in UTC.
type ReservationRepo struct {
	db *sql.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

const reservationColumns = `id, buyer_id, event_id, quantity, total_amount_cents, payment_status,
	payment_method, registered_at, paid_at, confirmation_code, notes`

// Create inserts the reservation header and populates its generated ID.
// Seats are added separately with AddSeats.
func (r *ReservationRepo) Create(ctx context.Context, res *model.Reservation) error {
	const q = `INSERT INTO reservations (buyer_id, event_id, quantity, total_amount_cents, payment_status, registered_at, notes)
	           VALUES (?, ?, ?, ?, ?, ?, ?)`
	result, err := conn(ctx, r.db).ExecContext(ctx, q,
		res.BuyerID, res.EventID, res.Quantity, res.TotalAmountCents, string(res.PaymentStatus), res.RegisteredAt, res.Notes)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	res.ID = uint64(id)
	return nil
}

// AddSeats inserts one PENDING assignment per seat.  A collision on the
// active-seat unique key yields a *SeatTakenError for the seat involved.
func (r *ReservationRepo) AddSeats(ctx context.Context, reservationID, eventID uint64, seatIDs []uint64) error {
	if len(seatIDs) == 0 {
		return nil
	}
	stmt, err := conn(ctx, r.db).PrepareContext(ctx,
		`INSERT INTO reservation_seats (reservation_id, event_id, seat_id, status) VALUES (?, ?, ?, 'PENDING')`)
	if err != nil {
		return fmt.Errorf("prepare seat assignment: %w", err)
	}
	defer stmt.Close()

	for _, seatID := range seatIDs {
		if _, err := stmt.ExecContext(ctx, reservationID, eventID, seatID); err != nil {
			switch {
			case isDuplicateEntry(err):
				return &SeatTakenError{SeatID: seatID}
			case isLockContention(err):
				return fmt.Errorf("insert seat assignment: %w", ErrLockContention)
			}
			return fmt.Errorf("insert seat assignment: %w", err)
		}
	}
	return nil
}

// Get returns the reservation with its seat assignments.
func (r *ReservationRepo) Get(ctx context.Context, id uint64) (model.Reservation, error) {
	return r.get(ctx, id, false)
}

// GetForUpdate is Get with the header row locked until the surrounding
// transaction ends.  It must be called inside TxManager.WithTx.
func (r *ReservationRepo) GetForUpdate(ctx context.Context, id uint64) (model.Reservation, error) {
	return r.get(ctx, id, true)
}

func (r *ReservationRepo) get(ctx context.Context, id uint64, forUpdate bool) (model.Reservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = ?`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	res, err := scanReservation(conn(ctx, r.db).QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Reservation{}, ErrReservationNotFound
		}
		if isLockContention(err) {
			return model.Reservation{}, fmt.Errorf("get reservation: %w", ErrLockContention)
		}
		return model.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}

	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT reservation_id, seat_id, status FROM reservation_seats WHERE reservation_id = ? ORDER BY seat_id`, id)
	if err != nil {
		return model.Reservation{}, fmt.Errorf("list reservation seats: %w", err)
	}
	defer rows.Close()
	res.Seats = []model.SeatAssignment{}
	for rows.Next() {
		var a model.SeatAssignment
		var status string
		if err := rows.Scan(&a.ReservationID, &a.SeatID, &status); err != nil {
			return model.Reservation{}, err
		}
		a.Status = model.AssignmentStatus(status)
		res.Seats = append(res.Seats, a)
	}
	return res, rows.Err()
}

func scanReservation(s rowScanner) (model.Reservation, error) {
	var (
		res    model.Reservation
		status string
		method sql.NullString
		paidAt sql.NullTime
		code   sql.NullString
	)
	err := s.Scan(&res.ID, &res.BuyerID, &res.EventID, &res.Quantity, &res.TotalAmountCents, &status,
		&method, &res.RegisteredAt, &paidAt, &code, &res.Notes)
	if err != nil {
		return model.Reservation{}, err
	}
	res.PaymentStatus = model.PaymentStatus(status)
	if method.Valid {
		m := method.String
		res.PaymentMethod = &m
	}
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		res.PaidAt = &t
	}
	if code.Valid {
		c := code.String
		res.ConfirmationCode = &c
	}
	res.RegisteredAt = res.RegisteredAt.UTC()
	return res, nil
}

// SoldSeats returns the seats among seatIDs that are already sold for the
// event: a CONFIRMED assignment, or a non-cancelled assignment of a PAID
// reservation.
func (r *ReservationRepo) SoldSeats(ctx context.Context, eventID uint64, seatIDs []uint64) ([]uint64, error) {
	if len(seatIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(seatIDs)
	q := `SELECT DISTINCT rs.seat_id
	      FROM reservation_seats rs
	      JOIN reservations r ON r.id = rs.reservation_id
	      WHERE rs.event_id = ? AND rs.seat_id IN (` + in + `)
	        AND (rs.status = 'CONFIRMED' OR (r.payment_status = 'PAID' AND rs.status <> 'CANCELLED'))
	      ORDER BY rs.seat_id`
	rows, err := conn(ctx, r.db).QueryContext(ctx, q, append([]any{eventID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("sold seats: %w", err)
	}
	defer rows.Close()
	var sold []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sold = append(sold, id)
	}
	return sold, rows.Err()
}

// MarkPaid moves an open reservation to PAID.  The confirmation code is
// only written when the row has none yet.
func (r *ReservationRepo) MarkPaid(ctx context.Context, id uint64, method string, paidAt time.Time, code string) error {
	const q = `UPDATE reservations
	           SET payment_status = 'PAID', paid_at = ?, payment_method = ?,
	               confirmation_code = COALESCE(confirmation_code, ?)
	           WHERE id = ? AND payment_status IN ('UNPAID', 'RESERVED')`
	res, err := conn(ctx, r.db).ExecContext(ctx, q, paidAt, method, code, id)
	if err != nil {
		return fmt.Errorf("mark reservation paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrReservationNotFound
	}
	return nil
}

// SetPaymentMethod overwrites the recorded payment method.
func (r *ReservationRepo) SetPaymentMethod(ctx context.Context, id uint64, method string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `UPDATE reservations SET payment_method = ? WHERE id = ?`, method, id)
	if err != nil {
		return fmt.Errorf("set payment method: %w", err)
	}
	return nil
}

// SetSeatStatus transitions every assignment of a reservation currently in
// from to to and returns the number of rows changed.
func (r *ReservationRepo) SetSeatStatus(ctx context.Context, reservationID uint64, from, to model.AssignmentStatus) (int64, error) {
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE reservation_seats SET status = ? WHERE reservation_id = ? AND status = ?`,
		string(to), reservationID, string(from))
	if err != nil {
		if isDuplicateEntry(err) {
			return 0, fmt.Errorf("set seat status: %w", ErrSeatTaken)
		}
		return 0, fmt.Errorf("set seat status: %w", err)
	}
	return res.RowsAffected()
}

// Cancel moves an open reservation to CANCELLED and appends note to its
// notes.  It reports false when the reservation was no longer open.
func (r *ReservationRepo) Cancel(ctx context.Context, id uint64, note string) (bool, error) {
	n, err := r.cancel(ctx, []uint64{id}, note)
	return n == 1, err
}

// CancelMany cancels the given reservations that are still RESERVED and
// returns how many rows changed.  Rows paid in the meantime are skipped.
func (r *ReservationRepo) CancelMany(ctx context.Context, ids []uint64, note string) (int64, error) {
	return r.cancel(ctx, ids, note, model.PaymentReserved)
}

func (r *ReservationRepo) cancel(ctx context.Context, ids []uint64, note string, from ...model.PaymentStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if len(from) == 0 {
		from = []model.PaymentStatus{model.PaymentUnpaid, model.PaymentReserved}
	}
	in, args := inClause(ids)
	statusIn := make([]any, len(from))
	for i, s := range from {
		statusIn[i] = string(s)
	}
	q := `UPDATE reservations
	      SET payment_status = 'CANCELLED', notes = CONCAT_WS('; ', NULLIF(notes, ''), ?)
	      WHERE id IN (` + in + `) AND payment_status IN (` + placeholders(len(from)) + `)`
	all := append([]any{note}, args...)
	all = append(all, statusIn...)
	res, err := conn(ctx, r.db).ExecContext(ctx, q, all...)
	if err != nil {
		if isLockContention(err) {
			return 0, fmt.Errorf("cancel reservations: %w", ErrLockContention)
		}
		return 0, fmt.Errorf("cancel reservations: %w", err)
	}
	return res.RowsAffected()
}

// StaleReservation is a RESERVED reservation whose hold has lapsed.
type StaleReservation struct {
	ID      uint64
	BuyerID string
	EventID uint64
	SeatIDs []uint64
}

// FindStaleForUpdate locks and returns up to limit RESERVED reservations
// having at least one PENDING assignment whose seat lock is EXPIRED and
// still held by the reservation's buyer.  When seatIDs is non-empty only
// reservations touching those seats are considered.  Must run inside a
// transaction.
func (r *ReservationRepo) FindStaleForUpdate(ctx context.Context, seatIDs []uint64, limit int) ([]StaleReservation, error) {
	q := `SELECT r.id, r.buyer_id, r.event_id
	      FROM reservations r
	      WHERE r.payment_status = 'RESERVED'
	        AND EXISTS (SELECT 1 FROM reservation_seats rs
	                    JOIN seat_locks sl ON sl.seat_id = rs.seat_id
	                    WHERE rs.reservation_id = r.id AND rs.status = 'PENDING'
	                      AND sl.status = 'EXPIRED' AND sl.holder_id = r.buyer_id`
	var args []any
	if len(seatIDs) > 0 {
		in, seatArgs := inClause(seatIDs)
		q += ` AND rs.seat_id IN (` + in + `)`
		args = append(args, seatArgs...)
	}
	q += `)
	      ORDER BY r.id
	      LIMIT ?
	      FOR UPDATE`
	args = append(args, limit)

	rows, err := conn(ctx, r.db).QueryContext(ctx, q, args...)
	if err != nil {
		if isLockContention(err) {
			return nil, fmt.Errorf("find stale reservations: %w", ErrLockContention)
		}
		return nil, fmt.Errorf("find stale reservations: %w", err)
	}
	var stale []StaleReservation
	for rows.Next() {
		var s StaleReservation
		if err := rows.Scan(&s.ID, &s.BuyerID, &s.EventID); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, s)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range stale {
		ids, err := r.seatIDs(ctx, stale[i].ID)
		if err != nil {
			return nil, err
		}
		stale[i].SeatIDs = ids
	}
	return stale, nil
}

func (r *ReservationRepo) seatIDs(ctx context.Context, reservationID uint64) ([]uint64, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT seat_id FROM reservation_seats WHERE reservation_id = ? ORDER BY seat_id`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CancelPendingSeats marks CANCELLED the PENDING assignments of cancelled
// reservations, at most limit rows.  When reservationIDs is non-empty only
// those reservations are touched.
func (r *ReservationRepo) CancelPendingSeats(ctx context.Context, reservationIDs []uint64, limit int) (int64, error) {
	q := `UPDATE reservation_seats SET status = 'CANCELLED'
	      WHERE status = 'PENDING'
	        AND reservation_id IN (SELECT id FROM reservations WHERE payment_status = 'CANCELLED')`
	var args []any
	if len(reservationIDs) > 0 {
		in, idArgs := inClause(reservationIDs)
		q += ` AND reservation_id IN (` + in + `)`
		args = append(args, idArgs...)
	}
	q += ` LIMIT ?`
	args = append(args, limit)
	res, err := conn(ctx, r.db).ExecContext(ctx, q, args...)
	if err != nil {
		if isLockContention(err) {
			return 0, fmt.Errorf("cancel pending seats: %w", ErrLockContention)
		}
		return 0, fmt.Errorf("cancel pending seats: %w", err)
	}
	return res.RowsAffected()
}
