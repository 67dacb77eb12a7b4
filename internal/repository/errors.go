// Package repository defines error types that are reused across multiple
// repositories.  These sentinel values allow higher layers such as the
// reservation engine to distinguish between different failure scenarios
// without inspecting driver errors themselves.
package repository

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// ErrSeatNotFound is returned when a seat address does not resolve to a
// seat of the requested event.
var ErrSeatNotFound = errors.New("seat not found")

// ErrReservationNotFound is returned when no reservation has the given id.
var ErrReservationNotFound = errors.New("reservation not found")

// ErrSeatTaken signals that a seat already has an active assignment for
// the event.  The unique active-seat index is the source of this error.
var ErrSeatTaken = errors.New("seat already assigned")

// ErrLockContention is returned when the store aborted a statement because
// of a deadlock or lock wait timeout.  The surrounding transaction has
// been rolled back by MySQL and must not be continued.
var ErrLockContention = errors.New("lock contention")

// SeatTakenError names the seat whose assignment collided with another
// active assignment.
type SeatTakenError struct {
	SeatID uint64
}

func (e *SeatTakenError) Error() string {
	return fmt.Sprintf("seat %d already assigned", e.SeatID)
}

func (e *SeatTakenError) Unwrap() error { return ErrSeatTaken }

// MySQL server error numbers the repositories react to.
const (
	errDuplicateEntry  = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

func mysqlErrNumber(err error) uint16 {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number
	}
	return 0
}

func isDuplicateEntry(err error) bool {
	return mysqlErrNumber(err) == errDuplicateEntry
}

func isLockContention(err error) bool {
	n := mysqlErrNumber(err)
	return n == errDeadlock || n == errLockWaitTimeout
}
