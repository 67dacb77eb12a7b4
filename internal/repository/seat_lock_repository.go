package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

// SeatLockRepo provides data access to the seat_locks table.  The seat id
// is the primary key, so there is never more than one lock row per seat;
// every write below is a single conditional statement evaluated by
// InnoDB, never a read followed by a decision in Go.  All timestamps are
// UTC.
type SeatLockRepo struct {
	db *sql.DB
}

// NewSeatLockRepo returns a new SeatLockRepo bound to the provided database.
func NewSeatLockRepo(db *sql.DB) *SeatLockRepo { return &SeatLockRepo{db: db} }

// Acquire grants lock.HolderID an exclusive hold on lock.SeatID until
// lock.ExpiresAt.  An existing row is taken over only when it is not an
// unexpired LOCKED row of another holder; the same holder may refresh
// its own lock.  When no row exists yet it is inserted, and a concurrent
// insert of the same seat waits on the primary key and is then ignored.
// The boolean reports whether the lock was granted.
func (r *SeatLockRepo) Acquire(ctx context.Context, lock model.SeatLock) (bool, error) {
	q := conn(ctx, r.db)
	const takeOver = `UPDATE seat_locks
	                  SET holder_id = ?, lock_token = ?, status = 'LOCKED', locked_at = ?, expires_at = ?
	                  WHERE seat_id = ?
	                    AND (status <> 'LOCKED' OR expires_at <= ? OR holder_id = ?)`
	res, err := q.ExecContext(ctx, takeOver,
		lock.HolderID, lock.LockToken, lock.LockedAt, lock.ExpiresAt,
		lock.SeatID, lock.LockedAt, lock.HolderID,
	)
	if err != nil {
		return false, classifyLockErr("take over seat lock", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 1 {
		return true, nil
	}

	const insert = `INSERT IGNORE INTO seat_locks (seat_id, holder_id, lock_token, status, locked_at, expires_at)
	                VALUES (?, ?, ?, 'LOCKED', ?, ?)`
	res, err = q.ExecContext(ctx, insert, lock.SeatID, lock.HolderID, lock.LockToken, lock.LockedAt, lock.ExpiresAt)
	if err != nil {
		return false, classifyLockErr("insert seat lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// HeldByOthers returns the unexpired LOCKED rows among seatIDs whose
// holder is not holderID.
func (r *SeatLockRepo) HeldByOthers(ctx context.Context, holderID string, seatIDs []uint64, now time.Time) ([]model.SeatLock, error) {
	if len(seatIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(seatIDs)
	q := `SELECT seat_id, holder_id, lock_token, status, locked_at, expires_at
	      FROM seat_locks
	      WHERE seat_id IN (` + in + `) AND status = 'LOCKED' AND expires_at > ? AND holder_id <> ?
	      ORDER BY seat_id`
	args = append(args, now, holderID)
	rows, err := conn(ctx, r.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("held by others: %w", err)
	}
	defer rows.Close()
	var locks []model.SeatLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// Release transitions the LOCKED or EXPIRED rows of holderID on seatIDs
// to UNLOCKED and returns the number of rows released.
func (r *SeatLockRepo) Release(ctx context.Context, holderID string, seatIDs []uint64) (int64, error) {
	if len(seatIDs) == 0 {
		return 0, nil
	}
	in, args := inClause(seatIDs)
	q := `UPDATE seat_locks SET status = 'UNLOCKED'
	      WHERE holder_id = ? AND seat_id IN (` + in + `) AND status IN ('LOCKED', 'EXPIRED')`
	res, err := conn(ctx, r.db).ExecContext(ctx, q, append([]any{holderID}, args...)...)
	if err != nil {
		return 0, classifyLockErr("release seat locks", err)
	}
	return res.RowsAffected()
}

// ExpireDue marks LOCKED rows whose expires_at is at or before now as
// EXPIRED, at most limit rows per call.  When seatIDs is non-empty only
// those seats are considered.  Re-running it is a no-op for rows that
// are already EXPIRED.
func (r *SeatLockRepo) ExpireDue(ctx context.Context, now time.Time, seatIDs []uint64, limit int) (int64, error) {
	q := `UPDATE seat_locks SET status = 'EXPIRED' WHERE status = 'LOCKED' AND expires_at <= ?`
	args := []any{now}
	if len(seatIDs) > 0 {
		in, seatArgs := inClause(seatIDs)
		q += ` AND seat_id IN (` + in + `)`
		args = append(args, seatArgs...)
	}
	q += ` ORDER BY expires_at LIMIT ?`
	args = append(args, limit)
	res, err := conn(ctx, r.db).ExecContext(ctx, q, args...)
	if err != nil {
		return 0, classifyLockErr("expire seat locks", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(s rowScanner) (model.SeatLock, error) {
	var l model.SeatLock
	var status string
	if err := s.Scan(&l.SeatID, &l.HolderID, &l.LockToken, &status, &l.LockedAt, &l.ExpiresAt); err != nil {
		return model.SeatLock{}, err
	}
	l.Status = model.LockStatus(status)
	return l, nil
}

func classifyLockErr(op string, err error) error {
	if isLockContention(err) {
		return fmt.Errorf("%s: %w", op, ErrLockContention)
	}
	return fmt.Errorf("%s: %w", op, err)
}
