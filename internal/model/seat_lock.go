package model

import "time"

// LockStatus is the lifecycle state of a seat lock row.
type LockStatus string

const (
	LockStatusLocked   LockStatus = "LOCKED"
	LockStatusExpired  LockStatus = "EXPIRED"
	LockStatusUnlocked LockStatus = "UNLOCKED"
)

// SeatLock represents a temporary exclusive hold on a seat during the
// checkout process.  There is at most one row per seat; a new holder
// overwrites the row once the previous hold has lapsed or been released.
//
// Fields:
//  SeatID    – seat being held (primary key).
//  HolderID  – buyer who holds the seat.
//  LockToken – opaque token regenerated on every acquisition.
//  Status    – LOCKED, EXPIRED or UNLOCKED.
//  LockedAt  – when the current hold was acquired.
//  ExpiresAt – when the current hold lapses.
type SeatLock struct {
	SeatID    uint64     // seat_locks.seat_id
	HolderID  string     // seat_locks.holder_id
	LockToken string     // seat_locks.lock_token
	Status    LockStatus // seat_locks.status
	LockedAt  time.Time  // seat_locks.locked_at
	ExpiresAt time.Time  // seat_locks.expires_at
}

// ActiveAt reports whether the lock still excludes other holders at now.
func (l SeatLock) ActiveAt(now time.Time) bool {
	return l.Status == LockStatusLocked && l.ExpiresAt.After(now)
}
