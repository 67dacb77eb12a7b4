package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeatLock_ActiveAt(t *testing.T) {
	now := time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		lock SeatLock
		want bool
	}{
		{"locked and unexpired", SeatLock{Status: LockStatusLocked, ExpiresAt: now.Add(time.Second)}, true},
		{"expires exactly now", SeatLock{Status: LockStatusLocked, ExpiresAt: now}, false},
		{"lapsed", SeatLock{Status: LockStatusLocked, ExpiresAt: now.Add(-time.Minute)}, false},
		{"expired by sweep", SeatLock{Status: LockStatusExpired, ExpiresAt: now.Add(time.Minute)}, false},
		{"released", SeatLock{Status: LockStatusUnlocked, ExpiresAt: now.Add(time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.lock.ActiveAt(now))
		})
	}
}
