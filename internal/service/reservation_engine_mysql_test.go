package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/seat-reservation-engine/internal/clock"
	"github.com/iliyamo/seat-reservation-engine/internal/model"
	"github.com/iliyamo/seat-reservation-engine/internal/repository"
	"github.com/iliyamo/seat-reservation-engine/internal/testutil"
)

func TestEngineMySQL_RaceThenSweep(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	testutil.TruncateAll(t, ctx, db)
	eventID, zoneID, seats := testutil.InsertSeatMap(t, ctx, db, 1, 3)

	now := time.Now().UTC().Truncate(time.Millisecond)
	txm := repository.NewTxManager(db)
	locks := repository.NewSeatLockRepo(db)
	reservations := repository.NewReservationRepo(db)
	engine := NewReservationEngine(txm, repository.NewSeatRepo(db), locks, reservations, clock.NewFixed(now),
		WithLockTTL(time.Minute))

	overlap := [][]int{{1, 2}, {2, 3}, {3, 1}, {1, 2, 3}, {2}, {3}}
	var wg sync.WaitGroup
	for i, cols := range overlap {
		wg.Add(1)
		go func(i int, cols []int) {
			defer wg.Done()
			p := make([]model.SeatPick, len(cols))
			for j, c := range cols {
				p[j] = model.SeatPick{ZoneID: zoneID, Row: 1, Column: c}
			}
			_, err := engine.CreateReservation(ctx, CreateReservationInput{
				BuyerID: fmt.Sprintf("buyer-%d", i), EventID: eventID, Picks: p, Quantity: len(p),
			})
			if err != nil {
				assert.ErrorIs(t, err, ErrSeatUnavailable)
			}
		}(i, cols)
	}
	wg.Wait()

	var active int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reservation_seats WHERE status <> 'CANCELLED'`).Scan(&active))
	var locked int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seat_locks WHERE status = 'LOCKED'`).Scan(&locked))
	assert.LessOrEqual(t, active, len(seats))
	assert.Equal(t, active, locked, "every held seat is backed by an assignment")

	sweeper := NewExpirySweeper(txm, locks, reservations, clock.NewFixed(now.Add(time.Minute)))
	res, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(locked), res.LocksExpired)
	assert.Equal(t, int64(active), res.SeatsReleased)

	again, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, again.Empty())
}
