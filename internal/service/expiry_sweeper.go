package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/iliyamo/seat-reservation-engine/internal/clock"
	"github.com/iliyamo/seat-reservation-engine/internal/queue"
	"github.com/iliyamo/seat-reservation-engine/internal/repository"
)

const (
	defaultSweepInterval = 60 * time.Second
	defaultSweepBatch    = 500
)

// SweepResult counts the rows changed by each phase of one sweep.
type SweepResult struct {
	LocksExpired          int64
	ReservationsCancelled int64
	SeatsReleased         int64
}

// Empty reports whether the sweep changed nothing.
func (r SweepResult) Empty() bool {
	return r.LocksExpired == 0 && r.ReservationsCancelled == 0 && r.SeatsReleased == 0
}

// ExpirySweeper reclaims lapsed holds and the reservations that depended
// on them.  Each phase is a guarded update, so re-running a sweep or
// running it next to live requests never touches a paid reservation.
type ExpirySweeper struct {
	tx           Transactor
	locks        LockTable
	reservations ReservationStore
	clock        clock.Clock
	publisher    EventPublisher
	logger       *slog.Logger
	interval     time.Duration
	batch        int
}

// SweeperOption customises an ExpirySweeper.
type SweeperOption func(*ExpirySweeper)

// WithSweepInterval sets the tick period.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *ExpirySweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweepBatch bounds the rows touched by each phase.
func WithSweepBatch(n int) SweeperOption {
	return func(s *ExpirySweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithSweepPublisher sets the publisher for expiry cancellations.
func WithSweepPublisher(p EventPublisher) SweeperOption {
	return func(s *ExpirySweeper) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithSweepLogger sets the logger.
func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *ExpirySweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewExpirySweeper returns a sweeper over the given stores.
func NewExpirySweeper(tx Transactor, locks LockTable, reservations ReservationStore, clk clock.Clock, opts ...SweeperOption) *ExpirySweeper {
	s := &ExpirySweeper{
		tx:           tx,
		locks:        locks,
		reservations: reservations,
		clock:        clk,
		publisher:    queue.NopPublisher{},
		logger:       slog.Default(),
		interval:     defaultSweepInterval,
		batch:        defaultSweepBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sweeper")
	return s
}

// Run sweeps once immediately and then on every tick until ctx is done.
// Failures are logged and retried on the next tick.
func (s *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *ExpirySweeper) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked", "panic", r)
		}
	}()
	res, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "err", err,
			"locks_expired", res.LocksExpired, "reservations_cancelled", res.ReservationsCancelled)
		return
	}
	if !res.Empty() {
		s.logger.Info("sweep done",
			"locks_expired", res.LocksExpired,
			"reservations_cancelled", res.ReservationsCancelled,
			"seats_released", res.SeatsReleased)
	}
}

// Sweep runs the three phases once:
//  1. LOCKED rows past expires_at become EXPIRED.
//  2. RESERVED reservations whose PENDING seats sit on an EXPIRED lock of
//     their own buyer become CANCELLED.
//  3. PENDING assignments of CANCELLED reservations become CANCELLED.
//
// The counts of phases that completed are returned even on error.
func (s *ExpirySweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.clock.Now()

	n, err := s.locks.ExpireDue(ctx, now, nil, s.batch)
	if err != nil {
		return res, fmt.Errorf("expire locks: %w", err)
	}
	res.LocksExpired = n

	var stale []repository.StaleReservation
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		stale = nil
		found, err := s.reservations.FindStaleForUpdate(ctx, nil, s.batch)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return nil
		}
		ids := make([]uint64, len(found))
		for i, r := range found {
			ids[i] = r.ID
		}
		n, err := s.reservations.CancelMany(ctx, ids, NoteHoldExpired)
		if err != nil {
			return err
		}
		res.ReservationsCancelled = n
		stale = found
		return nil
	})
	if err != nil {
		res.ReservationsCancelled = 0
		return res, fmt.Errorf("cancel stale reservations: %w", err)
	}

	n, err = s.reservations.CancelPendingSeats(ctx, nil, s.batch)
	if err != nil {
		return res, fmt.Errorf("release seat assignments: %w", err)
	}
	res.SeatsReleased = n

	for _, r := range stale {
		ev := queue.ReservationCancelledEvent{
			ReservationID: r.ID,
			BuyerID:       r.BuyerID,
			EventID:       r.EventID,
			SeatIDs:       r.SeatIDs,
			Reason:        queue.ReasonExpired,
			CancelledAt:   now.Format(time.RFC3339),
		}
		if err := s.publisher.PublishCancelled(context.WithoutCancel(ctx), ev); err != nil {
			s.logger.Warn("publish reservation.cancelled failed", "reservation_id", r.ID, "err", err)
		}
	}
	return res, nil
}
