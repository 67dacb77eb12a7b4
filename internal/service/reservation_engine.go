// Package service holds the reservation engine and the expiry sweeper.
// Correctness under concurrency is delegated to the store: every seat is
// taken with a single conditional write and every multi-step mutation runs
// in one transaction.
package service

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/iliyamo/seat-reservation-engine/internal/clock"
	"github.com/iliyamo/seat-reservation-engine/internal/model"
	"github.com/iliyamo/seat-reservation-engine/internal/queue"
	"github.com/iliyamo/seat-reservation-engine/internal/repository"
)

// SeatDirectory resolves seat addresses and lists seat availability.
type SeatDirectory interface {
	Resolve(ctx context.Context, eventID uint64, pick model.SeatPick) (model.Seat, error)
	Availability(ctx context.Context, eventID uint64, now time.Time) ([]model.SeatAvailability, error)
}

// LockTable is the per-seat hold store.
type LockTable interface {
	Acquire(ctx context.Context, lock model.SeatLock) (bool, error)
	HeldByOthers(ctx context.Context, holderID string, seatIDs []uint64, now time.Time) ([]model.SeatLock, error)
	Release(ctx context.Context, holderID string, seatIDs []uint64) (int64, error)
	ExpireDue(ctx context.Context, now time.Time, seatIDs []uint64, limit int) (int64, error)
}

// ReservationStore persists reservation headers and seat assignments.
type ReservationStore interface {
	Create(ctx context.Context, res *model.Reservation) error
	AddSeats(ctx context.Context, reservationID, eventID uint64, seatIDs []uint64) error
	Get(ctx context.Context, id uint64) (model.Reservation, error)
	GetForUpdate(ctx context.Context, id uint64) (model.Reservation, error)
	SoldSeats(ctx context.Context, eventID uint64, seatIDs []uint64) ([]uint64, error)
	MarkPaid(ctx context.Context, id uint64, method string, paidAt time.Time, code string) error
	SetPaymentMethod(ctx context.Context, id uint64, method string) error
	SetSeatStatus(ctx context.Context, reservationID uint64, from, to model.AssignmentStatus) (int64, error)
	Cancel(ctx context.Context, id uint64, note string) (bool, error)
	FindStaleForUpdate(ctx context.Context, seatIDs []uint64, limit int) ([]repository.StaleReservation, error)
	CancelMany(ctx context.Context, ids []uint64, note string) (int64, error)
	CancelPendingSeats(ctx context.Context, reservationIDs []uint64, limit int) (int64, error)
}

// Transactor runs fn in a single store transaction carried by ctx.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventPublisher receives domain events after commit.
type EventPublisher interface {
	PublishConfirmed(ctx context.Context, ev queue.ReservationConfirmedEvent) error
	PublishCancelled(ctx context.Context, ev queue.ReservationCancelledEvent) error
}

// Notes written on cancelled reservations.
const (
	NoteCancelledByBuyer = "cancelled by buyer"
	NoteHoldExpired      = "seat hold expired before payment"
)

const (
	defaultLockTTL  = 5 * time.Minute
	defaultMaxSeats = 10

	// Column widths of buyer_id/holder_id and payment_method.
	maxBuyerIDLen       = 64
	maxPaymentMethodLen = 32
)

// ReservationEngine validates purchase requests, takes seat locks and
// moves reservations through RESERVED, PAID and CANCELLED.
type ReservationEngine struct {
	tx           Transactor
	seats        SeatDirectory
	locks        LockTable
	reservations ReservationStore
	clock        clock.Clock
	publisher    EventPublisher
	logger       *slog.Logger
	lockTTL      time.Duration
	maxSeats     int
}

// EngineOption customises a ReservationEngine.
type EngineOption func(*ReservationEngine)

// WithLockTTL overrides the default hold duration.
func WithLockTTL(d time.Duration) EngineOption {
	return func(e *ReservationEngine) {
		if d > 0 {
			e.lockTTL = d
		}
	}
}

// WithMaxSeats caps the number of seats in one reservation.
func WithMaxSeats(n int) EngineOption {
	return func(e *ReservationEngine) {
		if n > 0 {
			e.maxSeats = n
		}
	}
}

// WithPublisher sets the event publisher.  Without it events are dropped.
func WithPublisher(p EventPublisher) EngineOption {
	return func(e *ReservationEngine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *ReservationEngine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewReservationEngine wires the engine to its stores.
func NewReservationEngine(tx Transactor, seats SeatDirectory, locks LockTable, reservations ReservationStore, clk clock.Clock, opts ...EngineOption) *ReservationEngine {
	e := &ReservationEngine{
		tx:           tx,
		seats:        seats,
		locks:        locks,
		reservations: reservations,
		clock:        clk,
		publisher:    queue.NopPublisher{},
		logger:       slog.Default(),
		lockTTL:      defaultLockTTL,
		maxSeats:     defaultMaxSeats,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateReservationInput is a purchase request.  AmountCents is supplied by
// the pricing collaborator and stored as is.
type CreateReservationInput struct {
	BuyerID     string
	EventID     uint64
	Picks       []model.SeatPick
	Quantity    int
	AmountCents int64
}

func (e *ReservationEngine) validate(in CreateReservationInput) error {
	if strings.TrimSpace(in.BuyerID) == "" {
		return ErrMissingBuyer
	}
	if utf8.RuneCountInString(in.BuyerID) > maxBuyerIDLen {
		return invalid("buyer id longer than %d characters", maxBuyerIDLen)
	}
	if in.EventID == 0 {
		return invalid("event id is required")
	}
	if in.Quantity <= 0 {
		return invalid("quantity must be positive")
	}
	if in.Quantity > e.maxSeats {
		return invalid("at most %d seats per reservation", e.maxSeats)
	}
	if len(in.Picks) != in.Quantity {
		return invalid("quantity %d does not match %d seat picks", in.Quantity, len(in.Picks))
	}
	if in.AmountCents < 0 || in.AmountCents > math.MaxUint32 {
		return invalid("amount out of range")
	}
	seen := make(map[string]struct{}, len(in.Picks))
	for _, p := range in.Picks {
		if p.ZoneID == 0 || p.Row < 0 || p.Column < 0 {
			return invalid("malformed seat pick %s", p)
		}
		if _, dup := seen[p.Key()]; dup {
			return invalid("duplicate seat pick %s", p)
		}
		seen[p.Key()] = struct{}{}
	}
	return nil
}

// CreateReservation resolves the picks, locks every seat for the buyer and
// records a RESERVED reservation with one PENDING assignment per seat.
// Either all of it is committed or nothing is.
func (e *ReservationEngine) CreateReservation(ctx context.Context, in CreateReservationInput) (model.Reservation, error) {
	if err := e.validate(in); err != nil {
		return model.Reservation{}, err
	}

	var (
		result    model.Reservation
		seatIDs   []uint64
		reclaimed []repository.StaleReservation
	)
	err := e.tx.WithTx(ctx, func(ctx context.Context) error {
		now := e.clock.Now()
		reclaimed = nil

		seatIDs = make([]uint64, 0, len(in.Picks))
		for _, p := range in.Picks {
			seat, err := e.seats.Resolve(ctx, in.EventID, p)
			if err != nil {
				if errors.Is(err, repository.ErrSeatNotFound) {
					return &SeatAddressError{Pick: p}
				}
				return err
			}
			if slices.Contains(seatIDs, seat.ID) {
				return invalid("duplicate seat pick %s", p)
			}
			seatIDs = append(seatIDs, seat.ID)
		}
		// Ascending order keeps two overlapping requests from deadlocking.
		slices.Sort(seatIDs)

		stale, err := e.reclaim(ctx, now, seatIDs)
		if err != nil {
			return err
		}
		reclaimed = stale

		if err := e.precheck(ctx, in, seatIDs, now); err != nil {
			return err
		}

		for _, id := range seatIDs {
			ok, err := e.locks.Acquire(ctx, model.SeatLock{
				SeatID:    id,
				HolderID:  in.BuyerID,
				LockToken: uuid.NewString(),
				Status:    model.LockStatusLocked,
				LockedAt:  now,
				ExpiresAt: now.Add(e.lockTTL),
			})
			if err != nil {
				return err
			}
			if !ok {
				return conflict(ReasonLocked, id)
			}
		}

		res := model.Reservation{
			BuyerID:          in.BuyerID,
			EventID:          in.EventID,
			Quantity:         in.Quantity,
			TotalAmountCents: uint32(in.AmountCents),
			PaymentStatus:    model.PaymentReserved,
			RegisteredAt:     now,
		}
		if err := e.reservations.Create(ctx, &res); err != nil {
			return err
		}
		if err := e.reservations.AddSeats(ctx, res.ID, in.EventID, seatIDs); err != nil {
			var taken *repository.SeatTakenError
			if errors.As(err, &taken) {
				return conflict(ReasonReserved, taken.SeatID)
			}
			return err
		}
		res.Seats = make([]model.SeatAssignment, len(seatIDs))
		for i, id := range seatIDs {
			res.Seats[i] = model.SeatAssignment{ReservationID: res.ID, SeatID: id, Status: model.AssignmentPending}
		}
		result = res
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrLockContention) {
			return model.Reservation{}, conflict(ReasonLocked, seatIDs...)
		}
		return model.Reservation{}, err
	}

	for _, s := range reclaimed {
		e.publishCancelled(ctx, s.ID, s.BuyerID, s.EventID, s.SeatIDs, queue.ReasonExpired)
	}
	e.logger.Info("reservation created",
		"reservation_id", result.ID, "buyer_id", result.BuyerID, "event_id", result.EventID, "seats", seatIDs)
	return result, nil
}

// reclaim applies the sweep to the requested seats so that a lapsed hold
// does not block a new buyer until the next tick.
func (e *ReservationEngine) reclaim(ctx context.Context, now time.Time, seatIDs []uint64) ([]repository.StaleReservation, error) {
	if _, err := e.locks.ExpireDue(ctx, now, seatIDs, len(seatIDs)); err != nil {
		return nil, err
	}
	stale, err := e.reservations.FindStaleForUpdate(ctx, seatIDs, len(seatIDs))
	if err != nil || len(stale) == 0 {
		return nil, err
	}
	ids := make([]uint64, len(stale))
	seats := 0
	for i, s := range stale {
		ids[i] = s.ID
		seats += len(s.SeatIDs)
	}
	if _, err := e.reservations.CancelMany(ctx, ids, NoteHoldExpired); err != nil {
		return nil, err
	}
	if _, err := e.reservations.CancelPendingSeats(ctx, ids, seats); err != nil {
		return nil, err
	}
	return stale, nil
}

// precheck reports sold seats first, then seats held by other buyers.  It
// only produces a friendlier error; Acquire is what enforces exclusion.
func (e *ReservationEngine) precheck(ctx context.Context, in CreateReservationInput, seatIDs []uint64, now time.Time) error {
	sold, err := e.reservations.SoldSeats(ctx, in.EventID, seatIDs)
	if err != nil {
		return err
	}
	if len(sold) > 0 {
		return conflict(ReasonSold, sold...)
	}
	held, err := e.locks.HeldByOthers(ctx, in.BuyerID, seatIDs, now)
	if err != nil {
		return err
	}
	if len(held) > 0 {
		ids := make([]uint64, len(held))
		for i, l := range held {
			ids[i] = l.SeatID
		}
		return conflict(ReasonLocked, ids...)
	}
	return nil
}

// GetReservation returns a reservation with its seat assignments.
func (e *ReservationEngine) GetReservation(ctx context.Context, id uint64) (model.Reservation, error) {
	res, err := e.reservations.Get(ctx, id)
	if err != nil {
		return model.Reservation{}, mapNotFound(err)
	}
	return res, nil
}

// ConfirmPayment marks a reservation PAID, confirms its seats and releases
// the buyer's locks.  Paying an already paid reservation returns it
// unchanged apart from a new payment method.
func (e *ReservationEngine) ConfirmPayment(ctx context.Context, id uint64, method string) (model.Reservation, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return model.Reservation{}, invalid("payment method is required")
	}
	if utf8.RuneCountInString(method) > maxPaymentMethodLen {
		return model.Reservation{}, invalid("payment method longer than %d characters", maxPaymentMethodLen)
	}

	var (
		result    model.Reservation
		confirmed bool
	)
	err := e.tx.WithTx(ctx, func(ctx context.Context) error {
		confirmed = false
		cur, err := e.reservations.GetForUpdate(ctx, id)
		if err != nil {
			return mapNotFound(err)
		}
		switch cur.PaymentStatus {
		case model.PaymentPaid:
			if cur.PaymentMethod == nil || *cur.PaymentMethod != method {
				if err := e.reservations.SetPaymentMethod(ctx, id, method); err != nil {
					return err
				}
				cur.PaymentMethod = &method
			}
			result = cur
			return nil
		case model.PaymentCancelled:
			return ErrReservationNotPayable
		}

		now := e.clock.Now()
		if err := e.reservations.MarkPaid(ctx, id, method, now, newConfirmationCode()); err != nil {
			return mapNotFound(err)
		}
		if _, err := e.reservations.SetSeatStatus(ctx, id, model.AssignmentPending, model.AssignmentConfirmed); err != nil {
			return err
		}
		if _, err := e.locks.Release(ctx, cur.BuyerID, cur.SeatIDs()); err != nil {
			return err
		}
		result, err = e.reservations.Get(ctx, id)
		if err != nil {
			return err
		}
		confirmed = true
		return nil
	})
	if err != nil {
		return model.Reservation{}, err
	}

	if confirmed {
		e.logger.Info("reservation paid", "reservation_id", result.ID, "buyer_id", result.BuyerID, "method", method)
		ev := queue.ReservationConfirmedEvent{
			ReservationID:    result.ID,
			BuyerID:          result.BuyerID,
			EventID:          result.EventID,
			SeatIDs:          result.SeatIDs(),
			TotalAmountCents: result.TotalAmountCents,
			PaymentMethod:    method,
			ConfirmedAt:      e.clock.Now().Format(time.RFC3339),
		}
		if result.ConfirmationCode != nil {
			ev.ConfirmationCode = *result.ConfirmationCode
		}
		if err := e.publisher.PublishConfirmed(context.WithoutCancel(ctx), ev); err != nil {
			e.logger.Warn("publish reservation.confirmed failed", "reservation_id", result.ID, "err", err)
		}
	}
	return result, nil
}

// CancelReservation cancels an open reservation and frees its seats.  Paid
// and already cancelled reservations are returned untouched.
func (e *ReservationEngine) CancelReservation(ctx context.Context, id uint64) (model.Reservation, error) {
	var (
		result    model.Reservation
		cancelled bool
	)
	err := e.tx.WithTx(ctx, func(ctx context.Context) error {
		cancelled = false
		cur, err := e.reservations.GetForUpdate(ctx, id)
		if err != nil {
			return mapNotFound(err)
		}
		if !cur.PaymentStatus.Open() {
			result = cur
			return nil
		}
		if _, err := e.reservations.SetSeatStatus(ctx, id, model.AssignmentPending, model.AssignmentCancelled); err != nil {
			return err
		}
		if _, err := e.locks.Release(ctx, cur.BuyerID, cur.SeatIDs()); err != nil {
			return err
		}
		if _, err := e.reservations.Cancel(ctx, id, NoteCancelledByBuyer); err != nil {
			return err
		}
		result, err = e.reservations.Get(ctx, id)
		if err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return model.Reservation{}, err
	}
	if cancelled {
		e.logger.Info("reservation cancelled", "reservation_id", result.ID, "buyer_id", result.BuyerID)
		e.publishCancelled(ctx, result.ID, result.BuyerID, result.EventID, result.SeatIDs(), queue.ReasonBuyer)
	}
	return result, nil
}

// SeatAvailability lists the seats of an event as FREE, HELD or SOLD.
func (e *ReservationEngine) SeatAvailability(ctx context.Context, eventID uint64) ([]model.SeatAvailability, error) {
	return e.seats.Availability(ctx, eventID, e.clock.Now())
}

func (e *ReservationEngine) publishCancelled(ctx context.Context, id uint64, buyerID string, eventID uint64, seatIDs []uint64, reason string) {
	ev := queue.ReservationCancelledEvent{
		ReservationID: id,
		BuyerID:       buyerID,
		EventID:       eventID,
		SeatIDs:       seatIDs,
		Reason:        reason,
		CancelledAt:   e.clock.Now().Format(time.RFC3339),
	}
	if err := e.publisher.PublishCancelled(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("publish reservation.cancelled failed", "reservation_id", id, "err", err)
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, repository.ErrReservationNotFound) {
		return ErrReservationNotFound
	}
	return err
}

func newConfirmationCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}
