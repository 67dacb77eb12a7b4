package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/seat-reservation-engine/internal/model"
	"github.com/iliyamo/seat-reservation-engine/internal/repository"
)

// memStore is an in-memory stand-in for the MySQL repositories.  One mutex
// serializes transactions; a failed transaction restores the snapshot taken
// when it began.  The predicates mirror the SQL in the repository package.
type memStore struct {
	mu sync.Mutex

	seats   map[string]model.Seat
	seatIDs []uint64

	locks   map[uint64]model.SeatLock
	headers map[uint64]model.Reservation
	assigns []memAssignment
	nextID  uint64
}

type memAssignment struct {
	reservationID uint64
	eventID       uint64
	seatID        uint64
	status        model.AssignmentStatus
}

type memTxKey struct{}

func newMemStore() *memStore {
	return &memStore{
		seats:   map[string]model.Seat{},
		locks:   map[uint64]model.SeatLock{},
		headers: map[uint64]model.Reservation{},
	}
}

func seatKey(eventID uint64, p model.SeatPick) string {
	return fmt.Sprintf("%d/%s", eventID, p.Key())
}

// addRow creates seats 1..n in the given row of a zone.  Seat ids are
// zoneID*100 + row*10 + seat number.
func (s *memStore) addRow(eventID, zoneID uint64, row, n int) {
	for col := 1; col <= n; col++ {
		id := zoneID*100 + uint64(row)*10 + uint64(col)
		s.seats[seatKey(eventID, model.SeatPick{ZoneID: zoneID, Row: row, Column: col})] = model.Seat{
			ID: id, RowID: zoneID*10 + uint64(row), ZoneID: zoneID, EventID: eventID, RowNumber: row, SeatNumber: col,
		}
		s.seatIDs = append(s.seatIDs, id)
	}
	slices.Sort(s.seatIDs)
}

func (s *memStore) enter(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type memSnapshot struct {
	locks   map[uint64]model.SeatLock
	headers map[uint64]model.Reservation
	assigns []memAssignment
	nextID  uint64
}

func (s *memStore) snapshot() memSnapshot {
	snap := memSnapshot{
		locks:   make(map[uint64]model.SeatLock, len(s.locks)),
		headers: make(map[uint64]model.Reservation, len(s.headers)),
		assigns: slices.Clone(s.assigns),
		nextID:  s.nextID,
	}
	for k, v := range s.locks {
		snap.locks[k] = v
	}
	for k, v := range s.headers {
		snap.headers[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.locks, s.headers, s.assigns, s.nextID = snap.locks, snap.headers, snap.assigns, snap.nextID
}

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Seat directory.

func (s *memStore) Resolve(ctx context.Context, eventID uint64, pick model.SeatPick) (model.Seat, error) {
	defer s.enter(ctx)()
	seat, ok := s.seats[seatKey(eventID, pick)]
	if !ok {
		return model.Seat{}, repository.ErrSeatNotFound
	}
	return seat, nil
}

func (s *memStore) Availability(ctx context.Context, eventID uint64, now time.Time) ([]model.SeatAvailability, error) {
	defer s.enter(ctx)()
	var out []model.SeatAvailability
	for _, seat := range s.seats {
		if seat.EventID != eventID {
			continue
		}
		a := model.SeatAvailability{SeatID: seat.ID, ZoneID: seat.ZoneID, Row: seat.RowNumber, SeatNumber: seat.SeatNumber, Status: model.AvailabilityFree}
		if s.confirmed(eventID, seat.ID) {
			a.Status = model.AvailabilitySold
		} else if l, ok := s.locks[seat.ID]; ok && l.ActiveAt(now) {
			a.Status = model.AvailabilityHeld
			until := l.ExpiresAt
			a.HeldUntil = &until
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatID < out[j].SeatID })
	return out, nil
}

func (s *memStore) confirmed(eventID, seatID uint64) bool {
	for _, a := range s.assigns {
		if a.eventID == eventID && a.seatID == seatID && a.status == model.AssignmentConfirmed {
			return true
		}
	}
	return false
}

// Lock table.

func (s *memStore) Acquire(ctx context.Context, lock model.SeatLock) (bool, error) {
	defer s.enter(ctx)()
	if cur, ok := s.locks[lock.SeatID]; ok &&
		cur.Status == model.LockStatusLocked && cur.ExpiresAt.After(lock.LockedAt) && cur.HolderID != lock.HolderID {
		return false, nil
	}
	s.locks[lock.SeatID] = lock
	return true, nil
}

func (s *memStore) HeldByOthers(ctx context.Context, holderID string, seatIDs []uint64, now time.Time) ([]model.SeatLock, error) {
	defer s.enter(ctx)()
	var out []model.SeatLock
	for _, id := range seatIDs {
		if l, ok := s.locks[id]; ok && l.ActiveAt(now) && l.HolderID != holderID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memStore) Release(ctx context.Context, holderID string, seatIDs []uint64) (int64, error) {
	defer s.enter(ctx)()
	var n int64
	for _, id := range seatIDs {
		l, ok := s.locks[id]
		if !ok || l.HolderID != holderID || l.Status == model.LockStatusUnlocked {
			continue
		}
		l.Status = model.LockStatusUnlocked
		s.locks[id] = l
		n++
	}
	return n, nil
}

func (s *memStore) ExpireDue(ctx context.Context, now time.Time, seatIDs []uint64, limit int) (int64, error) {
	defer s.enter(ctx)()
	var n int64
	for _, id := range s.seatIDs {
		if int(n) >= limit {
			break
		}
		if len(seatIDs) > 0 && !slices.Contains(seatIDs, id) {
			continue
		}
		l, ok := s.locks[id]
		if !ok || l.Status != model.LockStatusLocked || l.ExpiresAt.After(now) {
			continue
		}
		l.Status = model.LockStatusExpired
		s.locks[id] = l
		n++
	}
	return n, nil
}

// Reservations.

func (s *memStore) Create(ctx context.Context, res *model.Reservation) error {
	defer s.enter(ctx)()
	s.nextID++
	res.ID = s.nextID
	h := *res
	h.Seats = nil
	s.headers[h.ID] = h
	return nil
}

func (s *memStore) AddSeats(ctx context.Context, reservationID, eventID uint64, seatIDs []uint64) error {
	defer s.enter(ctx)()
	for _, seatID := range seatIDs {
		for _, a := range s.assigns {
			if a.eventID == eventID && a.seatID == seatID && a.status != model.AssignmentCancelled {
				return &repository.SeatTakenError{SeatID: seatID}
			}
		}
		s.assigns = append(s.assigns, memAssignment{reservationID, eventID, seatID, model.AssignmentPending})
	}
	return nil
}

func (s *memStore) Get(ctx context.Context, id uint64) (model.Reservation, error) {
	defer s.enter(ctx)()
	return s.get(id)
}

func (s *memStore) GetForUpdate(ctx context.Context, id uint64) (model.Reservation, error) {
	return s.Get(ctx, id)
}

func (s *memStore) get(id uint64) (model.Reservation, error) {
	h, ok := s.headers[id]
	if !ok {
		return model.Reservation{}, repository.ErrReservationNotFound
	}
	h.Seats = []model.SeatAssignment{}
	for _, a := range s.assigns {
		if a.reservationID == id {
			h.Seats = append(h.Seats, model.SeatAssignment{ReservationID: id, SeatID: a.seatID, Status: a.status})
		}
	}
	sort.Slice(h.Seats, func(i, j int) bool { return h.Seats[i].SeatID < h.Seats[j].SeatID })
	return h, nil
}

func (s *memStore) SoldSeats(ctx context.Context, eventID uint64, seatIDs []uint64) ([]uint64, error) {
	defer s.enter(ctx)()
	var sold []uint64
	for _, a := range s.assigns {
		if a.eventID != eventID || !slices.Contains(seatIDs, a.seatID) || slices.Contains(sold, a.seatID) {
			continue
		}
		paid := s.headers[a.reservationID].PaymentStatus == model.PaymentPaid
		if a.status == model.AssignmentConfirmed || (paid && a.status != model.AssignmentCancelled) {
			sold = append(sold, a.seatID)
		}
	}
	slices.Sort(sold)
	return sold, nil
}

func (s *memStore) MarkPaid(ctx context.Context, id uint64, method string, paidAt time.Time, code string) error {
	defer s.enter(ctx)()
	h, ok := s.headers[id]
	if !ok || !h.PaymentStatus.Open() {
		return repository.ErrReservationNotFound
	}
	h.PaymentStatus = model.PaymentPaid
	h.PaidAt = &paidAt
	h.PaymentMethod = &method
	if h.ConfirmationCode == nil {
		h.ConfirmationCode = &code
	}
	s.headers[id] = h
	return nil
}

func (s *memStore) SetPaymentMethod(ctx context.Context, id uint64, method string) error {
	defer s.enter(ctx)()
	h := s.headers[id]
	h.PaymentMethod = &method
	s.headers[id] = h
	return nil
}

func (s *memStore) SetSeatStatus(ctx context.Context, reservationID uint64, from, to model.AssignmentStatus) (int64, error) {
	defer s.enter(ctx)()
	var n int64
	for i, a := range s.assigns {
		if a.reservationID == reservationID && a.status == from {
			s.assigns[i].status = to
			n++
		}
	}
	return n, nil
}

func (s *memStore) Cancel(ctx context.Context, id uint64, note string) (bool, error) {
	defer s.enter(ctx)()
	return s.cancel(id, note, model.PaymentUnpaid, model.PaymentReserved), nil
}

func (s *memStore) CancelMany(ctx context.Context, ids []uint64, note string) (int64, error) {
	defer s.enter(ctx)()
	var n int64
	for _, id := range ids {
		if s.cancel(id, note, model.PaymentReserved) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) cancel(id uint64, note string, from ...model.PaymentStatus) bool {
	h, ok := s.headers[id]
	if !ok || !slices.Contains(from, h.PaymentStatus) {
		return false
	}
	h.PaymentStatus = model.PaymentCancelled
	if h.Notes == "" {
		h.Notes = note
	} else {
		h.Notes += "; " + note
	}
	s.headers[id] = h
	return true
}

func (s *memStore) FindStaleForUpdate(ctx context.Context, seatIDs []uint64, limit int) ([]repository.StaleReservation, error) {
	defer s.enter(ctx)()
	ids := make([]uint64, 0, len(s.headers))
	for id := range s.headers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []repository.StaleReservation
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		h := s.headers[id]
		if h.PaymentStatus != model.PaymentReserved {
			continue
		}
		stale := false
		var seats []uint64
		for _, a := range s.assigns {
			if a.reservationID != id {
				continue
			}
			seats = append(seats, a.seatID)
			if a.status != model.AssignmentPending {
				continue
			}
			if len(seatIDs) > 0 && !slices.Contains(seatIDs, a.seatID) {
				continue
			}
			if l, ok := s.locks[a.seatID]; ok && l.Status == model.LockStatusExpired && l.HolderID == h.BuyerID {
				stale = true
			}
		}
		if stale {
			slices.Sort(seats)
			out = append(out, repository.StaleReservation{ID: id, BuyerID: h.BuyerID, EventID: h.EventID, SeatIDs: seats})
		}
	}
	return out, nil
}

func (s *memStore) CancelPendingSeats(ctx context.Context, reservationIDs []uint64, limit int) (int64, error) {
	defer s.enter(ctx)()
	var n int64
	for i, a := range s.assigns {
		if int(n) >= limit {
			break
		}
		if a.status != model.AssignmentPending || s.headers[a.reservationID].PaymentStatus != model.PaymentCancelled {
			continue
		}
		if len(reservationIDs) > 0 && !slices.Contains(reservationIDs, a.reservationID) {
			continue
		}
		s.assigns[i].status = model.AssignmentCancelled
		n++
	}
	return n, nil
}

// Inspection helpers for assertions.

func (s *memStore) lock(seatID uint64) (model.SeatLock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[seatID]
	return l, ok
}

func (s *memStore) reservation(id uint64) model.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, _ := s.get(id)
	return res
}

// orphanLocks returns seats with a LOCKED row that no active assignment of
// the lock holder backs.
func (s *memStore) orphanLocks() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var orphans []uint64
	for seatID, l := range s.locks {
		if l.Status != model.LockStatusLocked {
			continue
		}
		backed := false
		for _, a := range s.assigns {
			if a.seatID == seatID && a.status != model.AssignmentCancelled && s.headers[a.reservationID].BuyerID == l.HolderID {
				backed = true
			}
		}
		if !backed {
			orphans = append(orphans, seatID)
		}
	}
	return orphans
}

// activeAssignments counts PENDING or CONFIRMED assignments per seat.
func (s *memStore) activeAssignments() map[uint64]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[uint64]int{}
	for _, a := range s.assigns {
		if a.status != model.AssignmentCancelled {
			counts[a.seatID]++
		}
	}
	return counts
}

// manualClock is a clock the test advances explicitly.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
