// Package testutil provides helpers for tests that need a real MySQL.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/seat-reservation-engine/internal/database"
	"github.com/iliyamo/seat-reservation-engine/internal/model"
)

const (
	defaultTestDSN = "root:root@tcp(localhost:3306)/seat_reservation_test"
	testDBLockName = "seat_reservation_tests"
)

// NewTestDB connects to TEST_DB_DSN (or a local default) and skips the test
// when the server cannot be reached.  The connection options the
// repositories depend on are forced regardless of the DSN.  Test packages
// sharing the database are serialized with a named lock.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = defaultTestDSN
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("parse TEST_DB_DSN: %v", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(16)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Skipf("skipping MySQL integration tests: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	lockTestDB(t, db)
	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// TruncateAll empties every table, children first.
func TruncateAll(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	for _, table := range []string{"reservation_seats", "reservations", "seat_locks", "seats", "seat_rows", "zones", "events"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}

// InsertSeatMap creates an event with one zone of rows x seats and returns
// the event, the zone and the seat ids in row-major order.
func InsertSeatMap(t *testing.T, ctx context.Context, db *sql.DB, rows, seats int) (eventID, zoneID uint64, seatIDs []uint64) {
	t.Helper()
	res, err := db.ExecContext(ctx, `INSERT INTO events (name, starts_at) VALUES (?, ?)`, "Concert", time.Now().UTC().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	eventID = lastID(t, res)

	res, err = db.ExecContext(ctx, `INSERT INTO zones (event_id, name) VALUES (?, ?)`, eventID, "Floor")
	if err != nil {
		t.Fatalf("insert zone: %v", err)
	}
	zoneID = lastID(t, res)

	for r := 1; r <= rows; r++ {
		res, err := db.ExecContext(ctx, `INSERT INTO seat_rows (zone_id, position) VALUES (?, ?)`, zoneID, r)
		if err != nil {
			t.Fatalf("insert row: %v", err)
		}
		rowID := lastID(t, res)
		for s := 1; s <= seats; s++ {
			res, err := db.ExecContext(ctx, `INSERT INTO seats (row_id, seat_number) VALUES (?, ?)`, rowID, s)
			if err != nil {
				t.Fatalf("insert seat: %v", err)
			}
			seatIDs = append(seatIDs, lastID(t, res))
		}
	}
	return eventID, zoneID, seatIDs
}

// SeatLock reads the lock row of a seat.  The boolean is false when the
// seat has never been locked.
func SeatLock(t *testing.T, ctx context.Context, db *sql.DB, seatID uint64) (model.SeatLock, bool) {
	t.Helper()
	var (
		l      model.SeatLock
		status string
	)
	err := db.QueryRowContext(ctx,
		`SELECT seat_id, holder_id, lock_token, status, locked_at, expires_at FROM seat_locks WHERE seat_id = ?`, seatID,
	).Scan(&l.SeatID, &l.HolderID, &l.LockToken, &status, &l.LockedAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SeatLock{}, false
	}
	if err != nil {
		t.Fatalf("read seat lock %d: %v", seatID, err)
	}
	l.Status = model.LockStatus(status)
	return l, true
}

func lastID(t *testing.T, res sql.Result) uint64 {
	t.Helper()
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("last insert id: %v", err)
	}
	return uint64(id)
}

func lockTestDB(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	conn, err := db.Conn(ctx)
	if err != nil {
		t.Fatalf("acquire lock conn: %v", err)
	}
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 60)`, testDBLockName).Scan(&got); err != nil || got.Int64 != 1 {
		_ = conn.Close()
		t.Fatalf("acquire test lock: %v", err)
	}
	t.Cleanup(func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT RELEASE_LOCK(?)`, testDBLockName)
		_ = conn.Close()
	})
}
