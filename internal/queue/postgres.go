package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/driver-dispatch/internal/models"
)

// Postgres backs the queue with the driver_queue table. Atomicity of
// DequeueNext comes from FOR UPDATE SKIP LOCKED: concurrent pops on the same
// region lock disjoint rows.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func NewPostgresFromDB(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Enqueue(ctx context.Context, driverID, regionID string) (models.QueueEntry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("enqueue begin: %w", err)
	}
	defer tx.Rollback()

	var e models.QueueEntry
	err = tx.QueryRowContext(ctx,
		`SELECT driver_id, region_id, login_at, status FROM driver_queue WHERE driver_id = $1 FOR UPDATE`,
		driverID,
	).Scan(&e.DriverID, &e.RegionID, &e.LoginAt, &e.Status)
	switch {
	case err == nil:
		if e.Status != models.QueueOffline {
			if e.RegionID == regionID && e.Status == models.QueueWaiting {
				return e, tx.Commit()
			}
			return models.QueueEntry{}, &DuplicateEnqueueError{DriverID: driverID, RegionID: e.RegionID}
		}
	case errors.Is(err, sql.ErrNoRows):
		// first enqueue for this driver
	default:
		return models.QueueEntry{}, fmt.Errorf("enqueue select: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO driver_queue (driver_id, region_id, login_at, status)
		 VALUES ($1, $2, now(), 'waiting')
		 ON CONFLICT (driver_id) DO UPDATE
		 SET region_id = EXCLUDED.region_id, login_at = now(), status = 'waiting'
		 RETURNING driver_id, region_id, login_at, status`,
		driverID, regionID,
	).Scan(&e.DriverID, &e.RegionID, &e.LoginAt, &e.Status)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("enqueue upsert: %w", err)
	}
	return e, tx.Commit()
}

func (p *Postgres) DequeueNext(ctx context.Context, regionID string) (models.QueueEntry, error) {
	var e models.QueueEntry
	err := p.db.QueryRowContext(ctx,
		`UPDATE driver_queue SET status = 'assigned'
		 WHERE driver_id = (
		   SELECT driver_id FROM driver_queue
		   WHERE region_id = $1 AND status = 'waiting'
		   ORDER BY login_at ASC, driver_id ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING driver_id, region_id, login_at, status`,
		regionID,
	).Scan(&e.DriverID, &e.RegionID, &e.LoginAt, &e.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueEntry{}, ErrEmpty
	}
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("dequeue next: %w", err)
	}
	return e, nil
}

func (p *Postgres) Requeue(ctx context.Context, driverID string) (models.QueueEntry, error) {
	var e models.QueueEntry
	err := p.db.QueryRowContext(ctx,
		`UPDATE driver_queue SET status = 'waiting', login_at = now()
		 WHERE driver_id = $1
		 RETURNING driver_id, region_id, login_at, status`,
		driverID,
	).Scan(&e.DriverID, &e.RegionID, &e.LoginAt, &e.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueEntry{}, ErrNotQueued
	}
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("requeue: %w", err)
	}
	return e, nil
}

func (p *Postgres) Remove(ctx context.Context, driverID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE driver_queue SET status = 'offline' WHERE driver_id = $1`, driverID)
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotQueued
	}
	return nil
}

func (p *Postgres) Entry(ctx context.Context, driverID string) (models.QueueEntry, error) {
	var e models.QueueEntry
	err := p.db.QueryRowContext(ctx,
		`SELECT driver_id, region_id, login_at, status FROM driver_queue WHERE driver_id = $1`,
		driverID,
	).Scan(&e.DriverID, &e.RegionID, &e.LoginAt, &e.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueEntry{}, ErrNotQueued
	}
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("entry: %w", err)
	}
	return e, nil
}

func (p *Postgres) WaitingCount(ctx context.Context, regionID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM driver_queue WHERE region_id = $1 AND status = 'waiting'`, regionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("waiting count: %w", err)
	}
	return n, nil
}
