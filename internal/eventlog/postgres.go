package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/driver-dispatch/internal/models"
)

// Postgres backs the log with the tracking_events table. BIGSERIAL gives the
// strictly increasing id; rows are insert-only.
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

func (p *Postgres) Append(ctx context.Context, ev models.TrackingEvent) (int64, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("event payload: %w", err)
	}
	var id int64
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO tracking_events (type, driver_id, ts, payload)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		string(ev.Type), ev.DriverID, ev.Timestamp, payload,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("event append: %w", err)
	}
	return id, nil
}

func (p *Postgres) Replay(ctx context.Context, sinceID int64, limit int) ([]models.TrackingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, type, driver_id, ts, payload FROM tracking_events
		 WHERE id > $1 ORDER BY id ASC LIMIT $2`,
		sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("event replay: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (p *Postgres) Query(ctx context.Context, limit int, f Filter) ([]models.TrackingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	where := []string{"id > $1"}
	args := []any{f.SinceID}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		where = append(where, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	args = append(args, limit)
	q := fmt.Sprintf(
		`SELECT id, type, driver_id, ts, payload FROM tracking_events
		 WHERE %s ORDER BY id DESC LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("event query: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]models.TrackingEvent, error) {
	var out []models.TrackingEvent
	for rows.Next() {
		var ev models.TrackingEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.DriverID, &ev.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("event scan: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("event payload decode: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
