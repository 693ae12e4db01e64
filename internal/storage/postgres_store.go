package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/driver-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) SaveOrder(ctx context.Context, o *models.Order) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO orders(id, region_id, status, assigned_driver_id, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6)`,
		o.ID, o.RegionID, o.Status, nullable(o.AssignedDriverID), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateOrder(ctx context.Context, o *models.Order) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE orders SET status=$1, assigned_driver_id=$2, updated_at=$3 WHERE id=$4`,
		o.Status, nullable(o.AssignedDriverID), o.UpdatedAt, o.ID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o := &models.Order{}
	var driver sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT id, region_id, status, assigned_driver_id, created_at, updated_at FROM orders WHERE id=$1`,
		id,
	).Scan(&o.ID, &o.RegionID, &o.Status, &driver, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.AssignedDriverID = driver.String
	return o, nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, st models.OrderStatus) ([]*models.Order, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, region_id, status, assigned_driver_id, created_at, updated_at FROM orders WHERE status=$1 ORDER BY created_at`,
		st)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	var out []*models.Order
	for rows.Next() {
		o := &models.Order{}
		var driver sql.NullString
		if err := rows.Scan(&o.ID, &o.RegionID, &o.Status, &driver, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.AssignedDriverID = driver.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
