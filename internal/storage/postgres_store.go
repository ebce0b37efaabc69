package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/order-tracking/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded migrations in name order. Each one is
// written to be re-runnable.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Save(ctx context.Context, s models.OrderSnapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot %d: %w", s.OrderID, err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO tracked_orders(order_id, status, snapshot, updated_at) VALUES($1,$2,$3,$4)
		ON CONFLICT (order_id) DO UPDATE SET status=EXCLUDED.status, snapshot=EXCLUDED.snapshot, updated_at=EXCLUDED.updated_at`,
		s.OrderID, string(s.Status), b, time.Now())
	return err
}

func (p *PostgresStore) Load(ctx context.Context, orderID int64) (models.OrderSnapshot, error) {
	var s models.OrderSnapshot
	var b []byte
	err := p.db.QueryRowContext(ctx, `SELECT snapshot FROM tracked_orders WHERE order_id=$1`, orderID).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("decode snapshot %d: %w", orderID, err)
	}
	return s, nil
}

func (p *PostgresStore) Delete(ctx context.Context, orderID int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM tracked_orders WHERE order_id=$1`, orderID)
	return err
}
