package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/mobility-sync/internal/models"
)

// PostgresStore persists the service list as one JSONB document per id.
// The version column guards the upsert so a replica replaying an old
// journal entry cannot clobber a newer record.
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

func (p *PostgresStore) ReadAll(ctx context.Context) ([]models.Service, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT doc FROM services ORDER BY inserted_at, id`)
	if err != nil {
		return nil, fmt.Errorf("read services: %w", err)
	}
	defer rows.Close()
	var out []models.Service
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var s models.Service
		if err := json.Unmarshal(doc, &s); err != nil {
			// corrupt row: skip rather than fail the whole load
			continue
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Upsert(ctx context.Context, s models.Service) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO services(id, version, doc) VALUES($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET version = excluded.version, doc = excluded.doc
		WHERE excluded.version >= services.version`,
		s.ID, s.Version, doc)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }
