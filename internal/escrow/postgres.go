package escrow

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists escrow items.
//
// Schema:
//
//	CREATE TABLE escrow_items (
//	    escrow_id   TEXT PRIMARY KEY,
//	    request_id  TEXT NOT NULL,
//	    tenant_id   TEXT NOT NULL,
//	    agent_id    TEXT NOT NULL,
//	    payload     JSONB,
//	    target_hash TEXT NOT NULL,
//	    status      TEXT NOT NULL,
//	    reason      TEXT NOT NULL DEFAULT '',
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    resolved_at TIMESTAMPTZ
//	);
//	CREATE INDEX escrow_items_held_idx ON escrow_items (created_at) WHERE status = 'HELD';
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(item *Item) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`
		INSERT INTO escrow_items
			(escrow_id, request_id, tenant_id, agent_id, payload, target_hash, status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.EscrowID, item.RequestID, item.TenantID, item.AgentID,
		payload, item.TargetHash, string(item.Status), item.Reason, item.CreatedAt)
	return err
}

func (p *PostgresStore) Get(escrowID string) (*Item, error) {
	row := p.db.QueryRow(`
		SELECT escrow_id, request_id, tenant_id, agent_id, payload, target_hash,
		       status, reason, created_at, resolved_at
		FROM escrow_items WHERE escrow_id = $1`, escrowID)
	return scanItem(row)
}

func (p *PostgresStore) Transition(escrowID string, status Status, reason string, at time.Time) (*Item, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRow(`
		SELECT escrow_id, request_id, tenant_id, agent_id, payload, target_hash,
		       status, reason, created_at, resolved_at
		FROM escrow_items WHERE escrow_id = $1 FOR UPDATE`, escrowID)
	before, err := scanItem(row)
	if err != nil {
		return nil, err
	}
	if before.Status != StatusHeld {
		return nil, fmt.Errorf("%w: %s is %s", ErrConflict, escrowID, before.Status)
	}

	if status == StatusRejected {
		_, err = tx.Exec(`
			UPDATE escrow_items SET status = $2, reason = $3, resolved_at = $4, payload = NULL
			WHERE escrow_id = $1`, escrowID, string(status), reason, at)
	} else {
		_, err = tx.Exec(`
			UPDATE escrow_items SET status = $2, reason = $3, resolved_at = $4
			WHERE escrow_id = $1`, escrowID, string(status), reason, at)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return before, nil
}

func (p *PostgresStore) Expired(cutoff time.Time) ([]*Item, error) {
	rows, err := p.db.Query(`
		SELECT escrow_id, request_id, tenant_id, agent_id, payload, target_hash,
		       status, reason, created_at, resolved_at
		FROM escrow_items WHERE status = 'HELD' AND created_at <= $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		it       Item
		payload  []byte
		status   string
		resolved sql.NullTime
	)
	err := row.Scan(&it.EscrowID, &it.RequestID, &it.TenantID, &it.AgentID,
		&payload, &it.TargetHash, &status, &it.Reason, &it.CreatedAt, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	it.Status = Status(status)
	if resolved.Valid {
		it.ResolvedAt = resolved.Time
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &it.Payload); err != nil {
			return nil, err
		}
	}
	return &it, nil
}
