package ledger

import (
	"database/sql"
	"errors"

	_ "github.com/lib/pq"
)

// PostgresStore persists ledger entries.
//
// Schema:
//
//	CREATE TABLE ledger_entries (
//	    seq            BIGSERIAL,
//	    entry_id       TEXT NOT NULL UNIQUE,
//	    tenant_id      TEXT NOT NULL,
//	    agent_id       TEXT NOT NULL DEFAULT '',
//	    request_id     TEXT NOT NULL,
//	    verdict_class  TEXT NOT NULL,
//	    reason         TEXT NOT NULL DEFAULT '',
//	    payload_digest TEXT NOT NULL DEFAULT '',
//	    previous_hash  TEXT NOT NULL,
//	    block_hash     TEXT NOT NULL,
//	    recorded_at    TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (tenant_id, seq),
//	    UNIQUE (tenant_id, request_id, verdict_class)
//	);
//	CREATE INDEX ledger_entries_request_idx ON ledger_entries (request_id);
//
// The BIGSERIAL gives a strictly increasing cursor; gaps are fine, only
// ordering matters. The Ledger serializes appends per tenant above this
// layer, so chain linkage never races.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `seq, entry_id, tenant_id, agent_id, request_id, verdict_class,
	reason, payload_digest, previous_hash, block_hash, recorded_at`

func (p *PostgresStore) Append(e *Entry) error {
	return p.db.QueryRow(`
		INSERT INTO ledger_entries
			(entry_id, tenant_id, agent_id, request_id, verdict_class,
			 reason, payload_digest, previous_hash, block_hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq`,
		e.EntryID, e.TenantID, e.AgentID, e.RequestID, e.VerdictClass,
		e.Reason, e.PayloadDigest, e.PreviousHash, e.BlockHash, e.RecordedAt,
	).Scan(&e.Seq)
}

func (p *PostgresStore) LastHash(tenantID string) (string, bool, error) {
	var hash string
	err := p.db.QueryRow(`
		SELECT block_hash FROM ledger_entries
		WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1`, tenantID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

func (p *PostgresStore) ByDedupeKey(tenantID, requestID, verdictClass string) (*Entry, error) {
	row := p.db.QueryRow(`
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE tenant_id = $1 AND request_id = $2 AND verdict_class = $3`,
		tenantID, requestID, verdictClass)
	return scanEntry(row)
}

func (p *PostgresStore) ByRequest(requestID string) (*Entry, error) {
	row := p.db.QueryRow(`
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE request_id = $1 ORDER BY recorded_at DESC, seq DESC LIMIT 1`, requestID)
	return scanEntry(row)
}

func (p *PostgresStore) Range(tenantID string, sinceCursor uint64, limit int) ([]*Entry, error) {
	rows, err := p.db.Query(`
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE tenant_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		tenantID, sinceCursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.Seq, &e.EntryID, &e.TenantID, &e.AgentID, &e.RequestID,
		&e.VerdictClass, &e.Reason, &e.PayloadDigest, &e.PreviousHash,
		&e.BlockHash, &e.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
