package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore is the production Store. Schema:
//
//	CREATE TABLE policies (
//	    tenant_id      TEXT NOT NULL,
//	    policy_id      TEXT NOT NULL,
//	    version        INT  NOT NULL,
//	    content_hash   TEXT NOT NULL,
//	    tier           TEXT NOT NULL,
//	    trigger_intent TEXT NOT NULL,
//	    logic_blob     JSONB NOT NULL,
//	    action_blob    JSONB NOT NULL,
//	    confidence     DOUBLE PRECISION NOT NULL DEFAULT 1.0,
//	    roles          TEXT[] NOT NULL DEFAULT '{}',
//	    expires_at     TIMESTAMPTZ,
//	    active         BOOLEAN NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL,
//	    created_by     TEXT NOT NULL DEFAULT '',
//	    PRIMARY KEY (tenant_id, policy_id, version)
//	);
//	CREATE INDEX policies_active_idx ON policies (tenant_id) WHERE active;
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const policyColumns = `tenant_id, policy_id, version, content_hash, tier, trigger_intent,
	logic_blob, action_blob, confidence, roles, expires_at, active, created_at, created_by`

func (ps *PostgresStore) Insert(ctx context.Context, p *Policy) error {
	logicBlob, err := json.Marshal(p.Logic)
	if err != nil {
		return fmt.Errorf("policy: encode logic: %w", err)
	}
	actionBlob, err := json.Marshal(p.Action)
	if err != nil {
		return fmt.Errorf("policy: encode action: %w", err)
	}

	_, err = ps.db.ExecContext(ctx, `
		INSERT INTO policies (`+policyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		p.TenantID, p.PolicyID, p.Version, p.ContentHash, p.Tier.String(), p.TriggerIntent,
		logicBlob, actionBlob, p.Confidence, pq.Array(p.Roles), p.ExpiresAt, p.Active,
		p.CreatedAt, p.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("policy: insert: %w", err)
	}
	return nil
}

func (ps *PostgresStore) Deactivate(ctx context.Context, tenantID, policyID string) error {
	_, err := ps.db.ExecContext(ctx,
		`UPDATE policies SET active = FALSE WHERE tenant_id = $1 AND policy_id = $2`,
		tenantID, policyID)
	if err != nil {
		return fmt.Errorf("policy: deactivate: %w", err)
	}
	return nil
}

func (ps *PostgresStore) ActiveVersion(ctx context.Context, tenantID, policyID string) (*Policy, error) {
	row := ps.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+` FROM policies
		WHERE tenant_id = $1 AND policy_id = $2 AND active
		ORDER BY version DESC LIMIT 1`, tenantID, policyID)
	return scanPolicy(row)
}

func (ps *PostgresStore) Version(ctx context.Context, tenantID, policyID string, version int) (*Policy, error) {
	row := ps.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+` FROM policies
		WHERE tenant_id = $1 AND policy_id = $2 AND version = $3`, tenantID, policyID, version)
	return scanPolicy(row)
}

func (ps *PostgresStore) Versions(ctx context.Context, tenantID, policyID string) ([]*Policy, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT `+policyColumns+` FROM policies
		WHERE tenant_id = $1 AND policy_id = $2 ORDER BY version ASC`, tenantID, policyID)
	if err != nil {
		return nil, fmt.Errorf("policy: versions: %w", err)
	}
	defer rows.Close()

	out, err := collectPolicies(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (ps *PostgresStore) ListActive(ctx context.Context, tenantID string) ([]*Policy, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT `+policyColumns+` FROM policies WHERE tenant_id = $1 AND active`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("policy: list active: %w", err)
	}
	defer rows.Close()
	return collectPolicies(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var (
		p          Policy
		tierStr    string
		logicBlob  []byte
		actionBlob []byte
		roles      pq.StringArray
		expiresAt  sql.NullTime
	)
	err := row.Scan(&p.TenantID, &p.PolicyID, &p.Version, &p.ContentHash, &tierStr,
		&p.TriggerIntent, &logicBlob, &actionBlob, &p.Confidence, &roles, &expiresAt,
		&p.Active, &p.CreatedAt, &p.CreatedBy)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("policy: scan: %w", err)
	}

	if p.Tier, err = ParseTier(tierStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(logicBlob, &p.Logic); err != nil {
		return nil, fmt.Errorf("policy: decode logic: %w", err)
	}
	if err := json.Unmarshal(actionBlob, &p.Action); err != nil {
		return nil, fmt.Errorf("policy: decode action: %w", err)
	}
	p.Roles = []string(roles)
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		p.ExpiresAt = &t
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func collectPolicies(rows *sql.Rows) ([]*Policy, error) {
	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("policy: rows: %w", err)
	}
	return out, nil
}
