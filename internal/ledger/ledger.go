// Package ledger is the append-only audit log. Entries for one tenant form a
// hash chain: each block_hash covers the canonical entry including the
// previous entry's hash, so any in-place edit breaks verification from that
// point forward.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/govern/internal/canonical"
)

// GenesisHash anchors each tenant's chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	ErrNotFound    = errors.New("ledger entry not found")
	ErrUnavailable = errors.New("ledger unavailable")
)

// Entry is one audit record. Seq is a per-tenant cursor assigned at append
// time; it is excluded from the block hash so stores can assign it.
type Entry struct {
	EntryID       string    `json:"entry_id"`
	TenantID      string    `json:"tenant_id"`
	AgentID       string    `json:"agent_id"`
	RequestID     string    `json:"request_id"`
	VerdictClass  string    `json:"verdict_class"`
	Reason        string    `json:"reason,omitempty"`
	PayloadDigest string    `json:"payload_digest"`
	PreviousHash  string    `json:"previous_hash"`
	BlockHash     string    `json:"block_hash"`
	RecordedAt    time.Time `json:"recorded_at"`
	Seq           uint64    `json:"seq"`
}

// hashableEntry is the canonical view covered by block_hash: the entry with
// previous_hash set, without block_hash and without the storage cursor.
type hashableEntry struct {
	EntryID       string    `json:"entry_id"`
	TenantID      string    `json:"tenant_id"`
	AgentID       string    `json:"agent_id"`
	RequestID     string    `json:"request_id"`
	VerdictClass  string    `json:"verdict_class"`
	Reason        string    `json:"reason,omitempty"`
	PayloadDigest string    `json:"payload_digest"`
	PreviousHash  string    `json:"previous_hash"`
	RecordedAt    time.Time `json:"recorded_at"`
}

func computeBlockHash(e *Entry) (string, error) {
	return canonical.Digest(hashableEntry{
		EntryID:       e.EntryID,
		TenantID:      e.TenantID,
		AgentID:       e.AgentID,
		RequestID:     e.RequestID,
		VerdictClass:  e.VerdictClass,
		Reason:        e.Reason,
		PayloadDigest: e.PayloadDigest,
		PreviousHash:  e.PreviousHash,
		RecordedAt:    e.RecordedAt,
	})
}

// Store persists chain entries for the Ledger. Append must assign Seq
// monotonically per tenant.
type Store interface {
	Append(e *Entry) error
	LastHash(tenantID string) (string, bool, error)
	// ByDedupeKey finds an existing entry for (tenant, request, verdict class).
	ByDedupeKey(tenantID, requestID, verdictClass string) (*Entry, error)
	ByRequest(requestID string) (*Entry, error)
	// Range returns entries with Seq > sinceCursor, oldest first, up to limit.
	Range(tenantID string, sinceCursor uint64, limit int) ([]*Entry, error)
}

// Ledger serializes appends per tenant and maintains the chain linkage.
type Ledger struct {
	store Store
	clock func() time.Time

	mu        sync.Mutex
	tenantMus map[string]*sync.Mutex
	lastHash  map[string]string
}

type Option func(*Ledger)

func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		clock:     time.Now,
		tenantMus: make(map[string]*sync.Mutex),
		lastHash:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) tenantLock(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.tenantMus[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		l.tenantMus[tenantID] = mu
	}
	return mu
}

// Record is the caller-facing shape of an append.
type Record struct {
	TenantID      string
	AgentID       string
	RequestID     string
	VerdictClass  string
	Reason        string
	PayloadDigest string
}

func (r *Record) validate() error {
	var missing []string
	if r.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if r.RequestID == "" {
		missing = append(missing, "request_id")
	}
	if r.VerdictClass == "" {
		missing = append(missing, "verdict_class")
	}
	if len(missing) > 0 {
		return fmt.Errorf("ledger: record missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Append chains a record onto the tenant's log. Appends are idempotent on
// (tenant_id, request_id, verdict_class): the escrow lifecycle legitimately
// writes two entries per request (HOLD, then RELEASED or REJECTED), but a
// retried append of the same verdict returns the already-committed entry.
func (l *Ledger) Append(rec Record) (*Entry, error) {
	if err := rec.validate(); err != nil {
		return nil, err
	}

	mu := l.tenantLock(rec.TenantID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := l.store.ByDedupeKey(rec.TenantID, rec.RequestID, rec.VerdictClass); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	prev, err := l.previousHash(rec.TenantID)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		EntryID:       uuid.New().String(),
		TenantID:      rec.TenantID,
		AgentID:       rec.AgentID,
		RequestID:     rec.RequestID,
		VerdictClass:  rec.VerdictClass,
		Reason:        rec.Reason,
		PayloadDigest: rec.PayloadDigest,
		PreviousHash:  prev,
		RecordedAt:    l.clock().UTC(),
	}
	entry.BlockHash, err = computeBlockHash(entry)
	if err != nil {
		return nil, err
	}

	if err := l.store.Append(entry); err != nil {
		// Persist failed: cached last_hash is untouched, retry is safe.
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l.mu.Lock()
	l.lastHash[rec.TenantID] = entry.BlockHash
	l.mu.Unlock()
	return entry, nil
}

func (l *Ledger) previousHash(tenantID string) (string, error) {
	l.mu.Lock()
	cached, ok := l.lastHash[tenantID]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	prev, found, err := l.store.LastHash(tenantID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !found {
		return GenesisHash, nil
	}
	return prev, nil
}

// Verify walks the tenant's full chain and recomputes every block hash.
// It returns false plus the first bad entry on any linkage or hash mismatch.
func (l *Ledger) Verify(tenantID string) (bool, *Entry, error) {
	prev := GenesisHash
	var cursor uint64
	for {
		batch, err := l.store.Range(tenantID, cursor, 256)
		if err != nil {
			return false, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if len(batch) == 0 {
			return true, nil, nil
		}
		for _, e := range batch {
			if e.PreviousHash != prev {
				return false, e, nil
			}
			want, err := computeBlockHash(e)
			if err != nil {
				return false, e, err
			}
			if e.BlockHash != want {
				return false, e, nil
			}
			prev = e.BlockHash
			cursor = e.Seq
		}
	}
}

// Stream yields entries oldest→newest with Seq > sinceCursor. Callers resume
// by passing the Seq of the last entry they saw.
func (l *Ledger) Stream(tenantID string, sinceCursor uint64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := l.store.Range(tenantID, sinceCursor, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return entries, nil
}

// Lookup returns the most recent entry for a request.
func (l *Ledger) Lookup(requestID string) (*Entry, error) {
	return l.store.ByRequest(requestID)
}
