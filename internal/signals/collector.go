// Package signals accumulates per-request attestations (signatures, human
// approvals, freshness proofs) supplied by external collaborators, and
// answers whether a transaction's required signal set is satisfied.
package signals

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Type enumerates the attestation kinds a policy can require.
type Type string

const (
	TypeCTOSignature     Type = "CTO_SIGNATURE"
	TypeJuryEntropyCheck Type = "JURY_ENTROPY_CHECK"
	TypeHumanApproval    Type = "HUMAN_APPROVAL"
	TypeTwoFactor        Type = "TWO_FACTOR"
	TypeComplianceReview Type = "COMPLIANCE_REVIEW"
)

// ParseType validates an externally supplied signal type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeCTOSignature, TypeJuryEntropyCheck, TypeHumanApproval, TypeTwoFactor, TypeComplianceReview:
		return Type(s), nil
	}
	return "", fmt.Errorf("signals: unknown signal type %q", s)
}

// Signal is one attestation attached to a request. Value is opaque to the
// collector; only presence and freshness matter here.
type Signal struct {
	Type       Type                   `json:"signal_type"`
	TenantID   string                 `json:"tenant_id"`
	RequestID  string                 `json:"request_id"`
	Value      interface{}            `json:"value"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	AttachedAt time.Time              `json:"attached_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
}

func (s *Signal) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// DefaultOrphanTTL bounds how long signals for a not-yet-seen request are
// retained. Collaborators may attach a signature moments before the governed
// request itself arrives.
const DefaultOrphanTTL = 5 * time.Minute

type requestSignals struct {
	signals   map[Type][]*Signal
	known     bool // MarkRequest was called; orphan TTL no longer applies
	firstSeen time.Time
}

// Collector holds tenant- and request-scoped signals. A signal attached to
// request A is never visible to request B.
type Collector struct {
	mu        sync.RWMutex
	requests  map[string]*requestSignals // tenant/request → signals
	orphanTTL time.Duration
	clock     func() time.Time
}

type Option func(*Collector)

func WithOrphanTTL(ttl time.Duration) Option {
	return func(c *Collector) { c.orphanTTL = ttl }
}

func WithClock(clock func() time.Time) Option {
	return func(c *Collector) { c.clock = clock }
}

func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		requests:  make(map[string]*requestSignals),
		orphanTTL: DefaultOrphanTTL,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func scopeKey(tenantID, requestID string) string { return tenantID + "/" + requestID }

// Attach records a signal for a request. The request does not have to exist
// yet; orphan signals survive for the orphan TTL awaiting their request.
func (c *Collector) Attach(tenantID, requestID string, typ Type, value interface{}, ttl time.Duration, metadata map[string]interface{}) error {
	if _, err := ParseType(string(typ)); err != nil {
		return err
	}
	if tenantID == "" || requestID == "" {
		return fmt.Errorf("signals: tenant_id and request_id are required")
	}

	now := c.clock()
	sig := &Signal{
		Type:       typ,
		TenantID:   tenantID,
		RequestID:  requestID,
		Value:      value,
		Metadata:   metadata,
		AttachedAt: now,
	}
	if ttl > 0 {
		sig.ExpiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := scopeKey(tenantID, requestID)
	rs, ok := c.requests[k]
	if !ok {
		rs = &requestSignals{signals: make(map[Type][]*Signal), firstSeen: now}
		c.requests[k] = rs
	}
	rs.signals[typ] = append(rs.signals[typ], sig)
	return nil
}

// MarkRequest pins a request so its signals stop counting as orphans. The
// coordinator calls this when the governed request is admitted.
func (c *Collector) MarkRequest(tenantID, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := scopeKey(tenantID, requestID)
	rs, ok := c.requests[k]
	if !ok {
		rs = &requestSignals{signals: make(map[Type][]*Signal), firstSeen: c.clock()}
		c.requests[k] = rs
	}
	rs.known = true
}

// Verify reports whether every required signal type has at least one
// unexpired signal attached to the request. The missing slice is sorted for
// stable reason strings.
func (c *Collector) Verify(tenantID, requestID string, required []Type) (bool, []Type) {
	if len(required) == 0 {
		return true, nil
	}

	now := c.clock()
	c.mu.RLock()
	rs := c.requests[scopeKey(tenantID, requestID)]
	var missing []Type
	for _, typ := range required {
		if rs == nil || !hasLive(rs.signals[typ], now) {
			missing = append(missing, typ)
		}
	}
	c.mu.RUnlock()

	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return len(missing) == 0, missing
}

func hasLive(sigs []*Signal, now time.Time) bool {
	for _, s := range sigs {
		if !s.expired(now) {
			return true
		}
	}
	return false
}

// Drop discards all signals for a request after its verdict is final.
func (c *Collector) Drop(tenantID, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.requests, scopeKey(tenantID, requestID))
}

// Pending reports whether a request still has a signal bucket.
func (c *Collector) Pending(tenantID, requestID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.requests[scopeKey(tenantID, requestID)]
	return ok
}

// Sweep removes expired signals and evicts orphaned request buckets past the
// orphan TTL. Returns the number of signals removed.
func (c *Collector) Sweep() int {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, rs := range c.requests {
		for typ, sigs := range rs.signals {
			live := sigs[:0]
			for _, s := range sigs {
				if s.expired(now) {
					removed++
					continue
				}
				live = append(live, s)
			}
			if len(live) == 0 {
				delete(rs.signals, typ)
			} else {
				rs.signals[typ] = live
			}
		}
		if !rs.known && now.Sub(rs.firstSeen) > c.orphanTTL {
			for _, sigs := range rs.signals {
				removed += len(sigs)
			}
			delete(c.requests, k)
			continue
		}
		if rs.known && len(rs.signals) == 0 {
			// keep the marker; Drop clears it when the verdict lands
			continue
		}
	}
	if removed > 0 {
		slog.Debug("signal sweep", "removed", removed)
	}
	return removed
}

// RunSweeper sweeps on the given interval until stop is closed.
func (c *Collector) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-stop:
			return
		}
	}
}
