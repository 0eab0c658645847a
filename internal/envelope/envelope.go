// Package envelope validates and authenticates inbound governance requests
// before they touch the pipeline: field shape, payload size, optional SPIFFE
// workload identity, and an optional HMAC signature over the canonical body.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/agentmesh/govern/internal/canonical"
)

const (
	// MaxIDLen bounds every opaque identifier in the envelope.
	MaxIDLen = 128
	// DefaultMaxPayloadBytes bounds the canonical size of the arguments.
	DefaultMaxPayloadBytes = 1 << 20
)

var (
	ErrInvalid          = errors.New("invalid request envelope")
	ErrSignatureInvalid = errors.New("envelope signature invalid")
)

// Envelope is the authenticated wrapper around a governance request.
// Signature, when present, is hex HMAC-SHA256 over the canonical form of the
// signed fields. Role feeds CONTEXTUAL policy scoping; the caller asserts it
// and the signature binds it.
type Envelope struct {
	RequestID  string                 `json:"request_id,omitempty"`
	TenantID   string                 `json:"tenant_id"`
	AgentID    string                 `json:"agent_id"`
	SpiffeID   string                 `json:"spiffe_id,omitempty"`
	Role       string                 `json:"role,omitempty"`
	ToolName   string                 `json:"tool_name"`
	Arguments  map[string]interface{} `json:"arguments"`
	SessionID  string                 `json:"session_id,omitempty"`
	DeadlineMS int64                  `json:"deadline_ms,omitempty"`
	Signature  string                 `json:"signature,omitempty"`
}

// signedFields is the canonical view the signature covers: everything except
// the signature itself.
type signedFields struct {
	RequestID string                 `json:"request_id,omitempty"`
	TenantID  string                 `json:"tenant_id"`
	AgentID   string                 `json:"agent_id"`
	SpiffeID  string                 `json:"spiffe_id,omitempty"`
	Role      string                 `json:"role,omitempty"`
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments"`
	SessionID string                 `json:"session_id,omitempty"`
}

// Validator checks envelopes. A nil key disables signature verification for
// deployments fronted by transport auth.
type Validator struct {
	key             []byte
	maxPayloadBytes int
	trustDomain     spiffeid.TrustDomain // zero value accepts any domain
}

type Option func(*Validator)

func WithSigningKey(key []byte) Option {
	return func(v *Validator) { v.key = key }
}

func WithMaxPayloadBytes(n int) Option {
	return func(v *Validator) { v.maxPayloadBytes = n }
}

// WithTrustDomain restricts spiffe_id to one trust domain.
func WithTrustDomain(td spiffeid.TrustDomain) Option {
	return func(v *Validator) { v.trustDomain = td }
}

func NewValidator(opts ...Option) *Validator {
	v := &Validator{maxPayloadBytes: DefaultMaxPayloadBytes}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks field shape and payload size. Shape failures are
// ErrInvalid: the request is rejected at the RPC layer without a ledger
// entry.
func (v *Validator) Validate(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: empty envelope", ErrInvalid)
	}
	if env.TenantID == "" || env.AgentID == "" || env.ToolName == "" {
		return fmt.Errorf("%w: tenant_id, agent_id and tool_name are required", ErrInvalid)
	}
	for name, id := range map[string]string{
		"request_id": env.RequestID,
		"tenant_id":  env.TenantID,
		"agent_id":   env.AgentID,
		"session_id": env.SessionID,
	} {
		if len(id) > MaxIDLen {
			return fmt.Errorf("%w: %s exceeds %d chars", ErrInvalid, name, MaxIDLen)
		}
	}

	if env.SpiffeID != "" {
		id, err := spiffeid.FromString(env.SpiffeID)
		if err != nil {
			return fmt.Errorf("%w: spiffe_id: %v", ErrInvalid, err)
		}
		if !v.trustDomain.IsZero() && id.TrustDomain() != v.trustDomain {
			return fmt.Errorf("%w: spiffe_id outside trust domain %s", ErrInvalid, v.trustDomain)
		}
	}

	body, err := canonical.Marshal(env.Arguments)
	if err != nil {
		return fmt.Errorf("%w: arguments not serializable: %v", ErrInvalid, err)
	}
	if len(body) > v.maxPayloadBytes {
		return fmt.Errorf("%w: payload %d bytes exceeds limit %d", ErrInvalid, len(body), v.maxPayloadBytes)
	}
	return nil
}

// Authenticate verifies the HMAC signature. Failures here are a security
// breach: the coordinator ledgers a BLOCK, unlike shape failures.
func (v *Validator) Authenticate(env *Envelope) error {
	if v.key == nil {
		return nil
	}
	if env.Signature == "" {
		// Unsigned envelopes pass; policies gate what unsigned callers may do.
		return nil
	}

	want, err := v.Sign(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !hmac.Equal([]byte(want), []byte(env.Signature)) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature for an envelope. Exported for
// trusted callers and tests.
func (v *Validator) Sign(env *Envelope) (string, error) {
	if v.key == nil {
		return "", errors.New("envelope: no signing key configured")
	}
	body, err := canonical.Marshal(signedFields{
		RequestID: env.RequestID,
		TenantID:  env.TenantID,
		AgentID:   env.AgentID,
		SpiffeID:  env.SpiffeID,
		Role:      env.Role,
		ToolName:  env.ToolName,
		Arguments: env.Arguments,
		SessionID: env.SessionID,
	})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, v.key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
