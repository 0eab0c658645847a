package envelope

import (
	"strings"
	"testing"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() *Envelope {
	return &Envelope{
		RequestID: "r1",
		TenantID:  "t1",
		AgentID:   "agent-1",
		ToolName:  "execute_payment",
		Arguments: map[string]interface{}{"amount": 15000.0},
	}
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate(validEnvelope()))
}

func TestValidateRequiredFields(t *testing.T) {
	v := NewValidator()
	env := validEnvelope()
	env.TenantID = ""
	assert.ErrorIs(t, v.Validate(env), ErrInvalid)

	env = validEnvelope()
	env.ToolName = ""
	assert.ErrorIs(t, v.Validate(env), ErrInvalid)
}

func TestValidateIDLength(t *testing.T) {
	v := NewValidator()
	env := validEnvelope()
	env.AgentID = strings.Repeat("x", MaxIDLen+1)
	assert.ErrorIs(t, v.Validate(env), ErrInvalid)
}

func TestValidatePayloadSize(t *testing.T) {
	v := NewValidator(WithMaxPayloadBytes(64))
	env := validEnvelope()
	env.Arguments = map[string]interface{}{"blob": strings.Repeat("a", 128)}
	assert.ErrorIs(t, v.Validate(env), ErrInvalid)
}

func TestValidateSpiffeID(t *testing.T) {
	v := NewValidator()
	env := validEnvelope()
	env.SpiffeID = "spiffe://agentmesh.example/agent/agent-1"
	assert.NoError(t, v.Validate(env))

	env.SpiffeID = "not-a-spiffe-id"
	assert.ErrorIs(t, v.Validate(env), ErrInvalid)
}

func TestValidateTrustDomain(t *testing.T) {
	td, err := spiffeid.TrustDomainFromString("agentmesh.example")
	require.NoError(t, err)
	v := NewValidator(WithTrustDomain(td))

	env := validEnvelope()
	env.SpiffeID = "spiffe://agentmesh.example/agent/agent-1"
	assert.NoError(t, v.Validate(env))

	env.SpiffeID = "spiffe://intruder.example/agent/agent-1"
	assert.ErrorIs(t, v.Validate(env), ErrInvalid)
}

func TestAuthenticateRoundTrip(t *testing.T) {
	v := NewValidator(WithSigningKey([]byte("test-key")))
	env := validEnvelope()

	sig, err := v.Sign(env)
	require.NoError(t, err)
	env.Signature = sig
	assert.NoError(t, v.Authenticate(env))
}

func TestAuthenticateRejectsTamper(t *testing.T) {
	v := NewValidator(WithSigningKey([]byte("test-key")))
	env := validEnvelope()

	sig, err := v.Sign(env)
	require.NoError(t, err)
	env.Signature = sig

	// Signature binds the arguments.
	env.Arguments["amount"] = 999999.0
	assert.ErrorIs(t, v.Authenticate(env), ErrSignatureInvalid)
}

func TestAuthenticateRejectsWrongKey(t *testing.T) {
	signer := NewValidator(WithSigningKey([]byte("key-a")))
	env := validEnvelope()
	sig, err := signer.Sign(env)
	require.NoError(t, err)
	env.Signature = sig

	verifier := NewValidator(WithSigningKey([]byte("key-b")))
	assert.ErrorIs(t, verifier.Authenticate(env), ErrSignatureInvalid)
}

func TestAuthenticateUnsignedPasses(t *testing.T) {
	v := NewValidator(WithSigningKey([]byte("test-key")))
	assert.NoError(t, v.Authenticate(validEnvelope()))
}

func TestAuthenticateNoKeyConfigured(t *testing.T) {
	v := NewValidator()
	env := validEnvelope()
	env.Signature = "deadbeef"
	assert.NoError(t, v.Authenticate(env))
}
