package jury

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightsValidate(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())
	assert.Error(t, Weights{Audit: 0.5, Reputation: 0.5, Attestation: 0.5}.Validate())
}

func TestAuditScoreRatio(t *testing.T) {
	assert.Equal(t, 0.0, auditScore(TrustInputs{}))
	assert.Equal(t, 0.75, auditScore(TrustInputs{ChecksPassed: 3, ChecksTotal: 4}))
}

func TestReputationScoreDamping(t *testing.T) {
	// No history: neutral prior.
	assert.Equal(t, 0.5, reputationScore(TrustInputs{}))

	// Blacklist overrides everything.
	assert.Equal(t, 0.0, reputationScore(TrustInputs{Successes: 100, Interactions: 100, Blacklisted: true}))

	// 10 interactions all successful: 0.1*1.0 + 0.9*0.5 = 0.55.
	assert.InDelta(t, 0.55, reputationScore(TrustInputs{Successes: 10, Interactions: 10}), 1e-9)

	// Fully damped at 100+ interactions.
	assert.InDelta(t, 0.9, reputationScore(TrustInputs{Successes: 180, Interactions: 200}), 1e-9)
}

func TestAttestationScoreBuckets(t *testing.T) {
	cases := []struct {
		age  time.Duration
		want float64
	}{
		{30 * time.Minute, 1.0},
		{6 * time.Hour, 0.8},
		{3 * 24 * time.Hour, 0.6},
		{20 * 24 * time.Hour, 0.4},
		{90 * 24 * time.Hour, 0.2},
	}
	for _, tc := range cases {
		got := attestationScore(TrustInputs{HasAttestation: true, AttestationAge: tc.age})
		assert.Equal(t, tc.want, got, "age %v", tc.age)
	}

	assert.Equal(t, 0.0, attestationScore(TrustInputs{}))
	assert.Equal(t, 0.0, attestationScore(TrustInputs{HasAttestation: true, AttestationExpired: true}))
}

func TestHistoryScoreBucketsAndBonus(t *testing.T) {
	assert.InDelta(t, 0.2, historyScore(TrustInputs{RelationshipAge: 24 * time.Hour}), 1e-9)
	assert.InDelta(t, 0.6, historyScore(TrustInputs{RelationshipAge: 60 * 24 * time.Hour}), 1e-9)
	assert.InDelta(t, 1.0, historyScore(TrustInputs{RelationshipAge: 2 * 365 * 24 * time.Hour}), 1e-9)

	// 100 interactions add a 0.2 bonus, capped at 1.0 overall.
	assert.InDelta(t, 0.4, historyScore(TrustInputs{RelationshipAge: 24 * time.Hour, Interactions: 100}), 1e-9)
	assert.InDelta(t, 1.0, historyScore(TrustInputs{RelationshipAge: 2 * 365 * 24 * time.Hour, Interactions: 500}), 1e-9)
}

func TestCalculatorCombinesWeightedFactors(t *testing.T) {
	c := NewCalculator(DefaultWeights())
	score := c.Score(TrustInputs{
		ChecksPassed:    4,
		ChecksTotal:     4,
		Successes:       10,
		Interactions:    10,
		HasAttestation:  true,
		AttestationAge:  30 * time.Minute,
		RelationshipAge: 24 * time.Hour,
	})
	// 0.40*1.0 + 0.30*0.55 + 0.20*1.0 + 0.10*(0.2 + 10/500)
	assert.InDelta(t, 0.787, score, 1e-6)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestBaselineBookObserve(t *testing.T) {
	bb := NewBaselineBook()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	bb.Observe("t1", "agent-1", "send_message", "inbox", 0.8, true, now)
	bb.Observe("t1", "agent-1", "execute_payment", "checking", 0.7, false, now.Add(time.Minute))

	base, ok := bb.Baseline("t1", "agent-1")
	require.True(t, ok)
	assert.True(t, base.TypicalActions["send_message"])
	// Blocked calls do not widen the typical-action set.
	assert.False(t, base.TypicalActions["execute_payment"])
	assert.Equal(t, 2.0, base.AvgRequestsPerHour)

	in := bb.TrustInputsFor("t1", "agent-1", now.Add(time.Hour))
	assert.Equal(t, 1, in.Successes)
	assert.Equal(t, 2, in.Interactions)
	assert.Equal(t, time.Hour, in.RelationshipAge)
}

func TestBaselineBookUnknownAgent(t *testing.T) {
	bb := NewBaselineBook()
	_, ok := bb.Baseline("t1", "ghost-agent")
	assert.False(t, ok)
	assert.Equal(t, TrustInputs{}, bb.TrustInputsFor("t1", "ghost-agent", time.Now()))
}

func TestBaselineBookLongRunRate(t *testing.T) {
	bb := NewBaselineBook()
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		bb.Observe("t1", "a", "send_message", "", 0.5, true, start.Add(time.Duration(i)*time.Hour))
	}

	base, ok := bb.Baseline("t1", "a")
	require.True(t, ok)
	// Ten requests over a nine-hour observed span.
	assert.InDelta(t, 10.0/9.0, base.AvgRequestsPerHour, 1e-9)
}

func TestBaselineBookTrustHistoryRolls(t *testing.T) {
	bb := NewBaselineBook()
	now := time.Now()
	for i := 0; i < trustHistoryLen+5; i++ {
		bb.Observe("t1", "a", "send_message", "", float64(i), true, now)
	}
	bb.mu.RLock()
	b := bb.baselines[key("t1", "a")]
	bb.mu.RUnlock()
	require.Len(t, b.TrustHistory, trustHistoryLen)
	assert.Equal(t, float64(trustHistoryLen+4), b.TrustHistory[trustHistoryLen-1])
}
