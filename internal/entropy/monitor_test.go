package entropy

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type staticBaselines map[string]Baseline

func (s staticBaselines) Baseline(tenantID, agentID string) (Baseline, bool) {
	b, ok := s[tenantID+"/"+agentID]
	return b, ok
}

func TestShannon_KnownDistributions(t *testing.T) {
	assert.Equal(t, 0.0, Shannon(nil))
	assert.Equal(t, 0.0, Shannon(bytes.Repeat([]byte{'a'}, 1024)), "single symbol has zero entropy")

	// Two symbols, equal frequency: exactly 1 bit.
	assert.InDelta(t, 1.0, Shannon(bytes.Repeat([]byte{'a', 'b'}, 512)), 1e-9)

	// All 256 byte values equally: exactly 8 bits.
	full := make([]byte, 256*16)
	for i := range full {
		full[i] = byte(i % 256)
	}
	assert.InDelta(t, 8.0, Shannon(full), 1e-9)
}

func TestAnalyze_PayloadClassification(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), nil)
	now := time.Now()

	text := []byte("please transfer the quarterly invoice amount to the vendor account")
	res := m.Analyze("t1", "a1", "send_message", "", text, now)
	assert.Equal(t, VerdictClean, res.Payload, "business text sits well under 6.0 bits")

	rng := rand.New(rand.NewSource(7))
	random := make([]byte, 4096)
	rng.Read(random)
	res = m.Analyze("t1", "a1", "send_message", "", random, now)
	assert.Equal(t, VerdictEncrypted, res.Payload)
	assert.Greater(t, res.Entropy, 7.5)
	assert.Equal(t, 0.9, res.Confidence)
}

func TestAnalyze_VelocityAnomaly(t *testing.T) {
	baselines := staticBaselines{"t1/a1": {AvgRequestsPerHour: 2}}
	m := NewMonitor(DefaultThresholds(), baselines)

	now := time.Now()
	var res Result
	for i := 0; i < 10; i++ {
		res = m.Analyze("t1", "a1", "send_message", "", []byte("hi"), now.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, AnomalyVelocity, res.Anomaly, "10 req/h against a baseline of 2 exceeds 3x")
	assert.Equal(t, 0.8, res.AnomalyScore)
}

func TestAnalyze_TypeAndScopeDrift(t *testing.T) {
	baselines := staticBaselines{"t1/a1": {
		AvgRequestsPerHour: 1000, // velocity never trips
		TypicalActions:     map[string]bool{"send_message": true},
		TypicalResources:   map[string]bool{"crm": true},
	}}
	m := NewMonitor(DefaultThresholds(), baselines)
	now := time.Now()

	res := m.Analyze("t1", "a1", "execute_payment", "crm", []byte("x"), now)
	assert.Equal(t, AnomalyDrift, res.Anomaly)
	assert.Equal(t, 0.7, res.AnomalyScore)

	res = m.Analyze("t1", "a1", "send_message", "billing-db", []byte("x"), now)
	assert.Equal(t, AnomalyScope, res.Anomaly)
	assert.Equal(t, 0.6, res.AnomalyScore)

	res = m.Analyze("t1", "a1", "send_message", "crm", []byte("x"), now)
	assert.Equal(t, AnomalyNone, res.Anomaly)
}

func TestAnalyze_NoBaselineNoAnomaly(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), staticBaselines{})
	res := m.Analyze("t1", "unseen-agent", "execute_payment", "anything", []byte("x"), time.Now())
	assert.Equal(t, AnomalyNone, res.Anomaly)
}

func TestWindow_PrunesEntriesOlderThanOneHour(t *testing.T) {
	baselines := staticBaselines{"t1/a1": {AvgRequestsPerHour: 1}}
	m := NewMonitor(DefaultThresholds(), baselines)

	start := time.Now()
	for i := 0; i < 5; i++ {
		m.Analyze("t1", "a1", "send_message", "", []byte("x"), start)
	}
	// Two hours later the old burst has aged out; a single request is not a
	// velocity anomaly.
	res := m.Analyze("t1", "a1", "send_message", "", []byte("x"), start.Add(2*time.Hour))
	assert.Equal(t, AnomalyNone, res.Anomaly)
}
