// Package entropy runs two independent per-request checks: Shannon entropy
// over payload bytes (exfiltration of encrypted or steganographic content
// spikes toward 8 bits/byte) and behavioral drift against each agent's
// baseline (request velocity, typical actions, typical resources).
package entropy

import (
	"math"
	"sync"
	"time"
)

// PayloadVerdict classifies raw payload randomness.
type PayloadVerdict string

const (
	VerdictClean      PayloadVerdict = "CLEAN"
	VerdictSuspicious PayloadVerdict = "SUSPICIOUS"
	VerdictEncrypted  PayloadVerdict = "ENCRYPTED"
)

// AnomalyType classifies behavioral drift.
type AnomalyType string

const (
	AnomalyNone     AnomalyType = "NONE"
	AnomalyVelocity AnomalyType = "VELOCITY"
	AnomalyDrift    AnomalyType = "DRIFT"
	AnomalyScope    AnomalyType = "SCOPE"
)

// Result carries both check outcomes for one request.
type Result struct {
	Entropy      float64
	Payload      PayloadVerdict
	Confidence   float64
	Anomaly      AnomalyType
	AnomalyScore float64
}

// Baseline is the behavioral profile the drift checks compare against.
// Provided by the jury's post-commit baseline updates.
type Baseline struct {
	AvgRequestsPerHour float64
	TypicalActions     map[string]bool
	TypicalResources   map[string]bool
}

// BaselineSource supplies an agent's baseline, if one has been established.
type BaselineSource interface {
	Baseline(tenantID, agentID string) (Baseline, bool)
}

// Thresholds are tenant-configurable cut-offs.
type Thresholds struct {
	Suspicious float64 // default 6.0
	Encrypted  float64 // default 7.5
	Velocity   float64 // multiplier over baseline rate, default 3.0
}

func DefaultThresholds() Thresholds {
	return Thresholds{Suspicious: 6.0, Encrypted: 7.5, Velocity: 3.0}
}

// Monitor tracks per-agent arrival windows and classifies payloads.
type Monitor struct {
	mu         sync.Mutex
	thresholds Thresholds
	baselines  BaselineSource
	windows    map[string][]time.Time // tenant/agent → arrivals in last hour
}

func NewMonitor(thresholds Thresholds, baselines BaselineSource) *Monitor {
	return &Monitor{
		thresholds: thresholds,
		baselines:  baselines,
		windows:    make(map[string][]time.Time),
	}
}

// Shannon computes −Σ p(b)·log₂ p(b) over payload bytes.
func Shannon(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		h -= p * math.Log2(p)
	}
	return h
}

// Analyze records the arrival and runs both checks.
func (m *Monitor) Analyze(tenantID, agentID, toolName, resource string, payload []byte, now time.Time) Result {
	res := Result{Anomaly: AnomalyNone}

	res.Entropy = Shannon(payload)
	switch {
	case res.Entropy > m.thresholds.Encrypted:
		res.Payload = VerdictEncrypted
		res.Confidence = 0.9
	case res.Entropy > m.thresholds.Suspicious:
		res.Payload = VerdictSuspicious
		res.Confidence = 0.7
	default:
		res.Payload = VerdictClean
		res.Confidence = 1.0
	}

	rate := m.recordArrival(tenantID, agentID, now)

	if m.baselines == nil {
		return res
	}
	baseline, ok := m.baselines.Baseline(tenantID, agentID)
	if !ok {
		return res
	}

	// Checks are ordered by severity; the first hit wins.
	if baseline.AvgRequestsPerHour > 0 && rate > baseline.AvgRequestsPerHour*m.thresholds.Velocity {
		res.Anomaly = AnomalyVelocity
		res.AnomalyScore = 0.8
		return res
	}
	if len(baseline.TypicalActions) > 0 && !baseline.TypicalActions[toolName] {
		res.Anomaly = AnomalyDrift
		res.AnomalyScore = 0.7
		return res
	}
	if resource != "" && len(baseline.TypicalResources) > 0 && !baseline.TypicalResources[resource] {
		res.Anomaly = AnomalyScope
		res.AnomalyScore = 0.6
		return res
	}
	return res
}

// recordArrival appends to the sliding window, prunes entries older than one
// hour, and returns the current requests-per-hour rate.
func (m *Monitor) recordArrival(tenantID, agentID string, now time.Time) float64 {
	key := tenantID + "/" + agentID
	cutoff := now.Add(-time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()

	window := append(m.windows[key], now)
	pruned := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	m.windows[key] = pruned
	return float64(len(pruned))
}
