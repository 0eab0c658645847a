package jury

import (
	"fmt"
	"time"
)

// Weights are the tri-factor trust components. They must sum to 1.0.
type Weights struct {
	Audit       float64 `yaml:"audit" json:"audit"`             // default 0.40
	Reputation  float64 `yaml:"reputation" json:"reputation"`   // default 0.30
	Attestation float64 `yaml:"attestation" json:"attestation"` // default 0.20
	History     float64 `yaml:"history" json:"history"`         // default 0.10
}

func DefaultWeights() Weights {
	return Weights{Audit: 0.40, Reputation: 0.30, Attestation: 0.20, History: 0.10}
}

func (w Weights) Validate() error {
	sum := w.Audit + w.Reputation + w.Attestation + w.History
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("jury: trust weights must sum to 1.0, got %.3f", sum)
	}
	return nil
}

// TrustInputs feeds the weighted trust computation attached to a verdict.
type TrustInputs struct {
	// Audit: binary checks on the request envelope.
	ChecksPassed int
	ChecksTotal  int

	// Reputation: historical outcomes.
	Successes    int
	Interactions int
	Blacklisted  bool

	// Attestation freshness.
	AttestationAge     time.Duration
	AttestationExpired bool
	HasAttestation     bool

	// History: relationship age.
	RelationshipAge time.Duration
}

// Calculator computes the weighted trust score:
//
//	w_audit·audit + w_rep·reputation + w_att·attestation + w_hist·history
type Calculator struct {
	weights Weights
}

func NewCalculator(w Weights) *Calculator {
	return &Calculator{weights: w}
}

func (c *Calculator) Score(in TrustInputs) float64 {
	score := c.weights.Audit*auditScore(in) +
		c.weights.Reputation*reputationScore(in) +
		c.weights.Attestation*attestationScore(in) +
		c.weights.History*historyScore(in)
	return clamp01(score)
}

// auditScore is the ratio of passing binary checks (signature valid, hash
// verified, certificate valid, nonce fresh).
func auditScore(in TrustInputs) float64 {
	if in.ChecksTotal == 0 {
		return 0
	}
	return float64(in.ChecksPassed) / float64(in.ChecksTotal)
}

// reputationScore is the historical success ratio damped toward the 0.5
// prior until 100 interactions have accumulated. Blacklisted agents score 0.
func reputationScore(in TrustInputs) float64 {
	if in.Blacklisted {
		return 0
	}
	if in.Interactions == 0 {
		return 0.5
	}
	ratio := float64(in.Successes) / float64(in.Interactions)
	damp := float64(in.Interactions) / 100.0
	if damp > 1 {
		damp = 1
	}
	return damp*ratio + (1-damp)*0.5
}

// attestationScore buckets by freshness; expired or absent attestations
// score 0.
func attestationScore(in TrustInputs) float64 {
	if !in.HasAttestation || in.AttestationExpired {
		return 0
	}
	switch {
	case in.AttestationAge < time.Hour:
		return 1.0
	case in.AttestationAge < 24*time.Hour:
		return 0.8
	case in.AttestationAge < 7*24*time.Hour:
		return 0.6
	case in.AttestationAge < 30*24*time.Hour:
		return 0.4
	default:
		return 0.2
	}
}

// historyScore buckets relationship age plus an interaction-count bonus,
// capped at 1.0.
func historyScore(in TrustInputs) float64 {
	var base float64
	switch {
	case in.RelationshipAge < 7*24*time.Hour:
		base = 0.2
	case in.RelationshipAge < 30*24*time.Hour:
		base = 0.4
	case in.RelationshipAge < 90*24*time.Hour:
		base = 0.6
	case in.RelationshipAge < 365*24*time.Hour:
		base = 0.8
	default:
		base = 1.0
	}
	bonus := float64(in.Interactions) / 500.0
	if bonus > 0.2 {
		bonus = 0.2
	}
	return clamp01(base + bonus)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
