// Package config loads the service configuration: YAML file, .env overlay,
// then environment variable overrides, in that precedence order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server  ServerConfig            `yaml:"server"`
	Jury    JuryConfig              `yaml:"jury"`
	Trust   TrustConfig             `yaml:"trust"`
	Entropy EntropyConfig           `yaml:"entropy"`
	Escrow  EscrowConfig            `yaml:"escrow"`
	Signals SignalsConfig           `yaml:"signals"`
	Limits  LimitsConfig            `yaml:"limits"`
	Tenants map[string]TenantConfig `yaml:"tenants"`
}

type ServerConfig struct {
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`       // "production" | "staging" | "test"
	FailMode string `yaml:"fail_mode"` // CLOSED (default) | OPEN, OPEN only outside production
}

type JuryConfig struct {
	QuorumThreshold   float64  `yaml:"quorum_threshold"`
	UnanimousRequired bool     `yaml:"unanimous_required"`
	JurorTimeoutMS    int      `yaml:"juror_timeout_ms"`
	Panel             []string `yaml:"panel"` // juror names from the registry
	RemoteJurorAddr   string   `yaml:"remote_juror_addr"`
}

type TrustConfig struct {
	Weights TrustWeights `yaml:"weights"`
}

type TrustWeights struct {
	Audit       float64 `yaml:"audit"`
	Reputation  float64 `yaml:"reputation"`
	Attestation float64 `yaml:"attestation"`
	History     float64 `yaml:"history"`
}

type EntropyConfig struct {
	SuspiciousThreshold float64 `yaml:"suspicious_threshold"`
	EncryptedThreshold  float64 `yaml:"encrypted_threshold"`
	VelocityMultiplier  float64 `yaml:"velocity_multiplier"`
}

type EscrowConfig struct {
	TTLSeconds   int `yaml:"ttl_seconds"`
	SweepSeconds int `yaml:"sweep_seconds"`
}

type SignalsConfig struct {
	OrphanTTLSeconds int `yaml:"orphan_ttl_seconds"`
	SweepSeconds     int `yaml:"sweep_seconds"`
}

type LimitsConfig struct {
	RequestDeadlineMS int `yaml:"request_deadline_ms"`
	MaxPayloadBytes   int `yaml:"max_payload_bytes"`
	TenantQueueDepth  int `yaml:"tenant_queue_depth"`
}

// TenantConfig overrides selected knobs for one tenant.
type TenantConfig struct {
	EscrowTTLSeconds int `yaml:"escrow_ttl_seconds"`
	QueueDepth       int `yaml:"queue_depth"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "production", FailMode: "CLOSED"},
		Jury: JuryConfig{
			QuorumThreshold: 0.66,
			JurorTimeoutMS:  200,
			Panel:           []string{"policy_compliance", "payload_sanity", "state_consistency"},
		},
		Trust: TrustConfig{Weights: TrustWeights{
			Audit: 0.40, Reputation: 0.30, Attestation: 0.20, History: 0.10,
		}},
		Entropy: EntropyConfig{
			SuspiciousThreshold: 6.0,
			EncryptedThreshold:  7.5,
			VelocityMultiplier:  3.0,
		},
		Escrow:  EscrowConfig{TTLSeconds: 24 * 3600, SweepSeconds: 60},
		Signals: SignalsConfig{OrphanTTLSeconds: 300, SweepSeconds: 60},
		Limits: LimitsConfig{
			RequestDeadlineMS: 2000,
			MaxPayloadBytes:   1 << 20,
			TenantQueueDepth:  256,
		},
	}
}

// Load builds the configuration. The YAML file is optional; .env and process
// environment override file values.
func Load(path string) (*Config, error) {
	godotenv.Load() //nolint:errcheck

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("FAIL_MODE"); v != "" {
		cfg.Server.FailMode = v
	}
	if v, ok := envFloat("JURY_QUORUM_THRESHOLD"); ok {
		cfg.Jury.QuorumThreshold = v
	}
	if v, ok := envInt("JURY_JUROR_TIMEOUT_MS"); ok {
		cfg.Jury.JurorTimeoutMS = v
	}
	if v := os.Getenv("JURY_REMOTE_JUROR_ADDR"); v != "" {
		cfg.Jury.RemoteJurorAddr = v
	}
	if v, ok := envInt("ESCROW_TTL_SECONDS"); ok {
		cfg.Escrow.TTLSeconds = v
	}
	if v, ok := envInt("SIGNAL_ORPHAN_TTL_SECONDS"); ok {
		cfg.Signals.OrphanTTLSeconds = v
	}
	if v, ok := envInt("REQUEST_DEADLINE_MS"); ok {
		cfg.Limits.RequestDeadlineMS = v
	}
	if v, ok := envInt("MAX_PAYLOAD_BYTES"); ok {
		cfg.Limits.MaxPayloadBytes = v
	}
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(key string) (float64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Validate rejects configurations that would weaken the fail-closed posture.
func (c *Config) Validate() error {
	if c.Jury.QuorumThreshold <= 0 || c.Jury.QuorumThreshold > 1 {
		return fmt.Errorf("config: jury.quorum_threshold must be in (0,1], got %v", c.Jury.QuorumThreshold)
	}
	sum := c.Trust.Weights.Audit + c.Trust.Weights.Reputation +
		c.Trust.Weights.Attestation + c.Trust.Weights.History
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config: trust weights must sum to 1.0, got %.3f", sum)
	}
	if c.Entropy.EncryptedThreshold <= c.Entropy.SuspiciousThreshold {
		return fmt.Errorf("config: entropy encrypted threshold must exceed suspicious threshold")
	}
	switch c.Server.FailMode {
	case "", "CLOSED":
	case "OPEN":
		if c.Server.Env == "production" {
			return fmt.Errorf("config: fail_mode OPEN is not permitted in production")
		}
	default:
		return fmt.Errorf("config: unknown fail_mode %q", c.Server.FailMode)
	}
	return nil
}

func (c *Config) JurorTimeout() time.Duration {
	return time.Duration(c.Jury.JurorTimeoutMS) * time.Millisecond
}

func (c *Config) RequestDeadline() time.Duration {
	return time.Duration(c.Limits.RequestDeadlineMS) * time.Millisecond
}

func (c *Config) EscrowTTL() time.Duration {
	return time.Duration(c.Escrow.TTLSeconds) * time.Second
}

func (c *Config) SignalOrphanTTL() time.Duration {
	return time.Duration(c.Signals.OrphanTTLSeconds) * time.Second
}

func (c *Config) EscrowSweepInterval() time.Duration {
	return time.Duration(c.Escrow.SweepSeconds) * time.Second
}

func (c *Config) SignalSweepInterval() time.Duration {
	return time.Duration(c.Signals.SweepSeconds) * time.Second
}

// TenantEscrowTTL converts a per-tenant override to a duration.
func (c *Config) TenantEscrowTTL(tc TenantConfig) time.Duration {
	return time.Duration(tc.EscrowTTLSeconds) * time.Second
}
