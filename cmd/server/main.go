package main

import (
	"database/sql"
	"flag"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/agentmesh/govern/internal/api"
	"github.com/agentmesh/govern/internal/config"
	"github.com/agentmesh/govern/internal/entropy"
	"github.com/agentmesh/govern/internal/envelope"
	"github.com/agentmesh/govern/internal/escrow"
	"github.com/agentmesh/govern/internal/events"
	"github.com/agentmesh/govern/internal/ghost"
	"github.com/agentmesh/govern/internal/jury"
	"github.com/agentmesh/govern/internal/ledger"
	"github.com/agentmesh/govern/internal/pipeline"
	"github.com/agentmesh/govern/internal/policy"
	"github.com/agentmesh/govern/internal/protocol"
	"github.com/agentmesh/govern/internal/signals"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config (optional)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("starting governance pipeline", "env", cfg.Server.Env, "port", cfg.Server.Port)

	// ========================================================================
	// STORAGE
	// ========================================================================
	// DATABASE_URL selects the Postgres stores; memory stores otherwise.
	var (
		policyStore policy.Store
		escrowStore escrow.Store
		ledgerStore ledger.Store
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			slog.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		if err := db.Ping(); err != nil {
			slog.Error("postgres unreachable", "error", err)
			os.Exit(1)
		}
		policyStore = policy.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		slog.Info("storage backend", "kind", "postgres")
	} else {
		policyStore = policy.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		slog.Warn("storage backend", "kind", "memory", "note", "state is lost on restart")
	}

	audit := ledger.New(ledgerStore)
	hierarchy := policy.NewHierarchy(policyStore)

	// ========================================================================
	// GHOST ENGINE
	// ========================================================================
	ghosts := ghost.NewEngine(false)
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		ghosts.SetPersister(ghost.NewRedisSnapshotStore(client, cfg.EscrowTTL()))
		slog.Info("ghost snapshots persisted to redis", "addr", addr)
	}

	// ========================================================================
	// JURY + TRUST
	// ========================================================================
	baselines := jury.NewBaselineBook()
	registry := jury.NewRegistry()

	var panelJurors []jury.WeightedJuror
	for _, name := range cfg.Jury.Panel {
		j, err := registry.Build(name)
		if err != nil {
			slog.Error("unknown juror in panel", "name", name, "error", err)
			os.Exit(1)
		}
		panelJurors = append(panelJurors, jury.WeightedJuror{Juror: j, Weight: 1.0})
	}
	if addr := cfg.Jury.RemoteJurorAddr; addr != "" {
		remote, err := jury.NewRemoteJuror("remote", addr)
		if err != nil {
			slog.Error("remote juror dial failed", "addr", addr, "error", err)
			os.Exit(1)
		}
		defer remote.Close()
		panelJurors = append(panelJurors, jury.WeightedJuror{Juror: remote, Weight: 1.0})
		slog.Info("remote juror joined panel", "addr", addr)
	}

	panel, err := jury.New(panelJurors, jury.Config{
		QuorumThreshold:   cfg.Jury.QuorumThreshold,
		UnanimousRequired: cfg.Jury.UnanimousRequired,
		JurorTimeout:      cfg.JurorTimeout(),
	})
	if err != nil {
		slog.Error("jury assembly failed", "error", err)
		os.Exit(1)
	}

	trust := jury.NewCalculator(jury.Weights{
		Audit:       cfg.Trust.Weights.Audit,
		Reputation:  cfg.Trust.Weights.Reputation,
		Attestation: cfg.Trust.Weights.Attestation,
		History:     cfg.Trust.Weights.History,
	})

	// ========================================================================
	// ENTROPY + SIGNALS + EVENTS
	// ========================================================================
	monitor := entropy.NewMonitor(entropy.Thresholds{
		Suspicious: cfg.Entropy.SuspiciousThreshold,
		Encrypted:  cfg.Entropy.EncryptedThreshold,
		Velocity:   cfg.Entropy.VelocityMultiplier,
	}, baselines)

	collector := signals.NewCollector(signals.WithOrphanTTL(cfg.SignalOrphanTTL()))

	var emitter events.Emitter = events.NewBus()
	if project := os.Getenv("PUBSUB_PROJECT"); project != "" {
		topic := os.Getenv("PUBSUB_TOPIC")
		if topic == "" {
			topic = "govern-verdicts"
		}
		ps, err := events.NewPubSubBus(project, topic)
		if err != nil {
			slog.Error("pubsub setup failed", "project", project, "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		emitter = ps
		slog.Info("verdict events published to pubsub", "project", project, "topic", topic)
	}

	// ========================================================================
	// ESCROW
	// ========================================================================
	escrowOpts := []escrow.EngineOption{
		escrow.WithTTL(cfg.EscrowTTL()),
		escrow.WithResolvedHook(pipeline.WireEscrowLedger(audit, ghosts, collector, emitter)),
	}
	if key := os.Getenv("ESCROW_KEY"); key != "" {
		cipher, err := escrow.NewPayloadCipher([]byte(key))
		if err != nil {
			slog.Error("escrow cipher setup failed", "error", err)
			os.Exit(1)
		}
		escrowOpts = append(escrowOpts, escrow.WithCipher(cipher))
		slog.Info("escrow payloads encrypted at rest")
	}
	escrows := escrow.NewEngine(escrowStore, escrowOpts...)

	// ========================================================================
	// ENVELOPE VALIDATION
	// ========================================================================
	validatorOpts := []envelope.Option{
		envelope.WithMaxPayloadBytes(cfg.Limits.MaxPayloadBytes),
	}
	if key := os.Getenv("SIGNING_KEY"); key != "" {
		validatorOpts = append(validatorOpts, envelope.WithSigningKey([]byte(key)))
	}
	if td := os.Getenv("TRUST_DOMAIN"); td != "" {
		domain, err := spiffeid.TrustDomainFromString(td)
		if err != nil {
			slog.Error("invalid trust domain", "domain", td, "error", err)
			os.Exit(1)
		}
		validatorOpts = append(validatorOpts, envelope.WithTrustDomain(domain))
	}
	validator := envelope.NewValidator(validatorOpts...)

	// ========================================================================
	// PIPELINE
	// ========================================================================
	admission := pipeline.NewAdmission(cfg.Limits.TenantQueueDepth)
	for tenantID, tc := range cfg.Tenants {
		if tc.QueueDepth > 0 {
			admission.SetTenantDepth(tenantID, tc.QueueDepth)
		}
		if tc.EscrowTTLSeconds > 0 {
			escrows.SetTenantTTL(tenantID, cfg.TenantEscrowTTL(tc))
		}
	}

	metrics := pipeline.NewMetrics(prometheus.DefaultRegisterer)

	coordOpts := []pipeline.CoordinatorOption{
		pipeline.WithDeadline(cfg.RequestDeadline()),
		pipeline.WithAdmission(admission),
	}
	if cfg.Server.FailMode == "OPEN" {
		slog.Warn("fail-open mode enabled", "env", cfg.Server.Env)
		coordOpts = append(coordOpts, pipeline.WithFailOpen(true))
	}

	coord := pipeline.NewCoordinator(pipeline.Deps{
		Validator: validator,
		Policies:  hierarchy,
		States:    pipeline.NewMemoryDirectory(),
		Ghosts:    ghosts,
		Monitor:   monitor,
		Panel:     panel,
		Trust:     trust,
		Baselines: baselines,
		Collector: collector,
		Escrows:   escrows,
		Ledger:    audit,
		Emitter:   emitter,
		Metrics:   metrics,
	}, coordOpts...)

	// ========================================================================
	// SWEEPERS + LISTENERS
	// ========================================================================
	stop := make(chan struct{})
	defer close(stop)
	go escrows.RunSweeper(cfg.EscrowSweepInterval(), stop)
	go collector.RunSweeper(cfg.SignalSweepInterval(), stop)

	if addr := os.Getenv("GOVERN_TCP_ADDR"); addr != "" {
		gateway := protocol.NewGateway(coord)
		defer gateway.Close()
		go func() {
			if err := gateway.Listen(addr); err != nil {
				slog.Error("frame gateway exited", "error", err)
			}
		}()
	}

	server := api.NewServer(coord, hierarchy, audit)
	if err := server.Start(cfg.Server.Port); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}
