package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/govern/internal/canonical"
	"github.com/agentmesh/govern/internal/entropy"
	"github.com/agentmesh/govern/internal/envelope"
	"github.com/agentmesh/govern/internal/escrow"
	"github.com/agentmesh/govern/internal/events"
	"github.com/agentmesh/govern/internal/ghost"
	"github.com/agentmesh/govern/internal/jury"
	"github.com/agentmesh/govern/internal/ledger"
	"github.com/agentmesh/govern/internal/policy"
	"github.com/agentmesh/govern/internal/signals"
)

// ErrInvalidRequest marks shape failures that are surfaced as RPC errors
// without a ledger entry.
var ErrInvalidRequest = errors.New("invalid request")

// DefaultDeadline bounds a request end-to-end when the caller supplies none.
const DefaultDeadline = 2 * time.Second

// anomalyHoldThreshold: behavioral anomaly scores above this escalate a
// clean audit to HOLD.
const anomalyHoldThreshold = 0.6

// Coordinator wires the governance stages together. It depends only on the
// narrow interfaces of each stage; nothing downstream calls back into it.
type Coordinator struct {
	validator *envelope.Validator
	policies  *policy.Hierarchy
	states    StateProvider
	ghosts    *ghost.Engine
	monitor   *entropy.Monitor
	panel     *jury.Jury
	trust     *jury.Calculator
	baselines *jury.BaselineBook
	collector *signals.Collector
	escrows   *escrow.Engine
	audit     *ledger.Ledger
	emitter   events.Emitter
	admission *Admission
	metrics   *Metrics

	deadline time.Duration
	failOpen bool
	clock    func() time.Time
}

// Deps enumerates the coordinator's collaborators. All fields are required
// except Emitter and Metrics.
type Deps struct {
	Validator *envelope.Validator
	Policies  *policy.Hierarchy
	States    StateProvider
	Ghosts    *ghost.Engine
	Monitor   *entropy.Monitor
	Panel     *jury.Jury
	Trust     *jury.Calculator
	Baselines *jury.BaselineBook
	Collector *signals.Collector
	Escrows   *escrow.Engine
	Ledger    *ledger.Ledger
	Emitter   events.Emitter
	Metrics   *Metrics
}

type CoordinatorOption func(*Coordinator)

func WithDeadline(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.deadline = d }
}

// WithFailOpen downgrades backend failures to ALLOW. Refused outside test
// environments by config validation; never set it in production wiring.
func WithFailOpen(on bool) CoordinatorOption {
	return func(c *Coordinator) { c.failOpen = on }
}

func WithAdmission(a *Admission) CoordinatorOption {
	return func(c *Coordinator) { c.admission = a }
}

func WithClock(clock func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clock }
}

func NewCoordinator(deps Deps, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		validator: deps.Validator,
		policies:  deps.Policies,
		states:    deps.States,
		ghosts:    deps.Ghosts,
		monitor:   deps.Monitor,
		panel:     deps.Panel,
		trust:     deps.Trust,
		baselines: deps.Baselines,
		collector: deps.Collector,
		escrows:   deps.Escrows,
		audit:     deps.Ledger,
		emitter:   deps.Emitter,
		metrics:   deps.Metrics,
		deadline:  DefaultDeadline,
		clock:     time.Now,
	}
	if c.emitter == nil {
		c.emitter = events.NopEmitter{}
	}
	if c.admission == nil {
		c.admission = NewAdmission(0)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Govern runs one request through the pipeline and returns its verdict.
// Every returned verdict is already ledger-committed; an error return means
// nothing was committed and the caller must treat the request as BLOCK.
func (c *Coordinator) Govern(ctx context.Context, env *envelope.Envelope) (*Verdict, error) {
	started := c.clock()

	if err := c.validator.Validate(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if env.RequestID == "" {
		env.RequestID = uuid.New().String()
	}

	if !c.admission.Acquire(env.TenantID) {
		if c.metrics != nil {
			c.metrics.AdmissionDrops.WithLabelValues(env.TenantID).Inc()
		}
		// Reduced resolution: the overflow entry has no payload digest, but
		// audit continuity survives the overload.
		return c.commit(env, &Verdict{
			RequestID:  env.RequestID,
			Class:      ClassBlock,
			ReasonCode: ReasonOverloaded,
			Reason:     "overloaded",
		}, "", started)
	}
	defer c.admission.Release(env.TenantID)

	deadline := c.deadline
	if env.DeadlineMS > 0 {
		deadline = time.Duration(env.DeadlineMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	c.collector.MarkRequest(env.TenantID, env.RequestID)

	payloadDigest, err := canonical.Digest(env.Arguments)
	if err != nil {
		return nil, fmt.Errorf("%w: arguments not serializable: %v", ErrInvalidRequest, err)
	}

	auditChecks := c.auditChecks(env)
	if err := c.validator.Authenticate(env); err != nil {
		return c.commit(env, &Verdict{
			RequestID:  env.RequestID,
			Class:      ClassBlock,
			ReasonCode: ReasonSecurityBreach,
			Reason:     "envelope signature invalid",
		}, payloadDigest, started)
	}

	verdict := c.decide(ctx, env, auditChecks, payloadDigest)
	return c.commit(env, verdict, payloadDigest, started)
}

// decide runs stages 2-6: policy walk, audit, signal check, escrow.
func (c *Coordinator) decide(ctx context.Context, env *envelope.Envelope, auditChecks [2]int, payloadDigest string) *Verdict {
	verdict := &Verdict{RequestID: env.RequestID}

	applicable, err := c.policies.ListApplicable(ctx, env.TenantID, env.ToolName, env.Role)
	if err != nil {
		return c.backendFailure(verdict, "policy store unreachable")
	}

	snap, err := c.states.Snapshot(env.TenantID, env.AgentID)
	if err != nil {
		return c.backendFailure(verdict, "state snapshot unavailable")
	}

	// Stage 3: tier-ordered policy walk over ghost state, short-circuit on
	// the first violation.
	var (
		violated  *policy.Policy
		ghostRes  *ghost.Result
		violation string
	)
	for _, p := range applicable {
		res, err := c.ghosts.Evaluate(snap, env.ToolName, env.Arguments, p.Logic)
		if err != nil {
			// Unknown tool or simulator failure: nothing can be projected,
			// so nothing can be allowed.
			verdict.Class = ClassBlock
			verdict.ReasonCode = ReasonPolicyViolation
			verdict.Reason = fmt.Sprintf("speculation failed: %v", err)
			return verdict
		}
		ghostRes = res
		verdict.SpeculativeHash = res.SpeculativeHash
		if !res.Allowed {
			violated = p
			violation = res.ViolationReason
			break
		}
	}

	trustScore := c.trustScore(env, auditChecks)
	verdict.TrustScore = trustScore

	if violated != nil {
		verdict.ViolatedPolicyID = violated.PolicyID

		// Stage 5: a violated policy that names required signals is asking
		// for out-of-band approval, not a flat denial. All signals present
		// waives the violation; anything missing holds the payload.
		if len(violated.Action.RequiredSignals) > 0 {
			required := make([]signals.Type, len(violated.Action.RequiredSignals))
			for i, s := range violated.Action.RequiredSignals {
				required[i] = signals.Type(s)
			}
			ok, missing := c.collector.Verify(env.TenantID, env.RequestID, required)
			if !ok {
				names := make([]string, len(missing))
				for i, m := range missing {
					names[i] = string(m)
				}
				verdict.Class = ClassHold
				verdict.ReasonCode = ReasonMissingSignal
				verdict.Reason = fmt.Sprintf("%s; missing:%s", violation, strings.Join(names, ","))
				return c.holdPayload(env, verdict, ghostRes)
			}
			// Signals satisfied: fall through to the audit stage.
		} else {
			verdict.Class = ParseClass(violated.Action.OnFail)
			verdict.ReasonCode = ReasonPolicyViolation
			verdict.Reason = violation
			if verdict.Class == ClassHold {
				return c.holdPayload(env, verdict, ghostRes)
			}
			return verdict
		}
	}

	// Stage 4: jury and entropy monitor run concurrently with a barrier join.
	var (
		wg       sync.WaitGroup
		decision *jury.Decision
		juryErr  error
		entRes   entropy.Result
	)
	juryReq := &jury.Request{
		RequestID: env.RequestID,
		TenantID:  env.TenantID,
		AgentID:   env.AgentID,
		ToolName:  env.ToolName,
		Arguments: env.Arguments,
		PolicyIDs: policyIDs(applicable),
	}
	if ghostRes != nil {
		juryReq.GhostView = ghostRes.Ghost.DataView(env.Arguments)
	} else {
		juryReq.GhostView = snap.DataView(env.Arguments)
	}

	payloadBytes, _ := canonical.Marshal(env.Arguments)

	wg.Add(2)
	go func() {
		defer wg.Done()
		decision, juryErr = c.panel.Deliberate(ctx, juryReq)
	}()
	go func() {
		defer wg.Done()
		entRes = c.monitor.Analyze(env.TenantID, env.AgentID, env.ToolName,
			resourceOf(env.Arguments), payloadBytes, c.clock())
	}()
	wg.Wait()

	if c.metrics != nil {
		c.metrics.EntropyScore.Observe(entRes.Entropy)
		if decision != nil {
			for _, b := range decision.Ballots {
				if b.Vote == jury.VoteAbstain {
					c.metrics.JuryAbstentions.Inc()
				}
			}
		}
	}

	if ctx.Err() != nil {
		verdict.Class = ClassBlock
		verdict.ReasonCode = ReasonTimeout
		verdict.Reason = "timeout"
		return verdict
	}

	if juryErr != nil {
		verdict.Class = ClassBlock
		verdict.ReasonCode = ReasonInsufficientQuorum
		verdict.Reason = "insufficient quorum"
		return verdict
	}

	verdict.EvidenceHash = c.evidenceHash(env.RequestID, decision, entRes, payloadDigest)

	if entRes.Payload == entropy.VerdictEncrypted {
		verdict.Class = ClassBlock
		verdict.ReasonCode = ReasonEntropyBlock
		verdict.Reason = fmt.Sprintf("entropy:ENCRYPTED (%.2f bits)", entRes.Entropy)
		return verdict
	}
	if !decision.Approved {
		verdict.Class = ClassBlock
		verdict.ReasonCode = ReasonPolicyViolation
		verdict.Reason = "jury rejected: " + decision.Reasoning
		return verdict
	}
	if entRes.Payload == entropy.VerdictSuspicious || entRes.AnomalyScore > anomalyHoldThreshold {
		verdict.Class = ClassHold
		verdict.ReasonCode = ReasonBehavioralAnomaly
		verdict.Reason = fmt.Sprintf("entropy %s, anomaly %s score %.2f",
			entRes.Payload, entRes.Anomaly, entRes.AnomalyScore)
		return c.holdPayload(env, verdict, ghostRes)
	}

	verdict.Class = ClassAllow
	verdict.Reason = fmt.Sprintf("consensus %.2f, entropy clean", decision.ConsensusRatio)
	return verdict
}

// holdPayload places the arguments in escrow and persists the ghost snapshot
// for the eventual release.
func (c *Coordinator) holdPayload(env *envelope.Envelope, verdict *Verdict, ghostRes *ghost.Result) *Verdict {
	escrowID, err := c.escrows.Hold(env.RequestID, env.TenantID, env.AgentID,
		env.Arguments, verdict.SpeculativeHash)
	if err != nil {
		return c.backendFailure(verdict, "escrow store unavailable")
	}
	verdict.EscrowID = escrowID
	if c.metrics != nil {
		c.metrics.EscrowHeld.Inc()
	}
	if ghostRes != nil {
		if err := c.ghosts.Persist(env.RequestID, ghostRes.Ghost); err != nil {
			slog.Warn("ghost snapshot persistence failed", "request_id", env.RequestID, "error", err)
		}
	}
	return verdict
}

func (c *Coordinator) backendFailure(verdict *Verdict, detail string) *Verdict {
	if c.failOpen {
		verdict.Class = ClassAllow
		verdict.ReasonCode = ReasonBackendUnavailable
		verdict.Reason = "governance degraded (fail-open): " + detail
		return verdict
	}
	verdict.Class = ClassBlock
	verdict.ReasonCode = ReasonBackendUnavailable
	verdict.Reason = "governance unavailable: " + detail
	return verdict
}

// commit appends the verdict to the ledger and, only after a successful
// append, updates the agent baseline and fans out the event.
func (c *Coordinator) commit(env *envelope.Envelope, verdict *Verdict, payloadDigest string, started time.Time) (*Verdict, error) {
	verdict.DecidedAt = c.clock().UTC()

	_, err := c.audit.Append(ledger.Record{
		TenantID:      env.TenantID,
		AgentID:       env.AgentID,
		RequestID:     verdict.RequestID,
		VerdictClass:  string(verdict.Class),
		Reason:        verdict.ReasonCode,
		PayloadDigest: payloadDigest,
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.LedgerFailures.Inc()
		}
		return nil, fmt.Errorf("ledger append: %w", err)
	}

	c.baselines.Observe(env.TenantID, env.AgentID, env.ToolName,
		resourceOf(env.Arguments), verdict.TrustScore, verdict.Class == ClassAllow, c.clock())

	if verdict.Class != ClassHold {
		c.collector.Drop(env.TenantID, verdict.RequestID)
	}

	if c.metrics != nil {
		c.metrics.VerdictsTotal.WithLabelValues(env.TenantID, string(verdict.Class), verdict.ReasonCode).Inc()
		c.metrics.VerdictLatency.WithLabelValues(env.TenantID).Observe(c.clock().Sub(started).Seconds())
	}

	c.emitter.Emit(events.VerdictType(string(verdict.Class)), env.TenantID, verdict.RequestID,
		map[string]interface{}{
			"verdict_class": string(verdict.Class),
			"reason_code":   verdict.ReasonCode,
			"reason":        verdict.Reason,
			"trust_score":   verdict.TrustScore,
			"escrow_id":     verdict.EscrowID,
		})

	slog.Info("verdict",
		"request_id", verdict.RequestID,
		"tenant_id", env.TenantID,
		"agent_id", env.AgentID,
		"tool", env.ToolName,
		"class", verdict.Class,
		"reason_code", verdict.ReasonCode)
	return verdict, nil
}

// ReleaseEscrow resolves a held payload. The terminal ledger entry and the
// event fan-out run through the escrow engine's resolved hook, wired in
// WireEscrowLedger.
func (c *Coordinator) ReleaseEscrow(escrowID string, juryApproved, entropySafe bool) (bool, map[string]interface{}, error) {
	return c.escrows.Release(escrowID, juryApproved, entropySafe)
}

// LookupEscrow returns a held item for status queries.
func (c *Coordinator) LookupEscrow(escrowID string) (*escrow.Item, error) {
	return c.escrows.Lookup(escrowID)
}

// AttachSignal records an attestation for a request.
func (c *Coordinator) AttachSignal(tenantID, requestID string, typ signals.Type, value interface{}, ttl time.Duration, metadata map[string]interface{}) error {
	return c.collector.Attach(tenantID, requestID, typ, value, ttl, metadata)
}

// WireEscrowLedger returns the resolved-hook that ledgers escrow
// transitions. Pass it to escrow.WithResolvedHook when building the engine.
// An append failure aborts the transition, so a payload is never handed out
// without its terminal audit entry; the ghost snapshot and signal bucket for
// the request are dropped once the entry lands.
func WireEscrowLedger(audit *ledger.Ledger, ghosts *ghost.Engine, collector *signals.Collector, emitter events.Emitter) escrow.ResolvedFunc {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return func(item *escrow.Item) error {
		class := "REJECTED"
		if item.Status == escrow.StatusReleased {
			class = "RELEASED"
		}
		if _, err := audit.Append(ledger.Record{
			TenantID:     item.TenantID,
			AgentID:      item.AgentID,
			RequestID:    item.RequestID,
			VerdictClass: class,
			Reason:       item.Reason,
		}); err != nil {
			slog.Error("escrow transition ledger append failed",
				"escrow_id", item.EscrowID, "request_id", item.RequestID, "error", err)
			return fmt.Errorf("escrow transition ledger append: %w", err)
		}
		ghosts.Drop(item.RequestID)
		if collector != nil {
			collector.Drop(item.TenantID, item.RequestID)
		}
		emitter.Emit(events.VerdictType(class), item.TenantID, item.EscrowID,
			map[string]interface{}{
				"request_id": item.RequestID,
				"status":     string(item.Status),
				"reason":     item.Reason,
			})
		return nil
	}
}

// auditChecks counts the envelope's binary trust checks: [passed, total].
func (c *Coordinator) auditChecks(env *envelope.Envelope) [2]int {
	passed, total := 0, 3
	if env.Signature != "" {
		passed++
	}
	if env.SpiffeID != "" {
		passed++
	}
	if env.RequestID != "" {
		passed++
	}
	return [2]int{passed, total}
}

func (c *Coordinator) trustScore(env *envelope.Envelope, checks [2]int) float64 {
	in := c.baselines.TrustInputsFor(env.TenantID, env.AgentID, c.clock())
	in.ChecksPassed = checks[0]
	in.ChecksTotal = checks[1]
	if env.SpiffeID != "" {
		// A validated workload identity counts as a fresh attestation.
		in.HasAttestation = true
		in.AttestationAge = 0
	}
	return c.trust.Score(in)
}

func (c *Coordinator) evidenceHash(requestID string, decision *jury.Decision, entRes entropy.Result, payloadDigest string) string {
	evidence := map[string]interface{}{
		"request_id":      requestID,
		"payload_digest":  payloadDigest,
		"entropy":         entRes.Entropy,
		"payload_verdict": string(entRes.Payload),
		"anomaly":         string(entRes.Anomaly),
		"anomaly_score":   entRes.AnomalyScore,
	}
	if decision != nil {
		ballots := make([]interface{}, len(decision.Ballots))
		for i, b := range decision.Ballots {
			ballots[i] = map[string]interface{}{
				"juror": b.Juror,
				"vote":  string(b.Vote),
			}
		}
		evidence["ballots"] = ballots
		evidence["consensus_ratio"] = decision.ConsensusRatio
	}
	digest, err := canonical.Digest(evidence)
	if err != nil {
		return ""
	}
	return digest
}

func policyIDs(policies []*policy.Policy) []string {
	ids := make([]string, len(policies))
	for i, p := range policies {
		ids[i] = p.PolicyID
	}
	return ids
}

// resourceOf extracts the resource an action touches, for scope-drift
// tracking. Falls back to empty when the arguments name none.
func resourceOf(args map[string]interface{}) string {
	for _, key := range []string{"from_account", "to_account", "data_id", "resource"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
