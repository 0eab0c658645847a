package ghost

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agentmesh/govern/internal/jsonlogic"
)

// ErrUnknownTool is returned when no simulator is registered for a tool and
// the engine is not in permissive mode. Callers fail closed.
var ErrUnknownTool = errors.New("ghost: no simulator registered for tool")

// Result is the outcome of evaluating one policy against projected state.
type Result struct {
	Allowed         bool
	Ghost           *Snapshot
	ViolationReason string
	SpeculativeHash string
}

// Engine holds the simulator registry and runs the snapshot → simulate →
// evaluate sequence. Permissive mode routes unknown tools through a no-op
// simulation; it exists for offline testing only and must stay off in
// production.
type Engine struct {
	mu         sync.RWMutex
	simulators map[string]Simulator
	permissive bool
	persister  SnapshotPersistence
}

// SnapshotPersistence optionally persists ghost snapshots so a held action's
// projected state survives a restart. Best-effort: persistence failures are
// logged by callers, never fatal.
type SnapshotPersistence interface {
	Save(requestID string, ghost *Snapshot) error
	Load(requestID string) (*Snapshot, error)
	Delete(requestID string) error
}

func NewEngine(permissive bool) *Engine {
	e := &Engine{
		simulators: make(map[string]Simulator),
		permissive: permissive,
	}
	// Reference simulator set.
	e.Register("execute_payment", PaymentSimulator{})
	e.Register("transfer_funds", TransferSimulator{})
	e.Register("send_external_request", ExternalSendSimulator{})
	e.Register("send_message", MessageSimulator{})
	return e
}

// Register installs a simulator for a tool name.
func (e *Engine) Register(toolName string, sim Simulator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.simulators[toolName] = sim
}

// SetPersister sets the optional snapshot persistence backend.
func (e *Engine) SetPersister(p SnapshotPersistence) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persister = p
}

// Project clones the snapshot and applies the tool's simulator. The input
// snapshot is never touched.
func (e *Engine) Project(current *Snapshot, toolName string, args map[string]interface{}) (*Snapshot, error) {
	e.mu.RLock()
	sim, ok := e.simulators[toolName]
	permissive := e.permissive
	e.mu.RUnlock()

	if !ok {
		if !permissive {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
		}
		sim = MessageSimulator{}
	}

	ghostState := current.Clone()
	if err := sim.Simulate(ghostState, args); err != nil {
		return nil, err
	}
	return ghostState, nil
}

// Evaluate projects the tool call and checks one policy's logic against the
// resulting data view. The policy's logic returning true means violation;
// evaluation errors also count as violations (fail closed).
func (e *Engine) Evaluate(current *Snapshot, toolName string, args map[string]interface{}, logic map[string]interface{}) (*Result, error) {
	ghostState, err := e.Project(current, toolName, args)
	if err != nil {
		return nil, err
	}

	hash, err := ghostState.Hash()
	if err != nil {
		return nil, err
	}

	view := ghostState.DataView(args)
	violated, evalErr := jsonlogic.Evaluate(logic, view)
	if evalErr != nil {
		return &Result{
			Allowed:         false,
			Ghost:           ghostState,
			ViolationReason: fmt.Sprintf("logic evaluation failed: %v", evalErr),
			SpeculativeHash: hash,
		}, nil
	}

	res := &Result{Allowed: !violated, Ghost: ghostState, SpeculativeHash: hash}
	if violated {
		res.ViolationReason = violationReason(logic, view)
	}
	return res, nil
}

// Persist stores the ghost snapshot for a held request, if a backend is set.
func (e *Engine) Persist(requestID string, ghostState *Snapshot) error {
	e.mu.RLock()
	p := e.persister
	e.mu.RUnlock()
	if p == nil {
		return nil
	}
	return p.Save(requestID, ghostState)
}

// Drop removes a persisted snapshot after the request reaches a terminal
// state.
func (e *Engine) Drop(requestID string) {
	e.mu.RLock()
	p := e.persister
	e.mu.RUnlock()
	if p != nil {
		_ = p.Delete(requestID)
	}
}

// violationReason names the ghost-state values the logic actually read, so a
// BLOCK on a balance floor reports the projected balance, not the input.
func violationReason(logic map[string]interface{}, view map[string]interface{}) string {
	vars := jsonlogic.ExtractVars(logic)
	parts := make([]string, 0, len(vars))
	for _, path := range vars {
		parts = append(parts, fmt.Sprintf("%s=%s", path, formatValue(lookupPath(view, path))))
	}
	if len(parts) == 0 {
		return "policy logic matched"
	}
	return "policy logic matched: " + strings.Join(parts, ", ")
}

func lookupPath(data map[string]interface{}, path string) interface{} {
	var cur interface{} = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
