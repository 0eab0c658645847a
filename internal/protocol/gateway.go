package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/govern/internal/envelope"
	"github.com/agentmesh/govern/internal/pipeline"
	"github.com/agentmesh/govern/internal/signals"
)

// Governor is the slice of the pipeline the gateway drives.
type Governor interface {
	Govern(ctx context.Context, env *envelope.Envelope) (*pipeline.Verdict, error)
	AttachSignal(tenantID, requestID string, typ signals.Type, value interface{}, ttl time.Duration, metadata map[string]interface{}) error
	ReleaseEscrow(escrowID string, juryApproved, entropySafe bool) (bool, map[string]interface{}, error)
}

// readTimeout bounds how long an idle connection may sit between frames.
const readTimeout = 5 * time.Minute

// Gateway serves the binary frame protocol over TCP for collaborators that
// bypass HTTP: sandbox interceptors and internal sidecars. One frame in, one
// frame out, per request.
type Gateway struct {
	governor Governor

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

func NewGateway(governor Governor) *Gateway {
	return &Gateway{
		governor: governor,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the address and serves until Close. Blocks.
func (g *Gateway) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.listener = ln
	g.mu.Unlock()
	slog.Info("frame gateway listening", "addr", ln.Addr().String())
	return g.Serve(ln)
}

// Serve accepts connections from an existing listener.
func (g *Gateway) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			g.mu.Lock()
			closed := g.closed
			g.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		g.mu.Lock()
		g.conns[conn] = struct{}{}
		g.mu.Unlock()
		go g.handle(conn)
	}
}

// Addr reports the bound address, for tests that listen on :0.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Close stops the listener and drops open connections.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	ln := g.listener
	for conn := range g.conns {
		conn.Close()
	}
	g.conns = make(map[net.Conn]struct{})
	g.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (g *Gateway) handle(conn net.Conn) {
	defer func() {
		conn.Close()
		g.mu.Lock()
		delete(g.conns, conn)
		g.mu.Unlock()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout)) //nolint:errcheck
		frame, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("frame read failed", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}

		reply := g.dispatch(frame)
		if err := WriteFrame(conn, reply); err != nil {
			return
		}
	}
}

func (g *Gateway) dispatch(frame *Frame) *Frame {
	id := frame.RequestUUID()
	switch frame.Header.FrameType {
	case FrameTypePing:
		return NewFrame(FrameTypePong, id, nil)
	case FrameTypeGovernRequest:
		return g.handleGovern(id, frame.Payload)
	case FrameTypeSignal:
		return g.handleSignal(id, frame.Payload)
	case FrameTypeEscrowRelease:
		return g.handleRelease(id, frame.Payload)
	default:
		return errorFrame(id, "unsupported frame type "+frame.Header.FrameType.String())
	}
}

func (g *Gateway) handleGovern(id uuid.UUID, payload []byte) *Frame {
	var env envelope.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return errorFrame(id, "malformed govern payload")
	}

	verdict, err := g.governor.Govern(context.Background(), &env)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			return errorFrame(id, err.Error())
		}
		return errorFrame(id, "governance unavailable")
	}

	body, err := json.Marshal(verdict)
	if err != nil {
		return errorFrame(id, "verdict encoding failed")
	}
	return NewFrame(FrameTypeVerdict, id, body)
}

type signalPayload struct {
	TenantID   string                 `json:"tenant_id"`
	RequestID  string                 `json:"request_id"`
	SignalType string                 `json:"signal_type"`
	Value      interface{}            `json:"value"`
	TTLSeconds int                    `json:"ttl_seconds"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (g *Gateway) handleSignal(id uuid.UUID, payload []byte) *Frame {
	var req signalPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorFrame(id, "malformed signal payload")
	}
	typ, err := signals.ParseType(req.SignalType)
	if err != nil {
		return errorFrame(id, err.Error())
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := g.governor.AttachSignal(req.TenantID, req.RequestID, typ, req.Value, ttl, req.Metadata); err != nil {
		return errorFrame(id, err.Error())
	}
	body, _ := json.Marshal(map[string]interface{}{"ack": true})
	return NewFrame(FrameTypeSignal, id, body)
}

type releasePayload struct {
	EscrowID     string `json:"escrow_id"`
	JuryApproved bool   `json:"jury_approved"`
	EntropySafe  bool   `json:"entropy_safe"`
}

func (g *Gateway) handleRelease(id uuid.UUID, payload []byte) *Frame {
	var req releasePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorFrame(id, "malformed release payload")
	}
	success, released, err := g.governor.ReleaseEscrow(req.EscrowID, req.JuryApproved, req.EntropySafe)
	if err != nil {
		return errorFrame(id, err.Error())
	}
	resp := map[string]interface{}{"success": success}
	if success {
		resp["payload"] = released
	}
	body, _ := json.Marshal(resp)
	return NewFrame(FrameTypeEscrowRelease, id, body)
}

func errorFrame(id uuid.UUID, msg string) *Frame {
	body, _ := json.Marshal(map[string]interface{}{"error": msg})
	return NewFrame(FrameTypeError, id, body)
}
