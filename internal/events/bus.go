// Package events fans verdict lifecycle notifications out to in-process
// subscribers and, when configured, to a durable Pub/Sub topic. Events use
// the CloudEvents 1.0 envelope so downstream consumers need no custom schema.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the pipeline.
const (
	TypeVerdictAllow    = "govern.verdict.allow"
	TypeVerdictBlock    = "govern.verdict.block"
	TypeVerdictHold     = "govern.verdict.hold"
	TypeVerdictEscalate = "govern.verdict.escalate"
	TypeEscrowReleased  = "govern.escrow.released"
	TypeEscrowRejected  = "govern.escrow.rejected"
	TypePolicyChanged   = "govern.policy.changed"
)

// Emitter publishes verdict events. Both the in-memory Bus and the
// Pub/Sub-backed bus satisfy it; the coordinator only sees this interface.
type Emitter interface {
	Emit(eventType, tenantID, subject string, data map[string]interface{})
}

// NopEmitter discards events. Used when no bus is configured.
type NopEmitter struct{}

func (NopEmitter) Emit(string, string, string, map[string]interface{}) {}

// Event is a CloudEvents 1.0 envelope. Subject carries the request_id (or
// escrow_id for escrow events).
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TenantID    string                 `json:"tenantid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// Source identifies this service in emitted events.
const Source = "/govern/pipeline"

func NewEvent(eventType, tenantID, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      Source,
		ID:          uuid.New().String(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		TenantID:    tenantID,
		Data:        data,
	}
}

func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat renders the event for a Server-Sent Events stream.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)), nil
}

// Bus is the in-process pub/sub fan-out. Delivery is best-effort: a
// subscriber that falls behind drops events rather than stalling the verdict
// hot path.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // event type → channels
	allSubs     []chan *Event
	bufferSize  int
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving the named event types, or every
// event when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe detaches and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		b.subscribers[et] = without(subs, ch)
	}
	b.allSubs = without(b.allSubs, ch)
	close(ch)
}

func without(subs []chan *Event, ch chan *Event) []chan *Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers to all matching subscribers without blocking.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Bus) Emit(eventType, tenantID, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, tenantID, subject, data))
}

// VerdictType maps a verdict class to its event type.
func VerdictType(verdictClass string) string {
	switch verdictClass {
	case "ALLOW":
		return TypeVerdictAllow
	case "HOLD":
		return TypeVerdictHold
	case "ESCALATE":
		return TypeVerdictEscalate
	case "RELEASED":
		return TypeEscrowReleased
	case "REJECTED":
		return TypeEscrowRejected
	default:
		return TypeVerdictBlock
	}
}
