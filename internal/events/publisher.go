package events

import (
	"sync"
	"time"
)

type Type string

const (
	TypeWorkflowStarted   Type = "workflow_started"
	TypeWorkflowUpdate    Type = "workflow_update"
	TypeWorkflowStep      Type = "workflow_step_update"
	TypeWorkflowCompleted Type = "workflow_completed"
)

// Event is one state transition pushed to subscribers. Payload carries an
// immutable snapshot (full workflow or single step); subscribers must never
// see live engine state.
type Event struct {
	Type       Type      `json:"type"`
	OwnerID    string    `json:"owner_id"`
	WorkflowID string    `json:"workflow_id"`
	StepID     string    `json:"step_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const defaultBuffer = 64

type subscriber struct {
	ch chan Event
}

// Publisher fans events out to per-owner subscribers. Delivery is
// at-most-once: with no subscriber connected the event is dropped, and a
// subscriber that cannot keep up loses events rather than blocking the
// engine. Authoritative state stays retrievable via engine snapshots.
type Publisher struct {
	mu     sync.RWMutex
	subs   map[string]map[int]*subscriber
	nextID int
	buffer int
	mirror func(Event)
}

func NewPublisher() *Publisher {
	return &Publisher{
		subs:   make(map[string]map[int]*subscriber),
		buffer: defaultBuffer,
	}
}

// SetMirror installs a hook that sees every published event, used by the
// Redis relay to forward events to other nodes. Must be set before use.
func (p *Publisher) SetMirror(fn func(Event)) {
	p.mirror = fn
}

// Subscribe registers a new subscriber for an owner. Every concurrent
// subscriber for the same owner receives a full copy of every event. The
// returned cancel func must be called exactly once when the connection ends.
func (p *Publisher) Subscribe(ownerID string) (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.subs[ownerID] == nil {
		p.subs[ownerID] = make(map[int]*subscriber)
	}
	id := p.nextID
	p.nextID++
	sub := &subscriber{ch: make(chan Event, p.buffer)}
	p.subs[ownerID][id] = sub

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if owner, ok := p.subs[ownerID]; ok {
			if s, ok := owner[id]; ok {
				delete(owner, id)
				close(s.ch)
				if len(owner) == 0 {
					delete(p.subs, ownerID)
				}
			}
		}
	}
	return sub.ch, cancel
}

// Publish fans an event out to all of the owner's subscribers. Never blocks
// and never returns an error: publish failure must not fail the engine.
func (p *Publisher) Publish(ownerID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.deliver(ownerID, ev)
	if p.mirror != nil {
		p.mirror(ev)
	}
}

func (p *Publisher) deliver(ownerID string, ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, sub := range p.subs[ownerID] {
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber: drop. The client reconciles via snapshot.
		}
	}
}

// SubscriberCount reports active subscribers for an owner.
func (p *Publisher) SubscriberCount(ownerID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[ownerID])
}
