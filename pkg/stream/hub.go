package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/exchange"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
)

const EventStatus = "exchange.status"

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// NewStatusEvent wraps a status transition for hub subscribers.
func NewStatusEvent(evt models.StatusEvent) Event {
	return NewEvent(EventStatus, evt)
}

type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// WaitResult is the outcome of a bounded wait for a terminal status.
type WaitResult struct {
	Status   string
	Payload  string
	TimedOut bool
}

// WaitTerminal blocks until the exchange reaches a terminal status or the
// deadline elapses. A deadline hit is reported as a timeout, not an error:
// the exchange may still complete later and callers must treat the record
// as the source of truth. Callers that themselves start the work producing
// the transition must subscribe first and use WaitTerminalOn, otherwise a
// completion landing before the subscription is missed.
func (h *Hub) WaitTerminal(ctx context.Context, exchangeID, current string, deadline time.Duration) WaitResult {
	ch := h.Subscribe(64)
	defer h.Unsubscribe(ch)
	return h.WaitTerminalOn(ctx, ch, exchangeID, current, deadline)
}

// WaitTerminalOn waits on an existing subscription. current is the status
// observed by the caller before subscribing, so a transition that already
// happened is not missed.
func (h *Hub) WaitTerminalOn(ctx context.Context, ch chan Event, exchangeID, current string, deadline time.Duration) WaitResult {
	if exchange.IsTerminal(current) {
		return WaitResult{Status: current}
	}
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return WaitResult{Status: current, TimedOut: true}
			}
			if evt.Type != EventStatus {
				continue
			}
			var status models.StatusEvent
			if err := json.Unmarshal(evt.Data, &status); err != nil {
				continue
			}
			if status.ExchangeID != exchangeID {
				continue
			}
			if exchange.IsTerminal(status.Status) {
				return WaitResult{Status: status.Status, Payload: status.Payload}
			}
		case <-timer.C:
			return WaitResult{Status: current, TimedOut: true}
		case <-ctx.Done():
			return WaitResult{Status: current, TimedOut: true}
		}
	}
}
