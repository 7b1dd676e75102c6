// Package events fans job lifecycle changes out to stream subscribers.
package events

import (
	"sync"
	"time"

	"github.com/xcancloud/AngusInfra-sub001/internal/models"
)

type Type string

const (
	TypeJobCreated    Type = "job_created"
	TypeJobPaused     Type = "job_paused"
	TypeJobResumed    Type = "job_resumed"
	TypeJobTriggered  Type = "job_triggered"
	TypeJobDeleted    Type = "job_deleted"
	TypeCycleStarted  Type = "cycle_started"
	TypeCycleFinished Type = "cycle_finished"
)

// subscriberBuffer is how many events a slow subscriber may fall behind
// before events are dropped for it.
const subscriberBuffer = 100

// Event is one job state change as seen by stream clients.
type Event struct {
	Type    Type             `json:"type"`
	JobID   uint             `json:"job_id"`
	JobName string           `json:"job_name,omitempty"`
	Status  models.JobStatus `json:"status,omitempty"`
	Outcome string           `json:"outcome,omitempty"`
	Node    string           `json:"node,omitempty"`
	Error   string           `json:"error,omitempty"`
	Time    time.Time        `json:"time"`
}

// Hub broadcasts events to subscribers. A nil *Hub discards everything.
type Hub struct {
	clients map[string]chan Event
	closed  bool
	mu      sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]chan Event),
	}
}

// Subscribe registers clientID. After Close the returned channel is
// already closed.
func (h *Hub) Subscribe(clientID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch
	}
	if old, ok := h.clients[clientID]; ok {
		close(old)
	}
	h.clients[clientID] = ch
	return ch
}

func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[clientID]; ok {
		close(ch)
		delete(h.clients, clientID)
	}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close ends every subscription so open streams return. Buffered events
// are still delivered before the channels report closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}
