package push

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/metrics"
)

// Delivery is one queued call pushing an object to one recipient.
type Delivery struct {
	ID         string           `json:"id"`
	Target     parties.Identity `json:"target"`
	Ref        Ref              `json:"ref"`
	Method     string           `json:"method"`
	Body       json.RawMessage  `json:"body"`
	Attempts   int              `json:"attempts"`
	LastError  string           `json:"last_error,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// Queue holds deliveries waiting for the next flush, in arrival order.
type Queue struct {
	mu      sync.Mutex
	pending []Delivery
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(ds ...Delivery) {
	q.mu.Lock()
	q.pending = append(q.pending, ds...)
	n := len(q.pending)
	q.mu.Unlock()
	metrics.PushQueueDepth.Set(float64(n))
}

// Drain removes and returns everything queued.
func (q *Queue) Drain() []Delivery {
	q.mu.Lock()
	out := q.pending
	q.pending = nil
	q.mu.Unlock()
	metrics.PushQueueDepth.Set(0)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the queued deliveries.
func (q *Queue) Pending() []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.pending)
}
