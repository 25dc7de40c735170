package stream

import (
	"context"
	"sync"
	"time"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
)

// Event types published on the lifecycle stream.
const (
	DonationVerified   = "donation.verified"
	DonationExpired    = "donation.expired"
	RequestMatched     = "request.matched"
	RequestFulfilled   = "request.fulfilled"
	RequestCancelled   = "request.cancelled"
	InvariantViolation = "invariant.violation"
)

// Event describes a committed lifecycle transition.
type Event struct {
	Type        string     `json:"type"`
	SubjectType string     `json:"subject_type"`
	SubjectID   string     `json:"subject_id"`
	HospitalID  string     `json:"hospital_id,omitempty"`
	BloodType   blood.Type `json:"blood_type,omitempty"`
	QuantityML  int64      `json:"quantity_ml,omitempty"`
	Status      string     `json:"status,omitempty"`
	Detail      string     `json:"detail,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	if s == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the number of attached clients.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
