package stream

import (
	"context"
	"sync"
	"time"

	"civicpulse.org/internal/complaint"
)

// Location is the map point of a complaint.
type Location struct {
	Name string  `json:"name,omitempty"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// LocationOf maps a complaint to its point on the map.
func LocationOf(c complaint.Complaint) Location {
	name := c.Address
	if name == "" {
		name = c.Title
	}
	return Location{Name: name, Lat: c.Latitude.Float(), Lon: c.Longitude.Float()}
}

// Message describes one committed lifecycle change for live dashboards.
type Message struct {
	Type        complaint.EventType `json:"type"`
	ComplaintID string              `json:"complaint_id"`
	Title       string              `json:"title"`
	Category    complaint.Category  `json:"category"`
	Status      complaint.Status    `json:"status"`
	OldStatus   complaint.Status    `json:"old_status,omitempty"`
	Officer     string              `json:"assigned_officer,omitempty"`
	Location    Location            `json:"location"`
	ActorID     string              `json:"actor_id"`
	Timestamp   time.Time           `json:"timestamp"`

	citizenID string
}

// MessageFor converts a lifecycle event.
func MessageFor(ev complaint.Event) Message {
	m := Message{
		Type:        ev.Type,
		ComplaintID: ev.Complaint.ID,
		Title:       ev.Complaint.Title,
		Category:    ev.Complaint.Category,
		Status:      ev.Complaint.Status,
		Officer:     ev.Complaint.AssignedOfficer,
		Location:    LocationOf(ev.Complaint),
		ActorID:     ev.ActorID,
		Timestamp:   ev.At,
		citizenID:   ev.Complaint.CitizenID,
	}
	if ev.Entry != nil {
		m.OldStatus = ev.Entry.OldStatus
	}
	return m
}

// Scope limits which messages a subscriber receives. The zero value receives
// everything.
type Scope struct {
	CitizenID string
}

func (s Scope) allows(m Message) bool {
	return s.CitizenID == "" || s.CitizenID == m.citizenID
}

type subscriber struct {
	ch    chan Message
	scope Scope
}

// Stream fan-outs lifecycle messages to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

var _ complaint.Publisher = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// messages within scope. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, scope Scope) <-chan Message {
	ch := make(chan Message, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, scope: scope}
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

// Publish fan-outs the event to all subscribers in scope.
func (s *Stream) Publish(_ context.Context, ev complaint.Event) {
	msg := MessageFor(ev)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if !sub.scope.allows(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
