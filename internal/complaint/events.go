package complaint

import (
	"context"
	"time"
)

// EventType names a lifecycle change.
type EventType string

const (
	EventCreated       EventType = "complaint.created"
	EventStatusChanged EventType = "complaint.status_changed"
	EventAssigned      EventType = "complaint.assigned"
	EventRated         EventType = "complaint.rated"
)

// Event is emitted after a lifecycle change has been committed.
type Event struct {
	Type      EventType     `json:"type"`
	Complaint Complaint     `json:"complaint"`
	Entry     *HistoryEntry `json:"history_entry,omitempty"`
	ActorID   string        `json:"actor_id"`
	At        time.Time     `json:"at"`
}

// Publisher receives committed lifecycle events. Publish must not block.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

// Publishers fans an event out to every publisher in order.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, ev Event) {
	for _, p := range ps {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}
