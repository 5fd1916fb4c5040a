package stream

import (
	"context"
	"testing"
	"time"

	"civicpulse.org/internal/complaint"
)

func event(citizenID string) complaint.Event {
	return complaint.Event{
		Type: complaint.EventStatusChanged,
		Complaint: complaint.Complaint{
			ID:        "c-" + citizenID,
			Title:     "Broken streetlight",
			Category:  complaint.CategoryStreetlight,
			Status:    complaint.StatusInProgress,
			Latitude:  complaint.MustCoord("21.25"),
			Longitude: complaint.MustCoord("81.6296"),
			CitizenID: citizenID,
		},
		Entry:   &complaint.HistoryEntry{OldStatus: complaint.StatusPending, NewStatus: complaint.StatusInProgress},
		ActorID: "officer-1",
		At:      time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestPublishRespectsScope(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := s.Subscribe(ctx, Scope{})
	mine := s.Subscribe(ctx, Scope{CitizenID: "citizen-1"})

	s.Publish(ctx, event("citizen-2"))
	s.Publish(ctx, event("citizen-1"))

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatalf("unscoped subscriber missed message %d", i)
		}
	}

	select {
	case msg := <-mine:
		if msg.ComplaintID != "c-citizen-1" {
			t.Fatalf("scoped subscriber received foreign complaint %s", msg.ComplaintID)
		}
		if msg.OldStatus != complaint.StatusPending || msg.Location.Lat != 21.25 || msg.Location.Name != "Broken streetlight" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("scoped subscriber missed its message")
	}
	select {
	case msg := <-mine:
		t.Fatalf("unexpected extra message: %+v", msg)
	default:
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, Scope{})
	if s.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx, Scope{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(ctx, event("citizen-1"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
}
