package complaint

import (
	"context"
	"sort"
	"sync"

	"civicpulse.org/internal/apperr"
)

// UpdateFunc mutates a private copy of a complaint and optionally returns the
// history entry to append. Returning an error aborts with nothing written.
type UpdateFunc func(c *Complaint) (*HistoryEntry, error)

// Store persists complaints and their history.
type Store interface {
	Insert(ctx context.Context, c Complaint) error
	Get(ctx context.Context, id string) (Complaint, error)
	List(ctx context.Context, f Filter) ([]Complaint, error)
	// Update applies fn and commits the complaint together with the returned
	// history entry, or nothing at all.
	Update(ctx context.Context, id string, fn UpdateFunc) (Complaint, error)
	History(ctx context.Context, id string) ([]HistoryEntry, error)
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu         sync.RWMutex
	complaints map[string]*Complaint
	history    map[string][]HistoryEntry
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		complaints: make(map[string]*Complaint),
		history:    make(map[string][]HistoryEntry),
	}
}

func (s *InMemory) Insert(ctx context.Context, c Complaint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.complaints[c.ID]; ok {
		return apperr.Newf(apperr.CodeConflict, "complaint %s already exists", c.ID)
	}
	cp := c.clone()
	s.complaints[c.ID] = &cp
	return nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Complaint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.complaints[id]
	if !ok {
		return Complaint{}, apperr.ErrNotFound
	}
	return c.clone(), nil
}

func (s *InMemory) List(ctx context.Context, f Filter) ([]Complaint, error) {
	s.mu.RLock()
	out := make([]Complaint, 0, len(s.complaints))
	for _, c := range s.complaints {
		if f.Matches(*c) {
			out = append(out, c.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *InMemory) Update(ctx context.Context, id string, fn UpdateFunc) (Complaint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.complaints[id]
	if !ok {
		return Complaint{}, apperr.ErrNotFound
	}
	next := cur.clone()
	entry, err := fn(&next)
	if err != nil {
		return Complaint{}, err
	}
	next.ID = id
	s.complaints[id] = &next
	if entry != nil {
		s.history[id] = append(s.history[id], *entry)
	}
	return next.clone(), nil
}

func (s *InMemory) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.complaints[id]; !ok {
		return nil, apperr.ErrNotFound
	}
	return append([]HistoryEntry(nil), s.history[id]...), nil
}
