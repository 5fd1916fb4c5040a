// Package session keeps the client's token pair and attaches it to calls
// against the portal API, renewing the access token once when it is rejected.
package session

import (
	"context"
	"errors"
	"sync"

	"civicpulse.org/internal/auth"
)

var errIncomplete = errors.New("session: access token, refresh token and role are all required")

// Session is the credential pair handed out at login. A stored session is
// either complete or absent.
type Session struct {
	Access  string    `json:"access"`
	Refresh string    `json:"refresh"`
	Role    auth.Role `json:"role"`
}

// Complete reports whether every part of the session is present.
func (s Session) Complete() bool {
	return s.Access != "" && s.Refresh != "" && s.Role != ""
}

// Store persists the current session. Save and Clear are atomic: a
// concurrent Load observes either the old or the new session in full.
type Store interface {
	Load(ctx context.Context) (Session, bool, error)
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps the session in process memory.
type MemoryStore struct {
	mu  sync.RWMutex
	cur *Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load(ctx context.Context) (Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil {
		return Session{}, false, nil
	}
	return *m.cur, true, nil
}

func (m *MemoryStore) Save(ctx context.Context, s Session) error {
	if !s.Complete() {
		return errIncomplete
	}
	m.mu.Lock()
	m.cur = &s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.cur = nil
	m.mu.Unlock()
	return nil
}
