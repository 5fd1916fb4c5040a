package auth

import (
	"context"
	"strings"
	"sync"

	"civicpulse.org/internal/apperr"
)

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u User) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (User, error)
}

// MemoryUserStore implements UserStore in process memory.
type MemoryUserStore struct {
	mu         sync.RWMutex
	byID       map[string]User
	byUsername map[string]string
}

var _ UserStore = (*MemoryUserStore)(nil)

// NewMemoryUserStore creates an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:       make(map[string]User),
		byUsername: make(map[string]string),
	}
}

func (s *MemoryUserStore) CreateUser(ctx context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(u.Username)
	if _, ok := s.byUsername[key]; ok {
		return User{}, apperr.Validation(apperr.FieldError{Field: "username", Message: "a user with that username already exists"})
	}
	s.byID[u.ID] = u
	s.byUsername[key] = u.ID
	return u, nil
}

func (s *MemoryUserStore) UserByID(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return User{}, apperr.ErrNotFound
	}
	return u, nil
}

func (s *MemoryUserStore) UserByUsername(ctx context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[strings.ToLower(username)]
	if !ok {
		return User{}, apperr.ErrNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryUserStore) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return User{}, apperr.ErrNotFound
	}
	u = applyProfileUpdate(u, upd)
	s.byID[id] = u
	return u, nil
}

func applyProfileUpdate(u User, upd ProfileUpdate) User {
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.FirstName != nil {
		u.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		u.LastName = *upd.LastName
	}
	if upd.Phone != nil {
		u.Phone = *upd.Phone
	}
	if upd.District != nil {
		u.District = *upd.District
	}
	return u
}
