package complaint

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/audit"
	"civicpulse.org/internal/auth"
	"civicpulse.org/internal/ids"
	"civicpulse.org/internal/obs"
)

const (
	maxTitleLen   = 200
	maxAddressLen = 500
	minRating     = 1
	maxRating     = 5
)

// Engine applies lifecycle operations. It is the only writer of status,
// assignment, resolution time and history.
type Engine struct {
	store Store
	pub   Publisher
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets the sink for committed lifecycle events.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.pub = p
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs an Engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{store: store, pub: nopPublisher{}, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the underlying persistence for read-only consumers such as
// analytics.
func (e *Engine) Store() Store { return e.store }

// Create validates and persists a new pending complaint. No history entry is
// written for creation.
func (e *Engine) Create(ctx context.Context, actor Actor, in NewComplaint) (Complaint, error) {
	if actor.Role != auth.RoleCitizen {
		return Complaint{}, apperr.New(apperr.CodeForbidden, "only citizens may submit complaints")
	}
	category, fields := validateNew(&in)
	if len(fields) > 0 {
		return Complaint{}, apperr.Validation(fields...)
	}

	now := e.now().UTC()
	c := Complaint{
		ID:          ids.NewAt(now),
		Title:       in.Title,
		Description: in.Description,
		Category:    category,
		Latitude:    *in.Latitude,
		Longitude:   *in.Longitude,
		Address:     in.Address,
		Image:       in.Image,
		CitizenID:   actor.ID,
		CitizenName: actor.Name,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.Insert(ctx, c); err != nil {
		return Complaint{}, fmt.Errorf("insert complaint: %w", err)
	}
	e.committed(ctx, Event{Type: EventCreated, Complaint: c, ActorID: actor.ID, At: now}, "", StatusPending)
	return c, nil
}

// Get returns a complaint visible to actor.
func (e *Engine) Get(ctx context.Context, actor Actor, id string) (Complaint, error) {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return Complaint{}, err
	}
	if !visible(c, actor) {
		return Complaint{}, apperr.ErrNotFound
	}
	return c, nil
}

// List returns complaints visible to actor, newest first.
func (e *Engine) List(ctx context.Context, actor Actor, f Filter) ([]Complaint, error) {
	switch actor.Role {
	case auth.RoleOfficer:
	case auth.RoleCitizen:
		f.CitizenID = actor.ID
	default:
		return nil, apperr.ErrForbidden
	}
	return e.store.List(ctx, f)
}

// Transition moves a complaint along one edge of the status table and
// appends exactly one history entry. Nothing is written on failure.
func (e *Engine) Transition(ctx context.Context, actor Actor, id string, to Status, comment string) (Complaint, error) {
	if _, ok := ParseStatus(string(to)); !ok {
		return Complaint{}, apperr.Validation(apperr.FieldError{Field: "status", Message: fmt.Sprintf("%q is not a valid choice", to)})
	}
	comment = strings.TrimSpace(comment)

	var (
		from  Status
		entry *HistoryEntry
		now   = e.now().UTC()
	)
	c, err := e.store.Update(ctx, id, func(c *Complaint) (*HistoryEntry, error) {
		if !visible(*c, actor) {
			return nil, apperr.ErrNotFound
		}
		if err := CheckTransition(c.Status, to, actor.Role); err != nil {
			return nil, err
		}
		from = c.Status
		c.Status = to
		c.UpdatedAt = now
		if to == StatusResolved && c.ResolvedAt == nil {
			t := now
			c.ResolvedAt = &t
		}
		entry = &HistoryEntry{
			ID:          ids.NewAt(now),
			ComplaintID: c.ID,
			ActorID:     actor.ID,
			OldStatus:   from,
			NewStatus:   to,
			Comment:     comment,
			CreatedAt:   now,
		}
		return entry, nil
	})
	if err != nil {
		return Complaint{}, err
	}
	e.committed(ctx, Event{Type: EventStatusChanged, Complaint: c, Entry: entry, ActorID: actor.ID, At: now}, from, to)
	return c, nil
}

// Assign sets the acting officer as the complaint's assignee. Assignment does
// not change status and writes no history entry; it is recorded in the audit
// log instead.
func (e *Engine) Assign(ctx context.Context, actor Actor, id string) (Complaint, error) {
	now := e.now().UTC()
	c, err := e.store.Update(ctx, id, func(c *Complaint) (*HistoryEntry, error) {
		if !visible(*c, actor) {
			return nil, apperr.ErrNotFound
		}
		if actor.Role != auth.RoleOfficer {
			return nil, apperr.New(apperr.CodeForbidden, "only officers may take complaints")
		}
		if c.Status.Terminal() {
			return nil, apperr.Newf(apperr.CodeInvalidState, "complaint is already %s", c.Status)
		}
		if c.AssignedOfficer != "" {
			return nil, apperr.New(apperr.CodeConflict, "complaint is already assigned")
		}
		c.AssignedOfficer = actor.ID
		c.UpdatedAt = now
		return nil, nil
	})
	if err != nil {
		return Complaint{}, err
	}
	e.committed(ctx, Event{Type: EventAssigned, Complaint: c, ActorID: actor.ID, At: now}, c.Status, c.Status)
	return c, nil
}

// Rate records the submitting citizen's rating of a resolved complaint.
func (e *Engine) Rate(ctx context.Context, actor Actor, id string, rating int, feedback string) (Complaint, error) {
	if rating < minRating || rating > maxRating {
		return Complaint{}, apperr.Validation(apperr.FieldError{
			Field:   "rating",
			Message: fmt.Sprintf("rating must be between %d and %d", minRating, maxRating),
		})
	}
	feedback = strings.TrimSpace(feedback)
	now := e.now().UTC()
	c, err := e.store.Update(ctx, id, func(c *Complaint) (*HistoryEntry, error) {
		if !visible(*c, actor) {
			return nil, apperr.ErrNotFound
		}
		if actor.Role != auth.RoleCitizen || c.CitizenID != actor.ID {
			return nil, apperr.New(apperr.CodeForbidden, "only the submitting citizen may rate a complaint")
		}
		if c.Status != StatusResolved {
			return nil, apperr.Newf(apperr.CodeInvalidState, "only resolved complaints can be rated, this one is %s", c.Status)
		}
		if c.Rating != nil {
			return nil, apperr.New(apperr.CodeConflict, "complaint has already been rated")
		}
		r := rating
		c.Rating = &r
		c.Feedback = feedback
		c.UpdatedAt = now
		return nil, nil
	})
	if err != nil {
		return Complaint{}, err
	}
	e.committed(ctx, Event{Type: EventRated, Complaint: c, ActorID: actor.ID, At: now}, c.Status, c.Status)
	return c, nil
}

// History returns the transitions of a complaint in chronological order.
func (e *Engine) History(ctx context.Context, actor Actor, id string) ([]HistoryEntry, error) {
	if _, err := e.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return e.store.History(ctx, id)
}

func (e *Engine) committed(ctx context.Context, ev Event, from, to Status) {
	e.pub.Publish(ctx, ev)
	if ev.Type != EventRated {
		obs.ComplaintTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	fields := map[string]any{
		"complaint_id": ev.Complaint.ID,
		"actor_id":     ev.ActorID,
		"status":       string(ev.Complaint.Status),
	}
	if from != to {
		fields["from"] = string(from)
	}
	if ev.Entry != nil && ev.Entry.Comment != "" {
		fields["comment"] = ev.Entry.Comment
	}
	if ev.Type == EventAssigned {
		fields["assigned_officer"] = ev.Complaint.AssignedOfficer
	}
	if ev.Type == EventRated && ev.Complaint.Rating != nil {
		fields["rating"] = *ev.Complaint.Rating
	}
	if err := audit.LogEvent(ctx, string(ev.Type), fields); err != nil {
		obs.Logger().Warn("audit log failed", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}

func validateNew(in *NewComplaint) (Category, []apperr.FieldError) {
	var fields []apperr.FieldError
	add := func(field, msg string) {
		fields = append(fields, apperr.FieldError{Field: field, Message: msg})
	}

	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Address = strings.TrimSpace(in.Address)

	switch {
	case in.Title == "":
		add("title", "this field is required")
	case utf8.RuneCountInString(in.Title) > maxTitleLen:
		add("title", fmt.Sprintf("ensure this field has no more than %d characters", maxTitleLen))
	}
	if in.Description == "" {
		add("description", "this field is required")
	}
	category, ok := ParseCategory(in.Category)
	switch {
	case strings.TrimSpace(in.Category) == "":
		add("category", "this field is required")
	case !ok:
		add("category", fmt.Sprintf("%q is not a valid choice", in.Category))
	}
	switch {
	case in.Latitude == nil:
		add("latitude", "this field is required")
	case !in.Latitude.ValidLatitude():
		add("latitude", "latitude must be between -90 and 90")
	}
	switch {
	case in.Longitude == nil:
		add("longitude", "this field is required")
	case !in.Longitude.ValidLongitude():
		add("longitude", "longitude must be between -180 and 180")
	}
	if utf8.RuneCountInString(in.Address) > maxAddressLen {
		add("address", fmt.Sprintf("ensure this field has no more than %d characters", maxAddressLen))
	}
	return category, fields
}
