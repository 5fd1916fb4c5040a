// Package complaint implements the complaint lifecycle: creation, the
// role-gated status table, assignment, rating and the append-only history.
package complaint

import (
	"encoding/json"
	"strings"
	"time"

	"civicpulse.org/internal/auth"
)

// Status is the lifecycle state of a complaint.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusRejected   Status = "rejected"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusResolved, StatusRejected}

// ParseStatus normalizes s and reports whether it names a known status.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return s == StatusResolved || s == StatusRejected }

// Category classifies the civic problem being reported.
type Category string

const (
	CategoryWater       Category = "water"
	CategorySanitation  Category = "sanitation"
	CategoryRoads       Category = "roads"
	CategoryElectricity Category = "electricity"
	CategoryStreetlight Category = "streetlight"
	CategoryDrainage    Category = "drainage"
	CategoryGarbage     Category = "garbage"
	CategoryOther       Category = "other"
)

// Categories lists every category.
var Categories = []Category{
	CategoryWater, CategorySanitation, CategoryRoads, CategoryElectricity,
	CategoryStreetlight, CategoryDrainage, CategoryGarbage, CategoryOther,
}

// ParseCategory normalizes s and reports whether it names a known category.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// Complaint is a geotagged grievance submitted by a citizen.
type Complaint struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Category        Category   `json:"category"`
	Latitude        Coord      `json:"latitude"`
	Longitude       Coord      `json:"longitude"`
	Address         string     `json:"address,omitempty"`
	Image           string     `json:"image,omitempty"`
	CitizenID       string     `json:"citizen"`
	CitizenName     string     `json:"citizen_name,omitempty"`
	Status          Status     `json:"status"`
	AssignedOfficer string     `json:"assigned_officer,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	Rating          *int       `json:"rating,omitempty"`
	Feedback        string     `json:"feedback,omitempty"`
}

// ResolutionTimeHours is the time from submission to resolution. It is only
// defined once the complaint has been resolved.
func (c Complaint) ResolutionTimeHours() (float64, bool) {
	if c.ResolvedAt == nil {
		return 0, false
	}
	return c.ResolvedAt.Sub(c.CreatedAt).Hours(), true
}

// MarshalJSON adds the derived resolution_time_hours field.
func (c Complaint) MarshalJSON() ([]byte, error) {
	type plain Complaint
	out := struct {
		plain
		ResolutionTimeHours *float64 `json:"resolution_time_hours,omitempty"`
	}{plain: plain(c)}
	if h, ok := c.ResolutionTimeHours(); ok {
		out.ResolutionTimeHours = &h
	}
	return json.Marshal(out)
}

func (c Complaint) clone() Complaint {
	out := c
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	if c.Rating != nil {
		r := *c.Rating
		out.Rating = &r
	}
	return out
}

// HistoryEntry records one status transition. Entries are never modified.
type HistoryEntry struct {
	ID          string    `json:"id"`
	ComplaintID string    `json:"complaint"`
	ActorID     string    `json:"changed_by"`
	OldStatus   Status    `json:"old_status"`
	NewStatus   Status    `json:"new_status"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"timestamp"`
}

// Actor is the authenticated user performing an operation.
type Actor struct {
	ID   string
	Name string
	Role auth.Role
}

// ActorFromIdentity converts a request identity into an Actor.
func ActorFromIdentity(id auth.Identity) Actor {
	return Actor{ID: id.UserID, Name: id.Username, Role: id.Role}
}

// NewComplaint carries the fields a citizen submits.
type NewComplaint struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Latitude    *Coord `json:"latitude"`
	Longitude   *Coord `json:"longitude"`
	Address     string `json:"address,omitempty"`
	Image       string `json:"image,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	CitizenID string
	Category  Category
	Status    Status
	Search    string
	Limit     int
}

// Matches reports whether c satisfies every set criterion.
func (f Filter) Matches(c Complaint) bool {
	if f.CitizenID != "" && c.CitizenID != f.CitizenID {
		return false
	}
	if f.Category != "" && c.Category != f.Category {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		hay := strings.ToLower(c.Title + "\n" + c.Description + "\n" + c.Address)
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}
