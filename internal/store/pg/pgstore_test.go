package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/auth"
	"civicpulse.org/internal/complaint"
)

var complaintRowColumns = []string{
	"id", "title", "description", "category", "latitude", "longitude", "address", "image",
	"citizen_id", "citizen_name", "status", "assigned_officer", "created_at", "updated_at",
	"resolved_at", "rating", "feedback",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func pendingRow(created time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(complaintRowColumns).AddRow(
		"c1", "Pothole", "Deep pothole", "roads", "21.250000", "81.629600", "", "",
		"citizen-1", "Asha", "in_progress", "officer-1", created, created,
		nil, nil, "",
	)
}

func TestUpdateCommitsComplaintAndHistoryTogether(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	now := created.Add(5 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`select .* from complaints where id = \$1 for update`).WithArgs("c1").WillReturnRows(pendingRow(created))
	mock.ExpectExec(`update complaints`).
		WithArgs("c1", "resolved", "officer-1", now, nil, nil, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into complaint_history`).
		WithArgs("h1", "c1", "officer-1", "in_progress", "resolved", "fixed", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, err := store.Update(context.Background(), "c1", func(c *complaint.Complaint) (*complaint.HistoryEntry, error) {
		if c.Latitude != complaint.MustCoord("21.25") {
			t.Fatalf("latitude lost precision: %s", c.Latitude)
		}
		c.Status = complaint.StatusResolved
		c.ResolvedAt = &now
		c.UpdatedAt = now
		return &complaint.HistoryEntry{
			ID: "h1", ActorID: "officer-1",
			OldStatus: complaint.StatusInProgress, NewStatus: complaint.StatusResolved,
			Comment: "fixed", CreatedAt: now,
		}, nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if c.Status != complaint.StatusResolved || c.ResolvedAt == nil {
		t.Fatalf("unexpected complaint: %+v", c)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateRollsBackWhenRejected(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`select .* from complaints where id = \$1 for update`).WithArgs("c1").WillReturnRows(pendingRow(created))
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "c1", func(c *complaint.Complaint) (*complaint.HistoryEntry, error) {
		return nil, apperr.ErrInvalidTransition
	})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateMissingComplaint(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select .* for update`).WithArgs("nope").WillReturnRows(sqlmock.NewRows(complaintRowColumns))
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "nope", func(*complaint.Complaint) (*complaint.HistoryEntry, error) {
		t.Fatalf("update func called for missing complaint")
		return nil, nil
	})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertStoresFixedPrecisionCoordinates(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	c := complaint.Complaint{
		ID: "c1", Title: "Pothole", Description: "Deep", Category: complaint.CategoryRoads,
		Latitude: complaint.MustCoord("21.25"), Longitude: complaint.MustCoord("81.6296"),
		CitizenID: "citizen-1", Status: complaint.StatusPending, CreatedAt: created, UpdatedAt: created,
	}
	mock.ExpectExec(`insert into complaints`).
		WithArgs("c1", "Pothole", "Deep", "roads", "21.250000", "81.629600", nil, nil,
			"citizen-1", "", "pending", created, created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Insert(context.Background(), c); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListBuildsFilters(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`from complaints where citizen_id = \$1 and category = \$2 and status = \$3 and \(title ilike \$4 .*\) order by created_at desc, id desc limit \$5`).
		WithArgs("citizen-1", "roads", "in_progress", `%50\% off%`, 10).
		WillReturnRows(pendingRow(created))

	out, err := store.List(context.Background(), complaint.Filter{
		CitizenID: "citizen-1",
		Category:  complaint.CategoryRoads,
		Status:    complaint.StatusInProgress,
		Search:    "50% off",
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 1 || out[0].AssignedOfficer != "officer-1" {
		t.Fatalf("unexpected result: %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHistoryOrderedAndScoped(t *testing.T) {
	store, mock := newMockStore(t)
	t0 := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`select exists`).WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	if _, err := store.History(context.Background(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	mock.ExpectQuery(`select exists`).WithArgs("c1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`from complaint_history\s+where complaint_id = \$1\s+order by created_at asc`).WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "complaint_id", "actor_id", "old_status", "new_status", "comment", "created_at"}).
			AddRow("h1", "c1", "officer-1", "pending", "in_progress", "", t0).
			AddRow("h2", "c1", "officer-1", "in_progress", "resolved", "done", t0.Add(time.Hour)))
	hist, err := store.History(context.Background(), "c1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[1].NewStatus != complaint.StatusResolved || hist[1].Comment != "done" {
		t.Fatalf("unexpected history: %+v", hist)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`insert into users`).WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := store.CreateUser(context.Background(), auth.User{ID: "u1", Username: "asha", Role: auth.RoleCitizen})
	fields := apperr.FieldsOf(err)
	if len(fields) != 1 || fields[0].Field != "username" {
		t.Fatalf("expected username field error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserLookupAndProfileUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "username", "email", "password_hash", "role", "first_name", "last_name", "phone", "district", "created_at"}

	mock.ExpectQuery(`from users where lower\(username\) = lower\(\$1\)`).WithArgs("Asha").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "asha", "a@example.org", "hash", "officer", "", "", "", "", created))
	u, err := store.UserByUsername(context.Background(), "Asha")
	if err != nil {
		t.Fatalf("UserByUsername: %v", err)
	}
	if u.Role != auth.RoleOfficer || u.PasswordHash != "hash" {
		t.Fatalf("unexpected user: %+v", u)
	}

	district := "Raipur"
	mock.ExpectQuery(`update users set`).WithArgs("u1", nil, nil, nil, nil, "Raipur").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "asha", "a@example.org", "hash", "officer", "", "", "", "Raipur", created))
	u, err = store.UpdateProfile(context.Background(), "u1", auth.ProfileUpdate{District: &district})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if u.District != "Raipur" {
		t.Fatalf("district not updated: %+v", u)
	}

	mock.ExpectQuery(`from users where id = \$1`).WithArgs("ghost").WillReturnRows(sqlmock.NewRows(cols))
	if _, err := store.UserByID(context.Background(), "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
