package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/complaint"
)

const complaintColumns = `id, title, description, category, latitude::text, longitude::text,
	coalesce(address, ''), coalesce(image, ''), citizen_id, citizen_name, status,
	assigned_officer, created_at, updated_at, resolved_at, rating, coalesce(feedback, '')`

func scanComplaint(row rowScanner) (complaint.Complaint, error) {
	var (
		c                complaint.Complaint
		category, status string
		lat, lng         string
		officer          sql.NullString
		resolvedAt       sql.NullTime
		rating           sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.Title, &c.Description, &category, &lat, &lng,
		&c.Address, &c.Image, &c.CitizenID, &c.CitizenName, &status,
		&officer, &c.CreatedAt, &c.UpdatedAt, &resolvedAt, &rating, &c.Feedback); err != nil {
		return complaint.Complaint{}, err
	}
	var err error
	if c.Latitude, err = complaint.ParseCoord(lat); err != nil {
		return complaint.Complaint{}, fmt.Errorf("complaint %s latitude: %w", c.ID, err)
	}
	if c.Longitude, err = complaint.ParseCoord(lng); err != nil {
		return complaint.Complaint{}, fmt.Errorf("complaint %s longitude: %w", c.ID, err)
	}
	c.Category = complaint.Category(category)
	c.Status = complaint.Status(status)
	if officer.Valid {
		c.AssignedOfficer = officer.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		c.ResolvedAt = &t
	}
	if rating.Valid {
		r := int(rating.Int64)
		c.Rating = &r
	}
	return c, nil
}

func (s *Store) Insert(ctx context.Context, c complaint.Complaint) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into complaints (id, title, description, category, latitude, longitude, address, image,
			citizen_id, citizen_name, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12, $13)
	`, c.ID, c.Title, c.Description, string(c.Category), c.Latitude.String(), c.Longitude.String(),
		nullIfEmpty(c.Address), nullIfEmpty(c.Image), c.CitizenID, c.CitizenName, string(c.Status),
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return apperr.Newf(apperr.CodeConflict, "complaint %s already exists", c.ID)
			case pgErrForeignKeyViolation:
				return apperr.New(apperr.CodeNotFound, "submitting user does not exist")
			case pgErrCheckViolation:
				return apperr.Validation(apperr.FieldError{Field: pgErr.ConstraintName, Message: pgErr.Message})
			}
		}
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (complaint.Complaint, error) {
	if s.db == nil {
		return complaint.Complaint{}, errors.New("database connection unavailable")
	}
	c, err := scanComplaint(s.db.QueryRowContext(ctx, `select `+complaintColumns+` from complaints where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return complaint.Complaint{}, apperr.ErrNotFound
	}
	if err != nil {
		return complaint.Complaint{}, err
	}
	return c, nil
}

func (s *Store) List(ctx context.Context, f complaint.Filter) ([]complaint.Complaint, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.CitizenID != "" {
		conds = append(conds, "citizen_id = "+arg(f.CitizenID))
	}
	if f.Category != "" {
		conds = append(conds, "category = "+arg(string(f.Category)))
	}
	if f.Status != "" {
		conds = append(conds, "status = "+arg(string(f.Status)))
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		p := arg("%" + escapeLike(q) + "%")
		conds = append(conds, fmt.Sprintf("(title ilike %[1]s or description ilike %[1]s or coalesce(address, '') ilike %[1]s)", p))
	}

	query := `select ` + complaintColumns + ` from complaints`
	if len(conds) > 0 {
		query += ` where ` + strings.Join(conds, " and ")
	}
	query += ` order by created_at desc, id desc`
	if f.Limit > 0 {
		query += ` limit ` + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []complaint.Complaint
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Update locks the complaint row, applies fn and writes the complaint and the
// optional history entry in one transaction.
func (s *Store) Update(ctx context.Context, id string, fn complaint.UpdateFunc) (complaint.Complaint, error) {
	if s.db == nil {
		return complaint.Complaint{}, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return complaint.Complaint{}, err
	}
	defer func() { _ = tx.Rollback() }()

	c, err := scanComplaint(tx.QueryRowContext(ctx, `select `+complaintColumns+` from complaints where id = $1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return complaint.Complaint{}, apperr.ErrNotFound
	}
	if err != nil {
		return complaint.Complaint{}, err
	}

	entry, err := fn(&c)
	if err != nil {
		return complaint.Complaint{}, err
	}

	var (
		resolvedAt sql.NullTime
		rating     sql.NullInt64
	)
	if c.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *c.ResolvedAt, Valid: true}
	}
	if c.Rating != nil {
		rating = sql.NullInt64{Int64: int64(*c.Rating), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		update complaints
		set status = $2, assigned_officer = $3, resolved_at = $4, rating = $5, feedback = $6, updated_at = $7
		where id = $1
	`, id, string(c.Status), nullIfEmpty(c.AssignedOfficer), resolvedAt, rating, nullIfEmpty(c.Feedback), c.UpdatedAt); err != nil {
		return complaint.Complaint{}, err
	}

	if entry != nil {
		if _, err := tx.ExecContext(ctx, `
			insert into complaint_history (id, complaint_id, actor_id, old_status, new_status, comment, created_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, entry.ID, id, entry.ActorID, string(entry.OldStatus), string(entry.NewStatus),
			nullIfEmpty(entry.Comment), entry.CreatedAt); err != nil {
			return complaint.Complaint{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return complaint.Complaint{}, err
	}
	return c, nil
}

func (s *Store) History(ctx context.Context, id string) ([]complaint.HistoryEntry, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from complaints where id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperr.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, complaint_id, actor_id, old_status, new_status, coalesce(comment, ''), created_at
		from complaint_history
		where complaint_id = $1
		order by created_at asc, id asc
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []complaint.HistoryEntry
	for rows.Next() {
		var (
			h          complaint.HistoryEntry
			oldS, newS string
			created    time.Time
		)
		if err := rows.Scan(&h.ID, &h.ComplaintID, &h.ActorID, &oldS, &newS, &h.Comment, &created); err != nil {
			return nil, err
		}
		h.OldStatus = complaint.Status(oldS)
		h.NewStatus = complaint.Status(newS)
		h.CreatedAt = created.UTC()
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
