package pg

import (
	"context"
	"database/sql"
	"errors"

	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/auth"
)

const userColumns = `id, username, email, password_hash, role, first_name, last_name, phone, district, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u    auth.User
		role string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role,
		&u.FirstName, &u.LastName, &u.Phone, &u.District, &u.CreatedAt); err != nil {
		return auth.User{}, err
	}
	u.Role = auth.Role(role)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, username, email, password_hash, role, first_name, last_name, phone, district, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		returning `+userColumns,
		u.ID, u.Username, u.Email, u.PasswordHash, string(u.Role),
		u.FirstName, u.LastName, u.Phone, u.District, u.CreatedAt)
	created, err := scanUser(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.User{}, apperr.Validation(apperr.FieldError{Field: "username", Message: "a user with that username already exists"})
		}
		return auth.User{}, err
	}
	return created, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (auth.User, error) {
	return s.userWhere(ctx, `id = $1`, id)
}

func (s *Store) UserByUsername(ctx context.Context, username string) (auth.User, error) {
	return s.userWhere(ctx, `lower(username) = lower($1)`, username)
}

func (s *Store) userWhere(ctx context.Context, cond string, arg any) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errors.New("database connection unavailable")
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where `+cond, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, apperr.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	return u, nil
}

func (s *Store) UpdateProfile(ctx context.Context, id string, upd auth.ProfileUpdate) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		update users set
			email      = coalesce($2, email),
			first_name = coalesce($3, first_name),
			last_name  = coalesce($4, last_name),
			phone      = coalesce($5, phone),
			district   = coalesce($6, district)
		where id = $1
		returning `+userColumns,
		id, optional(upd.Email), optional(upd.FirstName), optional(upd.LastName), optional(upd.Phone), optional(upd.District))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, apperr.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	return u, nil
}

func optional(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
