package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/ids"
	"civicpulse.org/internal/obs"
)

// Service is the remote authority behind /auth and /profile.
type Service struct {
	users  UserStore
	tokens *TokenIssuer
	now    func() time.Time
}

// NewService constructs Service.
func NewService(users UserStore, tokens *TokenIssuer) (*Service, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	return &Service{users: users, tokens: tokens, now: time.Now}, nil
}

// Register validates the form, creates the account and opens a session.
// Every invalid field is reported, not only the first one.
func (s *Service) Register(ctx context.Context, in RegisterInput) (User, TokenPair, error) {
	in = normalizeRegister(in)
	if fields := validateRegister(in); len(fields) > 0 {
		return User{}, TokenPair{}, apperr.Validation(fields...)
	}
	role, _ := ParseRole(in.Role)
	if in.Role == "" {
		role = RoleCitizen
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return User{}, TokenPair{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.users.CreateUser(ctx, User{
		ID:           ids.New(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         role,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Phone:        in.Phone,
		District:     in.District,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		return User{}, TokenPair{}, err
	}
	pair, err := s.tokens.IssuePair(user)
	if err != nil {
		return User{}, TokenPair{}, err
	}
	return user, pair, nil
}

// Login exchanges credentials for a token pair.
func (s *Service) Login(ctx context.Context, username, password string) (User, TokenPair, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return User{}, TokenPair{}, apperr.ErrInvalidCredentials
	}
	user, err := s.users.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return User{}, TokenPair{}, apperr.ErrInvalidCredentials
		}
		return User{}, TokenPair{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return User{}, TokenPair{}, apperr.ErrInvalidCredentials
	}
	pair, err := s.tokens.IssuePair(user)
	if err != nil {
		return User{}, TokenPair{}, err
	}
	return user, pair, nil
}

// Refresh mints a new access token from a valid refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		obs.TokenRefreshes.WithLabelValues("rejected").Inc()
		return "", apperr.Wrap(apperr.CodeSessionExpired, "refresh token is invalid or expired", err)
	}
	user, err := s.users.UserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			obs.TokenRefreshes.WithLabelValues("rejected").Inc()
			return "", apperr.New(apperr.CodeSessionExpired, "account no longer exists")
		}
		return "", err
	}
	access, err := s.tokens.IssueAccess(user)
	if err != nil {
		return "", err
	}
	obs.TokenRefreshes.WithLabelValues("ok").Inc()
	return access, nil
}

// Authenticate validates a bearer access token.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Identity, error) {
	claims, err := s.tokens.ParseAccess(accessToken)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.Subject, Username: claims.Username, Role: claims.Role}, nil
}

// Profile returns the account of userID.
func (s *Service) Profile(ctx context.Context, userID string) (User, error) {
	return s.users.UserByID(ctx, userID)
}

// UpdateProfile patches the caller's own profile.
func (s *Service) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (User, error) {
	var fields []apperr.FieldError
	if upd.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*upd.Email))
		if email != "" {
			if _, err := mail.ParseAddress(email); err != nil {
				fields = append(fields, apperr.FieldError{Field: "email", Message: "enter a valid email address"})
			}
		}
		upd.Email = &email
	}
	trim := func(p *string, field string, max int) *string {
		if p == nil {
			return nil
		}
		v := strings.TrimSpace(*p)
		if utf8.RuneCountInString(v) > max {
			fields = append(fields, apperr.FieldError{Field: field, Message: fmt.Sprintf("ensure this field has no more than %d characters", max)})
		}
		return &v
	}
	upd.FirstName = trim(upd.FirstName, "first_name", 150)
	upd.LastName = trim(upd.LastName, "last_name", 150)
	upd.Phone = trim(upd.Phone, "phone", 15)
	upd.District = trim(upd.District, "district", 100)
	if len(fields) > 0 {
		return User{}, apperr.Validation(fields...)
	}
	return s.users.UpdateProfile(ctx, userID, upd)
}

func normalizeRegister(in RegisterInput) RegisterInput {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Phone = strings.TrimSpace(in.Phone)
	in.District = strings.TrimSpace(in.District)
	in.Role = strings.TrimSpace(strings.ToLower(in.Role))
	return in
}

func validateRegister(in RegisterInput) []apperr.FieldError {
	var fields []apperr.FieldError
	add := func(field, msg string) {
		fields = append(fields, apperr.FieldError{Field: field, Message: msg})
	}

	switch {
	case in.Username == "":
		add("username", "this field is required")
	case utf8.RuneCountInString(in.Username) > 150:
		add("username", "ensure this field has no more than 150 characters")
	case strings.ContainsAny(in.Username, " \t\n/"):
		add("username", "enter a valid username")
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			add("email", "enter a valid email address")
		}
	}
	switch {
	case in.Password == "":
		add("password", "this field is required")
	case len(in.Password) < minPasswordLength:
		add("password", fmt.Sprintf("this password is too short, it must contain at least %d characters", minPasswordLength))
	case len(in.Password) > maxPasswordBytes:
		add("password", fmt.Sprintf("ensure this field has no more than %d bytes", maxPasswordBytes))
	}
	if in.Password2 != "" && in.Password2 != in.Password {
		add("password2", "password fields didn't match")
	}
	if utf8.RuneCountInString(in.Phone) > 15 {
		add("phone", "ensure this field has no more than 15 characters")
	}
	if utf8.RuneCountInString(in.District) > 100 {
		add("district", "ensure this field has no more than 100 characters")
	}
	if in.Role != "" {
		if _, ok := ParseRole(in.Role); !ok {
			add("role", fmt.Sprintf("%q is not a valid choice", in.Role))
		}
	}
	return fields
}
