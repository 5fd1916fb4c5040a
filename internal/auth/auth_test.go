package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"civicpulse.org/internal/apperr"
)

func newTestService(t *testing.T, opts ...IssuerOption) *Service {
	t.Helper()
	tokens, err := NewTokenIssuer("test-secret", opts...)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	svc, err := NewService(NewMemoryUserStore(), tokens)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestTokenIssuerRoundTrip(t *testing.T) {
	tokens, err := NewTokenIssuer("secret", WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	user := User{ID: "user-42", Username: "asha", Role: RoleOfficer}
	pair, err := tokens.IssuePair(user)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	claims, err := tokens.ParseAccess(pair.Access)
	if err != nil {
		t.Fatalf("ParseAccess: %v", err)
	}
	if claims.Subject != "user-42" || claims.Role != RoleOfficer || claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := tokens.ParseAccess(pair.Refresh); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token accepted as access token: %v", err)
	}
	if _, err := tokens.ParseRefresh(pair.Access); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token accepted as refresh token: %v", err)
	}
}

func TestTokenIssuerRejectsExpiredAndForeignTokens(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens, err := NewTokenIssuer("secret", WithClock(clock), WithAccessTTL(time.Minute))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	access, err := tokens.IssueAccess(User{ID: "u1", Role: RoleCitizen})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := tokens.ParseAccess(access); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	other, _ := NewTokenIssuer("other-secret", WithClock(clock))
	foreign, err := other.IssueAccess(User{ID: "u1", Role: RoleCitizen})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := tokens.ParseAccess(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected token signed with another secret to be rejected, got %v", err)
	}
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	if _, err := NewTokenIssuer("   "); err == nil {
		t.Fatalf("expected error for blank secret")
	}
}

func TestRegisterReportsEveryFieldError(t *testing.T) {
	svc := newTestService(t)
	_, _, err := svc.Register(context.Background(), RegisterInput{
		Email:     "not-an-email",
		Password:  "short",
		Password2: "different",
		Role:      "mayor",
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got := map[string]bool{}
	for _, f := range apperr.FieldsOf(err) {
		got[f.Field] = true
	}
	for _, field := range []string{"username", "email", "password", "password2", "role"} {
		if !got[field] {
			t.Fatalf("missing field error for %s in %v", field, apperr.FieldsOf(err))
		}
	}
}

func TestRegisterDefaultsToCitizenAndRejectsDuplicates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	in := RegisterInput{Username: "ravi", Email: "ravi@example.org", Password: "s3cret-pass", Password2: "s3cret-pass"}

	user, pair, err := svc.Register(ctx, in)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Role != RoleCitizen {
		t.Fatalf("expected citizen role, got %s", user.Role)
	}
	if pair.Access == "" || pair.Refresh == "" {
		t.Fatalf("expected token pair, got %+v", pair)
	}
	if user.PasswordHash == in.Password {
		t.Fatalf("password stored in clear text")
	}

	_, _, err = svc.Register(ctx, in)
	fields := apperr.FieldsOf(err)
	if len(fields) != 1 || fields[0].Field != "username" {
		t.Fatalf("expected duplicate username error, got %v", err)
	}
}

func TestLoginAndRefresh(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	registered, _, err := svc.Register(ctx, RegisterInput{Username: "meera", Password: "correct-horse", Role: "officer"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, _, err := svc.Login(ctx, "meera", "wrong-horse"); !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "correct-horse"); !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}

	user, pair, err := svc.Login(ctx, "meera", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ID != registered.ID || user.Role != RoleOfficer {
		t.Fatalf("unexpected user: %+v", user)
	}

	access, err := svc.Refresh(ctx, pair.Refresh)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	id, err := svc.Authenticate(ctx, access)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.UserID != registered.ID || id.Role != RoleOfficer || id.Username != "meera" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	if _, err := svc.Refresh(ctx, pair.Access); !errors.Is(err, apperr.ErrSessionExpired) {
		t.Fatalf("expected session expired for access token used as refresh, got %v", err)
	}
	if _, err := svc.Refresh(ctx, "garbage"); !errors.Is(err, apperr.ErrSessionExpired) {
		t.Fatalf("expected session expired for garbage token, got %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	user, _, err := svc.Register(ctx, RegisterInput{Username: "kiran", Password: "long-enough"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	district := "  Raipur  "
	updated, err := svc.UpdateProfile(ctx, user.ID, ProfileUpdate{District: &district})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if updated.District != "Raipur" {
		t.Fatalf("expected trimmed district, got %q", updated.District)
	}

	phone := "0123456789012345678"
	bad := "nope"
	_, err = svc.UpdateProfile(ctx, user.ID, ProfileUpdate{Phone: &phone, Email: &bad})
	if len(apperr.FieldsOf(err)) != 2 {
		t.Fatalf("expected two field errors, got %v", err)
	}

	if _, err := svc.UpdateProfile(ctx, "missing", ProfileUpdate{District: &district}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), Identity{UserID: " u1 ", Role: RoleCitizen})
	id, ok := IdentityFromContext(ctx)
	if !ok || id.UserID != "u1" {
		t.Fatalf("unexpected identity: %+v ok=%v", id, ok)
	}
	if !HasRole(ctx, RoleCitizen) || HasRole(ctx, RoleOfficer) {
		t.Fatalf("HasRole mismatch")
	}
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatalf("expected no identity on bare context")
	}
}
