package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/auth"
	"civicpulse.org/internal/complaint"
	"civicpulse.org/internal/httpapi"
)

func startAPI(t *testing.T) string {
	t.Helper()
	tokens, err := auth.NewTokenIssuer("cli-secret")
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	authSvc, err := auth.NewService(auth.NewMemoryUserStore(), tokens)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	api, err := httpapi.New(httpapi.Deps{
		Auth:       authSvc,
		Complaints: complaint.NewEngine(complaint.NewInMemory()),
		Version:    "test",
	}, httpapi.WithRateLimit(1000, 1000))
	if err != nil {
		t.Fatalf("httpapi.New: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSessionSurvivesBetweenInvocations(t *testing.T) {
	t.Setenv("CIVICPULSE_API_URL", startAPI(t))
	t.Setenv("CIVICPULSE_CREDENTIALS", filepath.Join(t.TempDir(), "credentials.db"))
	t.Setenv("CIVICPULSE_PASSWORD", "correct-horse")

	out, err := run(t, "register", "-u", "asha", "--email", "asha@example.org")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(out, "Registered asha (citizen)") {
		t.Fatalf("unexpected register output: %q", out)
	}

	out, err = run(t, "whoami")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if !strings.Contains(out, `"username": "asha"`) {
		t.Fatalf("unexpected profile: %s", out)
	}

	out, err = run(t, "submit", "--title", "Broken streetlight", "--description", "Dark since Monday",
		"--category", "streetlight", "--lat", "21.25", "--lng", "81.6296")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, `"status": "pending"`) {
		t.Fatalf("unexpected submit output: %s", out)
	}

	out, err = run(t, "list", "--status", "pending")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "Broken streetlight") {
		t.Fatalf("list missing complaint: %q", out)
	}

	if _, err := run(t, "logout"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	_, err = run(t, "whoami")
	if !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated after logout, got %v", err)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	t.Setenv("CIVICPULSE_API_URL", startAPI(t))
	t.Setenv("CIVICPULSE_CREDENTIALS", filepath.Join(t.TempDir(), "credentials.db"))

	if _, err := run(t, "register", "-u", "ravi", "-p", "correct-horse", "--role", "officer"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := run(t, "login", "-u", "ravi", "-p", "wrong-password")
	if !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}
