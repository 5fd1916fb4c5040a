package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/auth"
	"civicpulse.org/internal/obs"
)

const (
	loginPath    = "/auth/login"
	registerPath = "/auth/register"
	refreshPath  = "/auth/token/refresh"

	maxErrorBody = 64 << 10
)

// Credentials are the login form.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Profile is the registration form. Role may be empty for a citizen account.
type Profile struct {
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	Password  string `json:"password"`
	Password2 string `json:"password2,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	District  string `json:"district,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Request describes one API call. It is rebuilt into a fresh *http.Request
// for every attempt, so it can be replayed after a renewal.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// NewJSONRequest encodes v as the request body.
func NewJSONRequest(method, path string, v any) (Request, error) {
	req := Request{Method: method, Path: path, Header: http.Header{}}
	if v != nil {
		body, err := json.Marshal(v)
		if err != nil {
			return Request{}, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		req.Body = body
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Manager owns the session and performs authorized calls.
type Manager struct {
	base      *url.URL
	client    *http.Client
	store     Store
	onExpired func()
	log       *zap.Logger

	mu     sync.RWMutex
	loaded bool
	cur    *Session

	renewals singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

// WithExpiryHook registers fn to run whenever the session is destroyed
// because it could not be renewed.
func WithExpiryHook(fn func()) Option {
	return func(m *Manager) { m.onExpired = fn }
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager creates a Manager talking to the API at baseURL.
func NewManager(baseURL string, store Store, opts ...Option) (*Manager, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}
	if store == nil {
		return nil, errors.New("session store is required")
	}
	m := &Manager{
		base:   u,
		client: &http.Client{Timeout: 15 * time.Second},
		store:  store,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = obs.Logger()
	}
	return m, nil
}

// Current returns a snapshot of the session.
func (m *Manager) Current(ctx context.Context) (Session, bool, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return Session{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil {
		return Session{}, false, nil
	}
	return *m.cur, true, nil
}

// Authenticated reports whether a session is present.
func (m *Manager) Authenticated(ctx context.Context) bool {
	_, ok, err := m.Current(ctx)
	return err == nil && ok
}

// Login exchanges credentials for a session.
func (m *Manager) Login(ctx context.Context, c Credentials) (Session, error) {
	return m.establish(ctx, loginPath, c, http.StatusOK)
}

// Register creates an account and starts a session for it. Validation
// failures carry every field error reported by the server.
func (m *Manager) Register(ctx context.Context, p Profile) (Session, error) {
	return m.establish(ctx, registerPath, p, http.StatusCreated)
}

type sessionBody struct {
	Access  string    `json:"access"`
	Refresh string    `json:"refresh"`
	Role    auth.Role `json:"role"`
}

func (m *Manager) establish(ctx context.Context, path string, payload any, want int) (Session, error) {
	req, err := NewJSONRequest(http.MethodPost, path, payload)
	if err != nil {
		return Session{}, err
	}
	hreq, err := m.build(ctx, req, "")
	if err != nil {
		return Session{}, err
	}
	resp, err := m.client.Do(hreq)
	if err != nil {
		return Session{}, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		e := ErrorFromResponse(resp)
		if path == loginPath && resp.StatusCode == http.StatusUnauthorized {
			return Session{}, apperr.Wrap(apperr.CodeInvalidCredentials, e.Message, e)
		}
		return Session{}, e
	}
	var body sessionBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Session{}, fmt.Errorf("decode %s response: %w", path, err)
	}
	sess := Session(body)
	if !sess.Complete() {
		return Session{}, fmt.Errorf("%s response is missing tokens or role", path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Save(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	m.cur = &sess
	m.loaded = true
	return sess, nil
}

// Logout destroys the session. Calling it without a session is a no-op.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	m.cur = nil
	m.loaded = true
	return nil
}

// AuthorizedCall issues req with the current access token. A 401 triggers
// one renewal and one reissue; a second 401, or a failed renewal, destroys
// the session and yields apperr.ErrSessionExpired. Every other response is
// returned as-is and the caller must close its body.
func (m *Manager) AuthorizedCall(ctx context.Context, req Request) (*http.Response, error) {
	return m.send(ctx, req, 0)
}

func (m *Manager) send(ctx context.Context, req Request, attempt int) (*http.Response, error) {
	sess, ok, err := m.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrUnauthenticated
	}

	hreq, err := m.build(ctx, req, sess.Access)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drain(resp)

	if attempt > 0 {
		m.expire(ctx, sess.Refresh, "rejected after renewal")
		return nil, apperr.ErrSessionExpired
	}
	if err := m.renew(ctx, sess); err != nil {
		return nil, err
	}
	return m.send(ctx, req, attempt+1)
}

// renew replaces the access token that produced a 401. Callers holding the
// same refresh token share one exchange; a caller whose token was already
// replaced skips the exchange.
func (m *Manager) renew(ctx context.Context, stale Session) error {
	m.mu.RLock()
	cur := m.cur
	m.mu.RUnlock()
	switch {
	case cur == nil:
		return apperr.ErrSessionExpired
	case cur.Refresh != stale.Refresh:
		return nil
	case cur.Access != stale.Access:
		return nil
	}

	_, err, shared := m.renewals.Do(stale.Refresh, func() (any, error) {
		return nil, m.exchange(context.WithoutCancel(ctx), stale)
	})
	if shared {
		m.log.Debug("session renewal shared")
	}
	return err
}

func (m *Manager) exchange(ctx context.Context, stale Session) error {
	req, err := NewJSONRequest(http.MethodPost, refreshPath, map[string]string{"refresh": stale.Refresh})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.client.Timeout+time.Second)
	defer cancel()

	hreq, err := m.build(ctx, req, "")
	if err != nil {
		return err
	}
	resp, err := m.client.Do(hreq)
	if err != nil {
		m.expire(ctx, stale.Refresh, "renewal unreachable")
		return apperr.Wrap(apperr.CodeSessionExpired, "session expired", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		cause := ErrorFromResponse(resp)
		m.expire(ctx, stale.Refresh, "renewal rejected")
		return apperr.Wrap(apperr.CodeSessionExpired, "session expired", cause)
	}
	var body struct {
		Access string `json:"access"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Access == "" {
		m.expire(ctx, stale.Refresh, "renewal response malformed")
		return apperr.Wrap(apperr.CodeSessionExpired, "session expired", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.Refresh != stale.Refresh {
		return apperr.ErrSessionExpired
	}
	next := *m.cur
	next.Access = body.Access
	if err := m.store.Save(ctx, next); err != nil {
		return fmt.Errorf("save renewed session: %w", err)
	}
	m.cur = &next
	m.log.Debug("session renewed")
	return nil
}

// expire destroys the session if it still belongs to refresh and runs the
// expiry hook once.
func (m *Manager) expire(ctx context.Context, refresh, reason string) {
	m.mu.Lock()
	if m.cur == nil || m.cur.Refresh != refresh {
		m.mu.Unlock()
		return
	}
	if err := m.store.Clear(context.WithoutCancel(ctx)); err != nil {
		m.log.Warn("clear expired session", zap.Error(err))
	}
	m.cur = nil
	hook := m.onExpired
	m.mu.Unlock()

	m.log.Info("session expired", zap.String("reason", reason))
	if hook != nil {
		hook()
	}
}

func (m *Manager) ensureLoaded(ctx context.Context) error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}
	sess, ok, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if ok {
		m.cur = &sess
	}
	m.loaded = true
	return nil
}

func (m *Manager) build(ctx context.Context, req Request, access string) (*http.Request, error) {
	u := *m.base
	u.Path = m.base.Path + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	r, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, req.Path, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	r.Header.Set("Accept", "application/json")
	if access != "" {
		r.Header.Set("Authorization", "Bearer "+access)
	}
	return r, nil
}

// ErrorFromResponse decodes an API error envelope. It reads at most 64 KiB
// of the body and does not close it.
func ErrorFromResponse(resp *http.Response) *apperr.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return apperr.FromResponse(resp.StatusCode, body)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
