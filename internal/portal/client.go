// Package portal is the typed client for the CivicPulse API. Every call goes
// through a session.Manager, so expired access tokens are renewed
// transparently and an unrecoverable session surfaces as
// apperr.ErrSessionExpired.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"civicpulse.org/internal/analytics"
	"civicpulse.org/internal/auth"
	"civicpulse.org/internal/complaint"
	"civicpulse.org/internal/session"
)

const (
	defaultStatsTTL = 30 * time.Second
	statsKey        = "stats"
)

// Client wraps a session.Manager with one method per API route.
type Client struct {
	sess  *session.Manager
	stats *analytics.Cache[analytics.Stats]
}

// Option configures a Client.
type Option func(*options)

type options struct {
	statsTTL time.Duration
}

// WithStatsTTL sets how long dashboard statistics are reused. Zero disables
// reuse.
func WithStatsTTL(d time.Duration) Option {
	return func(o *options) { o.statsTTL = d }
}

// New builds a Client over m.
func New(m *session.Manager, opts ...Option) *Client {
	o := options{statsTTL: defaultStatsTTL}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{sess: m, stats: analytics.NewCache[analytics.Stats](o.statsTTL)}
}

// Session exposes the underlying manager.
func (c *Client) Session() *session.Manager { return c.sess }

// Login starts a session.
func (c *Client) Login(ctx context.Context, username, password string) (session.Session, error) {
	c.stats.Invalidate()
	return c.sess.Login(ctx, session.Credentials{Username: username, Password: password})
}

// Register creates an account and starts a session.
func (c *Client) Register(ctx context.Context, p session.Profile) (session.Session, error) {
	c.stats.Invalidate()
	return c.sess.Register(ctx, p)
}

// Logout ends the session.
func (c *Client) Logout(ctx context.Context) error {
	c.stats.Invalidate()
	return c.sess.Logout(ctx)
}

// Profile returns the signed-in user.
func (c *Client) Profile(ctx context.Context) (auth.User, error) {
	var u auth.User
	err := c.getJSON(ctx, "/profile", nil, &u)
	return u, err
}

// UpdateProfile patches the signed-in user's profile.
func (c *Client) UpdateProfile(ctx context.Context, upd auth.ProfileUpdate) (auth.User, error) {
	var u auth.User
	err := c.sendJSON(ctx, http.MethodPatch, "/profile", upd, http.StatusOK, &u)
	return u, err
}

// Attachment is an image uploaded with a complaint.
type Attachment struct {
	Name string
	Data io.Reader
}

// SubmitComplaint files a new complaint. With an attachment the request is
// sent as multipart/form-data.
func (c *Client) SubmitComplaint(ctx context.Context, in complaint.NewComplaint, image *Attachment) (complaint.Complaint, error) {
	var (
		req session.Request
		err error
	)
	if image == nil {
		in.Image = ""
		req, err = session.NewJSONRequest(http.MethodPost, "/complaints", in)
	} else {
		req, err = multipartComplaint(in, image)
	}
	if err != nil {
		return complaint.Complaint{}, err
	}
	var out complaint.Complaint
	if err := c.do(ctx, req, http.StatusCreated, &out); err != nil {
		return complaint.Complaint{}, err
	}
	c.stats.Invalidate()
	return out, nil
}

func multipartComplaint(in complaint.NewComplaint, image *Attachment) (session.Request, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"title", in.Title},
		{"description", in.Description},
		{"category", in.Category},
		{"address", in.Address},
	}
	if in.Latitude != nil {
		fields = append(fields, [2]string{"latitude", in.Latitude.String()})
	}
	if in.Longitude != nil {
		fields = append(fields, [2]string{"longitude", in.Longitude.String()})
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return session.Request{}, fmt.Errorf("write %s: %w", f[0], err)
		}
	}
	name := image.Name
	if name == "" {
		name = "image"
	}
	part, err := mw.CreateFormFile("image", name)
	if err != nil {
		return session.Request{}, fmt.Errorf("create image part: %w", err)
	}
	if _, err := io.Copy(part, image.Data); err != nil {
		return session.Request{}, fmt.Errorf("read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return session.Request{}, fmt.Errorf("finish form: %w", err)
	}
	h := http.Header{}
	h.Set("Content-Type", mw.FormDataContentType())
	return session.Request{Method: http.MethodPost, Path: "/complaints", Header: h, Body: buf.Bytes()}, nil
}

// ListOptions filters ListComplaints. Zero values match everything.
type ListOptions struct {
	Category complaint.Category
	Status   complaint.Status
	Search   string
	Limit    int
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.Category != "" {
		q.Set("category", string(o.Category))
	}
	if o.Status != "" {
		q.Set("status", string(o.Status))
	}
	if o.Search != "" {
		q.Set("search", o.Search)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

// ListComplaints returns the complaints visible to the signed-in user,
// newest first.
func (c *Client) ListComplaints(ctx context.Context, opts ListOptions) ([]complaint.Complaint, error) {
	var out struct {
		Results []complaint.Complaint `json:"results"`
	}
	if err := c.getJSON(ctx, "/complaints", opts.query(), &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Complaint fetches a single complaint.
func (c *Client) Complaint(ctx context.Context, id string) (complaint.Complaint, error) {
	var out complaint.Complaint
	err := c.getJSON(ctx, complaintPath(id, ""), nil, &out)
	return out, err
}

// Transition moves a complaint to status.
func (c *Client) Transition(ctx context.Context, id string, status complaint.Status, comment string) (complaint.Complaint, error) {
	body := map[string]string{"status": string(status), "comment": comment}
	var out complaint.Complaint
	if err := c.sendJSON(ctx, http.MethodPatch, complaintPath(id, "status"), body, http.StatusOK, &out); err != nil {
		return complaint.Complaint{}, err
	}
	c.stats.Invalidate()
	return out, nil
}

// History returns the status history of a complaint, oldest first.
func (c *Client) History(ctx context.Context, id string) ([]complaint.HistoryEntry, error) {
	var out struct {
		Results []complaint.HistoryEntry `json:"results"`
	}
	if err := c.getJSON(ctx, complaintPath(id, "history"), nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Assign assigns the complaint to the signed-in officer.
func (c *Client) Assign(ctx context.Context, id string) (complaint.Complaint, error) {
	var out complaint.Complaint
	if err := c.sendJSON(ctx, http.MethodPost, complaintPath(id, "assign"), nil, http.StatusOK, &out); err != nil {
		return complaint.Complaint{}, err
	}
	return out, nil
}

// Rate records the citizen's rating of a resolved complaint.
func (c *Client) Rate(ctx context.Context, id string, rating int, feedback string) (complaint.Complaint, error) {
	body := map[string]any{"rating": rating, "feedback": feedback}
	var out complaint.Complaint
	if err := c.sendJSON(ctx, http.MethodPost, complaintPath(id, "rate"), body, http.StatusOK, &out); err != nil {
		return complaint.Complaint{}, err
	}
	return out, nil
}

// Stats returns dashboard statistics, reusing a recent result.
func (c *Client) Stats(ctx context.Context) (analytics.Stats, error) {
	return c.stats.Get(ctx, statsKey, func(ctx context.Context) (analytics.Stats, error) {
		var st analytics.Stats
		err := c.getJSON(ctx, "/analytics/stats", nil, &st)
		return st, err
	})
}

// Heatmap returns map points, optionally filtered.
func (c *Client) Heatmap(ctx context.Context, category complaint.Category, status complaint.Status) (analytics.Heatmap, error) {
	q := ListOptions{Category: category, Status: status}.query()
	var hm analytics.Heatmap
	err := c.getJSON(ctx, "/analytics/heatmap", q, &hm)
	return hm, err
}

// RunClusters asks the server to group complaints by topic.
func (c *Client) RunClusters(ctx context.Context, req analytics.ClusterRequest) (analytics.ClusterResult, error) {
	var out analytics.ClusterResult
	err := c.sendJSON(ctx, http.MethodPost, "/analytics/clusters", req, http.StatusOK, &out)
	return out, err
}

// Clusters returns the most recent clustering result.
func (c *Client) Clusters(ctx context.Context) (analytics.ClusterResult, error) {
	var out analytics.ClusterResult
	err := c.getJSON(ctx, "/analytics/clusters", nil, &out)
	return out, err
}

// Dashboard bundles everything the officer dashboard renders.
type Dashboard struct {
	Stats    analytics.Stats
	Heatmap  analytics.Heatmap
	Clusters analytics.ClusterResult
}

// Dashboard loads stats, heatmap and clusters concurrently.
func (c *Client) Dashboard(ctx context.Context) (Dashboard, error) {
	var d Dashboard
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := c.Stats(gctx)
		d.Stats = st
		return err
	})
	g.Go(func() error {
		hm, err := c.Heatmap(gctx, "", "")
		d.Heatmap = hm
		return err
	})
	g.Go(func() error {
		cl, err := c.Clusters(gctx)
		d.Clusters = cl
		return err
	})
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}
	return d, nil
}

func complaintPath(id, sub string) string {
	p := "/complaints/" + id
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, session.Request{Method: http.MethodGet, Path: path, Query: q}, http.StatusOK, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, body any, want int, out any) error {
	req, err := session.NewJSONRequest(method, path, body)
	if err != nil {
		return err
	}
	return c.do(ctx, req, want, out)
}

func (c *Client) do(ctx context.Context, req session.Request, want int, out any) error {
	resp, err := c.sess.AuthorizedCall(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return session.ErrorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.Path, err)
	}
	return nil
}
