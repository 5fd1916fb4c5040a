package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/audit"
	"civicpulse.org/internal/auth"
	"civicpulse.org/internal/complaint"
	"civicpulse.org/internal/obs"
)

const (
	MethodKMeans   = "kmeans"
	MethodBERTopic = "bertopic"

	DefaultClusters = 5
	MinClusters     = 2
	MaxClusters     = 20

	// MinComplaints is the smallest population worth clustering.
	MinComplaints = 3
)

// Document is the text of one complaint sent for clustering.
type Document struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// RawCluster is one group as returned by a Clusterer.
type RawCluster struct {
	ID        int      `json:"cluster_id"`
	Name      string   `json:"cluster_name"`
	Keywords  []string `json:"keywords"`
	MemberIDs []string `json:"complaint_ids"`
}

// RawResult is the Clusterer response.
type RawResult struct {
	Clusters []RawCluster `json:"clusters"`
	Outliers int          `json:"outliers,omitempty"`
}

// Clusterer groups complaint documents. Implementations are opaque.
type Clusterer interface {
	Cluster(ctx context.Context, method string, n int, docs []Document) (RawResult, error)
}

// Member summarises a complaint inside a cluster.
type Member struct {
	ID       string             `json:"id"`
	Title    string             `json:"title"`
	Category complaint.Category `json:"category"`
	Status   complaint.Status   `json:"status"`
}

// Cluster is a named group of complaints.
type Cluster struct {
	ID         int      `json:"cluster_id"`
	Name       string   `json:"cluster_name"`
	Keywords   []string `json:"keywords"`
	Count      int      `json:"count"`
	Complaints []Member `json:"complaints"`
}

// ClusterResult is the outcome of one clustering run.
type ClusterResult struct {
	Method          string    `json:"method"`
	Clusters        []Cluster `json:"clusters"`
	TotalClusters   int       `json:"total_clusters"`
	TotalComplaints int       `json:"total_complaints"`
	Outliers        int       `json:"outliers,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ClusterRequest selects the algorithm and cluster count. Zero values pick
// the defaults.
type ClusterRequest struct {
	Method    string `json:"method"`
	NClusters int    `json:"n_clusters"`
}

func (r ClusterRequest) normalize() (ClusterRequest, error) {
	r.Method = strings.ToLower(strings.TrimSpace(r.Method))
	if r.Method == "" {
		r.Method = MethodKMeans
	}
	if r.NClusters == 0 {
		r.NClusters = DefaultClusters
	}
	var fields []apperr.FieldError
	if r.Method != MethodKMeans && r.Method != MethodBERTopic {
		fields = append(fields, apperr.FieldError{Field: "method", Message: "must be kmeans or bertopic"})
	}
	if r.NClusters < MinClusters || r.NClusters > MaxClusters {
		fields = append(fields, apperr.FieldError{Field: "n_clusters", Message: fmt.Sprintf("must be between %d and %d", MinClusters, MaxClusters)})
	}
	if len(fields) > 0 {
		return r, apperr.Validation(fields...)
	}
	return r, nil
}

// ClusterService runs clustering over every complaint and keeps the most
// recent result.
type ClusterService struct {
	source    Source
	clusterer Clusterer
	now       func() time.Time

	mu   sync.RWMutex
	last *ClusterResult
}

// NewClusterService creates a service. A nil clusterer makes Run report
// apperr.ErrUnavailable.
func NewClusterService(source Source, clusterer Clusterer) *ClusterService {
	return &ClusterService{source: source, clusterer: clusterer, now: time.Now}
}

// Run clusters all complaints. Only officers may run it.
func (s *ClusterService) Run(ctx context.Context, actor complaint.Actor, req ClusterRequest) (ClusterResult, error) {
	if actor.Role != auth.RoleOfficer {
		return ClusterResult{}, apperr.New(apperr.CodeForbidden, "only officers can run clustering")
	}
	req, err := req.normalize()
	if err != nil {
		return ClusterResult{}, err
	}
	if s.clusterer == nil {
		return ClusterResult{}, apperr.New(apperr.CodeUnavailable, "clustering service is not configured")
	}

	all, err := s.source.List(ctx, complaint.Filter{})
	if err != nil {
		return ClusterResult{}, fmt.Errorf("list complaints: %w", err)
	}
	if len(all) < MinComplaints {
		return ClusterResult{}, apperr.Validation(apperr.FieldError{
			Field:   "complaints",
			Message: fmt.Sprintf("need at least %d complaints for clustering", MinComplaints),
		})
	}

	docs := make([]Document, 0, len(all))
	byID := make(map[string]complaint.Complaint, len(all))
	for _, c := range all {
		docs = append(docs, Document{ID: c.ID, Title: c.Title, Description: c.Description})
		byID[c.ID] = c
	}

	raw, err := s.clusterer.Cluster(ctx, req.Method, req.NClusters, docs)
	if err != nil {
		return ClusterResult{}, err
	}

	res := ClusterResult{
		Method:          req.Method,
		Clusters:        make([]Cluster, 0, len(raw.Clusters)),
		TotalComplaints: len(all),
		Outliers:        raw.Outliers,
		CreatedAt:       s.now().UTC(),
	}
	for _, rc := range raw.Clusters {
		cl := Cluster{ID: rc.ID, Name: rc.Name, Keywords: rc.Keywords, Complaints: make([]Member, 0, len(rc.MemberIDs))}
		if cl.Keywords == nil {
			cl.Keywords = []string{}
		}
		for _, id := range rc.MemberIDs {
			c, ok := byID[id]
			if !ok {
				continue
			}
			cl.Complaints = append(cl.Complaints, Member{ID: c.ID, Title: c.Title, Category: c.Category, Status: c.Status})
		}
		cl.Count = len(cl.Complaints)
		res.Clusters = append(res.Clusters, cl)
	}
	res.TotalClusters = len(res.Clusters)

	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()

	if err := audit.LogEvent(ctx, "analytics.clustered", map[string]any{
		"actor_id":   actor.ID,
		"method":     res.Method,
		"n_clusters": req.NClusters,
		"clusters":   res.TotalClusters,
		"complaints": res.TotalComplaints,
	}); err != nil {
		obs.Logger().Warn("audit log failed", zap.Error(err))
	}
	return res, nil
}

// Last returns the most recent result, ordered by descending cluster size.
func (s *ClusterService) Last() (ClusterResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return ClusterResult{}, false
	}
	out := *s.last
	out.Clusters = append([]Cluster(nil), s.last.Clusters...)
	sortClusters(out.Clusters)
	return out, true
}

func sortClusters(cs []Cluster) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Count == cs[j].Count {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].Count > cs[j].Count
	})
}

// RemoteClusterer posts documents to an HTTP clustering service.
type RemoteClusterer struct {
	url    string
	client *http.Client
}

// NewRemoteClusterer creates a client for the service at url.
func NewRemoteClusterer(url string, timeout time.Duration) *RemoteClusterer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteClusterer{url: url, client: &http.Client{Timeout: timeout}}
}

type remoteRequest struct {
	Method     string     `json:"method"`
	NClusters  int        `json:"n_clusters"`
	Complaints []Document `json:"complaints"`
}

// Cluster implements Clusterer.
func (r *RemoteClusterer) Cluster(ctx context.Context, method string, n int, docs []Document) (RawResult, error) {
	body, err := json.Marshal(remoteRequest{Method: method, NClusters: n, Complaints: docs})
	if err != nil {
		return RawResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return RawResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if rid := audit.RequestIDFromContext(ctx); rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return RawResult{}, apperr.Wrap(apperr.CodeUnavailable, "clustering service unreachable", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return RawResult{}, apperr.Wrap(apperr.CodeUnavailable, "read clustering response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return RawResult{}, apperr.Newf(apperr.CodeUnavailable, "clustering service returned %d", resp.StatusCode)
	}
	var out RawResult
	if err := json.Unmarshal(payload, &out); err != nil {
		return RawResult{}, apperr.Wrap(apperr.CodeUnavailable, "decode clustering response", err)
	}
	return out, nil
}
