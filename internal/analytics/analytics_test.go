package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/auth"
	"civicpulse.org/internal/complaint"
)

type staticSource struct {
	items []complaint.Complaint
	err   error
}

func (s staticSource) List(_ context.Context, f complaint.Filter) ([]complaint.Complaint, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []complaint.Complaint
	for _, c := range s.items {
		if f.Matches(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

var now = time.Date(2026, time.March, 10, 15, 0, 0, 0, time.UTC)

func sample() []complaint.Complaint {
	resolvedA := now.Add(-20 * time.Hour)
	resolvedB := now.Add(-2 * time.Hour)
	return []complaint.Complaint{
		{ID: "c1", Title: "Burst main", Description: "water everywhere", Category: complaint.CategoryWater, Status: complaint.StatusPending,
			Latitude: complaint.MustCoord("28.613900"), Longitude: complaint.MustCoord("77.209000"), CreatedAt: now.Add(-1 * time.Hour)},
		{ID: "c2", Title: "Leak", Description: "pipe leak", Category: complaint.CategoryWater, Status: complaint.StatusResolved,
			Latitude: complaint.MustCoord("28.613900"), Longitude: complaint.MustCoord("77.209000"), CreatedAt: now.Add(-30 * time.Hour), ResolvedAt: &resolvedA},
		{ID: "c3", Title: "Pothole", Description: "deep pothole", Category: complaint.CategoryRoads, Status: complaint.StatusResolved,
			Latitude: complaint.MustCoord("19.076000"), Longitude: complaint.MustCoord("72.877700"), CreatedAt: now.Add(-5 * time.Hour), ResolvedAt: &resolvedB},
		{ID: "c4", Title: "Dark lane", Description: "lamp out", Category: complaint.CategoryStreetlight, Status: complaint.StatusRejected,
			Latitude: complaint.MustCoord("12.971600"), Longitude: complaint.MustCoord("77.594600"), CreatedAt: now.AddDate(0, -2, 0)},
		{ID: "c5", Title: "Old", Description: "too old", Category: complaint.CategoryOther, Status: complaint.StatusInProgress,
			Latitude: complaint.MustCoord("12.971600"), Longitude: complaint.MustCoord("77.594600"), CreatedAt: now.AddDate(-1, 0, 0)},
	}
}

func TestSummarize(t *testing.T) {
	st := Summarize(sample(), now)

	if st.Total != 5 || st.Pending != 1 || st.InProgress != 1 || st.Resolved != 2 || st.Rejected != 1 {
		t.Fatalf("unexpected totals: %+v", st)
	}
	if st.CategoryDistribution[complaint.CategoryWater] != 2 {
		t.Fatalf("water count = %d", st.CategoryDistribution[complaint.CategoryWater])
	}
	if st.StatusDistribution[complaint.StatusResolved] != 2 {
		t.Fatalf("resolved count = %d", st.StatusDistribution[complaint.StatusResolved])
	}
	if len(st.Daily) != 7 || st.Daily[6].Date != "2026-03-10" || st.Daily[0].Date != "2026-03-04" {
		t.Fatalf("unexpected daily window: %+v", st.Daily)
	}
	if st.Daily[6].Count != 2 || st.Daily[5].Count != 1 {
		t.Fatalf("unexpected daily counts: %+v", st.Daily)
	}
	if len(st.Monthly) != 6 || st.Monthly[5].Month != "Mar 2026" || st.Monthly[0].Month != "Oct 2025" {
		t.Fatalf("unexpected monthly window: %+v", st.Monthly)
	}
	if st.Monthly[5].Count != 3 || st.Monthly[3].Count != 1 {
		t.Fatalf("unexpected monthly counts: %+v", st.Monthly)
	}
	// (10h + 3h) / 2
	if st.AvgResolutionHours == nil || *st.AvgResolutionHours != 6.5 {
		t.Fatalf("avg resolution = %v", st.AvgResolutionHours)
	}
	if len(st.TopCategories) == 0 || st.TopCategories[0].Category != complaint.CategoryWater || st.TopCategories[0].Count != 2 {
		t.Fatalf("unexpected top categories: %+v", st.TopCategories)
	}
	if len(st.Heatmap) != 4 || st.Heatmap[0].Count != 2 {
		t.Fatalf("unexpected heatmap cells: %+v", st.Heatmap)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	st := Summarize(nil, now)
	if st.Total != 0 || st.AvgResolutionHours != nil {
		t.Fatalf("unexpected stats: %+v", st)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := m["avg_resolution_time"]; !ok || v != nil {
		t.Fatalf("avg_resolution_time should be null, got %v", v)
	}
}

func TestHeatmapFilters(t *testing.T) {
	agg := NewAggregator(staticSource{items: sample()})
	hm, err := agg.Heatmap(context.Background(), complaint.CategoryWater, "")
	if err != nil {
		t.Fatalf("Heatmap: %v", err)
	}
	if hm.TotalPoints != 2 {
		t.Fatalf("expected 2 points, got %d", hm.TotalPoints)
	}
	if hm.Points[0].Lat != 28.6139 || hm.Points[0].Intensity != 1 {
		t.Fatalf("unexpected point: %+v", hm.Points[0])
	}
	hm, err = agg.Heatmap(context.Background(), complaint.CategoryWater, complaint.StatusResolved)
	if err != nil {
		t.Fatalf("Heatmap: %v", err)
	}
	if hm.TotalPoints != 1 || hm.Points[0].Status != complaint.StatusResolved {
		t.Fatalf("unexpected filtered heatmap: %+v", hm)
	}
}

func TestCacheSharesLoadsAndExpires(t *testing.T) {
	c := NewCache[int](time.Minute)
	clock := now
	c.now = func() time.Time { return clock }

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (int, error) {
		<-release
		return int(loads.Add(1)), nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), "stats", load)
			if err != nil {
				t.Errorf("Get: %v", err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if loads.Load() != 1 {
		t.Fatalf("expected one load, got %d", loads.Load())
	}
	for _, v := range results {
		if v != 1 {
			t.Fatalf("unexpected cached value %d", v)
		}
	}

	clock = clock.Add(2 * time.Minute)
	v, err := c.Get(context.Background(), "stats", load)
	if err != nil || v != 2 {
		t.Fatalf("expected reload after expiry, got %d, %v", v, err)
	}

	c.Invalidate()
	v, err = c.Get(context.Background(), "stats", load)
	if err != nil || v != 3 {
		t.Fatalf("expected reload after invalidate, got %d, %v", v, err)
	}
}

func TestCacheDoesNotStoreErrors(t *testing.T) {
	c := NewCache[string](time.Minute)
	boom := errors.New("boom")
	if _, err := c.Get(context.Background(), "k", func(context.Context) (string, error) { return "", boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	v, err := c.Get(context.Background(), "k", func(context.Context) (string, error) { return "ok", nil })
	if err != nil || v != "ok" {
		t.Fatalf("expected fresh load, got %q, %v", v, err)
	}
}

type fakeClusterer struct {
	method string
	n      int
	docs   int
	res    RawResult
	err    error
}

func (f *fakeClusterer) Cluster(_ context.Context, method string, n int, docs []Document) (RawResult, error) {
	f.method, f.n, f.docs = method, n, len(docs)
	return f.res, f.err
}

var (
	officer = complaint.Actor{ID: "o1", Name: "Officer", Role: auth.RoleOfficer}
	citizen = complaint.Actor{ID: "u1", Name: "Citizen", Role: auth.RoleCitizen}
)

func TestClusterServiceRun(t *testing.T) {
	fc := &fakeClusterer{res: RawResult{Clusters: []RawCluster{
		{ID: 0, Name: "Roads", Keywords: []string{"pothole"}, MemberIDs: []string{"c3"}},
		{ID: 1, Name: "Water", Keywords: []string{"water", "leak"}, MemberIDs: []string{"c1", "c2", "missing"}},
	}}}
	svc := NewClusterService(staticSource{items: sample()}, fc)

	res, err := svc.Run(context.Background(), officer, ClusterRequest{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fc.method != MethodKMeans || fc.n != DefaultClusters || fc.docs != 5 {
		t.Fatalf("unexpected clusterer call: %+v", fc)
	}
	if res.TotalClusters != 2 || res.TotalComplaints != 5 {
		t.Fatalf("unexpected totals: %+v", res)
	}
	if res.Clusters[1].Count != 2 {
		t.Fatalf("unknown member ids should be dropped: %+v", res.Clusters[1])
	}

	last, ok := svc.Last()
	if !ok {
		t.Fatalf("expected stored result")
	}
	if last.Clusters[0].Name != "Water" {
		t.Fatalf("expected largest cluster first, got %+v", last.Clusters)
	}
}

func TestClusterServiceRejects(t *testing.T) {
	few := staticSource{items: sample()[:2]}
	cases := []struct {
		name  string
		svc   *ClusterService
		actor complaint.Actor
		req   ClusterRequest
		code  apperr.Code
	}{
		{"citizen", NewClusterService(staticSource{items: sample()}, &fakeClusterer{}), citizen, ClusterRequest{}, apperr.CodeForbidden},
		{"bad method", NewClusterService(staticSource{items: sample()}, &fakeClusterer{}), officer, ClusterRequest{Method: "dbscan"}, apperr.CodeValidation},
		{"too many clusters", NewClusterService(staticSource{items: sample()}, &fakeClusterer{}), officer, ClusterRequest{NClusters: 21}, apperr.CodeValidation},
		{"too few complaints", NewClusterService(few, &fakeClusterer{}), officer, ClusterRequest{}, apperr.CodeValidation},
		{"not configured", NewClusterService(staticSource{items: sample()}, nil), officer, ClusterRequest{}, apperr.CodeUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.svc.Run(context.Background(), tc.actor, tc.req)
			if got := apperr.CodeOf(err); got != tc.code {
				t.Fatalf("expected %s, got %s (%v)", tc.code, got, err)
			}
			if _, ok := tc.svc.Last(); ok {
				t.Fatalf("failed run must not store a result")
			}
		})
	}
}

func TestRemoteClusterer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		var req remoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Method != MethodBERTopic || req.NClusters != 3 || len(req.Complaints) != 1 {
			t.Errorf("unexpected request: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"clusters":[{"cluster_id":0,"cluster_name":"Water","keywords":["leak"],"complaint_ids":["c1"]}],"outliers":1}`))
	}))
	defer srv.Close()

	rc := NewRemoteClusterer(srv.URL, time.Second)
	res, err := rc.Cluster(context.Background(), MethodBERTopic, 3, []Document{{ID: "c1", Title: "Leak"}})
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if len(res.Clusters) != 1 || res.Clusters[0].MemberIDs[0] != "c1" || res.Outliers != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRemoteClustererFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewRemoteClusterer(srv.URL, time.Second).Cluster(context.Background(), MethodKMeans, 5, nil)
	if !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
