package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                           "/",
		"/metrics":                   "/metrics",
		"/complaints":                "/complaints",
		"/complaints/01HX":           "/complaints/:id",
		"/complaints/01HX/history":   "/complaints/:id/history",
		"/complaints/01HX/status":    "/complaints/:id/status",
		"/complaints/01HX/extra":     "/complaints/01HX/extra",
		"/complaints/events":         "/complaints/events",
		"/complaints?status=pending": "/complaints",
		"/analytics/stats":           "/analytics/stats",
		"/complaints/01HX/rate?x=1":  "/complaints/:id/rate",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentPassesThroughStatus(t *testing.T) {
	Init()
	Init()
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/complaints/abc", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rr.Code)
	}
}
