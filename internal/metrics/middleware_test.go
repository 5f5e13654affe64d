package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewHTTP(reg)
	if err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	for _, path := range []string{"/test", "/notfound"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if errInner := resp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}

	if val := testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "200")); val != 1 {
		t.Errorf("Expected requests for GET /test to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "404")); val != 1 {
		t.Errorf("Expected requests for GET /notfound to be 1, got %f", val)
	}
	if val := testutil.CollectAndCount(m.durationSeconds); val != 2 {
		t.Errorf("Expected two route series, got %d", val)
	}
}

func TestNewHTTPDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	if _, err := NewHTTP(reg); err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}
	if _, err := NewHTTP(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewHTTP(reg)
	if err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}
	m.Observe(http.MethodGet, "/healthz", http.StatusOK, 0)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "finder_http_requests_total") {
		t.Fatalf("expected request counter in output:\n%s", body)
	}
}
