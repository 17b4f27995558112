package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/dbdiffproxy/dbdiffproxy/internal/config"
	"github.com/dbdiffproxy/dbdiffproxy/internal/diff"
	"github.com/dbdiffproxy/dbdiffproxy/internal/metrics"
)

func newTestServer() (*Server, *mux.Router) {
	r := diff.NewRouter(diff.DefaultConfig(), "main", []string{"candidate"}, "", diff.NoopRewirer{}, nil, nil)
	m := metrics.New()

	s := NewServer(r, m, config.ListenConfig{MySQLPort: 3307, APIPort: 8080})

	mr := mux.NewRouter()
	mr.HandleFunc("/status", s.statusHandler).Methods("GET")
	mr.HandleFunc("/diff/start", s.diffStartHandler).Methods("POST")
	mr.HandleFunc("/diff/stop", s.diffStopHandler).Methods("POST")
	mr.HandleFunc("/diff/status", s.diffStatusHandler).Methods("GET")
	mr.HandleFunc("/diff/summary", s.diffSummaryHandler).Methods("GET")
	mr.HandleFunc("/health", s.healthHandler).Methods("GET")

	return s, mr
}

func TestStatusHandler(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestDiffStatusInitiallyPrepared(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/diff/status", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if body := rr.Body.String(); !contains(body, "PREPARED") {
		t.Errorf("expected PREPARED state in body, got %s", body)
	}
}

func TestDiffStartThenStop(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("POST", "/diff/start", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected start to succeed, got %d: %s", rr.Code, rr.Body.String())
	}
	if !contains(rr.Body.String(), "COMPARING") {
		t.Errorf("expected COMPARING state after start, got %s", rr.Body.String())
	}

	req = httptest.NewRequest("POST", "/diff/stop", nil)
	rr = httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected stop to succeed, got %d: %s", rr.Code, rr.Body.String())
	}
	if !contains(rr.Body.String(), "PREPARED") {
		t.Errorf("expected PREPARED state after stop, got %s", rr.Body.String())
	}
}

func TestDiffStartTwiceConflicts(t *testing.T) {
	_, mr := newTestServer()

	mr.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/diff/start", nil))

	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, httptest.NewRequest("POST", "/diff/start", nil))
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409 on double start, got %d", rr.Code)
	}
}

func TestDiffSummaryEmptyInitially(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/diff/summary", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if body := rr.Body.String(); body != "{}\n" {
		t.Errorf("expected empty summary object, got %q", body)
	}
}

func TestHealthHandler(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(substr) == 0 ||
		func() bool {
			for i := 0; i+len(substr) <= len(s); i++ {
				if s[i:i+len(substr)] == substr {
					return true
				}
			}
			return false
		}())
}
