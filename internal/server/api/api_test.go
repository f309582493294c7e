package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	coreapi "github.com/cinderblock/smooth-control/api"
	"github.com/cinderblock/smooth-control/core"
	"github.com/cinderblock/smooth-control/internal/logs"

	"github.com/gorilla/mux"
)

// Test the origin validation
func TestOriginValidator(t *testing.T) {
	testcases := []struct {
		origin string
		allow  bool
	}{
		// no Origin header means a non-browser client
		{"", true},
		// `null` should be denied
		{"null", false},
		// Localhost 8xxx and 5xxx should be allowed for local development
		{"https://localhost:8000", true},
		{"http://localhost:8000", true},
		{"http://localhost:8999", true},
		{"https://localhost:5000", true},
		{"http://localhost:5000", true},
		{"http://localhost:5999", true},
		// Other ports should be denied
		{"http://localhost", false},
		{"http://localhost:1234", false},
		// Remote sites should be denied
		{"https://example.com", false},
		{"http://localhost.example.com:8000", false},
	}
	validator := corsValidator()
	for _, tc := range testcases {
		allow := validator(tc.origin)
		if allow != tc.allow {
			t.Errorf("Origin %q: expected %v, got %v", tc.origin, tc.allow, allow)
		}
	}
}

type emptyBus struct{}

func (emptyBus) Enumerate() ([]core.Info, error)          { return nil, nil }
func (emptyBus) Connect(path string) (core.Device, error) { return nil, core.ErrDisconnect }
func (emptyBus) Has(path string) bool                     { return false }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := &logs.Logger{Writer: io.Discard}
	registry := core.NewRegistry(emptyBus{}, logger, core.RegistryOptions{})
	a := coreapi.New(registry, nil, logger)
	t.Cleanup(a.Close)

	r := mux.NewRouter()
	ServeAPI(r.Methods("POST").Subrouter(), a, "test", logger)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, b
}

func TestInfo(t *testing.T) {
	srv := newTestServer(t)
	resp, body := post(t, srv, "/", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var v versionInfo
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatal(err)
	}
	if v.Version != "test" {
		t.Errorf("version = %q", v.Version)
	}
}

func TestEnumerateEmpty(t *testing.T) {
	srv := newTestServer(t)
	resp, body := post(t, srv, "/enumerate", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var entries []core.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %v", entries)
	}
}

func TestCommandUnacquired(t *testing.T) {
	srv := newTestServer(t)
	resp, body := post(t, srv, "/command/NOPE", `{"mode":"clearFault"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "not acquired") {
		t.Errorf("body = %s", body)
	}
}

func TestHistoryWithoutRecorder(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := post(t, srv, "/telemetry/NOPE/history", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestTelemetryUnacquired(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := post(t, srv, "/telemetry/NOPE", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestForbiddenOrigin(t *testing.T) {
	srv := newTestServer(t)
	req, err := http.NewRequest("POST", srv.URL+"/enumerate", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "https://example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
