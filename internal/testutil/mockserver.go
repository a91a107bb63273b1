package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// ClaudeMock serves the claude.ai usage endpoint plus /admin/* routes for
// runtime mutation. Thread-safe for concurrent use from test goroutines and
// handler goroutines.
type ClaudeMock struct {
	mux *http.ServeMux

	mu         sync.RWMutex
	orgID      string
	sessionKey string
	responses  []string

	errCode  atomic.Int32 // 0 = no error, >0 = HTTP status code
	respIdx  atomic.Int64
	requests atomic.Int64
}

// MockOption configures a ClaudeMock.
type MockOption func(*ClaudeMock)

// WithSessionKey sets the expected sessionKey cookie. Empty accepts any cookie.
func WithSessionKey(key string) MockOption {
	return func(m *ClaudeMock) {
		m.sessionKey = key
	}
}

// WithOrgID restricts the served organization. Empty accepts any org.
func WithOrgID(org string) MockOption {
	return func(m *ClaudeMock) {
		m.orgID = org
	}
}

// WithResponses sets the response sequence, served round-robin.
func WithResponses(responses []string) MockOption {
	return func(m *ClaudeMock) {
		m.responses = responses
	}
}

// NewClaudeMock creates the mock handler.
func NewClaudeMock(opts ...MockOption) *ClaudeMock {
	m := &ClaudeMock{mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(m)
	}
	if len(m.responses) == 0 {
		m.responses = []string{DefaultClaudeResponse()}
	}

	m.mux.HandleFunc("/api/organizations/", m.handleUsage)
	m.mux.HandleFunc("/api/oauth/usage", m.handleOAuthUsage)
	m.mux.HandleFunc("/admin/scenario", m.handleAdminScenario)
	m.mux.HandleFunc("/admin/error", m.handleAdminError)
	m.mux.HandleFunc("/admin/requests", m.handleAdminRequests)
	return m
}

// ServeHTTP implements http.Handler.
func (m *ClaudeMock) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mux.ServeHTTP(w, r)
}

// handleUsage handles GET /api/organizations/{org}/usage
func (m *ClaudeMock) handleUsage(w http.ResponseWriter, r *http.Request) {
	org, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/api/organizations/"), "/usage")
	if !ok || org == "" || strings.Contains(org, "/") {
		http.NotFound(w, r)
		return
	}
	m.requests.Add(1)

	if code := m.errCode.Load(); code > 0 {
		w.WriteHeader(int(code))
		fmt.Fprintf(w, `{"error": "injected error %d"}`, code)
		return
	}

	m.mu.RLock()
	expectedOrg := m.orgID
	expectedKey := m.sessionKey
	responses := m.responses
	m.mu.RUnlock()

	if expectedKey != "" {
		cookie, err := r.Cookie("sessionKey")
		if err != nil || cookie.Value != expectedKey {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error": "unauthorized"}`)
			return
		}
	}
	if expectedOrg != "" && org != expectedOrg {
		http.NotFound(w, r)
		return
	}

	idx := m.respIdx.Add(1) - 1
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, responses[int(idx)%len(responses)])
}

// handleOAuthUsage handles GET /api/oauth/usage. The session key, when set, is
// the expected bearer token. Responses share the web endpoint's sequence.
func (m *ClaudeMock) handleOAuthUsage(w http.ResponseWriter, r *http.Request) {
	m.requests.Add(1)
	if code := m.errCode.Load(); code > 0 {
		w.WriteHeader(int(code))
		fmt.Fprintf(w, `{"error": "injected error %d"}`, code)
		return
	}

	m.mu.RLock()
	expectedKey := m.sessionKey
	responses := m.responses
	m.mu.RUnlock()

	if expectedKey != "" && r.Header.Get("Authorization") != "Bearer "+expectedKey {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": "unauthorized"}`)
		return
	}

	idx := m.respIdx.Add(1) - 1
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, responses[int(idx)%len(responses)])
}

// handleAdminScenario handles POST /admin/scenario to switch the response sequence.
func (m *ClaudeMock) handleAdminScenario(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var payload struct {
		Responses []string `json:"responses"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Responses) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "responses required"}`)
		return
	}
	m.SetResponses(payload.Responses)
	fmt.Fprint(w, `{"ok": true}`)
}

// handleAdminError handles POST /admin/error to inject HTTP errors.
func (m *ClaudeMock) handleAdminError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		StatusCode int `json:"status_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error": %q}`, err.Error())
		return
	}
	m.SetError(payload.StatusCode)
	fmt.Fprint(w, `{"ok": true}`)
}

// handleAdminRequests handles GET /admin/requests to return the request count.
func (m *ClaudeMock) handleAdminRequests(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"claude": m.requests.Load()})
}

// SetResponses replaces the response sequence and rewinds it.
func (m *ClaudeMock) SetResponses(responses []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = responses
	m.respIdx.Store(0)
}

// SetSessionKey changes the expected session key at runtime.
func (m *ClaudeMock) SetSessionKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionKey = key
}

// SetError injects an HTTP status for subsequent requests; 0 clears it.
func (m *ClaudeMock) SetError(code int) {
	m.errCode.Store(int32(code))
}

// RequestCount returns the number of usage requests received.
func (m *ClaudeMock) RequestCount() int {
	return int(m.requests.Load())
}

// MockServer is a ClaudeMock behind an httptest.Server.
// Point a ClaudeClient at URL + "/api".
type MockServer struct {
	*httptest.Server
	*ClaudeMock
}

// NewMockServer starts a mock server that is closed when the test completes.
func NewMockServer(t *testing.T, opts ...MockOption) *MockServer {
	t.Helper()
	mock := NewClaudeMock(opts...)
	ms := &MockServer{Server: httptest.NewServer(mock), ClaudeMock: mock}
	t.Cleanup(ms.Server.Close)
	return ms
}

// APIBase returns the base URL to configure on a ClaudeClient.
func (ms *MockServer) APIBase() string {
	return ms.URL + "/api"
}
