package testutil

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onllm-dev/aipulse/internal/api"
	"github.com/onllm-dev/aipulse/internal/events"
	"github.com/onllm-dev/aipulse/internal/store"
)

// DiscardLogger returns a logger that discards all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// InMemoryStore creates an in-memory SQLite store for testing.
// The store is automatically closed when the test completes.
func InMemoryStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.New(":memory:", opts...)
	if err != nil {
		t.Fatalf("InMemoryStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// SeedAccount saves an account with plausible credentials and returns it.
func SeedAccount(t *testing.T, s *store.Store, id, name, provider string) *store.Account {
	t.Helper()
	a := &store.Account{
		ID:       id,
		Name:     name,
		Provider: provider,
		Credentials: api.Credentials{
			OrgID:      "org-" + id,
			SessionKey: "sk-ant-sid01-" + id,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveAccount(a); err != nil {
		t.Fatalf("SeedAccount: %v", err)
	}
	return a
}

// FetchFunc produces one FakeProvider result.
type FetchFunc func(ctx context.Context, creds api.Credentials) (*api.UsageSnapshot, error)

// FakeProvider is a scriptable api.Provider.
type FakeProvider struct {
	ProviderID   string
	ProviderName string

	mu    sync.Mutex
	fetch FetchFunc
	calls atomic.Int64
}

// NewFakeProvider creates a provider that returns a fixed moderate reading
// until SetFetch is called.
func NewFakeProvider(id string) *FakeProvider {
	p := &FakeProvider{ProviderID: id, ProviderName: id}
	p.fetch = func(context.Context, api.Credentials) (*api.UsageSnapshot, error) {
		return UsageSnapshot(id, 30), nil
	}
	return p
}

// SetFetch replaces the fetch behavior.
func (p *FakeProvider) SetFetch(fn FetchFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetch = fn
}

// SetUtilization makes every fetch report the given five-hour utilization.
func (p *FakeProvider) SetUtilization(pct float64) {
	p.SetFetch(func(context.Context, api.Credentials) (*api.UsageSnapshot, error) {
		return UsageSnapshot(p.ProviderID, pct), nil
	})
}

// SetError makes every fetch fail with err.
func (p *FakeProvider) SetError(err error) {
	p.SetFetch(func(context.Context, api.Credentials) (*api.UsageSnapshot, error) {
		return nil, err
	})
}

// Calls returns how many times FetchUsage ran.
func (p *FakeProvider) Calls() int {
	return int(p.calls.Load())
}

// ID implements api.Provider.
func (p *FakeProvider) ID() string { return p.ProviderID }

// Name implements api.Provider.
func (p *FakeProvider) Name() string { return p.ProviderName }

// ValidateCredentials implements api.Provider.
func (p *FakeProvider) ValidateCredentials(creds api.Credentials) bool {
	return creds.OrgID != "" && creds.SessionKey != ""
}

// FetchUsage implements api.Provider.
func (p *FakeProvider) FetchUsage(ctx context.Context, creds api.Credentials) (*api.UsageSnapshot, error) {
	p.calls.Add(1)
	p.mu.Lock()
	fn := p.fetch
	p.mu.Unlock()
	return fn(ctx, creds)
}

// UsageSnapshot builds a snapshot with a single five-hour limit.
func UsageSnapshot(provider string, fiveHour float64) *api.UsageSnapshot {
	now := time.Now().UTC()
	return &api.UsageSnapshot{
		Provider:  provider,
		Timestamp: now,
		Limits: []api.LimitReading{
			{ID: "five_hour", Label: "5-Hour Limit", Utilization: fiveHour, ResetsAt: now.Add(3 * time.Hour)},
		},
	}
}

// RecordingSink is an events.Sink that keeps everything published to it.
type RecordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

// Publish implements events.Sink.
func (r *RecordingSink) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of every recorded event.
func (r *RecordingSink) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// OfKind returns the recorded events with the given kind.
func (r *RecordingSink) OfKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor polls until at least n events of kind were recorded or the timeout
// expires, failing the test in the latter case.
func (r *RecordingSink) WaitFor(t *testing.T, kind events.Kind, n int, timeout time.Duration) []events.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		got := r.OfKind(kind)
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("WaitFor %s: got %d events, want %d", kind, len(got), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
