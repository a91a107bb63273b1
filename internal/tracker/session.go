// Package tracker keeps per-account session health: consecutive
// authentication failures and whether an account is paused.
package tracker

import (
	"log/slog"
	"maps"
	"sync"

	"github.com/samber/lo"
)

// PauseThreshold is the number of consecutive authentication failures after
// which an account is paused.
const PauseThreshold = 3

// State classifies an account's session health.
type State int

const (
	// Active accounts have no outstanding failures.
	Active State = iota
	// Accumulating accounts have failed at least once but are still polled.
	Accumulating
	// Paused accounts are skipped until ResumeAll.
	Paused
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Accumulating:
		return "accumulating"
	case Paused:
		return "paused"
	}
	return "unknown"
}

// AccountState is the session state of one account.
type AccountState struct {
	ErrorCount int  `json:"error_count"`
	Paused     bool `json:"paused"`
}

// State returns the classification of s.
func (s AccountState) State() State {
	switch {
	case s.Paused:
		return Paused
	case s.ErrorCount > 0:
		return Accumulating
	}
	return Active
}

// SessionTracker records fetch outcomes per account. Accounts it has never
// seen are Active. Safe for concurrent use.
type SessionTracker struct {
	mu       sync.Mutex
	accounts map[string]AccountState
	logger   *slog.Logger
}

// NewSessionTracker creates an empty tracker.
func NewSessionTracker(logger *slog.Logger) *SessionTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionTracker{
		accounts: make(map[string]AccountState),
		logger:   logger,
	}
}

// RecordSuccess returns the account to Active. changed reports whether the
// account had failures or was paused before. Only non-Active accounts are
// kept in the map.
func (t *SessionTracker) RecordSuccess(accountID string) (state AccountState, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.accounts[accountID]
	if !ok {
		return AccountState{}, false
	}
	delete(t.accounts, accountID)
	if prev.Paused {
		t.logger.Info("Account session recovered", "account", accountID)
	}
	return AccountState{}, true
}

// RecordAuthError counts an authentication-class failure. The account is
// paused when the count reaches PauseThreshold. A failure on an already
// paused account changes nothing.
func (t *SessionTracker) RecordAuthError(accountID string) (state AccountState, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.accounts[accountID]
	if cur.Paused {
		return cur, false
	}
	cur.ErrorCount++
	if cur.ErrorCount >= PauseThreshold {
		cur.Paused = true
		t.logger.Warn("Account paused after repeated authentication failures",
			"account", accountID,
			"errors", cur.ErrorCount,
		)
	}
	t.accounts[accountID] = cur
	return cur, true
}

// ResumeAll clears pause and error state for every account at once and
// returns the ids that were not Active.
func (t *SessionTracker) ResumeAll() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := lo.Keys(t.accounts)
	clear(t.accounts)
	return ids
}

// IsPaused reports whether the account is paused.
func (t *SessionTracker) IsPaused(accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accounts[accountID].Paused
}

// ErrorCount returns the consecutive authentication failures for the account.
func (t *SessionTracker) ErrorCount(accountID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accounts[accountID].ErrorCount
}

// Get returns the account's state.
func (t *SessionTracker) Get(accountID string) AccountState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accounts[accountID]
}

// Forget removes the account's state and reports whether it had any.
func (t *SessionTracker) Forget(accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.accounts[accountID]
	delete(t.accounts, accountID)
	return ok
}

// AnyPaused reports whether at least one account is paused.
func (t *SessionTracker) AnyPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.accounts {
		if s.Paused {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of every non-Active account's state.
func (t *SessionTracker) Snapshot() map[string]AccountState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.accounts)
}
