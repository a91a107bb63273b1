package notify

import (
	"sync"
)

type thresholdKey struct {
	account   string
	limit     string
	threshold int
}

type limitKey struct {
	account string
	limit   string
}

// DedupState remembers which alerts were already delivered so each fires
// once per crossing. Safe for concurrent use.
type DedupState struct {
	mu         sync.Mutex
	thresholds map[thresholdKey]struct{}
	warned     map[limitKey]struct{}
}

// NewDedupState creates an empty DedupState.
func NewDedupState() *DedupState {
	return &DedupState{
		thresholds: make(map[thresholdKey]struct{}),
		warned:     make(map[limitKey]struct{}),
	}
}

// ThresholdSent reports whether the threshold alert was delivered.
func (d *DedupState) ThresholdSent(account, limit string, threshold int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.thresholds[thresholdKey{account, limit, threshold}]
	return ok
}

// MarkThreshold records a delivered threshold alert.
func (d *DedupState) MarkThreshold(account, limit string, threshold int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.thresholds[thresholdKey{account, limit, threshold}] = struct{}{}
}

// ClearThreshold forgets one threshold alert.
func (d *DedupState) ClearThreshold(account, limit string, threshold int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.thresholds, thresholdKey{account, limit, threshold})
}

// ClearThresholdsAbove forgets every threshold strictly greater than percent
// for the account's limit.
func (d *DedupState) ClearThresholdsAbove(account, limit string, percent int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.thresholds {
		if k.account == account && k.limit == limit && k.threshold > percent {
			delete(d.thresholds, k)
		}
	}
}

// ResetWarned reports whether the imminent-reset warning was delivered.
func (d *DedupState) ResetWarned(account, limit string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.warned[limitKey{account, limit}]
	return ok
}

// MarkResetWarned records a delivered imminent-reset warning.
func (d *DedupState) MarkResetWarned(account, limit string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.warned[limitKey{account, limit}] = struct{}{}
}

// ClearResetWarned forgets the imminent-reset warning.
func (d *DedupState) ClearResetWarned(account, limit string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.warned, limitKey{account, limit})
}
