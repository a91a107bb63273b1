package api

import (
	"time"
)

// Credentials holds the opaque per-account secrets a provider needs.
// Fields unused by a provider are left empty.
type Credentials struct {
	OrgID      string `json:"org_id,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
}

// LimitReading is one usage limit reported by a provider.
type LimitReading struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Utilization float64   `json:"utilization"`
	ResetsAt    time.Time `json:"resets_at"`
	Category    string    `json:"category,omitempty"`
}

// UsageSnapshot is the normalized result of one successful fetch for one account.
// Snapshots are never modified after a provider returns them.
type UsageSnapshot struct {
	Provider    string         `json:"provider"`
	AccountID   string         `json:"account_id"`
	AccountName string         `json:"account_name"`
	Timestamp   time.Time      `json:"timestamp"`
	Limits      []LimitReading `json:"limits"`
}

// MaxUtilization returns the highest utilization across all limits, or 0 when there are none.
func (s *UsageSnapshot) MaxUtilization() float64 {
	if s == nil {
		return 0
	}
	var max float64
	for _, l := range s.Limits {
		if l.Utilization > max {
			max = l.Utilization
		}
	}
	return max
}

// Limit returns the reading with the given id.
func (s *UsageSnapshot) Limit(id string) (LimitReading, bool) {
	if s == nil {
		return LimitReading{}, false
	}
	for _, l := range s.Limits {
		if l.ID == id {
			return l, true
		}
	}
	return LimitReading{}, false
}
