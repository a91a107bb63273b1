package api

import (
	"fmt"
	"sort"
	"time"
)

// OAuthQuotaEntry is one quota from the OAuth usage endpoint. Null fields
// mean the quota does not apply to the plan.
type OAuthQuotaEntry struct {
	Utilization  *float64 `json:"utilization"`
	ResetsAt     *string  `json:"resets_at"`
	IsEnabled    *bool    `json:"is_enabled"`
	MonthlyLimit *float64 `json:"monthly_limit,omitempty"`
	UsedCredits  *float64 `json:"used_credits,omitempty"`
}

// OAuthUsageResponse is keyed by quota name (five_hour, seven_day, ...).
type OAuthUsageResponse map[string]*OAuthQuotaEntry

var oauthDisplayNames = map[string]string{
	"five_hour":        "5-Hour Limit",
	"seven_day":        "Weekly Limit",
	"seven_day_opus":   "Weekly Opus",
	"seven_day_sonnet": "Weekly Sonnet",
	"monthly_limit":    "Monthly",
	"extra_usage":      "Extra Usage",
}

var oauthCategories = map[string]string{
	"seven_day_opus":   "opus",
	"seven_day_sonnet": "sonnet",
}

// OAuthDisplayName returns the label for a quota key.
func OAuthDisplayName(key string) string {
	if name, ok := oauthDisplayNames[key]; ok {
		return name
	}
	return key
}

// ActiveQuotaNames returns sorted names of quotas with a utilization that
// are not disabled.
func (r OAuthUsageResponse) ActiveQuotaNames() []string {
	var names []string
	for key, entry := range r {
		if entry == nil || entry.Utilization == nil {
			continue
		}
		if entry.IsEnabled != nil && !*entry.IsEnabled {
			continue
		}
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

// Readings converts active quotas with a reset time into limit readings.
// A malformed reset time is a parse error.
func (r OAuthUsageResponse) Readings() ([]LimitReading, error) {
	var out []LimitReading
	for _, name := range r.ActiveQuotaNames() {
		entry := r[name]
		if entry.ResetsAt == nil || *entry.ResetsAt == "" {
			continue
		}
		resetsAt, err := time.Parse(time.RFC3339, *entry.ResetsAt)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid date format for %s: %v", ErrParse, name, err)
		}
		out = append(out, LimitReading{
			ID:          name,
			Label:       OAuthDisplayName(name),
			Utilization: *entry.Utilization,
			ResetsAt:    resetsAt.UTC(),
			Category:    oauthCategories[name],
		})
	}
	return out, nil
}
