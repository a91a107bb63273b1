package api

import (
	"fmt"
	"time"
)

// ClaudeLimitUsage is one limit entry from the claude.ai usage endpoint.
// ResetsAt is null when the limit has no usage in the current window.
type ClaudeLimitUsage struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    *string `json:"resets_at"`
}

// ClaudeUsageResponse is the body returned by GET /organizations/{org}/usage.
type ClaudeUsageResponse struct {
	FiveHour          *ClaudeLimitUsage `json:"five_hour"`
	SevenDay          *ClaudeLimitUsage `json:"seven_day"`
	SevenDayOpus      *ClaudeLimitUsage `json:"seven_day_opus"`
	SevenDaySonnet    *ClaudeLimitUsage `json:"seven_day_sonnet"`
	SevenDayOAuthApps *ClaudeLimitUsage `json:"seven_day_oauth_apps"`
}

type claudeLimitSpec struct {
	id       string
	label    string
	category string
	get      func(*ClaudeUsageResponse) *ClaudeLimitUsage
}

// claudeLimits lists the limits in display order.
var claudeLimits = []claudeLimitSpec{
	{"five_hour", "5-Hour Limit", "", func(r *ClaudeUsageResponse) *ClaudeLimitUsage { return r.FiveHour }},
	{"seven_day", "Weekly Limit", "", func(r *ClaudeUsageResponse) *ClaudeLimitUsage { return r.SevenDay }},
	{"seven_day_opus", "Weekly Opus", "opus", func(r *ClaudeUsageResponse) *ClaudeLimitUsage { return r.SevenDayOpus }},
	{"seven_day_sonnet", "Weekly Sonnet", "sonnet", func(r *ClaudeUsageResponse) *ClaudeLimitUsage { return r.SevenDaySonnet }},
	{"seven_day_oauth_apps", "Weekly OAuth Apps", "oauth", func(r *ClaudeUsageResponse) *ClaudeLimitUsage { return r.SevenDayOAuthApps }},
}

// Readings converts the response into normalized limit readings.
// Limits without a reset time are skipped; a malformed reset time is a parse error.
func (r *ClaudeUsageResponse) Readings() ([]LimitReading, error) {
	var out []LimitReading
	for _, spec := range claudeLimits {
		entry := spec.get(r)
		if entry == nil || entry.ResetsAt == nil {
			continue
		}
		resetsAt, err := time.Parse(time.RFC3339, *entry.ResetsAt)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid date format for %s: %v", ErrParse, spec.id, err)
		}
		out = append(out, LimitReading{
			ID:          spec.id,
			Label:       spec.label,
			Utilization: entry.Utilization,
			ResetsAt:    resetsAt.UTC(),
			Category:    spec.category,
		})
	}
	return out, nil
}
