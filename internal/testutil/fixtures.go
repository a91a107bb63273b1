package testutil

import (
	"encoding/json"
	"time"
)

type claudeLimitJSON struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    *string `json:"resets_at"`
}

// ClaudeUsageJSON returns a valid claude.ai /organizations/{org}/usage response
// with five_hour, seven_day and seven_day_sonnet populated.
func ClaudeUsageJSON(fiveHour, sevenDay, sonnet float64, fiveHourReset, sevenDayReset time.Time) string {
	resp := map[string]*claudeLimitJSON{
		"five_hour":            {Utilization: fiveHour, ResetsAt: strPtr(fiveHourReset.Format(time.RFC3339))},
		"seven_day":            {Utilization: sevenDay, ResetsAt: strPtr(sevenDayReset.Format(time.RFC3339))},
		"seven_day_sonnet":     {Utilization: sonnet, ResetsAt: strPtr(sevenDayReset.Format(time.RFC3339))},
		"seven_day_opus":       nil,
		"seven_day_oauth_apps": {Utilization: 0, ResetsAt: nil},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func strPtr(s string) *string { return &s }

// DefaultClaudeResponse returns a typical response with moderate usage.
func DefaultClaudeResponse() string {
	now := time.Now().UTC()
	return ClaudeUsageJSON(45.2, 12.8, 5.1, now.Add(3*time.Hour), now.Add(5*24*time.Hour))
}

// ClaudeResponseSequence returns n responses with incrementing utilization.
func ClaudeResponseSequence(n int) []string {
	now := time.Now().UTC()
	fiveHourReset := now.Add(3 * time.Hour)
	sevenDayReset := now.Add(5 * 24 * time.Hour)
	responses := make([]string, n)
	for i := range n {
		responses[i] = ClaudeUsageJSON(10+float64(i)*8, 5+float64(i)*3, 2+float64(i)*1.5, fiveHourReset, sevenDayReset)
	}
	return responses
}

// ClaudeResponseWithReset returns two responses where the five-hour window has reset.
func ClaudeResponseWithReset() (before, after string) {
	now := time.Now().UTC()
	sevenDayReset := now.Add(5 * 24 * time.Hour)
	before = ClaudeUsageJSON(85.0, 30.0, 15.0, now.Add(30*time.Minute), sevenDayReset)
	after = ClaudeUsageJSON(5.0, 30.5, 15.2, now.Add(5*time.Hour), sevenDayReset)
	return before, after
}

// ClaudeResponseBadDate returns a response whose five_hour reset time cannot be parsed.
func ClaudeResponseBadDate() string {
	return `{"five_hour":{"utilization":12.5,"resets_at":"not-a-date"}}`
}
