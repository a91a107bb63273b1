package notify

import (
	"fmt"
	"time"

	"github.com/onllm-dev/aipulse/internal/settings"
)

// DNDWindow is a daily do-not-disturb window [Start, End) in minutes after
// local midnight. Start > End means the window spans midnight.
type DNDWindow struct {
	Enabled bool
	Start   int
	End     int
}

// ParseDNDWindow converts "HH:MM" settings into a window.
func ParseDNDWindow(s settings.DNDSettings) (DNDWindow, error) {
	if !s.Enabled {
		return DNDWindow{}, nil
	}
	start, err := parseClock(s.Start)
	if err != nil {
		return DNDWindow{}, fmt.Errorf("notify.ParseDNDWindow: start: %w", err)
	}
	end, err := parseClock(s.End)
	if err != nil {
		return DNDWindow{}, fmt.Errorf("notify.ParseDNDWindow: end: %w", err)
	}
	return DNDWindow{Enabled: true, Start: start, End: end}, nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Active reports whether t's wall-clock time falls inside the window.
func (w DNDWindow) Active(t time.Time) bool {
	if !w.Enabled {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	if w.Start > w.End {
		return now >= w.Start || now < w.End
	}
	return now >= w.Start && now < w.End
}
