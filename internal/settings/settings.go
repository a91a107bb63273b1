// Package settings holds the runtime settings that the scheduler and
// notification engine read on every cycle. They are stored as one JSON blob
// in the store's settings table.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// storeKey is the settings-table key holding the JSON blob.
const storeKey = "app_settings"

// Refresh modes.
const (
	ModeAdaptive = "adaptive"
	ModeFixed    = "fixed"
)

// ErrInvalid is wrapped by Validate failures.
var ErrInvalid = errors.New("settings: invalid")

// DNDSettings is the do-not-disturb window in local "HH:MM" times.
type DNDSettings struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// NotificationSettings controls alert evaluation.
type NotificationSettings struct {
	Enabled        bool        `json:"enabled"`
	Thresholds     []int       `json:"thresholds"`
	NotifyOnReset  bool        `json:"notify_on_reset"`
	NotifyOnExpiry bool        `json:"notify_on_expiry"`
	DND            DNDSettings `json:"dnd"`
}

// ProviderConfig enables or disables polling for one provider.
type ProviderConfig struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// Settings is the persisted runtime configuration.
type Settings struct {
	RefreshMode     string               `json:"refresh_mode"`
	RefreshInterval int                  `json:"refresh_interval"` // seconds
	Notifications   NotificationSettings `json:"notifications"`
	Providers       []ProviderConfig     `json:"providers"`
}

// Defaults returns the settings used before anything is saved.
func Defaults() Settings {
	return Settings{
		RefreshMode:     ModeAdaptive,
		RefreshInterval: 300,
		Notifications: NotificationSettings{
			Enabled:        true,
			Thresholds:     []int{50, 75, 90},
			NotifyOnReset:  true,
			NotifyOnExpiry: true,
			DND:            DNDSettings{Enabled: false, Start: "22:00", End: "08:00"},
		},
		Providers: []ProviderConfig{
			{ID: "claude", Enabled: true},
			{ID: "claude-code", Enabled: true},
		},
	}
}

// Adaptive reports whether the poll interval follows observed utilization.
func (s Settings) Adaptive() bool {
	return s.RefreshMode == ModeAdaptive
}

// ProviderEnabled reports whether a provider is listed and enabled.
func (s Settings) ProviderEnabled(id string) bool {
	return slices.ContainsFunc(s.Providers, func(p ProviderConfig) bool {
		return p.ID == id && p.Enabled
	})
}

// SetProviderEnabled enables or disables a provider, adding it if missing.
func (s *Settings) SetProviderEnabled(id string, enabled bool) {
	for i := range s.Providers {
		if s.Providers[i].ID == id {
			s.Providers[i].Enabled = enabled
			return
		}
	}
	s.Providers = append(s.Providers, ProviderConfig{ID: id, Enabled: enabled})
}

// Validate checks field ranges. Thresholds are sorted ascending in place.
func (s *Settings) Validate() error {
	if s.RefreshMode != ModeAdaptive && s.RefreshMode != ModeFixed {
		return fmt.Errorf("%w: refresh_mode must be %q or %q, got %q", ErrInvalid, ModeAdaptive, ModeFixed, s.RefreshMode)
	}
	if s.RefreshInterval <= 0 {
		return fmt.Errorf("%w: refresh_interval must be positive, got %d", ErrInvalid, s.RefreshInterval)
	}
	for _, t := range s.Notifications.Thresholds {
		if t < 1 || t > 100 {
			return fmt.Errorf("%w: threshold %d out of range 1-100", ErrInvalid, t)
		}
	}
	slices.Sort(s.Notifications.Thresholds)
	s.Notifications.Thresholds = slices.Compact(s.Notifications.Thresholds)
	if s.Notifications.DND.Enabled {
		if _, err := time.Parse("15:04", s.Notifications.DND.Start); err != nil {
			return fmt.Errorf("%w: dnd start %q: expected HH:MM", ErrInvalid, s.Notifications.DND.Start)
		}
		if _, err := time.Parse("15:04", s.Notifications.DND.End); err != nil {
			return fmt.Errorf("%w: dnd end %q: expected HH:MM", ErrInvalid, s.Notifications.DND.End)
		}
	}
	return nil
}

// Store is the key/value persistence the service needs.
type Store interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Service reads and writes Settings through a Store.
type Service struct {
	store  Store
	logger *slog.Logger
	mu     sync.Mutex // serializes Update read-modify-write
}

// NewService creates a settings service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Get returns the stored settings, filling absent fields from Defaults.
// A corrupt blob is logged and replaced by Defaults so polling can continue.
func (s *Service) Get() (Settings, error) {
	raw, err := s.store.GetSetting(storeKey)
	if err != nil {
		return Defaults(), fmt.Errorf("settings.Get: %w", err)
	}
	if raw == "" {
		return Defaults(), nil
	}
	out := Defaults()
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.logger.Warn("Stored settings are invalid, using defaults", "error", err)
		return Defaults(), nil
	}
	if err := out.Validate(); err != nil {
		s.logger.Warn("Stored settings failed validation, using defaults", "error", err)
		return Defaults(), nil
	}
	return out, nil
}

// Save validates and persists settings.
func (s *Service) Save(in Settings) error {
	if err := in.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("settings.Save: %w", err)
	}
	if err := s.store.SetSetting(storeKey, string(data)); err != nil {
		return fmt.Errorf("settings.Save: %w", err)
	}
	return nil
}

// Update applies fn to the current settings and saves the result.
func (s *Service) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Get()
	if err != nil {
		return cur, err
	}
	fn(&cur)
	if err := s.Save(cur); err != nil {
		return cur, err
	}
	return cur, nil
}
