package settings

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onllm-dev/aipulse/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewService(s, nil), s
}

func TestService_GetDefaults(t *testing.T) {
	svc, _ := newTestService(t)

	got, err := svc.Get()
	require.NoError(t, err)
	require.Equal(t, Defaults(), got)
	require.True(t, got.Adaptive())
	require.Equal(t, []int{50, 75, 90}, got.Notifications.Thresholds)
	require.True(t, got.ProviderEnabled("claude"))
	require.False(t, got.ProviderEnabled("codex"))
}

func TestService_SaveRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	in := Defaults()
	in.RefreshMode = ModeFixed
	in.RefreshInterval = 120
	in.Notifications.Thresholds = []int{90, 50, 50, 80}
	in.Notifications.DND = DNDSettings{Enabled: true, Start: "23:00", End: "07:30"}
	require.NoError(t, svc.Save(in))

	got, err := svc.Get()
	require.NoError(t, err)
	require.Equal(t, ModeFixed, got.RefreshMode)
	require.Equal(t, 120, got.RefreshInterval)
	require.Equal(t, []int{50, 80, 90}, got.Notifications.Thresholds, "thresholds sorted and deduplicated")
	require.Equal(t, "07:30", got.Notifications.DND.End)
}

func TestService_PartialBlobKeepsDefaults(t *testing.T) {
	svc, st := newTestService(t)
	require.NoError(t, st.SetSetting(storeKey, `{"refresh_interval": 60}`))

	got, err := svc.Get()
	require.NoError(t, err)
	require.Equal(t, 60, got.RefreshInterval)
	require.Equal(t, ModeAdaptive, got.RefreshMode)
	require.True(t, got.Notifications.Enabled)
}

func TestService_CorruptBlobFallsBack(t *testing.T) {
	svc, st := newTestService(t)
	require.NoError(t, st.SetSetting(storeKey, `{not json`))

	got, err := svc.Get()
	require.NoError(t, err)
	require.Equal(t, Defaults(), got)
}

func TestService_Update(t *testing.T) {
	svc, _ := newTestService(t)

	got, err := svc.Update(func(s *Settings) {
		s.SetProviderEnabled("claude", false)
		s.SetProviderEnabled("codex", true)
	})
	require.NoError(t, err)
	require.False(t, got.ProviderEnabled("claude"))
	require.True(t, got.ProviderEnabled("codex"))

	reloaded, err := svc.Get()
	require.NoError(t, err)
	require.Equal(t, got, reloaded)
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"bad mode", func(s *Settings) { s.RefreshMode = "sometimes" }},
		{"zero interval", func(s *Settings) { s.RefreshInterval = 0 }},
		{"threshold too high", func(s *Settings) { s.Notifications.Thresholds = []int{50, 101} }},
		{"threshold zero", func(s *Settings) { s.Notifications.Thresholds = []int{0} }},
		{"bad dnd start", func(s *Settings) {
			s.Notifications.DND = DNDSettings{Enabled: true, Start: "25:00", End: "08:00"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Defaults()
			tt.mutate(&s)
			require.ErrorIs(t, s.Validate(), ErrInvalid)
		})
	}

	// A disabled DND window is not parsed.
	s := Defaults()
	s.Notifications.DND = DNDSettings{Enabled: false, Start: "garbage"}
	require.NoError(t, s.Validate())
}
