package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/onllm-dev/aipulse/internal/config"
	"github.com/onllm-dev/aipulse/internal/history"
	"github.com/onllm-dev/aipulse/internal/store"
	"github.com/onllm-dev/aipulse/internal/tracker"
	"github.com/onllm-dev/aipulse/internal/web"
)

type styles struct {
	title lipgloss.Style
	dim   lipgloss.Style
	panel lipgloss.Style
	label lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
}

func newStyles(noColor bool) styles {
	basePanel := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	if noColor {
		return styles{
			title: lipgloss.NewStyle().Bold(true),
			dim:   lipgloss.NewStyle(),
			panel: basePanel,
			label: lipgloss.NewStyle().Bold(true),
			ok:    lipgloss.NewStyle().Bold(true),
			warn:  lipgloss.NewStyle().Bold(true),
			bad:   lipgloss.NewStyle().Bold(true),
		}
	}
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("24")).Padding(0, 1),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		panel: basePanel.BorderForeground(lipgloss.Color("61")),
		label: lipgloss.NewStyle().Foreground(lipgloss.Color("109")),
		ok:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		warn:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		bad:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}
}

// stylesFor disables color when NO_COLOR is set or output is not a terminal.
func stylesFor(w io.Writer) styles {
	if os.Getenv("NO_COLOR") != "" {
		return newStyles(true)
	}
	f, ok := w.(*os.File)
	if !ok {
		return newStyles(true)
	}
	info, err := f.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice == 0 {
		return newStyles(true)
	}
	return newStyles(false)
}

func (s styles) row(label, value string) string {
	return s.label.Render(fmt.Sprintf("%-12s", label)) + " " + value
}

func printBanner(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	s := stylesFor(out)
	rows := []string{
		s.title.Render("aipulse v" + version),
		s.row("Providers:", "claude ("+cfg.ClaudeBaseURL+")"),
		s.row("", "claude-code ("+cfg.OAuthUsageURL+")"),
		s.row("Control:", "http://"+cfg.ListenAddr()),
		s.row("Database:", cfg.DBPath),
	}
	if cfg.AdminUser != "" {
		rows = append(rows, s.row("Auth:", cfg.AdminUser+" / ****"))
	}
	if cfg.SMTP().Enabled() {
		rows = append(rows, s.row("Email:", cfg.SMTPHost))
	}
	if cfg.TestMode {
		rows = append(rows, s.row("Mode:", "TEST (isolated)"))
	}
	fmt.Fprintln(out, s.panel.Render(strings.Join(rows, "\n")))
}

func stateLabel(s styles, st tracker.AccountState) string {
	switch st.State() {
	case tracker.Paused:
		return s.bad.Render("paused")
	case tracker.Accumulating:
		return s.warn.Render(fmt.Sprintf("errors (%d)", st.ErrorCount))
	}
	return s.ok.Render("active")
}

func formatWhen(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// renderStatus prints the daemon status with account session states. names
// maps account ids to display names and may be empty.
func renderStatus(w io.Writer, st *web.StatusResponse, names map[string]string) {
	s := stylesFor(w)
	running := s.ok.Render("running")
	if !st.Running {
		running = s.bad.Render("stopped")
	}
	rows := []string{
		s.title.Render("aipulse"),
		s.row("Scheduler:", running),
		s.row("Interval:", fmt.Sprintf("%ds", st.IntervalSecs)),
		s.row("Last fetch:", formatWhen(st.LastFetch)),
		s.row("Next:", formatWhen(st.NextRefresh)),
	}
	if st.AnyPaused {
		rows = append(rows, s.bad.Render("Polling paused for some accounts. Run `aipulse resume` after fixing credentials."))
	}

	ids := make([]string, 0, len(st.Accounts))
	for id := range st.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		label := id
		if name, ok := names[id]; ok && name != "" {
			label = name
		}
		rows = append(rows, s.row(label, stateLabel(s, st.Accounts[id])))
	}
	fmt.Fprintln(w, s.panel.Render(strings.Join(rows, "\n")))
}

func renderAccounts(w io.Writer, accounts []store.Account) {
	if len(accounts) == 0 {
		fmt.Fprintln(w, "No accounts configured. Add one with `aipulse accounts add`.")
		return
	}
	s := stylesFor(w)
	fmt.Fprintf(w, "%s\n", s.label.Render(fmt.Sprintf("%-36s  %-12s  %-20s  %s", "ID", "PROVIDER", "NAME", "ADDED")))
	for _, a := range accounts {
		fmt.Fprintf(w, "%-36s  %-12s  %-20s  %s\n", a.ID, a.Provider, a.Name, a.CreatedAt.Local().Format("2006-01-02"))
	}
}

func utilStyle(s styles, pct float64) lipgloss.Style {
	switch {
	case pct >= 90:
		return s.bad
	case pct >= 75:
		return s.warn
	}
	return s.ok
}

func renderHistory(w io.Writer, entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No history entries.")
		return
	}
	s := stylesFor(w)
	for _, e := range entries {
		parts := make([]string, 0, len(e.Limits))
		for _, l := range e.Limits {
			parts = append(parts, l.LimitID+" "+utilStyle(s, l.Utilization).Render(fmt.Sprintf("%.0f%%", l.Utilization)))
		}
		fmt.Fprintf(w, "%s  %s  %s\n",
			s.dim.Render(e.Timestamp.Local().Format("2006-01-02 15:04:05")),
			e.AccountName,
			strings.Join(parts, "  "))
	}
}

func renderStats(w io.Writer, st *history.Stats) {
	s := stylesFor(w)
	rows := []string{
		s.title.Render(st.Provider + " / " + st.LimitID),
		s.row("Period:", st.PeriodStart.Local().Format("2006-01-02 15:04")+" to "+st.PeriodEnd.Local().Format("2006-01-02 15:04")),
		s.row("Samples:", fmt.Sprintf("%d", st.SampleCount)),
		s.row("Average:", fmt.Sprintf("%.1f%%", st.AvgUtilization)),
		s.row("Max:", utilStyle(s, st.MaxUtilization).Render(fmt.Sprintf("%.1f%%", st.MaxUtilization))),
		s.row("Min:", fmt.Sprintf("%.1f%%", st.MinUtilization)),
	}
	fmt.Fprintln(w, s.panel.Render(strings.Join(rows, "\n")))
}

// humanSize returns a human-readable file size.
func humanSize(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%dB", bytes)
	}
	if bytes < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(bytes)/1024)
	}
	return fmt.Sprintf("%.1fMB", float64(bytes)/(1024*1024))
}
