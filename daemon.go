package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onllm-dev/aipulse/internal/agent"
	"github.com/onllm-dev/aipulse/internal/api"
	"github.com/onllm-dev/aipulse/internal/config"
	"github.com/onllm-dev/aipulse/internal/events"
	"github.com/onllm-dev/aipulse/internal/history"
	"github.com/onllm-dev/aipulse/internal/notify"
	"github.com/onllm-dev/aipulse/internal/settings"
	"github.com/onllm-dev/aipulse/internal/web"
)

const daemonEnv = "_AIPULSE_DAEMON"

var (
	pidDir  = defaultPIDDir()
	pidFile = filepath.Join(pidDir, "aipulse.pid")
)

func newRunCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the poller (backgrounds itself unless --debug)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}

			isDaemonChild := os.Getenv(daemonEnv) == "1"
			if !isDaemonChild {
				stopPreviousInstance(cfg.Port, cfg.TestMode)
			}

			// Docker containers always run in the foreground (logs to stdout).
			if !cfg.DebugMode && !isDaemonChild && !cfg.IsDockerEnvironment() {
				printBanner(cmd, cfg)
				return daemonize(cfg)
			}

			// Memory tuning: a soft limit makes the runtime return pages
			// instead of letting RSS ratchet up.
			debug.SetMemoryLimit(40 * 1024 * 1024)
			debug.SetGCPercent(50)

			if cfg.DebugMode {
				if err := writePIDFile(cfg.Port); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
				}
				printBanner(cmd, cfg)
			}
			defer removePIDFile()

			logWriter, err := cfg.LogWriter()
			if err != nil {
				return fmt.Errorf("failed to setup logging: %w", err)
			}
			defer func() {
				if f, ok := logWriter.(*os.File); ok && f != os.Stdout {
					f.Close()
				}
			}()
			logger := newLogger(cfg, logWriter)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, logger)
		},
	}
}

// runDaemon wires every component and blocks until ctx is done or one of
// the supervised goroutines fails.
func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Database close error", "error", err)
		}
	}()
	logger.Info("Database opened", "path", cfg.DBPath, "encrypted", cfg.Secret != "")

	settingsSvc := settings.NewService(st, logger)
	hist := history.New(st, logger)

	bus := events.NewBus(logger)
	sink := events.Multi(events.NewLogSink(logger), bus)

	channels := []notify.Channel{notify.NewLogChannel(logger), notify.NewEventChannel(sink)}
	if smtpCfg := cfg.SMTP(); smtpCfg.Enabled() {
		channels = append(channels, notify.NewSMTPChannel(smtpCfg, logger))
		logger.Info("Email alerts configured", "host", smtpCfg.Host, "recipients", len(smtpCfg.ToAddrs))
	}
	engine := notify.New(settingsSvc, logger, notify.WithChannels(channels...))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry := newProviderRegistry(cfg, logger)
	sched := agent.NewScheduler(registry, st, settingsSvc, logger,
		agent.WithNotifier(engine),
		agent.WithHistory(hist),
		agent.WithSink(sink),
		agent.WithMetrics(reg),
	)

	serverOpts := []web.Option{web.WithEvents(bus)}
	if cfg.MetricsEnabled {
		serverOpts = append(serverOpts, web.WithMetrics(reg))
	}
	if cfg.AdminUser != "" {
		serverOpts = append(serverOpts, web.WithBasicAuth(cfg.AdminUser, cfg.AdminPass))
	}
	server := web.NewServer(cfg.ListenAddr(), sched, logger, serverOpts...)

	g, gctx := errgroup.WithContext(ctx)

	sched.Start()
	g.Go(func() error {
		<-gctx.Done()
		sched.Stop()
		sched.Wait()
		return nil
	})

	g.Go(func() error {
		return hist.StartAutoCleanup(gctx)
	})

	g.Go(func() error {
		if err := server.Start(); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Daemon stopped with error", "error", err)
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// newProviderRegistry registers every supported provider client.
func newProviderRegistry(cfg *config.Config, logger *slog.Logger) *api.Registry {
	return api.NewRegistry(
		api.NewClaudeClient(logger,
			api.WithClaudeBaseURL(cfg.ClaudeBaseURL),
			api.WithClaudeTimeout(cfg.ClaudeTimeout),
		),
		api.NewOAuthClient(logger,
			api.WithOAuthBaseURL(cfg.OAuthUsageURL),
			api.WithOAuthTimeout(cfg.ClaudeTimeout),
		),
	)
}

func newStopCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			port := g.port
			if port == 0 {
				if cfg, err := loadConfig(g); err == nil {
					port = cfg.Port
				}
			}
			return runStop(cmd, port, g.test)
		},
	}
}

// readPIDFile parses "PID:PORT" (or a bare PID).
func readPIDFile() (pid, port int, ok bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, 0, false
	}
	content := strings.TrimSpace(string(data))
	pidStr, portStr, _ := strings.Cut(content, ":")
	pid, _ = strconv.Atoi(pidStr)
	port, _ = strconv.Atoi(portStr)
	return pid, port, pid > 0
}

func writePIDFile(port int) error {
	if err := ensurePIDDir(); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	content := fmt.Sprintf("%d:%d", os.Getpid(), port)
	return os.WriteFile(pidFile, []byte(content), 0o644)
}

func removePIDFile() {
	os.Remove(pidFile)
}

func ensurePIDDir() error {
	return os.MkdirAll(pidDir, 0o755)
}

// terminate sends SIGTERM to pid unless it is this process.
func terminate(pid int) bool {
	if pid <= 0 || pid == os.Getpid() {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.SIGTERM) == nil
}

// stopPreviousInstance stops any running instance using the PID file, then
// the port. In test mode only the PID file is used to avoid killing a
// production instance.
func stopPreviousInstance(port int, testMode bool) {
	stopped := false
	if pid, _, ok := readPIDFile(); ok {
		if terminate(pid) {
			fmt.Printf("Stopped previous instance (PID %d) via PID file\n", pid)
			stopped = true
		}
		removePIDFile()
	}

	if !testMode && !stopped && port > 0 && portInUse(port) {
		for _, pid := range findAipulseOnPort(port) {
			if terminate(pid) {
				fmt.Printf("Stopped previous instance (PID %d) on port %d\n", pid, port)
				stopped = true
			}
		}
	}

	if stopped {
		time.Sleep(500 * time.Millisecond)
	}
}

func runStop(cmd *cobra.Command, port int, testMode bool) error {
	out := cmd.OutOrStdout()
	label := "aipulse"
	if testMode {
		label = "aipulse (test)"
	}

	stopped := false
	if pid, filePort, ok := readPIDFile(); ok {
		if terminate(pid) {
			fmt.Fprintf(out, "Stopped %s (PID %d)\n", label, pid)
			stopped = true
		} else {
			fmt.Fprintf(out, "Process %d not running (stale PID file)\n", pid)
		}
		removePIDFile()
		if filePort > 0 {
			port = filePort
		}
	}

	if !testMode && !stopped && port > 0 && portInUse(port) {
		for _, pid := range findAipulseOnPort(port) {
			if terminate(pid) {
				fmt.Fprintf(out, "Stopped %s (PID %d) on port %d\n", label, pid, port)
				stopped = true
			}
		}
	}

	if !stopped {
		fmt.Fprintf(out, "No running %s instance found\n", label)
	}
	return nil
}

func portInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// findAipulseOnPort uses lsof (macOS/Linux) to find aipulse processes on a port.
func findAipulseOnPort(port int) []int {
	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		return nil
	}
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf(":%d", port)).Output()
	if err != nil {
		return nil
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && pid > 0 && isAipulseProcess(pid) {
			pids = append(pids, pid)
		}
	}
	return pids
}

func isAipulseProcess(pid int) bool {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(out)), "aipulse")
}

// daemonize re-executes the current binary as a detached background process.
// The parent writes the child's PID and exits.
func daemonize(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	logPath := cfg.LogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file for daemon: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.SysProcAttr = daemonSysProcAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	childPID := cmd.Process.Pid
	if err := ensurePIDDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create PID directory: %v\n", err)
	}
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d:%d", childPID, cfg.Port)), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
	}

	fmt.Printf("Daemon started (PID %d), logs: %s\n", childPID, logPath)
	return nil
}
