package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/bastion/pkg/capability"
	"github.com/Mindburn-Labs/bastion/pkg/config"
	"github.com/Mindburn-Labs/bastion/pkg/host"
	"github.com/Mindburn-Labs/bastion/pkg/observability"
	"github.com/Mindburn-Labs/bastion/pkg/sandbox"
	"github.com/Mindburn-Labs/bastion/pkg/snapshot"
	"github.com/Mindburn-Labs/bastion/pkg/watchdog"
)

// payload is a tenant's WebAssembly module and the runtime it runs in.
type payload struct {
	tenant string
	module []byte
	runner *sandbox.WasmRunner
}

// runRunCmd implements `bastion run`.
//
// Loads the configured tenants (or restores them from the snapshot store),
// starts the watchdog, and drives the frame loop until --frames frames
// have run or the process is signalled. The snapshot is saved on exit when
// snapshot.save_on_exit is set.
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath string
		frames     int
		interval   time.Duration
	)
	fs.StringVarP(&configPath, "config", "c", "", "Path to config file (default $"+config.EnvConfigPath+")")
	fs.IntVar(&frames, "frames", 0, "Stop after this many frames (0 runs until signalled)")
	fs.DurationVar(&interval, "frame-interval", 16*time.Millisecond, "Target frame period")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if interval <= 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --frame-interval must be positive")
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger := cfg.Log.Logger(stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, frames, interval, logger); err != nil {
		logger.Error("bastion stopped", "error", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "bastion stopped cleanly")
	return 0
}

func serve(ctx context.Context, cfg *config.Config, frames int, interval time.Duration, logger *slog.Logger) error {
	tcfg := observability.DefaultConfig()
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.ServiceVersion = version
	tcfg.OTLPEndpoint = cfg.Telemetry.Endpoint
	tcfg.SampleRate = cfg.Telemetry.SampleRate
	tcfg.Enabled = cfg.Telemetry.Enabled
	tcfg.Insecure = cfg.Telemetry.Insecure
	telemetry, err := observability.New(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	h, err := host.New(cfg)
	if err != nil {
		return err
	}
	h.WithLogger(logger).WithTelemetry(telemetry).WithNotifier(watchdog.NewSystemdNotifier())

	reg, err := h.Watchdog().RegisterMetrics(telemetry.Meter())
	if err != nil {
		return fmt.Errorf("watchdog metrics: %w", err)
	}
	defer func() { _ = reg.Unregister() }()

	store, err := snapshot.Open(ctx, cfg.Snapshot.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := startTenants(ctx, h, cfg, store, logger); err != nil {
		return err
	}

	payloads, err := loadPayloads(ctx, cfg, h)
	if err != nil {
		return err
	}
	defer func() {
		for _, p := range payloads {
			_ = p.runner.Close()
		}
	}()

	wdCtx, stopWatchdog := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Watchdog().Run(wdCtx)
	}()
	h.Watchdog().Ready()
	logger.Info("bastion running", "tenants", len(h.Tenants()), "frame_interval", interval, "frames", frames)

	drive(ctx, h, payloads, frames, interval, logger)

	h.Watchdog().Stopping()
	stopWatchdog()
	<-done

	if cfg.Snapshot.SaveOnExit {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := h.Save(saveCtx, store, cfg.Snapshot.Key); err != nil {
			return err
		}
	}
	return nil
}

// startTenants restores the host from the store when asked to and a
// snapshot exists, and otherwise loads the configured tenants.
func startTenants(ctx context.Context, h *host.Host, cfg *config.Config, store snapshot.Store, logger *slog.Logger) error {
	if cfg.Snapshot.RestoreOn {
		_, err := h.Restore(ctx, store, cfg.Snapshot.Key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, snapshot.ErrNotFound):
			logger.Info("no snapshot to restore, loading configured tenants", "key", cfg.Snapshot.Key)
		default:
			return err
		}
	}
	for _, tc := range cfg.Tenants {
		if err := h.LoadTenant(tc); err != nil {
			return err
		}
	}
	return nil
}

func loadPayloads(ctx context.Context, cfg *config.Config, h *host.Host) ([]payload, error) {
	var out []payload
	for _, tc := range cfg.Tenants {
		if tc.Payload == "" {
			continue
		}
		sb, ok := h.Sandbox(tc.ID)
		if !ok {
			continue
		}
		module, err := os.ReadFile(tc.Payload)
		if err != nil {
			return nil, fmt.Errorf("tenant %s payload: %w", tc.ID, err)
		}
		out = append(out, payload{
			tenant: tc.ID,
			module: module,
			runner: sandbox.NewWasmRunner(ctx, sb.Budget()),
		})
	}
	return out, nil
}

// drive runs the frame loop: every tick each payload is dispatched once,
// then the host's frame housekeeping runs with the measured frame time.
func drive(ctx context.Context, h *host.Host, payloads []payload, frames int, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 0; frames == 0 || n < frames; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := time.Now()
		for _, p := range payloads {
			err := h.Dispatch(ctx, p.tenant, host.Request{
				Operation: "payload",
				Require:   capability.ExecuteScripts(),
				Work:      p.runner.Work(p.module, nil, nil),
			})
			if err != nil {
				logger.Debug("payload dispatch failed", "tenant", p.tenant, "error", err)
			}
		}
		report := h.Frame(time.Since(start))
		if len(report.Restarted) > 0 {
			logger.Info("tenants restarted", "frame", report.Frame, "tenants", report.Restarted)
		}
	}
}
