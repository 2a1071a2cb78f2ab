// Command netguardd runs the NetGuard packet-plane daemon: it opens a
// Platform Backend on a configured interface, runs the Capture Engine,
// and builds the control surface, which it uses to apply the startup
// rules file; no GUI or RPC layer is attached to it here.
// Grounded on the teacher's sibling example remmody-b4's main.go
// (cobra root command, signal-driven graceful shutdown with a bounded
// context timeout).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/netguard-dev/netguard/internal/accounting"
	"github.com/netguard-dev/netguard/internal/backend"
	"github.com/netguard-dev/netguard/internal/backend/intercept"
	"github.com/netguard-dev/netguard/internal/backend/kernelshape"
	"github.com/netguard-dev/netguard/internal/config"
	"github.com/netguard-dev/netguard/internal/control"
	"github.com/netguard-dev/netguard/internal/engine"
	"github.com/netguard-dev/netguard/internal/limiter"
	"github.com/netguard-dev/netguard/internal/logging"
	"github.com/netguard-dev/netguard/internal/resolver"
	"github.com/netguard-dev/netguard/internal/rules"
)

var (
	cfg     = config.DefaultConfig()
	logJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "netguardd",
	Short: "NetGuard per-process network traffic monitor and bandwidth controller",
	Long:  `netguardd captures per-process network traffic, accounts for it per pid, and enforces optional bandwidth limits and blocks.`,
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfg.Interface, "interface", "", "network interface to monitor (required)")
	flags.StringVar(&cfg.Backend, "backend", cfg.Backend, "platform backend: intercept or kernelshape")
	flags.StringVar(&cfg.CaptureBackend, "capture-backend", cfg.CaptureBackend, "intercept capture mechanism: auto, pcap, or afpacket")
	flags.StringVar(&cfg.Mode, "mode", cfg.Mode, "initial capture mode: monitor or enforce")
	flags.StringVar(&cfg.RulesPath, "rules", "", "path to the YAML rules file applied at startup")
	flags.IntVar(&cfg.SocketBuffer, "socket-buffer", cfg.SocketBuffer, "capture socket buffer size in bytes (intercept backend only)")
	flags.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level: debug, info, warn, error")
	flags.BoolVar(&logJSON, "log-json", false, "emit structured JSON logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg.Logging.JSON = logJSON
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.Logging)
	logging.SetDefault(logger)

	store := accounting.New()
	lim := limiter.New()

	res, err := resolver.NewProcfsSource()
	if err != nil {
		return fmt.Errorf("netguardd: resolver source: %w", err)
	}
	resolv := resolver.New(res)
	resolv.OnRefresh(func(procs map[uint32]resolver.ProcessEntry) {
		for pid, entry := range procs {
			store.SetConnectionCount(pid, entry.ConnectionCount)
		}
	})
	if err := resolv.Refresh(); err != nil {
		logger.Warn("initial resolver refresh failed", "error", err)
	}

	mode := backend.ModeMonitor
	if cfg.Mode == "enforce" {
		mode = backend.ModeEnforce
	}

	be, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("netguardd: open backend: %w", err)
	}

	eng := engine.New(be, resolv, store, lim, mode, logger)
	ctrl := control.New(eng, store, lim, resolv, logger)

	if cfg.RulesPath != "" {
		entries, err := rules.Load(cfg.RulesPath)
		if err != nil {
			logger.Warn("rules file load failed", "path", cfg.RulesPath, "error", err)
		} else {
			ctrl.ApplyStartupRules(entries)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	resolverStop := make(chan struct{})
	statsStop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		resolv.Run(resolverStop, cfg.ResolverInterval, func(err error) {
			logger.Warn("resolver refresh failed", "error", err)
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		control.StatsTick(statsStop, store, func(counters []accounting.TrafficCounters) {
			logger.Debug("stats tick", "active_pids", len(counters))
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	logger.Info("netguardd is running", "interface", cfg.Interface, "backend", cfg.Backend, "mode", cfg.Mode)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	cancel()
	close(resolverStop)
	close(statsStop)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("netguardd stopped cleanly")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, exiting anyway")
	}

	return nil
}

func openBackend(cfg *config.Config) (backend.Backend, error) {
	filter := backend.FilterAll()
	mode := backend.ModeMonitor
	if cfg.Mode == "enforce" {
		mode = backend.ModeEnforce
	}

	switch cfg.Backend {
	case "kernelshape":
		return kernelshape.Open(kernelshape.Config{Interface: cfg.Interface}, filter, mode)
	default:
		return intercept.Open(intercept.Config{
			Interface:    cfg.Interface,
			Backend:      cfg.CaptureBackend,
			SocketBuffer: cfg.SocketBuffer,
		}, filter, mode)
	}
}
