// Command gateway runs the rotating HTTP/CONNECT proxy gateway. Mirrors the
// teacher's single-binary main.go (signal handling, styled logger bootstrap,
// shutdown stats report), restructured onto cobra subcommands per the DOMAIN
// STACK decision to expose `serve` and `version` instead of a bare `--version`
// flag check.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgproxy/gateway/internal/app"
	"github.com/pgproxy/gateway/internal/config"
	"github.com/pgproxy/gateway/internal/env"
	"github.com/pgproxy/gateway/internal/logger"
	"github.com/pgproxy/gateway/internal/version"
	"github.com/pgproxy/gateway/pkg/container"
	"github.com/pgproxy/gateway/pkg/format"
	"github.com/pgproxy/gateway/pkg/nerdstats"
	"github.com/pgproxy/gateway/pkg/profiler"
)

func main() {
	root := &cobra.Command{
		Use:   version.Name,
		Short: version.Description,
	}
	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	var extended bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			vlog := log.New(log.Writer(), "", 0)
			version.PrintVersionInfo(extended, vlog)
			return nil
		},
	}
	cmd.Flags().BoolVar(&extended, "extended", false, "include commit/build metadata")
	return cmd
}

func serveCmd() *cobra.Command {
	var enableProfiler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(enableProfiler)
		},
	}
	cmd.Flags().BoolVar(&enableProfiler, "profile", false, "expose pprof on localhost:19841")
	return cmd
}

func runServe(enableProfiler bool) error {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)
	version.PrintVersionInfo(false, vlog)

	if enableProfiler {
		profiler.InitialiseProfiler()
	}

	lcfg := buildLoggerConfig()
	logInstance, styledLogger, cleanup, err := logger.NewWithTheme(lcfg)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer cleanup()

	slog.SetDefault(logInstance)
	styledLogger.Info("initialising", "version", version.Version, "pid", os.Getpid())

	cfg, err := config.Load()
	if err != nil {
		logger.FatalWithLogger(logInstance, "invalid configuration", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		styledLogger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	application, err := app.New(cfg, styledLogger)
	if err != nil {
		logger.FatalWithLogger(logInstance, "failed to build application", "error", err)
	}

	if err := application.Start(ctx); err != nil {
		logger.FatalWithLogger(logInstance, "failed to start application", "error", err)
	}

	<-ctx.Done()

	if err := application.Stop(context.Background()); err != nil {
		styledLogger.Error("error during shutdown", "error", err)
	}

	reportProcessStats(styledLogger, startTime)
	styledLogger.Info("gateway has shutdown")
	return nil
}

func reportProcessStats(logger *logger.StyledLogger, startTime time.Time) {
	runtime.GC()

	stats := nerdstats.Snapshot(startTime)

	logger.Info("process memory stats",
		"heap_alloc", format.Bytes(stats.HeapAlloc),
		"heap_sys", format.Bytes(stats.HeapSys),
		"heap_inuse", format.Bytes(stats.HeapInuse),
		"heap_released", format.Bytes(stats.HeapReleased),
		"stack_inuse", format.Bytes(stats.StackInuse),
		"total_alloc", format.Bytes(stats.TotalAlloc),
		"memory_pressure", stats.GetMemoryPressure(),
	)

	logger.Info("process allocation stats",
		"total_mallocs", stats.Mallocs,
		"total_frees", stats.Frees,
		"net_objects", int64(stats.Mallocs)-int64(stats.Frees),
	)

	if stats.NumGC > 0 {
		logger.Info("garbage collection stats",
			"num_gc_cycles", stats.NumGC,
			"last_gc", stats.LastGC.Format(time.RFC3339),
			"total_gc_time", format.Duration(stats.TotalGCTime),
			"gc_cpu_fraction", fmt.Sprintf("%.4f%%", stats.GCCPUFraction*100),
		)
	}

	logger.Info("goroutine stats",
		"num_goroutines", stats.NumGoroutines,
		"goroutine_health", stats.GetGoroutineHealthStatus(),
		"num_cgo_calls", stats.NumCgoCall,
	)

	logger.Info("runtime stats",
		"uptime", format.Duration(stats.Uptime),
		"go_version", stats.GoVersion,
		"num_cpu", stats.NumCPU,
		"gomaxprocs", stats.GOMAXPROCS,
	)
}

// buildLoggerConfig creates the logger's bootstrap config from environment
// variables, ahead of viper taking over for the rest of config.Load. File
// logging defaults off under a container, where stdout is the collected
// log sink and a local log directory is unlikely to persist.
func buildLoggerConfig() *logger.Config {
	defaultFileOutput := !container.IsContainerised()
	return &logger.Config{
		Level:      env.GetEnvOrDefault("PG_LOG_LEVEL", "info"),
		FileOutput: env.GetEnvBoolOrDefault("PG_FILE_OUTPUT", defaultFileOutput),
		LogDir:     env.GetEnvOrDefault("PG_LOG_DIR", "./logs"),
		MaxSize:    env.GetEnvIntOrDefault("PG_MAX_SIZE", 100),
		MaxBackups: env.GetEnvIntOrDefault("PG_MAX_BACKUPS", 5),
		MaxAge:     env.GetEnvIntOrDefault("PG_MAX_AGE", 30),
		Theme:      env.GetEnvOrDefault("PG_THEME", "default"),
	}
}
