package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mediaflow/internal/api"
	"mediaflow/internal/cascade"
	"mediaflow/internal/config"
	"mediaflow/internal/db"
	"mediaflow/internal/dispatch"
	"mediaflow/internal/executor"
	"mediaflow/internal/graph"
	"mediaflow/internal/orch"
	"mediaflow/internal/retry"
	"mediaflow/internal/schedule"
	"mediaflow/internal/version"
	"mediaflow/internal/webhook"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Println(version.Info())
			return
		case "help", "--help", "-h":
			printHelp()
			return
		case "daemon":
			if err := runDaemon(false); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "serve":
			if err := runDaemon(true); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
			printHelp()
			os.Exit(1)
		}
	}

	printHelp()
}

// engine is the wired set of components shared by daemon and serve.
type engine struct {
	store *db.DB
	graph *graph.Graph
	sched *schedule.Scheduler
	orch  *orch.Orchestrator
	cfg   config.Config
	log   zerolog.Logger
}

func buildEngine(cfgPath string) (*engine, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	store, err := db.New(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	g := graph.New(store, log)
	casc := cascade.New(store, log)
	retries := retry.New(store, retry.Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay.D(),
		MaxDelay:   cfg.Retry.MaxDelay.D(),
	})

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	disp := dispatch.New(store, g, retries, casc, registry, cfg.Workers, log)
	if n := webhook.New(cfg.Webhook.URL, log); n != nil {
		disp.SetNotifier(n)
	}

	sched := schedule.New(store, log, cfg.TickInterval.D())
	orc := orch.New(store, sched, disp, casc, orch.Config{
		TickInterval: cfg.TickInterval.D(),
		StaleAfter:   cfg.StaleAfter.D(),
	}, log)

	return &engine{store: store, graph: g, sched: sched, orch: orc, cfg: cfg, log: log}, nil
}

// buildRegistry routes every task type. Shell tasks run through sh; the
// rest come from the executors map in config, falling back to an
// always-failing executor so routing stays total.
func buildRegistry(cfg config.Config, log zerolog.Logger) (*executor.Registry, error) {
	registry := executor.NewRegistry()
	wait := cfg.ExecutorTimeout.D()

	for _, t := range db.TaskTypes() {
		if t == db.TypeBatch {
			continue
		}
		var (
			exec executor.Executor
			err  error
		)
		switch {
		case t == db.TypeShell:
			exec = executor.NewShell(log, wait)
		case len(cfg.Executors[string(t)]) > 0:
			exec, err = executor.NewCommand(string(t), cfg.Executors[string(t)], log, wait)
			if err != nil {
				return nil, fmt.Errorf("executor for %s: %w", t, err)
			}
		default:
			exec = executor.Unconfigured{Type: t}
		}
		if err := registry.Register(t, exec); err != nil {
			return nil, err
		}
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	return registry, nil
}

func newLogger(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	var log zerolog.Logger
	if cfg.Console {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger(), nil
}

// runDaemon runs the orchestrator in the foreground. With serveAPI it also
// exposes the HTTP API.
func runDaemon(serveAPI bool) error {
	cmd := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	cfgPath := cmd.String("config", defaultConfigPath(), "path to config file")
	port := cmd.Int("port", 0, "HTTP API port (serve only, overrides config)")
	_ = cmd.Parse(os.Args[2:])

	eng, err := buildEngine(*cfgPath)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	pidPath := eng.cfg.PIDPath()
	if pid, running := isDaemonRunning(pidPath); running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx := context.Background()
	eng.orch.Start(ctx)

	eng.log.Info().
		Int("pid", os.Getpid()).
		Str("database", eng.cfg.DBPath()).
		Msg("mediaflowd started")

	var srv *http.Server
	if serveAPI {
		apiPort := eng.cfg.API.Port
		if *port > 0 {
			apiPort = *port
		}
		server := api.NewServer(eng.store, eng.graph, eng.sched, eng.log)
		srv = &http.Server{
			Addr:    fmt.Sprintf(":%d", apiPort),
			Handler: server.Router(),
		}
		go func() {
			eng.log.Info().Str("addr", srv.Addr).Msg("API server listening")
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				eng.log.Error().Err(err).Msg("API server failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	eng.log.Info().Msg("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			eng.log.Warn().Err(err).Msg("API shutdown")
		}
	}
	eng.orch.Stop(30 * time.Second)
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.mediaflow/config.yaml"
}

// isDaemonRunning checks the PID file and probes the process with signal 0.
func isDaemonRunning(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

func printHelp() {
	fmt.Println(`mediaflowd - persistent task orchestration for media pipelines

Usage:
  mediaflowd daemon         Run the orchestrator in the foreground
  mediaflowd serve          Run the orchestrator with the HTTP API
  mediaflowd version        Show version information
  mediaflowd help           Show this help message

Options (daemon and serve):
  --config                  Path to config file (default: ~/.mediaflow/config.yaml)
  --port                    HTTP API port (serve only, overrides config)

Environment Variables:
  MEDIAFLOW_DATA            Override data directory (default: ~/.mediaflow)`)
}
