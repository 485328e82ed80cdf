package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tidemill/keel/internal/api"
	"github.com/tidemill/keel/internal/behavior"
	"github.com/tidemill/keel/internal/config"
	"github.com/tidemill/keel/internal/driver"
	"github.com/tidemill/keel/internal/engine"
	"github.com/tidemill/keel/internal/events"
	"github.com/tidemill/keel/internal/lock"
	"github.com/tidemill/keel/internal/log"
	"github.com/tidemill/keel/internal/metrics"
	"github.com/tidemill/keel/internal/respond"
	"github.com/tidemill/keel/internal/schedule"
	"github.com/tidemill/keel/internal/state"
	"github.com/tidemill/keel/internal/storage"
	"github.com/tidemill/keel/internal/stream"
	"github.com/tidemill/keel/internal/tui/watch"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "status":
		os.Exit(runStatus(args))
	case "blacklist":
		os.Exit(runBlacklist(args))
	case "pause":
		os.Exit(runPhaseAction(args, "pause"))
	case "resume":
		os.Exit(runPhaseAction(args, "resume"))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("keel version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`keel - log-driven workflow execution core

Usage:
  keel <command> [flags]

Commands:
  start       Run the partition daemon in foreground
  status      Show phase, cursor and uptime of a running daemon
  blacklist   List process instances isolated after processing errors
  pause       Suspend record processing and task execution
  resume      Continue processing after a pause
  watch       Live TUI over the daemon's event feed
  version     Show version information
  help        Show this help message

Use 'keel <command> --help' for command-specific flags.
`)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (optional)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("keel starting", "version", version, "partition", cfg.Service.Partition)

	pidLock, err := lock.Acquire(cfg.Stream.Path + ".lock")
	if err != nil {
		logger.Error("failed to acquire partition lock (another daemon may be running)", "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Stream.Path)
	if err != nil {
		logger.Error("failed to open partition database", "path", cfg.Stream.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("partition database opened", "path", cfg.Stream.Path)

	store := state.NewStore(db)
	blacklist := state.NewBlacklist(db)

	eng := engine.New()
	scheduler := schedule.NewService(func() bool {
		return eng.Phase() == engine.PhaseProcessing
	})
	if err := eng.Init(engine.Context{
		Store:         store,
		Blacklist:     blacklist,
		Scheduler:     scheduler,
		Registrations: behavior.Registrations(store, scheduler),
	}); err != nil {
		logger.Error("engine init failed", "error", err)
		return 1
	}

	hub := events.NewHub(256)
	collector := metrics.NewCollector()
	responder := respond.NewDispatcher()

	drv := driver.New(driver.Config{
		Partition: cfg.Service.Partition,
		ReadBatch: cfg.Stream.ReadBatch,
		IdleWait:  cfg.Service.IdleWait,
	}, eng, stream.Open(db), store, responder, hub, collector)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	if cfg.API.Enabled {
		server := api.New(api.Config{
			Listen: cfg.API.Listen,
			Token:  cfg.API.Token,
		}, drv, blacklist, hub, collector.Handler(), log.WithComponent("api"))
		go func() {
			if err := server.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("ops server: %w", err)
			}
		}()
	}

	go func() {
		if err := drv.Run(ctx); err != nil {
			errCh <- fmt.Errorf("partition driver: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		cancel()
		drv.Close()
		return 0
	case err := <-errCh:
		cancel()
		drv.Close()
		if err != nil {
			logger.Error("fatal", "error", err)
			return 1
		}
		return 0
	}
}

// --- ops API client commands ---

func clientFlags(fs *flag.FlagSet) (apiURL, token *string) {
	apiURL = fs.String("api", "http://127.0.0.1:8640", "Base URL of the daemon's ops API")
	token = fs.String("token", os.Getenv("KEEL_API_TOKEN"), "Bearer token for the ops API")
	return apiURL, token
}

func callAPI(method, url, token string, out any) error {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	apiURL, token := clientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var status api.StatusResponse
	if err := callAPI(http.MethodGet, *apiURL+"/v1/status", *token, &status); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query status: %v\n", err)
		return 1
	}

	fmt.Printf("phase:   %s\n", status.Phase)
	fmt.Printf("cursor:  %d\n", status.Cursor)
	fmt.Printf("uptime:  %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
	return 0
}

func runBlacklist(args []string) int {
	fs := flag.NewFlagSet("blacklist", flag.ExitOnError)
	apiURL, token := clientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var bl api.BlacklistResponse
	if err := callAPI(http.MethodGet, *apiURL+"/v1/blacklist", *token, &bl); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query blacklist: %v\n", err)
		return 1
	}

	if len(bl.Entries) == 0 {
		fmt.Println("blacklist is empty")
		return 0
	}
	for _, key := range bl.Entries {
		fmt.Println(key)
	}
	return 0
}

func runPhaseAction(args []string, action string) int {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	apiURL, token := clientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var status api.StatusResponse
	if err := callAPI(http.MethodPost, *apiURL+"/v1/"+action, *token, &status); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to %s: %v\n", action, err)
		return 1
	}
	fmt.Printf("phase: %s\n", status.Phase)
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL, token := clientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *token))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch failed: %v\n", err)
		return 1
	}
	return 0
}
