// filesentry - continuous on-device detection of risky files
//
//	filesentry monitor           Run the monitoring daemon
//	filesentry scan <file>...    Scan files on demand
//	filesentry history           Show recent scan results
//	filesentry quarantine ...    Inspect and manage quarantined files
//	filesentry status            Show configuration and statistics
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"filesentry/internal/config"
	"filesentry/internal/logging"
	"filesentry/internal/monitor"
	"filesentry/internal/notify"
	"filesentry/internal/quarantine"
	"filesentry/internal/reputation"
	"filesentry/internal/rules"
	"filesentry/internal/scan"
	"filesentry/internal/store"
)

var (
	configPath = flag.String("config", "", "path to config file")
	jsonOut    = flag.Bool("json", false, "emit results as JSON")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "monitor":
		cmdMonitor()
	case "scan":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: filesentry scan <file>...")
			os.Exit(1)
		}
		cmdScan(args)
	case "history":
		cmdHistory()
	case "quarantine":
		cmdQuarantine(args)
	case "status":
		cmdStatus()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `filesentry - on-device file threat detection

Usage: filesentry [options] <command> [args]

Commands:
  monitor                     Run the monitoring daemon
  scan <file>...              Scan one or more files on demand
  history                     Show recent scan results
  quarantine list             List quarantined files
  quarantine restore <id>     Restore a quarantined file
  quarantine delete <id>      Permanently delete a quarantined file
  quarantine ack <id>         Acknowledge a pending alert
  status                      Show configuration and statistics
  help                        Show this help message

Options:
  -config <path>  Path to config file (default: platform config dir)
  -json           Emit scan results as JSON`)
}

// app bundles the wired components shared by the subcommands.
type app struct {
	cfg         *config.Config
	log         *logging.Logger
	kv          *store.Reliable
	rules       *rules.Set
	scanner     *scan.Scanner
	coordinator *quarantine.Coordinator

	closers []func() error
}

func buildApp() *app {
	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}

	log := buildLogger(cfg)
	logging.SetDefault(log)

	kv := openStore(cfg, log)

	rs := loadRules(cfg)

	scanOpts := []scan.Option{
		scan.WithTimeout(time.Duration(cfg.Scan.FileTimeoutSec) * time.Second),
		scan.WithBatchLimit(cfg.Scan.BatchParallelism),
	}
	a := &app{
		cfg:   cfg,
		log:   log,
		kv:    kv,
		rules: rs,
	}
	a.closers = append(a.closers, kv.Close)

	if cfg.Reputation.Enabled {
		client := reputation.NewClient(cfg.Reputation.Endpoint, cfg.Reputation.APIKey,
			time.Duration(rs.Reputation.TimeoutMs)*time.Millisecond)
		cache := reputation.NewMemoryCache(time.Duration(rs.Reputation.CacheTTLMins) * time.Minute)
		scanOpts = append(scanOpts, scan.WithReputation(reputation.NewCachedService(client, cache)))
	}
	a.scanner = scan.NewScanner(rs, log, scanOpts...)

	notifier := buildNotifier(cfg, log, a)
	vault := quarantine.NewVault(cfg.Quarantine.Dir)
	coordinator, err := quarantine.NewCoordinator(kv, vault, notifier, log, quarantine.Options{
		QuarantineEnabled: cfg.Quarantine.Enabled,
		HistoryLimit:      cfg.Scan.HistoryLimit,
	})
	if err != nil {
		fatal("init coordinator: %v", err)
	}
	a.coordinator = coordinator

	return a
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("shutdown cleanup failed", "error", err)
		}
	}
}

func buildLogger(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fatal("invalid log level %q", cfg.Logging.Level)
	}
	format := logging.FormatText
	if strings.EqualFold(cfg.Logging.Format, "json") {
		format = logging.FormatJSON
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Format = format
	logCfg.Output = cfg.Logging.Output
	if cfg.Logging.File != "" {
		logCfg.FilePath = cfg.Logging.File
	}

	log, err := logging.New(logCfg)
	if err != nil {
		fatal("init logging: %v", err)
	}
	return log
}

func openStore(cfg *config.Config, log *logging.Logger) *store.Reliable {
	var kv store.KV
	switch cfg.Storage.Type {
	case "memory":
		kv = store.NewMemory()
	default:
		sqlite, err := store.Open(cfg.Storage.Path)
		if err != nil {
			fatal("open store %s: %v", cfg.Storage.Path, err)
		}
		kv = sqlite
	}
	return store.NewReliable(kv, log)
}

func loadRules(cfg *config.Config) *rules.Set {
	if cfg.Monitor.RulesPath != "" {
		rs, err := rules.LoadFile(cfg.Monitor.RulesPath)
		if err != nil {
			fatal("load rules %s: %v", cfg.Monitor.RulesPath, err)
		}
		return rs
	}
	rs, err := rules.Default()
	if err != nil {
		fatal("load embedded rules: %v", err)
	}
	return rs
}

func buildNotifier(cfg *config.Config, log *logging.Logger, a *app) notify.Notifier {
	if !cfg.Quarantine.NotificationsEnabled {
		return nil
	}
	fallback := notify.NewLogNotifier(log)
	desktop, err := notify.NewDesktopNotifier(log, fallback)
	if err != nil {
		log.Info("desktop notifications unavailable, using log", "error", err)
		return fallback
	}
	a.closers = append(a.closers, desktop.Close)
	return desktop
}

func cmdMonitor() {
	a := buildApp()
	defer a.close()

	if len(a.cfg.Monitor.Paths) == 0 {
		fatal("no watch paths configured")
	}

	m := monitor.New(a.cfg.Monitor.Paths, a.rules, a.scanner, a.coordinator, a.kv, a.log, monitor.Options{
		PollInterval: time.Duration(a.cfg.Monitor.PollIntervalMs) * time.Millisecond,
		MaxPending:   a.cfg.Monitor.MaxPendingScans,
		Workers:      a.cfg.Monitor.Workers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP re-reads the config file; flipping auto_scan_enabled starts
	// or stops monitoring without restarting the daemon.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	if a.cfg.Monitor.AutoScanEnabled {
		if err := m.Start(ctx); err != nil {
			fatal("start monitor: %v", err)
		}
		a.log.Info("monitoring started", "paths", a.cfg.Monitor.Paths,
			"poll_interval_ms", a.cfg.Monitor.PollIntervalMs)
	} else {
		a.log.Info("monitoring disabled, waiting for configuration reload")
	}
	persistMonitorSettings(a)

	for {
		select {
		case <-ctx.Done():
			a.log.Info("shutting down")
			m.Stop()
			return

		case <-reload:
			cfg, err := config.LoadOrDefault(*configPath)
			if err != nil {
				a.log.Error("configuration reload failed, keeping current settings", "error", err)
				continue
			}
			a.cfg.Monitor.AutoScanEnabled = cfg.Monitor.AutoScanEnabled
			if err := m.SetAutoScan(ctx, cfg.Monitor.AutoScanEnabled); err != nil {
				a.log.Error("could not apply monitoring toggle", "error", err)
				continue
			}
			a.log.Info("configuration reloaded",
				"auto_scan_enabled", cfg.Monitor.AutoScanEnabled,
				"monitor_state", string(m.State()))
			persistMonitorSettings(a)
		}
	}
}

// persistMonitorSettings records the effective monitoring settings
// alongside the scan data.
func persistMonitorSettings(a *app) {
	data, err := json.Marshal(a.cfg.Monitor)
	if err != nil {
		return
	}
	if err := a.kv.Set(store.KeyMonitorConfig, data); err != nil {
		a.log.Warn("could not persist monitoring settings", "error", err)
	}
}

func cmdScan(paths []string) {
	a := buildApp()
	defer a.close()

	ctx := context.Background()
	var results []scan.Result
	if len(paths) == 1 {
		results = []scan.Result{a.scanner.ScanFile(ctx, paths[0])}
	} else {
		results = a.scanner.ScanFiles(ctx, paths)
	}

	escalated := false
	for _, res := range results {
		if err := a.coordinator.HandleResult(ctx, res); err != nil {
			a.log.Error("result handling failed", "path", res.Path, "error", err)
		}
		printResult(res)
		if res.Escalated() {
			escalated = true
		}
	}
	if escalated {
		os.Exit(2)
	}
}

func printResult(res scan.Result) {
	if *jsonOut {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Printf("%s\n", res.Path)
	fmt.Printf("  Status:     %s\n", res.Status)
	fmt.Printf("  Risk score: %d\n", res.DisplayScore())
	if res.SHA256 != "" {
		fmt.Printf("  SHA-256:    %s\n", res.SHA256)
	}
	for _, reason := range res.Reasons {
		if reason.Score > 0 {
			fmt.Printf("  [%s +%d] %s\n", reason.Analyzer, reason.Score, reason.Message)
		} else {
			fmt.Printf("  [%s] %s\n", reason.Analyzer, reason.Message)
		}
	}
	for _, rec := range res.Recommendations {
		fmt.Printf("  > %s\n", rec)
	}
	fmt.Println()
}

func cmdHistory() {
	a := buildApp()
	defer a.close()

	history := a.coordinator.History()
	if len(history) == 0 {
		fmt.Println("No scans recorded.")
		return
	}

	fmt.Printf("%-20s %-22s %-6s %s\n", "When", "Status", "Score", "File")
	fmt.Println(strings.Repeat("-", 78))
	for i := len(history) - 1; i >= 0; i-- {
		res := history[i]
		fmt.Printf("%-20s %-22s %-6d %s\n",
			res.StartedAt.Format("2006-01-02 15:04:05"),
			res.Status, res.DisplayScore(), res.Path)
	}
}

func cmdQuarantine(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: filesentry quarantine <list|restore|delete|ack> [id]")
		os.Exit(1)
	}

	a := buildApp()
	defer a.close()

	switch args[0] {
	case "list":
		entries := a.coordinator.Quarantined()
		if len(entries) == 0 {
			fmt.Println("Quarantine is empty.")
			return
		}
		for _, e := range entries {
			ack := "pending"
			if e.Acknowledged {
				ack = "acknowledged"
			}
			fmt.Printf("%s\n", e.Result.ID)
			fmt.Printf("  File:   %s\n", e.Result.Path)
			fmt.Printf("  Status: %s (score %d)\n", e.Result.Status, e.Result.DisplayScore())
			fmt.Printf("  Action: %s, %s\n", e.ActionTaken, ack)
			fmt.Printf("  Date:   %s\n", e.QuarantineDate.Format("2006-01-02 15:04:05"))
			fmt.Println()
		}

	case "restore":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: filesentry quarantine restore <id> [dest-dir]")
			os.Exit(1)
		}
		destDir := ""
		if len(args) >= 3 {
			destDir = args[2]
		}
		path, err := a.coordinator.Restore(args[1], destDir)
		if err != nil {
			fatal("restore: %v", err)
		}
		fmt.Printf("Restored to %s\n", path)

	case "delete":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: filesentry quarantine delete <id>")
			os.Exit(1)
		}
		if err := a.coordinator.Delete(args[1]); err != nil {
			fatal("delete: %v", err)
		}
		fmt.Println("Deleted.")

	case "ack":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: filesentry quarantine ack <id>")
			os.Exit(1)
		}
		if err := a.coordinator.Acknowledge(args[1]); err != nil {
			fatal("acknowledge: %v", err)
		}
		fmt.Println("Acknowledged.")

	default:
		fmt.Fprintf(os.Stderr, "Unknown quarantine command: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdStatus() {
	a := buildApp()
	defer a.close()

	fmt.Println("=== filesentry Status ===")
	fmt.Println()

	fmt.Println("Monitoring:")
	state := "disabled"
	if a.cfg.Monitor.AutoScanEnabled {
		state = "enabled"
	}
	fmt.Printf("  Auto-scan: %s\n", state)
	if len(a.cfg.Monitor.Paths) == 0 {
		fmt.Println("  Watch paths: (none configured)")
	} else {
		fmt.Println("  Watch paths:")
		for _, p := range a.cfg.Monitor.Paths {
			fmt.Printf("    - %s\n", p)
		}
	}
	fmt.Printf("  Poll interval: %dms\n", a.cfg.Monitor.PollIntervalMs)
	fmt.Println()

	stats := a.coordinator.Statistics()
	fmt.Println("Statistics:")
	fmt.Printf("  Total scans: %d\n", stats.TotalScans)
	for _, status := range []scan.Status{
		scan.StatusClean, scan.StatusPotentiallyUnwanted, scan.StatusSuspicious,
		scan.StatusHighlySuspicious, scan.StatusMalicious, scan.StatusError,
	} {
		if n := stats.ByStatus[string(status)]; n > 0 {
			fmt.Printf("  %-22s %d\n", status, n)
		}
	}
	fmt.Printf("  Quarantined: %d\n", stats.Quarantined)
	if !stats.LastScanAt.IsZero() {
		fmt.Printf("  Last scan: %s\n", stats.LastScanAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Println()

	pending := a.coordinator.PendingAlerts()
	if len(pending) > 0 {
		fmt.Printf("Pending alerts (%d):\n", len(pending))
		for _, e := range pending {
			fmt.Printf("  %s  %s (%s)\n", e.Result.ID, e.Result.Path, e.Result.Status)
		}
		fmt.Println()
		fmt.Println("Run 'filesentry quarantine ack <id>' to dismiss.")
	}

	fmt.Printf("Engine: %s\n", scan.EngineVersion)
	fmt.Printf("Ruleset: v%d\n", a.rules.Version)
	fmt.Printf("Storage: %s (%s)\n", a.cfg.Storage.Type, a.cfg.Storage.Path)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
