// Weftd is an automation engine daemon.
//
// It evaluates user-defined rules ("when this condition holds, run
// that reaction") on a fixed tick against external providers — code
// forges, mailboxes, chat workspaces, file storage, weather — and
// exposes an admin HTTP API plus a websocket event stream.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	weftd serve              Start the engine and admin API
//	weftd init [dir]         Initialize a working directory with defaults
//	weftd version            Print version and build information
//	weftd -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/weftd/weft/internal/buildinfo"
	"github.com/weftd/weft/internal/config"
	"github.com/weftd/weft/internal/credential"
	"github.com/weftd/weft/internal/engine"
	"github.com/weftd/weft/internal/notify"
	"github.com/weftd/weft/internal/plugin"
	"github.com/weftd/weft/internal/provider/chat"
	"github.com/weftd/weft/internal/provider/clock"
	"github.com/weftd/weft/internal/provider/feed"
	"github.com/weftd/weft/internal/provider/github"
	"github.com/weftd/weft/internal/provider/mailbox"
	"github.com/weftd/weft/internal/provider/storage"
	"github.com/weftd/weft/internal/provider/video"
	"github.com/weftd/weft/internal/provider/weather"
	"github.com/weftd/weft/internal/rule"
	"github.com/weftd/weft/internal/web"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the weftd command. All OS-level
// dependencies are injected as parameters so that tests can drive the
// full lifecycle. Arguments are parsed by hand: the flag package
// relies on package-level globals (flag.CommandLine), which makes it
// impossible to call run() concurrently from tests, and the argument
// surface is small enough that manual parsing stays clear.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Weftd - Automation Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: weftd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the engine and admin API")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./weft.yaml, ~/.config/weft/weft.yaml, /etc/weft/weft.yaml")
	return nil
}

// defaultConfigYAML is the template written by "weftd init". Every
// provider block is commented out; the engine runs with only the
// clock and feed providers until credentials are filled in.
const defaultConfigYAML = `# weftd configuration
listen:
  address: ""
  port: 8420

engine:
  tick_sec: 60
  debounce_sec: 59
  tick_timeout_sec: 55
  call_timeout_sec: 15
  workers: 4

data_dir: data
log_level: info
log_format: text

# notify:
#   enabled: true
#   broker: mqtt://broker.local:1883
#   topic: weft/events

# providers:
#   chat:
#     base_url: https://slack.com
#     bot_token: ${CHAT_BOT_TOKEN}
#   weather:
#     base_url: https://api.openweathermap.org
#     api_key: ${WEATHER_API_KEY}
#   github:
#     token_url: https://github.com/login/oauth/access_token
#     client_id: ${GITHUB_CLIENT_ID}
#     client_secret: ${GITHUB_CLIENT_SECRET}
#   mailbox:
#     address: you@example.com
#     imap_host: imap.example.com
#     smtp_host: smtp.example.com
#     oauth:
#       token_url: https://accounts.example.com/token
#       client_id: ${MAIL_CLIENT_ID}
#       client_secret: ${MAIL_CLIENT_SECRET}
`

// runInit writes a starter config file and creates the data directory.
// An existing weft.yaml is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	cfgPath := filepath.Join(dir, "weft.yaml")
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", cfgPath)
	}
	if err := os.WriteFile(cfgPath, []byte(defaultConfigYAML), 0644); err != nil {
		return fmt.Errorf("write %s: %w", cfgPath, err)
	}

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	fmt.Fprintf(w, "wrote %s\n", cfgPath)
	fmt.Fprintln(w, "edit it to configure providers, then run: weftd serve")
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting weftd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger covers only the startup
	// banner and config errors.
	{
		// Already validated by cfg.Validate(), so the error path is
		// unreachable in practice.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"tick_sec", cfg.Engine.TickSec,
		"workers", cfg.Engine.Workers,
	)

	// All persistent state (rule and credential SQLite databases) lives
	// under the data directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	rulePath := filepath.Join(cfg.DataDir, "rules.db")
	rules, err := rule.NewStore(rulePath)
	if err != nil {
		return fmt.Errorf("open rule database %s: %w", rulePath, err)
	}
	defer rules.Close()
	logger.Info("rule database opened", "path", rulePath)

	credPath := filepath.Join(cfg.DataDir, "credentials.db")
	creds, err := credential.NewStore(credPath)
	if err != nil {
		return fmt.Errorf("open credential database %s: %w", credPath, err)
	}
	defer creds.Close()

	authMgr := credential.NewManager(creds, tokenEndpoints(cfg), logger)

	registry := buildRegistry(cfg, authMgr, logger)
	caps := registry.Capabilities()
	logger.Info("providers registered", "capabilities", len(caps))

	// Event sinks. The websocket hub always runs; MQTT publishing is
	// optional.
	hub := web.NewHub(logger)
	sinks := []engine.EventSink{hub}

	var pub *notify.Publisher
	if cfg.Notify.Enabled {
		pub = notify.New(cfg.Notify, logger)
		if err := pub.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt publisher: %w", err)
		}
		sinks = append(sinks, pub)
		logger.Info("mqtt publishing enabled", "broker", cfg.Notify.Broker, "topic", cfg.Notify.Topic)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	proc := engine.NewProcessor(registry, rules, engine.ProcessorConfig{
		Debounce:    time.Duration(cfg.Engine.DebounceSec) * time.Second,
		CallTimeout: time.Duration(cfg.Engine.CallTimeoutSec) * time.Second,
	}, logger, sinks...)

	sched := engine.NewScheduler(proc, rules, engine.SchedulerConfig{
		Tick:        time.Duration(cfg.Engine.TickSec) * time.Second,
		TickTimeout: time.Duration(cfg.Engine.TickTimeoutSec) * time.Second,
		Workers:     int64(cfg.Engine.Workers),
	}, logger)

	server := web.NewServer(cfg.Listen.Address, cfg.Listen.Port, rules, proc, registry, hub, logger)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if pub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := pub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Start the admin API server. This blocks until the server is shut
	// down (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("weftd stopped")
	return nil
}

// tokenEndpoints builds the credential manager's refresh endpoint map
// from the provider configs. Providers without a token URL cannot
// refresh; their stored access tokens are used as-is until they stop
// working.
func tokenEndpoints(cfg *config.Config) map[string]credential.Endpoint {
	endpoints := make(map[string]credential.Endpoint)
	add := func(slug string, oc config.OAuthConfig) {
		if oc.TokenURL == "" {
			return
		}
		endpoints[slug] = credential.Endpoint{
			TokenURL:     oc.TokenURL,
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
		}
	}
	add(github.Slug, cfg.Providers.GitHub)
	add(video.Slug, cfg.Providers.Video)
	add(storage.Slug, cfg.Providers.Storage)
	add(mailbox.Slug, cfg.Providers.Mailbox.OAuth)
	return endpoints
}

// buildRegistry registers every configured provider. Clock and feed
// need no credentials and are always available; the rest register only
// when their config section is filled in, so rules naming an absent
// provider are skipped rather than failing.
func buildRegistry(cfg *config.Config, authMgr *credential.Manager, logger *slog.Logger) *plugin.Registry {
	b := plugin.NewBuilder(logger)

	clock.New(logger).Register(b)
	feed.New(logger).Register(b)

	if w := cfg.Providers.Weather; w.APIKey != "" || w.BaseURL != "" {
		weather.New(w.BaseURL, w.APIKey, logger).Register(b)
	}
	if c := cfg.Providers.Chat; c.BotToken != "" {
		chat.New(c.BaseURL, c.BotToken, logger).Register(b)
	}
	if g := cfg.Providers.GitHub; g.TokenURL != "" || g.BaseURL != "" {
		github.New(g.BaseURL, authMgr, logger).Register(b)
	}
	if v := cfg.Providers.Video; v.TokenURL != "" || v.BaseURL != "" {
		video.New(v.BaseURL, authMgr, logger).Register(b)
	}
	if s := cfg.Providers.Storage; s.TokenURL != "" || s.BaseURL != "" {
		storage.New(s.BaseURL, authMgr, logger).Register(b)
	}
	if m := cfg.Providers.Mailbox; m.Address != "" && m.IMAPHost != "" {
		mailbox.New(mailbox.Config{
			Address:      m.Address,
			IMAPHost:     m.IMAPHost,
			IMAPPort:     m.IMAPPort,
			SMTPHost:     m.SMTPHost,
			SMTPPort:     m.SMTPPort,
			SMTPStartTLS: m.SMTPStartTLS,
			TrashFolder:  m.TrashFolder,
		}, authMgr, logger).Register(b)
	}

	return b.Build()
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output in weftd goes through slog; this
// helper standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig resolves the config file path and loads it.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
