// Cairn is an autonomous memory and scheduling engine.
//
// It keeps an identity-scoped long-term memory (graph plus semantic
// index), extracts durable facts from conversation, runs scheduled
// jobs and a periodic heartbeat, and serves an HTTP API with webhook
// ingestion. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	cairn serve                 Start the engine and API server
//	cairn init [dir]            Write a starter config.yaml
//	cairn hash-token <token>    Print the bcrypt hash for a webhook token
//	cairn version               Print version and build information
//	cairn -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cairnlabs/cairn/internal/agent"
	"github.com/cairnlabs/cairn/internal/api"
	"github.com/cairnlabs/cairn/internal/buildinfo"
	"github.com/cairnlabs/cairn/internal/config"
	"github.com/cairnlabs/cairn/internal/cron"
	"github.com/cairnlabs/cairn/internal/delivery"
	"github.com/cairnlabs/cairn/internal/embeddings"
	"github.com/cairnlabs/cairn/internal/events"
	"github.com/cairnlabs/cairn/internal/extraction"
	"github.com/cairnlabs/cairn/internal/graph"
	"github.com/cairnlabs/cairn/internal/heartbeat"
	"github.com/cairnlabs/cairn/internal/lane"
	"github.com/cairnlabs/cairn/internal/llm"
	"github.com/cairnlabs/cairn/internal/memory"
	"github.com/cairnlabs/cairn/internal/pattern"
	"github.com/cairnlabs/cairn/internal/resolver"
	"github.com/cairnlabs/cairn/internal/semantic"
	"github.com/cairnlabs/cairn/internal/transcript"
	"github.com/cairnlabs/cairn/internal/webhook"

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

// run is the real entry point for the cairn command. All OS-level
// dependencies are injected as parameters so the full lifecycle can be
// exercised from tests. Arguments are parsed by hand: the flag package
// relies on package-level globals, which interfere with parallel tests,
// and the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
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
	case "hash-token":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: cairn hash-token <token>")
		}
		return runHashToken(stdout, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runHashToken prints the bcrypt hash for a webhook bearer token so the
// plaintext never has to appear in config.yaml.
func runHashToken(w io.Writer, token string) error {
	hash, err := webhook.HashToken(token)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	fmt.Fprintln(w, hash)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Cairn - Autonomous Memory & Scheduling Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: cairn [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve               Start the engine and API server")
	fmt.Fprintln(w, "  init [dir]          Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  hash-token <token>  Print the bcrypt hash for a webhook token")
	fmt.Fprintln(w, "  version             Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

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

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting cairn", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "model", cfg.Oracle.Model)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	bus := events.New()

	// --- Memory backends ---
	// The graph store holds typed nodes and edges; the semantic index
	// holds embeddings. Both are identity-scoped.
	graphStore, err := graph.NewStore(filepath.Join(cfg.DataDir, "graph.db"))
	if err != nil {
		return fmt.Errorf("open graph store: %w", err)
	}
	defer graphStore.Close()

	index, err := semantic.NewIndex(filepath.Join(cfg.DataDir, "index"))
	if err != nil {
		return fmt.Errorf("open semantic index: %w", err)
	}

	var embedder embeddings.Embedder
	if cfg.Embeddings.Enabled {
		baseURL := cfg.Embeddings.BaseURL
		if baseURL == "" {
			baseURL = cfg.Oracle.BaseURL
		}
		client := embeddings.New(embeddings.Config{BaseURL: baseURL, Model: cfg.Embeddings.Model})
		embedder, err = embeddings.NewCached(client, 10_000)
		if err != nil {
			return fmt.Errorf("embedding cache: %w", err)
		}
	}

	mem := memory.New(graphStore, index, embedder, memory.Config{
		SemanticWeight: cfg.Memory.SemanticWeight,
		KeywordWeight:  cfg.Memory.KeywordWeight,
	}, logger)

	// --- Oracle ---
	oracle := llm.NewClient(llm.Config{
		BaseURL: cfg.Oracle.BaseURL,
		Model:   cfg.Oracle.Model,
		Timeout: cfg.Oracle.Timeout.Duration,
	})

	// --- Extraction ---
	res := resolver.New(mem, index, embedder, &resolver.OracleJudge{Oracle: oracle}, bus, logger, resolver.Config{
		MatchThreshold: cfg.Memory.MatchThreshold,
		SkipBand:       cfg.Memory.SkipBand,
	})
	extractor := extraction.New(oracle, res, bus, logger, extraction.Config{
		MinConfidence: cfg.Memory.MinConfidence,
		Timeout:       cfg.Oracle.Timeout.Duration,
	})

	// --- Transcripts ---
	transcripts, err := transcript.NewStore(filepath.Join(cfg.DataDir, "transcripts.db"))
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	defer transcripts.Close()

	// --- Delivery ---
	// The first registered channel is the fallback, so MQTT (when
	// enabled) takes precedence over the log channel.
	router := delivery.NewRouter(bus, logger)
	var mqttChan *delivery.MQTTChannel
	if cfg.MQTT.Enabled {
		mqttChan = delivery.NewMQTTChannel(cfg.MQTT, logger)
		if err := mqttChan.Start(ctx); err != nil {
			return fmt.Errorf("mqtt channel: %w", err)
		}
		defer mqttChan.Stop(context.Background())
		router.Register(mqttChan)
	}
	router.Register(&delivery.LogChannel{Logger: logger})

	// --- Cron ---
	cronStore, err := cron.NewStore(filepath.Join(cfg.DataDir, "cron.db"))
	if err != nil {
		return fmt.Errorf("open cron store: %w", err)
	}
	defer cronStore.Close()

	// --- Agent turns ---
	caps := []agent.Capability{} // filled once the cron engine exists
	runner := agent.NewRunner(oracle, mem, transcripts, extractor, router, caps, bus, logger, agent.Config{})

	// --- Pattern mining ---
	patterns := pattern.New(nil, logger, pattern.DefaultConfig())

	// --- Heartbeat ---
	checks := []heartbeat.Check{
		heartbeat.DueReminders(graphStore, 2*cfg.Heartbeat.Interval.Duration),
		heartbeat.UnansweredMessage(func(identityID string) (string, time.Time, error) {
			msgs, err := transcripts.Recent(lane.UserKey(identityID), 1)
			if err != nil || len(msgs) == 0 {
				return "", time.Time{}, err
			}
			return msgs[0].Role, msgs[0].CreatedAt, nil
		}, cfg.Heartbeat.Interval.Duration),
		heartbeat.DailyBrief(8, 90, nil),
		heartbeat.StaleConversation(func(identityID string) (time.Time, error) {
			return transcripts.LastUserActivity(identityID)
		}, cfg.Heartbeat.StaleAfter.Duration),
		heartbeat.TrackedTopics(graphStore, 24*time.Hour),
		routineCheck(patterns, transcripts),
	}
	compose := func(ctx context.Context, identityID string, c heartbeat.Check, detail string) (string, error) {
		resp, err := oracle.Complete(ctx, &llm.Request{Messages: []llm.Message{
			{Role: "system", Content: "Write one short, friendly notification for the user. No preamble."},
			{Role: "user", Content: detail},
		}})
		if err != nil {
			// The raw check detail is still a usable message.
			return detail, nil
		}
		return strings.TrimSpace(resp.Message.Content), nil
	}
	hb := heartbeat.New(checks, compose, func(ctx context.Context, identityID, message string) error {
		return router.Deliver(ctx, "", identityID, message)
	}, bus, logger, heartbeat.Config{
		Interval:    cfg.Heartbeat.Interval.Duration,
		MaxMessages: cfg.Heartbeat.MaxMessages,
	})

	// --- Lane scheduler ---
	// Heartbeat ticks run their cycle directly; everything else is an
	// agent turn.
	turn := func(ctx context.Context, ev lane.Event) error {
		if ev.Source == events.SourceHeartbeat {
			_, err := hb.RunCycle(ctx, ev.IdentityID)
			return err
		}
		return runner.RunTurn(ctx, ev)
	}
	sched := lane.New(turn, bus, logger, lane.Config{
		TurnTimeout: cfg.Oracle.TurnBudget.Duration,
	})

	hb.SetSubmit(func(identityID string) error {
		return sched.Submit(lane.Event{
			ID:         uuid.NewString(),
			LaneKey:    lane.AutoKey(identityID, "heartbeat"),
			IdentityID: identityID,
			Source:     events.SourceHeartbeat,
			Payload:    "heartbeat",
			Coalesce:   true,
		})
	})

	// Cron firings become turns on the job's isolated lane. The fire
	// callback blocks until the turn completes so the engine's
	// concurrency gate and execution record cover the actual work.
	cronEngine := cron.NewEngine(cronStore, func(ctx context.Context, job *cron.Job) error {
		return runner.SubmitJob(ctx, sched.Submit, job.IdentityID, job.Message)
	}, bus, logger, cron.Config{
		MaxConcurrent: cfg.Cron.MaxConcurrent,
		FireTimeout:   cfg.Oracle.TurnBudget.Duration,
	})

	runner.SetCapabilities(agent.BuildCapabilities(mem, cronEngine))
	patterns.SetJobs(cronEngine)

	if err := cronEngine.Start(); err != nil {
		return fmt.Errorf("start cron engine: %w", err)
	}
	defer cronEngine.Stop()

	if cfg.Heartbeat.Enabled {
		hb.Start(ctx, cfg.Identities)
		defer hb.Stop()
	}

	// --- HTTP surface ---
	hooks := webhook.NewHandler(cfg.Webhooks, sched, bus, logger)
	chat := func(ctx context.Context, identityID, message string) (string, error) {
		return runner.SubmitUserMessage(ctx, sched.Submit, identityID, message)
	}
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, chat, hooks, bus, logger)
	server.RegisterStats("cron", cronEngine.Stats)
	server.RegisterStats("memory", func() map[string]any {
		out := make(map[string]any, len(cfg.Identities))
		for _, id := range cfg.Identities {
			out[id] = mem.Stats(id)
		}
		return out
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn("lane drain incomplete", "error", err)
	}
	return nil
}

// routineCheck surfaces mined routines as heartbeat candidates. The
// proposal itself is only reported; a job is created when the user
// approves it in conversation.
func routineCheck(patterns *pattern.Engine, transcripts *transcript.Store) heartbeat.Check {
	return heartbeat.Check{
		Name: "routine-patterns",
		Run: func(_ context.Context, identityID string) (bool, string, error) {
			times, err := transcripts.UserMessageTimes(identityID, time.Now().AddDate(0, 0, -30))
			if err != nil {
				return false, "", err
			}
			obs := make([]pattern.Observation, 0, len(times))
			for _, at := range times {
				obs = append(obs, pattern.Observation{Category: "conversation", At: at})
			}
			found := patterns.Analyze(identityID, obs)
			if len(found) == 0 {
				return false, "", nil
			}
			p := found[0]
			detail := fmt.Sprintf("Observed routine: %s (confidence %.2f, %d data points). Ask the user whether to schedule a matching reminder.",
				p.Description, p.Confidence, p.DataPoints)
			return true, detail, nil
		},
	}
}

const starterConfig = `# Cairn configuration.
listen:
  address: ""
  port: 8080

oracle:
  base_url: "http://localhost:11434"
  model: "qwen3:4b"
  timeout: 2m
  turn_timeout: 5m

embeddings:
  enabled: true
  model: "nomic-embed-text"

identities:
  - default

heartbeat:
  enabled: true
  interval: 30m
  max_messages: 2
  stale_after: 36h

cron:
  max_concurrent: 4

# webhooks:
#   - key: doorbell
#     token_hash: "<output of: cairn hash-token YOUR_TOKEN>"
#     identity: default

mqtt:
  enabled: false
  broker: "mqtt://localhost:1883"
  topic_prefix: "cairn"

data_dir: "data"
log_level: "info"
`

// runInit writes a starter config.yaml into dir, refusing to overwrite
// an existing one.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}
