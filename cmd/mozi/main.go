// Command mozi runs the conversational-agent host: the kernel, the reminder
// runner, and the configured channel adapters.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/royisme/mozi/internal/agent"
	"github.com/royisme/mozi/internal/bus"
	"github.com/royisme/mozi/internal/channels"
	"github.com/royisme/mozi/internal/config"
	"github.com/royisme/mozi/internal/kernel"
	"github.com/royisme/mozi/internal/persistence"
	"github.com/royisme/mozi/internal/reminders"
	"github.com/royisme/mozi/internal/session"
	"github.com/royisme/mozi/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.mozi/config.yaml)")
	dbPath := flag.String("db", "", "path to the sqlite database (overrides config)")
	repl := flag.Bool("repl", false, "read messages from stdin on the local channel")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("mozi", Version)
		return
	}

	if err := run(*configPath, *dbPath, *repl); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "mozi:", err)
		os.Exit(1)
	}
}

func run(configPath, dbPath string, repl bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("mozi starting", "version", Version, "mode", cfg.Queue.Mode)

	provider, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		return err
	}

	store, err := persistence.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()

	eventBus := bus.NewWithLogger(logger)
	sessions := session.NewManager(session.Config{
		Store:  store,
		Bus:    eventBus,
		Logger: logger,
	})

	registry := kernel.NewChannelRegistry()
	egress := kernel.NewEgress(registry, logger)

	handler := agent.NewSessionHandler(agent.HandlerConfig{
		AgentID: cfg.Agent,
		Logger:  logger,
	})

	k := kernel.New(kernel.Config{
		Store:    store,
		Sessions: sessions,
		Policy: &kernel.ErrorPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		},
		Handler:       handler,
		Egress:        egress,
		Bus:           eventBus,
		Logger:        logger,
		Metrics:       metrics,
		Mode:          kernel.Mode(cfg.Queue.Mode),
		CollectWindow: time.Duration(cfg.Queue.CollectWindowMs) * time.Millisecond,
		MaxBacklog:    cfg.Queue.MaxBacklog,
		PollInterval:  time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
	})
	if err := k.Start(ctx); err != nil {
		return err
	}
	defer k.Stop()

	runner := reminders.NewRunner(reminders.RunnerConfig{
		Store:   store,
		Kernel:  k,
		Bus:     eventBus,
		Logger:  logger,
		Metrics: metrics,
		Poll:    time.Duration(cfg.Reminders.PollMs) * time.Millisecond,
		Batch:   cfg.Reminders.Batch,
	})
	runner.Start(ctx)
	defer runner.Stop()

	watcher := config.NewWatcher(configPath, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				logger.Info("config changed on disk, restart to apply")
			}
		}()
	}

	var wg sync.WaitGroup
	startChannel := func(ch channels.Channel) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("channel stopped", "channel", ch.Name(), "error", err)
			}
		}()
	}

	if cfg.Channels.Telegram.Enabled {
		tg := channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, k, logger)
		registry.Register(tg.Name(), tg)
		startChannel(tg)
	}
	if cfg.Channels.Discord.Enabled {
		dc := channels.NewDiscordChannel(cfg.Channels.Discord.Token, k, logger)
		registry.Register(dc.Name(), dc)
		startChannel(dc)
	}

	local := channels.NewLocalChannel(k, logger)
	registry.Register(local.Name(), local)
	startChannel(local)
	if repl && isatty.IsTerminal(os.Stdin.Fd()) {
		local.OnSend(func(peerID string, msg kernel.OutboundMessage) {
			fmt.Println(msg.Text)
		})
		go readStdin(ctx, local, logger)
	}

	logger.Info("mozi running")
	<-ctx.Done()
	logger.Info("mozi shutting down")
	wg.Wait()
	return nil
}

// readStdin feeds terminal lines into the local channel.
func readStdin(ctx context.Context, local *channels.LocalChannel, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := local.Inject(ctx, "terminal", "operator", line); err != nil {
			logger.Error("local inject failed", "error", err)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
