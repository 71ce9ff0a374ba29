package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nugget/relay/internal/agent"
	"github.com/nugget/relay/internal/buildinfo"
	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/connwatch"
	"github.com/nugget/relay/internal/convert"
	"github.com/nugget/relay/internal/convstate"
	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/executor"
	"github.com/nugget/relay/internal/httpkit"
	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/mqtt"
	"github.com/nugget/relay/internal/plan"
	"github.com/nugget/relay/internal/store"
	"github.com/nugget/relay/internal/telegram"
	"github.com/nugget/relay/internal/tools"
	"github.com/nugget/relay/internal/usage"
	"github.com/nugget/relay/internal/webchat"
)

// app is the assembled core shared by serve and ask.
type app struct {
	cfg   *config.Config
	agent *agent.Agent
	store *store.Store
	bus   *events.Bus
	usage *usage.Store // nil when the call log is off
	http  *http.Client

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// buildApp opens storage and wires the gateway, tools, planner,
// executor and agent.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, bus: events.New()}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Conversation store ---
	dbPath := filepath.Join(cfg.DataDir, "relay.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	logger.Info("database opened", "path", dbPath)

	// --- Gateway ---
	backends, err := llm.BuildBackends(ctx, cfg.Backends)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build backends: %w", err)
	}
	gwOpts := []llm.GatewayOption{
		llm.WithEventBus(a.bus),
		llm.WithLogChars(cfg.Gateway.LogChars),
	}
	if cfg.Gateway.CallLog {
		us, err := usage.NewStoreDB(st.DB())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open call log: %w", err)
		}
		a.usage = us
		a.closers = append(a.closers, us.Close)
		gwOpts = append(gwOpts, llm.WithRecorder(us))
	}
	gw, err := llm.NewGateway(backends, cfg.Gateway.Primary, cfg.Gateway.Vision, logger, gwOpts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	logger.Info("gateway ready",
		"primary", cfg.Gateway.Primary,
		"vision", cfg.Gateway.Vision,
		"backends", gw.Backends(),
	)

	// --- Tools ---
	a.http = httpkit.NewClient(
		httpkit.WithTimeout(2*time.Minute),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)
	if err := os.MkdirAll(cfg.Tools.OutputDir, 0o755); err != nil {
		a.Close()
		return nil, fmt.Errorf("create output directory %s: %w", cfg.Tools.OutputDir, err)
	}
	builtin, err := tools.NewBuiltin(tools.Deps{
		Config:   cfg.Tools,
		HTTP:     a.http,
		Out:      tools.NewOutputStore(cfg.Tools.OutputDir, logger),
		Ask:      agent.AskFunc(gw, cfg.Gateway.Primary),
		FixLatex: agent.LatexFixer(gw, cfg.Gateway.Primary),
		Logger:   logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create tools: %w", err)
	}
	enabled, err := builtin.All.Subset(cfg.Tools.Enabled)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tools.enabled: %w", err)
	}
	logger.Info("tools enabled", "tools", enabled.Names())

	// --- Attachment conversion ---
	var transcriber convert.Transcriber
	if cfg.Convert.WhisperBackend != "" {
		b, _ := cfg.Backend(cfg.Convert.WhisperBackend)
		w, err := convert.NewWhisper(b.BaseURL, b.APIKeys, cfg.Convert.WhisperModel, a.http, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create transcriber: %w", err)
		}
		transcriber = w
	} else {
		logger.Info("audio transcription disabled (no whisper backend)")
	}
	converter := convert.New(convert.Config{MaxBytes: cfg.Convert.MaxBytes}, transcriber, logger)

	// --- Agent ---
	modeNames := make([]string, 0, len(cfg.Modes))
	for _, m := range cfg.Modes {
		modeNames = append(modeNames, m.Name)
	}
	a.agent = agent.New(agent.Deps{
		Config:    cfg.Agent,
		Modes:     cfg.Modes,
		Gateway:   gw,
		Store:     st,
		Machine:   convstate.New(st, modeNames, cfg.Agent.CancelHold, logger.With("component", "convstate")),
		Selector:  plan.NewSelector(gw, enabled, cfg.Gateway.Selector, logger),
		Executor:  executor.New(enabled, cfg.Agent.Workers, cfg.Agent.ToolTimeout, a.bus, logger),
		Tools:     enabled,
		Converter: converter,
		Code:      builtin.Code,
		Latex:     builtin.Latex,
		Bus:       a.bus,
		Logger:    logger,
	})
	return a, nil
}

// runServe starts every configured transport and blocks until SIGINT
// or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Relay", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded", "path", cfgPath, "data_dir", cfg.DataDir)

	if !cfg.Telegram.Configured() && !cfg.WebChat.Configured() {
		return errors.New("no transport configured (set telegram.token or webchat.port)")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	// --- Dependency health ---
	health := connwatch.NewManager(a.bus, logger)
	defer health.Stop()
	health.Watch(ctx, "database", a.store.DB().PingContext, connwatch.DefaultBackoff())

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		var stats mqtt.StatsSource
		if a.usage != nil {
			stats = a.usage
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, a.bus, stats, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		health.Watch(ctx, "mqtt", func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return mqttPub.AwaitConnection(awaitCtx)
		}, connwatch.DefaultBackoff())
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
			"interval", cfg.MQTT.PublishInterval,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Telegram ---
	if cfg.Telegram.Configured() {
		bot, err := telego.NewBot(cfg.Telegram.Token,
			telego.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(90*time.Second))))
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
		tg := telegram.New(telegram.Config{
			API:          bot,
			Agent:        a.agent,
			HTTP:         a.http,
			DownloadDir:  filepath.Join(cfg.DataDir, "downloads"),
			MaxDownload:  cfg.Convert.MaxBytes,
			RateLimit:    cfg.Telegram.RateLimit,
			AllowedUsers: cfg.Telegram.AllowedUsers,
			Support:      cfg.Telegram.Support,
			Bus:          a.bus,
			Logger:       logger,
		})
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, "downloads"), 0o755); err != nil {
			return fmt.Errorf("create download directory: %w", err)
		}
		if err := tg.RegisterCommands(ctx); err != nil {
			logger.Warn("telegram command registration failed", "error", err)
		}
		health.Watch(ctx, "telegram", func(pCtx context.Context) error {
			_, err := bot.GetMe(pCtx)
			return err
		}, connwatch.Backoff{Interval: 5 * time.Minute})
		updates, err := bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{Timeout: 30})
		if err != nil {
			return fmt.Errorf("start telegram long polling: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			tg.Run(ctx, updates)
		}()
		logger.Info("telegram transport started")
	}

	// --- Web chat ---
	var chat *webchat.Server
	if cfg.WebChat.Configured() {
		chat = webchat.New(webchat.Config{
			Address:      cfg.WebChat.Address,
			Port:         cfg.WebChat.Port,
			Agent:        a.agent,
			FilesDir:     cfg.Tools.OutputDir,
			RateLimit:    cfg.Telegram.RateLimit,
			AllowedUsers: cfg.Telegram.AllowedUsers,
			Token:        cfg.WebChat.Token,
			Health:       health,
			Bus:          a.bus,
			Logger:       logger,
		})
		go func() {
			if err := chat.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("web chat: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("transport failed", "error", runErr)
		cancel()
	}

	shutdown(logger, chat, mqttPub)
	wg.Wait()
	logger.Info("Relay stopped")
	return runErr
}

// shutdown drains the chat endpoint and marks the MQTT device offline.
func shutdown(logger *slog.Logger, chat *webchat.Server, mqttPub *mqtt.Publisher) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if chat != nil {
		if err := chat.Shutdown(ctx); err != nil {
			logger.Error("web chat shutdown failed", "error", err)
		}
	}
	if mqttPub != nil {
		if err := mqttPub.Stop(ctx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
}
