package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofer-dev/gofer/internal/agent"
	"github.com/gofer-dev/gofer/internal/auth"
	"github.com/gofer-dev/gofer/internal/bus"
	"github.com/gofer-dev/gofer/internal/channels"
	"github.com/gofer-dev/gofer/internal/channels/discord"
	"github.com/gofer-dev/gofer/internal/channels/telegram"
	"github.com/gofer-dev/gofer/internal/config"
	"github.com/gofer-dev/gofer/internal/gateway"
	"github.com/gofer-dev/gofer/internal/logbuf"
	"github.com/gofer-dev/gofer/internal/providers"
	"github.com/gofer-dev/gofer/internal/queue"
	"github.com/gofer-dev/gofer/internal/sessions"
	sessionspg "github.com/gofer-dev/gofer/internal/sessions/pg"
	"github.com/gofer-dev/gofer/internal/telemetry"
	"github.com/gofer-dev/gofer/internal/tools"
	"github.com/gofer-dev/gofer/internal/usage"
	"github.com/gofer-dev/gofer/pkg/protocol"
)

const (
	queueGlobalLimit  = 8
	queueSessionLimit = 1
)

// runGateway wires the daemon and blocks until shutdown.
func runGateway(ctx context.Context) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	ring := setupLogging(cfg)
	slog.Info("gofer starting", "version", Version, "config", cfgPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := bus.New()

	// Session storage: file by default, Postgres when configured.
	workspace := config.ExpandHome(cfg.Agents.Defaults.Workspace)
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	var store sessions.Store
	if cfg.Sessions.Storage == "postgres" {
		pgStore, pgErr := sessionspg.New(ctx, cfg.Sessions.PostgresDSN)
		if pgErr != nil {
			return fmt.Errorf("postgres session store: %w", pgErr)
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		fileStore, fsErr := sessions.NewFileStore(workspace)
		if fsErr != nil {
			return fmt.Errorf("file session store: %w", fsErr)
		}
		store = fileStore
	}
	sessionMgr := sessions.NewManager(store, events)

	registry, err := tools.BuildRegistry(workspace, cfg.Tools)
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}

	factory := providers.NewFactory(cfg.Providers)

	var profiles *auth.Store
	if cfg.Providers.RotationEnabled {
		profiles, err = auth.NewStore(auth.DefaultPath(cfg.Path()))
		if err != nil {
			return fmt.Errorf("auth profiles: %w", err)
		}
		slog.Info("credential rotation enabled", "profiles", len(profiles.Profiles()))
	}

	queueMgr := queue.New(queueGlobalLimit, queueSessionLimit)

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	// One runtime per configured agent plus the default.
	runtimes, defaultAgent, err := buildRuntimes(cfg, events, sessionMgr, registry, factory, profiles, queueMgr)
	if err != nil {
		return err
	}

	// Usage ledger, fed from turn completion events.
	ledger, err := usage.Open(filepath.Join(filepath.Dir(cfg.Path()), "usage.db"))
	if err != nil {
		slog.Warn("usage ledger unavailable", "error", err)
	} else {
		defer ledger.Close()
		events.Subscribe(protocol.EventAgentTurnComplete, func(e bus.Event) {
			recordUsage(ledger, e)
		})
	}

	// Channels: inbound messages become queued turns.
	channelMgr := channels.NewManager(events, func(msg bus.InboundMessage) {
		rt := runtimes[defaultAgent]
		if ch, ok := cfg.Channels[msg.ChannelID]; ok && ch.AgentID != "" {
			if bound, ok := runtimes[ch.AgentID]; ok {
				rt = bound
			}
		}
		go func() {
			turnCtx := context.WithoutCancel(ctx)
			_, turnErr := rt.Turn(turnCtx, agent.TurnRequest{
				SessionID: sessions.Key(msg.ChannelID, msg.ChatID),
				Content:   msg.Text,
				Images:    msg.Media,
				ChannelID: msg.ChannelID,
			})
			if turnErr != nil {
				slog.Error("inbound turn failed", "channel", msg.ChannelID, "chat", msg.ChatID, "error", turnErr)
			}
		}()
	})
	if err := registerChannels(channelMgr, cfg); err != nil {
		return err
	}
	channelMgr.StartAll(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		channelMgr.StopAll(stopCtx)
	}()

	// Session retention sweep.
	if days := cfg.Sessions.RetentionDays; days > 0 {
		go retentionLoop(ctx, sessionMgr, days)
	}

	// Hot reload: announce changes so subscribers can re-read.
	go func() {
		if werr := config.Watch(ctx, cfg.Path(), func(next *config.Config) {
			slog.Info("config reloaded", "hash", next.Hash())
			events.Publish(bus.NewEvent(protocol.EventConfigReloaded, "config", map[string]any{
				"hash": next.Hash(),
			}))
		}); werr != nil && ctx.Err() == nil {
			slog.Warn("config watcher stopped", "error", werr)
		}
	}()

	server := gateway.NewServer(cfg, gateway.Deps{
		Bus:      events,
		Sessions: sessionMgr,
		Channels: channelMgr,
		Queue:    queueMgr,
		Runtimes: runtimes,
		Default:  defaultAgent,
		Logs:     ring,
		Usage:    ledger,
		Version:  Version,
	})

	err = server.Start(ctx)
	if ctx.Err() != nil {
		slog.Info("gofer stopped")
		return errInterrupted
	}
	return err
}

// setupLogging installs a handler that tees to the logs.tail ring buffer.
func setupLogging(cfg *config.Config) *logbuf.Buffer {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	out := os.Stdout
	if cfg.Logging.File != "" {
		if f, err := os.OpenFile(config.ExpandHome(cfg.Logging.File),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			out = f
		}
	}
	ring := logbuf.New(cfg.Logging.TailBuffer)
	primary := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(logbuf.Tee{Primary: primary, Ring: ring}))
	return ring
}

func buildRuntimes(
	cfg *config.Config,
	events *bus.Bus,
	sessionMgr *sessions.Manager,
	registry *tools.Registry,
	factory *providers.Factory,
	profiles *auth.Store,
	queueMgr *queue.Manager,
) (map[string]*agent.Runtime, string, error) {
	ids := []string{config.DefaultAgentID}
	for _, spec := range cfg.Agents.Agents {
		if spec.ID != "" && spec.ID != config.DefaultAgentID {
			ids = append(ids, spec.ID)
		}
	}

	runtimes := make(map[string]*agent.Runtime, len(ids))
	for _, id := range ids {
		rt, err := agent.New(agent.Options{
			AgentID:  id,
			Settings: cfg.ResolveAgent(id),
			Thinking: cfg.Agent.Thinking,
			Bus:      events,
			Sessions: sessionMgr,
			Tools:    registry,
			Factory:  factory,
			Profiles: profiles,
			Queue:    queueMgr,
		})
		if err != nil {
			return nil, "", err
		}
		runtimes[id] = rt
	}

	defaultAgent := cfg.ResolveDefaultAgentID()
	if _, ok := runtimes[defaultAgent]; !ok {
		defaultAgent = config.DefaultAgentID
	}
	return runtimes, defaultAgent, nil
}

// registerChannels builds an adapter per enabled channel section.
func registerChannels(mgr *channels.Manager, cfg *config.Config) error {
	for id, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		kind := ch.Kind
		if kind == "" {
			kind = id
		}
		var (
			plugin channels.Plugin
			err    error
		)
		switch kind {
		case "telegram":
			plugin, err = telegram.New(id, ch)
		case "discord":
			plugin, err = discord.New(id, ch)
		default:
			return fmt.Errorf("channel %s: unknown kind %q", id, kind)
		}
		if err != nil {
			return fmt.Errorf("channel %s: %w", id, err)
		}
		if err := mgr.Register(plugin); err != nil {
			return err
		}
	}
	return nil
}

func recordUsage(ledger *usage.Ledger, e bus.Event) {
	if cancelled, _ := e.Data["cancelled"].(bool); cancelled {
		return
	}
	model, _ := e.Data["model"].(string)
	agentID, _ := e.Data["agent_id"].(string)
	u := providers.Usage{}
	if raw, ok := e.Data["usage"].(map[string]any); ok {
		if v, ok := raw["input_tokens"].(int); ok {
			u.InputTokens = v
		}
		if v, ok := raw["output_tokens"].(int); ok {
			u.OutputTokens = v
		}
	}
	if model == "" || u.Total() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ledger.Record(ctx, e.SessionID, agentID, model, u); err != nil {
		slog.Warn("usage record failed", "error", err)
	}
}

func retentionLoop(ctx context.Context, mgr *sessions.Manager, days int) {
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -days)
			if n, err := mgr.CleanupOlderThan(cutoff); err != nil {
				slog.Warn("session retention sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("session retention sweep", "removed", n)
			}
		}
	}
}
