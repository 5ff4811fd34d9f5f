package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/halogate/halogate/internal/agent"
	"github.com/halogate/halogate/internal/authpool"
	"github.com/halogate/halogate/internal/bus"
	"github.com/halogate/halogate/internal/channels"
	"github.com/halogate/halogate/internal/channels/discord"
	"github.com/halogate/halogate/internal/channels/telegram"
	"github.com/halogate/halogate/internal/config"
	"github.com/halogate/halogate/internal/cron"
	"github.com/halogate/halogate/internal/gateway"
	"github.com/halogate/halogate/internal/media"
	"github.com/halogate/halogate/internal/outbound"
	"github.com/halogate/halogate/internal/providers"
	"github.com/halogate/halogate/internal/sessionkey"
	"github.com/halogate/halogate/internal/store"
	"github.com/halogate/halogate/internal/store/file"
	"github.com/halogate/halogate/internal/store/pg"
	"github.com/halogate/halogate/internal/store/sqlite"
	"github.com/halogate/halogate/internal/tools"
	"github.com/halogate/halogate/internal/tracing"
	"github.com/halogate/halogate/pkg/protocol"
)

// runGateway brings the process up in dependency order — config, logging,
// tracing, stores, providers, channels, tools, agents, dispatcher, RPC
// server — and tears it down in reverse with a drain deadline on shutdown.
func runGateway() {
	configPath := resolveConfigPath()
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logBuf := setupLogging()

	cfgStore := config.NewStore(cfg)
	if err := cfgStore.WatchFile(configPath); err != nil {
		slog.Warn("config watch unavailable", "path", configPath, "error", err)
	}
	defer cfgStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.NewProvider(ctx, &cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing setup failed, continuing without export", "error", err)
		tracer = tracing.Noop()
	}

	dataDir := config.ExpandHome("~/.halogate/data")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		slog.Error("data dir", "path", dataDir, "error", err)
		os.Exit(1)
	}

	// Stores.
	sessions, err := openSessionStore(cfg)
	if err != nil {
		slog.Error("session store", "error", err)
		os.Exit(1)
	}
	pairing, err := file.NewPairingStore(dataDir)
	if err != nil {
		slog.Error("pairing store", "error", err)
		os.Exit(1)
	}
	authStore, mediaMeta, closeStores, err := openAuxStores(cfg, dataDir)
	if err != nil {
		slog.Error("auth/media store", "error", err)
		os.Exit(1)
	}
	defer closeStores()

	mediaRoot := filepath.Join(dataDir, "media")
	mediaStore, err := media.NewStore(mediaRoot, mediaMeta)
	if err != nil {
		slog.Error("media store", "error", err)
		os.Exit(1)
	}
	gcStop := make(chan struct{})
	go mediaStore.RunGC(time.Hour, gcStop)
	defer close(gcStop)

	// Providers and the auth-profile pool.
	providerReg, pool := buildProviders(cfg, authStore)
	if len(providerReg.Names()) == 0 {
		slog.Error("no LLM providers configured; set HALOGATE_ANTHROPIC_API_KEY or a sibling")
		os.Exit(1)
	}

	// Message bus and channels.
	msgBus := bus.NewMessageBus(64)
	manager := channels.NewManager(msgBus)
	registerChannels(cfg, msgBus, manager, pairing)

	// Tools.
	toolsReg, approvals, mcpMgr, browserTool := buildTools(ctx, cfg, providerReg, sessions, msgBus)
	defer mcpMgr.Close()
	if browserTool != nil {
		defer browserTool.Close()
	}
	toolPolicy := tools.NewPolicyEngine(&cfg.Tools)

	// Agents.
	agents := agent.NewRouter(agent.NewConfigResolver(agent.ResolverDeps{
		Config:      cfgStore,
		ProviderReg: providerReg,
		AuthPool:    pool,
		Bus:         msgBus,
		Sessions:    sessions,
		Tools:       toolsReg,
		ToolPolicy:  toolPolicy,
		Tracer:      tracer,
		Approval:    gateway.NewApprovalFunc(approvals, msgBus),
	}))

	// Inbound pipeline.
	dispatcher := gateway.NewDispatcher(cfgStore, msgBus, agents)
	dispatcher.OnRun = func(runID string, msg bus.InboundMessage) {
		if channels.IsInternalChannel(msg.Channel) || msg.Channel == "" || msg.Channel == "rpc" {
			return
		}
		messageID := 0
		if v := msg.Metadata["message_id"]; v != "" {
			messageID, _ = strconv.Atoi(v)
		}
		chatKey := msg.ChatID
		if lk := msg.Metadata["local_key"]; lk != "" {
			chatKey = lk
		}
		manager.RegisterRun(runID, msg.Channel, chatKey, messageID)
	}

	// Outbound delivery through the chunking/idempotency layer.
	deliverer, err := outbound.New(outbound.Options{
		Caps: func(channel string) outbound.ChannelCaps {
			return channelCaps(cfgStore.Current(), channel)
		},
		Send: func(ctx context.Context, msg bus.OutboundMessage) error {
			ch, ok := manager.GetChannel(msg.Channel)
			if !ok {
				return fmt.Errorf("channel %s not found", msg.Channel)
			}
			return ch.Send(ctx, msg)
		},
	})
	if err != nil {
		slog.Error("outbound deliverer", "error", err)
		os.Exit(1)
	}
	manager.SetDeliverFunc(func(ctx context.Context, msg bus.OutboundMessage) error {
		_, err := deliverer.Deliver(ctx, msg, msg.Metadata["run_id"])
		return err
	})

	// Forward run events to streaming/reaction channels.
	msgBus.Subscribe("channels", func(event bus.Event) {
		if event.Name != protocol.EventAgent {
			return
		}
		re, ok := event.Payload.(agent.RunEvent)
		if !ok {
			return
		}
		manager.HandleAgentEvent(re.Type, re.RunID, re.Data)
	})

	// Cron: scheduled prompts run on the target agent's cron session.
	cronSvc, err := cron.New(filepath.Join(dataDir, "cron.json"), func(ctx context.Context, job cron.Job) error {
		runID, _ := dispatcher.Enqueue(bus.InboundMessage{
			Channel:    "system",
			SenderID:   "cron",
			Content:    job.Message,
			AgentID:    job.AgentID,
			SessionKey: sessionkey.MainTopic(job.AgentID, "cron-"+job.ID),
			PeerKind:   "direct",
		})
		if runID == "" {
			return fmt.Errorf("cron job %s not dispatched", job.ID)
		}
		return nil
	}, cfg.Cron)
	if err != nil {
		slog.Error("cron service", "error", err)
		os.Exit(1)
	}

	// Config reloads invalidate agent caches and notify clients.
	cfgStore.OnChange(func(_, next *config.Config) {
		agents.InvalidateAll()
		msgBus.Broadcast(bus.Event{
			Name:    protocol.EventCacheInvalidate,
			Payload: bus.CacheInvalidatePayload{Kind: bus.CacheKindConfig},
		})
	})

	server := gateway.NewServer(gateway.Options{
		Config:     cfgStore,
		Bus:        msgBus,
		Agents:     agents,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Pairing:    pairing,
		Channels:   manager,
		Media:      mediaStore,
		Cron:       cronSvc,
		Tools:      toolsReg,
		Approvals:  approvals,
		Providers:  providerReg,
		Version:    Version,
		ConfigPath: configPath,
		LogBuffer:  logBuf,
	})

	slog.Info("halogate starting",
		"version", Version,
		"providers", providerReg.Names(),
		"channels", manager.GetEnabledChannels(),
		"sessions_backend", cfg.Database.Backend,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { dispatcher.Start(gctx); return nil })
	g.Go(func() error { cronSvc.Start(gctx); return nil })
	g.Go(func() error { return manager.StartAll(gctx) })

	<-gctx.Done()
	slog.Info("shutting down, draining runs")

	// Reverse teardown: channels stop accepting inbound first, then the
	// rest unwinds behind the drain deadline.
	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = manager.StopAll(drainCtx)
	_ = g.Wait()
	_ = tracer.Shutdown(drainCtx)
	slog.Info("halogate stopped")
}

// setupLogging installs the process-wide slog handler: JSON in production,
// text under -v, both wrapped in the ring buffer backing logs.tail.
func setupLogging() *gateway.LogBuffer {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var inner slog.Handler
	if verbose {
		inner = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		inner = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	buf := gateway.NewLogBuffer(inner, 1024)
	slog.SetDefault(slog.New(buf))
	return buf
}

func openSessionStore(cfg *config.Config) (store.SessionStore, error) {
	if cfg.Database.Backend == "postgres" {
		return pg.NewSessionStoreFromDSN(cfg.Database.PostgresDSN)
	}
	return file.New(config.ExpandHome(cfg.Sessions.Storage))
}

// openAuxStores picks the metadata backends for auth-profile cooldowns and
// media sidecars: per-file JSON by default, a single sqlite database when
// the operator opts in.
func openAuxStores(cfg *config.Config, dataDir string) (store.AuthProfileStore, store.MediaStore, func(), error) {
	if cfg.Database.Backend == "sqlite" {
		db, err := sqlite.Open(filepath.Join(dataDir, "halogate.db"))
		if err != nil {
			return nil, nil, nil, err
		}
		return db.AuthProfiles(), db.Media(), func() { db.Close() }, nil
	}
	authStore, err := file.NewAuthPoolStore(filepath.Join(dataDir, "auth_profiles.json"))
	if err != nil {
		return nil, nil, nil, err
	}
	mediaMeta, err := file.NewMediaMetaStore(filepath.Join(dataDir, "media"))
	if err != nil {
		return nil, nil, nil, err
	}
	return authStore, mediaMeta, func() {}, nil
}

// buildProviders constructs one provider instance per configured credential
// and registers each as an auth profile.
func buildProviders(cfg *config.Config, backing store.AuthProfileStore) (*providers.Registry, *authpool.Pool) {
	reg := providers.NewRegistry()
	pool := authpool.New(backing)

	register := func(provider string, keys []string, build func(key string) providers.Provider) {
		for i, key := range keys {
			if key == "" {
				continue
			}
			profileID := fmt.Sprintf("key-%d", i+1)
			reg.RegisterProfile(provider, profileID, build(key))
			pool.Register(provider, profileID)
		}
	}

	p := cfg.Providers
	register("anthropic", p.Anthropic.AllKeys(), func(key string) providers.Provider {
		var opts []providers.AnthropicOption
		if p.Anthropic.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(p.Anthropic.APIBase))
		}
		return providers.NewAnthropicProvider(key, opts...)
	})
	register("openai", p.OpenAI.AllKeys(), func(key string) providers.Provider {
		return providers.NewOpenAIProvider("openai", key, p.OpenAI.APIBase, "gpt-4o")
	})
	register("openrouter", p.OpenRouter.AllKeys(), func(key string) providers.Provider {
		base := p.OpenRouter.APIBase
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		return providers.NewOpenAIProvider("openrouter", key, base, "anthropic/claude-sonnet-4.5")
	})
	register("deepseek", p.DeepSeek.AllKeys(), func(key string) providers.Provider {
		base := p.DeepSeek.APIBase
		if base == "" {
			base = "https://api.deepseek.com/v1"
		}
		return providers.NewOpenAIProvider("deepseek", key, base, "deepseek-chat")
	})
	register("gemini", p.Gemini.AllKeys(), func(key string) providers.Provider {
		base := p.Gemini.APIBase
		if base == "" {
			base = "https://generativelanguage.googleapis.com/v1beta/openai"
		}
		return providers.NewOpenAIProvider("gemini", key, base, "gemini-2.5-pro")
	})
	register("dashscope", p.DashScope.AllKeys(), func(key string) providers.Provider {
		return providers.NewDashScopeProvider(key, p.DashScope.APIBase, "")
	})

	return reg, pool
}

// registerChannels wires the enabled channel plugins into the manager.
func registerChannels(cfg *config.Config, msgBus *bus.MessageBus, manager *channels.Manager, pairing store.PairingStore) {
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus, pairing)
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			manager.RegisterChannel("telegram", tg)
		}
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(cfg.Channels.Discord, msgBus, pairing)
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			manager.RegisterChannel("discord", dc)
		}
	}
}

// buildTools registers the built-in tool set and connects MCP servers.
func buildTools(ctx context.Context, cfg *config.Config, providerReg *providers.Registry, sessions store.SessionStore, msgBus *bus.MessageBus) (*tools.Registry, *tools.ExecApprovalManager, *tools.MCPManager, *tools.BrowserTool) {
	reg := tools.NewRegistry()
	workspace := cfg.WorkspacePath()
	restrict := cfg.Agents.Defaults.RestrictToWorkspace

	approvals := tools.NewExecApprovalManager(tools.ExecApprovalConfig{
		Security:  tools.ExecSecurity(cfg.Tools.ExecApproval.Security),
		Ask:       tools.ExecAskMode(cfg.Tools.ExecApproval.Ask),
		Allowlist: cfg.Tools.ExecApproval.Allowlist,
	})

	reg.Register(tools.NewReadFileTool(workspace, restrict))
	reg.Register(tools.NewWriteFileTool(workspace, restrict))
	reg.Register(tools.NewEditFileTool(workspace, restrict))
	reg.Register(tools.NewListFilesTool(workspace, restrict))

	execTool := tools.NewExecTool(workspace, restrict)
	execTool.SetApprovalManager(approvals, "")
	reg.Register(execTool)

	if ws := tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey:     cfg.Tools.Web.Brave.APIKey,
		BraveEnabled:    cfg.Tools.Web.Brave.Enabled,
		BraveMaxResults: cfg.Tools.Web.Brave.MaxResults,
		DDGEnabled:      cfg.Tools.Web.DuckDuckGo.Enabled,
		DDGMaxResults:   cfg.Tools.Web.DuckDuckGo.MaxResults,
	}); ws != nil {
		reg.Register(ws)
	}
	reg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))

	browserTool := tools.NewBrowserTool(cfg.Tools.Browser)
	if browserTool != nil {
		reg.Register(browserTool)
	}

	reg.Register(tools.NewReadImageTool(providerReg))
	reg.Register(tools.NewCreateImageTool(providerReg))

	sessionsList := tools.NewSessionsListTool()
	sessionsList.SetSessionStore(sessions)
	reg.Register(sessionsList)

	sessionsHistory := tools.NewSessionsHistoryTool()
	sessionsHistory.SetSessionStore(sessions)
	reg.Register(sessionsHistory)

	sessionsSend := tools.NewSessionsSendTool()
	sessionsSend.SetSessionStore(sessions)
	sessionsSend.SetMessageBus(msgBus)
	reg.Register(sessionsSend)

	sessionStatus := tools.NewSessionStatusTool()
	sessionStatus.SetSessionStore(sessions)
	reg.Register(sessionStatus)

	mcpMgr := tools.NewMCPManager(reg)
	mcpMgr.ConnectAll(ctx, cfg.Tools.McpServers)

	return reg, approvals, mcpMgr, browserTool
}

// channelCaps maps a channel name to its transport limits.
func channelCaps(cfg *config.Config, channel string) outbound.ChannelCaps {
	switch channel {
	case "telegram":
		return outbound.ChannelCaps{
			TextLimit:      4096,
			BlockStreaming: cfg.Channels.Telegram.StreamMode == "partial",
			MediaMaxBytes:  cfg.Channels.Telegram.MediaMaxBytes,
		}
	case "discord":
		return outbound.ChannelCaps{TextLimit: 2000}
	default:
		return outbound.ChannelCaps{}
	}
}
