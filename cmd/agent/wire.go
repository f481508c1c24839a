package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"convoagent/internal/adapter/channel"
	"convoagent/internal/adapter/embedding"
	"convoagent/internal/adapter/llm"
	"convoagent/internal/adapter/memory/vector"
	"convoagent/internal/adapter/metrics"
	"convoagent/internal/adapter/tool"
	"convoagent/internal/domain"
	"convoagent/internal/infra/config"
	"convoagent/internal/infra/logger"
	"convoagent/internal/infra/tracer"
	"convoagent/internal/usecase"
)

// app holds the wired components for one process.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	gateway *llm.Gateway
	handler *usecase.TurnHandler
	stats   *metrics.SQLiteSink // nil unless the sqlite sink is configured

	closers []func() error
}

// bootstrap loads config and builds the logger and tracer. The returned
// cleanup flushes both.
func bootstrap(ctx context.Context, path string) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}

	cleanup := func() {
		_ = tracerShutdown(context.Background())
		_ = logCloser()
	}
	return cfg, log, cleanup, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. Model gateway
	a.gateway, err = llm.NewGatewayFromConfig(ctx, cfg.LLM, cfg.Agent.ModelTimeout, logger.Component(log, "gateway"))
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	a.closers = append(a.closers, func() error { a.gateway.Close(); return nil })

	// 2. Memory
	store, err := newStore(cfg.Memory, logger.Component(log, "memory"))
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	// 3. Metrics
	sink, err := a.newMetricsSink(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	// 4. Tools
	registry, err := buildTools(cfg.Tools, logger.Component(log, "tools"))
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}

	// 5. Usecases
	memory := usecase.NewMemoryAssembler(store, cfg.Agent.RecentWindow, cfg.Memory.SimilarityTopK,
		cfg.Memory.Timeout, logger.Component(log, "memory"))
	executor := usecase.NewToolExecutor(registry, sink, usecase.ToolExecutorConfig{
		PerTurnLimits:  cfg.Tools.PerTurnLimits,
		Timeout:        cfg.Tools.Timeout,
		MetricsTimeout: cfg.Metrics.Timeout,
	}, logger.Component(log, "tools"))

	agent := usecase.NewAgent(usecase.AgentDeps{
		Model:           a.gateway,
		Memory:          memory,
		Tools:           executor,
		Logger:          logger.Component(log, "agent"),
		Metrics:         sink,
		Costs:           llm.NewPriceTable(cfg.LLM.Primary, cfg.LLM.Secondary),
		EstimateUsage:   llm.EstimateUsage,
		MetricsTimeout:  cfg.Metrics.Timeout,
		SystemPrompt:    cfg.Agent.SystemPrompt,
		FinalPassWindow: cfg.Agent.FinalPassWindow,
		MaxTokens:       cfg.Agent.MaxTokens,
		Temperature:     cfg.Agent.Temperature,
	})
	formatter := usecase.NewFormatter(cfg.Format.MaxSegmentSize, cfg.Format.MaxSegmentCount, cfg.Format.Title)
	a.handler = usecase.NewTurnHandler(agent, formatter, cfg.Agent.ApologyText, cfg.Agent.TurnTimeout,
		logger.Component(log, "handler"))

	log.Info("convoagent ready",
		"primary", cfg.LLM.Primary.Name,
		"secondary", cfg.LLM.Secondary.Name,
		"tools", registry.Names(),
		"metrics", cfg.Metrics.Sink,
		"embedding", cfg.Memory.Embedding.Provider,
	)
	return a, nil
}

// Close releases resources in reverse construction order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func newStore(cfg config.MemoryConfig, log *slog.Logger) (*vector.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}

	var embedder domain.EmbeddingProvider
	switch cfg.Embedding.Provider {
	case "openai":
		embedder = embedding.NewCachedEmbedder(embedding.NewOpenAIEmbedder(cfg.Embedding, log), cfg.EmbeddingCacheSize)
	case "":
		log.Info("no embedding provider configured, similarity falls back to keyword search")
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}

	return vector.New(cfg.Path, embedder, log, vector.Options{
		MaxRetained:   cfg.MaxRetained,
		MaxCandidates: cfg.MaxCandidates,
	})
}

func (a *app) newMetricsSink(cfg config.MetricsConfig) (domain.MetricsSink, error) {
	switch cfg.Sink {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create metrics dir: %w", err)
		}
		sink, err := metrics.NewSQLiteSink(cfg.Path)
		if err != nil {
			return nil, err
		}
		a.stats = sink
		a.closers = append(a.closers, sink.Close)
		return sink, nil
	case "log":
		return metrics.NewLogSink(logger.Component(a.log, "metrics")), nil
	default:
		return metrics.Nop{}, nil
	}
}

// buildTools registers the enabled tools in configuration order.
func buildTools(cfg config.ToolsConfig, log *slog.Logger) (*tool.Registry, error) {
	registry := tool.NewRegistry(log)
	for _, name := range cfg.Enabled {
		var t domain.Tool
		switch name {
		case "calculator":
			t = tool.NewCalculatorTool(log)
		case "web_search":
			if cfg.SearXNGURL == "" {
				return nil, errors.New("web_search requires tools.searxng_url")
			}
			t = tool.NewWebSearchTool(tool.NewSearXNG(cfg.SearXNGURL, cfg.Timeout, log), cfg.SearchResults, log)
		case "generate_image":
			t = tool.NewImageGenTool(cfg.Image, cfg.PerTurnLimits["generate_image"], log)
		default:
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// buildChannels creates the configured transports.
func (a *app) buildChannels() ([]domain.Channel, error) {
	var channels []domain.Channel
	for i, ch := range a.cfg.Channels {
		switch ch.Type {
		case "discord":
			d := ch.Discord
			channels = append(channels, channel.NewDiscordChannel(d.Token, logger.Component(a.log, "discord"),
				channel.WithDiscordGuild(d.GuildID),
				channel.WithDiscordChannels(d.ChannelIDs),
				channel.WithDiscordMentionOnly(d.MentionOnly),
				channel.WithDiscordDedupWindow(d.DedupWindow),
				channel.WithDiscordSendInterval(d.SendInterval),
			))
		case "http":
			channels = append(channels, channel.NewHTTPChannel(*ch.HTTP, logger.Component(a.log, "http"),
				channel.WithHealth(a.health),
			))
		default:
			return nil, fmt.Errorf("channels[%d]: unknown type %q", i, ch.Type)
		}
	}
	return channels, nil
}

func (a *app) health() map[string]string {
	return map[string]string{"gateway": a.gateway.State().String()}
}
