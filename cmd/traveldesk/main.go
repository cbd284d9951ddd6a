package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oversea-labs/traveldesk/internal/asr"
	"github.com/oversea-labs/traveldesk/internal/bus"
	"github.com/oversea-labs/traveldesk/internal/config"
	"github.com/oversea-labs/traveldesk/internal/extract"
	"github.com/oversea-labs/traveldesk/internal/gdrive"
	"github.com/oversea-labs/traveldesk/internal/llm"
	"github.com/oversea-labs/traveldesk/internal/pipeline"
	"github.com/oversea-labs/traveldesk/internal/profile"
	"github.com/oversea-labs/traveldesk/internal/recommend"
	"github.com/oversea-labs/traveldesk/internal/registry"
	"github.com/oversea-labs/traveldesk/internal/server"
	"github.com/oversea-labs/traveldesk/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		slog.Warn(w)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		slog.Error("open storage", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	reg := registry.New(store, cfg.ParsedIdleTimeout(), cfg.ParsedIdleTimeout())
	b := bus.New(cfg.ReplayBacklog * 4)
	defer b.Close()

	agg := profile.NewAggregator()
	health := pipeline.NewHealth()
	dispatcher := server.NewDispatcher(server.DispatcherConfig{
		Backlog: cfg.ReplayBacklog,
		Grace:   cfg.ParsedReplayGrace(),
	})

	var transcriber asr.Transcriber
	if cfg.DeepgramAPIKey != "" {
		transcriber = asr.NewDeepgram(cfg.DeepgramAPIKey, cfg.ASRModel, cfg.ASRLanguage)
	}

	var extractor pipeline.Extractor
	if client, ok := newLLMClient(cfg, cfg.ExtractionModel, llm.WithTemperature(0)); ok {
		extractor = extract.New(client)
	}

	var trigger *recommend.Trigger
	if client, ok := newLLMClient(cfg, cfg.RecommendationModel); ok {
		rec := pipeline.InstrumentRecommender(recommend.NewLLMRecommender(client), health)
		trigger = recommend.NewTrigger(rec, recommend.TriggerConfig{
			Window:               cfg.ParsedDebounceWindow(),
			MinCompletenessDelta: cfg.MinCompletenessDelta,
			HighValueFields:      cfg.HighValueFields,
			Timeout:              cfg.ParsedCollaboratorTimeout(),
			MaxConcurrent:        int64(cfg.MaxConcurrentRecommenders),
		}, func(set recommend.Set) {
			payload, err := json.Marshal(set)
			if err != nil {
				slog.Error("marshal recommendation set", "error", err)
				return
			}
			err = b.Publish(bus.TopicRecommendationSet, bus.Message{
				SessionID: set.SessionID,
				Kind:      "recommendation.set",
				Payload:   payload,
			})
			if err != nil {
				slog.Error("publish recommendation set", "error", err)
			}
		})
	}

	pipe := pipeline.New(pipeline.Config{
		CollaboratorTimeout: cfg.ParsedCollaboratorTimeout(),
		MaxConcurrent:       int64(cfg.MaxConcurrentExtractions),
	}, pipeline.Deps{
		Bus:         b,
		Registry:    reg,
		Store:       store,
		Aggregator:  agg,
		Fanout:      dispatcher,
		Health:      health,
		Transcriber: transcriber,
		Extractor:   extractor,
		Trigger:     trigger,
	})

	reg.OnClose = func(id string) {
		pipe.ReleaseSession(id)
		dispatcher.Remove(id)
	}

	api := server.NewAPI(reg, store, agg, b, pipe.Health)
	gateway := server.NewGateway(reg, b, dispatcher, cfg.SegmentRateLimit)
	handler := server.Handler(api, gateway)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipe.Run(ctx) })
	g.Go(func() error {
		reg.Sweep(ctx, cfg.ParsedSweepInterval())
		return nil
	})
	g.Go(func() error { return server.Serve(ctx, cfg.HTTPAddr, handler) })

	if cfg.GDriveFolderID != "" {
		syncer, syncErr := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if syncErr != nil {
			slog.Warn("drive backup disabled", "error", syncErr)
		} else {
			g.Go(func() error {
				syncer.Run(ctx, cfg.DBPath, 15*time.Minute)
				return nil
			})
		}
	}

	slog.Info("traveldesk started", "addr", cfg.HTTPAddr)
	if err := g.Wait(); err != nil {
		slog.Error("shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("traveldesk stopped")
}

// newLLMClient builds a client for model when the provider's API key is
// configured. Missing keys disable the collaborator with a warning.
func newLLMClient(cfg config.Config, model string, opts ...llm.Option) (llm.Client, bool) {
	provider, name, err := llm.ParseModel(model)
	if err != nil {
		slog.Warn("invalid model reference", "model", model, "error", err)
		return nil, false
	}

	var key string
	switch provider {
	case "openai":
		key = cfg.OpenAIAPIKey
	case "anthropic":
		key = cfg.AnthropicAPIKey
	case "gemini":
		key = cfg.GeminiAPIKey
	}
	if key == "" {
		slog.Warn("no API key for provider, collaborator disabled", "provider", provider, "model", name)
		return nil, false
	}

	client, err := llm.NewClient(provider, key, name, opts...)
	if err != nil {
		slog.Warn("llm client init failed, collaborator disabled", "model", model, "error", err)
		return nil, false
	}
	return client, true
}
