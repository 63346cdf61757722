package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"fixdad/server/internal/api"
	"fixdad/server/internal/classifier"
	"fixdad/server/internal/config"
	"fixdad/server/internal/gateway"
	"fixdad/server/internal/guide"
	"fixdad/server/internal/intake"
	"fixdad/server/internal/llm"
	"fixdad/server/internal/logging"
	"fixdad/server/internal/orchestrator"
	"fixdad/server/internal/rag"
	"fixdad/server/internal/session"
	"fixdad/server/internal/timeline"
	"fixdad/server/internal/voice"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	gin.SetMode(cfg.Server.Mode)

	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	catalog, err := guide.LoadCatalog(cfg.Guide.CatalogPath)
	if err != nil {
		return err
	}

	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}

	index, err := rag.OpenIndex(cfg.RAG.IndexPath)
	if err != nil {
		return err
	}
	defer index.Close()
	if n, err := index.Count(ctx); err != nil || n == 0 {
		logger.Warn("rag index is empty, solutions will fall back to vision-only answers; run `fixdad index`",
			zap.String("index", cfg.RAG.IndexPath), zap.Error(err))
	}
	advisor := rag.NewAdvisor(index, rag.AdvisorOptions{
		Client:       client,
		TopK:         cfg.RAG.TopK,
		ExcerptChars: cfg.RAG.ExcerptChars,
		Logger:       logger,
	})

	hub := gateway.NewHub(cfg.Gateway, logger)
	orch := orchestrator.New(store, session.NewLocker(), catalog,
		timeline.NewInMemoryStore(cfg.Store.TimelineMaxEvents),
		orchestrator.Options{
			Advisor:      advisor,
			Notifier:     hub,
			RetryCeiling: cfg.Guide.RetryCeiling,
			Logger:       logger,
		})

	listeners := []intake.Listener{hub}
	var announcer *voice.Announcer
	if cfg.Voice.Enabled {
		announcer = voice.NewAnnouncer(voice.NewOpenAINarrator(cfg.Voice), hub, cfg.Voice.Timeout, logger)
		listeners = append(listeners, announcer)
	}
	coordinator := intake.NewCoordinator(classifier.NewVisionClassifier(client, logger), orch, intake.Config{
		MinGap:              cfg.Intake.MinGap,
		TranscriptStaleness: cfg.Intake.TranscriptStaleness,
		ClassifyTimeout:     cfg.Intake.ClassifyTimeout,
		DedupFrames:         cfg.Intake.DedupFrames,
	}, intake.Options{Listeners: listeners, Logger: logger})

	server := api.NewServer(cfg, store, orch, coordinator, hub, logger)
	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     server.Routes(),
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout 会掐断长连接的 WebSocket，写超时由网关逐条设置。
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fixdad server listening",
			zap.String("addr", srv.Addr),
			zap.String("storage", store.Backend()),
			zap.String("llm", cfg.LLM.Provider),
			zap.Int("plans", catalog.Len()),
			zap.Bool("voice", cfg.Voice.Enabled))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}
	if announcer != nil {
		announcer.Wait()
	}
	return nil
}

// openStore 按配置选择 session 存储后端。
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (session.Store, func(), error) {
	switch cfg.Backend {
	case "redis":
		rdb := session.NewRedisClient(cfg.RedisURL)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return session.NewRedisStore(rdb, cfg.TTL, cfg.HistoryLimit, logger), func() { _ = rdb.Close() }, nil
	default:
		return session.NewInMemoryStore(cfg.TTL, cfg.HistoryLimit), func() {}, nil
	}
}
