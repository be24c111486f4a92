package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"pagecraft/internal/alert"
	"pagecraft/internal/lock"
	"pagecraft/internal/usertoken"
	"pagecraft/internal/util"
	"pagecraft/pkg/ai"
	"pagecraft/pkg/queue"
	"pagecraft/pkg/storage"
	"pagecraft/pkg/store"
	"pagecraft/services/manuscript/internal/app"
	"pagecraft/services/manuscript/internal/config"
	"pagecraft/services/manuscript/internal/server"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "manuscript")

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	extractTimeout, err := config.ParseExtractTimeout(cfg.ExtractTimeout)
	if err != nil {
		util.Fatal("failed to parse extract timeout", "err", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}
	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		util.Fatal("failed to init object store", "err", err)
	}
	extractor, err := ai.NewExtractor(cfg.AIProvider, cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel)
	if err != nil {
		util.Fatal("failed to init extractor", "err", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()

	jobQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Client:     redisClient,
		Stream:     "pagecraft:segment",
		Group:      "segmenters",
		MaxRetries: cfg.QueueMaxRetries,
		ClaimIdle:  extractTimeout + 2*time.Minute,
	})
	if err != nil {
		util.Fatal("failed to init queue", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:              db,
		Objects:            objects,
		Extractor:          extractor,
		Locker:             lock.NewRedisLocker(redisClient, "pagecraft:manuscript:lock"),
		Queue:              jobQueue,
		Alerter:            alert.NewAlerter(redisClient, "pagecraft:manuscript:alerts"),
		ExtractTimeout:     extractTimeout,
		MaxManuscriptBytes: cfg.MaxUploadBytes,
		AllowedExtensions:  cfg.AllowedExtensions,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: extractTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	jobQueue.Start(util.ContextWithLogger(gctx, logger.With("component", "segment-worker")), cfg.QueueConcurrency, appCore.HandleJob)
	slog.Info("segment workers started", "concurrency", cfg.QueueConcurrency)

	g.Go(func() error {
		slog.Info("manuscript server listening", "addr", addr, "ai_provider", cfg.AIProvider, "ai_model", cfg.AIModel)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
