package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"newsletter-delivery/internal/api"
	"newsletter-delivery/internal/composer"
	"newsletter-delivery/internal/config"
	"newsletter-delivery/internal/processor"
	"newsletter-delivery/internal/ratelimit"
	"newsletter-delivery/internal/retry"
	"newsletter-delivery/internal/sender"
	"newsletter-delivery/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := cfg.Logger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	queue, closeQueue, err := newQueue(ctx, cfg)
	if err != nil {
		log.Fatal("init store", zap.Error(err))
	}
	defer closeQueue()

	snd, err := newSender(ctx, cfg, log)
	if err != nil {
		log.Fatal("init sender", zap.Error(err))
	}

	policy := retry.Policy{Base: cfg.RetryBase, Factor: cfg.RetryFactor, Max: cfg.RetryMax}
	proc := processor.New(queue, snd, policy, cfg.BatchSize, cfg.SendThrottle, log)
	cmp := composer.New(queue, cfg.MaxAttempts, log)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, queue, cmp, proc, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newQueue(ctx context.Context, cfg config.Config) (store.Queue, func(), error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func newSender(ctx context.Context, cfg config.Config, log *zap.Logger) (sender.Sender, error) {
	if cfg.SenderDriver == "ses" {
		return sender.NewSES(ctx, sender.SESConfig{
			Region:    cfg.SESRegion,
			AccessKey: cfg.SESAccessKey,
			SecretKey: cfg.SESSecretKey,
			FromName:  cfg.FromName,
			FromEmail: cfg.FromEmail,
			ReplyTo:   cfg.ReplyTo,
		}, log)
	}
	return sender.NewLog(log), nil
}
