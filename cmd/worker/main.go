package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"newsletter-delivery/internal/config"
	"newsletter-delivery/internal/processor"
	"newsletter-delivery/internal/retry"
	"newsletter-delivery/internal/sender"
	"newsletter-delivery/internal/store"
	"newsletter-delivery/internal/telemetry"
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

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("worker started",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Duration("retry_base", cfg.RetryBase))

	run(ctx, cfg, queue, proc, log)
}

// run drives the delivery ticks, the retention sweep, and the gauge refresh
// until the context is cancelled.
func run(ctx context.Context, cfg config.Config, queue store.Queue, proc *processor.Processor, log *zap.Logger) {
	deliver := time.NewTicker(cfg.PollInterval)
	defer deliver.Stop()
	cleanup := time.NewTicker(cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		case <-deliver.C:
			res := proc.ProcessOnce(ctx)
			if res.Processed > 0 {
				log.Info("batch processed",
					zap.Int("processed", res.Processed),
					zap.Int("sent", res.Sent),
					zap.Int("failed", res.Failed))
			}
			refreshGauges(ctx, queue)
		case <-cleanup.C:
			n, err := queue.Cleanup(ctx, time.Now().Add(-cfg.RetentionAge))
			if err != nil {
				log.Warn("cleanup sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("cleanup sweep", zap.Int64("deleted", n))
			}
		}
	}
}

func refreshGauges(ctx context.Context, queue store.Queue) {
	st, err := queue.Stats(ctx)
	if err != nil {
		return
	}
	telemetry.PendingGauge.Set(float64(st.Pending))
	telemetry.ClaimedGauge.Set(float64(st.Claimed))
	telemetry.FailedGauge.Set(float64(st.Failed))
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
