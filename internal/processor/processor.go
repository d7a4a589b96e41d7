package processor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"newsletter-delivery/internal/models"
	"newsletter-delivery/internal/retry"
	"newsletter-delivery/internal/sender"
	"newsletter-delivery/internal/store"
	"newsletter-delivery/internal/telemetry"
)

// Result aggregates the outcome of one processed batch.
type Result struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

func (r *Result) add(other Result) {
	r.Processed += other.Processed
	r.Sent += other.Sent
	r.Failed += other.Failed
}

// Processor drives delivery of one claimed batch per invocation. It never
// blocks waiting for new work and never propagates per-job failures; a
// storage error while claiming is treated as an empty batch so the next
// scheduled tick can try again.
type Processor struct {
	queue     store.Queue
	sender    sender.Sender
	policy    retry.Policy
	batchSize int
	throttle  time.Duration
	log       *zap.Logger
}

func New(queue store.Queue, snd sender.Sender, policy retry.Policy, batchSize int, throttle time.Duration, log *zap.Logger) *Processor {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Processor{
		queue:     queue,
		sender:    snd,
		policy:    policy,
		batchSize: batchSize,
		throttle:  throttle,
		log:       log,
	}
}

// ProcessOnce claims up to the configured batch size and attempts delivery
// of each job in claim order, sequentially. Successes are marked sent,
// failures are handed to the store with the retry policy.
func (p *Processor) ProcessOnce(ctx context.Context) Result {
	var res Result

	batch, err := p.queue.ClaimBatch(ctx, p.batchSize)
	if err != nil {
		p.log.Warn("claim failed, skipping cycle", zap.Error(err))
		return res
	}
	if len(batch) == 0 {
		return res
	}

	for i, job := range batch {
		if i > 0 && p.throttle > 0 {
			// Politeness pause between sends, not a correctness requirement.
			time.Sleep(p.throttle)
		}

		res.Processed++
		sendErr := p.send(ctx, job.Recipient, job.Payload)
		if sendErr == nil {
			if err := p.queue.MarkSent(ctx, job.ID); err != nil {
				p.log.Error("mark sent failed", zap.Int64("job_id", job.ID), zap.Error(err))
			}
			res.Sent++
			telemetry.SentCounter.Inc()
			continue
		}

		res.Failed++
		if err := p.queue.MarkFailed(ctx, job.ID, sendErr.Error(), p.policy); err != nil {
			p.log.Error("mark failed failed", zap.Int64("job_id", job.ID), zap.Error(err))
			continue
		}
		if job.Attempts+1 >= job.MaxAttempts {
			telemetry.FailedCounter.Inc()
			p.log.Warn("delivery attempts exhausted",
				zap.Int64("job_id", job.ID),
				zap.String("campaign", job.CampaignKey),
				zap.Error(sendErr))
		} else {
			telemetry.RetryCounter.Inc()
			p.log.Info("delivery failed, retry scheduled",
				zap.Int64("job_id", job.ID),
				zap.Int("attempt", job.Attempts+1),
				zap.Error(sendErr))
		}
	}

	return res
}

// Drain runs ProcessOnce until the queue yields no work, the processed
// target is reached (0 means unlimited), or maxIterations batches have run.
// The iteration cap guards against a sender that reports success without
// making progress.
func (p *Processor) Drain(ctx context.Context, maxIterations, target int) Result {
	if maxIterations <= 0 {
		maxIterations = 100
	}
	var total Result
	for i := 0; i < maxIterations; i++ {
		if ctx.Err() != nil {
			break
		}
		res := p.ProcessOnce(ctx)
		total.add(res)
		if res.Processed == 0 {
			break
		}
		if target > 0 && total.Processed >= target {
			break
		}
	}
	return total
}

// send invokes the sender with panic recovery so a raising sender is a
// recorded per-job failure rather than a crashed batch.
func (p *Processor) send(ctx context.Context, recipient string, payload models.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return p.sender.Send(ctx, recipient, payload)
}
