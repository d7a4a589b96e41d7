package composer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/osteele/liquid"
	"go.uber.org/zap"

	"newsletter-delivery/internal/models"
	"newsletter-delivery/internal/store"
	"newsletter-delivery/internal/telemetry"
)

// Recipient is one destination of a campaign with its personalization data.
// Addresses are assumed validated upstream; the composer treats them as
// opaque strings.
type Recipient struct {
	Email  string         `json:"email"`
	Name   string         `json:"name,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Template is the campaign content before per-recipient substitution.
// Subject and both bodies are Liquid templates; header values are literal.
type Template struct {
	Subject  string            `json:"subject"`
	HTMLBody string            `json:"html_body"`
	TextBody string            `json:"text_body,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Result reports what happened to each recipient of a Compose call.
type Result struct {
	Queued           int `json:"queued"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	Failed           int `json:"failed"`
}

// Composer expands one logical campaign into per-recipient jobs. It never
// triggers processing; draining the queue is the scheduler's job.
type Composer struct {
	queue       store.Queue
	engine      *liquid.Engine
	maxAttempts int
	log         *zap.Logger
}

func New(queue store.Queue, maxAttempts int, log *zap.Logger) *Composer {
	engine := liquid.NewEngine()
	engine.RegisterFilter("default", func(value any, defaultVal string) any {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})
	return &Composer{
		queue:       queue,
		engine:      engine,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// CancelPrevious flips still-pending jobs from an earlier run of the same
// campaign to cancelled, so a stale partial send cannot race a fresh run.
// Callers invoke it explicitly before re-composing; Compose never cancels on
// its own.
func (c *Composer) CancelPrevious(ctx context.Context, campaignKey string) (int64, error) {
	n, err := c.queue.CancelCampaign(ctx, campaignKey)
	if err != nil {
		return 0, fmt.Errorf("cancel previous run: %w", err)
	}
	if n > 0 {
		telemetry.CancelledCounter.Add(float64(n))
		c.log.Info("cancelled stale pending jobs",
			zap.String("campaign", campaignKey),
			zap.Int64("count", n))
	}
	return n, nil
}

// Compose renders the template for each recipient and enqueues one job per
// (campaign, recipient) pair. Duplicates are counted, not raised; render and
// storage failures are counted per recipient and never abort the rest of the
// run.
func (c *Composer) Compose(ctx context.Context, campaignKey string, recipients []Recipient, tpl Template, priority int) (Result, error) {
	var res Result

	for _, rcpt := range recipients {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		payload, err := c.render(tpl, rcpt)
		if err != nil {
			res.Failed++
			c.log.Warn("template render failed",
				zap.String("campaign", campaignKey),
				zap.String("recipient", rcpt.Email),
				zap.Error(err))
			continue
		}

		_, err = c.queue.Enqueue(ctx, store.EnqueueParams{
			CampaignKey: campaignKey,
			Recipient:   rcpt.Email,
			Payload:     payload,
			Priority:    priority,
			MaxAttempts: c.maxAttempts,
		})
		switch {
		case err == nil:
			res.Queued++
			telemetry.EnqueuedCounter.Inc()
		case errors.Is(err, store.ErrDuplicateInCampaign):
			res.SkippedDuplicate++
			telemetry.DuplicateCounter.Inc()
		default:
			res.Failed++
			c.log.Error("enqueue failed",
				zap.String("campaign", campaignKey),
				zap.String("recipient", rcpt.Email),
				zap.Error(err))
		}
	}

	c.log.Info("campaign composed",
		zap.String("campaign", campaignKey),
		zap.Int("queued", res.Queued),
		zap.Int("skipped_duplicate", res.SkippedDuplicate),
		zap.Int("failed", res.Failed))
	return res, nil
}

// render substitutes recipient data into the template and freezes the
// resulting payload.
func (c *Composer) render(tpl Template, rcpt Recipient) (models.Payload, error) {
	bindings := map[string]any{
		"email": rcpt.Email,
		"name":  rcpt.Name,
	}
	for k, v := range rcpt.Fields {
		bindings[k] = v
	}

	subject, err := c.engine.ParseAndRenderString(tpl.Subject, bindings)
	if err != nil {
		return models.Payload{}, fmt.Errorf("render subject: %w", err)
	}
	htmlBody, err := c.engine.ParseAndRenderString(tpl.HTMLBody, bindings)
	if err != nil {
		return models.Payload{}, fmt.Errorf("render html body: %w", err)
	}
	textBody := ""
	if tpl.TextBody != "" {
		textBody, err = c.engine.ParseAndRenderString(tpl.TextBody, bindings)
		if err != nil {
			return models.Payload{}, fmt.Errorf("render text body: %w", err)
		}
	}

	headers := make(map[string]string, len(tpl.Headers)+1)
	for k, v := range tpl.Headers {
		headers[k] = v
	}
	headers["X-Entity-Ref-ID"] = uuid.New().String()

	return models.Payload{
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
		Headers:  headers,
	}, nil
}
