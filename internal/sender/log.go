package sender

import (
	"context"

	"go.uber.org/zap"

	"newsletter-delivery/internal/models"
)

// Log is a development sender that records deliveries instead of sending.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Send(_ context.Context, recipient string, payload models.Payload) error {
	l.log.Info("email delivery (dry run)",
		zap.String("recipient", recipient),
		zap.String("subject", payload.Subject),
		zap.Int("html_bytes", len(payload.HTMLBody)))
	return nil
}
