package sender

import (
	"context"

	"newsletter-delivery/internal/models"
)

// Sender delivers a single rendered email. Implementations return an error
// for any delivery the downstream did not accept; the processor records it
// on the job and schedules the retry.
type Sender interface {
	Send(ctx context.Context, recipient string, payload models.Payload) error
}

// Func adapts a function to the Sender interface.
type Func func(ctx context.Context, recipient string, payload models.Payload) error

func (f Func) Send(ctx context.Context, recipient string, payload models.Payload) error {
	return f(ctx, recipient, payload)
}
