package models

import (
	"time"
)

// JobState enumerates lifecycle states persisted in the queue store.
type JobState string

const (
	StatePending   JobState = "pending"
	StateClaimed   JobState = "claimed"
	StateSent      JobState = "sent"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether a state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == StateSent || s == StateFailed || s == StateCancelled
}

// Payload is the rendered email content, frozen at enqueue time. Edits to
// campaign content after enqueue do not affect already-queued jobs.
type Payload struct {
	Subject  string            `json:"subject"`
	HTMLBody string            `json:"html_body"`
	TextBody string            `json:"text_body,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Job is one queued email with its delivery state.
//
// ID is assigned by the store and increases monotonically; it doubles as the
// FIFO tiebreak among jobs of equal priority. The (CampaignKey, Recipient)
// pair is unique among non-terminal jobs.
type Job struct {
	ID              int64      `json:"id"`
	CampaignKey     string     `json:"campaign_key"`
	Recipient       string     `json:"recipient"`
	Payload         Payload    `json:"payload"`
	Priority        int        `json:"priority"`
	State           JobState   `json:"state"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	NotBefore       time.Time  `json:"not_before"`
	CreatedAt       time.Time  `json:"created_at"`
	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	ClaimedBy       *string    `json:"claimed_by,omitempty"`
}
