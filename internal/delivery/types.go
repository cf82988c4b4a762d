// Package delivery schedules message deliveries and dispatches the ones that
// come due, including retry backoff and recurring chains.
package delivery

import (
	"context"
	"errors"
	"time"

	"pawsched/internal/recurrence"
)

var (
	// ErrScheduleInPast rejects requests whose delivery time does not leave
	// the configured minimum lead.
	ErrScheduleInPast = errors.New("delivery: scheduled time is in the past")
	ErrNotUpdatable   = errors.New("delivery: only pending sends can be updated")
	ErrNotCancellable = errors.New("delivery: send is not in a cancellable state")
	ErrNotPausable    = errors.New("delivery: only recurring pending sends can be paused")
	ErrNotPaused      = errors.New("delivery: send is not paused")
	ErrStopped        = errors.New("delivery: service is stopped")
)

// Deliverer performs the actual delivery. Transports plug in here; the
// dispatch loop treats any returned error as a failed attempt.
type Deliverer interface {
	Deliver(ctx context.Context, senderID, targetID, content, contentType string) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, senderID, targetID, content, contentType string) error

func (f DelivererFunc) Deliver(ctx context.Context, senderID, targetID, content, contentType string) error {
	return f(ctx, senderID, targetID, content, contentType)
}

// Config tunes the dispatch loop. Zero values fall back to the defaults
// documented per field.
type Config struct {
	Enabled   bool
	Workers   int    // dispatch workers; default 2
	QueueSize int    // claim queue capacity; default 256
	SweepSpec string // cron spec for the due sweep; default "@every 30s"

	DeliverTimeout time.Duration // per-attempt delivery deadline; default 30s
	RatePerSec     float64       // delivery attempts per second; 0 disables limiting
	MaxAttempts    int           // attempts before terminal failure; default 3
	RetryBase      time.Duration // first backoff step; default 5m, doubling per attempt
	MinLead        time.Duration // minimum schedule lead time; default 1m
	SweepBatch     int           // max claims per sweep; default 100

	CleanupSpec  string        // cron spec for terminal-record cleanup; default "@every 1h"
	CleanupAfter time.Duration // terminal records older than this are purged; default 720h
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SweepSpec == "" {
		c.SweepSpec = "@every 30s"
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Minute
	}
	if c.MinLead <= 0 {
		c.MinLead = time.Minute
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.CleanupSpec == "" {
		c.CleanupSpec = "@every 1h"
	}
	if c.CleanupAfter <= 0 {
		c.CleanupAfter = 30 * 24 * time.Hour
	}
	return c
}

// ScheduleRequest describes a new scheduled send.
type ScheduleRequest struct {
	SenderID    string
	TargetID    string
	Content     string
	ContentType string
	ScheduledAt time.Time
	TimeZone    string
	Rule        *recurrence.Rule
}

// UpdateRequest mutates a pending send. Nil fields keep the current value.
type UpdateRequest struct {
	Content     *string
	ContentType *string
	ScheduledAt *time.Time
	Rule        *recurrence.Rule
	ClearRule   bool
}

// backoffDelay returns the wait before retry number attempt (1-based):
// base, 2*base, 4*base, ...
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
