package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"pawsched/internal/recurrence"
	"pawsched/pkg/logx"
)

var (
	ErrNotFound = errors.New("storage: record not found")
	ErrConflict = errors.New("storage: record already exists")
	// ErrClaimLost reports a conditional update whose condition no longer
	// held. Losing a claim is routine under concurrent dispatch, not a fault.
	ErrClaimLost = errors.New("storage: claim condition not met")
)

// SendStatus is the scheduled-send lifecycle state. Transitions are owned by
// the delivery service; the store only enforces them atomically.
type SendStatus string

const (
	SendPending    SendStatus = "pending"
	SendProcessing SendStatus = "processing"
	SendSent       SendStatus = "sent"
	SendFailed     SendStatus = "failed"
	SendPaused     SendStatus = "paused"
	SendCancelled  SendStatus = "cancelled"
)

// Send is one scheduled delivery record. Recurring chains are append-only:
// each delivered occurrence enqueues a fresh record, the delivered row is
// never rescheduled in place.
type Send struct {
	ID          string
	SenderID    string
	TargetID    string
	Content     string
	ContentType string
	ScheduledAt time.Time
	TimeZone    string
	Rule        *recurrence.Rule

	Status          SendStatus
	AttemptCount    int
	NextRetryAt     *time.Time
	OccurrenceCount int
	LastError       string
	SentAt          *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recurring reports whether the record chains further occurrences.
func (s *Send) Recurring() bool { return s != nil && s.Rule != nil }

// Clone returns a deep copy so store internals never alias caller memory.
func (s *Send) Clone() *Send {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Rule != nil {
		r := *s.Rule
		if s.Rule.EndDate != nil {
			end := *s.Rule.EndDate
			r.EndDate = &end
		}
		r.DaysOfWeek = append([]time.Weekday(nil), s.Rule.DaysOfWeek...)
		cp.Rule = &r
	}
	if s.NextRetryAt != nil {
		t := *s.NextRetryAt
		cp.NextRetryAt = &t
	}
	if s.SentAt != nil {
		t := *s.SentAt
		cp.SentAt = &t
	}
	return &cp
}

// SendFilter narrows ListSends. Zero values match everything.
type SendFilter struct {
	SenderID  string
	TargetID  string
	Status    SendStatus
	Recurring *bool
	Limit     int
	Offset    int
}

// SendStats aggregates a sender's scheduling outcomes over a window.
type SendStats struct {
	Total       int
	Sent        int
	Pending     int
	Failed      int
	Cancelled   int
	Recurring   int
	SuccessRate float64
}

// Template is a recurring appointment template. Occurrences materialize as
// Instance rows; the template itself is immutable once created.
type Template struct {
	ID        string
	OwnerID   string
	Title     string
	Start     time.Time
	End       time.Time
	TimeZone  string
	Status    string
	Tentative bool
	Rule      *recurrence.Rule
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Rule != nil {
		r := *t.Rule
		if t.Rule.EndDate != nil {
			end := *t.Rule.EndDate
			r.EndDate = &end
		}
		r.DaysOfWeek = append([]time.Weekday(nil), t.Rule.DaysOfWeek...)
		cp.Rule = &r
	}
	return &cp
}

// Instance is one materialized occurrence of a recurring template.
// InstanceNumber is the 1-based absolute occurrence index from the template
// anchor; (TemplateID, InstanceNumber) is unique.
type Instance struct {
	ID             string
	TemplateID     string
	InstanceNumber int
	OriginalStart  time.Time
	OriginalEnd    time.Time
	ActualStart    time.Time
	ActualEnd      time.Time
	Status         string
	CancelReason   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	return &cp
}

// Store is the persistence API used by the delivery and appointment services.
//
// ClaimSend and TransitionSend are single atomic conditional updates
// (compare-and-swap on status), never read-then-write; they are the only
// operations that require shared-mutable-state discipline.
type Store interface {
	CreateSend(ctx context.Context, s *Send) error
	GetSend(ctx context.Context, id string) (*Send, error)
	// UpdateSend replaces the record. It is a plain write; use ClaimSend or
	// TransitionSend when the write must be conditional on status.
	UpdateSend(ctx context.Context, s *Send) error
	ListSends(ctx context.Context, f SendFilter) ([]*Send, error)
	// DueSendIDs returns candidates for a dispatch sweep: Pending records
	// whose scheduled time has arrived, and Failed records whose retry time
	// has arrived with attempts remaining. Ordered by due time.
	DueSendIDs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]string, error)
	// ClaimSend atomically moves a due Pending or retry-eligible Failed
	// record to Processing. At most one claimant succeeds; losers get
	// ErrClaimLost. A record cancelled before the claim commits can never
	// reach Processing.
	ClaimSend(ctx context.Context, id string, now time.Time, maxAttempts int) (*Send, error)
	// TransitionSend atomically moves a record from one of the expected
	// statuses to the target status, returning ErrClaimLost when the current
	// status is not in from.
	TransitionSend(ctx context.Context, id string, from []SendStatus, to SendStatus, now time.Time) (*Send, error)
	SendStats(ctx context.Context, senderID string, from, to time.Time) (SendStats, error)
	// PurgeTerminalSends removes non-recurring records that reached a
	// terminal status before the cutoff. Returns the number removed.
	PurgeTerminalSends(ctx context.Context, cutoff time.Time) (int, error)

	PutTemplate(ctx context.Context, t *Template) error
	GetTemplate(ctx context.Context, id string) (*Template, error)
	// InsertInstances persists materialized occurrences, skipping any
	// (template, instanceNumber) pair that already exists so re-expansion
	// over overlapping windows stays idempotent. Returns the number inserted.
	InsertInstances(ctx context.Context, instances []*Instance) (int, error)
	ListInstances(ctx context.Context, templateID string, from, to time.Time) ([]*Instance, error)
	GetInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, inst *Instance) error
	// OwnerInstances lists a person's instances overlapping the window,
	// across all of their templates. Used as the busy-interval source.
	OwnerInstances(ctx context.Context, ownerID string, from, to time.Time) ([]*Instance, error)

	Close() error
}

// Open initializes the configured store. An empty driver defaults to the
// in-memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local store (default; tests and single-node dev)
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
