package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"pawsched/internal/clock"
	"pawsched/internal/eventbus"
	"pawsched/internal/storage"
	"pawsched/pkg/logx"
)

// Service owns the scheduled-send lifecycle: the write API (Schedule, Update,
// Cancel, Pause, Resume) and the dispatch loop that sweeps due records into a
// worker pool.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	clk   clock.Clock
	out   Deliverer

	limiter *rate.Limiter

	c         *cron.Cron
	queue     chan string
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store, clk clock.Clock, out Deliverer) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:   cfg,
		log:   log.With(logx.String("component", "delivery")),
		bus:   bus,
		store: store,
		clk:   clk,
		out:   out,
	}
	s.limiter = newLimiter(cfg.RatePerSec)
	return s
}

func newLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = newLimiter(cfg.RatePerSec)
	s.mu.Unlock()
	// Worker pool and sweep spec changes take effect on the next Start.
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ---- write API ----

// Schedule validates and persists a new Pending send.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*storage.Send, error) {
	cfg := s.config()
	now := s.clk.Now()

	if req.SenderID == "" || req.TargetID == "" {
		return nil, fmt.Errorf("delivery: sender and target are required")
	}
	if req.Content == "" {
		return nil, fmt.Errorf("delivery: content is required")
	}
	if req.ScheduledAt.Before(now.Add(cfg.MinLead)) {
		return nil, fmt.Errorf("%w: need at least %s lead", ErrScheduleInPast, cfg.MinLead)
	}
	if req.Rule != nil {
		if err := req.Rule.Validate(); err != nil {
			return nil, err
		}
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "text"
	}
	snd := &storage.Send{
		ID:          uuid.NewString(),
		SenderID:    req.SenderID,
		TargetID:    req.TargetID,
		Content:     req.Content,
		ContentType: contentType,
		ScheduledAt: req.ScheduledAt,
		TimeZone:    req.TimeZone,
		Rule:        req.Rule,
		Status:      storage.SendPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateSend(ctx, snd); err != nil {
		return nil, err
	}
	s.log.Info("send scheduled",
		logx.String("send_id", snd.ID),
		logx.String("sender_id", snd.SenderID),
		logx.Time("at", snd.ScheduledAt),
		logx.Bool("recurring", snd.Recurring()))
	return snd, nil
}

// Update mutates a Pending send. Any other status is rejected so in-flight
// and finished deliveries keep the content they were claimed with.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*storage.Send, error) {
	cfg := s.config()
	now := s.clk.Now()

	snd, err := s.store.GetSend(ctx, id)
	if err != nil {
		return nil, err
	}
	if snd.Status != storage.SendPending {
		return nil, ErrNotUpdatable
	}

	if req.Content != nil {
		snd.Content = *req.Content
	}
	if req.ContentType != nil {
		snd.ContentType = *req.ContentType
	}
	if req.ScheduledAt != nil {
		if req.ScheduledAt.Before(now.Add(cfg.MinLead)) {
			return nil, fmt.Errorf("%w: need at least %s lead", ErrScheduleInPast, cfg.MinLead)
		}
		snd.ScheduledAt = *req.ScheduledAt
	}
	if req.ClearRule {
		snd.Rule = nil
	} else if req.Rule != nil {
		if err := req.Rule.Validate(); err != nil {
			return nil, err
		}
		snd.Rule = req.Rule
	}
	snd.UpdatedAt = now

	if err := s.store.UpdateSend(ctx, snd); err != nil {
		return nil, err
	}
	return snd, nil
}

// Cancel stops a send that has not been delivered: Pending, Paused, or a
// Failed record still awaiting a retry. A Failed record with no retry left is
// terminal and keeps that status. The transition is a conditional update, so
// a dispatch claim racing this call loses cleanly one way or the other; a
// cancelled record can never be claimed afterwards.
func (s *Service) Cancel(ctx context.Context, id string) (*storage.Send, error) {
	snd, err := s.store.GetSend(ctx, id)
	if err != nil {
		return nil, err
	}
	if snd.Status == storage.SendFailed && snd.NextRetryAt == nil {
		return nil, ErrNotCancellable
	}

	snd, err = s.store.TransitionSend(ctx, id,
		[]storage.SendStatus{storage.SendPending, storage.SendPaused, storage.SendFailed},
		storage.SendCancelled, s.clk.Now())
	if errors.Is(err, storage.ErrClaimLost) {
		return nil, ErrNotCancellable
	}
	if err != nil {
		return nil, err
	}
	s.publish("send.cancelled", snd)
	s.log.Info("send cancelled", logx.String("send_id", id))
	return snd, nil
}

// Pause suspends a recurring send's chain. Only Pending recurring records
// qualify; one-off sends are cancelled instead.
func (s *Service) Pause(ctx context.Context, id string) (*storage.Send, error) {
	snd, err := s.store.GetSend(ctx, id)
	if err != nil {
		return nil, err
	}
	if !snd.Recurring() || snd.Status != storage.SendPending {
		return nil, ErrNotPausable
	}
	snd, err = s.store.TransitionSend(ctx, id,
		[]storage.SendStatus{storage.SendPending}, storage.SendPaused, s.clk.Now())
	if errors.Is(err, storage.ErrClaimLost) {
		return nil, ErrNotPausable
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("send paused", logx.String("send_id", id))
	return snd, nil
}

// Resume returns a paused send to Pending. A resume past the scheduled time
// makes the record due on the next sweep.
func (s *Service) Resume(ctx context.Context, id string) (*storage.Send, error) {
	snd, err := s.store.TransitionSend(ctx, id,
		[]storage.SendStatus{storage.SendPaused}, storage.SendPending, s.clk.Now())
	if errors.Is(err, storage.ErrClaimLost) {
		return nil, ErrNotPaused
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("send resumed", logx.String("send_id", id))
	return snd, nil
}

func (s *Service) Get(ctx context.Context, id string) (*storage.Send, error) {
	return s.store.GetSend(ctx, id)
}

func (s *Service) List(ctx context.Context, f storage.SendFilter) ([]*storage.Send, error) {
	return s.store.ListSends(ctx, f)
}

// Stats aggregates a sender's outcomes over [from, to].
func (s *Service) Stats(ctx context.Context, senderID string, from, to time.Time) (storage.SendStats, error) {
	return s.store.SendStats(ctx, senderID, from, to)
}

// CleanupExpired purges terminal non-recurring records older than olderThan.
func (s *Service) CleanupExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clk.Now().Add(-olderThan)
	n, err := s.store.PurgeTerminalSends(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("expired sends purged", logx.Int("count", n))
	}
	return n, nil
}

func (s *Service) publish(typ string, snd *storage.Send) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clk.Now(), Data: SendEvent{
		ID:       snd.ID,
		SenderID: snd.SenderID,
		TargetID: snd.TargetID,
		Status:   string(snd.Status),
		Attempts: snd.AttemptCount,
		Error:    snd.LastError,
	}})
}

// SendEvent is the bus payload for send lifecycle events.
type SendEvent struct {
	ID       string
	SenderID string
	TargetID string
	Status   string
	Attempts int
	Error    string
}

// ---- lifecycle ----

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	if !cur.Enabled {
		s.log.Info("delivery disabled; dispatch loop not started")
		return nil
	}
	// Validate the cron specs before any run state is committed.
	if _, err := cron.ParseStandard(cur.SweepSpec); err != nil {
		return fmt.Errorf("delivery: bad sweep spec %q: %w", cur.SweepSpec, err)
	}
	if _, err := cron.ParseStandard(cur.CleanupSpec); err != nil {
		return fmt.Errorf("delivery: bad cleanup spec %q: %w", cur.CleanupSpec, err)
	}

	// If a Stop() is in progress, wait for it to complete so two worker
	// pools never coexist.
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	// Fresh queue per run so stale claims from a previous run are never worked.
	s.queue = make(chan string, s.cfg.QueueSize)

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}

	s.c = cron.New()
	_, _ = s.c.AddFunc(s.cfg.SweepSpec, func() { s.sweepOnce(runCtx) })
	cleanupAfter := s.cfg.CleanupAfter
	_, _ = s.c.AddFunc(s.cfg.CleanupSpec, func() {
		if _, err := s.CleanupExpired(runCtx, cleanupAfter); err != nil {
			s.log.Warn("cleanup sweep failed", logx.Err(err))
		}
	})
	s.c.Start()

	s.log.Info("dispatch started",
		logx.Int("workers", s.cfg.Workers),
		logx.String("sweep", s.cfg.SweepSpec))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("dispatch stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}
