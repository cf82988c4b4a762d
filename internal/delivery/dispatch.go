package delivery

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"pawsched/internal/recurrence"
	"pawsched/internal/storage"
	"pawsched/pkg/logx"
)

// sweepOnce collects due records and feeds them to the workers. Claiming
// happens in the worker, not here, so a record queued by two overlapping
// sweeps is still delivered once.
func (s *Service) sweepOnce(ctx context.Context) {
	cfg := s.config()
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return
	}

	ids, err := s.store.DueSendIDs(ctx, s.clk.Now(), cfg.MaxAttempts, cfg.SweepBatch)
	if err != nil {
		s.log.Warn("due sweep failed", logx.Err(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	s.log.Debug("due sweep", logx.Int("due", len(ids)))

	for _, id := range ids {
		select {
		case queue <- id:
		default:
			// Queue full; the next sweep picks the record up again.
			s.log.Warn("dispatch queue full", logx.String("send_id", id))
			return
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan string, idx int) {
	log := s.log.With(logx.Int("worker", idx))
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case id, ok := <-queue:
			if !ok {
				return
			}
			s.processSend(ctx, log, id)
		}
	}
}

// processSend claims one due record, attempts delivery, and commits the
// outcome. The claim is the only synchronization point: exactly one worker
// can move a record to Processing, and a Cancel that lands first makes the
// claim a routine no-op.
func (s *Service) processSend(ctx context.Context, log logx.Logger, id string) {
	cfg := s.config()

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	snd, err := s.store.ClaimSend(ctx, id, s.clk.Now(), cfg.MaxAttempts)
	if errors.Is(err, storage.ErrClaimLost) || errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		log.Warn("claim failed", logx.String("send_id", id), logx.Err(err))
		return
	}
	s.publish("send.claimed", snd)

	dctx, cancel := context.WithTimeout(ctx, cfg.DeliverTimeout)
	deliverErr := s.out.Deliver(dctx, snd.SenderID, snd.TargetID, snd.Content, snd.ContentType)
	cancel()

	if deliverErr != nil {
		s.finalizeFailure(ctx, log, snd, deliverErr, cfg)
		return
	}
	s.finalizeSuccess(ctx, log, snd, cfg)
}

func (s *Service) finalizeSuccess(ctx context.Context, log logx.Logger, snd *storage.Send, cfg Config) {
	now := s.clk.Now()

	// Status re-check before committing: an operator action that moved the
	// record out of Processing wins and the delivery outcome is dropped.
	committed, err := s.store.TransitionSend(ctx, snd.ID,
		[]storage.SendStatus{storage.SendProcessing}, storage.SendSent, now)
	if errors.Is(err, storage.ErrClaimLost) || errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error("commit failed", logx.String("send_id", snd.ID), logx.Err(err))
		return
	}

	committed.SentAt = &now
	committed.AttemptCount = snd.AttemptCount + 1
	committed.OccurrenceCount = snd.OccurrenceCount + 1
	committed.NextRetryAt = nil
	committed.LastError = ""
	committed.UpdatedAt = now
	if err := s.store.UpdateSend(ctx, committed); err != nil {
		log.Error("commit failed", logx.String("send_id", snd.ID), logx.Err(err))
		return
	}
	s.publish("send.sent", committed)
	log.Info("send delivered",
		logx.String("send_id", committed.ID),
		logx.Int("occurrence", committed.OccurrenceCount))

	if committed.Recurring() {
		s.chainNext(ctx, log, committed)
	}
}

// chainNext enqueues the next occurrence of a delivered recurring send as a
// fresh Pending record. The delivered record is never rescheduled in place;
// the chain is append-only.
func (s *Service) chainNext(ctx context.Context, log logx.Logger, parent *storage.Send) {
	rule := parent.Rule
	if rule.MaxOccurrences > 0 && parent.OccurrenceCount >= rule.MaxOccurrences {
		log.Info("recurring chain complete",
			logx.String("send_id", parent.ID),
			logx.Int("occurrences", parent.OccurrenceCount))
		return
	}

	next, err := recurrence.Next(parent.ScheduledAt, *rule)
	if err != nil {
		log.Error("recurring chain broken", logx.String("send_id", parent.ID), logx.Err(err))
		return
	}
	if rule.EndDate != nil && next.After(*rule.EndDate) {
		log.Info("recurring chain complete",
			logx.String("send_id", parent.ID),
			logx.Time("end_date", *rule.EndDate))
		return
	}

	now := s.clk.Now()
	child := &storage.Send{
		ID:              uuid.NewString(),
		SenderID:        parent.SenderID,
		TargetID:        parent.TargetID,
		Content:         parent.Content,
		ContentType:     parent.ContentType,
		ScheduledAt:     next,
		TimeZone:        parent.TimeZone,
		Rule:            rule,
		Status:          storage.SendPending,
		OccurrenceCount: parent.OccurrenceCount,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateSend(ctx, child); err != nil {
		log.Error("recurring chain broken", logx.String("send_id", parent.ID), logx.Err(err))
		return
	}
	log.Info("recurring send chained",
		logx.String("send_id", parent.ID),
		logx.String("child_id", child.ID),
		logx.Time("next", next))
}

func (s *Service) finalizeFailure(ctx context.Context, log logx.Logger, snd *storage.Send, deliverErr error, cfg Config) {
	now := s.clk.Now()

	committed, err := s.store.TransitionSend(ctx, snd.ID,
		[]storage.SendStatus{storage.SendProcessing}, storage.SendFailed, now)
	if errors.Is(err, storage.ErrClaimLost) || errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error("commit failed", logx.String("send_id", snd.ID), logx.Err(err))
		return
	}

	attempt := snd.AttemptCount + 1
	committed.AttemptCount = attempt
	committed.LastError = deliverErr.Error()
	committed.UpdatedAt = now

	if attempt >= cfg.MaxAttempts {
		committed.NextRetryAt = nil
		if err := s.store.UpdateSend(ctx, committed); err != nil {
			log.Error("commit failed", logx.String("send_id", snd.ID), logx.Err(err))
			return
		}
		s.publish("send.failed", committed)
		log.Warn("send failed permanently",
			logx.String("send_id", committed.ID),
			logx.Int("attempts", attempt),
			logx.Err(deliverErr))
		return
	}

	retryAt := now.Add(backoffDelay(cfg.RetryBase, attempt))
	committed.NextRetryAt = &retryAt
	if err := s.store.UpdateSend(ctx, committed); err != nil {
		log.Error("commit failed", logx.String("send_id", snd.ID), logx.Err(err))
		return
	}
	s.publish("send.retry", committed)
	log.Warn("send attempt failed",
		logx.String("send_id", committed.ID),
		logx.Int("attempt", attempt),
		logx.Time("retry_at", retryAt),
		logx.Err(deliverErr))
}
