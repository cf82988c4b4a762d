package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pawsched/internal/availability"
	"pawsched/internal/clock"
	"pawsched/internal/storage"
	"pawsched/pkg/logx"
)

// Service persists templates and materialized instances, and implements the
// availability engine's busy-interval source.
type Service struct {
	log   logx.Logger
	store storage.Store
	clk   clock.Clock
}

func NewService(log logx.Logger, store storage.Store, clk clock.Clock) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{log: log.With(logx.String("component", "appointment")), store: store, clk: clk}
}

// CreateTemplate stores a new template and returns it. The rule, when
// present, must validate.
func (s *Service) CreateTemplate(ctx context.Context, tpl *storage.Template) (*storage.Template, error) {
	if tpl.OwnerID == "" {
		return nil, fmt.Errorf("appointment: owner id is required")
	}
	if !tpl.Start.Before(tpl.End) {
		return nil, ErrInvalidWindow
	}
	if tpl.Rule != nil {
		if err := tpl.Rule.Validate(); err != nil {
			return nil, err
		}
	}

	now := s.clk.Now()
	stored := tpl.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = "active"
	}
	stored.CreatedAt, stored.UpdatedAt = now, now

	if err := s.store.PutTemplate(ctx, stored); err != nil {
		return nil, err
	}
	s.log.Info("template created",
		logx.String("template_id", stored.ID),
		logx.String("owner_id", stored.OwnerID),
		logx.Bool("recurring", stored.Rule != nil))
	return stored, nil
}

// ExpandInstances materializes the template's occurrences starting within
// [from, to] and persists the ones not yet stored. Safe to call repeatedly
// over overlapping windows; occurrence numbers are absolute, so re-expansion
// never duplicates or renumbers. Returns the stored instances overlapping
// the window, including previously materialized ones.
func (s *Service) ExpandInstances(ctx context.Context, templateID string, from, to time.Time) ([]*storage.Instance, error) {
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	occurrences, err := Expand(tpl, from, to)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	fresh := make([]*storage.Instance, 0, len(occurrences))
	for _, occ := range occurrences {
		fresh = append(fresh, &storage.Instance{
			ID:             uuid.NewString(),
			TemplateID:     tpl.ID,
			InstanceNumber: occ.Number,
			OriginalStart:  occ.Start,
			OriginalEnd:    occ.End,
			ActualStart:    occ.Start,
			ActualEnd:      occ.End,
			Status:         InstanceScheduled,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	inserted, err := s.store.InsertInstances(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if inserted > 0 {
		s.log.Debug("instances materialized",
			logx.String("template_id", tpl.ID),
			logx.Int("inserted", inserted),
			logx.Int("in_window", len(occurrences)))
	}
	return s.store.ListInstances(ctx, tpl.ID, from, to)
}

// MoveInstance reschedules a single materialized occurrence. The original
// times stay untouched so the instance remains traceable to its rule slot.
func (s *Service) MoveInstance(ctx context.Context, id string, newStart, newEnd time.Time) (*storage.Instance, error) {
	if !newStart.Before(newEnd) {
		return nil, ErrInvalidWindow
	}
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status == InstanceCancelled {
		return nil, ErrCancelled
	}

	inst.ActualStart, inst.ActualEnd = newStart, newEnd
	inst.UpdatedAt = s.clk.Now()
	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	s.log.Info("instance moved",
		logx.String("instance_id", inst.ID),
		logx.Time("start", newStart),
		logx.Time("end", newEnd))
	return inst, nil
}

// CancelInstance cancels one occurrence without touching the template or its
// siblings. Cancelling twice is a no-op.
func (s *Service) CancelInstance(ctx context.Context, id, reason string) (*storage.Instance, error) {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status == InstanceCancelled {
		return inst, nil
	}

	inst.Status = InstanceCancelled
	inst.CancelReason = reason
	inst.UpdatedAt = s.clk.Now()
	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	s.log.Info("instance cancelled",
		logx.String("instance_id", inst.ID),
		logx.String("reason", reason))
	return inst, nil
}

// BusyIntervals reports a person's non-cancelled instances overlapping the
// window as busy time. Tentative comes from the owning template. Implements
// availability.BusyProvider.
func (s *Service) BusyIntervals(ctx context.Context, personID string, from, to time.Time) ([]availability.BusyInterval, error) {
	instances, err := s.store.OwnerInstances(ctx, personID, from, to)
	if err != nil {
		return nil, err
	}

	tentative := map[string]bool{}
	busy := make([]availability.BusyInterval, 0, len(instances))
	for _, inst := range instances {
		if inst.Status == InstanceCancelled {
			continue
		}
		flag, ok := tentative[inst.TemplateID]
		if !ok {
			tpl, err := s.store.GetTemplate(ctx, inst.TemplateID)
			if err != nil {
				return nil, err
			}
			flag = tpl.Tentative
			tentative[inst.TemplateID] = flag
		}
		busy = append(busy, availability.BusyInterval{
			OwnerID:   personID,
			Start:     inst.ActualStart,
			End:       inst.ActualEnd,
			Tentative: flag,
			Ref:       inst.ID,
		})
	}
	return busy, nil
}
