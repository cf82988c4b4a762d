package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process Store. All conditional updates happen under a
// single mutex, which gives the same at-most-one-claimant guarantee the
// sqlite driver gets from conditional UPDATEs.
type Memory struct {
	mu        sync.Mutex
	sends     map[string]*Send
	templates map[string]*Template
	instances map[string]*Instance
	// byTemplate tracks occupied instance numbers per template for the
	// idempotent-insert check.
	byTemplate map[string]map[int]string
}

func NewMemory() *Memory {
	return &Memory{
		sends:      map[string]*Send{},
		templates:  map[string]*Template{},
		instances:  map[string]*Instance{},
		byTemplate: map[string]map[int]string{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateSend(_ context.Context, s *Send) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sends[s.ID]; ok {
		return ErrConflict
	}
	m.sends[s.ID] = s.Clone()
	return nil
}

func (m *Memory) GetSend(_ context.Context, id string) (*Send, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sends[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) UpdateSend(_ context.Context, s *Send) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sends[s.ID]; !ok {
		return ErrNotFound
	}
	m.sends[s.ID] = s.Clone()
	return nil
}

func (m *Memory) ListSends(_ context.Context, f SendFilter) ([]*Send, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Send
	for _, s := range m.sends {
		if f.SenderID != "" && s.SenderID != f.SenderID {
			continue
		}
		if f.TargetID != "" && s.TargetID != f.TargetID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.Recurring != nil && s.Recurring() != *f.Recurring {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sendDue(s *Send, now time.Time, maxAttempts int) bool {
	switch s.Status {
	case SendPending:
		return !s.ScheduledAt.After(now)
	case SendFailed:
		return s.NextRetryAt != nil && !s.NextRetryAt.After(now) && s.AttemptCount < maxAttempts
	}
	return false
}

func (m *Memory) DueSendIDs(_ context.Context, now time.Time, maxAttempts, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Send
	for _, s := range m.sends {
		if sendDue(s, now, maxAttempts) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })

	ids := make([]string, 0, len(due))
	for _, s := range due {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func (m *Memory) ClaimSend(_ context.Context, id string, now time.Time, maxAttempts int) (*Send, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sends[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !sendDue(s, now, maxAttempts) {
		return nil, ErrClaimLost
	}
	s.Status = SendProcessing
	s.UpdatedAt = now
	return s.Clone(), nil
}

func (m *Memory) TransitionSend(_ context.Context, id string, from []SendStatus, to SendStatus, now time.Time) (*Send, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sends[id]
	if !ok {
		return nil, ErrNotFound
	}
	matched := false
	for _, st := range from {
		if s.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrClaimLost
	}
	s.Status = to
	s.UpdatedAt = now
	return s.Clone(), nil
}

func (m *Memory) SendStats(_ context.Context, senderID string, from, to time.Time) (SendStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats SendStats
	for _, s := range m.sends {
		if senderID != "" && s.SenderID != senderID {
			continue
		}
		if s.CreatedAt.Before(from) || s.CreatedAt.After(to) {
			continue
		}
		stats.Total++
		switch s.Status {
		case SendSent:
			stats.Sent++
		case SendPending:
			stats.Pending++
		case SendFailed:
			stats.Failed++
		case SendCancelled:
			stats.Cancelled++
		}
		if s.Recurring() {
			stats.Recurring++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Sent) / float64(stats.Total) * 100
	}
	return stats, nil
}

func (m *Memory) PurgeTerminalSends(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sends {
		if s.Recurring() || !s.CreatedAt.Before(cutoff) {
			continue
		}
		terminal := s.Status == SendSent || s.Status == SendCancelled ||
			(s.Status == SendFailed && s.NextRetryAt == nil)
		if terminal {
			delete(m.sends, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) PutTemplate(_ context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t.Clone()
	return nil
}

func (m *Memory) GetTemplate(_ context.Context, id string) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) InsertInstances(_ context.Context, instances []*Instance) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, inst := range instances {
		nums := m.byTemplate[inst.TemplateID]
		if nums == nil {
			nums = map[int]string{}
			m.byTemplate[inst.TemplateID] = nums
		}
		if _, taken := nums[inst.InstanceNumber]; taken {
			continue
		}
		nums[inst.InstanceNumber] = inst.ID
		m.instances[inst.ID] = inst.Clone()
		n++
	}
	return n, nil
}

func (m *Memory) ListInstances(_ context.Context, templateID string, from, to time.Time) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Instance
	for _, inst := range m.instances {
		if inst.TemplateID != templateID {
			continue
		}
		if instanceInWindow(inst, from, to) {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out)
	return out, nil
}

func (m *Memory) GetInstance(_ context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

func (m *Memory) UpdateInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID]; !ok {
		return ErrNotFound
	}
	m.instances[inst.ID] = inst.Clone()
	return nil
}

func (m *Memory) OwnerInstances(_ context.Context, ownerID string, from, to time.Time) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned := map[string]bool{}
	for id, t := range m.templates {
		if t.OwnerID == ownerID {
			owned[id] = true
		}
	}

	var out []*Instance
	for _, inst := range m.instances {
		if owned[inst.TemplateID] && instanceInWindow(inst, from, to) {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out)
	return out, nil
}

func instanceInWindow(inst *Instance, from, to time.Time) bool {
	if !from.IsZero() && !inst.ActualEnd.After(from) {
		return false
	}
	if !to.IsZero() && !inst.ActualStart.Before(to) {
		return false
	}
	return true
}

func sortInstances(out []*Instance) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].TemplateID != out[j].TemplateID {
			return out[i].TemplateID < out[j].TemplateID
		}
		return out[i].InstanceNumber < out[j].InstanceNumber
	})
}
