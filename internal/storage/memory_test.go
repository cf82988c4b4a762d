package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pawsched/internal/recurrence"
)

var testBase = time.Date(2026, time.January, 2, 9, 0, 0, 0, time.UTC)

func newSend(id string, status SendStatus, scheduledAt time.Time) *Send {
	return &Send{
		ID:          id,
		SenderID:    "walker-1",
		TargetID:    "owner-1",
		Content:     "reminder",
		ContentType: "text",
		ScheduledAt: scheduledAt,
		Status:      status,
		CreatedAt:   testBase,
		UpdatedAt:   testBase,
	}
}

func TestMemorySendCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	s := newSend("s1", SendPending, testBase.Add(time.Hour))
	if err := m.CreateSend(ctx, s); err != nil {
		t.Fatalf("CreateSend: %v", err)
	}
	if err := m.CreateSend(ctx, s); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate CreateSend err = %v, want ErrConflict", err)
	}

	got, err := m.GetSend(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSend: %v", err)
	}
	// Mutating the returned copy must not leak into the store.
	got.Content = "tampered"
	again, _ := m.GetSend(ctx, "s1")
	if again.Content != "reminder" {
		t.Fatal("store aliased caller memory")
	}

	got.Content = "updated"
	if err := m.UpdateSend(ctx, got); err != nil {
		t.Fatalf("UpdateSend: %v", err)
	}
	again, _ = m.GetSend(ctx, "s1")
	if again.Content != "updated" {
		t.Fatalf("content after update = %q", again.Content)
	}

	if _, err := m.GetSend(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing GetSend err = %v, want ErrNotFound", err)
	}
	if err := m.UpdateSend(ctx, newSend("nope", SendPending, testBase)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing UpdateSend err = %v, want ErrNotFound", err)
	}
}

func TestMemoryListSendsFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	recurring := newSend("r1", SendPending, testBase.Add(3*time.Hour))
	recurring.Rule = &recurrence.Rule{Type: recurrence.TypeDaily, Interval: 1}
	for _, s := range []*Send{
		newSend("a", SendPending, testBase.Add(2*time.Hour)),
		newSend("b", SendSent, testBase.Add(time.Hour)),
		recurring,
	} {
		if err := m.CreateSend(ctx, s); err != nil {
			t.Fatalf("CreateSend(%s): %v", s.ID, err)
		}
	}

	all, err := m.ListSends(ctx, SendFilter{})
	if err != nil {
		t.Fatalf("ListSends: %v", err)
	}
	if len(all) != 3 || all[0].ID != "b" {
		t.Fatalf("unfiltered list = %v, want 3 ordered by scheduled time", ids(all))
	}

	pending, _ := m.ListSends(ctx, SendFilter{Status: SendPending})
	if len(pending) != 2 {
		t.Fatalf("pending = %v, want a and r1", ids(pending))
	}

	yes := true
	rec, _ := m.ListSends(ctx, SendFilter{Recurring: &yes})
	if len(rec) != 1 || rec[0].ID != "r1" {
		t.Fatalf("recurring = %v, want r1", ids(rec))
	}

	paged, _ := m.ListSends(ctx, SendFilter{Limit: 1, Offset: 1})
	if len(paged) != 1 || paged[0].ID != "a" {
		t.Fatalf("page = %v, want a", ids(paged))
	}
}

func TestMemoryDueSendIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	now := testBase

	retryAt := now.Add(-time.Minute)
	failed := newSend("f1", SendFailed, now.Add(-time.Hour))
	failed.AttemptCount = 1
	failed.NextRetryAt = &retryAt

	exhausted := newSend("f2", SendFailed, now.Add(-time.Hour))
	exhausted.AttemptCount = 3
	exhausted.NextRetryAt = &retryAt

	for _, s := range []*Send{
		newSend("due", SendPending, now.Add(-time.Minute)),
		newSend("future", SendPending, now.Add(time.Minute)),
		newSend("done", SendSent, now.Add(-time.Hour)),
		failed,
		exhausted,
	} {
		if err := m.CreateSend(ctx, s); err != nil {
			t.Fatalf("CreateSend(%s): %v", s.ID, err)
		}
	}

	got, err := m.DueSendIDs(ctx, now, 3, 0)
	if err != nil {
		t.Fatalf("DueSendIDs: %v", err)
	}
	if len(got) != 2 || got[0] != "f1" || got[1] != "due" {
		t.Fatalf("due ids = %v, want [f1 due]", got)
	}

	one, _ := m.DueSendIDs(ctx, now, 3, 1)
	if len(one) != 1 {
		t.Fatalf("limited due ids = %v, want 1", one)
	}
}

func TestMemoryClaimSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	now := testBase
	if err := m.CreateSend(ctx, newSend("s1", SendPending, now.Add(-time.Second))); err != nil {
		t.Fatalf("CreateSend: %v", err)
	}

	const claimants = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		lost int
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ClaimSend(ctx, "s1", now, 3)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrClaimLost):
				lost++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || lost != claimants-1 {
		t.Fatalf("wins=%d lost=%d, want exactly one winner", wins, lost)
	}
	s, _ := m.GetSend(ctx, "s1")
	if s.Status != SendProcessing {
		t.Fatalf("status after claim = %s, want processing", s.Status)
	}
}

func TestMemoryCancelBeatsClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	now := testBase
	if err := m.CreateSend(ctx, newSend("s1", SendPending, now.Add(-time.Second))); err != nil {
		t.Fatalf("CreateSend: %v", err)
	}

	if _, err := m.TransitionSend(ctx, "s1", []SendStatus{SendPending, SendPaused}, SendCancelled, now); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ClaimSend(ctx, "s1", now, 3); !errors.Is(err, ErrClaimLost) {
				t.Errorf("claim after cancel err = %v, want ErrClaimLost", err)
			}
		}()
	}
	wg.Wait()

	s, _ := m.GetSend(ctx, "s1")
	if s.Status != SendCancelled {
		t.Fatalf("status = %s, cancelled record must never reach processing", s.Status)
	}
}

func TestMemoryTransitionSend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	if err := m.CreateSend(ctx, newSend("s1", SendProcessing, testBase)); err != nil {
		t.Fatalf("CreateSend: %v", err)
	}

	if _, err := m.TransitionSend(ctx, "s1", []SendStatus{SendPending}, SendCancelled, testBase); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("wrong-status transition err = %v, want ErrClaimLost", err)
	}
	s, err := m.TransitionSend(ctx, "s1", []SendStatus{SendProcessing}, SendSent, testBase)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if s.Status != SendSent {
		t.Fatalf("status = %s, want sent", s.Status)
	}
	if _, err := m.TransitionSend(ctx, "nope", []SendStatus{SendPending}, SendCancelled, testBase); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing transition err = %v, want ErrNotFound", err)
	}
}

func TestMemorySendStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	recurring := newSend("r", SendSent, testBase)
	recurring.Rule = &recurrence.Rule{Type: recurrence.TypeWeekly, Interval: 1, DaysOfWeek: []time.Weekday{time.Monday}}
	old := newSend("old", SendSent, testBase)
	old.CreatedAt = testBase.AddDate(0, -2, 0)
	for _, s := range []*Send{
		newSend("a", SendSent, testBase),
		newSend("b", SendFailed, testBase),
		newSend("c", SendPending, testBase),
		newSend("d", SendCancelled, testBase),
		recurring, old,
	} {
		if err := m.CreateSend(ctx, s); err != nil {
			t.Fatalf("CreateSend(%s): %v", s.ID, err)
		}
	}

	stats, err := m.SendStats(ctx, "walker-1", testBase.AddDate(0, -1, 0), testBase.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("SendStats: %v", err)
	}
	if stats.Total != 5 || stats.Sent != 2 || stats.Failed != 1 || stats.Pending != 1 || stats.Cancelled != 1 || stats.Recurring != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.SuccessRate != 40 {
		t.Fatalf("success rate = %v, want 40", stats.SuccessRate)
	}
}

func TestMemoryPurgeTerminalSends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	cutoff := testBase.Add(time.Hour)

	retryAt := testBase.Add(time.Hour)
	retrying := newSend("retrying", SendFailed, testBase)
	retrying.NextRetryAt = &retryAt
	deadFailed := newSend("dead", SendFailed, testBase)
	recurringSent := newSend("chain", SendSent, testBase)
	recurringSent.Rule = &recurrence.Rule{Type: recurrence.TypeDaily, Interval: 1}
	recent := newSend("recent", SendSent, testBase)
	recent.CreatedAt = cutoff.Add(time.Minute)

	for _, s := range []*Send{
		newSend("sent", SendSent, testBase),
		newSend("cancelled", SendCancelled, testBase),
		newSend("pending", SendPending, testBase),
		retrying, deadFailed, recurringSent, recent,
	} {
		if err := m.CreateSend(ctx, s); err != nil {
			t.Fatalf("CreateSend(%s): %v", s.ID, err)
		}
	}

	n, err := m.PurgeTerminalSends(ctx, cutoff)
	if err != nil {
		t.Fatalf("PurgeTerminalSends: %v", err)
	}
	if n != 3 {
		t.Fatalf("purged %d, want 3 (sent, cancelled, dead)", n)
	}
	for _, id := range []string{"pending", "retrying", "chain", "recent"} {
		if _, err := m.GetSend(ctx, id); err != nil {
			t.Fatalf("survivor %s missing: %v", id, err)
		}
	}
}

func TestMemoryInstancesIdempotentInsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	mk := func(id string, n int, start time.Time) *Instance {
		return &Instance{
			ID: id, TemplateID: "tpl-1", InstanceNumber: n,
			OriginalStart: start, OriginalEnd: start.Add(time.Hour),
			ActualStart: start, ActualEnd: start.Add(time.Hour),
			Status: "scheduled", CreatedAt: testBase, UpdatedAt: testBase,
		}
	}

	first, err := m.InsertInstances(ctx, []*Instance{
		mk("i1", 1, testBase),
		mk("i2", 2, testBase.AddDate(0, 0, 7)),
	})
	if err != nil || first != 2 {
		t.Fatalf("first insert = (%d, %v), want 2 inserted", first, err)
	}

	// Re-expansion over an overlapping window carries duplicates with fresh IDs.
	second, err := m.InsertInstances(ctx, []*Instance{
		mk("i2-dup", 2, testBase.AddDate(0, 0, 7)),
		mk("i3", 3, testBase.AddDate(0, 0, 14)),
	})
	if err != nil || second != 1 {
		t.Fatalf("second insert = (%d, %v), want 1 inserted", second, err)
	}

	list, err := m.ListInstances(ctx, "tpl-1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("instance count = %d, want 3", len(list))
	}
	for i, inst := range list {
		if inst.InstanceNumber != i+1 {
			t.Fatalf("instance %d has number %d", i, inst.InstanceNumber)
		}
	}
}

func TestMemoryOwnerInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	for _, tpl := range []*Template{
		{ID: "tpl-a", OwnerID: "walker-1", Title: "walk", Start: testBase, End: testBase.Add(time.Hour), Status: "active"},
		{ID: "tpl-b", OwnerID: "walker-1", Title: "groom", Start: testBase, End: testBase.Add(time.Hour), Status: "active"},
		{ID: "tpl-c", OwnerID: "walker-2", Title: "sit", Start: testBase, End: testBase.Add(time.Hour), Status: "active"},
	} {
		if err := m.PutTemplate(ctx, tpl); err != nil {
			t.Fatalf("PutTemplate: %v", err)
		}
	}

	mk := func(id, tpl string, n int, start time.Time) *Instance {
		return &Instance{
			ID: id, TemplateID: tpl, InstanceNumber: n,
			OriginalStart: start, OriginalEnd: start.Add(time.Hour),
			ActualStart: start, ActualEnd: start.Add(time.Hour),
			Status: "scheduled", CreatedAt: testBase, UpdatedAt: testBase,
		}
	}
	if _, err := m.InsertInstances(ctx, []*Instance{
		mk("a1", "tpl-a", 1, testBase),
		mk("a2", "tpl-a", 2, testBase.AddDate(0, 0, 7)),
		mk("b1", "tpl-b", 1, testBase.Add(2*time.Hour)),
		mk("c1", "tpl-c", 1, testBase),
	}); err != nil {
		t.Fatalf("InsertInstances: %v", err)
	}

	got, err := m.OwnerInstances(ctx, "walker-1", testBase, testBase.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("OwnerInstances: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("owner instances = %d, want 2 inside window", len(got))
	}
	if got[0].ID != "a1" || got[1].ID != "b1" {
		t.Fatalf("owner instances = [%s %s], want [a1 b1]", got[0].ID, got[1].ID)
	}
}

func TestMemoryUpdateInstance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	inst := &Instance{
		ID: "i1", TemplateID: "tpl", InstanceNumber: 1,
		OriginalStart: testBase, OriginalEnd: testBase.Add(time.Hour),
		ActualStart: testBase, ActualEnd: testBase.Add(time.Hour),
		Status: "scheduled", CreatedAt: testBase, UpdatedAt: testBase,
	}
	if _, err := m.InsertInstances(ctx, []*Instance{inst}); err != nil {
		t.Fatalf("InsertInstances: %v", err)
	}

	inst.ActualStart = testBase.Add(30 * time.Minute)
	inst.ActualEnd = testBase.Add(90 * time.Minute)
	if err := m.UpdateInstance(ctx, inst); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}
	got, err := m.GetInstance(ctx, "i1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if !got.ActualStart.Equal(testBase.Add(30 * time.Minute)) {
		t.Fatalf("actual start = %v after move", got.ActualStart)
	}
	if !got.OriginalStart.Equal(testBase) {
		t.Fatal("original start must survive a move")
	}

	missing := *inst
	missing.ID = "nope"
	if err := m.UpdateInstance(ctx, &missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing UpdateInstance err = %v, want ErrNotFound", err)
	}
}

func ids(sends []*Send) string {
	out := ""
	for _, s := range sends {
		out += fmt.Sprintf("%s ", s.ID)
	}
	return out
}
