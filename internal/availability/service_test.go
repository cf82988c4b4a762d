package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"pawsched/pkg/logx"
)

type fakeProvider struct {
	byPerson map[string][]BusyInterval
	err      error
}

func (f *fakeProvider) BusyIntervals(_ context.Context, personID string, _, _ time.Time) ([]BusyInterval, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byPerson[personID], nil
}

func TestComputeAvailability(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{byPerson: map[string][]BusyInterval{
		"walker": {busy(at(10, 0), at(11, 0))},
		"owner":  {busy(at(13, 0), at(14, 0))},
	}}
	svc := NewService(Config{}, logx.Nop(), provider)

	res, err := svc.ComputeAvailability(context.Background(), []string{"walker", "owner"}, at(9, 0), at(15, 0), 30*time.Minute, false)
	if err != nil {
		t.Fatalf("ComputeAvailability: %v", err)
	}
	if len(res.PerPerson) != 2 {
		t.Fatalf("per-person entries = %d, want 2", len(res.PerPerson))
	}
	for _, p := range res.PerPerson {
		if p.Available {
			t.Fatalf("person %s reported available with a conflict in window", p.PersonID)
		}
	}
	assertSlots(t, res.CommonSlots, []Slot{
		{Start: at(9, 0), End: at(10, 0)},
		{Start: at(11, 0), End: at(13, 0)},
		{Start: at(14, 0), End: at(15, 0)},
	})
	if len(res.Alternatives) != 0 {
		t.Fatalf("alternatives = %v, want none when common slots exist", res.Alternatives)
	}
}

func TestComputeAvailabilityTentative(t *testing.T) {
	t.Parallel()
	tentative := busy(at(10, 0), at(11, 0))
	tentative.Tentative = true
	provider := &fakeProvider{byPerson: map[string][]BusyInterval{"walker": {tentative}}}
	svc := NewService(Config{}, logx.Nop(), provider)

	res, err := svc.ComputeAvailability(context.Background(), []string{"walker"}, at(9, 0), at(15, 0), 30*time.Minute, false)
	if err != nil {
		t.Fatalf("ComputeAvailability: %v", err)
	}
	if !res.PerPerson[0].Available {
		t.Fatal("tentative-only conflicts should leave the person available")
	}
	// Tentative conflicts still block the time for slot computation.
	assertSlots(t, res.PerPerson[0].Slots, []Slot{
		{Start: at(9, 0), End: at(10, 0)},
		{Start: at(11, 0), End: at(15, 0)},
	})

	res, err = svc.ComputeAvailability(context.Background(), []string{"walker"}, at(9, 0), at(15, 0), 30*time.Minute, true)
	if err != nil {
		t.Fatalf("ComputeAvailability: %v", err)
	}
	if res.PerPerson[0].Available {
		t.Fatal("includeTentative should count tentative conflicts")
	}
}

func TestComputeAvailabilityAlternatives(t *testing.T) {
	t.Parallel()
	// The requested hour is fully busy for one person; the next day is free.
	dayStart, dayEnd := at(10, 0), at(11, 0)
	provider := &fakeProvider{byPerson: map[string][]BusyInterval{
		"walker": {busy(dayStart, dayEnd)},
		"owner":  nil,
	}}
	svc := NewService(Config{}, logx.Nop(), provider)

	res, err := svc.ComputeAvailability(context.Background(), []string{"walker", "owner"}, dayStart, dayEnd, 30*time.Minute, false)
	if err != nil {
		t.Fatalf("ComputeAvailability: %v", err)
	}
	if len(res.CommonSlots) != 0 {
		t.Fatalf("common slots = %v, want none", res.CommonSlots)
	}
	if len(res.Alternatives) == 0 {
		t.Fatal("expected alternatives for a conflicting window")
	}
	first := res.Alternatives[0]
	if !first.Start.Equal(dayStart.AddDate(0, 0, 1)) {
		t.Fatalf("first alternative starts %v, want next day %v", first.Start, dayStart.AddDate(0, 0, 1))
	}
}

func TestComputeAvailabilityErrors(t *testing.T) {
	t.Parallel()
	svc := NewService(Config{}, logx.Nop(), &fakeProvider{err: errors.New("storage down")})
	if _, err := svc.ComputeAvailability(context.Background(), []string{"walker"}, at(9, 0), at(15, 0), time.Minute, false); err == nil {
		t.Fatal("expected provider error to surface")
	}

	okProvider := &fakeProvider{}
	svc = NewService(Config{}, logx.Nop(), okProvider)
	if _, err := svc.ComputeAvailability(context.Background(), nil, at(15, 0), at(9, 0), time.Minute, false); err == nil {
		t.Fatal("expected error for inverted window")
	}
}
