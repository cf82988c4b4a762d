package availability

import (
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

func busy(start, end time.Time) BusyInterval {
	return BusyInterval{OwnerID: "p1", Start: start, End: end}
}

func TestNewBusyInterval(t *testing.T) {
	t.Parallel()
	if _, err := NewBusyInterval("p1", at(10, 0), at(9, 0)); err == nil {
		t.Fatal("expected error for inverted interval")
	}
	if _, err := NewBusyInterval("p1", at(10, 0), at(10, 0)); err == nil {
		t.Fatal("expected error for empty interval")
	}
	iv, err := NewBusyInterval("p1", at(9, 0), at(10, 0))
	if err != nil {
		t.Fatalf("NewBusyInterval: %v", err)
	}
	if iv.OwnerID != "p1" {
		t.Fatalf("owner = %q", iv.OwnerID)
	}
}

func TestFreeSlots(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		busy []BusyInterval
		min  time.Duration
		want []Slot
	}{
		{
			name: "gaps around two meetings",
			busy: []BusyInterval{busy(at(10, 0), at(11, 0)), busy(at(13, 0), at(14, 0))},
			min:  30 * time.Minute,
			want: []Slot{
				{Start: at(9, 0), End: at(10, 0)},
				{Start: at(11, 0), End: at(13, 0)},
				{Start: at(14, 0), End: at(15, 0)},
			},
		},
		{
			name: "empty busy list yields whole window",
			min:  30 * time.Minute,
			want: []Slot{{Start: at(9, 0), End: at(15, 0)}},
		},
		{
			name: "unsorted overlapping input uses the union",
			busy: []BusyInterval{busy(at(11, 0), at(13, 0)), busy(at(10, 0), at(12, 0))},
			min:  30 * time.Minute,
			want: []Slot{
				{Start: at(9, 0), End: at(10, 0)},
				{Start: at(13, 0), End: at(15, 0)},
			},
		},
		{
			name: "short gaps are dropped",
			busy: []BusyInterval{busy(at(9, 15), at(12, 0)), busy(at(12, 15), at(14, 45))},
			min:  30 * time.Minute,
			want: nil,
		},
		{
			name: "busy covering the window",
			busy: []BusyInterval{busy(at(8, 0), at(16, 0))},
			min:  time.Minute,
			want: nil,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := FreeSlots(at(9, 0), at(15, 0), tt.busy, tt.min)
			assertSlots(t, got, tt.want)
		})
	}
}

func TestIntersect(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		persons [][]Slot
		min     time.Duration
		want    []Slot
	}{
		{
			name: "two person overlap",
			persons: [][]Slot{
				{{Start: at(10, 0), End: at(12, 0)}},
				{{Start: at(11, 0), End: at(13, 0)}},
			},
			min:  30 * time.Minute,
			want: []Slot{{Start: at(11, 0), End: at(12, 0)}},
		},
		{
			name:    "empty input",
			persons: nil,
			want:    nil,
		},
		{
			name: "disjoint short-circuits",
			persons: [][]Slot{
				{{Start: at(9, 0), End: at(10, 0)}},
				{{Start: at(11, 0), End: at(12, 0)}},
				{{Start: at(9, 0), End: at(12, 0)}},
			},
			min:  time.Minute,
			want: nil,
		},
		{
			name: "three way overlap sorted by start",
			persons: [][]Slot{
				{{Start: at(9, 0), End: at(11, 0)}, {Start: at(13, 0), End: at(15, 0)}},
				{{Start: at(10, 0), End: at(14, 0)}},
				{{Start: at(9, 0), End: at(15, 0)}},
			},
			min: 30 * time.Minute,
			want: []Slot{
				{Start: at(10, 0), End: at(11, 0)},
				{Start: at(13, 0), End: at(14, 0)},
			},
		},
		{
			name: "overlap below minimum dropped",
			persons: [][]Slot{
				{{Start: at(10, 0), End: at(11, 0)}},
				{{Start: at(10, 45), End: at(12, 0)}},
			},
			min:  30 * time.Minute,
			want: nil,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Intersect(tt.persons, tt.min)
			assertSlots(t, got, tt.want)
		})
	}
}

func TestSuggestAlternatives(t *testing.T) {
	t.Parallel()
	origStart, origEnd := at(10, 0), at(11, 0)

	t.Run("collects two per day up to ten", func(t *testing.T) {
		t.Parallel()
		var probed []time.Time
		got := SuggestAlternatives(origStart, origEnd, func(start, end time.Time) []Slot {
			probed = append(probed, start)
			if end.Sub(start) != time.Hour {
				t.Fatalf("probe window duration = %v, want 1h", end.Sub(start))
			}
			// Three candidates per day; only two may be taken.
			return []Slot{
				{Start: start, End: start.Add(30 * time.Minute)},
				{Start: start.Add(30 * time.Minute), End: end},
				{Start: end, End: end.Add(30 * time.Minute)},
			}
		})
		if len(got) != 10 {
			t.Fatalf("len = %d, want 10", len(got))
		}
		// 2 slots/day means the cap is reached on day 5.
		if len(probed) != 5 {
			t.Fatalf("probed %d days, want 5", len(probed))
		}
		if !probed[0].Equal(origStart.AddDate(0, 0, 1)) {
			t.Fatalf("first probe %v, want next day", probed[0])
		}
	})

	t.Run("stops after seven days", func(t *testing.T) {
		t.Parallel()
		days := 0
		got := SuggestAlternatives(origStart, origEnd, func(start, end time.Time) []Slot {
			days++
			return nil
		})
		if days != 7 {
			t.Fatalf("probed %d days, want 7", days)
		}
		if len(got) != 0 {
			t.Fatalf("len = %d, want 0", len(got))
		}
	})
}

func assertSlots(t *testing.T, got, want []Slot) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d slots %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if !got[i].Start.Equal(want[i].Start) || !got[i].End.Equal(want[i].End) {
			t.Fatalf("slot %d = %v-%v, want %v-%v", i, got[i].Start, got[i].End, want[i].Start, want[i].End)
		}
	}
}
