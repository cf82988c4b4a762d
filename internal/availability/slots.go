// Package availability computes free time slots over busy intervals and
// intersects them across participants. All functions are pure and safe for
// concurrent use.
package availability

import (
	"errors"
	"sort"
	"time"
)

// ErrInvalidInterval rejects busy intervals that do not satisfy start < end.
var ErrInvalidInterval = errors.New("availability: interval start must precede end")

// BusyInterval is a time range during which a person is unavailable. The
// caller pre-filters cancelled appointments; tentative ones are flagged so
// the availability verdict can include or ignore them.
type BusyInterval struct {
	OwnerID   string
	Start     time.Time
	End       time.Time
	Tentative bool
	Ref       string // originating appointment/instance id, informational
}

// NewBusyInterval enforces start < end at construction.
func NewBusyInterval(ownerID string, start, end time.Time) (BusyInterval, error) {
	if !start.Before(end) {
		return BusyInterval{}, ErrInvalidInterval
	}
	return BusyInterval{OwnerID: ownerID, Start: start, End: end}, nil
}

// Slot is a free time range. Output-only; never persisted.
type Slot struct {
	Start time.Time
	End   time.Time
}

func (s Slot) Duration() time.Duration { return s.End.Sub(s.Start) }

// FreeSlots sweeps the window and emits every gap between busy intervals that
// is at least minDuration long. Input may be unsorted and overlapping; the
// union of the intervals determines busy time, so malformed overlap input
// degrades conservatively rather than erroring.
func FreeSlots(windowStart, windowEnd time.Time, busy []BusyInterval, minDuration time.Duration) []Slot {
	if !windowStart.Before(windowEnd) {
		return nil
	}

	sorted := make([]BusyInterval, len(busy))
	copy(sorted, busy)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	slots := make([]Slot, 0, len(sorted)+1)
	cursor := windowStart
	for _, iv := range sorted {
		if iv.Start.After(cursor) {
			gap := Slot{Start: cursor, End: iv.Start}
			if gap.End.After(windowEnd) {
				gap.End = windowEnd
			}
			if gap.Duration() >= minDuration && gap.Start.Before(windowEnd) {
				slots = append(slots, gap)
			}
		}
		if iv.End.After(cursor) {
			cursor = iv.End
		}
		if !cursor.Before(windowEnd) {
			return slots
		}
	}

	if tail := (Slot{Start: cursor, End: windowEnd}); tail.Duration() >= minDuration {
		slots = append(slots, tail)
	}
	return slots
}

// Intersect folds per-person slot lists into the ranges free for everyone,
// keeping only overlaps of at least minDuration. Empty input or an empty
// intermediate result short-circuits to empty. The result is sorted by start.
func Intersect(slotsByPerson [][]Slot, minDuration time.Duration) []Slot {
	if len(slotsByPerson) == 0 {
		return nil
	}

	common := append([]Slot(nil), slotsByPerson[0]...)
	for _, personSlots := range slotsByPerson[1:] {
		if len(common) == 0 {
			return nil
		}
		var next []Slot
		for _, a := range common {
			for _, b := range personSlots {
				start := a.Start
				if b.Start.After(start) {
					start = b.Start
				}
				end := a.End
				if b.End.Before(end) {
					end = b.End
				}
				if start.Before(end) && end.Sub(start) >= minDuration {
					next = append(next, Slot{Start: start, End: end})
				}
			}
		}
		common = next
	}

	sort.Slice(common, func(i, j int) bool { return common[i].Start.Before(common[j].Start) })
	return common
}

const (
	alternativeProbeDays   = 7
	alternativesPerDay     = 2
	alternativesTotalLimit = 10
)

// SuggestAlternatives probes the same-duration window shifted by +1..+7 days
// when the original window has no common slot. probe recomputes the common
// slots for a shifted window; up to two slots per day are collected, stopping
// once ten alternatives are found.
func SuggestAlternatives(originalStart, originalEnd time.Time, probe func(start, end time.Time) []Slot) []Slot {
	duration := originalEnd.Sub(originalStart)

	var alternatives []Slot
	for days := 1; days <= alternativeProbeDays; days++ {
		start := originalStart.AddDate(0, 0, days)
		common := probe(start, start.Add(duration))
		if len(common) > alternativesPerDay {
			common = common[:alternativesPerDay]
		}
		alternatives = append(alternatives, common...)
		if len(alternatives) >= alternativesTotalLimit {
			break
		}
	}
	if len(alternatives) > alternativesTotalLimit {
		alternatives = alternatives[:alternativesTotalLimit]
	}
	return alternatives
}
