package recurrence

import "time"

// Next returns the occurrence that follows current under the rule. The result
// is strictly after current for every valid rule; the only error condition is
// an invalid rule.
func Next(current time.Time, r Rule) (time.Time, error) {
	if err := r.Validate(); err != nil {
		return time.Time{}, err
	}
	switch r.Type {
	case TypeDaily:
		return current.AddDate(0, 0, r.Interval), nil
	case TypeWeekly:
		return nextWeekly(current, r), nil
	case TypeBiWeekly:
		return current.AddDate(0, 0, 14*r.Interval), nil
	case TypeMonthly:
		return addMonthsClamped(current, r.Interval, r.DayOfMonth), nil
	case TypeQuarterly:
		return addMonthsClamped(current, 3*r.Interval, r.DayOfMonth), nil
	case TypeYearly:
		return nextYearly(current, r), nil
	case TypeWeekday:
		return nextWeekday(current), nil
	}
	// Unreachable after Validate.
	return current.AddDate(0, 0, r.Interval), nil
}

// nextWeekly jumps to the next selected weekday. If one falls later in
// current's week it is taken regardless of interval; otherwise the occurrence
// is the earliest selected weekday of the week exactly interval weeks after
// current's week (weeks start on Sunday, matching time.Weekday ordering).
func nextWeekly(current time.Time, r Rule) time.Time {
	days := r.sortedDays()
	wd := current.Weekday()
	for _, d := range days {
		if d > wd {
			return current.AddDate(0, 0, int(d-wd))
		}
	}
	// 7*interval days past the start of current's week, plus the offset of
	// the earliest selected day. Always positive: 7*interval > wd for any
	// interval >= 1.
	return current.AddDate(0, 0, 7*r.Interval-int(wd)+int(days[0]))
}

func nextYearly(current time.Time, r Rule) time.Time {
	year := current.Year() + r.Interval
	month := current.Month()
	if r.Month != 0 {
		month = r.Month
	}
	day := current.Day()
	if r.DayOfMonth != 0 {
		day = r.DayOfMonth
	}
	if dim := daysInMonth(year, month); day > dim {
		day = dim
	}
	return time.Date(year, month, day,
		current.Hour(), current.Minute(), current.Second(), current.Nanosecond(), current.Location())
}

// nextWeekday advances to the next business day: Friday jumps to Monday,
// every other day advances one day. Saturday and Sunday anchors drift back
// onto the Mon-Fri cycle within a step.
func nextWeekday(current time.Time) time.Time {
	if current.Weekday() == time.Friday {
		return current.AddDate(0, 0, 3)
	}
	return current.AddDate(0, 0, 1)
}

// addMonthsClamped adds months keeping the day of month stable, clamping to
// the target month's length: day 31 anchored in January lands on February 28
// (29 in a leap year). day 0 means "keep the source day".
func addMonthsClamped(t time.Time, months, day int) time.Time {
	zeroBased := int(t.Month()) - 1 + months
	year := t.Year() + zeroBased/12
	month := time.Month(zeroBased%12 + 1)
	if day <= 0 {
		day = t.Day()
	}
	if dim := daysInMonth(year, month); day > dim {
		day = dim
	}
	return time.Date(year, month, day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the following month normalizes to the last day of month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Sequence is a lazy, finite walk over a rule's occurrences starting at an
// anchor. The anchor itself is the first occurrence. The sequence stops at
// the rule's EndDate or MaxOccurrences; unbounded rules yield occurrences
// until the caller stops pulling.
type Sequence struct {
	rule    Rule
	cur     time.Time
	emitted int
	started bool
	done    bool
}

// NewSequence validates the rule and positions the sequence at anchor.
func NewSequence(anchor time.Time, rule Rule) (*Sequence, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return &Sequence{rule: rule, cur: anchor}, nil
}

// Next yields the next occurrence, reporting false when the stream is
// exhausted. Successive results are strictly increasing.
func (s *Sequence) Next() (time.Time, bool) {
	if s.done {
		return time.Time{}, false
	}
	if s.rule.MaxOccurrences > 0 && s.emitted >= s.rule.MaxOccurrences {
		s.done = true
		return time.Time{}, false
	}
	if !s.started {
		s.started = true
	} else {
		next, err := Next(s.cur, s.rule)
		if err != nil {
			// Rule was validated at construction; treat as exhaustion.
			s.done = true
			return time.Time{}, false
		}
		s.cur = next
	}
	if s.rule.EndDate != nil && s.cur.After(*s.rule.EndDate) {
		s.done = true
		return time.Time{}, false
	}
	s.emitted++
	return s.cur, true
}

// Index reports the 1-based index of the most recently yielded occurrence,
// counting from the anchor.
func (s *Sequence) Index() int { return s.emitted }

// Preview returns up to count occurrences starting at anchor, for diagnostic
// and UI-preview use. The anchor is the first element.
func Preview(anchor time.Time, rule Rule, count int) ([]time.Time, error) {
	seq, err := NewSequence(anchor, rule)
	if err != nil {
		return nil, err
	}
	if count < 1 {
		count = 1
	}
	out := make([]time.Time, 0, count)
	for len(out) < count {
		t, ok := seq.Next()
		if !ok {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
