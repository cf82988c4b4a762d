// Package recurrence computes occurrence sequences for recurring schedules.
//
// A Rule is a closed set of pattern variants dispatched by Type; Next applies
// one step, Sequence walks a bounded, lazily evaluated occurrence stream.
package recurrence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Type identifies a recurrence pattern variant.
type Type int

const (
	TypeUnspecified Type = iota
	TypeDaily
	TypeWeekly
	TypeBiWeekly
	TypeMonthly
	TypeQuarterly
	TypeYearly
	// TypeWeekday repeats on business days (Mon-Fri). Interval is accepted
	// but not applied to this variant.
	TypeWeekday
)

var typeNames = map[Type]string{
	TypeDaily:     "daily",
	TypeWeekly:    "weekly",
	TypeBiWeekly:  "biweekly",
	TypeMonthly:   "monthly",
	TypeQuarterly: "quarterly",
	TypeYearly:    "yearly",
	TypeWeekday:   "weekday",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unspecified"
}

// ParseType maps a canonical wire name to a Type.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return TypeUnspecified, fmt.Errorf("%w: unknown type %q", ErrInvalidRule, s)
}

// ErrInvalidRule is the base error for rule validation failures. Invalid rules
// are rejected at creation and never persisted or silently corrected.
var ErrInvalidRule = errors.New("recurrence: invalid rule")

// Rule describes a recurrence pattern.
//
// DaysOfWeek applies to weekly rules only. DayOfMonth applies to monthly and
// yearly rules (0 means "same day as the anchor"). Month applies to yearly
// rules (0 means "same month as the anchor"). EndDate and MaxOccurrences each
// bound the occurrence stream; an unbounded rule must be bounded by the
// caller's window before expansion.
type Rule struct {
	Type           Type
	Interval       int
	DaysOfWeek     []time.Weekday
	DayOfMonth     int
	Month          time.Month
	EndDate        *time.Time
	MaxOccurrences int
}

// Validate rejects malformed rules. The engine assumes a validated rule;
// validation failures surface as ErrInvalidRule kinds.
func (r Rule) Validate() error {
	if _, ok := typeNames[r.Type]; !ok {
		return fmt.Errorf("%w: type is not set", ErrInvalidRule)
	}
	if r.Interval < 1 {
		return fmt.Errorf("%w: interval must be at least 1", ErrInvalidRule)
	}
	if r.Type == TypeWeekly && len(r.DaysOfWeek) == 0 {
		return fmt.Errorf("%w: weekly rule requires at least one day of week", ErrInvalidRule)
	}
	for _, d := range r.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: day of week %d out of range", ErrInvalidRule, int(d))
		}
	}
	if r.DayOfMonth != 0 && (r.DayOfMonth < 1 || r.DayOfMonth > 31) {
		return fmt.Errorf("%w: day of month must be between 1 and 31", ErrInvalidRule)
	}
	if r.Month != 0 && (r.Month < time.January || r.Month > time.December) {
		return fmt.Errorf("%w: month must be between 1 and 12", ErrInvalidRule)
	}
	if r.MaxOccurrences < 0 {
		return fmt.Errorf("%w: max occurrences must not be negative", ErrInvalidRule)
	}
	return nil
}

// Bounded reports whether the rule limits its own occurrence stream.
func (r Rule) Bounded() bool {
	return r.EndDate != nil || r.MaxOccurrences > 0
}

// sortedDays returns the weekly day set sorted ascending with duplicates
// removed. Sunday sorts first, matching time.Weekday ordering.
func (r Rule) sortedDays() []time.Weekday {
	out := make([]time.Weekday, 0, len(r.DaysOfWeek))
	seen := [7]bool{}
	for _, d := range r.DaysOfWeek {
		if d >= time.Sunday && d <= time.Saturday && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ruleJSON is the canonical persisted shape of a rule.
type ruleJSON struct {
	Type           string     `json:"type"`
	Interval       int        `json:"interval"`
	DaysOfWeek     []string   `json:"daysOfWeek,omitempty"`
	DayOfMonth     int        `json:"dayOfMonth,omitempty"`
	Month          int        `json:"month,omitempty"`
	EndDate        *time.Time `json:"endDate,omitempty"`
	MaxOccurrences int        `json:"maxOccurrences,omitempty"`
}

func (r Rule) MarshalJSON() ([]byte, error) {
	aux := ruleJSON{
		Type:           r.Type.String(),
		Interval:       r.Interval,
		DayOfMonth:     r.DayOfMonth,
		Month:          int(r.Month),
		EndDate:        r.EndDate,
		MaxOccurrences: r.MaxOccurrences,
	}
	for _, d := range r.sortedDays() {
		aux.DaysOfWeek = append(aux.DaysOfWeek, strings.ToLower(d.String()))
	}
	return json.Marshal(aux)
}

func (r *Rule) UnmarshalJSON(b []byte) error {
	var aux ruleJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	t, err := ParseType(aux.Type)
	if err != nil {
		return err
	}
	days := make([]time.Weekday, 0, len(aux.DaysOfWeek))
	for _, name := range aux.DaysOfWeek {
		d, err := parseWeekday(name)
		if err != nil {
			return err
		}
		days = append(days, d)
	}
	*r = Rule{
		Type:           t,
		Interval:       aux.Interval,
		DaysOfWeek:     days,
		DayOfMonth:     aux.DayOfMonth,
		Month:          time.Month(aux.Month),
		EndDate:        aux.EndDate,
		MaxOccurrences: aux.MaxOccurrences,
	}
	return nil
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidRule, s)
}
