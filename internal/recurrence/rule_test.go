package recurrence

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRuleValidate(t *testing.T) {
	t.Parallel()
	end := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{name: "daily ok", rule: Rule{Type: TypeDaily, Interval: 1}},
		{name: "weekly ok", rule: Rule{Type: TypeWeekly, Interval: 1, DaysOfWeek: []time.Weekday{time.Monday}}},
		{name: "monthly with day", rule: Rule{Type: TypeMonthly, Interval: 2, DayOfMonth: 31}},
		{name: "yearly bounded", rule: Rule{Type: TypeYearly, Interval: 1, Month: time.June, EndDate: &end}},
		{name: "type unset", rule: Rule{Interval: 1}, wantErr: true},
		{name: "interval zero", rule: Rule{Type: TypeDaily}, wantErr: true},
		{name: "interval negative", rule: Rule{Type: TypeDaily, Interval: -2}, wantErr: true},
		{name: "weekly no days", rule: Rule{Type: TypeWeekly, Interval: 1}, wantErr: true},
		{name: "day of month high", rule: Rule{Type: TypeMonthly, Interval: 1, DayOfMonth: 32}, wantErr: true},
		{name: "month out of range", rule: Rule{Type: TypeYearly, Interval: 1, Month: 13}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.rule.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidRule) {
					t.Fatalf("error %v does not wrap ErrInvalidRule", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
		})
	}
}

func TestRuleJSONRoundTrip(t *testing.T) {
	t.Parallel()
	end := time.Date(2026, 12, 31, 18, 0, 0, 0, time.UTC)
	in := Rule{
		Type:           TypeWeekly,
		Interval:       2,
		DaysOfWeek:     []time.Weekday{time.Friday, time.Monday, time.Monday},
		EndDate:        &end,
		MaxOccurrences: 10,
	}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Rule
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Type != TypeWeekly || out.Interval != 2 || out.MaxOccurrences != 10 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	// Serialization sorts and dedups the day set.
	if len(out.DaysOfWeek) != 2 || out.DaysOfWeek[0] != time.Monday || out.DaysOfWeek[1] != time.Friday {
		t.Fatalf("daysOfWeek = %v, want [Monday Friday]", out.DaysOfWeek)
	}
	if out.EndDate == nil || !out.EndDate.Equal(end) {
		t.Fatalf("endDate = %v, want %v", out.EndDate, end)
	}
}

func TestRuleJSONUnknownType(t *testing.T) {
	t.Parallel()
	var r Rule
	err := json.Unmarshal([]byte(`{"type":"fortnightly","interval":1}`), &r)
	if !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("err = %v, want ErrInvalidRule", err)
	}
}

func TestParseType(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"daily", "weekly", "biweekly", "monthly", "quarterly", "yearly", "weekday"} {
		typ, err := ParseType(name)
		if err != nil {
			t.Fatalf("ParseType(%q) error: %v", name, err)
		}
		if typ.String() != name {
			t.Fatalf("round trip %q -> %v -> %q", name, typ, typ.String())
		}
	}
	if _, err := ParseType("hourly"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
