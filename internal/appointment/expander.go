// Package appointment materializes recurring appointment templates into
// concrete instances and serves them back as busy intervals.
package appointment

import (
	"errors"
	"time"

	"pawsched/internal/recurrence"
	"pawsched/internal/storage"
)

// Instance statuses. Scheduled instances count as busy time; cancelled ones
// never do.
const (
	InstanceScheduled = "scheduled"
	InstanceCompleted = "completed"
	InstanceCancelled = "cancelled"
)

var (
	ErrInvalidWindow = errors.New("appointment: window start must precede end")
	ErrCancelled     = errors.New("appointment: instance is cancelled")
)

// Occurrence is one expansion result before persistence. Number is the
// 1-based absolute occurrence index counted from the template anchor, so it
// is stable regardless of the expansion window.
type Occurrence struct {
	Number int
	Start  time.Time
	End    time.Time
}

// Expand walks the template's recurrence and returns every occurrence whose
// start falls within [from, to]. Both window edges are inclusive; an
// occurrence that begins before the window is never materialized, even when
// it runs into it. A template without a rule is its own single occurrence.
// Pure; persistence is the service's job.
func Expand(tpl *storage.Template, from, to time.Time) ([]Occurrence, error) {
	if !from.Before(to) {
		return nil, ErrInvalidWindow
	}
	duration := tpl.End.Sub(tpl.Start)

	if tpl.Rule == nil {
		if !tpl.Start.Before(from) && !tpl.Start.After(to) {
			return []Occurrence{{Number: 1, Start: tpl.Start, End: tpl.End}}, nil
		}
		return nil, nil
	}

	seq, err := recurrence.NewSequence(tpl.Start, *tpl.Rule)
	if err != nil {
		return nil, err
	}

	var out []Occurrence
	for {
		start, ok := seq.Next()
		if !ok || start.After(to) {
			break
		}
		if start.Before(from) {
			continue
		}
		out = append(out, Occurrence{Number: seq.Index(), Start: start, End: start.Add(duration)})
	}
	return out, nil
}
