package availability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pawsched/pkg/logx"
)

// BusyProvider supplies the busy intervals for one person inside a window.
// Implementations pre-filter cancelled appointments.
type BusyProvider interface {
	BusyIntervals(ctx context.Context, personID string, from, to time.Time) ([]BusyInterval, error)
}

// Config controls availability computation defaults.
type Config struct {
	// MinDuration is used when a request passes a non-positive minimum.
	MinDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinDuration <= 0 {
		c.MinDuration = 30 * time.Minute
	}
	return c
}

// PersonAvailability is one participant's view of the requested window.
type PersonAvailability struct {
	PersonID  string
	Available bool
	Slots     []Slot
	Conflicts []BusyInterval
}

// Result is the outcome of a multi-person availability check.
type Result struct {
	PerPerson    []PersonAvailability
	CommonSlots  []Slot
	Alternatives []Slot
}

// Service computes multi-person availability from a BusyProvider.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	provider BusyProvider
}

func NewService(cfg Config, log logx.Logger, provider BusyProvider) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, cfg: cfg.withDefaults(), provider: provider}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) minDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MinDuration
}

// ComputeAvailability returns per-person free slots and conflicts, the slots
// common to every person, and shifted-window alternatives when no common slot
// exists. includeTentative makes tentative conflicts count against a person's
// availability verdict; they always count as busy time for slot computation.
func (s *Service) ComputeAvailability(ctx context.Context, personIDs []string, from, to time.Time, minDuration time.Duration, includeTentative bool) (Result, error) {
	if !from.Before(to) {
		return Result{}, fmt.Errorf("availability: window start %v must precede end %v", from, to)
	}
	if minDuration <= 0 {
		minDuration = s.minDuration()
	}

	res, err := s.computeWindow(ctx, personIDs, from, to, minDuration, includeTentative)
	if err != nil {
		return Result{}, err
	}

	if len(res.CommonSlots) == 0 && len(personIDs) > 0 {
		res.Alternatives = SuggestAlternatives(from, to, func(start, end time.Time) []Slot {
			shifted, err := s.computeWindow(ctx, personIDs, start, end, minDuration, includeTentative)
			if err != nil {
				s.log.Warn("alternative window probe failed", logx.Time("start", start), logx.Err(err))
				return nil
			}
			return shifted.CommonSlots
		})
	}

	s.log.Debug("availability computed",
		logx.Int("persons", len(personIDs)),
		logx.Int("common_slots", len(res.CommonSlots)),
		logx.Int("alternatives", len(res.Alternatives)))
	return res, nil
}

func (s *Service) computeWindow(ctx context.Context, personIDs []string, from, to time.Time, minDuration time.Duration, includeTentative bool) (Result, error) {
	var res Result
	slotsByPerson := make([][]Slot, 0, len(personIDs))

	for _, personID := range personIDs {
		busy, err := s.provider.BusyIntervals(ctx, personID, from, to)
		if err != nil {
			return Result{}, fmt.Errorf("availability: busy intervals for %s: %w", personID, err)
		}

		conflicts := make([]BusyInterval, 0, len(busy))
		for _, iv := range busy {
			if iv.Start.Before(to) && iv.End.After(from) {
				conflicts = append(conflicts, iv)
			}
		}

		available := true
		for _, c := range conflicts {
			if !c.Tentative || includeTentative {
				available = false
				break
			}
		}

		slots := FreeSlots(from, to, conflicts, minDuration)
		slotsByPerson = append(slotsByPerson, slots)
		res.PerPerson = append(res.PerPerson, PersonAvailability{
			PersonID:  personID,
			Available: available,
			Slots:     slots,
			Conflicts: conflicts,
		})
	}

	res.CommonSlots = Intersect(slotsByPerson, minDuration)
	return res, nil
}
