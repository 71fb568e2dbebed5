package governor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/kjannette/cardvault-backend/internal/models"
)

// ScheduleStore persists a client's assigned refresh weekday.
type ScheduleStore interface {
	LoadWeekday(ctx context.Context) (time.Weekday, bool, error)
	SaveWeekday(ctx context.Context, d time.Weekday) error
}

// Schedule spreads background refresh sweeps across the week. Each client
// gets one pseudo-random weekday, assigned on first use and then kept until
// Reset. It only gates background sweeps; on-demand lookups ignore it.
type Schedule struct {
	store ScheduleStore
	now   func() time.Time
	loc   *time.Location
	pick  func() time.Weekday

	mu       sync.Mutex
	assigned bool
	weekday  time.Weekday
}

type ScheduleOption func(*Schedule)

func WithScheduleClock(now func() time.Time) ScheduleOption {
	return func(s *Schedule) { s.now = now }
}

func WithScheduleLocation(loc *time.Location) ScheduleOption {
	return func(s *Schedule) { s.loc = loc }
}

// WithPicker overrides the weekday assignment, for tests.
func WithPicker(pick func() time.Weekday) ScheduleOption {
	return func(s *Schedule) { s.pick = pick }
}

func NewSchedule(store ScheduleStore, opts ...ScheduleOption) *Schedule {
	s := &Schedule{
		store: store,
		now:   time.Now,
		loc:   time.Local,
		pick:  func() time.Weekday { return time.Weekday(rand.IntN(7)) },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Weekday returns the assigned weekday, assigning and persisting one if the
// client has none yet.
func (s *Schedule) Weekday(ctx context.Context) (time.Weekday, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.assigned {
		return s.weekday, nil
	}

	d, ok, err := s.store.LoadWeekday(ctx)
	if err != nil {
		return 0, fmt.Errorf("load schedule: %w", err)
	}
	if !ok || d < time.Sunday || d > time.Saturday {
		d = s.pick()
		if err := s.store.SaveWeekday(ctx, d); err != nil {
			return 0, fmt.Errorf("save schedule: %w", err)
		}
	}
	s.weekday, s.assigned = d, true
	return d, nil
}

func (s *Schedule) IsToday(ctx context.Context) (bool, error) {
	d, err := s.Weekday(ctx)
	if err != nil {
		return false, err
	}
	return s.now().In(s.loc).Weekday() == d, nil
}

func (s *Schedule) Status(ctx context.Context) (models.ClientSchedule, error) {
	d, err := s.Weekday(ctx)
	if err != nil {
		return models.ClientSchedule{}, err
	}
	return models.ClientSchedule{
		AssignedWeekday: d,
		IsToday:         s.now().In(s.loc).Weekday() == d,
	}, nil
}

// Reset draws a new weekday and persists it.
func (s *Schedule) Reset(ctx context.Context) (time.Weekday, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.pick()
	if err := s.store.SaveWeekday(ctx, d); err != nil {
		return 0, fmt.Errorf("save schedule: %w", err)
	}
	s.weekday, s.assigned = d, true
	return d, nil
}

// MemoryScheduleStore keeps the weekday in process.
type MemoryScheduleStore struct {
	mu  sync.Mutex
	set bool
	d   time.Weekday
}

func (m *MemoryScheduleStore) LoadWeekday(context.Context) (time.Weekday, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d, m.set, nil
}

func (m *MemoryScheduleStore) SaveWeekday(_ context.Context, d time.Weekday) error {
	m.mu.Lock()
	m.d, m.set = d, true
	m.mu.Unlock()
	return nil
}
