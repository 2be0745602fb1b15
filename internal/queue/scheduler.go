package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Common schedule patterns.
const (
	PatternEveryMinute    = "* * * * *"
	PatternEvery5Minutes  = "*/5 * * * *"
	PatternEvery15Minutes = "*/15 * * * *"
	PatternEvery30Minutes = "*/30 * * * *"
	PatternHourly         = "0 * * * *"
	PatternDailyMidnight  = "0 0 * * *"
	PatternDailyNoon      = "0 12 * * *"
	PatternWeeklyMonday   = "0 0 * * 1"
	PatternMonthlyFirst   = "0 0 1 * *"
)

var (
	// standardCronParser handles 5-field cron expressions.
	standardCronParser = cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)
	// secondsCronParser handles 6-field expressions with a leading seconds field.
	secondsCronParser = cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)
)

// Schedule is a named recurring admission policy.
type Schedule struct {
	Name           string          `json:"name"`
	Pattern        string          `json:"pattern"`
	Active         bool            `json:"active"`
	Data           json.RawMessage `json:"data,omitempty"`
	JobOptions     *JobOptions     `json:"job_options,omitempty"`
	Timezone       string          `json:"timezone"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	ExecutionCount int             `json:"execution_count"`
	Limit          int             `json:"limit,omitempty"`
	StartDate      *time.Time      `json:"start_date,omitempty"`
	EndDate        *time.Time      `json:"end_date,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ScheduleConfig is the input to Scheduler.Add.
type ScheduleConfig struct {
	Name       string          `json:"name"`
	Pattern    string          `json:"pattern"`
	Data       json.RawMessage `json:"data,omitempty"`
	JobOptions *JobOptions     `json:"job_options,omitempty"`
	Timezone   string          `json:"timezone,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	StartDate  *time.Time      `json:"start_date,omitempty"`
	EndDate    *time.Time      `json:"end_date,omitempty"`
}

// ScheduleUpdate is a partial update applied by Scheduler.Update. Nil fields
// are left unchanged.
type ScheduleUpdate struct {
	Pattern    *string         `json:"pattern,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	JobOptions *JobOptions     `json:"job_options,omitempty"`
	Timezone   *string         `json:"timezone,omitempty"`
	Limit      *int            `json:"limit,omitempty"`
}

// Scheduler owns the named recurring schedules of one queue. Schedules live
// in memory only; callers re-materialise them from their patterns on startup.
type Scheduler struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	now       func() time.Time
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		schedules: make(map[string]*Schedule),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Add registers a new schedule, computes its first run, and activates it.
// Duplicate names are rejected.
func (s *Scheduler) Add(cfg ScheduleConfig) (*Schedule, error) {
	if cfg.Name == "" {
		return nil, NewValidationError("schedule name is required")
	}
	if err := validateSchedulePattern(cfg.Pattern); err != nil {
		return nil, err
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, NewValidationErrorf("unknown timezone %q", tz)
	}
	if cfg.Limit < 0 {
		return nil, NewValidationError("schedule limit must be at least 1")
	}
	if cfg.StartDate != nil && cfg.EndDate != nil && !cfg.StartDate.Before(*cfg.EndDate) {
		return nil, NewValidationError("schedule start date must be before end date")
	}
	if cfg.JobOptions != nil {
		opts := mergeJobOptions(cfg.JobOptions, DefaultJobOptions())
		if err := ValidateJobOptions(&opts); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[cfg.Name]; exists {
		return nil, NewValidationErrorf("schedule %q already exists", cfg.Name)
	}

	now := s.now()
	sched := &Schedule{
		Name:       cfg.Name,
		Pattern:    cfg.Pattern,
		Active:     true,
		Data:       cfg.Data,
		JobOptions: cfg.JobOptions,
		Timezone:   tz,
		Limit:      cfg.Limit,
		StartDate:  cfg.StartDate,
		EndDate:    cfg.EndDate,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.reschedule(sched, now)

	s.schedules[cfg.Name] = sched
	return sched.clone(), nil
}

// Remove deletes a schedule by name.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[name]; !exists {
		return false
	}
	delete(s.schedules, name)
	return true
}

// Get returns a copy of the named schedule, or nil.
func (s *Scheduler) Get(name string) *Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sched, ok := s.schedules[name]; ok {
		return sched.clone()
	}
	return nil
}

// GetAll returns copies of every schedule.
func (s *Scheduler) GetAll() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched.clone())
	}
	return out
}

// GetActive returns copies of the schedules that are currently active.
func (s *Scheduler) GetActive() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		if sched.Active {
			out = append(out, sched.clone())
		}
	}
	return out
}

// Pause deactivates a schedule without removing it.
func (s *Scheduler) Pause(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[name]
	if !ok {
		return false
	}
	sched.Active = false
	sched.UpdatedAt = s.now()
	return true
}

// Resume reactivates a paused schedule and recomputes its next run from now.
func (s *Scheduler) Resume(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[name]
	if !ok {
		return false
	}
	now := s.now()
	sched.Active = true
	sched.UpdatedAt = now
	s.reschedule(sched, now)
	return true
}

// Update applies a partial update. Pattern changes re-validate and recompute
// the next run. Updating an unknown schedule returns nil without error.
func (s *Scheduler) Update(name string, update ScheduleUpdate) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[name]
	if !ok {
		return nil, nil
	}

	now := s.now()
	if update.Pattern != nil {
		if err := validateSchedulePattern(*update.Pattern); err != nil {
			return nil, err
		}
		sched.Pattern = *update.Pattern
		s.reschedule(sched, now)
	}
	if update.Timezone != nil {
		tz := *update.Timezone
		if tz == "" {
			tz = "UTC"
		}
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, NewValidationErrorf("unknown timezone %q", tz)
		}
		sched.Timezone = tz
		s.reschedule(sched, now)
	}
	if update.Data != nil {
		sched.Data = update.Data
	}
	if update.JobOptions != nil {
		opts := mergeJobOptions(update.JobOptions, DefaultJobOptions())
		if err := ValidateJobOptions(&opts); err != nil {
			return nil, err
		}
		sched.JobOptions = update.JobOptions
	}
	if update.Limit != nil {
		if *update.Limit < 0 {
			return nil, NewValidationError("schedule limit must be at least 1")
		}
		sched.Limit = *update.Limit
	}
	sched.UpdatedAt = now
	return sched.clone(), nil
}

// RecordExecution marks one firing: bumps the counter, stamps the last run,
// recomputes the next, and deactivates the schedule once its limit or end
// date is reached.
func (s *Scheduler) RecordExecution(name string) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[name]
	if !ok {
		return nil, NewQueueErrorf("schedule %q not found", name)
	}

	now := s.now()
	sched.ExecutionCount++
	sched.LastRunAt = &now
	sched.UpdatedAt = now
	s.reschedule(sched, now)

	if sched.Limit > 0 && sched.ExecutionCount >= sched.Limit {
		sched.Active = false
	}
	return sched.clone(), nil
}

// GetDue returns copies of the active schedules whose next run is due.
func (s *Scheduler) GetDue() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make([]*Schedule, 0)
	for _, sched := range s.schedules {
		if !sched.Active || sched.NextRunAt == nil {
			continue
		}
		if !sched.NextRunAt.After(now) {
			out = append(out, sched.clone())
		}
	}
	return out
}

// ClearAll removes every schedule.
func (s *Scheduler) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules = make(map[string]*Schedule)
}

// Count returns the number of schedules.
func (s *Scheduler) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.schedules)
}

// reschedule recomputes NextRunAt from the given instant, honouring the
// schedule's timezone and window. A schedule past its end date is
// deactivated. Caller holds the lock.
func (s *Scheduler) reschedule(sched *Schedule, from time.Time) {
	next, err := CalcNextRun(sched.Pattern, sched.Timezone, from, sched.StartDate)
	if err != nil {
		// Pattern was validated on entry, so a failure here means the
		// pattern has no future firing at all.
		sched.NextRunAt = nil
		sched.Active = false
		return
	}
	if sched.EndDate != nil && next.After(*sched.EndDate) {
		sched.NextRunAt = nil
		sched.Active = false
		return
	}
	sched.NextRunAt = &next
}

// CalcNextRun computes the next firing of a pattern strictly after "from",
// honouring the timezone and an optional earliest start.
func CalcNextRun(pattern, timezone string, from time.Time, startDate *time.Time) (time.Time, error) {
	base := from
	if startDate != nil && base.Before(*startDate) {
		// The first firing must not precede the window start.
		base = startDate.Add(-time.Nanosecond)
	}

	if interval, ok, err := parseIntervalPattern(pattern); err != nil {
		return time.Time{}, err
	} else if ok {
		return base.Add(interval), nil
	}

	sched, err := parseCronPattern(pattern)
	if err != nil {
		return time.Time{}, err
	}

	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, NewValidationErrorf("unknown timezone %q", timezone)
		}
		loc = l
	}

	next := sched.Next(base.In(loc))
	if next.IsZero() {
		return time.Time{}, NewQueueErrorf("pattern %q has no future run", pattern)
	}
	return next.UTC(), nil
}

// validateSchedulePattern rejects patterns outside the supported language at
// registration time, rather than degrading silently at firing time.
func validateSchedulePattern(pattern string) error {
	if pattern == "" {
		return NewValidationError("schedule pattern is required")
	}
	if _, ok, err := parseIntervalPattern(pattern); err != nil {
		return err
	} else if ok {
		return nil
	}
	if _, err := parseCronPattern(pattern); err != nil {
		return err
	}
	return nil
}

// parseIntervalPattern parses the "every <N><unit>" form. The boolean result
// reports whether the pattern is interval-shaped at all.
func parseIntervalPattern(pattern string) (time.Duration, bool, error) {
	rest, ok := strings.CutPrefix(pattern, "every ")
	if !ok {
		return 0, false, nil
	}

	rest = strings.TrimSpace(rest)
	if len(rest) < 2 {
		return 0, true, NewValidationErrorf("invalid interval pattern %q", pattern)
	}

	unit := rest[len(rest)-1]
	n, err := strconv.Atoi(rest[:len(rest)-1])
	if err != nil || n <= 0 {
		return 0, true, NewValidationErrorf("invalid interval pattern %q", pattern)
	}

	switch unit {
	case 's':
		return time.Duration(n) * time.Second, true, nil
	case 'm':
		return time.Duration(n) * time.Minute, true, nil
	case 'h':
		return time.Duration(n) * time.Hour, true, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true, nil
	default:
		return 0, true, NewValidationErrorf("invalid interval unit %q in pattern %q", string(unit), pattern)
	}
}

// parseCronPattern parses a 5-field (minute-resolution) or 6-field
// (second-resolution) cron expression.
func parseCronPattern(pattern string) (cron.Schedule, error) {
	fields := strings.Fields(pattern)
	var (
		sched cron.Schedule
		err   error
	)
	switch len(fields) {
	case 5:
		sched, err = standardCronParser.Parse(pattern)
	case 6:
		sched, err = secondsCronParser.Parse(pattern)
	default:
		return nil, NewValidationErrorf("cron pattern %q must have 5 or 6 fields", pattern)
	}
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("invalid cron pattern %q: %v", pattern, err))
	}
	return sched, nil
}

func (sched *Schedule) clone() *Schedule {
	c := *sched
	if sched.NextRunAt != nil {
		t := *sched.NextRunAt
		c.NextRunAt = &t
	}
	if sched.LastRunAt != nil {
		t := *sched.LastRunAt
		c.LastRunAt = &t
	}
	if sched.StartDate != nil {
		t := *sched.StartDate
		c.StartDate = &t
	}
	if sched.EndDate != nil {
		t := *sched.EndDate
		c.EndDate = &t
	}
	if sched.Data != nil {
		c.Data = append(json.RawMessage(nil), sched.Data...)
	}
	if sched.JobOptions != nil {
		o := *sched.JobOptions
		c.JobOptions = &o
	}
	return &c
}
