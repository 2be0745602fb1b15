package queue

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobState represents the lifecycle state of a job
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StatePaused    JobState = "paused"
)

// AllStates lists every job state, in counting order.
var AllStates = []JobState{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed, StatePaused}

// BackoffKind selects the retry backoff strategy
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// maxBackoffDelay caps computed backoff so exponential growth cannot
// overflow into a multi-day stall.
const maxBackoffDelay = 24 * time.Hour

const (
	maxJobNameLength  = 256
	defaultAttempts   = 3
	rollingWindowSize = 100
)

var (
	jobNameRegexp  = regexp.MustCompile(`^[A-Za-z0-9_.:\-]+$`)
	tenantIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
)

// tenantPrefix is the formal encoding marker for tenant-scoped job names.
const tenantPrefix = "tenant:"

// BackoffOptions configures the delay inserted between retries.
type BackoffOptions struct {
	Kind  BackoffKind   `json:"kind"`
	Delay time.Duration `json:"delay"`
}

// KeepPolicy controls retention of terminal jobs: keep everything, remove
// immediately, or keep at most Count most recent.
type KeepPolicy struct {
	Remove bool `json:"remove"`
	Count  int  `json:"count,omitempty"`
}

// JobOptions are the per-job knobs merged over the queue defaults.
type JobOptions struct {
	Attempts         int             `json:"attempts"`
	Backoff          *BackoffOptions `json:"backoff,omitempty"`
	Priority         int             `json:"priority"`
	Delay            time.Duration   `json:"delay"`
	Timeout          time.Duration   `json:"timeout"`
	RemoveOnComplete *KeepPolicy     `json:"remove_on_complete,omitempty"`
	RemoveOnFail     *KeepPolicy     `json:"remove_on_fail,omitempty"`
	JobID            string          `json:"job_id,omitempty"`
}

// DefaultJobOptions returns the queue-wide option defaults.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts: defaultAttempts,
		Priority: 0,
	}
}

// Job is a unit of work flowing through the queue.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Opts         JobOptions      `json:"opts"`
	State        JobState        `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	Progress     int             `json:"progress"`
	CreatedAt    time.Time       `json:"created_at"`
	// NextAttemptAt is set when a failed attempt is rescheduled with backoff.
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	ReturnValue   json.RawMessage `json:"returnvalue,omitempty"`
	FailedReason  string          `json:"failed_reason,omitempty"`
	Stacktrace    []string        `json:"stacktrace,omitempty"`
}

// NewJob validates its inputs, merges opts over defaults, and returns a
// waiting job with a fresh id (unless opts.JobID overrides it).
func NewJob(name string, payload interface{}, opts *JobOptions, defaults JobOptions) (*Job, error) {
	if err := ValidateJobName(name); err != nil {
		return nil, err
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	merged := mergeJobOptions(opts, defaults)
	if err := ValidateJobOptions(&merged); err != nil {
		return nil, err
	}

	id := merged.JobID
	if id == "" {
		id = generateJobID()
	}

	return &Job{
		ID:           id,
		Name:         name,
		Payload:      raw,
		Opts:         merged,
		State:        StateWaiting,
		AttemptsMade: 0,
		Progress:     0,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// generateJobID mints a collision-resistant id: millisecond timestamp plus a
// random uuid fragment.
func generateJobID() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), suffix)
}

// marshalPayload serialises the payload to JSON. A nil payload is accepted
// and treated as "no payload"; unserialisable values are rejected.
func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil, nil
		}
		if !json.Valid(raw) {
			return nil, NewValidationError("job payload is not valid JSON")
		}
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, NewValidationErrorf("job payload is not serialisable: %v", err)
	}
	return raw, nil
}

// mergeJobOptions overlays the caller's options on the queue defaults.
func mergeJobOptions(opts *JobOptions, defaults JobOptions) JobOptions {
	merged := defaults
	if merged.Attempts == 0 {
		merged.Attempts = defaultAttempts
	}
	if opts == nil {
		return merged
	}
	if opts.Attempts != 0 {
		merged.Attempts = opts.Attempts
	}
	if opts.Backoff != nil {
		b := *opts.Backoff
		merged.Backoff = &b
	}
	if opts.Priority != 0 {
		merged.Priority = opts.Priority
	}
	if opts.Delay != 0 {
		merged.Delay = opts.Delay
	}
	if opts.Timeout != 0 {
		merged.Timeout = opts.Timeout
	}
	if opts.RemoveOnComplete != nil {
		p := *opts.RemoveOnComplete
		merged.RemoveOnComplete = &p
	}
	if opts.RemoveOnFail != nil {
		p := *opts.RemoveOnFail
		merged.RemoveOnFail = &p
	}
	if opts.JobID != "" {
		merged.JobID = opts.JobID
	}
	return merged
}

// ValidateJobName checks the job name charset and length.
func ValidateJobName(name string) error {
	if name == "" {
		return NewValidationError("job name is required")
	}
	if len(name) > maxJobNameLength {
		return NewValidationErrorf("job name exceeds %d characters", maxJobNameLength)
	}
	if !jobNameRegexp.MatchString(name) {
		return NewValidationErrorf("job name %q contains invalid characters", name)
	}
	return nil
}

// ValidateJobOptions checks option ranges.
func ValidateJobOptions(opts *JobOptions) error {
	if opts.Attempts < 1 {
		return NewValidationError("attempts must be at least 1")
	}
	if opts.Delay < 0 {
		return NewValidationError("delay must not be negative")
	}
	if opts.Timeout < 0 {
		return NewValidationError("timeout must not be negative")
	}
	if opts.Backoff != nil {
		if opts.Backoff.Kind != BackoffFixed && opts.Backoff.Kind != BackoffExponential {
			return NewValidationErrorf("unknown backoff kind %q", opts.Backoff.Kind)
		}
		if opts.Backoff.Delay < 0 {
			return NewValidationError("backoff delay must not be negative")
		}
	}
	if opts.RemoveOnComplete != nil && opts.RemoveOnComplete.Count < 0 {
		return NewValidationError("remove_on_complete count must not be negative")
	}
	if opts.RemoveOnFail != nil && opts.RemoveOnFail.Count < 0 {
		return NewValidationError("remove_on_fail count must not be negative")
	}
	return nil
}

// ComputeBackoffDelay returns the delay to insert before the given attempt
// number (1-based). Fixed strategies return the configured delay; exponential
// strategies double it each step, and the doubling is capped at
// maxBackoffDelay. The configured delay itself is returned as given.
func ComputeBackoffDelay(b *BackoffOptions, attempt int) time.Duration {
	if b == nil || attempt < 1 {
		return 0
	}
	switch b.Kind {
	case BackoffExponential:
		delay := b.Delay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= maxBackoffDelay || delay < 0 {
				return maxBackoffDelay
			}
		}
		return delay
	default:
		return b.Delay
	}
}

// ShouldRetry reports whether a failed job has attempts left.
func ShouldRetry(attemptsMade, maxAttempts int) bool {
	return attemptsMade < maxAttempts
}

// ClampProgress clamps a progress value into [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// IsTerminalState reports whether jobs in this state never transition again.
func IsTerminalState(s JobState) bool {
	return s == StateCompleted || s == StateFailed
}

// IsActiveState reports whether the state belongs to the active set.
func IsActiveState(s JobState) bool {
	return s == StateWaiting || s == StateDelayed || s == StateActive
}

// UpdateProgress clamps and records progress on the job.
func (j *Job) UpdateProgress(p int) {
	j.Progress = ClampProgress(p)
}

// MarkActive stamps the job as claimed by a worker.
func (j *Job) MarkActive() {
	now := time.Now().UTC()
	j.State = StateActive
	j.StartedAt = &now
	j.AttemptsMade++
}

// MarkCompleted records a successful terminal transition.
func (j *Job) MarkCompleted(result json.RawMessage) {
	now := time.Now().UTC()
	j.State = StateCompleted
	j.FinishedAt = &now
	j.ReturnValue = result
	j.Progress = 100
}

// MarkFailed records a failed terminal transition.
func (j *Job) MarkFailed(reason string, stacktrace []string) {
	now := time.Now().UTC()
	j.State = StateFailed
	j.FinishedAt = &now
	j.FailedReason = reason
	j.Stacktrace = stacktrace
}

// ReadyAt is the earliest instant the job may be claimed: the retry
// reschedule time when set, otherwise creation plus the configured delay.
func (j *Job) ReadyAt() time.Time {
	if j.NextAttemptAt != nil {
		return *j.NextAttemptAt
	}
	return j.CreatedAt.Add(j.Opts.Delay)
}

// Clone returns a deep copy safe to hand to callers.
func (j *Job) Clone() *Job {
	c := *j
	if j.NextAttemptAt != nil {
		t := *j.NextAttemptAt
		c.NextAttemptAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.ReturnValue != nil {
		c.ReturnValue = append(json.RawMessage(nil), j.ReturnValue...)
	}
	if j.Stacktrace != nil {
		c.Stacktrace = append([]string(nil), j.Stacktrace...)
	}
	if j.Opts.Backoff != nil {
		b := *j.Opts.Backoff
		c.Opts.Backoff = &b
	}
	if j.Opts.RemoveOnComplete != nil {
		p := *j.Opts.RemoveOnComplete
		c.Opts.RemoveOnComplete = &p
	}
	if j.Opts.RemoveOnFail != nil {
		p := *j.Opts.RemoveOnFail
		c.Opts.RemoveOnFail = &p
	}
	return &c
}

// BuildTenantJobName prefixes a job name with its tenant namespace.
func BuildTenantJobName(tenantID, name string) (string, error) {
	if tenantID == "" {
		return "", NewValidationError("tenant id is required")
	}
	if !tenantIDRegexp.MatchString(tenantID) {
		return "", NewValidationErrorf("tenant id %q contains invalid characters", tenantID)
	}
	if err := ValidateJobName(name); err != nil {
		return "", err
	}
	return tenantPrefix + tenantID + ":" + name, nil
}

// ExtractTenantID returns the tenant id from a namespaced job name, or ""
// when the name is not tenant-scoped.
func ExtractTenantID(name string) string {
	if !strings.HasPrefix(name, tenantPrefix) {
		return ""
	}
	rest := name[len(tenantPrefix):]
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return ""
	}
	return rest[:idx]
}

// ExtractJobName strips the tenant namespace from a job name. Names without
// a tenant prefix are returned unchanged.
func ExtractJobName(name string) string {
	if !strings.HasPrefix(name, tenantPrefix) {
		return name
	}
	rest := name[len(tenantPrefix):]
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return name
	}
	return rest[idx+1:]
}

// MarshalRecord flattens the job into a string-keyed record, the shape the
// Redis broker stores as a hash.
func (j *Job) MarshalRecord() map[string]interface{} {
	optsJSON, _ := json.Marshal(j.Opts)
	rec := map[string]interface{}{
		"id":            j.ID,
		"name":          j.Name,
		"opts":          string(optsJSON),
		"state":         string(j.State),
		"attempts_made": strconv.Itoa(j.AttemptsMade),
		"progress":      strconv.Itoa(j.Progress),
		"created_at":    strconv.FormatInt(j.CreatedAt.UnixMilli(), 10),
	}
	if j.Payload != nil {
		rec["payload"] = string(j.Payload)
	}
	if j.NextAttemptAt != nil {
		rec["next_attempt_at"] = strconv.FormatInt(j.NextAttemptAt.UnixMilli(), 10)
	}
	if j.StartedAt != nil {
		rec["started_at"] = strconv.FormatInt(j.StartedAt.UnixMilli(), 10)
	}
	if j.FinishedAt != nil {
		rec["finished_at"] = strconv.FormatInt(j.FinishedAt.UnixMilli(), 10)
	}
	if j.ReturnValue != nil {
		rec["returnvalue"] = string(j.ReturnValue)
	}
	if j.FailedReason != "" {
		rec["failed_reason"] = j.FailedReason
	}
	if len(j.Stacktrace) > 0 {
		st, _ := json.Marshal(j.Stacktrace)
		rec["stacktrace"] = string(st)
	}
	return rec
}

// UnmarshalRecord rebuilds a job from its record form. It is the inverse of
// MarshalRecord on all round-trippable fields.
func UnmarshalRecord(rec map[string]string) (*Job, error) {
	id, ok := rec["id"]
	if !ok || id == "" {
		return nil, NewQueueError("job record is missing an id")
	}
	j := &Job{
		ID:    id,
		Name:  rec["name"],
		State: JobState(rec["state"]),
	}
	if v := rec["opts"]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Opts); err != nil {
			return nil, NewQueueErrorf("job %s has malformed options: %v", id, err)
		}
	}
	if v := rec["payload"]; v != "" {
		j.Payload = json.RawMessage(v)
	}
	if v := rec["attempts_made"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, NewQueueErrorf("job %s has malformed attempts_made: %v", id, err)
		}
		j.AttemptsMade = n
	}
	if v := rec["progress"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, NewQueueErrorf("job %s has malformed progress: %v", id, err)
		}
		j.Progress = ClampProgress(n)
	}
	if v := rec["created_at"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, NewQueueErrorf("job %s has malformed created_at: %v", id, err)
		}
		j.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if v := rec["next_attempt_at"]; v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms).UTC()
			j.NextAttemptAt = &t
		}
	}
	if v := rec["started_at"]; v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms).UTC()
			j.StartedAt = &t
		}
	}
	if v := rec["finished_at"]; v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms).UTC()
			j.FinishedAt = &t
		}
	}
	if v := rec["returnvalue"]; v != "" {
		j.ReturnValue = json.RawMessage(v)
	}
	j.FailedReason = rec["failed_reason"]
	if v := rec["stacktrace"]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Stacktrace); err != nil {
			return nil, NewQueueErrorf("job %s has malformed stacktrace: %v", id, err)
		}
	}
	return j, nil
}
