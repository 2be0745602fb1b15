package queue

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobDefaults(t *testing.T) {
	job, err := NewJob("analyse-repo", map[string]string{"repo": "r1"}, nil, DefaultJobOptions())
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "analyse-repo", job.Name)
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, 0, job.AttemptsMade)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, 3, job.Opts.Attempts)
	assert.Equal(t, 0, job.Opts.Priority)
	assert.False(t, job.CreatedAt.IsZero())
	assert.JSONEq(t, `{"repo":"r1"}`, string(job.Payload))
}

func TestNewJobHonoursJobID(t *testing.T) {
	job, err := NewJob("x", nil, &JobOptions{JobID: "custom-1"}, DefaultJobOptions())
	require.NoError(t, err)
	assert.Equal(t, "custom-1", job.ID)
}

func TestNewJobUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		job, err := NewJob("x", nil, nil, DefaultJobOptions())
		require.NoError(t, err)
		require.False(t, seen[job.ID], "duplicate id %s", job.ID)
		seen[job.ID] = true
	}
}

func TestNewJobNilPayload(t *testing.T) {
	job, err := NewJob("x", nil, nil, DefaultJobOptions())
	require.NoError(t, err)
	assert.Nil(t, job.Payload)
}

func TestNewJobRejectsUnserialisablePayload(t *testing.T) {
	_, err := NewJob("x", make(chan int), nil, DefaultJobOptions())
	require.Error(t, err)
	assert.True(t, IsQueueError(err))
}

func TestValidateJobName(t *testing.T) {
	tests := []struct {
		name    string
		jobName string
		wantErr bool
	}{
		{"simple", "report", false},
		{"all allowed characters", "tenant:t1:some_job.v2-x", false},
		{"max length accepted", strings.Repeat("a", 256), false},
		{"over max length rejected", strings.Repeat("a", 257), true},
		{"empty rejected", "", true},
		{"spaces rejected", "bad name", true},
		{"slash rejected", "bad/name", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobName(tt.jobName)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateJobOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    JobOptions
		wantErr bool
	}{
		{"defaults ok", DefaultJobOptions(), false},
		{"attempts zero rejected", JobOptions{Attempts: 0}, true},
		{"attempts one accepted", JobOptions{Attempts: 1}, false},
		{"negative priority accepted", JobOptions{Attempts: 1, Priority: -5}, false},
		{"negative delay rejected", JobOptions{Attempts: 1, Delay: -time.Second}, true},
		{"negative timeout rejected", JobOptions{Attempts: 1, Timeout: -time.Second}, true},
		{"unknown backoff kind rejected", JobOptions{Attempts: 1, Backoff: &BackoffOptions{Kind: "linear"}}, true},
		{"negative backoff delay rejected", JobOptions{Attempts: 1, Backoff: &BackoffOptions{Kind: BackoffFixed, Delay: -1}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobOptions(&tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestComputeBackoffDelay(t *testing.T) {
	fixed := &BackoffOptions{Kind: BackoffFixed, Delay: 100 * time.Millisecond}
	exp := &BackoffOptions{Kind: BackoffExponential, Delay: 100 * time.Millisecond}

	assert.Equal(t, time.Duration(0), ComputeBackoffDelay(fixed, 0))
	assert.Equal(t, time.Duration(0), ComputeBackoffDelay(nil, 3))

	assert.Equal(t, 100*time.Millisecond, ComputeBackoffDelay(fixed, 1))
	assert.Equal(t, 100*time.Millisecond, ComputeBackoffDelay(fixed, 5))

	assert.Equal(t, 100*time.Millisecond, ComputeBackoffDelay(exp, 1))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoffDelay(exp, 2))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoffDelay(exp, 3))

	// Monotone non-decreasing in the attempt number.
	prev := time.Duration(0)
	for n := 1; n <= 40; n++ {
		d := ComputeBackoffDelay(exp, n)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}

	// Exponential growth is capped.
	assert.Equal(t, maxBackoffDelay, ComputeBackoffDelay(exp, 64))
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(0, 3))
	assert.True(t, ShouldRetry(2, 3))
	assert.False(t, ShouldRetry(3, 3))
	assert.False(t, ShouldRetry(1, 1))
}

func TestClampProgress(t *testing.T) {
	assert.Equal(t, 0, ClampProgress(-10))
	assert.Equal(t, 0, ClampProgress(0))
	assert.Equal(t, 42, ClampProgress(42))
	assert.Equal(t, 100, ClampProgress(100))
	assert.Equal(t, 100, ClampProgress(250))

	// Idempotent.
	for _, p := range []int{-5, 0, 50, 100, 150} {
		assert.Equal(t, ClampProgress(p), ClampProgress(ClampProgress(p)))
	}
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, IsTerminalState(StateCompleted))
	assert.True(t, IsTerminalState(StateFailed))
	assert.False(t, IsTerminalState(StateWaiting))

	assert.True(t, IsActiveState(StateWaiting))
	assert.True(t, IsActiveState(StateDelayed))
	assert.True(t, IsActiveState(StateActive))
	assert.False(t, IsActiveState(StateCompleted))
	assert.False(t, IsActiveState(StatePaused))
}

func TestTenantNamespacing(t *testing.T) {
	scoped, err := BuildTenantJobName("t1", "ingest")
	require.NoError(t, err)
	assert.Equal(t, "tenant:t1:ingest", scoped)

	assert.Equal(t, "t1", ExtractTenantID(scoped))
	assert.Equal(t, "ingest", ExtractJobName(scoped))

	// Round-trips with names containing colons.
	scoped, err = BuildTenantJobName("acme-2", "reports:nightly")
	require.NoError(t, err)
	assert.Equal(t, "acme-2", ExtractTenantID(scoped))
	assert.Equal(t, "reports:nightly", ExtractJobName(scoped))

	// Unscoped names pass through.
	assert.Equal(t, "", ExtractTenantID("plain"))
	assert.Equal(t, "plain", ExtractJobName("plain"))
}

func TestBuildTenantJobNameRejectsBadIDs(t *testing.T) {
	_, err := BuildTenantJobName("", "x")
	assert.Error(t, err)

	_, err = BuildTenantJobName("a:b", "x")
	assert.Error(t, err)
}

func TestJobRecordRoundTrip(t *testing.T) {
	job, err := NewJob("roundtrip", map[string]int{"n": 7}, &JobOptions{
		Attempts: 5,
		Priority: -2,
		Delay:    250 * time.Millisecond,
		Timeout:  time.Minute,
		Backoff:  &BackoffOptions{Kind: BackoffExponential, Delay: time.Second},
	}, DefaultJobOptions())
	require.NoError(t, err)

	job.MarkActive()
	job.UpdateProgress(55)
	job.MarkCompleted(json.RawMessage(`{"ok":true}`))

	restored, err := UnmarshalRecord(stringRecord(job.MarshalRecord()))
	require.NoError(t, err)

	assert.Equal(t, job.ID, restored.ID)
	assert.Equal(t, job.Name, restored.Name)
	assert.Equal(t, job.State, restored.State)
	assert.Equal(t, job.AttemptsMade, restored.AttemptsMade)
	assert.Equal(t, job.Progress, restored.Progress)
	assert.Equal(t, job.Opts, restored.Opts)
	assert.JSONEq(t, string(job.Payload), string(restored.Payload))
	assert.JSONEq(t, string(job.ReturnValue), string(restored.ReturnValue))
	assert.Equal(t, job.CreatedAt.UnixMilli(), restored.CreatedAt.UnixMilli())
	require.NotNil(t, restored.StartedAt)
	require.NotNil(t, restored.FinishedAt)
}

func TestUnmarshalRecordRejectsMissingID(t *testing.T) {
	_, err := UnmarshalRecord(map[string]string{"name": "x"})
	assert.Error(t, err)
}

func TestFailedJobRecordKeepsReason(t *testing.T) {
	job, err := NewJob("f", nil, nil, DefaultJobOptions())
	require.NoError(t, err)
	job.MarkActive()
	job.MarkFailed("boom", []string{"boom"})

	restored, err := UnmarshalRecord(stringRecord(job.MarshalRecord()))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, restored.State)
	assert.Equal(t, "boom", restored.FailedReason)
	assert.Equal(t, []string{"boom"}, restored.Stacktrace)
}

// stringRecord converts the hash-shaped record into the form the broker
// reads back from Redis.
func stringRecord(rec map[string]interface{}) map[string]string {
	out := make(map[string]string, len(rec))
	for k, v := range rec {
		out[k] = v.(string)
	}
	return out
}
