package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// priorityBand spreads the priority above the millisecond timestamp in the
// waiting-set score so claims order by (priority asc, createdAt asc).
const priorityBand = 1e13

// promoteBatchSize bounds how many due delayed jobs one claim promotes.
const promoteBatchSize = 100

// RedisBroker is the Redis-backed Broker. Per queue it keeps a hash per job,
// sorted sets for the waiting/delayed/completed/failed jobs, a set for the
// active ones, and a pause flag. ZPOPMIN makes the claim atomic: a job is
// handed to exactly one worker.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

// NewRedisBroker creates a broker for one queue on a shared Redis client.
// The client stays owned by the caller.
func NewRedisBroker(client *redis.Client, prefix, queueName string) *RedisBroker {
	return &RedisBroker{
		client: client,
		prefix: fmt.Sprintf("%s:%s", prefix, queueName),
	}
}

func (b *RedisBroker) jobKey(id string) string { return b.prefix + ":job:" + id }
func (b *RedisBroker) waitingKey() string      { return b.prefix + ":waiting" }
func (b *RedisBroker) delayedKey() string      { return b.prefix + ":delayed" }
func (b *RedisBroker) activeKey() string       { return b.prefix + ":active" }
func (b *RedisBroker) pausedKey() string       { return b.prefix + ":paused" }

func (b *RedisBroker) terminalKey(state JobState) string {
	return b.prefix + ":" + string(state)
}

// waitingScore orders waiting jobs by priority first, creation time second.
func waitingScore(job *Job) float64 {
	return float64(job.Opts.Priority)*priorityBand + float64(job.CreatedAt.UnixMilli())
}

// Add durably records a job and indexes it as waiting or delayed.
func (b *RedisBroker) Add(ctx context.Context, job *Job) error {
	stored := job.Clone()
	if stored.ReadyAt().After(time.Now()) {
		stored.State = StateDelayed
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobKey(stored.ID), stored.MarshalRecord())
	if stored.State == StateDelayed {
		pipe.ZAdd(ctx, b.delayedKey(), redis.Z{
			Score:  float64(stored.ReadyAt().UnixMilli()),
			Member: stored.ID,
		})
	} else {
		pipe.ZAdd(ctx, b.waitingKey(), redis.Z{
			Score:  waitingScore(stored),
			Member: stored.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return WrapBrokerError("add", err)
	}
	return nil
}

// AddBulk records jobs one transaction per item, preserving order.
func (b *RedisBroker) AddBulk(ctx context.Context, jobs []*Job) error {
	for _, job := range jobs {
		if err := b.Add(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// GetJob loads a job hash, or nil when unknown.
func (b *RedisBroker) GetJob(ctx context.Context, id string) (*Job, error) {
	rec, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, WrapBrokerError("get job", err)
	}
	if len(rec) == 0 {
		return nil, nil
	}
	return UnmarshalRecord(rec)
}

// GetJobs loads jobs in the given states (all when empty), newest first,
// paged by [start, end).
func (b *RedisBroker) GetJobs(ctx context.Context, states []JobState, start, end int) ([]*Job, error) {
	if len(states) == 0 {
		states = AllStates
	}

	var ids []string
	for _, state := range states {
		stateIDs, err := b.stateMembers(ctx, state)
		if err != nil {
			return nil, err
		}
		ids = append(ids, stateIDs...)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := b.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}

	jobs = SortByCreatedAt(jobs, false)
	if end <= 0 {
		end = len(jobs)
	}
	return Paginate(jobs, start, end), nil
}

// stateMembers lists the job ids indexed under one state.
func (b *RedisBroker) stateMembers(ctx context.Context, state JobState) ([]string, error) {
	var (
		ids []string
		err error
	)
	switch state {
	case StateWaiting:
		ids, err = b.client.ZRange(ctx, b.waitingKey(), 0, -1).Result()
	case StateDelayed:
		ids, err = b.client.ZRange(ctx, b.delayedKey(), 0, -1).Result()
	case StateActive:
		ids, err = b.client.SMembers(ctx, b.activeKey()).Result()
	case StateCompleted, StateFailed:
		ids, err = b.client.ZRange(ctx, b.terminalKey(state), 0, -1).Result()
	case StatePaused:
		// Paused is the waiting set of a paused queue.
		paused, perr := b.isPaused(ctx)
		if perr != nil {
			return nil, perr
		}
		if !paused {
			return nil, nil
		}
		ids, err = b.client.ZRange(ctx, b.waitingKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, WrapBrokerError("list state", err)
	}
	return ids, nil
}

// GetJobCounts returns per-state counts; missing states default to 0. In a
// paused queue the waiting jobs are reported under paused.
func (b *RedisBroker) GetJobCounts(ctx context.Context, states ...JobState) (map[JobState]int, error) {
	if len(states) == 0 {
		states = AllStates
	}

	paused, err := b.isPaused(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[JobState]int, len(states))
	for _, s := range states {
		counts[s] = 0
	}

	raw := map[JobState]*redis.IntCmd{}
	pipe := b.client.Pipeline()
	raw[StateWaiting] = pipe.ZCard(ctx, b.waitingKey())
	raw[StateDelayed] = pipe.ZCard(ctx, b.delayedKey())
	raw[StateActive] = pipe.SCard(ctx, b.activeKey())
	raw[StateCompleted] = pipe.ZCard(ctx, b.terminalKey(StateCompleted))
	raw[StateFailed] = pipe.ZCard(ctx, b.terminalKey(StateFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, WrapBrokerError("job counts", err)
	}

	actual := map[JobState]int{
		StateWaiting:   int(raw[StateWaiting].Val()),
		StateDelayed:   int(raw[StateDelayed].Val()),
		StateActive:    int(raw[StateActive].Val()),
		StateCompleted: int(raw[StateCompleted].Val()),
		StateFailed:    int(raw[StateFailed].Val()),
		StatePaused:    0,
	}
	if paused {
		actual[StatePaused] = actual[StateWaiting]
		actual[StateWaiting] = 0
	}

	for _, s := range states {
		counts[s] = actual[s]
	}
	return counts, nil
}

// Claim promotes due delayed jobs, then pops the most urgent waiting job.
// ZPOPMIN guarantees a single claimant per job across workers.
func (b *RedisBroker) Claim(ctx context.Context) (*Job, error) {
	if err := b.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	paused, err := b.isPaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	popped, err := b.client.ZPopMin(ctx, b.waitingKey(), 1).Result()
	if err != nil {
		return nil, WrapBrokerError("claim", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	id, _ := popped[0].Member.(string)
	job, err := b.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Hash vanished between pop and load (removed or cleaned).
		return nil, nil
	}

	job.MarkActive()
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobKey(job.ID), job.MarshalRecord())
	pipe.SAdd(ctx, b.activeKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, WrapBrokerError("claim", err)
	}
	return job, nil
}

// promoteDelayed moves due delayed jobs into the waiting set.
func (b *RedisBroker) promoteDelayed(ctx context.Context) error {
	now := time.Now().UnixMilli()
	ids, err := b.client.ZRangeByScore(ctx, b.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: promoteBatchSize,
	}).Result()
	if err != nil {
		return WrapBrokerError("promote delayed", err)
	}

	for _, id := range ids {
		job, err := b.GetJob(ctx, id)
		if err != nil {
			return err
		}
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, b.delayedKey(), id)
		if job != nil {
			job.State = StateWaiting
			pipe.HSet(ctx, b.jobKey(id), "state", string(StateWaiting))
			pipe.ZAdd(ctx, b.waitingKey(), redis.Z{Score: waitingScore(job), Member: id})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return WrapBrokerError("promote delayed", err)
		}
	}
	return nil
}

// Update rewrites the job record and re-indexes it under its state.
func (b *RedisBroker) Update(ctx context.Context, job *Job) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.waitingKey(), job.ID)
	pipe.ZRem(ctx, b.delayedKey(), job.ID)
	pipe.SRem(ctx, b.activeKey(), job.ID)
	pipe.ZRem(ctx, b.terminalKey(StateCompleted), job.ID)
	pipe.ZRem(ctx, b.terminalKey(StateFailed), job.ID)
	pipe.HSet(ctx, b.jobKey(job.ID), job.MarshalRecord())

	switch job.State {
	case StateWaiting:
		pipe.ZAdd(ctx, b.waitingKey(), redis.Z{Score: waitingScore(job), Member: job.ID})
	case StateDelayed:
		pipe.ZAdd(ctx, b.delayedKey(), redis.Z{
			Score:  float64(job.ReadyAt().UnixMilli()),
			Member: job.ID,
		})
	case StateActive:
		pipe.SAdd(ctx, b.activeKey(), job.ID)
	case StateCompleted, StateFailed:
		score := float64(time.Now().UnixMilli())
		if job.FinishedAt != nil {
			score = float64(job.FinishedAt.UnixMilli())
		}
		pipe.ZAdd(ctx, b.terminalKey(job.State), redis.Z{Score: score, Member: job.ID})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return WrapBrokerError("update", err)
	}
	return nil
}

// Remove deletes the job and all its index entries.
func (b *RedisBroker) Remove(ctx context.Context, id string) (bool, error) {
	pipe := b.client.TxPipeline()
	del := pipe.Del(ctx, b.jobKey(id))
	pipe.ZRem(ctx, b.waitingKey(), id)
	pipe.ZRem(ctx, b.delayedKey(), id)
	pipe.SRem(ctx, b.activeKey(), id)
	pipe.ZRem(ctx, b.terminalKey(StateCompleted), id)
	pipe.ZRem(ctx, b.terminalKey(StateFailed), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, WrapBrokerError("remove", err)
	}
	return del.Val() > 0, nil
}

// Pause raises the queue pause flag; claims stop, delayed promotion keeps
// going.
func (b *RedisBroker) Pause(ctx context.Context) error {
	if err := b.client.Set(ctx, b.pausedKey(), "1", 0).Err(); err != nil {
		return WrapBrokerError("pause", err)
	}
	return nil
}

// Resume clears the pause flag.
func (b *RedisBroker) Resume(ctx context.Context) error {
	if err := b.client.Del(ctx, b.pausedKey()).Err(); err != nil {
		return WrapBrokerError("resume", err)
	}
	return nil
}

func (b *RedisBroker) isPaused(ctx context.Context) (bool, error) {
	val, err := b.client.Get(ctx, b.pausedKey()).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, WrapBrokerError("pause check", err)
	}
	return val == "1", nil
}

// Drain removes waiting jobs only.
func (b *RedisBroker) Drain(ctx context.Context) (int, error) {
	ids, err := b.client.ZRange(ctx, b.waitingKey(), 0, -1).Result()
	if err != nil {
		return 0, WrapBrokerError("drain", err)
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, b.jobKey(id))
	}
	pipe.Del(ctx, b.waitingKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, WrapBrokerError("drain", err)
	}
	return len(ids), nil
}

// Clean removes terminal jobs finished longer than grace ago, oldest first,
// up to limit (0 = unlimited).
func (b *RedisBroker) Clean(ctx context.Context, grace time.Duration, limit int, state JobState) ([]string, error) {
	if !IsTerminalState(state) {
		return nil, NewValidationErrorf("clean requires a terminal state, got %q", state)
	}

	cutoff := time.Now().Add(-grace).UnixMilli()
	rangeBy := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(cutoff, 10)}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}
	ids, err := b.client.ZRangeByScore(ctx, b.terminalKey(state), rangeBy).Result()
	if err != nil {
		return nil, WrapBrokerError("clean", err)
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, b.jobKey(id))
		pipe.ZRem(ctx, b.terminalKey(state), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, WrapBrokerError("clean", err)
	}
	return ids, nil
}

// Ping checks Redis connectivity.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return WrapBrokerError("ping", err)
	}
	return nil
}

// Close releases broker resources. The Redis client is shared and stays
// owned by the caller.
func (b *RedisBroker) Close() error {
	return nil
}
