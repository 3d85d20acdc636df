package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Policy captures the per-job retry, lock, and retention configuration. It is
// configuration, not code: callers tune it, the queue enforces it.
type Policy struct {
	MaxAttempts             int
	BackoffBase             time.Duration
	BackoffMax              time.Duration
	LockDuration            time.Duration
	MaxStalledCount         int
	CompletedRetentionAge   time.Duration
	CompletedRetentionCount int64
	FailedRetentionAge      time.Duration
}

// DefaultPolicy mirrors the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:             3,
		BackoffBase:             2 * time.Second,
		BackoffMax:              5 * time.Minute,
		LockDuration:            120 * time.Second,
		MaxStalledCount:         2,
		CompletedRetentionAge:   time.Hour,
		CompletedRetentionCount: 1000,
		FailedRetentionAge:      7 * 24 * time.Hour,
	}
}

// Job is an at-least-once delivery unit. It carries only the report id as
// payload: the worker re-reads persisted state on every attempt, so retries
// survive partial progress from a prior attempt.
type Job struct {
	ID          string
	ReportID    string
	Attempts    int
	MaxAttempts int
	Stalls      int
}

// Stats reports queue depths for operational visibility.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// RedisQueue coordinates ready, delayed, active, and finished job sets in
// Redis. Scores in the delayed set are run-at times; scores in the active set
// are lease deadlines; scores in the completed/failed sets are finish times.
type RedisQueue struct {
	client       *redis.Client
	policy       Policy
	readyKey     string
	delayedKey   string
	activeKey    string
	completedKey string
	failedKey    string
	metaPrefix   string
}

// New builds a queue around an existing Redis client so tests can back it
// with miniredis.
func New(client *redis.Client, policy Policy) *RedisQueue {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.LockDuration <= 0 {
		policy.LockDuration = 120 * time.Second
	}
	return &RedisQueue{
		client:       client,
		policy:       policy,
		readyKey:     "audit:ready",
		delayedKey:   "audit:delayed",
		activeKey:    "audit:active",
		completedKey: "audit:completed",
		failedKey:    "audit:failed",
		metaPrefix:   "audit:meta:",
	}
}

// Policy returns the configured retry/lock policy.
func (q *RedisQueue) Policy() Policy {
	return q.policy
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

// EnqueueOptions tune a single enqueue call.
type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
}

// Enqueue inserts a job referencing a report id. It returns immediately and
// does not verify the report exists; the worker validates that on delivery.
func (q *RedisQueue) Enqueue(ctx context.Context, reportID string, opts EnqueueOptions) (Job, error) {
	if reportID == "" {
		return Job{}, fmt.Errorf("enqueue: report id is required")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.policy.MaxAttempts
	}

	job := Job{
		ID:          uuid.New().String(),
		ReportID:    reportID,
		MaxAttempts: maxAttempts,
	}

	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(job.ID),
		"report_id", reportID,
		"attempts", 0,
		"max_attempts", maxAttempts,
		"stalls", 0,
		"enqueued_at", now.UnixMilli(),
	)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: job.ID})
	} else {
		pipe.RPush(ctx, q.readyKey, job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// Dequeue pops one ready job and places it into the active set with a lease
// deadline. It returns ok=false when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context, now time.Time) (Job, bool, error) {
	deadline := now.Add(q.policy.LockDuration).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.activeKey}, deadline).Result()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("dequeue: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		// Meta already cleaned up; drop the orphaned active entry.
		_ = q.client.ZRem(ctx, q.activeKey, jobID).Err()
		return Job{}, false, err
	}
	return job, true, nil
}

func (q *RedisQueue) loadJob(ctx context.Context, jobID string) (Job, error) {
	meta, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return Job{}, fmt.Errorf("load job meta: %w", err)
	}
	if len(meta) == 0 {
		return Job{}, fmt.Errorf("job %s has no meta record", jobID)
	}
	return Job{
		ID:          jobID,
		ReportID:    meta["report_id"],
		Attempts:    atoi(meta["attempts"]),
		MaxAttempts: atoi(meta["max_attempts"]),
		Stalls:      atoi(meta["stalls"]),
	}, nil
}

// RenewLease pushes the lease deadline forward for an active job. A worker
// that stops renewing loses the job to stall reclaim.
func (q *RedisQueue) RenewLease(ctx context.Context, jobID string, now time.Time) error {
	err := q.client.ZAddXX(ctx, q.activeKey, redis.Z{
		Score:  float64(now.Add(q.policy.LockDuration).UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	return nil
}

// ReclaimStalled moves active jobs whose lease deadline passed back to the
// ready queue. A job that stalls more than the policy allows is dead-lettered
// instead and returned in exhausted so the caller can record the failure.
func (q *RedisQueue) ReclaimStalled(ctx context.Context, now time.Time, limit int64) (requeued, exhausted []Job, err error) {
	ids, err := q.client.ZRangeByScore(ctx, q.activeKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("scan stalled jobs: %w", err)
	}

	for _, id := range ids {
		stalls, err := q.client.HIncrBy(ctx, q.metaKey(id), "stalls", 1).Result()
		if err != nil {
			return requeued, exhausted, fmt.Errorf("count stall for %s: %w", id, err)
		}
		job, loadErr := q.loadJob(ctx, id)
		if loadErr != nil {
			_ = q.client.ZRem(ctx, q.activeKey, id).Err()
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.activeKey, id)
		if int(stalls) > q.policy.MaxStalledCount {
			pipe.HSet(ctx, q.metaKey(id), "last_error", "job stalled: lock not renewed")
			pipe.ZAdd(ctx, q.failedKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
			exhausted = append(exhausted, job)
		} else {
			pipe.RPush(ctx, q.readyKey, id)
			requeued = append(requeued, job)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, exhausted, fmt.Errorf("reclaim %s: %w", id, err)
		}
	}
	return requeued, exhausted, nil
}

// PromoteDelayed moves due delayed jobs into the ready queue. It returns how
// many were promoted.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.delayedKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return len(ids), nil
}

// Complete removes a job from active tracking and records it in the completed
// set, trimming the set to the retention window.
func (q *RedisQueue) Complete(ctx context.Context, jobID string, now time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	pipe.ZAdd(ctx, q.completedKey, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	if q.policy.CompletedRetentionAge > 0 {
		cutoff := now.Add(-q.policy.CompletedRetentionAge).UnixMilli()
		pipe.ZRemRangeByScore(ctx, q.completedKey, "-inf", strconv.FormatInt(cutoff, 10))
	}
	if q.policy.CompletedRetentionCount > 0 {
		pipe.ZRemRangeByRank(ctx, q.completedKey, 0, -(q.policy.CompletedRetentionCount + 1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Retry reschedules a job after a transient failure with exponential backoff.
// It returns the time the next attempt becomes due.
func (q *RedisQueue) Retry(ctx context.Context, job Job, now time.Time, cause string) (time.Time, error) {
	attempts, err := q.client.HIncrBy(ctx, q.metaKey(job.ID), "attempts", 1).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("count attempt: %w", err)
	}

	delay := backoffWithJitter(q.policy.BackoffBase, q.policy.BackoffMax, int(attempts))
	runAt := now.Add(delay)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(job.ID), "last_error", cause)
	pipe.ZRem(ctx, q.activeKey, job.ID)
	pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return time.Time{}, fmt.Errorf("schedule retry: %w", err)
	}
	return runAt, nil
}

// Fail dead-letters a job: no further attempts, kept in the failed set for
// the (longer) failed retention window.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, now time.Time, cause string) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "last_error", cause)
	pipe.ZRem(ctx, q.activeKey, jobID)
	pipe.ZRem(ctx, q.delayedKey, jobID)
	pipe.ZAdd(ctx, q.failedKey, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	if q.policy.FailedRetentionAge > 0 {
		cutoff := now.Add(-q.policy.FailedRetentionAge).UnixMilli()
		pipe.ZRemRangeByScore(ctx, q.failedKey, "-inf", strconv.FormatInt(cutoff, 10))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Stats returns queue depth counts.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.readyKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	active := pipe.ZCard(ctx, q.activeKey)
	completed := pipe.ZCard(ctx, q.completedKey)
	failed := pipe.ZCard(ctx, q.failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// CleanCompleted purges completed jobs older than the given age.
func (q *RedisQueue) CleanCompleted(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-olderThan).UnixMilli()
	removed, err := q.client.ZRemRangeByScore(ctx, q.completedKey, "-inf", strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("clean completed: %w", err)
	}
	return removed, nil
}

// FailedJobs reads the most recent dead-lettered job ids for inspection.
func (q *RedisQueue) FailedJobs(ctx context.Context, count int64) ([]string, error) {
	return q.client.ZRevRange(ctx, q.failedKey, 0, count-1).Result()
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
