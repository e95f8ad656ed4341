package warming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Priority orders warming jobs; lower runs first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 3
	PriorityNormal   Priority = 5
	PriorityLow      Priority = 8
)

// Status is the state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	jobPrefix  = "geoquota:warming:job:"
	pendingKey = "geoquota:warming:pending"

	// finishedRetention is how long completed and failed jobs stay readable.
	finishedRetention = 7 * 24 * time.Hour

	// priorityStride separates priorities in the pending score so that
	// scheduled-at milliseconds order jobs within a priority.
	priorityStride = 1e13
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("warming job not found")

// Job is a queued warming request.
type Job struct {
	ID           string
	Target       Target
	Priority     Priority
	Status       Status
	Attempts     int
	ScheduledAt  time.Time
	ExecuteAfter time.Time
	ProcessedAt  time.Time
	Error        string
}

// Queue is the Redis-backed warming job queue. A pending job is claimed by
// removing it from the pending set; only the remover processes it.
type Queue struct {
	redis *redis.Client
	now   func() time.Time
}

// NewQueue creates a queue.
func NewQueue(redisClient *redis.Client) *Queue {
	return &Queue{redis: redisClient, now: time.Now}
}

// SetClock replaces the time source.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

func jobKey(id string) string {
	return jobPrefix + id
}

func pendingScore(p Priority, scheduledAt time.Time) float64 {
	return float64(p)*priorityStride + float64(scheduledAt.UnixMilli())
}

// Enqueue adds a pending job. A zero executeAfter means now.
func (q *Queue) Enqueue(ctx context.Context, target Target, priority Priority, executeAfter time.Time) (*Job, error) {
	if priority < PriorityCritical || priority > PriorityLow {
		return nil, fmt.Errorf("priority %d out of range %d..%d", priority, PriorityCritical, PriorityLow)
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}

	now := q.now()
	if executeAfter.IsZero() {
		executeAfter = now
	}
	job := &Job{
		ID:           uuid.NewString(),
		Target:       target,
		Priority:     priority,
		Status:       StatusPending,
		ScheduledAt:  now,
		ExecuteAfter: executeAfter,
	}

	data, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("marshal warming target: %w", err)
	}

	pipe := q.redis.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID),
		"target", data,
		"priority", int(priority),
		"status", string(StatusPending),
		"attempts", 0,
		"scheduled_at", now.UnixMilli(),
		"execute_after", executeAfter.UnixMilli(),
	)
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: pendingScore(priority, now), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue warming job: %w", err)
	}
	return job, nil
}

// Due returns up to limit pending jobs with priority at most maxPriority
// whose execute-after time has passed, ordered by priority then schedule.
func (q *Queue) Due(ctx context.Context, maxPriority Priority, limit int) ([]*Job, error) {
	ids, err := q.redis.ZRangeByScore(ctx, pendingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(float64(maxPriority+1)*priorityStride, 'f', 0, 64),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read pending jobs: %w", err)
	}

	now := q.now()
	var out []*Job
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		job, err := q.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			q.redis.ZRem(ctx, pendingKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.ExecuteAfter.After(now) {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Claim moves a pending job to processing and counts the attempt. It
// reports false when another worker claimed the job first.
func (q *Queue) Claim(ctx context.Context, id string) (bool, error) {
	removed, err := q.redis.ZRem(ctx, pendingKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("claim warming job: %w", err)
	}
	if removed == 0 {
		return false, nil
	}

	pipe := q.redis.TxPipeline()
	pipe.HSet(ctx, jobKey(id), "status", string(StatusProcessing))
	pipe.HIncrBy(ctx, jobKey(id), "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("mark warming job processing: %w", err)
	}
	return true, nil
}

// Complete marks a job completed.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, StatusCompleted, "")
}

// Fail marks a job failed. Attempts are kept; requeueing is up to the caller.
func (q *Queue) Fail(ctx context.Context, id, message string) error {
	return q.finish(ctx, id, StatusFailed, message)
}

func (q *Queue) finish(ctx context.Context, id string, status Status, message string) error {
	pipe := q.redis.TxPipeline()
	pipe.HSet(ctx, jobKey(id),
		"status", string(status),
		"error", message,
		"processed_at", q.now().UnixMilli(),
	)
	pipe.Expire(ctx, jobKey(id), finishedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark warming job %s: %w", status, err)
	}
	return nil
}

// Get reads a job.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.redis.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read warming job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	job := &Job{ID: id, Status: Status(fields["status"]), Error: fields["error"]}
	if err := json.Unmarshal([]byte(fields["target"]), &job.Target); err != nil {
		return nil, fmt.Errorf("decode warming job %s: %w", id, err)
	}
	p, _ := strconv.Atoi(fields["priority"])
	job.Priority = Priority(p)
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.ScheduledAt = millis(fields["scheduled_at"])
	job.ExecuteAfter = millis(fields["execute_after"])
	job.ProcessedAt = millis(fields["processed_at"])
	return job, nil
}

// Pending returns the number of pending jobs.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.redis.ZCard(ctx, pendingKey).Result()
}

func millis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
