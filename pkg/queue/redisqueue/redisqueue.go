// Package redisqueue is the durable queue for multi-process
// deployments.
//
// Layout: a ready list consumed with BRPOPLPUSH into per-worker
// processing lists, a sorted set for delayed jobs scored by dispatch
// time, SET NX PX keys for dedupe windows and leases, per-project
// running counters for admission, and per-project waiting lists holding
// jobs parked at their concurrency limit. A background reaper returns
// jobs whose lease lapsed to the ready list.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pieceflow/pieceflow/pkg/log"
	"github.com/pieceflow/pieceflow/pkg/queue"
)

// DefaultPrefix namespaces every key the queue writes.
const DefaultPrefix = "pieceflow:queue"

var (
	// Lua script renewing a lease. Returns 1 if the caller still owned
	// it, 0 otherwise.
	leaseRenewLua = `
local cur = redis.call('GET', KEYS[1])
if cur and cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`

	// Lua script releasing a lease. Returns 1 if the caller still owned
	// it, 0 otherwise.
	leaseReleaseLua = `
local cur = redis.call('GET', KEYS[1])
if cur and cur == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`
)

// Options configure the queue.
type Options struct {
	// LeaseTTL bounds unrenewed claims. Zero selects queue.DefaultLeaseTTL.
	LeaseTTL time.Duration

	// PerProjectLimit caps concurrently claimed jobs per project. Zero
	// means unlimited.
	PerProjectLimit int

	// Prefix overrides DefaultPrefix.
	Prefix string

	Logger *slog.Logger
}

type heldEntry struct {
	raw     string
	worker  string
	project string
	runID   string
}

// Redis implements queue.Queue on a Redis server. The client is owned
// by the caller and not closed by Close.
type Redis struct {
	client redis.UniversalClient
	logger *slog.Logger
	ttl    time.Duration
	limit  int
	prefix string

	mu   sync.Mutex
	held map[string]heldEntry

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New builds the queue and starts its lease reaper.
func New(client redis.UniversalClient, opts Options) *Redis {
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = queue.DefaultLeaseTTL
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithModule("redisqueue")
	}

	q := &Redis{
		client: client,
		logger: logger,
		ttl:    ttl,
		limit:  opts.PerProjectLimit,
		prefix: prefix,
		held:   make(map[string]heldEntry),
		done:   make(chan struct{}),
	}

	q.wg.Add(1)
	go q.reaper()

	return q
}

func (q *Redis) readyKey() string   { return q.prefix + ":ready" }
func (q *Redis) delayedKey() string { return q.prefix + ":delayed" }
func (q *Redis) workersKey() string { return q.prefix + ":workers" }

func (q *Redis) processingKey(workerID string) string { return q.prefix + ":processing:" + workerID }
func (q *Redis) waitingKey(projectID string) string   { return q.prefix + ":waiting:" + projectID }
func (q *Redis) runningKey(projectID string) string   { return q.prefix + ":running:" + projectID }
func (q *Redis) leaseKey(runID string) string         { return q.prefix + ":lease:" + runID }
func (q *Redis) dedupeKey(key string) string          { return q.prefix + ":dedupe:" + key }

func (q *Redis) Enqueue(ctx context.Context, job queue.Job) error {
	if q.closed.Load() {
		return queue.ErrClosed
	}

	if job.DedupeKey != "" {
		window := job.DedupeWindow
		if window <= 0 {
			window = queue.DefaultDedupeWindow
		}

		ok, err := q.client.SetNX(ctx, q.dedupeKey(job.DedupeKey), "1", window).Result()
		if err != nil {
			return fmt.Errorf("queue: dedupe: %w", err)
		}

		if !ok {
			return queue.ErrDuplicate
		}
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}

	if job.NotBefore.After(time.Now()) {
		err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(job.NotBefore.UnixMilli()),
			Member: string(raw),
		}).Err()
		if err != nil {
			return fmt.Errorf("queue: enqueue delayed: %w", err)
		}

		return nil
	}

	return q.pushReady(ctx, job.Priority, string(raw))
}

// pushReady admits a ready job. The list gives two-level priority:
// positive priorities enter at the consuming end and jump the line.
func (q *Redis) pushReady(ctx context.Context, priority int, raw string) error {
	var err error
	if priority > 0 {
		err = q.client.RPush(ctx, q.readyKey(), raw).Err()
	} else {
		err = q.client.LPush(ctx, q.readyKey(), raw).Err()
	}

	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	return nil
}

func (q *Redis) Claim(ctx context.Context, workerID string) (*queue.Lease, error) {
	processing := q.processingKey(workerID)

	if err := q.client.SAdd(ctx, q.workersKey(), workerID).Err(); err != nil {
		return nil, fmt.Errorf("queue: register worker: %w", err)
	}

	for {
		if q.closed.Load() {
			return nil, queue.ErrClosed
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.promoteDelayed(ctx)
		q.promoteWaiting(ctx)

		// Block at most a second so the loop keeps promoting delayed
		// jobs and notices Close. Sub-second blocks round up anyway.
		raw, err := q.client.BRPopLPush(ctx, q.readyKey(), processing, time.Second).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, fmt.Errorf("queue: claim: %w", err)
		}

		var job queue.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			// Poison entry: drop it rather than wedge the queue.
			q.client.LRem(ctx, processing, 1, raw)
			q.logger.ErrorContext(ctx, "Dropped undecodable job", "error", err)

			continue
		}

		// The lease key doubles as run-level mutual exclusion: a
		// duplicate delivery of a still-leased run is dropped here.
		token := uuid.New().String()

		set, err := q.client.SetNX(ctx, q.leaseKey(job.RunID), token, q.ttl).Result()
		if err != nil {
			q.client.LRem(ctx, processing, 1, raw)
			q.client.RPush(ctx, q.readyKey(), raw)

			return nil, fmt.Errorf("queue: write lease: %w", err)
		}

		if !set {
			q.client.LRem(ctx, processing, 1, raw)

			continue
		}

		count, err := q.client.Incr(ctx, q.runningKey(job.ProjectID)).Result()
		if err != nil {
			q.client.Del(ctx, q.leaseKey(job.RunID))
			q.client.LRem(ctx, processing, 1, raw)
			q.client.RPush(ctx, q.readyKey(), raw)

			return nil, fmt.Errorf("queue: admission: %w", err)
		}

		if q.limit > 0 && count > int64(q.limit) {
			// Project at its limit: park the job until a slot frees.
			pipe := q.client.TxPipeline()
			pipe.Decr(ctx, q.runningKey(job.ProjectID))
			pipe.Del(ctx, q.leaseKey(job.RunID))
			pipe.LRem(ctx, processing, 1, raw)
			pipe.LPush(ctx, q.waitingKey(job.ProjectID), raw)

			if _, err := pipe.Exec(ctx); err != nil {
				q.logger.ErrorContext(ctx, "Failed to park job over project limit",
					"run_id", job.RunID, "error", err)
			}

			continue
		}

		job.Attempt++

		// Rewrite the processing entry with the new attempt count so a
		// redelivery after lease expiry keeps counting from here.
		if updated, merr := json.Marshal(job); merr == nil {
			pipe := q.client.TxPipeline()
			pipe.LRem(ctx, processing, 1, raw)
			pipe.LPush(ctx, processing, string(updated))

			if _, err := pipe.Exec(ctx); err == nil {
				raw = string(updated)
			}
		}

		q.mu.Lock()
		q.held[token] = heldEntry{raw: raw, worker: workerID, project: job.ProjectID, runID: job.RunID}
		q.mu.Unlock()

		return &queue.Lease{
			Job:      job,
			Token:    token,
			WorkerID: workerID,
			Deadline: time.Now().Add(q.ttl),
		}, nil
	}
}

// promoteDelayed moves due delayed jobs to the ready list. ZREM before
// LPUSH keeps concurrent promoters from double-dispatching.
func (q *Redis) promoteDelayed(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 128,
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}

	for _, raw := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), raw).Result()
		if err != nil || removed == 0 {
			continue
		}

		var job queue.Job
		priority := 0

		if json.Unmarshal([]byte(raw), &job) == nil {
			priority = job.Priority
		}

		if err := q.pushReady(ctx, priority, raw); err != nil {
			q.logger.ErrorContext(ctx, "Failed to promote delayed job", "error", err)
		}
	}
}

// promoteWaiting returns parked jobs to the ready list for projects
// that have slots again.
func (q *Redis) promoteWaiting(ctx context.Context) {
	iter := q.client.Scan(ctx, 0, q.prefix+":waiting:*", 32).Iterator()

	for iter.Next(ctx) {
		key := iter.Val()
		project := strings.TrimPrefix(key, q.prefix+":waiting:")

		if !q.projectBelowLimit(ctx, project) {
			continue
		}

		q.client.RPopLPush(ctx, key, q.readyKey())
	}
}

func (q *Redis) projectBelowLimit(ctx context.Context, project string) bool {
	if q.limit <= 0 {
		return true
	}

	val, err := q.client.Get(ctx, q.runningKey(project)).Result()
	if errors.Is(err, redis.Nil) {
		return true
	}

	if err != nil {
		return false
	}

	n, err := strconv.Atoi(val)

	return err == nil && n < q.limit
}

// reaper periodically redelivers jobs whose lease lapsed, and keeps
// delayed and parked jobs moving even when no claimer is polling.
func (q *Redis) reaper() {
	defer q.wg.Done()

	interval := q.ttl / 2
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}

	if interval > 10*time.Second {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			q.promoteDelayed(ctx)
			q.reapExpired(ctx)
			q.promoteWaiting(ctx)
			cancel()
		}
	}
}

// reapExpired scans every worker's processing list for entries whose
// lease key is gone and hands them back for redelivery.
func (q *Redis) reapExpired(ctx context.Context) {
	workers, err := q.client.SMembers(ctx, q.workersKey()).Result()
	if err != nil {
		return
	}

	for _, worker := range workers {
		processing := q.processingKey(worker)

		entries, err := q.client.LRange(ctx, processing, 0, -1).Result()
		if err != nil {
			continue
		}

		for _, raw := range entries {
			var job queue.Job
			if json.Unmarshal([]byte(raw), &job) != nil {
				q.client.LRem(ctx, processing, 1, raw)

				continue
			}

			exists, err := q.client.Exists(ctx, q.leaseKey(job.RunID)).Result()
			if err != nil || exists > 0 {
				continue
			}

			removed, err := q.client.LRem(ctx, processing, 1, raw).Result()
			if err != nil || removed == 0 {
				continue
			}

			q.decrRunning(ctx, job.ProjectID)

			if err := q.pushReady(ctx, job.Priority, raw); err != nil {
				q.logger.ErrorContext(ctx, "Failed to redeliver expired lease",
					"run_id", job.RunID, "error", err)

				continue
			}

			q.logger.InfoContext(ctx, "Redelivered job after lease expiry",
				"run_id", job.RunID, "worker_id", worker)
		}
	}
}

func (q *Redis) decrRunning(ctx context.Context, project string) {
	n, err := q.client.Decr(ctx, q.runningKey(project)).Result()
	if err == nil && n < 0 {
		q.client.Del(ctx, q.runningKey(project))
	}
}

// evalOwned runs one of the lease scripts and reports whether the
// caller still owned the lease when it ran.
func (q *Redis) evalOwned(ctx context.Context, script, runID string, argv ...any) (bool, error) {
	res, err := q.client.Eval(ctx, script, []string{q.leaseKey(runID)}, argv...).Result()
	if err != nil {
		return false, err
	}

	n, ok := res.(int64)

	return ok && n == 1, nil
}

func (q *Redis) peekHeld(token string) (heldEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	held, ok := q.held[token]

	return held, ok
}

func (q *Redis) forget(token string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.held, token)
}

func (q *Redis) Renew(ctx context.Context, lease *queue.Lease) error {
	owned, err := q.evalOwned(ctx, leaseRenewLua, lease.Job.RunID, lease.Token, q.ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("queue: renew: %w", err)
	}

	if !owned {
		return queue.ErrLeaseExpired
	}

	lease.Deadline = time.Now().Add(q.ttl)

	return nil
}

// settle removes the claimed entry and frees its admission slot. The
// caller decides what happens to the job afterwards.
func (q *Redis) settle(ctx context.Context, lease *queue.Lease) (heldEntry, error) {
	held, ok := q.peekHeld(lease.Token)
	if !ok {
		return heldEntry{}, queue.ErrLeaseExpired
	}

	owned, err := q.evalOwned(ctx, leaseReleaseLua, held.runID, lease.Token)
	if err != nil {
		return heldEntry{}, fmt.Errorf("queue: settle lease: %w", err)
	}

	q.forget(lease.Token)

	if !owned {
		return heldEntry{}, queue.ErrLeaseExpired
	}

	removed, err := q.client.LRem(ctx, q.processingKey(held.worker), 1, held.raw).Result()
	if err != nil {
		return heldEntry{}, fmt.Errorf("queue: settle lease: %w", err)
	}

	if removed == 0 {
		// The reaper redelivered between the lease release and the list
		// removal. The job is back in flight, so the lease is gone.
		return heldEntry{}, queue.ErrLeaseExpired
	}

	q.decrRunning(ctx, held.project)
	q.promoteOneWaiting(ctx, held.project)

	return held, nil
}

func (q *Redis) promoteOneWaiting(ctx context.Context, project string) {
	q.client.RPopLPush(ctx, q.waitingKey(project), q.readyKey())
}

func (q *Redis) Complete(ctx context.Context, lease *queue.Lease) error {
	_, err := q.settle(ctx, lease)

	return err
}

func (q *Redis) Release(ctx context.Context, lease *queue.Lease) error {
	return q.Requeue(ctx, lease, 0)
}

func (q *Redis) Requeue(ctx context.Context, lease *queue.Lease, delay time.Duration) error {
	if _, err := q.settle(ctx, lease); err != nil {
		return err
	}

	job := lease.Job
	job.NotBefore = time.Time{}

	if delay > 0 {
		job.NotBefore = time.Now().Add(delay)
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}

	if delay > 0 {
		err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(job.NotBefore.UnixMilli()),
			Member: string(raw),
		}).Err()
		if err != nil {
			return fmt.Errorf("queue: requeue delayed: %w", err)
		}

		return nil
	}

	return q.pushReady(ctx, job.Priority, string(raw))
}

func (q *Redis) Stats(ctx context.Context) (queue.Stats, error) {
	ready, err := q.client.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return queue.Stats{}, fmt.Errorf("queue: stats: %w", err)
	}

	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return queue.Stats{}, fmt.Errorf("queue: stats: %w", err)
	}

	stats := queue.Stats{Ready: int(ready), Delayed: int(delayed)}

	iter := q.client.Scan(ctx, 0, q.prefix+":running:*", 32).Iterator()
	for iter.Next(ctx) {
		val, err := q.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}

		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			stats.Running += n
		}
	}

	iter = q.client.Scan(ctx, 0, q.prefix+":waiting:*", 32).Iterator()
	for iter.Next(ctx) {
		if n, err := q.client.LLen(ctx, iter.Val()).Result(); err == nil {
			stats.Waiting += int(n)
		}
	}

	return stats, nil
}

// Close stops the reaper and new claims. Held leases may still be
// renewed, completed or requeued so in-flight runs can finish during
// shutdown.
func (q *Redis) Close() error {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
		q.wg.Wait()
	}

	return nil
}
