// Package memqueue is the in-memory queue used by tests and
// single-process deployments. It mirrors the redisqueue semantics:
// priority dispatch, delayed jobs, dedupe windows, per-project admission
// and lease expiry redelivery.
package memqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pieceflow/pieceflow/pkg/queue"
)

// Options configure the queue.
type Options struct {
	// LeaseTTL bounds unrenewed claims. Zero selects queue.DefaultLeaseTTL.
	LeaseTTL time.Duration

	// PerProjectLimit caps concurrently claimed jobs per project. Zero
	// means unlimited.
	PerProjectLimit int
}

type entry struct {
	job queue.Job
	seq uint64
}

// readyHeap dispatches by priority, then admission order.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}

	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return e
}

// delayedHeap orders by NotBefore.
type delayedHeap []*entry

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if !h[i].job.NotBefore.Equal(h[j].job.NotBefore) {
		return h[i].job.NotBefore.Before(h[j].job.NotBefore)
	}

	return h[i].seq < h[j].seq
}

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return e
}

type heldJob struct {
	job      queue.Job
	worker   string
	deadline time.Time
}

// Memory implements queue.Queue behind a single mutex.
type Memory struct {
	mu     sync.Mutex
	wake   chan struct{}
	closed bool

	seq     uint64
	ready   readyHeap
	delayed delayedHeap
	dedupe  map[string]time.Time
	running map[string]int
	leases  map[string]*heldJob

	ttl   time.Duration
	limit int
}

// New builds an empty queue.
func New(opts Options) *Memory {
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = queue.DefaultLeaseTTL
	}

	return &Memory{
		wake:    make(chan struct{}),
		dedupe:  make(map[string]time.Time),
		running: make(map[string]int),
		leases:  make(map[string]*heldJob),
		ttl:     ttl,
		limit:   opts.PerProjectLimit,
	}
}

// notifyLocked wakes every blocked claimer by retiring the current wake
// channel.
func (q *Memory) notifyLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Memory) Enqueue(_ context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrClosed
	}

	now := time.Now()

	if job.DedupeKey != "" {
		if until, ok := q.dedupe[job.DedupeKey]; ok && now.Before(until) {
			return queue.ErrDuplicate
		}

		window := job.DedupeWindow
		if window <= 0 {
			window = queue.DefaultDedupeWindow
		}

		q.dedupe[job.DedupeKey] = now.Add(window)
	}

	q.seq++
	e := &entry{job: job, seq: q.seq}

	if job.NotBefore.After(now) {
		heap.Push(&q.delayed, e)
	} else {
		heap.Push(&q.ready, e)
	}

	q.notifyLocked()

	return nil
}

func (q *Memory) Claim(ctx context.Context, workerID string) (*queue.Lease, error) {
	for {
		q.mu.Lock()

		if q.closed {
			q.mu.Unlock()

			return nil, queue.ErrClosed
		}

		now := time.Now()
		q.promoteLocked(now)
		q.reapLocked(now)

		if lease := q.admitLocked(workerID, now); lease != nil {
			q.mu.Unlock()

			return lease, nil
		}

		wake := q.wake
		timerC, stopTimer := q.nextWakeLocked(now)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			stopTimer()

			return nil, ctx.Err()
		case <-wake:
			stopTimer()
		case <-timerC:
		}
	}
}

// promoteLocked moves due delayed jobs into the ready heap.
func (q *Memory) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].job.NotBefore.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed))
	}
}

// reapLocked redelivers jobs whose lease lapsed without renewal.
func (q *Memory) reapLocked(now time.Time) {
	for token, held := range q.leases {
		if held.deadline.After(now) {
			continue
		}

		q.dropLocked(token, held, true)
	}
}

// admitLocked hands the best admissible ready job to the worker. Jobs of
// projects at their limit are put back untouched and stay queued.
func (q *Memory) admitLocked(workerID string, now time.Time) *queue.Lease {
	var parked []*entry

	defer func() {
		for _, e := range parked {
			heap.Push(&q.ready, e)
		}
	}()

	for q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(*entry)

		if q.limit > 0 && q.running[e.job.ProjectID] >= q.limit {
			parked = append(parked, e)

			continue
		}

		e.job.Attempt++
		q.running[e.job.ProjectID]++

		token := uuid.New().String()
		deadline := now.Add(q.ttl)
		q.leases[token] = &heldJob{job: e.job, worker: workerID, deadline: deadline}

		return &queue.Lease{
			Job:      e.job,
			Token:    token,
			WorkerID: workerID,
			Deadline: deadline,
		}
	}

	return nil
}

// nextWakeLocked returns a timer channel for the next delayed dispatch
// or lease expiry, so blocked claimers wake exactly when state changes.
func (q *Memory) nextWakeLocked(now time.Time) (<-chan time.Time, func()) {
	var next time.Time

	if q.delayed.Len() > 0 {
		next = q.delayed[0].job.NotBefore
	}

	for _, held := range q.leases {
		if next.IsZero() || held.deadline.Before(next) {
			next = held.deadline
		}
	}

	if next.IsZero() {
		return nil, func() {}
	}

	wait := next.Sub(now)
	if wait < 0 {
		wait = 0
	}

	timer := time.NewTimer(wait)

	return timer.C, func() { timer.Stop() }
}

// dropLocked retires a lease, freeing its project slot and optionally
// returning the job for redelivery.
func (q *Memory) dropLocked(token string, held *heldJob, redeliver bool) {
	delete(q.leases, token)

	q.running[held.job.ProjectID]--
	if q.running[held.job.ProjectID] <= 0 {
		delete(q.running, held.job.ProjectID)
	}

	if redeliver {
		q.seq++
		heap.Push(&q.ready, &entry{job: held.job, seq: q.seq})
	}
}

func (q *Memory) Renew(_ context.Context, lease *queue.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()

	held, ok := q.leases[lease.Token]
	if !ok {
		return queue.ErrLeaseExpired
	}

	if !held.deadline.After(now) {
		q.dropLocked(lease.Token, held, true)
		q.notifyLocked()

		return queue.ErrLeaseExpired
	}

	held.deadline = now.Add(q.ttl)
	lease.Deadline = held.deadline

	return nil
}

func (q *Memory) Complete(_ context.Context, lease *queue.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	held, ok := q.leases[lease.Token]
	if !ok {
		return queue.ErrLeaseExpired
	}

	q.dropLocked(lease.Token, held, false)
	q.notifyLocked()

	return nil
}

func (q *Memory) Release(_ context.Context, lease *queue.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	held, ok := q.leases[lease.Token]
	if !ok {
		return queue.ErrLeaseExpired
	}

	q.dropLocked(lease.Token, held, true)
	q.notifyLocked()

	return nil
}

func (q *Memory) Requeue(_ context.Context, lease *queue.Lease, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	held, ok := q.leases[lease.Token]
	if !ok {
		return queue.ErrLeaseExpired
	}

	q.dropLocked(lease.Token, held, false)

	q.seq++
	e := &entry{job: held.job, seq: q.seq}

	if delay > 0 {
		e.job.NotBefore = time.Now().Add(delay)
		heap.Push(&q.delayed, e)
	} else {
		heap.Push(&q.ready, e)
	}

	q.notifyLocked()

	return nil
}

func (q *Memory) Stats(_ context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	waiting := 0

	if q.limit > 0 {
		for _, e := range q.ready {
			if q.running[e.job.ProjectID] >= q.limit {
				waiting++
			}
		}
	}

	return queue.Stats{
		Ready:   q.ready.Len() - waiting,
		Delayed: q.delayed.Len(),
		Running: len(q.leases),
		Waiting: waiting,
	}, nil
}

// Close stops admission and wakes blocked claimers. Held leases may
// still be renewed, completed or requeued so in-flight runs can finish
// during shutdown.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.notifyLocked()
	}

	return nil
}
