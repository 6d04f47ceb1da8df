// Package queue defines the dispatch queue between trigger sources and
// the worker runtime.
//
// Delivery is at-least-once: a claimed job that is neither completed nor
// renewed before its lease expires is redelivered to another claimer.
// Consumers must tolerate seeing the same run id twice.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicate reports an enqueue collapsed by a dedupe key still
	// inside its suppression window. Callers treat it as a no-op.
	ErrDuplicate = errors.New("queue: duplicate job collapsed by dedupe key")

	// ErrLeaseExpired reports a renew, complete or requeue against a
	// lease the caller no longer holds.
	ErrLeaseExpired = errors.New("queue: lease expired or not held")

	// ErrClosed reports an operation against a closed queue.
	ErrClosed = errors.New("queue: closed")
)

// Job is one unit of run dispatch.
type Job struct {
	RunID         string    `json:"run_id"`
	FlowVersionID string    `json:"flow_version_id"`
	ProjectID     string    `json:"project_id"`
	Payload       any       `json:"payload,omitempty"`
	Priority      int       `json:"priority,omitempty"`
	NotBefore     time.Time `json:"not_before,omitempty"`

	// DedupeKey suppresses identical enqueues for DedupeWindow, counted
	// from the first admission. Empty disables deduplication.
	DedupeKey    string        `json:"dedupe_key,omitempty"`
	DedupeWindow time.Duration `json:"dedupe_window,omitempty"`

	// Attempt counts deliveries, starting at 1 for the first claim.
	Attempt int `json:"attempt,omitempty"`
}

// Lease is exclusive ownership of a claimed job until Deadline. Renewing
// pushes the deadline forward; letting it lapse hands the job to the
// next claimer.
type Lease struct {
	Job      Job
	Token    string
	WorkerID string
	Deadline time.Time
}

// Queue dispatches jobs to workers with per-project admission control.
type Queue interface {
	// Enqueue admits a job for dispatch. NotBefore in the future delays
	// dispatch; a suppressed dedupe key returns ErrDuplicate.
	Enqueue(ctx context.Context, job Job) error

	// Claim blocks until a job is admitted to the caller or ctx ends.
	// Admission honors NotBefore, priority and the per-project running
	// limit: jobs of a project at its limit stay queued.
	Claim(ctx context.Context, workerID string) (*Lease, error)

	// Renew extends the lease deadline by the queue's lease TTL.
	Renew(ctx context.Context, lease *Lease) error

	// Complete acknowledges the job and frees its project slot.
	Complete(ctx context.Context, lease *Lease) error

	// Release returns the job to the ready queue immediately.
	Release(ctx context.Context, lease *Lease) error

	// Requeue returns the job for redelivery after a delay.
	Requeue(ctx context.Context, lease *Lease, delay time.Duration) error

	// Stats reports queue depths for health surfaces.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Stats is a point-in-time snapshot of queue depths.
type Stats struct {
	Ready   int `json:"ready"`
	Delayed int `json:"delayed"`
	Running int `json:"running"`
	Waiting int `json:"waiting"`
}

// DefaultLeaseTTL bounds how long a claimed job may go unrenewed.
const DefaultLeaseTTL = 30 * time.Second

// DefaultDedupeWindow applies when a job carries a dedupe key without a
// window of its own.
const DefaultDedupeWindow = time.Minute
