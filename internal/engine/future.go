// Package engine is the client half of the queue: submitting work, holding a
// Future per work item, blocking for results, and the admin/monitoring
// operations an operator drives from the CLI or API.
//
// Result retrieval is pure sleep-polling against the shared database. There
// is deliberately no push channel: workers and callers may sit on different
// machines behind arbitrary firewalls, and the relational store is the only
// thing both can reach.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jacksund/taskq/internal/store"
	"github.com/jacksund/taskq/internal/task"
)

var (
	// ErrCancelled is returned by Outcome and Result for a cancelled item.
	ErrCancelled = errors.New("work item cancelled")

	// ErrResultTimeout is returned when the caller's timeout elapses before
	// the item reaches a terminal status. Client-side only: the row is not
	// mutated, and a later call may still succeed.
	ErrResultTimeout = errors.New("timed out waiting for result")
)

// defaultPollInterval is the sleep between status polls. A larger value
// trades result latency for database load.
const defaultPollInterval = 5 * time.Second

// Future is the caller's handle on one work item. It holds only the id and
// the store; every read goes to the database, so a Future can be
// reconstructed in any process from the id alone.
type Future struct {
	id           uuid.UUID
	store        *store.Store
	pollInterval time.Duration
}

// ID returns the work item's primary key.
func (f *Future) ID() uuid.UUID { return f.id }

// Cancel cancels the work item if it is still pending. Returns true exactly
// once across all concurrent callers; false when the item is already
// running, terminal, or won by another canceller. Cancelling running work is
// unsupported — a caller that loses the race to a claim falls back to the
// real outcome via Outcome or Result.
func (f *Future) Cancel(ctx context.Context) (bool, error) {
	return f.store.CancelWorkItem(ctx, f.id)
}

// IsPending reports whether the item has not yet been claimed. Lock-free and
// possibly stale by one poll.
func (f *Future) IsPending(ctx context.Context) (bool, error) {
	st, err := f.store.GetStatus(ctx, f.id)
	return st == store.StatusPending, err
}

// IsRunning reports whether a worker currently holds the claim.
func (f *Future) IsRunning(ctx context.Context) (bool, error) {
	st, err := f.store.GetStatus(ctx, f.id)
	return st == store.StatusRunning, err
}

// IsCancelled reports whether the item was cancelled before being claimed.
func (f *Future) IsCancelled(ctx context.Context) (bool, error) {
	st, err := f.store.GetStatus(ctx, f.id)
	return st == store.StatusCancelled, err
}

// IsDone reports whether the item finished or was cancelled.
//
// Deliberately asymmetric with Outcome: an errored item is terminal and its
// failure is retrievable, but IsDone still reports false for it. Callers use
// IsDone to ask "did my work conclude without a stored failure"; treating a
// failure as done would mask it from exactly the loops that poll this.
func (f *Future) IsDone(ctx context.Context) (bool, error) {
	st, err := f.store.GetStatus(ctx, f.id)
	return st == store.StatusFinished || st == store.StatusCancelled, err
}

// Outcome is the terminal state of a work item: a decoded value for a
// finished item, or the captured failure for an errored one.
type Outcome struct {
	Value json.RawMessage
	Err   *task.JobError
}

// ResultOption adjusts one blocking wait.
type ResultOption func(*resultOptions)

type resultOptions struct {
	timeout      time.Duration
	pollInterval time.Duration
}

// WithTimeout bounds the wait. Zero (the default) waits indefinitely.
func WithTimeout(d time.Duration) ResultOption {
	return func(o *resultOptions) { o.timeout = d }
}

// WithPollInterval overrides the sleep between status polls.
func WithPollInterval(d time.Duration) ResultOption {
	return func(o *resultOptions) { o.pollInterval = d }
}

// Outcome blocks until the item is terminal, polling the status every poll
// interval, and returns the stored outcome. An errored item comes back as a
// populated Outcome.Err with a nil error return — the caller asked for the
// outcome, whatever it was. Cancellation yields ErrCancelled; an elapsed
// timeout yields ErrResultTimeout without touching the row.
func (f *Future) Outcome(ctx context.Context, opts ...ResultOption) (Outcome, error) {
	o := resultOptions{pollInterval: f.pollInterval}
	if o.pollInterval <= 0 {
		o.pollInterval = defaultPollInterval
	}
	for _, opt := range opts {
		opt(&o)
	}

	var deadline time.Time
	if o.timeout > 0 {
		deadline = time.Now().Add(o.timeout)
	}

	for {
		st, err := f.store.GetStatus(ctx, f.id)
		if err != nil {
			return Outcome{}, err
		}
		switch st {
		case store.StatusCancelled:
			return Outcome{}, fmt.Errorf("work item %s: %w", f.id, ErrCancelled)
		case store.StatusFinished, store.StatusErrored:
			return f.terminalOutcome(ctx)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return Outcome{}, fmt.Errorf("work item %s: %w", f.id, ErrResultTimeout)
		}

		timer := time.NewTimer(o.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// Result blocks like Outcome but re-raises a stored failure: an errored item
// returns the *task.JobError as the error. Use Outcome to inspect a failure
// without treating it as an error.
func (f *Future) Result(ctx context.Context, opts ...ResultOption) (json.RawMessage, error) {
	out, err := f.Outcome(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Value, nil
}

// terminalOutcome reads the result blob once the status is terminal. The
// polling loop only fetches the full row here, so a long wait costs one
// status scan per tick, not a row read.
func (f *Future) terminalOutcome(ctx context.Context) (Outcome, error) {
	w, err := f.store.GetWorkItem(ctx, f.id)
	if err != nil {
		return Outcome{}, err
	}
	if w == nil {
		return Outcome{}, fmt.Errorf("work item %s: %w", f.id, store.ErrNotFound)
	}
	if w.Result == nil {
		return Outcome{}, fmt.Errorf("work item %s: terminal without result", f.id)
	}
	value, jobErr, err := task.DecodeResult(w.Result)
	if err != nil {
		return Outcome{}, fmt.Errorf("work item %s: %w", f.id, err)
	}
	return Outcome{Value: value, Err: jobErr}, nil
}
