// ABOUTME: Submission client: create work items, wait on many futures,
// ABOUTME: and the operator-facing admin and monitoring operations.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jacksund/taskq/internal/store"
	"github.com/jacksund/taskq/internal/task"
)

// ErrConfirmationRequired is returned by the destructive maintenance
// operations when called without confirm. They never silently no-op.
var ErrConfirmationRequired = errors.New("destructive operation requires confirm=true")

// ErrUnknownKind is returned by Submit for a kind absent from the catalog.
var ErrUnknownKind = errors.New("unknown job kind")

// Client submits work and runs admin operations against one queue store.
type Client struct {
	store        *store.Store
	registry     *task.Registry
	pollInterval time.Duration
}

// New creates a Client. registry is the closed catalog of job kinds used to
// reject unknown kinds at submit time, before a row is ever written.
// pollInterval is the default sleep for blocking waits; zero picks the
// package default.
func New(st *store.Store, registry *task.Registry, pollInterval time.Duration) *Client {
	return &Client{store: st, registry: registry, pollInterval: pollInterval}
}

// Submit serializes args and kwargs independently, inserts a pending work
// item, and returns its Future. Serialization failures and unknown kinds
// surface here synchronously; nothing is written in either case.
func (c *Client) Submit(ctx context.Context, kind string, args, kwargs any, tags ...string) (*Future, error) {
	if !c.registry.Has(kind) {
		return nil, fmt.Errorf("submit %q: %w", kind, ErrUnknownKind)
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("submit %q: serialize args: %w", kind, err)
	}
	rawKwargs, err := json.Marshal(kwargs)
	if err != nil {
		return nil, fmt.Errorf("submit %q: serialize kwargs: %w", kind, err)
	}
	w, err := c.store.CreateWorkItem(ctx, kind, tags, rawArgs, rawKwargs)
	if err != nil {
		return nil, fmt.Errorf("submit %q: %w", kind, err)
	}
	return c.Future(w.ID), nil
}

// Future returns a handle on an existing work item. No existence check is
// performed; reads on the Future report store.ErrNotFound for a bad id.
func (c *Client) Future(id uuid.UUID) *Future {
	return &Future{id: id, store: c.store, pollInterval: c.pollInterval}
}

// Wait blocks until every future is terminal. Errored items do not fail the
// wait — the point is "all work has concluded", not "all work succeeded" —
// but cancellation of an item or of ctx does.
func (c *Client) Wait(ctx context.Context, futures []*Future, opts ...ResultOption) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, f := range futures {
		g.Go(func() error {
			_, err := f.Outcome(ctx, opts...)
			return err
		})
	}
	return g.Wait()
}

// WaitNamed is Wait over a name→future mapping; the first failure is wrapped
// with its name.
func (c *Client) WaitNamed(ctx context.Context, futures map[string]*Future, opts ...ResultOption) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, f := range futures {
		g.Go(func() error {
			if _, err := f.Outcome(ctx, opts...); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// QueueSize returns the number of pending work items.
func (c *Client) QueueSize(ctx context.Context) (int64, error) {
	return c.store.QueueSize(ctx)
}

// Stats returns the monitoring snapshot for the whole queue.
func (c *Client) Stats(ctx context.Context) (*store.QueueStats, error) {
	return c.store.Stats(ctx)
}

// FailedItem pairs an errored work item with its decoded failure.
type FailedItem struct {
	ID       uuid.UUID
	Kind     string
	FailedAt time.Time
	Err      *task.JobError
}

// ErrorSummary returns every errored item's captured failure, most recent
// first. limit <= 0 returns all of them.
func (c *Client) ErrorSummary(ctx context.Context, limit int) ([]FailedItem, error) {
	rows, err := c.store.ListErrored(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]FailedItem, 0, len(rows))
	for _, w := range rows {
		item := FailedItem{ID: w.ID, Kind: w.Kind, FailedAt: w.UpdatedAt}
		if w.Result != nil {
			if _, jobErr, decErr := task.DecodeResult(w.Result); decErr == nil {
				item.Err = jobErr
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// DeleteAll removes every work item. Refuses without confirm.
func (c *Client) DeleteAll(ctx context.Context, confirm bool) (int64, error) {
	if !confirm {
		return 0, fmt.Errorf("delete all: %w", ErrConfirmationRequired)
	}
	return c.store.DeleteAll(ctx)
}

// DeleteFinished removes only finished work items. Refuses without confirm.
func (c *Client) DeleteFinished(ctx context.Context, confirm bool) (int64, error) {
	if !confirm {
		return 0, fmt.Errorf("delete finished: %w", ErrConfirmationRequired)
	}
	return c.store.DeleteFinished(ctx)
}
