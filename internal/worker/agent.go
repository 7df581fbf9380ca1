// Package worker runs the agent loop: claim an eligible work item with
// FOR UPDATE SKIP LOCKED, execute its kind's handler, store the outcome, and
// keep going. Handler failures are captured into the result column and never
// stop the loop.
//
// The one exception is the command-not-found heuristic: a kind whose
// underlying external binary is missing fails deterministically for every
// job it claims, so after a small number of consecutive such failures the
// agent shuts itself down instead of silently eating the whole queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jacksund/taskq/internal/store"
	"github.com/jacksund/taskq/internal/task"
)

// commandNotFoundLimit is the number of consecutive command-not-found
// failures after which the agent self-terminates.
const commandNotFoundLimit = 2

// terminalWriteTimeout bounds the detached terminal-status writes. A claimed
// row owes a terminal status even when shutdown cancels the run context, so
// MarkFinished/MarkErrored run on a context that survives cancellation.
const terminalWriteTimeout = 10 * time.Second

// ErrCommandNotFoundLimit is returned by Run when the agent stops itself
// under the containment heuristic. A non-nil return lets supervisors exit
// non-zero instead of restarting into the same misconfiguration.
var ErrCommandNotFoundLimit = errors.New(
	"worker: shutting down after repeated command-not-found failures")

// Config controls one agent's claiming behavior and stop conditions.
type Config struct {
	// Tags is this worker's capability list; only items whose tags are a
	// subset of it are claimed. Empty claims untagged items only.
	Tags []string

	// PollInterval bounds the claim rate when the queue is empty.
	PollInterval time.Duration

	// MaxJobs stops the agent after executing this many items; 0 = unlimited.
	MaxJobs int

	// MaxRuntime stops the agent after this wall-clock duration; 0 = none.
	MaxRuntime time.Duration

	// CloseOnEmpty stops the agent once no matching pending or running work
	// remains, instead of idling forever.
	CloseOnEmpty bool
}

// Agent claims and executes work items until a stop condition is met.
type Agent struct {
	store    *store.Store
	registry *task.Registry
	cfg      Config
	workerID string

	jobsRun        int
	consecutiveCNF int
}

// New creates an Agent. A random workerID is generated at construction time
// to distinguish this process in the claimed_by column.
func New(st *store.Store, registry *task.Registry, cfg Config) *Agent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Agent{
		store:    st,
		registry: registry,
		cfg:      cfg,
		workerID: uuid.New().String(),
	}
}

// WorkerID returns the id written into claimed_by for rows this agent claims.
func (a *Agent) WorkerID() string { return a.workerID }

// Run executes the claim loop until ctx is cancelled or a stop condition is
// met. Returns nil on a normal stop and ErrCommandNotFoundLimit when the
// containment heuristic fires.
func (a *Agent) Run(ctx context.Context) error {
	slog.Info("worker started",
		"worker_id", a.workerID,
		"tags", a.cfg.Tags,
		"kinds", a.registry.Kinds(),
		"close_on_empty", a.cfg.CloseOnEmpty,
	)

	var deadline time.Time
	if a.cfg.MaxRuntime > 0 {
		deadline = time.Now().Add(a.cfg.MaxRuntime)
	}

	// The limiter paces claim attempts at one per interval so an idle worker
	// does not hammer the database.
	limiter := rate.NewLimiter(rate.Every(a.cfg.PollInterval), 1)

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("worker stopping", "worker_id", a.workerID, "reason", "context cancelled")
			return nil
		}
		if a.cfg.MaxJobs > 0 && a.jobsRun >= a.cfg.MaxJobs {
			slog.Info("worker stopping", "worker_id", a.workerID,
				"reason", "max jobs reached", "jobs_run", a.jobsRun)
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			slog.Info("worker stopping", "worker_id", a.workerID,
				"reason", "max runtime reached", "jobs_run", a.jobsRun)
			return nil
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil // ctx cancelled while waiting
		}

		item, err := a.store.ClaimWorkItem(ctx, a.cfg.Tags, a.workerID)
		if err != nil {
			slog.Error("claim error", "worker_id", a.workerID, "error", err)
			continue
		}
		if item == nil {
			if a.cfg.CloseOnEmpty {
				n, err := a.store.PendingOrRunningCount(ctx, a.cfg.Tags)
				if err != nil {
					slog.Error("empty-queue check error", "worker_id", a.workerID, "error", err)
					continue
				}
				if n == 0 {
					slog.Info("worker stopping", "worker_id", a.workerID,
						"reason", "queue empty", "jobs_run", a.jobsRun)
					return nil
				}
			}
			continue
		}

		a.execute(ctx, item)

		if a.consecutiveCNF >= commandNotFoundLimit {
			slog.Error("worker self-terminating: external command missing from this host",
				"worker_id", a.workerID,
				"consecutive_failures", a.consecutiveCNF,
			)
			return ErrCommandNotFoundLimit
		}
	}
}

// execute runs one claimed item end to end and writes its terminal status.
// Every failure path stores the error and returns; nothing propagates.
func (a *Agent) execute(ctx context.Context, item *store.WorkItem) {
	a.jobsRun++
	metricClaimed.Inc()

	slog.Info("executing work item",
		"worker_id", a.workerID,
		"id", item.ID,
		"kind", item.Kind,
		"tags", item.Tags,
	)

	h, ok := a.registry.Lookup(item.Kind)
	if !ok {
		// The kind is not in this binary's catalog: a deploy skew between
		// submitter and worker. Stored like any failure so the submitter
		// sees it via Result.
		a.markErrored(ctx, item.ID, fmt.Errorf("kind %q not registered on worker", item.Kind), false)
		return
	}

	start := time.Now()
	value, err := invoke(ctx, h, item.Args, item.Kwargs)
	elapsed := time.Since(start)

	if err != nil {
		cnf := task.IsCommandNotFound(err)
		if cnf {
			a.consecutiveCNF++
			metricCommandNotFound.Inc()
			slog.Error("work item failed: command not found",
				"worker_id", a.workerID, "id", item.ID, "kind", item.Kind,
				"consecutive_failures", a.consecutiveCNF, "error", err)
		} else {
			a.consecutiveCNF = 0
			slog.Warn("work item failed",
				"worker_id", a.workerID, "id", item.ID, "kind", item.Kind,
				"elapsed", elapsed, "error", err)
		}
		a.markErrored(ctx, item.ID, err, cnf)
		return
	}

	a.consecutiveCNF = 0

	env, err := task.EncodeValue(value)
	if err != nil {
		// The handler returned something JSON cannot represent. The caller
		// still deserves a terminal status, so store this as the failure.
		a.markErrored(ctx, item.ID, err, false)
		return
	}
	if err := a.markFinished(ctx, item.ID, env); err != nil {
		slog.Error("mark finished error", "worker_id", a.workerID, "id", item.ID, "error", err)
		return
	}
	metricFinished.Inc()
	slog.Info("work item finished",
		"worker_id", a.workerID, "id", item.ID, "kind", item.Kind, "elapsed", elapsed)
}

// markFinished and markErrored run on a context detached from the run
// context. Without that, a SIGTERM mid-job cancels the context before the
// write reaches the database and the row is stranded in running forever.

func (a *Agent) markFinished(ctx context.Context, id uuid.UUID, env json.RawMessage) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	return a.store.MarkFinished(ctx, id, env)
}

func (a *Agent) markErrored(ctx context.Context, id uuid.UUID, cause error, commandNotFound bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	if err := a.store.MarkErrored(ctx, id, task.EncodeError(cause), commandNotFound); err != nil {
		slog.Error("mark errored error", "worker_id", a.workerID, "id", id, "error", err)
		return
	}
	metricErrored.Inc()
}

// invoke calls the handler, converting a panic into an error so one bad job
// cannot take the loop down.
func invoke(ctx context.Context, h task.Handler, args, kwargs []byte) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, args, kwargs)
}
