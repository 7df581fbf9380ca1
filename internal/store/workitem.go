// ABOUTME: Store methods for work items: create, claim, cancel, terminal writes.
// ABOUTME: Claim and cancel use SELECT ... FOR UPDATE; everything else is lock-free.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Status is the single-character lifecycle state stored in work_items.status.
type Status string

const (
	StatusPending   Status = "P"
	StatusRunning   Status = "R"
	StatusCancelled Status = "C"
	StatusErrored   Status = "E"
	StatusFinished  Status = "F"
)

// Terminal reports whether the status can never change again.
func (st Status) Terminal() bool {
	return st == StatusCancelled || st == StatusErrored || st == StatusFinished
}

// String returns the human-readable name for logs and the API.
func (st Status) String() string {
	switch st {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCancelled:
		return "cancelled"
	case StatusErrored:
		return "errored"
	case StatusFinished:
		return "finished"
	}
	return string(st)
}

// WorkItem is one durable unit of work. Kind, Tags, Args and Kwargs are
// immutable after Create; Result is non-nil iff Status is errored or finished.
type WorkItem struct {
	ID                      uuid.UUID
	Kind                    string
	Tags                    []string
	Status                  Status
	CommandNotFoundFailures int32
	Args                    json.RawMessage
	Kwargs                  json.RawMessage
	Result                  json.RawMessage
	ClaimedBy               *string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

const workItemColumns = `id, kind, tags, status, command_not_found_failures,
	args, kwargs, result, claimed_by, created_at, updated_at`

func scanWorkItem(row pgx.Row) (*WorkItem, error) {
	var w WorkItem
	var status string
	err := row.Scan(&w.ID, &w.Kind, &w.Tags, &status, &w.CommandNotFoundFailures,
		&w.Args, &w.Kwargs, &w.Result, &w.ClaimedBy, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Status = Status(status)
	return &w, nil
}

// CreateWorkItem inserts a new pending row and returns it. Inserts cannot
// conflict with claims or cancels, so no locking is involved.
func (s *Store) CreateWorkItem(ctx context.Context, kind string, tags []string, args, kwargs json.RawMessage) (*WorkItem, error) {
	if tags == nil {
		tags = []string{}
	}
	if args == nil {
		args = json.RawMessage(`null`)
	}
	if kwargs == nil {
		kwargs = json.RawMessage(`null`)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO work_items (kind, tags, args, kwargs)
		VALUES ($1, $2::text[], $3, $4)
		RETURNING `+workItemColumns,
		kind, tags, args, kwargs)
	w, err := scanWorkItem(row)
	if err != nil {
		return nil, fmt.Errorf("create work item: %w", err)
	}
	return w, nil
}

// GetWorkItem returns the row for id, or (nil, nil) when it does not exist.
// Lock-free: the row may be mutated concurrently by a worker.
func (s *Store) GetWorkItem(ctx context.Context, id uuid.UUID) (*WorkItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id)
	w, err := scanWorkItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get work item %s: %w", id, err)
	}
	return w, nil
}

// GetStatus returns just the status of id. Lock-free; used by the polling
// future so a blocked caller does not re-read the result blob on every tick.
func (s *Store) GetStatus(ctx context.Context, id uuid.UUID) (Status, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM work_items WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get status %s: %w", id, err)
	}
	return Status(status), nil
}

// ErrNotFound is returned by status reads for ids with no row.
var ErrNotFound = errors.New("work item not found")

// CancelWorkItem cancels id if and only if it is still pending. The
// lock-check-set sequence runs in one transaction because cancellers race
// against workers claiming the same row: re-read under FOR UPDATE, check the
// status, then write. Returns false without modification for running,
// terminal, or missing rows.
func (s *Store) CancelWorkItem(ctx context.Context, id uuid.UUID) (bool, error) {
	var cancelled bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM work_items WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock row: %w", err)
		}
		if Status(status) != StatusPending {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE work_items SET status = 'C', updated_at = now() WHERE id = $1`, id); err != nil {
			return fmt.Errorf("set cancelled: %w", err)
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cancel work item %s: %w", id, err)
	}
	return cancelled, nil
}

// ClaimWorkItem atomically claims the oldest pending row whose tags are all
// contained in workerTags, transitioning it to running. FOR UPDATE SKIP LOCKED
// lets concurrent workers race without blocking on each other's candidate
// rows; at most one worker wins any given row. Returns (nil, nil) when no
// eligible row exists.
func (s *Store) ClaimWorkItem(ctx context.Context, workerTags []string, workerID string) (*WorkItem, error) {
	if workerTags == nil {
		workerTags = []string{}
	}
	var claimed *WorkItem
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+workItemColumns+`
			FROM work_items
			WHERE status = 'P' AND tags <@ $1::text[]
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED`,
			workerTags)
		w, err := scanWorkItem(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select candidate: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE work_items
			SET status = 'R', claimed_by = $2, updated_at = now()
			WHERE id = $1`,
			w.ID, workerID); err != nil {
			return fmt.Errorf("set running: %w", err)
		}
		w.Status = StatusRunning
		w.ClaimedBy = &workerID
		claimed = w
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim work item: %w", err)
	}
	return claimed, nil
}

// MarkFinished writes the result envelope and transitions the row to
// finished. Guarded on status = 'R' so a finished/cancelled row can never be
// overwritten; the claim transaction already guarantees a single owner.
func (s *Store) MarkFinished(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = 'F', result = $2, updated_at = now()
		WHERE id = $1 AND status = 'R'`,
		id, result)
	if err != nil {
		return fmt.Errorf("mark finished %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark finished %s: row not running", id)
	}
	return nil
}

// MarkErrored writes the error envelope and transitions the row to errored.
// When commandNotFound is set, the row's command_not_found_failures counter
// is bumped in the same statement so the two writes cannot be separated by a
// crash.
func (s *Store) MarkErrored(ctx context.Context, id uuid.UUID, result json.RawMessage, commandNotFound bool) error {
	bump := 0
	if commandNotFound {
		bump = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = 'E',
		    result = $2,
		    command_not_found_failures = command_not_found_failures + $3,
		    updated_at = now()
		WHERE id = $1 AND status = 'R'`,
		id, result, bump)
	if err != nil {
		return fmt.Errorf("mark errored %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark errored %s: row not running", id)
	}
	return nil
}

// QueueSize returns the number of pending work items.
func (s *Store) QueueSize(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM work_items WHERE status = 'P'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

// PendingOrRunningCount returns the number of non-terminal rows claimable by
// a worker carrying tags. Drives the close-on-empty stop condition.
func (s *Store) PendingOrRunningCount(ctx context.Context, tags []string) (int64, error) {
	if tags == nil {
		tags = []string{}
	}
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM work_items
		WHERE status IN ('P', 'R') AND tags <@ $1::text[]`,
		tags).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending or running count: %w", err)
	}
	return n, nil
}

// ListErrored returns errored rows, most recently failed first. Used by the
// error summary to surface each stored failure.
func (s *Store) ListErrored(ctx context.Context, limit int) ([]WorkItem, error) {
	sb := psql.
		Select(workItemColumns).
		From("work_items").
		Where(sq.Eq{"status": string(StatusErrored)}).
		OrderBy("updated_at DESC")
	if limit > 0 {
		sb = sb.Limit(uint64(limit))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build errored query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list errored: %w", err)
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan errored row: %w", err)
		}
		items = append(items, *w)
	}
	return items, rows.Err()
}

// DeleteAll removes every work item and returns the number of rows deleted.
// The confirmation gate lives in the engine client; the store just executes.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	query, args, err := psql.Delete("work_items").ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete all: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteFinished removes only finished work items and returns the count.
func (s *Store) DeleteFinished(ctx context.Context) (int64, error) {
	query, args, err := psql.
		Delete("work_items").
		Where(sq.Eq{"status": string(StatusFinished)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete finished: %w", err)
	}
	return tag.RowsAffected(), nil
}
