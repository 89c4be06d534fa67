package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
)

// ClaimRun atomically takes ownership of req's subject for one execution.
//
// A fresh lineage (Attempt 0) moves the subject to pending unless another
// execution is active. A retry re-entry (Attempt > 0) moves a failed subject
// whose stored attempt is Attempt-1 straight to generating. In both cases an
// active run last touched before staleBefore counts as abandoned.
//
// Returns false, nil when someone else holds the subject.
func (s *Store) ClaimRun(ctx context.Context, req research.Request, now, staleBefore time.Time) (bool, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return false, internal(err, "encode request")
	}

	if req.Attempt == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO research_runs (kind, subject_id, campaign_id, status, attempt, request_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?)
			ON CONFLICT(kind, subject_id) DO UPDATE SET
			  campaign_id    = excluded.campaign_id,
			  status         = excluded.status,
			  attempt        = 0,
			  error_kind     = NULL,
			  failure_reason = NULL,
			  request_json   = excluded.request_json,
			  updated_at     = excluded.updated_at
			WHERE research_runs.status NOT IN ('pending', 'generating')
			   OR research_runs.updated_at < ?`,
			req.Kind, req.SubjectID, req.CampaignID, research.StatusPending, string(reqJSON),
			toMillis(now), toMillis(now), toMillis(staleBefore),
		)
		if err != nil {
			return false, internal(err, "claim run")
		}
		return affectedOne(res, "claim run")
	}

	if !research.CanTransition(research.StatusFailed, research.StatusGenerating, req.Attempt) {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE research_runs
		SET status = ?, attempt = ?, error_kind = NULL, failure_reason = NULL,
		    request_json = ?, updated_at = ?
		WHERE kind = ? AND subject_id = ?
		  AND ((status = 'failed' AND attempt = ?)
		    OR (status IN ('pending', 'generating') AND updated_at < ?))`,
		research.StatusGenerating, req.Attempt, string(reqJSON), toMillis(now),
		req.Kind, req.SubjectID, req.Attempt-1, toMillis(staleBefore),
	)
	if err != nil {
		return false, internal(err, "claim retry")
	}
	return affectedOne(res, "claim retry")
}

// MarkGenerating moves a claimed pending run to generating.
func (s *Store) MarkGenerating(ctx context.Context, subject research.Subject, attempt int, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE research_runs SET status = ?, updated_at = ?
		WHERE kind = ? AND subject_id = ? AND attempt = ? AND status IN ('pending', 'generating')`,
		research.StatusGenerating, toMillis(now), subject.Kind, subject.ID, attempt,
	)
	if err != nil {
		return internal(err, "mark generating")
	}
	ok, err := affectedOne(res, "mark generating")
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewConflict(fmt.Sprintf("run %s is no longer claimed at attempt %d", subject, attempt))
	}
	return nil
}

// CompleteRun stores b and marks the run ready in one transaction. kind is
// empty or errors.KindPartialData.
func (s *Store) CompleteRun(ctx context.Context, b *research.Brief, attempt int, kind errors.Kind, now time.Time) error {
	briefJSON, err := json.Marshal(b)
	if err != nil {
		return internal(err, "encode brief")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return internal(err, "begin complete")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO research_briefs (id, kind, subject_id, confidence, brief_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Subject.Kind, b.Subject.ID, b.Confidence, string(briefJSON), toMillis(b.CreatedAt),
	); err != nil {
		if isUniqueConstraintError(err) {
			return errors.NewConflict(fmt.Sprintf("brief %s already exists", b.ID))
		}
		return internal(err, "insert brief")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE research_runs
		SET status = ?, brief_id = ?, error_kind = ?, failure_reason = NULL, updated_at = ?
		WHERE kind = ? AND subject_id = ? AND attempt = ? AND status = 'generating'`,
		research.StatusReady, b.ID, toNullString(string(kind)), toMillis(now),
		b.Subject.Kind, b.Subject.ID, attempt,
	)
	if err != nil {
		return internal(err, "complete run")
	}
	ok, err := affectedOne(res, "complete run")
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewConflict(fmt.Sprintf("run %s is no longer generating at attempt %d", b.Subject, attempt))
	}

	if err := tx.Commit(); err != nil {
		return internal(err, "commit complete")
	}
	return nil
}

// FailRun marks the run failed with its error kind and reason.
func (s *Store) FailRun(ctx context.Context, subject research.Subject, attempt int, kind errors.Kind, reason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE research_runs
		SET status = ?, error_kind = ?, failure_reason = ?, updated_at = ?
		WHERE kind = ? AND subject_id = ? AND attempt = ? AND status IN ('pending', 'generating')`,
		research.StatusFailed, string(kind), reason, toMillis(now),
		subject.Kind, subject.ID, attempt,
	)
	if err != nil {
		return internal(err, "fail run")
	}
	ok, err := affectedOne(res, "fail run")
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewConflict(fmt.Sprintf("run %s is no longer active at attempt %d", subject, attempt))
	}
	return nil
}

// GetRun returns the status record for subject.
func (s *Store) GetRun(ctx context.Context, subject research.Subject) (*research.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kind, subject_id, campaign_id, status, attempt, error_kind, failure_reason,
		       brief_id, request_json, created_at, updated_at
		FROM research_runs WHERE kind = ? AND subject_id = ?`,
		subject.Kind, subject.ID,
	)
	run, err := scanRun(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("research run", subject.Key())
	}
	if err != nil {
		return nil, internal(err, "get run")
	}
	return run, nil
}

// ListRuns returns runs in the given status, most recently updated first.
// An empty status lists every run.
func (s *Store) ListRuns(ctx context.Context, status research.Status, limit int) ([]research.Run, error) {
	query := `
		SELECT kind, subject_id, campaign_id, status, attempt, error_kind, failure_reason,
		       brief_id, request_json, created_at, updated_at
		FROM research_runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internal(err, "list runs")
	}
	defer rows.Close()

	var runs []research.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, internal(err, "scan run")
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, internal(err, "list runs")
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*research.Run, error) {
	var (
		run                               research.Run
		errorKind, failureReason, briefID sql.NullString
		requestJSON                       string
		createdAt, updatedAt              int64
	)
	if err := row.Scan(
		&run.Subject.Kind, &run.Subject.ID, &run.CampaignID, &run.Status, &run.Attempt,
		&errorKind, &failureReason, &briefID, &requestJSON, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(requestJSON), &run.Request); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	run.ErrorKind = errors.Kind(errorKind.String)
	run.FailureReason = failureReason.String
	run.BriefID = briefID.String
	run.CreatedAt = fromMillis(createdAt)
	run.UpdatedAt = fromMillis(updatedAt)
	return &run, nil
}

// ReleaseRun gives up an unfinished claim so the next delivery of the same
// request can take it immediately.
func (s *Store) ReleaseRun(ctx context.Context, subject research.Subject, attempt int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE research_runs SET updated_at = 0
		WHERE kind = ? AND subject_id = ? AND attempt = ? AND status IN ('pending', 'generating')`,
		subject.Kind, subject.ID, attempt,
	)
	if err != nil {
		return internal(err, "release run")
	}
	return nil
}
