package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Run statuses.
const (
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// CollectionRun is the ledger entry of one collection pass.
type CollectionRun struct {
	ID               string    `json:"id"`
	OrganizationID   string    `json:"organization_id"`
	OrganizationName string    `json:"organization_name,omitempty"`
	TrackingMethod   string    `json:"tracking_method,omitempty"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	Bootstrap        bool      `json:"bootstrap"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Fetched          int       `json:"fetched"`
	Inserted         int       `json:"inserted"`
	Duplicates       int       `json:"duplicates"`
	Status           string    `json:"status"`
	Error            string    `json:"error,omitempty"`
}

type runRow struct {
	ID               string `db:"id"`
	OrganizationID   string `db:"organization_id"`
	OrganizationName string `db:"organization_name"`
	TrackingMethod   string `db:"tracking_method"`
	WindowStart      int64  `db:"window_start"`
	WindowEnd        int64  `db:"window_end"`
	Bootstrap        bool   `db:"bootstrap"`
	StartedAt        int64  `db:"started_at"`
	FinishedAt       int64  `db:"finished_at"`
	Fetched          int    `db:"fetched"`
	Inserted         int    `db:"inserted"`
	Duplicates       int    `db:"duplicates"`
	Status           string `db:"status"`
	Error            string `db:"error"`
}

func newRunRow(r *CollectionRun) runRow {
	return runRow{
		ID:               r.ID,
		OrganizationID:   r.OrganizationID,
		OrganizationName: r.OrganizationName,
		TrackingMethod:   r.TrackingMethod,
		WindowStart:      toMicros(r.WindowStart),
		WindowEnd:        toMicros(r.WindowEnd),
		Bootstrap:        r.Bootstrap,
		StartedAt:        toMicros(r.StartedAt),
		FinishedAt:       toMicros(r.FinishedAt),
		Fetched:          r.Fetched,
		Inserted:         r.Inserted,
		Duplicates:       r.Duplicates,
		Status:           r.Status,
		Error:            r.Error,
	}
}

func (r runRow) run() CollectionRun {
	return CollectionRun{
		ID:               r.ID,
		OrganizationID:   r.OrganizationID,
		OrganizationName: r.OrganizationName,
		TrackingMethod:   r.TrackingMethod,
		WindowStart:      fromMicros(r.WindowStart),
		WindowEnd:        fromMicros(r.WindowEnd),
		Bootstrap:        r.Bootstrap,
		StartedAt:        fromMicros(r.StartedAt),
		FinishedAt:       fromMicros(r.FinishedAt),
		Fetched:          r.Fetched,
		Inserted:         r.Inserted,
		Duplicates:       r.Duplicates,
		Status:           r.Status,
		Error:            r.Error,
	}
}

func (s *Store) RecordRun(ctx context.Context, run *CollectionRun) error {
	query := `
		INSERT INTO collection_runs (
			id, organization_id, organization_name, tracking_method,
			window_start, window_end, bootstrap, started_at, finished_at,
			fetched, inserted, duplicates, status, error
		) VALUES (
			:id, :organization_id, :organization_name, :tracking_method,
			:window_start, :window_end, :bootstrap, :started_at, :finished_at,
			:fetched, :inserted, :duplicates, :status, :error
		)`
	if _, err := s.db.NamedExecContext(ctx, query, newRunRow(run)); err != nil {
		return storageErr("record run", err)
	}
	return nil
}

// ListRuns returns the organization's most recent runs, newest first. An
// empty orgID lists runs of every organization.
func (s *Store) ListRuns(ctx context.Context, orgID string, limit int) ([]CollectionRun, error) {
	if limit <= 0 {
		limit = 10
	}
	var (
		rows []runRow
		err  error
	)
	if orgID == "" {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`
			SELECT * FROM collection_runs ORDER BY started_at DESC LIMIT ?`), limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`
			SELECT * FROM collection_runs
			WHERE organization_id = ?
			ORDER BY started_at DESC LIMIT ?`), orgID, limit)
	}
	if err != nil {
		return nil, storageErr("list runs", err)
	}

	runs := make([]CollectionRun, len(rows))
	for i, r := range rows {
		runs[i] = r.run()
	}
	return runs, nil
}

// LatestRun returns the organization's newest run, or nil when there is none.
func (s *Store) LatestRun(ctx context.Context, orgID string) (*CollectionRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT * FROM collection_runs
		WHERE organization_id = ?
		ORDER BY started_at DESC LIMIT 1`), orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("latest run", err)
	}
	run := row.run()
	return &run, nil
}

// ResumePoint returns the earliest window start among the organization's
// unsuccessful runs since its last successful one. Such a run may have stored
// recent records from some networks before failing on others, so the
// watermark alone would skip what those others never delivered.
func (s *Store) ResumePoint(ctx context.Context, orgID string) (time.Time, bool, error) {
	var start sql.NullInt64
	err := s.db.GetContext(ctx, &start, s.db.Rebind(`
		SELECT MIN(window_start) FROM collection_runs
		WHERE organization_id = ?
		  AND status <> ?
		  AND window_start > 0
		  AND started_at > COALESCE((
			SELECT MAX(started_at) FROM collection_runs
			WHERE organization_id = ? AND status = ?
		  ), 0)`), orgID, RunSuccess, orgID, RunSuccess)
	if err != nil {
		return time.Time{}, false, storageErr("resume point", err)
	}
	if !start.Valid {
		return time.Time{}, false, nil
	}
	return fromMicros(start.Int64), true, nil
}
