package collector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/core"
	"github.com/leozw/client-counter/internal/meraki"
	"github.com/leozw/client-counter/internal/metrics"
	"github.com/leozw/client-counter/internal/planner"
	"github.com/leozw/client-counter/internal/store"
)

// Exit codes of a collection pass.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitPartial = 2
)

// Source is the upstream side of a collection pass.
type Source interface {
	FetchClients(ctx context.Context, orgID string, start, end time.Time) iter.Seq2[[]core.Observation, error]
	GetOrganization(ctx context.Context, orgID string) (*meraki.Organization, error)
	ClientTrackingMethod(ctx context.Context, orgID string) (string, error)
}

// Sink is the storage side of a collection pass.
type Sink interface {
	InsertIfAbsent(ctx context.Context, observations []core.Observation) (store.InsertResult, error)
	LatestSeen(ctx context.Context, orgID string) (time.Time, bool, error)
	RecordRun(ctx context.Context, run *store.CollectionRun) error
}

// RunResult describes one finished collection pass.
type RunResult struct {
	RunID            string         `json:"run_id"`
	OrganizationID   string         `json:"organization_id"`
	OrganizationName string         `json:"organization_name,omitempty"`
	TrackingMethod   string         `json:"tracking_method,omitempty"`
	Status           string         `json:"status"`
	Window           planner.Window `json:"window"`
	Fetched          int            `json:"fetched"`
	Inserted         int            `json:"inserted"`
	Duplicates       int            `json:"duplicates"`
	Invalid          int            `json:"invalid"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	Err              error          `json:"-"`
}

// ExitCode maps the status to the process exit code: 0 success, 2 partial
// failure, 1 hard failure.
func (r *RunResult) ExitCode() int {
	switch r.Status {
	case store.RunSuccess:
		return ExitSuccess
	case store.RunPartial:
		return ExitPartial
	default:
		return ExitFailure
	}
}

func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Collector runs incremental collection passes. Passes for the same
// organization must not overlap; callers serialize them.
type Collector struct {
	source  Source
	sink    Sink
	planner *planner.Planner
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

func New(source Source, sink Sink, p *planner.Planner, collector *metrics.Collector, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		source:  source,
		sink:    sink,
		planner: p,
		metrics: collector,
		logger:  logger.With(zap.String("component", "collector")),
		now:     time.Now,
	}
}

// RunOnce plans a window from the stored watermark, fetches it and stores
// every new observation. A pass that fails midway leaves what it already
// inserted in place; rerunning it is safe.
func (c *Collector) RunOnce(ctx context.Context, orgID string) *RunResult {
	result := &RunResult{
		RunID:          uuid.New().String(),
		OrganizationID: orgID,
		StartedAt:      c.now().UTC(),
	}
	logger := c.logger.With(zap.String("organization_id", orgID), zap.String("run_id", result.RunID))

	window, err := c.planner.Plan(ctx, orgID, result.StartedAt)
	if err != nil {
		return c.finish(ctx, logger, result, core.NewRunError(err, orgID, "", time.Time{}, time.Time{}))
	}
	result.Window = window

	if org, err := c.source.GetOrganization(ctx, orgID); err != nil {
		if kind := core.KindOf(err); kind == core.KindAuthorization || kind == core.KindNotFound {
			return c.finish(ctx, logger, result, err)
		}
		logger.Warn("Could not load organization", zap.Error(err))
	} else {
		result.OrganizationName = org.Name
	}

	method, err := c.source.ClientTrackingMethod(ctx, orgID)
	if err != nil {
		logger.Warn("Could not determine client tracking method", zap.Error(err))
	}
	result.TrackingMethod = method
	if method == meraki.TrackingIPAddress {
		logger.Warn("Organization tracks clients by IP address; unique MAC counts may be unreliable")
	}

	logger.Info("Starting collection",
		zap.Time("start", window.Start),
		zap.Time("end", window.End),
		zap.Bool("bootstrap", window.Bootstrap))

	var runErr error
	for page, err := range c.source.FetchClients(ctx, orgID, window.Start, window.End) {
		if err != nil {
			runErr = err
			break
		}
		result.Fetched += len(page)

		res, err := c.sink.InsertIfAbsent(ctx, page)
		if err != nil {
			runErr = core.NewRunError(err, orgID, "", window.Start, window.End)
			break
		}
		result.Inserted += res.Inserted
		result.Duplicates += res.Skipped
		result.Invalid += res.Invalid
	}

	return c.finish(ctx, logger, result, runErr)
}

func (c *Collector) finish(ctx context.Context, logger *zap.Logger, result *RunResult, err error) *RunResult {
	result.FinishedAt = c.now().UTC()
	switch {
	case err == nil:
		result.Status = store.RunSuccess
	case core.KindOf(err) == core.KindTransientUpstream && result.Inserted > 0:
		result.Status = store.RunPartial
	default:
		result.Status = store.RunFailed
	}
	if err != nil {
		var runErr *core.RunError
		if !errors.As(err, &runErr) {
			err = core.NewRunError(err, result.OrganizationID, "", result.Window.Start, result.Window.End)
		}
		result.Err = err
	}

	run := &store.CollectionRun{
		ID:               result.RunID,
		OrganizationID:   result.OrganizationID,
		OrganizationName: result.OrganizationName,
		TrackingMethod:   result.TrackingMethod,
		WindowStart:      result.Window.Start,
		WindowEnd:        result.Window.End,
		Bootstrap:        result.Window.Bootstrap,
		StartedAt:        result.StartedAt,
		FinishedAt:       result.FinishedAt,
		Fetched:          result.Fetched,
		Inserted:         result.Inserted,
		Duplicates:       result.Duplicates,
		Status:           result.Status,
	}
	if result.Err != nil {
		run.Error = result.Err.Error()
	}
	if recErr := c.sink.RecordRun(ctx, run); recErr != nil {
		logger.Error("Failed to record collection run", zap.Error(recErr))
	}

	var watermark time.Time
	if latest, ok, wErr := c.sink.LatestSeen(ctx, result.OrganizationID); wErr == nil && ok {
		watermark = latest
	}
	c.metrics.RecordRun(metrics.RunStats{
		OrganizationID: result.OrganizationID,
		Status:         result.Status,
		Fetched:        result.Fetched,
		Inserted:       result.Inserted,
		Skipped:        result.Duplicates,
		Duration:       result.Duration(),
		Watermark:      watermark,
		FinishedAt:     result.FinishedAt,
	})

	fields := []zap.Field{
		zap.String("status", result.Status),
		zap.Int("fetched", result.Fetched),
		zap.Int("inserted", result.Inserted),
		zap.Int("duplicates", result.Duplicates),
		zap.Duration("duration", result.Duration()),
	}
	if result.Err != nil {
		logger.Error("Collection failed", append(fields, zap.Error(result.Err))...)
	} else {
		logger.Info("Collection finished", fields...)
	}
	return result
}

// Summary is the one-line outcome printed by commands.
func (r *RunResult) Summary() string {
	s := fmt.Sprintf("%s: organization=%s fetched=%d inserted=%d duplicates=%d window=[%s, %s]",
		r.Status, r.OrganizationID, r.Fetched, r.Inserted, r.Duplicates,
		r.Window.Start.Format(time.RFC3339), r.Window.End.Format(time.RFC3339))
	if r.Err != nil {
		s += "\n" + r.Err.Error()
	}
	return s
}
