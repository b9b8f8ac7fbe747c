package planner

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultOverlap   = 90 * time.Minute
	DefaultBootstrap = 30 * 24 * time.Hour
)

// WatermarkSource reports the latest stored last_seen for an organization and
// where its unsuccessful runs since the last success started.
type WatermarkSource interface {
	LatestSeen(ctx context.Context, orgID string) (time.Time, bool, error)
	ResumePoint(ctx context.Context, orgID string) (time.Time, bool, error)
}

// Window is the fetch range of one collection pass: [Start, End].
type Window struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Bootstrap bool      `json:"bootstrap"`
	Resumed   bool      `json:"resumed,omitempty"`
	Watermark time.Time `json:"watermark,omitzero"`
}

func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Planner decides how far back a collection pass has to reach so that
// consecutive passes leave no gap, however long the pause between them.
type Planner struct {
	source    WatermarkSource
	overlap   time.Duration
	bootstrap time.Duration
	logger    *zap.Logger
}

func New(source WatermarkSource, overlap, bootstrap time.Duration, logger *zap.Logger) *Planner {
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	if bootstrap <= 0 {
		bootstrap = DefaultBootstrap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		source:    source,
		overlap:   overlap,
		bootstrap: bootstrap,
		logger:    logger.With(zap.String("component", "planner")),
	}
}

// Plan computes the window for a pass executed at now. The watermark is read
// fresh from the store on every call. When runs since the last success did not
// finish, the window reaches back to the earliest of their starts.
func (p *Planner) Plan(ctx context.Context, orgID string, now time.Time) (Window, error) {
	now = now.UTC()

	watermark, ok, err := p.source.LatestSeen(ctx, orgID)
	if err != nil {
		return Window{}, err
	}
	resume, resuming, err := p.source.ResumePoint(ctx, orgID)
	if err != nil {
		return Window{}, err
	}

	if !ok {
		w := Window{Start: now.Add(-p.bootstrap), End: now, Bootstrap: true}
		if resuming && resume.Before(w.Start) {
			w.Start, w.Resumed = resume, true
		}
		p.logger.Info("No stored observations, bootstrapping",
			zap.String("organization_id", orgID),
			zap.Time("start", w.Start),
			zap.Time("end", w.End))
		return w, nil
	}

	start := watermark.Add(-p.overlap)
	if start.After(now) {
		p.logger.Warn("Watermark is in the future, clamping",
			zap.String("organization_id", orgID),
			zap.Time("watermark", watermark),
			zap.Time("now", now))
		start = now.Add(-p.overlap)
	}

	w := Window{Start: start, End: now, Watermark: watermark}
	if resuming && resume.Before(w.Start) {
		p.logger.Warn("Previous run did not finish, resuming from its window start",
			zap.String("organization_id", orgID),
			zap.Time("resume_from", resume))
		w.Start, w.Resumed = resume, true
	}
	p.logger.Info("Planned incremental window",
		zap.String("organization_id", orgID),
		zap.Time("watermark", watermark),
		zap.Time("start", w.Start),
		zap.Time("end", w.End),
		zap.Duration("span", w.Duration()))
	return w, nil
}
