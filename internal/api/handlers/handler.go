package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/aggregate"
	"github.com/leozw/client-counter/internal/config"
	"github.com/leozw/client-counter/internal/store"
)

// StoreReader is the part of the observation store the dashboard reads.
type StoreReader interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (*store.Stats, error)
	ListRuns(ctx context.Context, orgID string, limit int) ([]store.CollectionRun, error)
}

type Handler struct {
	store    StoreReader
	calc     *aggregate.Calculator
	defaults config.ReportConfig
	now      func() time.Time
	logger   *zap.Logger
}

func NewHandler(store StoreReader, calc *aggregate.Calculator, defaults config.ReportConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:    store,
		calc:     calc,
		defaults: defaults,
		now:      time.Now,
		logger:   logger,
	}
}
