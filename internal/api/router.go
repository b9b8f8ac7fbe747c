package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/aggregate"
	"github.com/leozw/client-counter/internal/api/handlers"
	"github.com/leozw/client-counter/internal/api/middleware"
	"github.com/leozw/client-counter/internal/config"
	"github.com/leozw/client-counter/internal/metrics"
)

type Server struct {
	Config *config.Config
	Router *gin.Engine

	handler *handlers.Handler
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewServer(cfg *config.Config, store handlers.StoreReader, calc *aggregate.Calculator, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	router := gin.New()

	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	server := &Server{
		Config:  cfg,
		Router:  router,
		handler: handlers.NewHandler(store, calc, cfg.Report, logger),
		metrics: collector,
		logger:  logger,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", s.handler.Health)
	s.Router.GET("/ready", s.handler.Ready)
	s.Router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := s.Router.Group("/api/v1")
	if s.Config.Server.JWTSecret != "" {
		api.Use(middleware.AuthRequired(s.Config.Server.JWTSecret))
	}
	api.Use(middleware.Organization(s.Config.Meraki.OrganizationID))

	stats := api.Group("/stats")
	{
		stats.GET("/summary", s.handler.Summary)
		stats.GET("/daily", s.handler.Averages(aggregate.Day))
		stats.GET("/weekly", s.handler.Averages(aggregate.Week))
		stats.GET("/monthly", s.handler.Averages(aggregate.Month))
		stats.GET("/hourly", s.handler.Hourly)
		stats.GET("/peak-hours", s.handler.PeakHours)
	}

	api.GET("/series/:granularity", s.handler.Series)
	api.GET("/export/:format", s.handler.Export)
	api.GET("/db/stats", s.handler.DBStats)
}

// Handler exposes the router for http.Server.
func (s *Server) Handler() http.Handler {
	return s.Router
}
