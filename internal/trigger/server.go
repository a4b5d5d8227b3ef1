package trigger

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oceanframework/ocean/internal/logger"
	"github.com/oceanframework/ocean/internal/resync"
	"github.com/oceanframework/ocean/internal/webhook"
)

// ServerConfig configures the HTTP trigger
type ServerConfig struct {
	Addr string
	// ShutdownGrace bounds the drain of in-flight requests on stop
	ShutdownGrace time.Duration
}

// Server is the webhook-driven trigger: it serves the integration's webhook
// endpoints plus health and metrics, and optionally accepts resync requests
// over HTTP.
type Server struct {
	config  ServerConfig
	manager *webhook.Manager
	resync  Resyncer
	status  func() resync.Status
	log     logger.Logger
}

// NewServer creates the HTTP trigger
func NewServer(config ServerConfig, manager *webhook.Manager, resyncer Resyncer, status func() resync.Status) *Server {
	if config.Addr == "" {
		config.Addr = ":8000"
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 15 * time.Second
	}
	return &Server{
		config:  config,
		manager: manager,
		resync:  resyncer,
		status:  status,
		log:     logger.New("http"),
	}
}

// Run serves until ctx ends, then drains in-flight requests and the event
// shards before returning.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/resync", s.handleResync)
	s.manager.Routes(router)
	s.manager.Start()

	srv := &http.Server{
		Addr:    s.config.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http trigger listening", logger.String("addr", s.config.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.manager.Stop()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown incomplete", logger.Error(err))
	}
	s.manager.Stop()
	return ctx.Err()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"resync": string(s.status()),
	})
}

// handleResync kicks off a resync in the background. A run already in
// flight is reported, not queued.
func (s *Server) handleResync(c *gin.Context) {
	if s.resync == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "resync not enabled"})
		return
	}
	if s.status() == resync.StatusRunning {
		c.JSON(http.StatusConflict, gin.H{"error": "a resync is already running"})
		return
	}
	go func() {
		if err := s.resync.Resync(context.Background()); err != nil {
			s.log.Error("requested resync failed", logger.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}
