// Package httpapi exposes the watcher registry over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/model"
	"github.com/nhle/mailwatch/internal/store"
	"github.com/nhle/mailwatch/internal/watch"
)

// Registry is the subset of *watch.Registry the API drives.
type Registry interface {
	Start(consumer model.ConsumerConfig) error
	Stop(consumerID string) error
	Status(consumerID string) (watch.Status, bool)
	Statuses() []watch.Status
}

// Server serves the control API.
type Server struct {
	reg    Registry
	store  store.Store
	cfg    *model.AppConfig
	log    zerolog.Logger
	engine *gin.Engine
}

// New builds the router.
func New(reg Registry, st store.Store, cfg *model.AppConfig, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		reg:   reg,
		store: st,
		cfg:   cfg,
		log:   log.With().Str("component", "httpapi").Logger(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)

	w := r.Group("/watchers")
	w.GET("", s.listWatchers)
	w.GET("/:id", s.getWatcher)
	w.POST("/:id/start", s.startWatcher)
	w.POST("/:id/stop", s.stopWatcher)
	w.GET("/:id/deliveries", s.deliveries)

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("control API listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving control API on %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) health(c *gin.Context) {
	running := 0
	for _, st := range s.reg.Statuses() {
		if st.Running {
			running++
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": running})
}

// statusOf returns the registry's view of id, or a stopped placeholder
// for a configured consumer that never ran.
func (s *Server) statusOf(id string) watch.Status {
	if st, ok := s.reg.Status(id); ok {
		return st
	}
	return watch.Status{ConsumerID: id, Phase: watch.PhaseStopped}
}

func (s *Server) listWatchers(c *gin.Context) {
	out := make([]watch.Status, 0, len(s.cfg.Consumers))
	for _, cc := range s.cfg.Consumers {
		out = append(out, s.statusOf(cc.ID))
	}
	c.JSON(http.StatusOK, out)
}

// consumer resolves :id against the configuration, writing a 404 when it
// is unknown.
func (s *Server) consumer(c *gin.Context) (model.ConsumerConfig, bool) {
	id := c.Param("id")
	cc, ok := s.cfg.Consumer(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown consumer %q", id)})
	}
	return cc, ok
}

func (s *Server) getWatcher(c *gin.Context) {
	cc, ok := s.consumer(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.statusOf(cc.ID))
}

func (s *Server) startWatcher(c *gin.Context) {
	cc, ok := s.consumer(c)
	if !ok {
		return
	}

	if err := s.reg.Start(cc); err != nil {
		if errors.Is(err, watch.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.log.Error().Err(err).Str("consumer_id", cc.ID).Msg("start failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, s.statusOf(cc.ID))
}

func (s *Server) stopWatcher(c *gin.Context) {
	cc, ok := s.consumer(c)
	if !ok {
		return
	}

	if err := s.reg.Stop(cc.ID); err != nil {
		if errors.Is(err, watch.ErrNotRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, s.statusOf(cc.ID))
}

func (s *Server) deliveries(c *gin.Context) {
	cc, ok := s.consumer(c)
	if !ok {
		return
	}

	stats, err := s.store.GetDeliveryStats(c.Request.Context(), cc.ID)
	if err != nil {
		s.log.Error().Err(err).Str("consumer_id", cc.ID).Msg("delivery stats failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
