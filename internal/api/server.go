// Package api serves the read-only status surface over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/archive"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/engine"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/metrics"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/notify"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/position"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/store"
)

// StateSource reports the engine counters.
type StateSource interface {
	State() engine.RuntimeState
}

// Server wires HTTP endpoints around the store and the engine.
type Server struct {
	Router  *gin.Engine
	Store   *store.Store
	State   StateSource
	Ledger  *position.Ledger
	Hub     *notify.Hub
	Archive *archive.Archive
	Meta    Meta

	now func() time.Time
	log zerolog.Logger
}

// Meta describes the running configuration shown by /status.
type Meta struct {
	Version   string `json:"version"`
	Provider  string `json:"provider"`
	Timeframe string `json:"timeframe"`
	EMAPeriod int    `json:"ema_period"`
}

// NewServer builds the router. Any collaborator except st may be nil; the
// matching endpoints then answer "data unavailable".
func NewServer(st *store.Store, state StateSource, ledger *position.Ledger, hub *notify.Hub, arch *archive.Archive, meta Meta, log zerolog.Logger) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))

	s := &Server{
		Router:  r,
		Store:   st,
		State:   state,
		Ledger:  ledger,
		Hub:     hub,
		Archive: arch,
		Meta:    meta,
		now:     time.Now,
		log:     log.With().Str("component", "api").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	s.Router.GET("/status", s.status)
	s.Router.GET("/stats", s.stats)
	s.Router.GET("/signals", s.listSignals)
	s.Router.GET("/signals/:id", s.getSignal)
	s.Router.GET("/updates", s.updates)
	s.Router.GET("/report/daily", s.dailyReport)
	s.Router.GET("/export.csv", s.exportCSV)
	s.Router.GET("/metrics", gin.WrapH(metrics.Handler()))
	if s.Hub != nil {
		s.Router.GET("/ws", gin.WrapH(s.Hub))
	}
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("status api listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// unavailable is the degraded answer when a data source cannot be read.
func (s *Server) unavailable(c *gin.Context, err error) {
	if err != nil {
		s.log.Warn().Err(err).Str("path", c.FullPath()).Msg("data unavailable")
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "data unavailable"})
}
