// Package diag serves the local diagnostics API: breaker states and resets,
// connection and bandwidth views, queue statistics, and the prometheus
// scrape endpoint. It binds to loopback by default and is optional.
package diag

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalpost/flagwire/internal/breaker"
	"github.com/signalpost/flagwire/internal/conf"
	"github.com/signalpost/flagwire/internal/model"
	"github.com/signalpost/flagwire/internal/utils/log"
)

// ConnectionView exposes the connection manager's snapshot.
type ConnectionView interface {
	Info() model.ConnectionInfo
}

// BandwidthView exposes the bandwidth monitor's statistics.
type BandwidthView interface {
	Stats() model.BandwidthStats
}

// QueueView exposes one queue's statistics.
type QueueView interface {
	Stats() model.QueueStats
}

// Deps are the runtime components the API reads from. Nil entries disable
// their routes' content, not the server.
type Deps struct {
	Breakers   *breaker.Manager
	Connection ConnectionView
	Bandwidth  BandwidthView
	Queues     []QueueView
	Registry   *prometheus.Registry
}

type Server struct {
	cfg  conf.DiagConfig
	deps Deps

	httpServer *http.Server
	stopOnce   sync.Once
}

func NewServer(cfg conf.DiagConfig, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), Cors(cfg.AllowOrigins))
	s.register(engine)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) register(engine *gin.Engine) {
	api := engine.Group("/api/v1")
	api.GET("/breakers", s.listBreakers)
	api.GET("/breakers/:key", s.getBreaker)
	api.POST("/breakers/:key/reset", s.resetBreaker)
	api.POST("/breakers/reset", s.resetAllBreakers)
	api.GET("/connection", s.getConnection)
	api.GET("/bandwidth", s.getBandwidth)
	api.GET("/queues", s.getQueues)

	if s.deps.Registry != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})))
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		log.Infof("diagnostics api listening on %s", s.cfg.Listen)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("diagnostics api failed: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully. Safe to call repeatedly.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Warnf("diagnostics api shutdown: %v", err)
		}
	})
}

// Handler exposes the assembled engine, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
