package web

import (
	"context"
	"net/http"
	"time"

	"signalbridge/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"
)

// Controls is the operator surface the HTTP server drives. Handlers
// never touch pipeline internals directly.
type Controls interface {
	SetTradingEnabled(enabled bool)
	FlattenAll()
}

// Server exposes the observer snapshot and the operator switches.
type Server struct {
	state    *session.State
	controls Controls
	srv      *http.Server
}

func NewServer(addr string, state *session.State, controls Controls) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{state: state, controls: controls}
	router.GET("/status", s.getStatus)
	router.GET("/healthz", s.getHealth)
	router.POST("/kill", s.postKill)
	router.POST("/enable", s.postEnable)
	router.POST("/flatten", s.postFlatten)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Errorf("status server, err: %+v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.Latest())
}

func (s *Server) getHealth(c *gin.Context) {
	snap := s.state.Latest()
	fatal := snap.LastFault != nil && snap.LastFault.Category == session.FaultFatal
	if !snap.Running || fatal {
		c.JSON(http.StatusServiceUnavailable, gin.H{"healthy": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"healthy": true})
}

func (s *Server) postKill(c *gin.Context) {
	s.controls.SetTradingEnabled(false)
	logs.Warn("kill switch tripped via api")
	c.JSON(http.StatusOK, gin.H{"trading": false, "at": time.Now().Format(time.RFC3339)})
}

func (s *Server) postEnable(c *gin.Context) {
	s.controls.SetTradingEnabled(true)
	logs.Info("trading re-enabled via api")
	c.JSON(http.StatusOK, gin.H{"trading": true, "at": time.Now().Format(time.RFC3339)})
}

func (s *Server) postFlatten(c *gin.Context) {
	s.controls.FlattenAll()
	c.JSON(http.StatusAccepted, gin.H{"flatten": "requested"})
}
