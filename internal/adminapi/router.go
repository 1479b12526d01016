package adminapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/store"
)

// SetupRoutes registers the admin endpoints on router.
func SetupRoutes(router gin.IRouter, st store.Store, log *logger.Logger) {
	handler := NewHandler(st, log)

	router.GET("/healthz", handler.HealthCheck)
	router.GET("/status", handler.Status)
	router.GET("/sessions", handler.Sessions)
}

// Server wraps the admin HTTP surface's listen/shutdown lifecycle.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// NewServer builds a Server bound to addr, with routes already registered.
func NewServer(addr string, st store.Store, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log))
	SetupRoutes(router, st, log)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		log: log.WithFields(zap.String("component", "adminapi")),
	}
}

// Start begins serving in a background goroutine. Failures other than a
// clean shutdown are logged as fatal-equivalent errors.
func (s *Server) Start() {
	go func() {
		s.log.Info("admin HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin HTTP server stopped unexpectedly", zap.Error(err))
		}
	}()
}

// Shutdown gracefully stops the server, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
