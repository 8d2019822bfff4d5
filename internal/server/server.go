// Package server exposes the HTTP API: station management, track and
// detection queries, on-demand detection, and the websocket event feed.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/radiowatch/radiowatch/internal/config"
	"github.com/radiowatch/radiowatch/internal/detector"
	"github.com/radiowatch/radiowatch/internal/events"
	"github.com/radiowatch/radiowatch/internal/logger"
	"github.com/radiowatch/radiowatch/internal/scheduler"
)

// Server is the HTTP front of the application.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
	db         *gorm.DB
	detector   *detector.Detector
	scheduler  *scheduler.Scheduler
	bus        events.EventBus
	feed       *eventFeed
	cfg        config.ServerConfig
}

// New creates the HTTP server and wires its routes.
func New(db *gorm.DB, det *detector.Detector, sched *scheduler.Scheduler, bus events.EventBus, cfg config.ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		router:    router,
		db:        db,
		detector:  det,
		scheduler: sched,
		bus:       bus,
		feed:      newEventFeed(bus),
		cfg:       cfg,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	if s.cfg.EnableCORS {
		s.router.Use(corsMiddleware())
	}

	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/events", s.feed.handleWebSocket)

		api.GET("/stations", s.handleListStations)
		api.POST("/stations", s.handleCreateStation)
		api.GET("/stations/:id", s.handleGetStation)
		api.PUT("/stations/:id", s.handleUpdateStation)
		api.DELETE("/stations/:id", s.handleDeleteStation)
		api.GET("/stations/:id/detections", s.handleStationDetections)
		api.GET("/stations/:id/stats", s.handleStationStats)
		api.GET("/stations/:id/now", s.handleStationNowPlaying)

		api.GET("/tracks", s.handleListTracks)
		api.GET("/tracks/:id", s.handleGetTrack)

		api.GET("/detections", s.handleListDetections)
		api.POST("/detect", s.handleDetect)
	}
}

// Start begins serving and attaches the event feed to the bus.
func (s *Server) Start() error {
	s.feed.start()
	logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains connections and detaches the event feed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.feed.stop()
	return s.httpServer.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Writer.Status() >= 500 {
			logger.Error("request failed",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"status", c.Writer.Status(),
				"duration", time.Since(start))
			return
		}
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
