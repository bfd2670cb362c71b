package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Araujoacai/railtrack/internal/config"
	"github.com/Araujoacai/railtrack/internal/limiter"
	"github.com/Araujoacai/railtrack/internal/otelutil"
	"github.com/Araujoacai/railtrack/internal/state"
	"github.com/Araujoacai/railtrack/internal/validate"
)

// Server bundles the explicitly-owned collaborators of the connection
// handling layer. There is no ambient global state; everything is built in
// main and injected here.
type Server struct {
	cfg            *config.Config
	manager        *state.Manager
	limiter        *limiter.Limiter
	logger         zerolog.Logger
	originPatterns []string
}

func NewServer(cfg *config.Config, manager *state.Manager, lim *limiter.Limiter, logger zerolog.Logger) *Server {
	patterns := []string{"*"}
	if cfg.AllowedOrigin != "" && cfg.AllowedOrigin != "*" {
		patterns = strings.Split(cfg.AllowedOrigin, ",")
		for i := range patterns {
			patterns[i] = strings.TrimSpace(patterns[i])
		}
	}
	return &Server{
		cfg:            cfg,
		manager:        manager,
		limiter:        lim,
		logger:         logger,
		originPatterns: patterns,
	}
}

// router wires the HTTP surface: health, room pre-join validation, stats
// (development only), Prometheus metrics and the websocket upgrade.
func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cidMiddleware())
	r.Use(otelMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "railtrack",
		})
	})

	r.GET("/api/room/:code", func(c *gin.Context) {
		code, ok := validate.RoomCode(c.Param("code"))
		if !ok {
			c.JSON(http.StatusOK, gin.H{"exists": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"exists": s.manager.RoomExists(code)})
	})

	if s.cfg.IsDevelopment() {
		r.GET("/api/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.manager.Stats())
		})
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ws", s.handleWebSocket)

	return r
}

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	if err := otelutil.Init(); err != nil {
		logger.Debug().Err(err).Msg("tracing disabled")
	}
	defer otelutil.Flush()

	manager := state.NewManager(state.Config{
		MaxRooms:     cfg.MaxRooms,
		MaxMembers:   cfg.MaxMembersPerRoom,
		Retention:    cfg.RoomRetention,
		ReapInterval: cfg.ReapInterval,
	}, logger)
	manager.StartReaper()
	defer manager.Stop()

	srv := NewServer(cfg, manager, limiter.New(), logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.router(),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info().Msg("shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("server forced to shutdown")
		}
	}()

	logger.Info().
		Str("port", cfg.Port).
		Str("env", cfg.Env).
		Int("max_rooms", cfg.MaxRooms).
		Int("max_members", cfg.MaxMembersPerRoom).
		Msg("railtrack server starting")

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server failed to start")
	}
	logger.Info().Msg("server stopped")
}
