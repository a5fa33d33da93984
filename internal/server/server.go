package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/wardlink/wardlink/internal/config"
	"github.com/wardlink/wardlink/internal/pubsub"
	"github.com/wardlink/wardlink/internal/storage"
)

// Server ties the hub, the message store and the HTTP API together.
type Server struct {
	E     *echo.Echo
	cfg   *config.Config
	hub   *Hub
	files storage.Store
}

// New assembles the server. The hub is not yet running; Start owns its
// lifecycle.
func New(cfg *config.Config, store MessageStore, files storage.Store, pub pubsub.Publisher, opts ...HubOption) *Server {
	hub := NewHub(store, pub, cfg.AuthToken, opts...)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{E: e, cfg: cfg, hub: hub, files: files}
	s.registerRoutes(store)
	return s
}

func (s *Server) registerRoutes(store MessageStore) {
	s.E.GET("/ws/:room", s.hub.Serve())

	api := s.E.Group("/api", s.bearerAuth)
	api.GET("/rooms/:room/messages", s.handleHistory(store))
	api.POST("/uploads", s.handleUpload)
	api.GET("/uploads/:name", s.handleDownload)
}

// bearerAuth guards the HTTP API with the same token the websocket
// handshake checks. An empty configured token disables the check.
func (s *Server) bearerAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.AuthToken == "" {
			return next(c)
		}
		header := c.Request().Header.Get("Authorization")
		if header != "Bearer "+s.cfg.AuthToken {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		return next(c)
	}
}

// Start runs the hub and the HTTP listener until ctx is canceled or a
// signal arrives, then shuts both down.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		if err := s.E.Start(s.cfg.ServerAddr); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.E.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
