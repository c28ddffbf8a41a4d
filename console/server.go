// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hyperbridge-labs/hyperbridge/dispatch"
	"github.com/hyperbridge-labs/hyperbridge/fanout"
	"github.com/hyperbridge-labs/hyperbridge/lib/version"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
	"github.com/hyperbridge-labs/hyperbridge/session"
)

// Sessions is the registry view the console reads.
type Sessions interface {
	Lookup(id string) (session.Session, error)
	List() []session.Session
}

// Commands submits analyst commands.
type Commands interface {
	Submit(sessionID string, verb protocol.Verb, args protocol.Args, timeout time.Duration) (*dispatch.Call, error)
}

// Events opens live event streams.
type Events interface {
	Subscribe(sessionID string, start fanout.Start) (*fanout.Subscriber, error)
	Unsubscribe(id string)
}

var (
	_ Sessions = (*session.Registry)(nil)
	_ Commands = (*dispatch.Dispatcher)(nil)
	_ Events   = (*fanout.Router)(nil)
)

// Config configures a Server.
type Config struct {
	Sessions Sessions
	Commands Commands
	Events   Events

	// JWTSecret enables bearer-token authentication when non-empty.
	JWTSecret []byte

	// PingInterval is the WebSocket ping period. A stream whose peer
	// misses two pings is dropped. Default 30s.
	PingInterval time.Duration

	// WriteTimeout bounds one WebSocket write. Default 10s.
	WriteTimeout time.Duration

	// AllowedOrigins lists browser origins allowed to open event
	// streams. Requests without an Origin header are always allowed.
	// "*" allows every origin.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Server is the analyst console.
type Server struct {
	sessions       Sessions
	commands       Commands
	events         Events
	secret         []byte
	pingInterval   time.Duration
	writeTimeout   time.Duration
	allowedOrigins []string
	logger         *slog.Logger

	echo *echo.Echo

	// ctx is cancelled by Shutdown to end hijacked WebSocket streams,
	// which http.Server.Shutdown does not track.
	ctx     context.Context
	cancel  context.CancelFunc
	streams sync.WaitGroup
}

// New builds a Server and registers its routes.
func New(config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		sessions:       config.Sessions,
		commands:       config.Commands,
		events:         config.Events,
		secret:         config.JWTSecret,
		pingInterval:   config.PingInterval,
		writeTimeout:   config.WriteTimeout,
		allowedOrigins: config.AllowedOrigins,
		logger:         config.Logger,
		ctx:            ctx,
		cancel:         cancel,
	}
	if server.pingInterval <= 0 {
		server.pingInterval = 30 * time.Second
	}
	if server.writeTimeout <= 0 {
		server.writeTimeout = 10 * time.Second
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, values middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", values.Method,
				"uri", values.URI,
				"status", values.Status,
				"latency", values.Latency,
			}
			if values.Error != nil {
				attrs = append(attrs, "error", values.Error)
			}
			server.logger.Debug("api request", attrs...)
			return nil
		},
	}))
	server.echo = e
	server.routes()
	return server
}

func (s *Server) routes() {
	s.echo.GET("/v1/health", s.health)

	api := s.echo.Group("/v1/sessions")
	if len(s.secret) > 0 {
		api.Use(s.authenticate)
	}
	api.GET("", s.listSessions)
	api.GET("/:id", s.getSession)
	api.POST("/:id/commands", s.submitCommand)
	api.GET("/:id/events", s.streamEvents)
}

// Handler returns the console as an http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Serve accepts HTTP connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.echo.Listener = listener
	s.logger.Info("console listening", "address", listener.Addr().String())
	err := s.echo.Start("")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, ends open event streams, and
// waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.echo.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondError(c echo.Context, status int, err error) error {
	return c.JSON(status, errorResponse{Error: err.Error()})
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
}

func (s *Server) health(c echo.Context) error {
	live := 0
	for _, known := range s.sessions.List() {
		if known.State != session.Expired {
			live++
		}
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Version:  version.Info(),
		Sessions: live,
	})
}

func (s *Server) listSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sessions.List())
}

func (s *Server) getSession(c echo.Context) error {
	found, err := s.sessions.Lookup(c.Param("id"))
	if err != nil {
		return respondError(c, http.StatusNotFound, err)
	}
	return c.JSON(http.StatusOK, found)
}
