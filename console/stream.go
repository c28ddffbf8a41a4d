// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/hyperbridge-labs/hyperbridge/fanout"
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 << 10,
		CheckOrigin: func(request *http.Request) bool {
			origin := request.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
		},
	}
}

// parseStart reads resume_from and live from the query string.
func parseStart(c echo.Context) (fanout.Start, error) {
	var start fanout.Start
	if raw := c.QueryParam("resume_from"); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return start, fmt.Errorf("invalid resume_from %q", raw)
		}
		start.ResumeFrom = value
	}
	if raw := c.QueryParam("live"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return start, fmt.Errorf("invalid live %q", raw)
		}
		start.Live = value
	}
	return start, nil
}

func subscribeStatus(err error) int {
	switch {
	case errors.Is(err, fanout.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, fanout.ErrSessionEnded):
		return http.StatusGone
	case errors.Is(err, fanout.ErrResumeAhead):
		return http.StatusBadRequest
	case errors.Is(err, fanout.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// streamEvents subscribes before upgrading so that subscription
// failures are reported as plain HTTP errors.
func (s *Server) streamEvents(c echo.Context) error {
	sessionID := c.Param("id")
	start, err := parseStart(c)
	if err != nil {
		return respondError(c, http.StatusBadRequest, err)
	}
	if !websocket.IsWebSocketUpgrade(c.Request()) {
		return respondError(c, http.StatusBadRequest, errors.New("event stream requires a websocket upgrade"))
	}
	if s.ctx.Err() != nil {
		return respondError(c, http.StatusServiceUnavailable, errors.New("console shutting down"))
	}

	subscriber, err := s.events.Subscribe(sessionID, start)
	if err != nil {
		return respondError(c, subscribeStatus(err), err)
	}
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.events.Unsubscribe(subscriber.ID())
		s.logger.Warn("event stream upgrade failed", "session_id", sessionID, "error", err)
		return nil
	}

	s.streams.Add(1)
	defer s.streams.Done()
	defer conn.Close()

	logger := s.logger.With(
		"session_id", sessionID,
		"subscriber_id", subscriber.ID(),
		"remote_addr", c.RealIP(),
	)
	logger.Info("event stream opened",
		"resume_from", start.ResumeFrom,
		"live", start.Live,
		"analyst", analyst(c),
	)

	// The read side only services control frames. Its failure means
	// the peer went away; unsubscribing closes the delivery channel
	// and ends the write loop below.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		defer s.events.Unsubscribe(subscriber.ID())
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("event stream read ended", "error", err)
				}
				return
			}
		}
	}()

	reason := s.writeDeliveries(conn, subscriber)
	s.events.Unsubscribe(subscriber.ID())
	closeCode := websocket.CloseNormalClosure
	if reason == "shutdown" {
		closeCode = websocket.CloseGoingAway
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, reason),
		time.Now().Add(s.writeTimeout))
	conn.Close()
	<-peerGone
	logger.Info("event stream closed", "reason", reason)
	return nil
}

// writeDeliveries is the stream's only writer. It returns a short
// reason for the close frame.
func (s *Server) writeDeliveries(conn *websocket.Conn, subscriber *fanout.Subscriber) string {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case delivery, ok := <-subscriber.Deliveries():
			if !ok {
				return "unsubscribed"
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteJSON(delivery); err != nil {
				return "write failed"
			}
			if delivery.Type == fanout.DeliveryEnd {
				return delivery.Reason
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return "ping failed"
			}
		case <-s.ctx.Done():
			return "shutdown"
		}
	}
}
