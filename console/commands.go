// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hyperbridge-labs/hyperbridge/dispatch"
	"github.com/hyperbridge-labs/hyperbridge/protocol"
	"github.com/hyperbridge-labs/hyperbridge/session"
)

// CommandRequest is the body of POST /v1/sessions/:id/commands. Either
// Verb (with Args) or Line is set.
type CommandRequest struct {
	Verb protocol.Verb `json:"verb,omitempty"`
	Args protocol.Args `json:"args"`

	// Line is the analyst text form, for example "KILL 4242".
	Line string `json:"line,omitempty"`

	// TimeoutMS overrides the default deadline. The dispatcher clamps
	// it to its maximum.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// CommandResponse reports a resolved command.
type CommandResponse struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Command   string `json:"command"`

	dispatch.Outcome

	// Error describes timeout and session-gone outcomes.
	Error string `json:"error,omitempty"`
}

func (r CommandRequest) resolve() (protocol.Verb, protocol.Args, error) {
	switch {
	case r.Line != "" && r.Verb != "":
		return "", protocol.Args{}, errors.New("set either verb or line, not both")
	case r.Line != "":
		return protocol.ParseCommandLine(r.Line)
	case r.Verb != "":
		return r.Verb, r.Args, nil
	default:
		return "", protocol.Args{}, errors.New("verb or line is required")
	}
}

func (s *Server) submitCommand(c echo.Context) error {
	sessionID := c.Param("id")
	if _, err := s.sessions.Lookup(sessionID); errors.Is(err, session.ErrNotFound) {
		return respondError(c, http.StatusNotFound, err)
	}

	var request CommandRequest
	if err := c.Bind(&request); err != nil {
		return respondError(c, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
	}
	if request.TimeoutMS < 0 {
		return respondError(c, http.StatusBadRequest, errors.New("timeout_ms must not be negative"))
	}
	verb, args, err := request.resolve()
	if err != nil {
		return respondError(c, http.StatusBadRequest, err)
	}

	call, err := s.commands.Submit(sessionID, verb, args, time.Duration(request.TimeoutMS)*time.Millisecond)
	if err != nil {
		return respondError(c, submitStatus(err), err)
	}
	s.logger.Info("analyst command submitted",
		"session_id", sessionID,
		"request_id", call.RequestID(),
		"command", call.Command().String(),
		"analyst", analyst(c),
	)

	// The dispatcher resolves every call by its deadline, so this wait
	// ends even if the client stays connected.
	outcome, err := call.Wait(c.Request().Context())
	if err != nil {
		s.logger.Info("analyst stopped waiting for command",
			"session_id", sessionID,
			"request_id", call.RequestID(),
		)
		return err
	}

	response := CommandResponse{
		RequestID: call.RequestID(),
		SessionID: sessionID,
		Command:   call.Command().String(),
		Outcome:   outcome,
	}
	if outcome.Err != nil {
		response.Error = outcome.Err.Error()
	}
	return c.JSON(http.StatusOK, response)
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrSessionUnavailable):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrUnsupportedVerb):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrOutboxFull):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
