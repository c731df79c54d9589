package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/nerrad567/wemos-relay/internal/gateway"
)

// CommandRecorder observes routed controller commands.
type CommandRecorder interface {
	RecordCommand(cmd gateway.ControllerCommand, res gateway.CommandResult)
}

// CommandRecorders fans a command out to several recorders.
type CommandRecorders []CommandRecorder

// RecordCommand implements CommandRecorder.
func (rs CommandRecorders) RecordCommand(cmd gateway.ControllerCommand, res gateway.CommandResult) {
	for _, r := range rs {
		if r != nil {
			r.RecordCommand(cmd, res)
		}
	}
}

// handleCommand routes a controller command.
//
// Routing outcomes, including offline targets, are 200 responses carrying
// the gateway's result; only a malformed body is a 400.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "request body too large or unreadable")
		return
	}

	cmd, err := gateway.ParseControllerCommand(body)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidCommand) {
			writeBadRequest(w, "command is required")
			return
		}
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if src, ok := controllerSource(r.Context()); ok {
		cmd.Source = src
	}

	// Evictions triggered while routing must finish even if the controller hangs up.
	ctx := context.WithoutCancel(r.Context())
	res := s.gateway.SubmitCommand(ctx, cmd)
	s.commands.RecordCommand(cmd, res)

	s.logger.Info("controller command routed",
		"command", cmd.Command,
		"source", cmd.Source,
		"status", res.Status,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	writeJSON(w, http.StatusOK, res)
}
