package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Command result statuses.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultMulti = "multi"
)

// defaultSource names a controller that did not identify itself.
const defaultSource = "unknown"

// Targets is a controller's target selector: absent, one id, or a list.
type Targets struct {
	IDs   []string
	Multi bool
	set   bool
}

// UnmarshalJSON accepts a string, an array of strings, or null. Only null
// leaves the selector unset; an empty string is a target like any other.
func (t *Targets) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = Targets{}
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("target list: %w", err)
		}
		*t = Targets{IDs: ids, Multi: true, set: true}
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("target must be a string or array of strings: %w", err)
	}
	*t = Targets{IDs: []string{id}, set: true}
	return nil
}

// MarshalJSON writes the selector back in the shape it was given.
func (t Targets) MarshalJSON() ([]byte, error) {
	switch {
	case !t.set:
		return []byte("null"), nil
	case t.Multi:
		return json.Marshal(t.IDs)
	default:
		return json.Marshal(t.IDs[0])
	}
}

// IsSet reports whether any target was given.
func (t Targets) IsSet() bool { return t.set }

// ControllerCommand is a command submitted by a trusted controller.
// DeviceName is accepted as an alias for DeviceID; DeviceID wins if both
// are present.
type ControllerCommand struct {
	Command    string  `json:"command"`
	DeviceID   Targets `json:"deviceId"`
	DeviceName Targets `json:"deviceName"`
	Source     string  `json:"source,omitempty"`
}

// ParseControllerCommand decodes and validates a controller command body.
func ParseControllerCommand(data []byte) (ControllerCommand, error) {
	var cmd ControllerCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return ControllerCommand{}, fmt.Errorf("decoding command: %w", err)
	}
	cmd.Command = strings.TrimSpace(cmd.Command)
	if cmd.Command == "" {
		return ControllerCommand{}, ErrInvalidCommand
	}
	if cmd.Source == "" {
		cmd.Source = defaultSource
	}
	return cmd, nil
}

// Targets returns the effective target selector.
func (c ControllerCommand) Targets() Targets {
	if c.DeviceID.IsSet() {
		return c.DeviceID
	}
	return c.DeviceName
}

// CommandResult is the controller-facing outcome of a command.
type CommandResult struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Results map[string]string `json:"results,omitempty"`
}

// SubmitCommand routes a controller command and builds its result. Every
// command is echoed to observers as a server_command event first.
func (g *Gateway) SubmitCommand(ctx context.Context, cmd ControllerCommand) CommandResult {
	if cmd.Source == "" {
		cmd.Source = defaultSource
	}
	targets := cmd.Targets()

	g.logger.Info("controller command received",
		"command", cmd.Command,
		"source", cmd.Source,
		"targets", targets.IDs,
	)
	g.router.BroadcastToObservers(Event{
		Type:    EventServerCommand,
		Command: cmd.Command,
		Source:  cmd.Source,
		Targets: targets.IDs,
	})

	if !targets.IsSet() {
		results := g.router.DeliverCommand(ctx, nil, cmd.Command)
		g.logger.Debug("command broadcast", "command", cmd.Command, "devices", len(results))
		return CommandResult{
			Status:  ResultOK,
			Message: fmt.Sprintf("Command '%s' broadcasted to devices.", cmd.Command),
		}
	}

	ids := targets.IDs
	if ids == nil {
		ids = []string{}
	}
	results := g.router.DeliverCommand(ctx, ids, cmd.Command)

	if !targets.Multi {
		r := results[0]
		if r.Delivered() {
			return CommandResult{
				Status:  ResultOK,
				Message: fmt.Sprintf("Command '%s' sent to %s", cmd.Command, r.Target),
			}
		}
		return CommandResult{
			Status:  ResultError,
			Message: fmt.Sprintf("Device '%s' not connected", r.Target),
		}
	}

	byTarget := make(map[string]string, len(results))
	for _, r := range results {
		byTarget[r.Target] = r.Label()
	}
	return CommandResult{Status: ResultMulti, Results: byTarget}
}
