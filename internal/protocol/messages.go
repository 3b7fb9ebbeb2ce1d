// Package protocol defines the JSON envelopes exchanged with the controller
// over the relay socket.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message types.
const (
	TypeAutomationCommand     = "automation_command"
	TypeExecuteCommand        = "execute_command"
	TypeScriptResult          = "SCRIPT_RESULT"
	TypeScriptError           = "SCRIPT_ERROR"
	TypeExtensionConnected    = "extension_connected"
	TypeNetworkRequest        = "network_request"
	TypeConnectionEstablished = "connection_established"
	TypeConnectionConfirmed   = "connection_confirmed"
	TypeNetworkLogConfirmed   = "network_log_confirmation"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Inbound is any message received from the controller.
type Inbound struct {
	Type      string          `json:"type"`
	Command   json.RawMessage `json:"command,omitempty"`
	CommandID string          `json:"command_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// ScriptCommand is the payload of an automation_command.
type ScriptCommand struct {
	Type      string          `json:"type,omitempty"`
	Script    json.RawMessage `json:"script"`
	CommandID string          `json:"command_id"`
}

// DecodeInbound parses a raw socket frame.
func DecodeInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode inbound: %w", err)
	}
	if in.Type == "" {
		return nil, fmt.Errorf("decode inbound: missing type")
	}
	return &in, nil
}

// CommandPayload returns the raw command script (a wire string or a
// structured object) and the correlation id carried by the envelope.
func (in *Inbound) CommandPayload() (any, string, error) {
	switch in.Type {
	case TypeAutomationCommand:
		var sc ScriptCommand
		if err := json.Unmarshal(in.Command, &sc); err != nil {
			return nil, "", fmt.Errorf("decode automation command: %w", err)
		}
		id := sc.CommandID
		if id == "" {
			id = in.CommandID
		}
		script, err := decodeAny(sc.Script)
		if err != nil {
			return nil, id, err
		}
		return script, id, nil
	case TypeExecuteCommand:
		raw, err := decodeAny(in.Command)
		if err != nil {
			return nil, in.CommandID, err
		}
		return raw, in.CommandID, nil
	default:
		return nil, "", fmt.Errorf("message type %q carries no command", in.Type)
	}
}

func decodeAny(raw json.RawMessage) (any, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	return v, nil
}

// Result is the outbound SCRIPT_RESULT / SCRIPT_ERROR envelope.
type Result struct {
	Type      string
	Status    string
	Value     any
	Error     string
	Code      string
	Stack     string
	CommandID string
	Timestamp time.Time
}

// NewScriptResult builds a success envelope.
func NewScriptResult(commandID string, value any) *Result {
	return &Result{
		Type:      TypeScriptResult,
		Status:    StatusSuccess,
		Value:     value,
		CommandID: commandID,
		Timestamp: time.Now().UTC(),
	}
}

// NewScriptError builds an error envelope.
func NewScriptError(commandID, code, message, stack string) *Result {
	return &Result{
		Type:      TypeScriptError,
		Status:    StatusError,
		Error:     message,
		Code:      code,
		Stack:     stack,
		CommandID: commandID,
		Timestamp: time.Now().UTC(),
	}
}

// MarshalJSON always emits "result" on success (even when null or false)
// and "error" on failure.
func (r *Result) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"type":       r.Type,
		"status":     r.Status,
		"command_id": r.CommandID,
		"timestamp":  r.Timestamp.Format(time.RFC3339Nano),
	}
	if r.Status == StatusError {
		m["error"] = r.Error
		if r.Code != "" {
			m["code"] = r.Code
		}
		if r.Stack != "" {
			m["stack"] = r.Stack
		}
	} else {
		m["result"] = r.Value
	}
	return json.Marshal(m)
}

// Handshake is sent once per successful socket open, before any other frame.
type Handshake struct {
	Type      string        `json:"type"`
	Data      HandshakeData `json:"data"`
	Timestamp string        `json:"timestamp"`
}

type HandshakeData struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

func NewHandshake(id, version string) *Handshake {
	return &Handshake{
		Type:      TypeExtensionConnected,
		Data:      HandshakeData{ID: id, Version: version},
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// NetworkRequest carries one network capture phase.
type NetworkRequest struct {
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

func NewNetworkRequest(phase string, data map[string]any, at time.Time) *NetworkRequest {
	return &NetworkRequest{
		Type:      TypeNetworkRequest,
		Event:     phase,
		Data:      data,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}
