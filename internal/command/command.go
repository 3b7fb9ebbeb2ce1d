// Package command holds the relay's Command and CommandResult model and the
// parser for the pipe-delimited wire format.
package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/manaflow-ai/tabrelay/internal/relayerr"
)

// Params are the structured parameters of a command.
type Params map[string]any

// String returns a string parameter. Numbers and booleans are rendered.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	default:
		return fmt.Sprint(v), true
	}
}

// Bool returns a boolean parameter, accepting "true"/"false" strings.
func (p Params) Bool(key string) (bool, bool) {
	switch v := p[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return b, true
	}
	return false, false
}

// Require returns a non-empty string parameter, trying each key in order.
func (p Params) Require(keys ...string) (string, error) {
	for _, k := range keys {
		if s, ok := p.String(k); ok && s != "" {
			return s, nil
		}
	}
	return "", relayerr.New(relayerr.InvalidParams, "missing required parameter %q", keys[0])
}

// Command is one automation request. It is not modified after dispatch.
type Command struct {
	Name   string `json:"name"`
	Params Params `json:"params"`
	ID     string `json:"command_id,omitempty"`
}

// WithID returns a copy of c carrying the given correlation id.
func (c Command) WithID(id string) Command {
	c.ID = id
	return c
}

// Status of a CommandResult.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is produced exactly once per dispatched Command.
type Result struct {
	ID       string
	Name     string
	Status   Status
	Value    any
	Err      error
	Duration time.Duration
}

// Success builds a successful result.
func Success(cmd Command, value any) Result {
	return Result{ID: cmd.ID, Name: cmd.Name, Status: StatusSuccess, Value: value}
}

// Failure builds an error result.
func Failure(cmd Command, err error) Result {
	return Result{ID: cmd.ID, Name: cmd.Name, Status: StatusError, Err: err}
}

// Code returns the relay error code for failed results.
func (r Result) Code() relayerr.Code {
	return relayerr.CodeOf(r.Err)
}

// OK reports whether the result is a success.
func (r Result) OK() bool { return r.Status == StatusSuccess }
