package browser

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manaflow-ai/tabrelay/internal/relayerr"
)

// bundleSource is evaluated once per document. It installs
// window.__tabrelay and returns the document's instance id; evaluating it
// again in the same document returns the existing id.
//
//go:embed bundle.js
var bundleSource string

// missingBundle is what a helper call evaluates to when the document was
// replaced after the last injection.
const missingBundle = `JSON.stringify({ok:false,code:"ContextDestroyed",message:"helper bundle is not loaded in this document"})`

// envelope is the JSON a helper call resolves to.
type envelope struct {
	OK      bool            `json:"ok"`
	Value   json.RawMessage `json:"value"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Stack   string          `json:"stack"`
}

// callExpression builds the expression that invokes helper fn with args.
func callExpression(fn string, args []any) (string, error) {
	if args == nil {
		args = []any{}
	}
	name, err := json.Marshal(fn)
	if err != nil {
		return "", err
	}
	enc, err := json.Marshal(args)
	if err != nil {
		return "", relayerr.Wrap(relayerr.InvalidParams, err, "encode arguments for %s", fn)
	}
	return fmt.Sprintf("window.__tabrelay ? window.__tabrelay.call(%s, %s) : %s", name, enc, missingBundle), nil
}

// decodeEnvelope unpacks a helper result. Failures become relay errors;
// codes the relay does not know are reported as ExecutionFailed.
func decodeEnvelope(raw string) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, relayerr.Wrap(relayerr.ExecutionFailed, err, "decode helper result")
	}
	if env.OK {
		if len(env.Value) == 0 {
			return json.RawMessage("null"), nil
		}
		return env.Value, nil
	}
	code := relayerr.Code(env.Code)
	if !relayerr.Known(code) {
		code = relayerr.ExecutionFailed
	}
	e := relayerr.New(code, "%s", env.Message)
	if env.Stack != "" {
		e.Err = &scriptError{message: env.Message, stack: env.Stack}
	}
	return nil, e
}

// scriptError keeps the page-side stack of a failed helper.
type scriptError struct {
	message string
	stack   string
}

func (e *scriptError) Error() string { return e.message }

// Stack returns the page-side stack trace.
func (e *scriptError) Stack() string { return e.stack }

// contextLost reports whether err means the document the evaluation
// targeted no longer exists.
func contextLost(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Execution context was destroyed") ||
		strings.Contains(msg, "Cannot find context with specified id") ||
		strings.Contains(msg, "Inspected target navigated or closed")
}
