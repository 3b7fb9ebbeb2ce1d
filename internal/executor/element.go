package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manaflow-ai/tabrelay/internal/relayerr"
)

// Rect is an element's bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of r.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Element is the descriptor returned for a located element.
type Element struct {
	TagName    string            `json:"tagName"`
	ID         string            `json:"id"`
	ClassName  string            `json:"className"`
	Text       string            `json:"text"`
	Value      string            `json:"value,omitempty"`
	Type       string            `json:"type,omitempty"`
	Attributes map[string]string `json:"attributes"`
	Visible    bool              `json:"isVisible"`
	Enabled    bool              `json:"isEnabled"`
	Selected   bool              `json:"isSelected"`
	Rect       Rect              `json:"boundingBox"`
	XPath      string            `json:"xpath,omitempty"`
}

// IsXPath reports whether selector should be evaluated as XPath.
func IsXPath(selector string) bool {
	s := strings.TrimSpace(selector)
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "(")
}

// call invokes a bundle helper and decodes its value into out (if non-nil).
func call(ctx context.Context, p Page, out any, fn string, args ...any) error {
	raw, err := p.Call(ctx, fn, args...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return relayerr.Wrap(relayerr.ExecutionFailed, err, "decode %s result", fn)
	}
	return nil
}

func selectorParam(req *Request) (string, error) {
	return req.Params().Require("selector", "xpath", "arg")
}

func describeSelector(selector string) string {
	kind := "css"
	if IsXPath(selector) {
		kind = "xpath"
	}
	return fmt.Sprintf("%s %q", kind, selector)
}
