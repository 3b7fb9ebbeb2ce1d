package format

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/cdp"
)

type node struct {
	Name     string  `json:"name"`
	Parent   *node   `json:"parent,omitempty"`
	Children []*node `json:"children,omitempty"`
	secret   string
}

type promise struct {
	v   any
	err error
}

func (p promise) Await(context.Context) (any, error) { return p.v, p.err }

func containsMarker(v any) bool {
	switch t := v.(type) {
	case string:
		return t == CircularMarker
	case map[string]any:
		for _, val := range t {
			if containsMarker(val) {
				return true
			}
		}
	case []any:
		for _, val := range t {
			if containsMarker(val) {
				return true
			}
		}
	}
	return false
}

func TestFormatScalars(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{true, true},
		{"x", "x"},
		{42, int64(42)},
		{uint8(7), uint64(7)},
		{1.5, 1.5},
		{math.NaN(), "NaN"},
		{[]byte("hi"), "hi"},
		{(*node)(nil), nil},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%T", tt.in), func(t *testing.T) {
			if got := Format(ctx, tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Format(%#v) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatCycles(t *testing.T) {
	root := &node{Name: "root"}
	child := &node{Name: "child", Parent: root}
	root.Children = []*node{child}

	got := Format(context.Background(), root)
	if !containsMarker(got) {
		t.Fatalf("expected circular marker in %#v", got)
	}
	m := got.(map[string]any)
	if m["name"] != "root" {
		t.Errorf("name = %v", m["name"])
	}
	if _, ok := m["secret"]; ok {
		t.Error("unexported field leaked")
	}

	self := map[string]any{"a": 1}
	self["self"] = self
	got = Format(context.Background(), self)
	if got.(map[string]any)["self"] != CircularMarker {
		t.Errorf("self map = %#v", got)
	}
}

func TestFormatSharedReferenceIsNotCircular(t *testing.T) {
	shared := &node{Name: "shared"}
	v := []any{shared, shared}
	if got := Format(context.Background(), v); containsMarker(got) {
		t.Errorf("sibling references reported as circular: %#v", got)
	}
}

func TestFormatErrorsAndFunctions(t *testing.T) {
	ctx := context.Background()
	err := fmt.Errorf("outer: %w", errors.New("inner"))
	got := Format(ctx, err).(map[string]any)
	if got["error"] != "outer: inner" || got["stack"] != "inner" {
		t.Errorf("error value = %#v", got)
	}

	fn := Format(ctx, strings.ToUpper).(string)
	if !strings.HasPrefix(fn, "[Function: ") {
		t.Errorf("function placeholder = %q", fn)
	}
}

func TestFormatAwaitsPendingValues(t *testing.T) {
	ctx := context.Background()
	if got := Format(ctx, promise{v: []int{1, 2}}); !reflect.DeepEqual(got, []any{int64(1), int64(2)}) {
		t.Errorf("awaited = %#v", got)
	}

	ch := make(chan any, 1)
	ch <- "done"
	if got := Format(ctx, ch); got != "done" {
		t.Errorf("channel = %#v", got)
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	got := Format(cctx, make(chan int))
	if m, ok := got.(map[string]any); !ok || m["error"] == "" {
		t.Errorf("blocked channel = %#v", got)
	}
}

func TestFormatNode(t *testing.T) {
	n := &cdp.Node{
		NodeType:   cdp.NodeTypeElement,
		NodeName:   "BUTTON",
		Attributes: []string{"id", "go", "class", "btn primary"},
		Children:   []*cdp.Node{{NodeType: cdp.NodeTypeText, NodeValue: "  Submit  "}},
	}
	got := Format(context.Background(), n).(map[string]any)
	want := map[string]any{
		"tagName":    "button",
		"id":         "go",
		"className":  "btn primary",
		"text":       "Submit",
		"attributes": map[string]any{"id": "go", "class": "btn primary"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("node = %#v, want %#v", got, want)
	}
}

func TestFormatNodeTextCutOnRuneBoundary(t *testing.T) {
	long := "a" + strings.Repeat("é", maxTextLen)
	n := &cdp.Node{
		NodeType: cdp.NodeTypeElement,
		NodeName: "P",
		Children: []*cdp.Node{{NodeType: cdp.NodeTypeText, NodeValue: long}},
	}
	text := Format(context.Background(), n).(map[string]any)["text"].(string)
	if !utf8.ValidString(text) {
		t.Fatal("text is not valid UTF-8")
	}
	if len(text) != maxTextLen-1 {
		t.Errorf("len(text) = %d, want %d", len(text), maxTextLen-1)
	}
}

func TestFormatIdempotent(t *testing.T) {
	ctx := context.Background()
	root := &node{Name: "r"}
	root.Parent = root
	inputs := []any{
		nil,
		"s",
		map[string]any{"a": []any{1, "b", nil, map[string]any{"c": false}}},
		root,
		errors.New("boom"),
		time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		[]byte(`{"x":1}`),
	}
	for _, in := range inputs {
		once := Format(ctx, in)
		twice := Format(ctx, once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("not idempotent for %T: %#v vs %#v", in, once, twice)
		}
	}
}
