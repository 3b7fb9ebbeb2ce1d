// Package netcapture turns the browser's request-observation events into
// per-request lifecycle events (started, headers, response, completed,
// error) and forwards them to a sink. Nothing in the page is patched.
package netcapture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/network"
)

// Phase of a captured request.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseHeaders   Phase = "headers"
	PhaseResponse  Phase = "response"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// maxTracked bounds the table of requests that never finish (long polls,
// websockets).
const maxTracked = 5000

// Event is one phase of one request. Events for the same request share a
// RequestID.
type Event struct {
	RequestID string         `json:"requestId"`
	Phase     Phase          `json:"phase"`
	URL       string         `json:"url"`
	Method    string         `json:"method"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Data flattens e into the wire "data" object.
func (e Event) Data() map[string]any {
	data := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		data[k] = v
	}
	data["requestId"] = e.RequestID
	data["url"] = e.URL
	data["method"] = e.Method
	data["timestamp"] = e.Timestamp.UnixMilli()
	return data
}

// Interceptor installs and removes the browser-side observation hooks.
// observe receives raw cdproto network events.
type Interceptor interface {
	Install(ctx context.Context, observe func(ev any)) error
	Uninstall(ctx context.Context) error
}

// Sink receives events. It reports whether the event was delivered;
// undelivered events are dropped.
type Sink func(Event) bool

// Options configure a Capture.
type Options struct {
	// MaxValueBytes truncates long string values (header values, URLs in
	// payloads). Zero means no limit.
	MaxValueBytes int
	Logger        *slog.Logger
	// Now is the clock; tests override it.
	Now func() time.Time
}

type requestInfo struct {
	url    string
	method string
}

// Capture is the network capture component.
type Capture struct {
	interceptor Interceptor
	sink        Sink
	opts        Options
	log         *slog.Logger

	mu       sync.Mutex
	enabled  bool
	requests map[network.RequestID]requestInfo

	sent    atomic.Int64
	dropped atomic.Int64
}

// New returns a stopped Capture.
func New(interceptor Interceptor, sink Sink, opts Options) *Capture {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Capture{
		interceptor: interceptor,
		sink:        sink,
		opts:        opts,
		log:         opts.Logger.With("component", "netcapture"),
		requests:    make(map[network.RequestID]requestInfo),
	}
}

// Start installs the interception layer. Starting twice is a no-op.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.enabled {
		c.mu.Unlock()
		return nil
	}
	c.enabled = true
	c.mu.Unlock()

	if err := c.interceptor.Install(ctx, c.Observe); err != nil {
		c.mu.Lock()
		c.enabled = false
		c.mu.Unlock()
		return fmt.Errorf("install network capture: %w", err)
	}
	c.log.Info("network capture started")
	return nil
}

// Stop removes the interception layer and forgets in-flight requests.
func (c *Capture) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return nil
	}
	c.enabled = false
	c.requests = make(map[network.RequestID]requestInfo)
	c.mu.Unlock()

	if err := c.interceptor.Uninstall(ctx); err != nil {
		return fmt.Errorf("uninstall network capture: %w", err)
	}
	c.log.Info("network capture stopped", "sent", c.sent.Load(), "dropped", c.dropped.Load())
	return nil
}

// SetEnabled starts or stops capture.
func (c *Capture) SetEnabled(ctx context.Context, enabled bool) error {
	if enabled {
		return c.Start(ctx)
	}
	return c.Stop(ctx)
}

// Enabled reports whether capture is running.
func (c *Capture) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Stats returns how many events were delivered and dropped.
func (c *Capture) Stats() (sent, dropped int64) {
	return c.sent.Load(), c.dropped.Load()
}

// Observe converts one cdproto network event and emits it. Unrelated events
// are ignored.
func (c *Capture) Observe(ev any) {
	e, ok := c.convert(ev)
	if !ok {
		return
	}
	if c.sink(e) {
		c.sent.Add(1)
	} else {
		c.dropped.Add(1)
	}
}

func (c *Capture) convert(ev any) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return Event{}, false
	}
	now := c.opts.Now()

	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		if ev.Request == nil {
			return Event{}, false
		}
		if len(c.requests) >= maxTracked {
			c.log.Debug("request table full, resetting", "tracked", len(c.requests))
			c.requests = make(map[network.RequestID]requestInfo)
		}
		info := requestInfo{url: ev.Request.URL, method: ev.Request.Method}
		c.requests[ev.RequestID] = info
		payload := map[string]any{
			"headers":     c.headers(ev.Request.Headers),
			"type":        ev.Type.String(),
			"documentURL": c.truncate(ev.DocumentURL),
		}
		if ev.RedirectResponse != nil {
			payload["redirectedFrom"] = c.truncate(ev.RedirectResponse.URL)
		}
		return c.event(ev.RequestID, PhaseStarted, info, now, payload), true

	case *network.EventRequestWillBeSentExtraInfo:
		info, ok := c.requests[ev.RequestID]
		if !ok {
			return Event{}, false
		}
		return c.event(ev.RequestID, PhaseHeaders, info, now, map[string]any{
			"headers": c.headers(ev.Headers),
		}), true

	case *network.EventResponseReceived:
		if ev.Response == nil {
			return Event{}, false
		}
		info, ok := c.requests[ev.RequestID]
		if !ok {
			info = requestInfo{url: ev.Response.URL}
		}
		return c.event(ev.RequestID, PhaseResponse, info, now, map[string]any{
			"status":     ev.Response.Status,
			"statusText": ev.Response.StatusText,
			"mimeType":   ev.Response.MimeType,
			"headers":    c.headers(ev.Response.Headers),
			"fromCache":  ev.Response.FromDiskCache,
		}), true

	case *network.EventLoadingFinished:
		info, ok := c.requests[ev.RequestID]
		if !ok {
			return Event{}, false
		}
		delete(c.requests, ev.RequestID)
		return c.event(ev.RequestID, PhaseCompleted, info, now, map[string]any{
			"encodedDataLength": ev.EncodedDataLength,
		}), true

	case *network.EventLoadingFailed:
		info, ok := c.requests[ev.RequestID]
		if !ok {
			return Event{}, false
		}
		delete(c.requests, ev.RequestID)
		payload := map[string]any{
			"error":    ev.ErrorText,
			"canceled": ev.Canceled,
		}
		if ev.BlockedReason != "" {
			payload["blockedReason"] = ev.BlockedReason.String()
		}
		return c.event(ev.RequestID, PhaseError, info, now, payload), true
	}
	return Event{}, false
}

func (c *Capture) event(id network.RequestID, phase Phase, info requestInfo, at time.Time, payload map[string]any) Event {
	return Event{
		RequestID: string(id),
		Phase:     phase,
		URL:       c.truncate(info.url),
		Method:    info.method,
		Timestamp: at,
		Payload:   payload,
	}
}

func (c *Capture) headers(h network.Headers) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		if s, ok := v.(string); ok {
			out[k] = c.truncate(s)
			continue
		}
		out[k] = v
	}
	return out
}

func (c *Capture) truncate(s string) string {
	n := c.opts.MaxValueBytes
	if n <= 0 || len(s) <= n {
		return s
	}
	// back off to a rune boundary so the cut never splits a character
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Tracked reports how many requests are awaiting completion.
func (c *Capture) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}
