package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/manaflow-ai/tabrelay/internal/relayerr"
)

// Options tune command behaviour.
type Options struct {
	// NavigateGrace is the delay between acknowledging navigate and
	// starting the navigation.
	NavigateGrace time.Duration
	// ScrollSettle is how long click_element waits after scrolling.
	ScrollSettle time.Duration
	Logger       *slog.Logger
}

// Default returns a registry with every built-in command.
func Default(opts Options) *Registry {
	r := NewRegistry(opts.Logger)
	c := &commands{opts: opts, log: r.log}

	for _, e := range []Entry{
		{Name: "navigate", Category: CategoryNavigation, Navigation: true, AckFirst: true, Handler: HandlerFunc(c.navigate)},
		{Name: "back", Category: CategoryNavigation, Navigation: true, Handler: HandlerFunc(c.history(-1))},
		{Name: "forward", Category: CategoryNavigation, Navigation: true, Handler: HandlerFunc(c.history(1))},
		{Name: "refresh", Category: CategoryNavigation, Navigation: true, Handler: HandlerFunc(c.refresh)},

		{Name: "find_element", Category: CategoryLocation, Handler: HandlerFunc(c.findElement)},
		{Name: "find_element_by_xpath", Category: CategoryLocation, Handler: HandlerFunc(c.findElementByXPath)},
		{Name: "find_elements_by_xpath", Category: CategoryLocation, Handler: HandlerFunc(c.findElementsByXPath)},

		{Name: "click_element", Category: CategoryInteraction, Handler: HandlerFunc(c.clickElement)},
		{Name: "send_keys", Category: CategoryInteraction, Handler: HandlerFunc(c.sendKeys)},
		{Name: "clear_element", Category: CategoryInteraction, Handler: HandlerFunc(c.selectorCall("clear"))},
		{Name: "submit_form", Category: CategoryInteraction, Handler: HandlerFunc(c.selectorCall("submit"))},

		{Name: "is_element_displayed", Category: CategoryState, Handler: HandlerFunc(c.elementState("displayed"))},
		{Name: "is_element_enabled", Category: CategoryState, Handler: HandlerFunc(c.elementState("enabled"))},
		{Name: "is_element_selected", Category: CategoryState, Handler: HandlerFunc(c.elementState("selected"))},
		{Name: "get_element_attribute", Category: CategoryState, Handler: HandlerFunc(c.elementAttribute)},
		{Name: "get_element_text", Category: CategoryState, Handler: HandlerFunc(c.selectorCall("text"))},
		{Name: "get_element_css_value", Category: CategoryState, Handler: HandlerFunc(c.elementCSSValue)},

		{Name: "get_title", Category: CategoryPage, Handler: HandlerFunc(c.pageCall("title"))},
		{Name: "get_url", Category: CategoryPage, Handler: HandlerFunc(c.pageCall("url"))},
		{Name: "get_metadata", Category: CategoryPage, Handler: HandlerFunc(c.pageCall("metadata"))},

		{Name: "get_all_storage", Category: CategoryStorage, Handler: HandlerFunc(c.getAllStorage)},
		{Name: "get_cookies", Category: CategoryStorage, Handler: HandlerFunc(c.getCookies)},
		{Name: "clear_storage", Category: CategoryStorage, Handler: HandlerFunc(c.clearStorage)},

		{Name: "toggle_network_monitor", Category: CategoryNetwork, Handler: HandlerFunc(c.toggleNetworkMonitor)},
		{Name: "list_commands", Category: CategoryMeta, Handler: HandlerFunc(c.listCommands)},
	} {
		r.MustRegister(e)
	}
	return r
}

type commands struct {
	opts Options
	log  *slog.Logger
}

// navigate acknowledges first: the current document, and with it the
// dispatcher's arena, is gone once navigation starts.
func (c *commands) navigate(ctx context.Context, req *Request) (any, error) {
	url, err := req.Params().Require("url", "arg")
	if err != nil {
		return nil, err
	}
	page := req.Page
	bg := context.WithoutCancel(ctx)
	go func() {
		if c.opts.NavigateGrace > 0 {
			time.Sleep(c.opts.NavigateGrace)
		}
		if err := page.Navigate(bg, url); err != nil {
			c.log.Error("navigation failed", "url", url, "error", err)
		}
	}()
	return true, nil
}

func (c *commands) history(delta int) HandlerFunc {
	return func(ctx context.Context, req *Request) (any, error) {
		return req.Page.History(ctx, delta)
	}
}

func (c *commands) refresh(ctx context.Context, req *Request) (any, error) {
	if err := req.Page.Reload(ctx); err != nil {
		return nil, err
	}
	return true, nil
}

func (c *commands) findElement(ctx context.Context, req *Request) (any, error) {
	sel, err := selectorParam(req)
	if err != nil {
		return nil, err
	}
	var el Element
	if err := call(ctx, req.Page, &el, "find", sel); err != nil {
		return nil, err
	}
	return el, nil
}

func (c *commands) findElementByXPath(ctx context.Context, req *Request) (any, error) {
	xp, err := req.Params().Require("xpath", "selector", "arg")
	if err != nil {
		return nil, err
	}
	var el Element
	if err := call(ctx, req.Page, &el, "findXPath", xp); err != nil {
		return nil, err
	}
	return el, nil
}

func (c *commands) findElementsByXPath(ctx context.Context, req *Request) (any, error) {
	xp, err := req.Params().Require("xpath", "selector", "arg")
	if err != nil {
		return nil, err
	}
	els := []Element{}
	if err := call(ctx, req.Page, &els, "findAllXPath", xp); err != nil {
		return nil, err
	}
	return els, nil
}

// clickElement scrolls the element into view, lets the scroll settle, then
// clicks. Page errors (missing or disabled element) are returned as is. If
// neither the native click nor synthesized events went through, a trusted
// mouse event is sent at the centre of its box.
func (c *commands) clickElement(ctx context.Context, req *Request) (any, error) {
	sel, err := selectorParam(req)
	if err != nil {
		return nil, err
	}
	var rect Rect
	if err := call(ctx, req.Page, &rect, "scrollIntoView", sel); err != nil {
		return nil, err
	}
	if c.opts.ScrollSettle > 0 {
		t := time.NewTimer(c.opts.ScrollSettle)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	var clicked bool
	if err := call(ctx, req.Page, &clicked, "click", sel); err != nil {
		return nil, err
	}
	if clicked {
		return true, nil
	}
	if err := call(ctx, req.Page, &rect, "rect", sel); err != nil {
		return nil, err
	}
	if rect.Width == 0 && rect.Height == 0 {
		return nil, relayerr.New(relayerr.NotInteractable, "%s has no visible box", describeSelector(sel))
	}
	x, y := rect.Center()
	c.log.Debug("page could not deliver the click, dispatching mouse event", "selector", sel, "x", x, "y", y)
	if err := req.Page.MouseClick(ctx, x, y); err != nil {
		return nil, relayerr.Wrap(relayerr.NotInteractable, err, "mouse click on %s", describeSelector(sel))
	}
	return true, nil
}

func (c *commands) sendKeys(ctx context.Context, req *Request) (any, error) {
	sel, err := req.Params().Require("selector")
	if err != nil {
		return nil, err
	}
	value, ok := req.Params().String("value")
	if !ok {
		value, ok = req.Params().String("text")
	}
	if !ok {
		return nil, relayerr.New(relayerr.InvalidParams, "send_keys requires selector and value")
	}
	if err := call(ctx, req.Page, nil, "sendKeys", sel, value); err != nil {
		return nil, err
	}
	return true, nil
}

func (c *commands) selectorCall(fn string) HandlerFunc {
	return func(ctx context.Context, req *Request) (any, error) {
		sel, err := selectorParam(req)
		if err != nil {
			return nil, err
		}
		var out any
		if err := call(ctx, req.Page, &out, fn, sel); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// elementState answers is_element_*; a missing element is false, not an error.
func (c *commands) elementState(which string) HandlerFunc {
	return func(ctx context.Context, req *Request) (any, error) {
		sel, err := selectorParam(req)
		if err != nil {
			return nil, err
		}
		var ok bool
		err = call(ctx, req.Page, &ok, "state", sel, which)
		if errors.Is(err, relayerr.ErrElementNotFound) {
			return false, nil
		}
		if err != nil {
			return nil, err
		}
		return ok, nil
	}
}

func (c *commands) elementAttribute(ctx context.Context, req *Request) (any, error) {
	sel, err := req.Params().Require("selector")
	if err != nil {
		return nil, err
	}
	name, err := req.Params().Require("attribute", "name")
	if err != nil {
		return nil, err
	}
	var v *string
	if err := call(ctx, req.Page, &v, "attribute", sel, name); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return *v, nil
}

func (c *commands) elementCSSValue(ctx context.Context, req *Request) (any, error) {
	sel, err := req.Params().Require("selector")
	if err != nil {
		return nil, err
	}
	prop, err := req.Params().Require("property_name", "property")
	if err != nil {
		return nil, err
	}
	var v string
	if err := call(ctx, req.Page, &v, "cssValue", sel, prop); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *commands) pageCall(fn string) HandlerFunc {
	return func(ctx context.Context, req *Request) (any, error) {
		var out any
		if err := call(ctx, req.Page, &out, fn); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func (c *commands) toggleNetworkMonitor(ctx context.Context, req *Request) (any, error) {
	if req.Capture == nil {
		return nil, relayerr.New(relayerr.ExecutionFailed, "network capture is not available")
	}
	enabled, ok := req.Params().Bool("value")
	if !ok {
		enabled, ok = req.Params().Bool("enabled")
	}
	if !ok {
		enabled = !req.Capture.Enabled()
	}
	if err := req.Capture.SetEnabled(ctx, enabled); err != nil {
		return nil, err
	}
	return map[string]any{"enabled": req.Capture.Enabled()}, nil
}

// CommandInfo describes a registered command for list_commands.
type CommandInfo struct {
	Name       string   `json:"name"`
	Category   Category `json:"category"`
	Navigation bool     `json:"navigation"`
}

// List describes every entry in r.
func (r *Registry) List() []CommandInfo {
	entries := r.Entries()
	out := make([]CommandInfo, len(entries))
	for i, e := range entries {
		out[i] = CommandInfo{Name: e.Name, Category: e.Category, Navigation: e.Navigation}
	}
	return out
}

func (c *commands) listCommands(_ context.Context, req *Request) (any, error) {
	return req.Registry.List(), nil
}
