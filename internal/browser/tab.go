package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/indexeddb"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/manaflow-ai/tabrelay/internal/executor"
	"github.com/manaflow-ai/tabrelay/internal/relayerr"
)

// Tab is one attached page target.
type Tab struct {
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc
}

// ID returns the target id.
func (t *Tab) ID() string { return string(t.id) }

// run executes actions on the tab's session, bounded by the caller's ctx.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	c := chromedp.FromContext(t.ctx)
	if c == nil || c.Target == nil {
		return relayerr.New(relayerr.TransportUnavailable, "target %s is not attached", t.id)
	}
	if err := t.ctx.Err(); err != nil {
		return relayerr.Wrap(relayerr.ContextDestroyed, err, "target %s is closed", t.id)
	}
	return chromedp.Tasks(actions).Do(cdp.WithExecutor(ctx, c.Target))
}

// evaluate runs expr in the page and stores its result in out.
func (t *Tab) evaluate(ctx context.Context, expr string, out any) error {
	err := t.run(ctx, chromedp.Evaluate(expr, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case contextLost(err):
		return relayerr.Wrap(relayerr.ContextDestroyed, err, "document replaced during evaluation")
	}
	var re *relayerr.Error
	if errors.As(err, &re) {
		return err
	}
	return relayerr.Wrap(relayerr.ExecutionFailed, err, "evaluate")
}

// Inject evaluates the helper bundle and returns the document's instance id.
func (t *Tab) Inject(ctx context.Context) (string, error) {
	var instance string
	if err := t.evaluate(ctx, bundleSource, &instance); err != nil {
		return "", err
	}
	if instance == "" {
		return "", relayerr.New(relayerr.ExecutionFailed, "helper bundle returned no instance id")
	}
	return instance, nil
}

// Call invokes helper fn from the injected bundle.
func (t *Tab) Call(ctx context.Context, fn string, args ...any) (json.RawMessage, error) {
	expr, err := callExpression(fn, args)
	if err != nil {
		return nil, err
	}
	var raw string
	if err := t.evaluate(ctx, expr, &raw); err != nil {
		return nil, err
	}
	return decodeEnvelope(raw)
}

// Navigate loads url in the main frame.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	return t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return relayerr.Wrap(relayerr.ExecutionFailed, err, "navigate to %s", url)
		}
		if errorText != "" {
			return relayerr.New(relayerr.ExecutionFailed, "navigate to %s: %s", url, errorText)
		}
		return nil
	}))
}

// History moves delta entries through session history.
func (t *Tab) History(ctx context.Context, delta int) (bool, error) {
	var moved bool
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		current, entries, err := page.GetNavigationHistory().Do(ctx)
		if err != nil {
			return fmt.Errorf("get navigation history: %w", err)
		}
		idx := int(current) + delta
		if idx < 0 || idx >= len(entries) {
			return nil
		}
		if err := page.NavigateToHistoryEntry(entries[idx].ID).Do(ctx); err != nil {
			return fmt.Errorf("navigate to history entry: %w", err)
		}
		moved = true
		return nil
	}))
	if err != nil {
		return false, relayerr.Wrap(relayerr.ExecutionFailed, err, "history %+d", delta)
	}
	return moved, nil
}

// Reload reloads the main frame.
func (t *Tab) Reload(ctx context.Context) error {
	if err := t.run(ctx, page.Reload()); err != nil {
		return relayerr.Wrap(relayerr.ExecutionFailed, err, "reload")
	}
	return nil
}

// Cookies returns the browser's cookies for the current URL, HttpOnly
// included.
func (t *Tab) Cookies(ctx context.Context) ([]executor.Cookie, error) {
	var cookies []*network.Cookie
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.ExecutionFailed, err, "get cookies")
	}
	out := make([]executor.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, executor.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
			Source:   "browser",
		})
	}
	return out, nil
}

// origin returns the document's security origin, or "" for opaque ones.
func (t *Tab) origin(ctx context.Context) (string, error) {
	var origin string
	if err := t.evaluate(ctx, "location.origin", &origin); err != nil {
		return "", err
	}
	if origin == "null" {
		return "", nil
	}
	return origin, nil
}

// ClearCookies deletes every cookie of the document's origin, HttpOnly
// included.
func (t *Tab) ClearCookies(ctx context.Context) error {
	origin, err := t.origin(ctx)
	if err != nil || origin == "" {
		return err
	}
	if err := t.run(ctx, storage.ClearDataForOrigin(origin, "cookies")); err != nil {
		return relayerr.Wrap(relayerr.ExecutionFailed, err, "clear cookies for %s", origin)
	}
	return nil
}

// IndexedDB lists the origin's databases and their object stores.
func (t *Tab) IndexedDB(ctx context.Context) (map[string][]string, error) {
	origin, err := t.origin(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	if origin == "" {
		return out, nil
	}
	err = t.run(ctx, indexeddb.Enable(), chromedp.ActionFunc(func(ctx context.Context) error {
		names, err := indexeddb.RequestDatabaseNames().WithSecurityOrigin(origin).Do(ctx)
		if err != nil {
			return fmt.Errorf("list databases: %w", err)
		}
		for _, name := range names {
			db, err := indexeddb.RequestDatabase(name).WithSecurityOrigin(origin).Do(ctx)
			if err != nil {
				return fmt.Errorf("describe database %s: %w", name, err)
			}
			stores := make([]string, 0, len(db.ObjectStores))
			for _, s := range db.ObjectStores {
				stores = append(stores, s.Name)
			}
			sort.Strings(stores)
			out[name] = stores
		}
		return nil
	}))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.ExecutionFailed, err, "read indexeddb for %s", origin)
	}
	return out, nil
}

// MouseClick dispatches a trusted left click at viewport coordinates.
func (t *Tab) MouseClick(ctx context.Context, x, y float64) error {
	err := t.run(ctx,
		input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(input.Left).WithClickCount(1),
		input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(input.Left).WithClickCount(1),
	)
	if err != nil {
		return relayerr.Wrap(relayerr.NotInteractable, err, "mouse click at %.0f,%.0f", x, y)
	}
	return nil
}

func (t *Tab) close() {
	if t.cancel != nil {
		t.cancel()
	}
}
