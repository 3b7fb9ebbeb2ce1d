package executor

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/manaflow-ai/tabrelay/internal/command"
	"github.com/manaflow-ai/tabrelay/internal/relayerr"
)

type pageCall struct {
	fn   string
	args []any
}

type fakePage struct {
	mu        sync.Mutex
	calls     []pageCall
	results   map[string]any
	errs      map[string]error
	navigated chan string
	history   bool
	cookies   []Cookie
	cleared   bool
	clicks    [][2]float64
	idb       map[string][]string
	idbErr    error
}

func newFakePage() *fakePage {
	return &fakePage{
		results:   map[string]any{},
		errs:      map[string]error{},
		navigated: make(chan string, 1),
	}
}

func (p *fakePage) Call(_ context.Context, fn string, args ...any) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pageCall{fn, args})
	if err := p.errs[fn]; err != nil {
		return nil, err
	}
	v, ok := p.results[fn]
	if !ok {
		v = true
	}
	return json.Marshal(v)
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.navigated <- url
	return nil
}

func (p *fakePage) History(context.Context, int) (bool, error) { return p.history, nil }
func (p *fakePage) Reload(context.Context) error { return nil }
func (p *fakePage) Cookies(context.Context) ([]Cookie, error) { return p.cookies, nil }

func (p *fakePage) ClearCookies(context.Context) error {
	p.cleared = true
	return nil
}

func (p *fakePage) IndexedDB(context.Context) (map[string][]string, error) { return p.idb, p.idbErr }

func (p *fakePage) MouseClick(_ context.Context, x, y float64) error {
	p.clicks = append(p.clicks, [2]float64{x, y})
	return nil
}

func (p *fakePage) called(fn string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.calls {
		if c.fn == fn {
			return true
		}
	}
	return false
}

type fakeCapture struct{ enabled bool }

func (c *fakeCapture) SetEnabled(_ context.Context, on bool) error {
	c.enabled = on
	return nil
}

func (c *fakeCapture) Enabled() bool { return c.enabled }

func run(t *testing.T, r *Registry, p Page, wire string) (any, error) {
	t.Helper()
	cmd, err := command.ParseWire(wire)
	if err != nil {
		t.Fatalf("parse %q: %v", wire, err)
	}
	e, err := r.Resolve(cmd.Name)
	if err != nil {
		return nil, err
	}
	return r.Run(context.Background(), e, &Request{Command: cmd, Page: p, Capture: &fakeCapture{}, Registry: r})
}

func TestResolve(t *testing.T) {
	r := Default(Options{})
	for _, name := range []string{"getTitle", "GET_TITLE", "title", "clickElement", "click", "findElementsByXPath"} {
		if _, err := r.Resolve(name); err != nil {
			t.Errorf("Resolve(%q): %v", name, err)
		}
	}

	_, err := r.Resolve("get_titel")
	if !errors.Is(err, relayerr.ErrUnknownCommand) {
		t.Fatalf("Resolve(get_titel) = %v, want UnknownCommand", err)
	}
	if !strings.Contains(err.Error(), `"get_title"`) {
		t.Errorf("expected suggestion in %q", err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(nil)
	h := HandlerFunc(func(context.Context, *Request) (any, error) { return nil, nil })
	if err := r.Register(Entry{Name: "Thing", Handler: h}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Entry{Name: "thing", Handler: h}); err == nil {
		t.Error("expected duplicate error")
	}
	if err := r.Register(Entry{Name: "other"}); err == nil {
		t.Error("expected nil handler error")
	}
}

func TestNavigateAcknowledgesBeforeNavigating(t *testing.T) {
	r := Default(Options{NavigateGrace: 20 * time.Millisecond})
	p := newFakePage()
	v, err := run(t, r, p, "navigate|https://example.com")
	if err != nil || v != true {
		t.Fatalf("navigate = %v, %v", v, err)
	}
	select {
	case url := <-p.navigated:
		t.Fatalf("navigated to %s before grace elapsed", url)
	default:
	}
	select {
	case url := <-p.navigated:
		if url != "https://example.com" {
			t.Errorf("url = %s", url)
		}
	case <-time.After(time.Second):
		t.Fatal("navigation never started")
	}
}

func TestClickFallsBackToMouseEvent(t *testing.T) {
	r := Default(Options{})
	p := newFakePage()
	p.results["click"] = false
	p.results["scrollIntoView"] = Rect{X: 10, Y: 20, Width: 100, Height: 40}
	p.results["rect"] = Rect{X: 10, Y: 20, Width: 100, Height: 40}

	v, err := run(t, r, p, "click|#go")
	if err != nil || v != true {
		t.Fatalf("click = %v, %v", v, err)
	}
	if !p.called("scrollIntoView") {
		t.Error("element was not scrolled into view")
	}
	if want := [][2]float64{{60, 40}}; !reflect.DeepEqual(p.clicks, want) {
		t.Errorf("mouse clicks = %v, want %v", p.clicks, want)
	}
}

func TestClickDisabledElementIsNotInteractable(t *testing.T) {
	r := Default(Options{})
	p := newFakePage()
	p.errs["click"] = relayerr.New(relayerr.NotInteractable, "#go is disabled")
	p.results["scrollIntoView"] = Rect{X: 10, Y: 20, Width: 100, Height: 40}
	p.results["rect"] = Rect{X: 10, Y: 20, Width: 100, Height: 40}

	v, err := run(t, r, p, "click|#go")
	if relayerr.CodeOf(err) != relayerr.NotInteractable {
		t.Fatalf("click = %v, %v; want NotInteractable", v, err)
	}
	if len(p.clicks) != 0 {
		t.Errorf("mouse clicks = %v, want none", p.clicks)
	}
}

func TestClickPropagatesNotFound(t *testing.T) {
	r := Default(Options{})
	p := newFakePage()
	p.errs["scrollIntoView"] = relayerr.New(relayerr.ElementNotFound, "no match")
	_, err := run(t, r, p, "click_element|#missing")
	if relayerr.CodeOf(err) != relayerr.ElementNotFound {
		t.Errorf("err = %v", err)
	}
}

func TestElementStateMissingIsFalse(t *testing.T) {
	r := Default(Options{})
	p := newFakePage()
	p.errs["state"] = relayerr.New(relayerr.ElementNotFound, "no match")
	v, err := run(t, r, p, "is_element_displayed|//div[@id='x']")
	if err != nil || v != false {
		t.Errorf("is_element_displayed = %v, %v", v, err)
	}
}

func TestSendKeysRequiresValue(t *testing.T) {
	r := Default(Options{})
	p := newFakePage()
	_, err := run(t, r, p, `send_keys|{"selector":"#q"}`)
	if !errors.Is(err, relayerr.ErrInvalidParams) {
		t.Errorf("err = %v", err)
	}
	v, err := run(t, r, p, "send_keys|#q|hello")
	if err != nil || v != true {
		t.Errorf("send_keys = %v, %v", v, err)
	}
}

func TestGetAllStorageMergesCookies(t *testing.T) {
	r := Default(Options{})
	p := newFakePage()
	p.results["storage"] = map[string]any{
		"localStorage":   map[string]string{"k": "v"},
		"sessionStorage": map[string]string{},
		"cookies":        []Cookie{{Name: "a", Value: "doc"}, {Name: "b", Value: "doc"}},
	}
	p.cookies = []Cookie{{Name: "a", Value: "priv", HTTPOnly: true}, {Name: "sid", Value: "secret", HTTPOnly: true}}
	p.idbErr = errors.New("opaque origin")

	v, err := run(t, r, p, "getAllStorage")
	if err != nil {
		t.Fatal(err)
	}
	all := v.(AllStorage)
	var names []string
	for _, c := range all.Cookies {
		names = append(names, c.Name+"="+c.Value)
	}
	if want := []string{"a=priv", "b=doc", "sid=secret"}; !reflect.DeepEqual(names, want) {
		t.Errorf("cookies = %v, want %v", names, want)
	}
	if all.LocalStorage["k"] != "v" {
		t.Errorf("localStorage = %v", all.LocalStorage)
	}
	if len(all.Errors) != 1 {
		t.Errorf("errors = %v", all.Errors)
	}
}

func TestClearStorageScopes(t *testing.T) {
	r := Default(Options{})

	p := newFakePage()
	v, err := run(t, r, p, "clearStorage|cookies")
	if err != nil {
		t.Fatal(err)
	}
	if !p.cleared {
		t.Error("privileged cookies not cleared")
	}
	if got := v.(map[string]any)["cleared"]; !reflect.DeepEqual(got, []string{"cookies"}) {
		t.Errorf("cleared = %v", got)
	}

	p = newFakePage()
	v, err = run(t, r, p, "clear_storage")
	if err != nil {
		t.Fatal(err)
	}
	if got := v.(map[string]any)["cleared"].([]string); len(got) != 3 {
		t.Errorf("cleared = %v", got)
	}

	_, err = run(t, r, newFakePage(), "clear_storage|indexedDB")
	if !errors.Is(err, relayerr.ErrInvalidParams) {
		t.Errorf("err = %v", err)
	}
}

func TestToggleNetworkMonitor(t *testing.T) {
	r := Default(Options{})
	capture := &fakeCapture{}
	cmd, _ := command.ParseWire("toggleNetworkMonitor|true")
	e, _ := r.Resolve(cmd.Name)
	v, err := r.Run(context.Background(), e, &Request{Command: cmd, Page: newFakePage(), Capture: capture})
	if err != nil {
		t.Fatal(err)
	}
	if !capture.enabled || v.(map[string]any)["enabled"] != true {
		t.Errorf("capture not enabled: %v", v)
	}
}

func TestListCommands(t *testing.T) {
	r := Default(Options{})
	v, err := run(t, r, newFakePage(), "list_commands")
	if err != nil {
		t.Fatal(err)
	}
	list := v.([]CommandInfo)
	if len(list) != len(r.Entries()) {
		t.Errorf("listed %d of %d", len(list), len(r.Entries()))
	}
	for _, info := range list {
		if info.Name == "navigate" && !info.Navigation {
			t.Error("navigate not flagged as navigation")
		}
	}
}

func TestIsXPath(t *testing.T) {
	for sel, want := range map[string]bool{
		"//div":        true,
		"(//a)[2]":     true,
		"#id":          false,
		"div > .x":     false,
		" /html/body ": true,
	} {
		if got := IsXPath(sel); got != want {
			t.Errorf("IsXPath(%q) = %v", sel, got)
		}
	}
}
