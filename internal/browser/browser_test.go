package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/manaflow-ai/tabrelay/internal/relayerr"
)

func TestBundleDefinesHelpers(t *testing.T) {
	re := regexp.MustCompile(`(?m)^    ([a-zA-Z]+): function`)
	defined := make(map[string]bool)
	for _, m := range re.FindAllStringSubmatch(bundleSource, -1) {
		defined[m[1]] = true
	}
	for _, name := range []string{
		"find", "findXPath", "findAllXPath", "rect", "scrollIntoView", "click",
		"sendKeys", "clear", "submit", "state", "attribute", "text", "cssValue",
		"title", "url", "metadata", "storage", "clearStorage",
	} {
		if !defined[name] {
			t.Errorf("bundle does not define helper %q", name)
		}
	}
	if !strings.Contains(bundleSource, "existing.version === VERSION") {
		t.Error("bundle has no re-injection guard")
	}
}

func TestCallExpression(t *testing.T) {
	expr, err := callExpression("sendKeys", []any{"#q", `say "hi"`})
	if err != nil {
		t.Fatal(err)
	}
	want := `window.__tabrelay.call("sendKeys", ["#q","say \"hi\""])`
	if !strings.Contains(expr, want) {
		t.Errorf("expression %s does not contain %s", expr, want)
	}

	expr, err = callExpression("title", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(expr, `call("title", [])`) {
		t.Errorf("nil args should encode as an empty array: %s", expr)
	}

	if _, err := callExpression("find", []any{make(chan int)}); !errors.Is(err, relayerr.ErrInvalidParams) {
		t.Errorf("unencodable args: got %v", err)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		raw   string
		value string
		code  relayerr.Code
	}{
		{`{"ok":true,"value":{"tagName":"div"}}`, `{"tagName":"div"}`, ""},
		{`{"ok":true,"value":null}`, `null`, ""},
		{`{"ok":true}`, `null`, ""},
		{`{"ok":false,"code":"ElementNotFound","message":"no element matches #x"}`, "", relayerr.ElementNotFound},
		{`{"ok":false,"code":"NotInteractable","message":"disabled"}`, "", relayerr.NotInteractable},
		{`{"ok":false,"code":"TypeError","message":"x is undefined"}`, "", relayerr.ExecutionFailed},
		{`{"ok":false,"code":"ContextDestroyed","message":"helper bundle is not loaded"}`, "", relayerr.ContextDestroyed},
		{`not json`, "", relayerr.ExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			v, err := decodeEnvelope(tt.raw)
			if tt.code != "" {
				if got := relayerr.CodeOf(err); got != tt.code {
					t.Fatalf("code = %s, want %s (err %v)", got, tt.code, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if string(v) != tt.value {
				t.Errorf("value = %s, want %s", v, tt.value)
			}
		})
	}
}

func TestDecodeEnvelopeKeepsStack(t *testing.T) {
	_, err := decodeEnvelope(`{"ok":false,"code":"ExecutionFailed","message":"boom","stack":"Error: boom\n    at find"}`)
	var se interface{ Stack() string }
	if !errors.As(err, &se) {
		t.Fatalf("error %v carries no stack", err)
	}
	if !strings.Contains(se.Stack(), "at find") {
		t.Errorf("stack = %q", se.Stack())
	}
}

func TestContextLost(t *testing.T) {
	if !contextLost(fmt.Errorf("exception: %s", "Execution context was destroyed.")) {
		t.Error("destroyed context not detected")
	}
	if !contextLost(errors.New("Cannot find context with specified id (-32000)")) {
		t.Error("missing context not detected")
	}
	if contextLost(errors.New("TypeError: x is not a function")) || contextLost(nil) {
		t.Error("false positive")
	}
}

type signalLog []string

func (s *signalLog) Activated(id, url string) { *s = append(*s, "activated "+id+" "+url) }
func (s *signalLog) Updated(id, url string)   { *s = append(*s, "updated "+id+" "+url) }
func (s *signalLog) Navigated(id, url string) { *s = append(*s, "navigated "+id+" "+url) }
func (s *signalLog) Loaded(id string)         { *s = append(*s, "loaded "+id) }
func (s *signalLog) Removed(id string)        { *s = append(*s, "removed "+id) }

func TestLifecycleSignals(t *testing.T) {
	var log signalLog
	m := NewManager(Options{})
	m.signals = &log

	m.handleLifecycle(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "A", Type: "page", URL: "https://a.test/"}})
	m.handleLifecycle(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "W", Type: "service_worker"}})
	m.handleLifecycle(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "B", Type: "page", URL: "https://b.test/"}})
	m.handleLifecycle(&target.EventTargetInfoChanged{TargetInfo: &target.Info{TargetID: "A", Type: "page", URL: "https://a.test/next"}})
	m.handleLifecycle(tabEvent{id: "B", ev: &page.EventFrameNavigated{Frame: &cdp.Frame{ID: "child", ParentID: "main", URL: "https://ads.test/"}}})
	m.handleLifecycle(tabEvent{id: "B", ev: &page.EventFrameNavigated{Frame: &cdp.Frame{ID: "main", URL: "https://b.test/2"}}})
	m.handleLifecycle(tabEvent{id: "B", ev: &page.EventLoadEventFired{}})
	m.handleLifecycle(&target.EventTargetDestroyed{TargetID: "B"})
	m.handleLifecycle(&target.EventTargetDestroyed{TargetID: "W"})

	want := []string{
		"activated A https://a.test/",
		"activated B https://b.test/",
		"updated A https://a.test/next",
		"navigated B https://b.test/2",
		"loaded B",
		"removed B",
		"activated A https://a.test/next",
	}
	if strings.Join(log, "\n") != strings.Join(want, "\n") {
		t.Errorf("signals:\n%s\nwant:\n%s", strings.Join(log, "\n"), strings.Join(want, "\n"))
	}

	targets := m.Targets()
	if len(targets) != 1 || targets[0].ID != "A" || targets[0].URL != "https://a.test/next" {
		t.Errorf("targets = %+v", targets)
	}
}

func TestInstallSetsObserver(t *testing.T) {
	var log signalLog
	m := NewManager(Options{})
	m.signals = &log
	m.handleLifecycle(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "A", Type: "page", URL: "https://a.test/"}})
	m.handleLifecycle(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "B", Type: "page", URL: "https://b.test/"}})

	watched := make(chan target.ID, 4)
	m.watch = func(_ context.Context, id target.ID) error {
		watched <- id
		return nil
	}
	if m.observer.Load() != nil {
		t.Fatal("observer set before install")
	}

	var seen int
	if err := m.Install(t.Context(), func(any) { seen++ }); err != nil {
		t.Fatal(err)
	}
	fn := m.observer.Load()
	if fn == nil {
		t.Fatal("observer not installed")
	}
	(*fn)(nil)
	if seen != 1 {
		t.Errorf("observer called %d times", seen)
	}
	for _, want := range []target.ID{"A", "B"} {
		select {
		case got := <-watched:
			if got != want {
				t.Errorf("watched %s, want %s", got, want)
			}
		default:
			t.Fatalf("page %s not attached on install", want)
		}
	}

	m.handleLifecycle(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "C", Type: "page"}})
	select {
	case got := <-watched:
		if got != "C" {
			t.Errorf("watched %s, want C", got)
		}
	case <-time.After(time.Second):
		t.Fatal("new page not attached while capturing")
	}

	if err := m.Uninstall(t.Context()); err != nil {
		t.Fatal(err)
	}
	if m.observer.Load() != nil {
		t.Error("observer still set after uninstall")
	}
	m.handleLifecycle(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "D", Type: "page"}})
	m.wg.Wait()
	select {
	case got := <-watched:
		t.Errorf("attached %s after uninstall", got)
	default:
	}
}
