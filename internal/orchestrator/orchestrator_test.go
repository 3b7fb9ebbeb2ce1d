package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/manaflow-ai/tabrelay/internal/command"
	"github.com/manaflow-ai/tabrelay/internal/conn"
	"github.com/manaflow-ai/tabrelay/internal/executor"
	"github.com/manaflow-ai/tabrelay/internal/history"
	"github.com/manaflow-ai/tabrelay/internal/netcapture"
	"github.com/manaflow-ai/tabrelay/internal/relayerr"
	"github.com/manaflow-ai/tabrelay/internal/router"
)

type fakeTransport struct {
	mu         sync.Mutex
	state      conn.State
	connected  bool
	sent       chan any
	onMessage  func([]byte)
	onState    func(conn.State)
	connects   int
	closes     int
	reconnects int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: conn.Connected, connected: true, sent: make(chan any, 16)}
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeTransport) Reconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeTransport) Send(v any) bool {
	f.mu.Lock()
	ok := f.connected
	f.mu.Unlock()
	if !ok {
		return false
	}
	f.sent <- v
	return true
}

func (f *fakeTransport) State() conn.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) OnStateChange(fn func(conn.State)) func() {
	f.onState = fn
	return func() {}
}

func (f *fakeTransport) OnMessage(fn func([]byte)) { f.onMessage = fn }

func (f *fakeTransport) counts() (connects, closes, reconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.closes, f.reconnects
}

// next returns the next sent frame as a generic JSON object.
func (f *fakeTransport) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case v := <-f.sent:
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatal(err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("nothing sent")
		return nil
	}
}

type fakeRouter struct {
	mu      sync.Mutex
	routed  []command.Command
	route   func(command.Command) command.Result
	dropped []error
	current *router.Target
}

func (f *fakeRouter) Route(ctx context.Context, cmd command.Command) command.Result {
	f.mu.Lock()
	f.routed = append(f.routed, cmd)
	route := f.route
	f.mu.Unlock()
	if route != nil {
		return route(cmd)
	}
	return command.Success(cmd, "ok")
}

func (f *fakeRouter) DropPending(err error) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, err)
	return 1
}

func (f *fakeRouter) RunSweeper(ctx context.Context, interval time.Duration) { <-ctx.Done() }

func (f *fakeRouter) Current() (router.Target, bool) {
	if f.current == nil {
		return router.Target{}, false
	}
	return *f.current, true
}

func (f *fakeRouter) Targets() []router.Target {
	if f.current == nil {
		return nil
	}
	return []router.Target{*f.current}
}

func (f *fakeRouter) Pending() []router.PendingInfo { return nil }
func (f *fakeRouter) Close()                        {}

type fakeState struct {
	mu      sync.Mutex
	enabled bool
}

func (f *fakeState) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeState) SetEnabled(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
	return nil
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []history.Entry
	added   chan struct{}
}

func (f *fakeHistory) Record(ctx context.Context, e history.Entry) error {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
	if f.added != nil {
		f.added <- struct{}{}
	}
	return nil
}

func (f *fakeHistory) List(ctx context.Context, flt history.Filter) ([]history.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []history.Entry
	for _, e := range f.entries {
		if flt.Name != "" && e.Name != flt.Name {
			continue
		}
		out = append(out, e)
	}
	if flt.Limit > 0 && len(out) > flt.Limit {
		out = out[:flt.Limit]
	}
	return out, nil
}

func (f *fakeHistory) Stats(ctx context.Context) ([]history.Stat, error) {
	return []history.Stat{{Name: "get_title", Attempted: 1, Succeeded: 1}}, nil
}

type fixture struct {
	o       *Orchestrator
	tr      *fakeTransport
	rt      *fakeRouter
	state   *fakeState
	history *fakeHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tr:      newFakeTransport(),
		rt:      &fakeRouter{current: &router.Target{ID: "T1", URL: "https://example.test/", Active: true}},
		state:   &fakeState{enabled: true},
		history: &fakeHistory{added: make(chan struct{}, 16)},
	}
	f.o = New(Deps{
		Transport: f.tr,
		Router:    f.rt,
		Registry:  executor.Default(executor.Options{}),
		State:     f.state,
		History:   f.history,
	}, Options{Version: "test"})
	t.Cleanup(f.o.cancel)
	return f
}

func TestAutomationCommandRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.tr.onMessage([]byte(`{"type":"automation_command","command":{"script":"getTitle","command_id":"c1"}}`))

	msg := f.tr.next(t)
	if msg["type"] != "SCRIPT_RESULT" || msg["command_id"] != "c1" || msg["result"] != "ok" {
		t.Fatalf("unexpected frame %v", msg)
	}
	f.rt.mu.Lock()
	routed := f.rt.routed[0]
	f.rt.mu.Unlock()
	if routed.Name != "get_title" || routed.ID != "c1" {
		t.Errorf("routed %+v", routed)
	}

	<-f.history.added
	if e := f.history.entries[0]; e.CommandID != "c1" || e.Target != "T1" || e.Status != command.StatusSuccess {
		t.Errorf("history entry %+v", e)
	}
}

func TestMalformedCommand(t *testing.T) {
	f := newFixture(t)
	f.tr.onMessage([]byte(`{"type":"automation_command","command":{"script":"","command_id":"c2"}}`))

	msg := f.tr.next(t)
	if msg["type"] != "SCRIPT_ERROR" || msg["command_id"] != "c2" || msg["code"] != "MalformedCommand" {
		t.Fatalf("unexpected frame %v", msg)
	}
	if len(f.rt.routed) != 0 {
		t.Error("malformed command reached the router")
	}
}

func TestPositionalErrorKeepsItsCode(t *testing.T) {
	f := newFixture(t)
	f.tr.onMessage([]byte(`{"type":"automation_command","command":{"script":"send_keys|#q","command_id":"c3"}}`))

	msg := f.tr.next(t)
	if msg["code"] != "InvalidParams" {
		t.Fatalf("unexpected frame %v", msg)
	}
}

func TestRouterErrorBecomesScriptError(t *testing.T) {
	f := newFixture(t)
	f.rt.route = func(cmd command.Command) command.Result {
		return command.Failure(cmd, relayerr.ErrNoActiveTarget)
	}
	f.tr.onMessage([]byte(`{"type":"execute_command","command":"get_url","command_id":"c4"}`))

	msg := f.tr.next(t)
	if msg["type"] != "SCRIPT_ERROR" || msg["code"] != "NoActiveTarget" || msg["command_id"] != "c4" {
		t.Fatalf("unexpected frame %v", msg)
	}
	if !strings.Contains(msg["error"].(string), "NoActiveTarget") {
		t.Errorf("error text %q", msg["error"])
	}
}

func TestResultLostWhileDisconnected(t *testing.T) {
	f := newFixture(t)
	f.tr.mu.Lock()
	f.tr.connected = false
	f.tr.mu.Unlock()

	f.tr.onMessage([]byte(`{"type":"automation_command","command":{"script":"get_url","command_id":"c5"}}`))
	select {
	case <-f.history.added:
	case <-time.After(2 * time.Second):
		t.Fatal("command was not executed")
	}
	if len(f.tr.sent) != 0 {
		t.Error("frame sent while disconnected")
	}
}

func TestIgnoredFrames(t *testing.T) {
	f := newFixture(t)
	f.tr.onMessage([]byte(`not json`))
	f.tr.onMessage([]byte(`{"type":"connection_established"}`))
	f.tr.onMessage([]byte(`{"type":"mystery"}`))
	time.Sleep(20 * time.Millisecond)
	if len(f.tr.sent) != 0 || len(f.rt.routed) != 0 {
		t.Error("non-command frames produced traffic")
	}
}

func TestDisconnectDropsPending(t *testing.T) {
	f := newFixture(t)
	f.tr.onState(conn.Connecting)
	f.tr.onState(conn.Disconnected)

	f.rt.mu.Lock()
	defer f.rt.mu.Unlock()
	if len(f.rt.dropped) != 1 {
		t.Fatalf("DropPending called %d times", len(f.rt.dropped))
	}
	if !errors.Is(f.rt.dropped[0], relayerr.ErrTransportUnavailable) {
		t.Errorf("dropped with %v", f.rt.dropped[0])
	}
}

func TestFramesAfterShutdownAreDropped(t *testing.T) {
	f := newFixture(t)
	handle := f.tr.onMessage
	f.o.shutdown()

	if f.tr.onMessage != nil {
		t.Error("message handler still registered after shutdown")
	}
	handle([]byte(`{"type":"automation_command","command":{"script":"getTitle","command_id":"late"}}`))
	handle([]byte(`{"type":"automation_command","command":{"script":"","command_id":"late2"}}`))

	select {
	case v := <-f.tr.sent:
		t.Errorf("sent %v after shutdown", v)
	case <-time.After(100 * time.Millisecond):
	}
	f.rt.mu.Lock()
	defer f.rt.mu.Unlock()
	if len(f.rt.routed) != 0 {
		t.Errorf("routed %d commands after shutdown", len(f.rt.routed))
	}
}

func TestNetworkSink(t *testing.T) {
	tr := newFakeTransport()
	sink := NetworkSink(tr)
	at := time.UnixMilli(1700000000000)
	if !sink(netcapture.Event{RequestID: "r1", Phase: netcapture.PhaseStarted, URL: "https://api.test/", Method: "GET", Timestamp: at}) {
		t.Fatal("sink reported a drop")
	}
	msg := tr.next(t)
	data := msg["data"].(map[string]any)
	if msg["type"] != "network_request" || msg["event"] != "started" || data["requestId"] != "r1" {
		t.Errorf("unexpected frame %v", msg)
	}
}

func TestControlSurface(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.o.Handler())
	defer srv.Close()
	c := NewClient(strings.TrimPrefix(srv.URL, "http://"))

	st, err := c.State()
	if err != nil {
		t.Fatal(err)
	}
	if st.ConnectionState != conn.Connected || !st.Enabled || st.ActiveTarget == nil || st.ActiveTarget.ID != "T1" {
		t.Errorf("state %+v", st)
	}

	enabled, err := c.Toggle(false)
	if err != nil || enabled {
		t.Fatalf("toggle: %v %v", enabled, err)
	}
	if _, closes, _ := f.tr.counts(); f.state.Enabled() || closes != 1 {
		t.Errorf("disable not applied: enabled=%v closes=%d", f.state.Enabled(), closes)
	}

	if _, err := c.Reconnect(); err == nil || !strings.Contains(err.Error(), "409") {
		t.Errorf("reconnect while disabled: %v", err)
	}

	if _, err := c.Toggle(true); err != nil {
		t.Fatal(err)
	}
	if status, err := c.Reconnect(); err != nil || status != "reconnecting" {
		t.Errorf("reconnect: %q %v", status, err)
	}
	if connects, _, reconnects := f.tr.counts(); connects != 1 || reconnects != 1 {
		t.Errorf("connects=%d reconnects=%d", connects, reconnects)
	}

	cmds, err := c.Commands()
	if err != nil {
		t.Fatal(err)
	}
	var sawNavigate bool
	for _, ci := range cmds {
		if ci.Name == "navigate" && ci.Navigation {
			sawNavigate = true
		}
	}
	if !sawNavigate {
		t.Error("navigate missing from command list")
	}

	if err := c.Activate("T2"); err == nil {
		t.Error("activate without an activator should fail")
	}

	f.history.mu.Lock()
	f.history.entries = []history.Entry{{CommandID: "a", Name: "get_title"}, {CommandID: "b", Name: "get_url"}}
	f.history.mu.Unlock()
	entries, err := c.History(history.Filter{Name: "get_url"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].CommandID != "b" {
		t.Errorf("history %+v", entries)
	}
	stats, err := c.HistoryStats()
	if err != nil || len(stats) != 1 {
		t.Errorf("stats %+v %v", stats, err)
	}
}
