// Package orchestrator wires the controller socket to the router, streams
// network capture events back, and persists the enabled flag.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/manaflow-ai/tabrelay/internal/command"
	"github.com/manaflow-ai/tabrelay/internal/conn"
	"github.com/manaflow-ai/tabrelay/internal/executor"
	"github.com/manaflow-ai/tabrelay/internal/history"
	"github.com/manaflow-ai/tabrelay/internal/netcapture"
	"github.com/manaflow-ai/tabrelay/internal/protocol"
	"github.com/manaflow-ai/tabrelay/internal/relayerr"
	"github.com/manaflow-ai/tabrelay/internal/router"
)

// DefaultSweepInterval is how often the router's pending table is swept.
const DefaultSweepInterval = 10 * time.Second

// Transport is the controller connection. *conn.Manager implements it.
type Transport interface {
	Connect() error
	Reconnect() error
	Close()
	Send(v any) bool
	State() conn.State
	OnStateChange(fn func(conn.State)) func()
	OnMessage(fn func([]byte))
}

// Router relays commands to the active target. *router.Router implements it.
type Router interface {
	Route(ctx context.Context, cmd command.Command) command.Result
	DropPending(err error) int
	RunSweeper(ctx context.Context, interval time.Duration)
	Current() (router.Target, bool)
	Targets() []router.Target
	Pending() []router.PendingInfo
	Close()
}

// Capture is the network capture component. *netcapture.Capture
// implements it.
type Capture interface {
	SetEnabled(ctx context.Context, enabled bool) error
	Enabled() bool
	Stats() (sent, dropped int64)
}

// Activator brings a target to the front.
type Activator interface {
	Activate(ctx context.Context, targetID string) error
}

// History records settled commands. *history.Store implements it.
type History interface {
	Record(ctx context.Context, e history.Entry) error
	List(ctx context.Context, f history.Filter) ([]history.Entry, error)
	Stats(ctx context.Context) ([]history.Stat, error)
}

// StateStore persists the enabled flag. *state.Store implements it.
type StateStore interface {
	Enabled() bool
	SetEnabled(enabled bool) error
}

// Deps are the components the orchestrator wires together. Capture,
// Activator and History may be nil.
type Deps struct {
	Transport Transport
	Router    Router
	Registry  *executor.Registry
	State     StateStore
	Capture   Capture
	Activator Activator
	History   History
}

// Options configure an Orchestrator.
type Options struct {
	// ControlAddr is the control surface listen address; empty disables it.
	ControlAddr   string
	SweepInterval time.Duration
	// CaptureOnStart starts network capture when the relay starts.
	CaptureOnStart bool
	Version        string
	Logger         *slog.Logger
}

// Orchestrator is the background process.
type Orchestrator struct {
	deps Deps
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards closing, which stops new commands from joining wg.
	mu      sync.Mutex
	closing bool

	unsubscribe func()
	server      *http.Server
}

// New wires deps. Nothing runs until Run.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		deps:   deps,
		opts:   opts,
		log:    opts.Logger.With("component", "orchestrator"),
		ctx:    ctx,
		cancel: cancel,
	}
	deps.Transport.OnMessage(o.HandleMessage)
	o.unsubscribe = deps.Transport.OnStateChange(o.onState)
	return o
}

// NetworkSink forwards capture events to the controller. Events are
// dropped while the socket is down.
func NetworkSink(t Transport) netcapture.Sink {
	return func(e netcapture.Event) bool {
		return t.Send(protocol.NewNetworkRequest(string(e.Phase), e.Data(), e.Timestamp))
	}
}

// Run connects (when enabled), serves the control surface and blocks
// until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.deps.State.Enabled() {
		if err := o.deps.Transport.Connect(); err != nil {
			o.log.Error("connect failed", "error", err)
		}
	} else {
		o.log.Info("relay disabled, not connecting")
	}

	if o.opts.CaptureOnStart && o.deps.Capture != nil {
		if err := o.deps.Capture.SetEnabled(ctx, true); err != nil {
			o.log.Warn("network capture not started", "error", err)
		}
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.deps.Router.RunSweeper(o.ctx, o.opts.SweepInterval)
	}()

	serveErr := make(chan error, 1)
	if o.opts.ControlAddr != "" {
		o.server = &http.Server{
			Addr:              o.opts.ControlAddr,
			Handler:           o.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			o.log.Info("control surface listening", "addr", o.opts.ControlAddr)
			if err := o.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("control surface: %w", err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	o.shutdown()
	return err
}

func (o *Orchestrator) shutdown() {
	if o.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.server.Shutdown(ctx); err != nil {
			o.log.Warn("control surface shutdown", "error", err)
		}
		cancel()
	}
	o.unsubscribe()
	o.deps.Transport.OnMessage(nil)
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.deps.Transport.Close()
	o.deps.Router.DropPending(relayerr.New(relayerr.TransportUnavailable, "relay shutting down"))
	o.cancel()
	o.wg.Wait()
	o.deps.Router.Close()
	o.log.Info("relay stopped")
}

// HandleMessage processes one frame from the controller. Frames arriving
// after shutdown has begun are dropped.
func (o *Orchestrator) HandleMessage(data []byte) {
	if o.stopping() {
		o.log.Debug("frame dropped, relay stopping", "bytes", len(data))
		return
	}
	in, err := protocol.DecodeInbound(data)
	if err != nil {
		o.log.Warn("ignoring undecodable frame", "error", err, "bytes", len(data))
		return
	}

	switch in.Type {
	case protocol.TypeAutomationCommand, protocol.TypeExecuteCommand:
	case protocol.TypeConnectionEstablished, protocol.TypeConnectionConfirmed, protocol.TypeNetworkLogConfirmed:
		o.log.Debug("controller notice", "type", in.Type)
		return
	default:
		o.log.Warn("ignoring message", "type", in.Type)
		return
	}

	payload, id, err := in.CommandPayload()
	if err != nil {
		o.reject(id, err)
		return
	}
	cmd, err := command.Parse(payload)
	if err != nil {
		o.reject(id, err)
		return
	}
	if id != "" {
		cmd = cmd.WithID(id)
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		o.log.Debug("command dropped, relay stopping", "command", cmd.Name, "command_id", cmd.ID)
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		o.execute(cmd)
	}()
}

func (o *Orchestrator) stopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closing
}

// reject answers a command that could not be parsed. Errors without a
// relay code are reported as MalformedCommand.
func (o *Orchestrator) reject(id string, err error) {
	var re *relayerr.Error
	if !errors.As(err, &re) {
		err = relayerr.Wrap(relayerr.MalformedCommand, err, "")
	}
	o.log.Warn("malformed command", "command_id", id, "error", err)
	o.deliver(command.Result{ID: id, Status: command.StatusError, Err: err})
}

func (o *Orchestrator) execute(cmd command.Command) {
	res := o.deps.Router.Route(o.ctx, cmd)
	o.deliver(res)

	if o.deps.History == nil {
		return
	}
	var target string
	if t, ok := o.deps.Router.Current(); ok {
		target = t.ID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.History.Record(ctx, history.FromResult(cmd, res, target)); err != nil {
		o.log.Warn("history not recorded", "command_id", res.ID, "error", err)
	}
}

// deliver sends the result envelope. A result produced while the socket is
// down is lost; the controller relies on its own timeout.
func (o *Orchestrator) deliver(res command.Result) {
	var msg *protocol.Result
	if res.OK() {
		msg = protocol.NewScriptResult(res.ID, res.Value)
	} else {
		msg = protocol.NewScriptError(res.ID, string(res.Code()), res.Err.Error(), stackOf(res.Err))
	}
	if !o.deps.Transport.Send(msg) {
		o.log.Warn("result lost, controller not connected", "command_id", res.ID, "name", res.Name, "status", res.Status)
	}
}

func stackOf(err error) string {
	var s interface{ Stack() string }
	if errors.As(err, &s) {
		return s.Stack()
	}
	return ""
}

func (o *Orchestrator) onState(s conn.State) {
	o.log.Info("connection state", "state", s)
	if s != conn.Disconnected && s != conn.Error {
		return
	}
	n := o.deps.Router.DropPending(relayerr.New(relayerr.TransportUnavailable, "controller connection %s", s))
	if n > 0 {
		o.log.Warn("in-flight commands abandoned", "count", n)
	}
}

// SetEnabled persists the flag and connects or disconnects accordingly.
func (o *Orchestrator) SetEnabled(enabled bool) error {
	if err := o.deps.State.SetEnabled(enabled); err != nil {
		return err
	}
	if enabled {
		return o.deps.Transport.Connect()
	}
	o.deps.Transport.Close()
	return nil
}

// ErrDisabled is returned by Reconnect while the relay is disabled.
var ErrDisabled = errors.New("relay is disabled")

// Reconnect drops the socket and dials again immediately.
func (o *Orchestrator) Reconnect() error {
	if !o.deps.State.Enabled() {
		return ErrDisabled
	}
	return o.deps.Transport.Reconnect()
}

// Activate makes targetID the active target.
func (o *Orchestrator) Activate(ctx context.Context, targetID string) error {
	if o.deps.Activator == nil {
		return errors.New("target activation is not available")
	}
	return o.deps.Activator.Activate(ctx, targetID)
}

// Snapshot is the relay state reported by the control surface.
type Snapshot struct {
	ConnectionState conn.State           `json:"connectionState"`
	Enabled         bool                 `json:"enabled"`
	ActiveTarget    *router.Target       `json:"activeTarget"`
	Pending         []router.PendingInfo `json:"pending"`
	Capture         *CaptureStats        `json:"capture,omitempty"`
	Version         string               `json:"version,omitempty"`
}

// CaptureStats summarizes network capture.
type CaptureStats struct {
	Enabled bool  `json:"enabled"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}

// Snapshot reads the current state. The connection state comes straight
// from the transport.
func (o *Orchestrator) Snapshot() Snapshot {
	s := Snapshot{
		ConnectionState: o.deps.Transport.State(),
		Enabled:         o.deps.State.Enabled(),
		Pending:         o.deps.Router.Pending(),
		Version:         o.opts.Version,
	}
	if t, ok := o.deps.Router.Current(); ok {
		s.ActiveTarget = &t
	}
	if o.deps.Capture != nil {
		sent, dropped := o.deps.Capture.Stats()
		s.Capture = &CaptureStats{Enabled: o.deps.Capture.Enabled(), Sent: sent, Dropped: dropped}
	}
	return s
}
