package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/codewiresh/unitywire/internal/config"
	"github.com/codewiresh/unitywire/internal/metrics"
	"github.com/codewiresh/unitywire/internal/protocol"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

const readBufferSize = 64 * 1024

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Conn) { c.metrics = m }
}

// WithRecorder journals every completed command.
func WithRecorder(r Recorder) Option {
	return func(c *Conn) { c.recorder = r }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

// connectAttempt is shared by every caller that joins an in-flight dial.
type connectAttempt struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// Conn owns the socket to the editor. All state transitions happen under
// mu: caller operations, reader callbacks and timer callbacks. Socket
// writes are serialised separately by the writer.
type Conn struct {
	cfg      atomic.Pointer[config.Config]
	dialer   Dialer
	logger   *slog.Logger
	metrics  *metrics.Collector
	recorder Recorder
	events   *Broker

	discardLog rate.Sometimes

	mu               sync.Mutex
	state            State
	closed           bool
	sock             net.Conn
	gen              uint64 // bumped whenever a socket is attached or detached
	w                *writer
	dec              payloadDecoder
	connecting       *connectAttempt
	hasConnectedOnce bool

	attempts       int
	reconnectTimer *time.Timer
	reconnectSeq   uint64

	nextID  uint64
	pending map[string]*pendingRequest
	pongs   []chan json.RawMessage

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	versionChecked bool
	editorVersion  string
	versionErr     error

	readers sync.WaitGroup
	dials   sync.WaitGroup
}

// New creates a disconnected Conn. cfg must have passed Validate.
func New(cfg *config.Config, opts ...Option) *Conn {
	c := &Conn{
		logger:     slog.Default(),
		events:     NewBroker(),
		pending:    make(map[string]*pendingRequest),
		discardLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.Store(cfg)
	c.applyFlowControl(cfg)
	c.metrics.SetState(StateDisconnected.String())
	return c
}

func (c *Conn) config() *config.Config {
	return c.cfg.Load()
}

// SetConfig swaps the configuration snapshot. Dial settings and decoder
// tunables apply from the next connection; timeouts, flow control and the
// reconnect policy apply immediately.
func (c *Conn) SetConfig(cfg *config.Config) {
	c.cfg.Store(cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyFlowControl(cfg)
	if !cfg.Unity.AutoReconnect {
		c.cancelReconnectLocked()
	}
}

func (c *Conn) applyFlowControl(cfg *config.Config) {
	c.sem = nil
	if n := cfg.Unity.MaxInFlight; n > 0 {
		c.sem = semaphore.NewWeighted(int64(n))
	}
	c.limiter = nil
	if r := cfg.Unity.CommandsPerSecond; r > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(r), max(1, int(r)))
	}
}

// Subscribe registers for events of the given kinds, or all kinds.
func (c *Conn) Subscribe(kinds ...EventKind) *Subscription {
	return c.events.Subscribe(kinds...)
}

// Unsubscribe removes a subscription and closes its channel.
func (c *Conn) Unsubscribe(id uint64) {
	c.events.Unsubscribe(id)
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a socket is open.
func (c *Conn) IsConnected() bool {
	return c.State() == StateConnected
}

// Status is a point-in-time summary for health endpoints.
type Status struct {
	State         string `json:"state" yaml:"state"`
	Addr          string `json:"addr" yaml:"addr"`
	Protocol      string `json:"protocol" yaml:"protocol"`
	Pending       int    `json:"pending" yaml:"pending"`
	Attempts      int    `json:"reconnect_attempts" yaml:"reconnect_attempts"`
	Subscribers   int    `json:"subscribers" yaml:"subscribers"`
	EditorVersion string `json:"editor_version,omitempty" yaml:"editor_version,omitempty"`
}

// Status returns a snapshot of the connection.
func (c *Conn) Status() Status {
	cfg := c.config()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:         c.state.String(),
		Addr:          cfg.Unity.Addr(),
		Protocol:      cfg.Unity.Protocol,
		Pending:       len(c.pending),
		Attempts:      c.attempts,
		Subscribers:   c.events.Len(),
		EditorVersion: c.editorVersion,
	}
}

func (c *Conn) setStateLocked(s State) {
	c.state = s
	c.metrics.SetState(s.String())
}

// Connect opens the socket. It returns immediately when already connected
// and joins an attempt that is already in flight. The attempt itself is not
// bound to any caller's ctx: ctx only limits how long this caller waits.
// Disconnect and Close cancel the attempt.
func (c *Conn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	a := c.connecting
	if a == nil {
		a = c.startAttemptLocked()
	}
	c.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) startAttemptLocked() *connectAttempt {
	actx, cancel := context.WithCancel(context.Background())
	a := &connectAttempt{done: make(chan struct{}), cancel: cancel}
	c.connecting = a
	c.setStateLocked(StateConnecting)
	cfg := c.config()

	c.dials.Add(1)
	go func() {
		defer c.dials.Done()
		defer cancel()
		c.runAttempt(actx, a, cfg)
	}()
	return a
}

// runAttempt dials and attaches the socket, then releases every caller
// waiting on a.
func (c *Conn) runAttempt(ctx context.Context, a *connectAttempt, cfg *config.Config) {
	sock, err := c.dial(ctx, cfg)

	c.mu.Lock()
	current := c.connecting == a
	if current {
		c.connecting = nil
	}
	if err == nil && (c.closed || !current) {
		// Disconnect or Close won the race with the dial.
		sock.Close()
		err = &ConnectError{Addr: cfg.Unity.Addr(), Err: ErrConnectionClosed}
	}
	if err != nil {
		if current && c.state == StateConnecting {
			c.setStateLocked(StateDisconnected)
		}
		if !errors.Is(err, ErrConnectionClosed) && !errors.Is(err, context.Canceled) {
			c.events.Publish(Event{Kind: EventError, Err: err})
		}
		c.mu.Unlock()

		a.err = err
		close(a.done)
		c.metrics.ConnectAttempt(connectResult(err))
		c.logger.Debug("unity connect failed", "addr", cfg.Unity.Addr(), "err", err)
		return
	}

	c.attachLocked(sock, cfg)
	c.events.Publish(Event{Kind: EventConnected})
	c.mu.Unlock()

	close(a.done)
	c.metrics.ConnectAttempt("ok")
	c.logger.Info("connected to unity", "addr", cfg.Unity.Addr(), "protocol", cfg.Unity.Protocol)
}

func (c *Conn) dial(ctx context.Context, cfg *config.Config) (net.Conn, error) {
	u := cfg.Unity
	addr := u.Addr()

	dctx, cancel := context.WithTimeout(ctx, u.DialTimeout())
	defer cancel()

	d := c.dialer
	if d == nil {
		d = &net.Dialer{KeepAlive: u.Keepalive}
	}

	sock, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(ctx, err, addr)
	}

	if tc, ok := sock.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		if u.Keepalive > 0 {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(u.Keepalive)
		}
	}
	return sock, nil
}

func classifyDialError(parent context.Context, err error, addr string) error {
	var ne net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return &ConnectError{Code: CodeConnectionRefused, Addr: addr, Hint: connectHint, Err: err}
	case parent.Err() != nil:
		return &ConnectError{Addr: addr, Err: parent.Err()}
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return &ConnectError{Code: CodeConnectionTimeout, Addr: addr, Hint: connectHint, Err: err}
	default:
		return &ConnectError{Addr: addr, Err: err}
	}
}

func connectResult(err error) string {
	var ce *ConnectError
	if errors.As(err, &ce) {
		switch ce.Code {
		case CodeConnectionRefused:
			return "refused"
		case CodeConnectionTimeout:
			return "timeout"
		}
		if errors.Is(ce.Err, context.Canceled) || errors.Is(ce.Err, ErrConnectionClosed) {
			return "canceled"
		}
	}
	return "error"
}

func (c *Conn) attachLocked(sock net.Conn, cfg *config.Config) {
	u := cfg.Unity
	legacy := u.Protocol == config.ProtocolLegacy

	c.gen++
	c.sock = sock
	c.w = newWriter(sock, legacy, u.CommandTimeout)
	if legacy {
		c.dec = &protocol.LegacyDecoder{}
	} else {
		c.dec = protocol.NewDecoder(protocol.DecoderOptions{
			MaxFrame:            u.MaxFrameBytes,
			ResyncWindow:        u.ResyncWindow,
			PlausibleFrameLimit: u.PlausibleFrameLimit,
			DiagnosticPrefixes:  u.DiagnosticPrefixes,
			AcceptUnframedJSON:  u.AcceptUnframedJSON,
			OnDiscard:           c.onDiscard,
		})
	}
	c.setStateLocked(StateConnected)
	c.attempts = 0
	c.hasConnectedOnce = true
	c.cancelReconnectLocked()

	c.readers.Add(1)
	go c.readLoop(sock, c.gen)
}

// readLoop owns reads on one socket. Once gen is stale every callback it
// makes is ignored.
func (c *Conn) readLoop(sock net.Conn, gen uint64) {
	defer c.readers.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			c.handleData(gen, buf[:n])
		}
		if err != nil {
			c.handleClose(gen, err)
			return
		}
	}
}

func (c *Conn) handleData(gen uint64, chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != StateConnected {
		return
	}

	if len(c.pongs) > 0 {
		if data, ok := protocol.IsPong(chunk); ok {
			for _, ch := range c.pongs {
				ch <- data
			}
			c.pongs = nil
			return
		}
	}

	for _, payload := range c.dec.Feed(chunk) {
		c.metrics.FrameDecoded()
		c.dispatchLocked(payload)
	}
}

func (c *Conn) onDiscard(reason protocol.DiscardReason, n int, sample []byte) {
	c.metrics.Discarded(string(reason), n)
	c.discardLog.Do(func() {
		if len(sample) > 64 {
			sample = sample[:64]
		}
		c.logger.Warn("discarded inbound bytes", "reason", string(reason), "bytes", n, "sample", string(sample))
	})
}

// handleClose runs when the reader sees EOF or an error. A close on a
// detached socket, or one that Disconnect started, is ignored.
func (c *Conn) handleClose(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != StateConnected {
		return
	}

	cfg := c.config()
	c.detachLocked()
	c.setStateLocked(StateDisconnected)
	c.failPendingLocked(ErrConnectionClosed)
	c.metrics.Disconnected("remote")

	if err != nil && !errors.Is(err, io.EOF) {
		c.logger.Warn("unity connection error", "addr", cfg.Unity.Addr(), "err", err)
		c.events.Publish(Event{Kind: EventError, Err: err})
	} else {
		c.logger.Info("unity connection closed", "addr", cfg.Unity.Addr())
	}
	c.events.Publish(Event{Kind: EventDisconnected})

	if cfg.Unity.AutoReconnect && !c.closed {
		c.scheduleReconnectLocked()
	}
}

// detachLocked bumps the generation before closing the socket so the
// reader's close callback is recognised as stale.
func (c *Conn) detachLocked() {
	c.gen++
	if c.sock != nil {
		c.sock.Close()
	}
	c.sock = nil
	c.w = nil
	if c.dec != nil {
		c.dec.Reset()
	}
	c.dec = nil
	for _, ch := range c.pongs {
		close(ch)
	}
	c.pongs = nil
}

// Disconnect closes the socket on the caller's behalf. Pending commands
// are rejected with ErrConnectionClosed, any scheduled reconnect is
// cancelled, and no disconnected event is published.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *Conn) disconnectLocked() {
	c.cancelReconnectLocked()
	c.attempts = 0

	if a := c.connecting; a != nil {
		a.cancel()
		c.connecting = nil
	}
	if c.state == StateDisconnected {
		return
	}

	c.setStateLocked(StateDisconnecting)
	wasConnected := c.sock != nil
	c.detachLocked()
	c.failPendingLocked(ErrConnectionClosed)
	c.setStateLocked(StateDisconnected)
	if wasConnected {
		c.metrics.Disconnected("local")
		c.logger.Info("disconnected from unity")
	}
}

// Close disconnects, stops reconnecting for good and closes every event
// subscription. It waits for any dial in flight and the socket reader to
// exit.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.disconnectLocked()
	c.mu.Unlock()

	c.dials.Wait()
	c.readers.Wait()
	c.events.Close()
	return nil
}

// Ping checks the editor is responsive. Framed mode sends a ping command;
// legacy mode writes the bare probe and waits for a pong reply.
func (c *Conn) Ping(ctx context.Context) (*Result, error) {
	cfg := c.config()
	if cfg.Unity.Protocol != config.ProtocolLegacy {
		return c.Send(ctx, "ping", nil)
	}

	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pongs = append(c.pongs, ch)
	w := c.w
	c.mu.Unlock()

	start := time.Now()
	if err := w.writePing(); err != nil {
		c.dropPong(ch)
		c.events.Publish(Event{Kind: EventError, Err: err})
		return nil, err
	}

	timer := time.NewTimer(cfg.Unity.CommandTimeout)
	defer timer.Stop()

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return &Result{Type: "ping", Value: data, Raw: data, Duration: time.Since(start)}, nil
	case <-timer.C:
		c.dropPong(ch)
		return nil, ErrCommandTimeout
	case <-ctx.Done():
		c.dropPong(ch)
		return nil, ctx.Err()
	}
}

func (c *Conn) dropPong(ch chan json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pongs {
		if p == ch {
			c.pongs = append(c.pongs[:i], c.pongs[i+1:]...)
			return
		}
	}
}
