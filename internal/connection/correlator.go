package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/codewiresh/unitywire/internal/protocol"
	"github.com/codewiresh/unitywire/internal/store"
)

// Result is the successful outcome of a command.
type Result struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	// Value is the result (or data) member with embedded JSON strings
	// decoded and a missing value normalised to {}. For a response in an
	// unrecognised shape it is the whole payload.
	Value       json.RawMessage `json:"value"`
	Shape       protocol.Shape  `json:"-"`
	Version     string          `json:"version,omitempty"`
	EditorState json.RawMessage `json:"editor_state,omitempty"`
	Raw         json.RawMessage `json:"-"`
	Duration    time.Duration   `json:"duration"`
}

type outcome struct {
	res *Result
	err error
}

type pendingRequest struct {
	id      string
	typ     string
	started time.Time
	timer   *time.Timer
	done    chan outcome // buffered; written once by whoever removes the entry
}

// Send issues a command and waits for its response, the command timeout,
// connection loss or ctx, whichever comes first. It fails immediately with
// ErrNotConnected when no socket is open.
func (c *Conn) Send(ctx context.Context, typ string, params any) (*Result, error) {
	req, err := protocol.NewRequest("", typ, params)
	if err != nil {
		return nil, err
	}
	if !c.IsConnected() {
		return nil, c.notConnectedErr()
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	cfg := c.config()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.versionErr != nil {
		err := c.versionErr
		c.mu.Unlock()
		return nil, err
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}

	c.nextID++
	req.ID = strconv.FormatUint(c.nextID, 10)
	p := &pendingRequest{
		id:      req.ID,
		typ:     typ,
		started: time.Now(),
		done:    make(chan outcome, 1),
	}
	c.pending[p.id] = p
	timeout := cfg.Unity.CommandTimeout
	p.timer = time.AfterFunc(timeout, func() { c.expire(p, timeout) })
	c.metrics.SetPending(len(c.pending))
	w := c.w
	c.mu.Unlock()

	c.logger.Debug("dispatching command", "id", p.id, "type", typ)

	if err := w.writeRequest(req); err != nil {
		c.mu.Lock()
		c.completeLocked(p, outcome{err: fmt.Errorf("writing command %s: %w", p.id, err)})
		if !errors.Is(err, protocol.ErrFrameTooLarge) {
			c.events.Publish(Event{Kind: EventError, Err: err})
		}
		c.mu.Unlock()
	}

	var o outcome
	select {
	case o = <-p.done:
	case <-ctx.Done():
		c.mu.Lock()
		c.completeLocked(p, outcome{err: ctx.Err()})
		c.mu.Unlock()
		o = <-p.done
	}

	c.finish(p, o)
	return o.res, o.err
}

func (c *Conn) notConnectedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.versionErr != nil {
		return c.versionErr
	}
	return ErrNotConnected
}

// acquire applies the optional rate limit and in-flight cap before an id
// is allocated.
func (c *Conn) acquire(ctx context.Context) (func(), error) {
	c.mu.Lock()
	sem, lim := c.sem, c.limiter
	c.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if sem == nil {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

// completeLocked resolves p unless something else already removed it.
func (c *Conn) completeLocked(p *pendingRequest, o outcome) {
	if c.pending[p.id] != p {
		return
	}
	delete(c.pending, p.id)
	p.timer.Stop()
	c.metrics.SetPending(len(c.pending))
	p.done <- o
}

func (c *Conn) expire(p *pendingRequest, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.id] != p {
		return
	}
	c.logger.Warn("command timed out", "id", p.id, "type", p.typ, "timeout", timeout)
	c.completeLocked(p, outcome{err: fmt.Errorf("command %s (%s) after %s: %w", p.id, p.typ, timeout, ErrCommandTimeout)})
}

// failPendingLocked rejects and removes every pending command.
func (c *Conn) failPendingLocked(err error) {
	for _, p := range c.pending {
		c.completeLocked(p, outcome{err: err})
	}
}

// dispatchLocked routes one inbound payload to its pending command or, if
// none matches, publishes it as an unsolicited message.
func (c *Conn) dispatchLocked(payload []byte) {
	resp, err := protocol.ParseResponse(payload)
	if err != nil {
		c.logger.Debug("dropping unparsable payload", "err", err, "bytes", len(payload))
		return
	}

	c.checkVersionLocked(resp)

	if resp.HasID {
		if p, ok := c.pending[resp.ID]; ok {
			c.completeLocked(p, c.outcomeFor(p, resp))
			return
		}
	}

	c.metrics.Unsolicited()
	c.logger.Debug("unsolicited message", "id", resp.ID)
	c.events.Publish(Event{Kind: EventMessage, Message: resp.Raw})
}

func (c *Conn) outcomeFor(p *pendingRequest, resp *protocol.Response) outcome {
	res := &Result{
		ID:          p.id,
		Type:        p.typ,
		Shape:       resp.Shape,
		Version:     resp.Version,
		EditorState: resp.EditorState,
		Raw:         resp.Raw,
		Duration:    time.Since(p.started),
	}

	switch {
	case resp.Shape == protocol.ShapeUnrecognized:
		c.logger.Warn("command response has unknown format", "id", p.id, "type", p.typ)
		res.Value = resp.Raw
		return outcome{res: res}
	case resp.OK:
		if c.versionErr != nil {
			return outcome{err: c.versionErr}
		}
		res.Value = resp.Value()
		return outcome{res: res}
	default:
		msg := resp.Error
		if msg == "" {
			msg = "Command failed"
		}
		return outcome{err: &CommandError{ID: p.id, Type: p.typ, Message: msg, Code: resp.Code}}
	}
}

// finish records metrics and the journal entry for a completed command.
func (c *Conn) finish(p *pendingRequest, o outcome) {
	d := time.Since(p.started)
	label := outcomeLabel(o.err)
	c.metrics.CommandDone(label, d)

	if o.err != nil {
		c.logger.Debug("command failed", "id", p.id, "type", p.typ, "outcome", label, "err", o.err)
	}

	if c.recorder == nil {
		return
	}
	e := store.Entry{
		CommandID: p.id,
		Type:      p.typ,
		Outcome:   label,
		Duration:  d,
		StartedAt: p.started,
	}
	if o.err != nil {
		e.Error = o.err.Error()
		var ce *CommandError
		if errors.As(o.err, &ce) {
			e.Code = ce.Code
		}
	}
	if err := c.recorder.Record(context.Background(), e); err != nil {
		c.logger.Debug("journal write failed", "err", err)
	}
}

func outcomeLabel(err error) string {
	var ce *CommandError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ce):
		return "error"
	case errors.Is(err, ErrCommandTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, ErrVersionMismatch):
		return "version_mismatch"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "write_error"
	}
}
