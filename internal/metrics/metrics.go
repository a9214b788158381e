// Package metrics exposes connection manager counters to Prometheus.
//
// All Collector methods are safe on a nil receiver so components can take
// an optional *Collector without guarding every call.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "unitywire"
	subsystem = "connection"
)

// States reported by the state gauge.
var States = []string{"disconnected", "connecting", "connected", "disconnecting"}

// Collector holds every metric the connection manager updates.
type Collector struct {
	state           *prometheus.GaugeVec
	connectAttempts *prometheus.CounterVec
	reconnects      prometheus.Counter
	disconnects     *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	pending         prometheus.Gauge
	frames          prometheus.Counter
	discarded       *prometheus.CounterVec
	unsolicited     prometheus.Counter
}

// New creates an unregistered Collector.
func New() *Collector {
	return &Collector{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by result.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect timers armed after a connection loss or failed retry.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "disconnects_total",
			Help:      "Connection teardowns by cause.",
		}, []string{"cause"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_total",
			Help:      "Completed commands by outcome.",
		}, []string{"outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "command_duration_seconds",
			Help:      "Time from send to completion.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_commands",
			Help:      "Commands awaiting a response.",
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_decoded_total",
			Help:      "Inbound JSON payloads extracted from the stream.",
		}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discarded_bytes_total",
			Help:      "Inbound bytes dropped by the decoder, by reason.",
		}, []string{"reason"}),
		unsolicited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unsolicited_messages_total",
			Help:      "Inbound payloads that matched no pending command.",
		}),
	}
}

// Register adds every metric to reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, m := range []prometheus.Collector{
		c.state, c.connectAttempts, c.reconnects, c.disconnects, c.commands,
		c.commandDuration, c.pending, c.frames, c.discarded, c.unsolicited,
	} {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// SetState marks state as current.
func (c *Collector) SetState(state string) {
	if c == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		c.state.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) ConnectAttempt(result string) {
	if c == nil {
		return
	}
	c.connectAttempts.WithLabelValues(result).Inc()
}

func (c *Collector) ReconnectScheduled() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

func (c *Collector) Disconnected(cause string) {
	if c == nil {
		return
	}
	c.disconnects.WithLabelValues(cause).Inc()
}

// CommandDone records a finished command.
func (c *Collector) CommandDone(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(outcome).Inc()
	c.commandDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.pending.Set(float64(n))
}

func (c *Collector) FrameDecoded() {
	if c == nil {
		return
	}
	c.frames.Inc()
}

func (c *Collector) Discarded(reason string, n int) {
	if c == nil {
		return
	}
	c.discarded.WithLabelValues(reason).Add(float64(n))
}

func (c *Collector) Unsolicited() {
	if c == nil {
		return
	}
	c.unsolicited.Inc()
}
