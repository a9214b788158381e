package connection

import (
	"net"
	"sync"
	"time"

	"github.com/codewiresh/unitywire/internal/protocol"
)

// writer serialises writes to the editor socket. It is safe for
// concurrent use.
type writer struct {
	conn    net.Conn
	legacy  bool
	timeout time.Duration
	mu      sync.Mutex
}

func newWriter(conn net.Conn, legacy bool, timeout time.Duration) *writer {
	return &writer{conn: conn, legacy: legacy, timeout: timeout}
}

// writeRequest marshals req and writes it as one frame, or as one JSON
// line in legacy mode.
func (w *writer) writeRequest(req *protocol.Request) error {
	if w.legacy {
		data, err := protocol.EncodeLegacy(req)
		if err != nil {
			return err
		}
		return w.write(data)
	}

	data, err := req.Marshal()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline()
	return protocol.WriteFrame(w.conn, data)
}

// writePing sends the bare legacy keep-alive probe.
func (w *writer) writePing() error {
	return w.write([]byte(protocol.PingLiteral))
}

func (w *writer) write(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline()
	_, err := w.conn.Write(b)
	return err
}

func (w *writer) deadline() {
	if w.timeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
}
