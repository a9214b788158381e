// Package connection maintains the TCP link to the Unity Editor bridge:
// framing, request/response correlation, reconnection and event fan-out.
package connection

import (
	"context"
	"net"

	"github.com/codewiresh/unitywire/internal/store"
)

// Dialer opens the editor socket. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Recorder receives one entry per completed command.
// *store.SQLiteJournal satisfies it.
type Recorder interface {
	Record(ctx context.Context, e store.Entry) error
}

// payloadDecoder turns inbound chunks into JSON payloads. Implemented by
// protocol.Decoder and protocol.LegacyDecoder.
type payloadDecoder interface {
	Feed(chunk []byte) [][]byte
	Reset()
	Buffered() int
}
