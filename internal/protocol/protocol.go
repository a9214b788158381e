package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/lithdew/bytesutil"
	"github.com/valyala/bytebufferpool"
)

// Wire format: [length:i32 BE][payload]. The payload is UTF-8 JSON.
const (
	HeaderLen = 4
	MaxFrame  = 1024 * 1024 // 1 MiB

	DefaultResyncWindow        = 100
	DefaultPlausibleFrameLimit = 10240
)

// DefaultDiagnosticPrefixes are the log-line prefixes the editor side may
// write to the socket outside of any frame.
var DefaultDiagnosticPrefixes = []string{"[unity-mcp-server]", "[Unity]"}

var ErrFrameTooLarge = errors.New("frame payload too large")

var framePool bytebufferpool.Pool

// AppendFrame appends the framed form of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes payload as a single frame with one Write call, so that
// concurrent writers serialised by the caller never interleave a header with
// another frame's body.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := framePool.Get()
	defer framePool.Put(buf)
	buf.B = AppendFrame(buf.B[:0], payload)

	if _, err := w.Write(buf.B); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
