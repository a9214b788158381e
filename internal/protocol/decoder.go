package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/lithdew/bytesutil"
)

// DiscardReason labels bytes the Decoder threw away.
type DiscardReason string

const (
	DiscardDiagnostic DiscardReason = "diagnostic"
	DiscardResync     DiscardReason = "resync"
	DiscardCorrupt    DiscardReason = "corrupt"
	DiscardNonJSON    DiscardReason = "non_json"
)

// DecoderOptions tunes frame recovery. Zero values select the defaults.
type DecoderOptions struct {
	MaxFrame            int
	ResyncWindow        int
	PlausibleFrameLimit int
	DiagnosticPrefixes  []string

	// AcceptUnframedJSON yields a chunk that arrives on an empty buffer and
	// is, in full, one JSON object without a length header.
	AcceptUnframedJSON bool

	// OnDiscard observes every dropped byte range. It runs on the caller's
	// goroutine and must not retain sample.
	OnDiscard func(reason DiscardReason, n int, sample []byte)
}

func (o DecoderOptions) withDefaults() DecoderOptions {
	if o.MaxFrame <= 0 {
		o.MaxFrame = MaxFrame
	}
	if o.ResyncWindow <= 0 {
		o.ResyncWindow = DefaultResyncWindow
	}
	if o.PlausibleFrameLimit <= 0 {
		o.PlausibleFrameLimit = DefaultPlausibleFrameLimit
	}
	if o.DiagnosticPrefixes == nil {
		o.DiagnosticPrefixes = DefaultDiagnosticPrefixes
	}
	return o
}

// Decoder reassembles length-prefixed frames from an arbitrary chunked byte
// stream. It never returns an error: corrupt input is skipped or the buffer
// is cleared. A Decoder is not safe for concurrent use.
type Decoder struct {
	opts DecoderOptions
	buf  []byte
}

// NewDecoder returns a Decoder with an empty buffer.
func NewDecoder(opts DecoderOptions) *Decoder {
	return &Decoder{opts: opts.withDefaults()}
}

// Buffered reports how many bytes are waiting for the rest of a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partially received frame.
func (d *Decoder) Reset() {
	d.buf = nil
}

// Feed appends chunk to the buffer and returns every complete JSON payload
// now available, in arrival order. Returned slices are owned by the caller.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}

	if len(d.buf) == 0 {
		if d.opts.AcceptUnframedJSON {
			if obj := bytes.TrimSpace(chunk); len(obj) > 0 && obj[0] == '{' && json.Valid(obj) {
				return [][]byte{bytes.Clone(obj)}
			}
		}
		if d.isDiagnostic(chunk) {
			d.discard(DiscardDiagnostic, chunk)
			return nil
		}
	}

	d.buf = append(d.buf, chunk...)

	var out [][]byte
	for len(d.buf) >= HeaderLen {
		length := int(int32(bytesutil.Uint32BE(d.buf[:HeaderLen])))

		if length < 0 || length > d.opts.MaxFrame {
			k := d.resyncOffset()
			if k < 0 {
				d.discard(DiscardCorrupt, d.buf)
				d.buf = nil
				break
			}
			d.discard(DiscardResync, d.buf[:k])
			d.buf = d.buf[k:]
			continue
		}

		if len(d.buf) < HeaderLen+length {
			break
		}

		payload := d.buf[HeaderLen : HeaderLen+length]
		d.buf = d.buf[HeaderLen+length:]

		if !startsWithBrace(payload) {
			d.discard(DiscardNonJSON, payload)
			continue
		}
		out = append(out, bytes.Clone(payload))
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// resyncOffset looks for the first offset after the bad header that holds a
// plausible header followed by a complete payload starting with '{'.
// Returns -1 when no such offset exists inside the window.
func (d *Decoder) resyncOffset() int {
	limit := min(len(d.buf)-HeaderLen, d.opts.ResyncWindow)
	for i := HeaderLen; i < limit; i++ {
		v := int(int32(bytesutil.Uint32BE(d.buf[i : i+HeaderLen])))
		if v <= 0 || v >= d.opts.PlausibleFrameLimit {
			continue
		}
		end := i + HeaderLen + v
		if end > len(d.buf) {
			continue
		}
		if startsWithBrace(d.buf[i+HeaderLen : end]) {
			return i
		}
	}
	return -1
}

func (d *Decoder) isDiagnostic(chunk []byte) bool {
	for _, p := range d.opts.DiagnosticPrefixes {
		if p != "" && bytes.HasPrefix(chunk, []byte(p)) {
			return true
		}
	}
	return false
}

func (d *Decoder) discard(reason DiscardReason, b []byte) {
	if d.opts.OnDiscard != nil {
		d.opts.OnDiscard(reason, len(b), b)
	}
}

func startsWithBrace(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}
