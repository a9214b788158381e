package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// PingLiteral is the bare keep-alive probe understood by legacy editors.
const PingLiteral = "ping"

// EncodeLegacy renders a request as one unframed JSON line.
func EncodeLegacy(req *Request) ([]byte, error) {
	b, err := req.Marshal()
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// LegacyDecoder splits an unframed stream into top-level JSON objects.
// Other top-level values are skipped; a syntax error drops the buffer.
type LegacyDecoder struct {
	buf []byte
}

// Buffered reports how many bytes belong to an unfinished value.
func (d *LegacyDecoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partially received value.
func (d *LegacyDecoder) Reset() {
	d.buf = nil
}

// Feed appends chunk and returns every complete JSON object now available.
func (d *LegacyDecoder) Feed(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	dec := json.NewDecoder(bytes.NewReader(d.buf))
	var out [][]byte
	consumed := 0
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err == io.EOF {
			consumed = len(d.buf)
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			d.buf = nil
			return out
		}
		consumed = int(dec.InputOffset())
		if v := bytes.TrimSpace(raw); len(v) > 0 && v[0] == '{' {
			out = append(out, v)
		}
	}

	if consumed >= len(d.buf) {
		d.buf = nil
	} else {
		d.buf = append([]byte(nil), d.buf[consumed:]...)
	}
	return out
}

// IsPong reports whether chunk is a successful reply to PingLiteral and
// returns its data member.
func IsPong(chunk []byte) (json.RawMessage, bool) {
	if !bytes.Contains(chunk, []byte("pong")) {
		return nil, false
	}
	var reply struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(chunk), &reply); err != nil || reply.Status != "success" {
		return nil, false
	}
	var data struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(reply.Data, &data); err != nil || data.Message != "pong" {
		return nil, false
	}
	return reply.Data, true
}
