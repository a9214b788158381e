package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Frame encode / decode
// ---------------------------------------------------------------------------

// readFrame reads one frame from a blocking reader. A clean EOF returns
// (nil, nil).
func readFrame(r io.Reader) ([]byte, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint32(header[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"id":"1","type":"ping","params":{}}`)

	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if buf.Len() != HeaderLen+len(payload) {
		t.Fatalf("wire length = %d, want %d", buf.Len(), HeaderLen+len(payload))
	}

	decoded, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Errorf("payload = %q, want %q", decoded, payload)
	}
}

func TestAppendFrameHeaderIsBigEndian(t *testing.T) {
	payload := []byte(`{"a":1}`)
	wire := AppendFrame([]byte("prefix"), payload)
	wire = wire[len("prefix"):]
	if got := binary.BigEndian.Uint32(wire[:4]); got != uint32(len(payload)) {
		t.Errorf("header = %d, want %d", got, len(payload))
	}
	if !bytes.Equal(wire[4:], payload) {
		t.Errorf("body = %q, want %q", wire[4:], payload)
	}
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrame+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing may be written for an oversize payload, got %d bytes", buf.Len())
	}
	if err := WriteFrame(&buf, make([]byte, MaxFrame)); err != nil {
		t.Fatalf("a MaxFrame payload must be accepted: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Decoder
// ---------------------------------------------------------------------------

func frame(t *testing.T, payload string) []byte {
	t.Helper()
	return AppendFrame(nil, []byte(payload))
}

func joinPayloads(ps [][]byte) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = string(p)
	}
	return strings.Join(parts, "|")
}

func TestDecoderSingleFrame(t *testing.T) {
	d := NewDecoder(DecoderOptions{})
	got := d.Feed(frame(t, `{"id":"1"}`))
	if len(got) != 1 || string(got[0]) != `{"id":"1"}` {
		t.Fatalf("Feed = %q", got)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", d.Buffered())
	}
}

func TestDecoderChunkingInvariance(t *testing.T) {
	var stream []byte
	want := []string{`{"id":"1","status":"success"}`, `{"id":"2"}`, `{"event":"x","data":[1,2,3]}`}
	for _, p := range want {
		stream = append(stream, frame(t, p)...)
	}

	whole := joinPayloads(NewDecoder(DecoderOptions{}).Feed(stream))
	if whole != strings.Join(want, "|") {
		t.Fatalf("whole-stream decode = %q", whole)
	}

	for size := 1; size <= len(stream); size++ {
		d := NewDecoder(DecoderOptions{})
		var got [][]byte
		for i := 0; i < len(stream); i += size {
			end := min(i+size, len(stream))
			got = append(got, d.Feed(stream[i:end])...)
		}
		if joinPayloads(got) != whole {
			t.Fatalf("chunk size %d: got %q, want %q", size, joinPayloads(got), whole)
		}
	}
}

func TestDecoderEmptyChunkIsNoop(t *testing.T) {
	d := NewDecoder(DecoderOptions{})
	wire := frame(t, `{"id":"1"}`)
	d.Feed(wire[:3])
	before := d.Buffered()

	if got := d.Feed(nil); got != nil {
		t.Fatalf("Feed(nil) = %q, want nil", got)
	}
	if got := d.Feed([]byte{}); got != nil {
		t.Fatalf("Feed(empty) = %q, want nil", got)
	}
	if d.Buffered() != before {
		t.Fatalf("Buffered changed from %d to %d", before, d.Buffered())
	}

	got := d.Feed(wire[3:])
	if len(got) != 1 {
		t.Fatalf("expected frame after completing chunk, got %q", got)
	}
}

func TestDecoderMaxFrameBoundary(t *testing.T) {
	body := `{"x":"` + strings.Repeat("a", MaxFrame-8) + `"}`
	if len(body) != MaxFrame {
		t.Fatalf("test body length = %d", len(body))
	}

	d := NewDecoder(DecoderOptions{})
	got := d.Feed(frame(t, body))
	if len(got) != 1 || len(got[0]) != MaxFrame {
		t.Fatalf("expected one %d byte payload, got %d payloads", MaxFrame, len(got))
	}

	var discarded []DiscardReason
	d = NewDecoder(DecoderOptions{OnDiscard: func(r DiscardReason, _ int, _ []byte) {
		discarded = append(discarded, r)
	}})
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrame+1)
	if got := d.Feed(append(header[:], make([]byte, 16)...)); len(got) != 0 {
		t.Fatalf("oversize header yielded %q", got)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered = %d after unrecoverable header, want 0", d.Buffered())
	}
	if len(discarded) != 1 || discarded[0] != DiscardCorrupt {
		t.Errorf("discards = %v, want [corrupt]", discarded)
	}
}

func TestDecoderResyncAfterNegativeLength(t *testing.T) {
	var discarded []DiscardReason
	d := NewDecoder(DecoderOptions{OnDiscard: func(r DiscardReason, _ int, _ []byte) {
		discarded = append(discarded, r)
	}})

	stream := append([]byte{0xff, 0xff, 0xff, 0xff}, frame(t, `{"id":"1","status":"success","result":{}}`)...)
	got := d.Feed(stream)
	if len(got) != 1 || !strings.Contains(string(got[0]), `"id":"1"`) {
		t.Fatalf("Feed = %q, want recovered frame", got)
	}
	if len(discarded) != 1 || discarded[0] != DiscardResync {
		t.Errorf("discards = %v, want [resync]", discarded)
	}
}

func TestDecoderResyncSkipsGarbagePrefix(t *testing.T) {
	d := NewDecoder(DecoderOptions{})
	garbage := []byte{0x80, 0x00, 0x00, 0x00, 0x13, 0x37}
	stream := append(garbage, frame(t, `{"id":"7"}`)...)
	got := d.Feed(stream)
	if len(got) != 1 || string(got[0]) != `{"id":"7"}` {
		t.Fatalf("Feed = %q", got)
	}
}

func TestDecoderResyncFailureClearsBuffer(t *testing.T) {
	d := NewDecoder(DecoderOptions{})
	stream := bytes.Repeat([]byte{0xff}, 64)
	if got := d.Feed(stream); len(got) != 0 {
		t.Fatalf("Feed = %q, want nothing", got)
	}
	if d.Buffered() != 0 {
		t.Fatalf("Buffered = %d, want 0", d.Buffered())
	}

	got := d.Feed(frame(t, `{"id":"2"}`))
	if len(got) != 1 {
		t.Fatalf("decoder did not recover after clearing: %q", got)
	}
}

func TestDecoderDropsNonJSONPayload(t *testing.T) {
	d := NewDecoder(DecoderOptions{})
	stream := append(frame(t, "hello"), frame(t, `{"id":"3"}`)...)
	got := d.Feed(stream)
	if len(got) != 1 || string(got[0]) != `{"id":"3"}` {
		t.Fatalf("Feed = %q", got)
	}
}

func TestDecoderDiagnosticPrefix(t *testing.T) {
	var n int
	d := NewDecoder(DecoderOptions{OnDiscard: func(r DiscardReason, size int, _ []byte) {
		if r == DiscardDiagnostic {
			n += size
		}
	}})

	line := []byte("[Unity] Compiling scripts...\n")
	if got := d.Feed(line); len(got) != 0 {
		t.Fatalf("diagnostic chunk yielded %q", got)
	}
	if n != len(line) {
		t.Errorf("discarded %d bytes, want %d", n, len(line))
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", d.Buffered())
	}

	if got := d.Feed([]byte("[unity-mcp-server] ready")); len(got) != 0 {
		t.Fatalf("diagnostic chunk yielded %q", got)
	}
	if got := d.Feed(frame(t, `{"id":"4"}`)); len(got) != 1 {
		t.Fatalf("frame after diagnostics = %q", got)
	}
}

func TestDecoderDiagnosticOnlyWhenBufferEmpty(t *testing.T) {
	d := NewDecoder(DecoderOptions{})
	payload := `{"log":"[Unity] inside a frame"}`
	wire := frame(t, payload)

	// Split so the second chunk begins with the prefix text.
	split := HeaderLen + strings.Index(payload, "[Unity]")
	if got := d.Feed(wire[:split]); len(got) != 0 {
		t.Fatalf("partial chunk yielded %q", got)
	}
	got := d.Feed(wire[split:])
	if len(got) != 1 || string(got[0]) != payload {
		t.Fatalf("Feed = %q, want %q", got, payload)
	}
}

func TestDecoderUnframedJSON(t *testing.T) {
	d := NewDecoder(DecoderOptions{AcceptUnframedJSON: true})
	got := d.Feed([]byte("{\"id\":\"9\",\"status\":\"success\"}\n"))
	if len(got) != 1 || string(got[0]) != `{"id":"9","status":"success"}` {
		t.Fatalf("Feed = %q", got)
	}

	strict := NewDecoder(DecoderOptions{})
	if got := strict.Feed([]byte(`{"id":"9"}`)); len(got) != 0 {
		t.Fatalf("strict decoder yielded unframed JSON: %q", got)
	}
}

func TestDecoderReset(t *testing.T) {
	d := NewDecoder(DecoderOptions{})
	wire := frame(t, `{"id":"1"}`)
	d.Feed(wire[:6])
	d.Reset()
	if d.Buffered() != 0 {
		t.Fatalf("Buffered = %d after Reset", d.Buffered())
	}
	if got := d.Feed(frame(t, `{"id":"2"}`)); len(got) != 1 || string(got[0]) != `{"id":"2"}` {
		t.Fatalf("Feed after Reset = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Request / Response
// ---------------------------------------------------------------------------

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("1", "get_scene", map[string]any{"depth": 2})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	b, err := req.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"id":"1","type":"get_scene","params":{"depth":2}}` {
		t.Errorf("Marshal = %s", b)
	}

	req, err = NewRequest("2", "ping", nil)
	if err != nil {
		t.Fatalf("NewRequest(nil): %v", err)
	}
	if string(req.Params) != "{}" {
		t.Errorf("Params = %s, want {}", req.Params)
	}

	if _, err := NewRequest("3", "x", []int{1}); err != ErrParamsNotObject {
		t.Errorf("err = %v, want ErrParamsNotObject", err)
	}
}

func TestParseResponseShapes(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		shape   Shape
		ok      bool
		id      string
		result  string
		errText string
		code    string
	}{
		{"status success", `{"id":"1","status":"success","result":{"a":1}}`, ShapeStatus, true, "1", `{"a":1}`, "", ""},
		{"status error", `{"id":"2","status":"error","error":"boom","code":"E1"}`, ShapeStatus, false, "2", "", "boom", "E1"},
		{"success flag", `{"id":3,"success":true,"data":[1]}`, ShapeSuccessFlag, true, "3", `[1]`, "", ""},
		{"success flag error", `{"id":"4","success":false,"error":{"message":"nope"}}`, ShapeSuccessFlag, false, "4", "", "nope", ""},
		{"unrecognized", `{"id":"5","value":42}`, ShapeUnrecognized, false, "5", "", "", ""},
		{"no id", `{"event":"compile"}`, ShapeUnrecognized, false, "", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseResponse([]byte(tt.payload))
			if err != nil {
				t.Fatalf("ParseResponse: %v", err)
			}
			if r.Shape != tt.shape {
				t.Errorf("Shape = %v, want %v", r.Shape, tt.shape)
			}
			if r.OK != tt.ok {
				t.Errorf("OK = %v, want %v", r.OK, tt.ok)
			}
			if r.ID != tt.id || r.HasID != (tt.id != "") {
				t.Errorf("ID = %q (has %v), want %q", r.ID, r.HasID, tt.id)
			}
			if string(r.Result) != tt.result {
				t.Errorf("Result = %s, want %s", r.Result, tt.result)
			}
			if r.Error != tt.errText {
				t.Errorf("Error = %q, want %q", r.Error, tt.errText)
			}
			if r.Code != tt.code {
				t.Errorf("Code = %q, want %q", r.Code, tt.code)
			}
			if string(r.Raw) != tt.payload {
				t.Errorf("Raw = %s", r.Raw)
			}
		})
	}
}

func TestParseResponseRejectsNonObject(t *testing.T) {
	for _, p := range []string{`[1,2]`, `"x"`, `null`, ``} {
		if _, err := ParseResponse([]byte(p)); err == nil {
			t.Errorf("ParseResponse(%q) succeeded, want error", p)
		}
	}
}

func TestResponseVersion(t *testing.T) {
	r, err := ParseResponse([]byte(`{"id":"1","status":"success","result":{},"editorState":{"version":"2.3.0","isPlaying":false}}`))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if r.Version != "2.3.0" {
		t.Errorf("Version = %q, want 2.3.0", r.Version)
	}
	if r.EditorState == nil {
		t.Error("EditorState not captured")
	}

	r, _ = ParseResponse([]byte(`{"id":"1","status":"success","version":"1.0.0"}`))
	if r.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", r.Version)
	}
}

func TestResponseValue(t *testing.T) {
	cases := map[string]string{
		`{"status":"success"}`:                          `{}`,
		`{"status":"success","result":null}`:            `{}`,
		`{"status":"success","result":"{\"a\":1}"}`:     `{"a":1}`,
		`{"status":"success","result":"plain text"}`:    `"plain text"`,
		`{"status":"success","result":42}`:              `42`,
		`{"success":true,"data":"[1, 2]"}`:              `[1, 2]`,
		`{"status":"success","result":{"nested":"{}"}}`: `{"nested":"{}"}`,
	}
	for in, want := range cases {
		r, err := ParseResponse([]byte(in))
		if err != nil {
			t.Fatalf("ParseResponse(%s): %v", in, err)
		}
		if got := string(r.Value()); got != want {
			t.Errorf("Value(%s) = %s, want %s", in, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Legacy mode
// ---------------------------------------------------------------------------

func TestEncodeLegacy(t *testing.T) {
	req, _ := NewRequest("1", "ping", nil)
	b, err := EncodeLegacy(req)
	if err != nil {
		t.Fatalf("EncodeLegacy: %v", err)
	}
	if string(b) != "{\"id\":\"1\",\"type\":\"ping\",\"params\":{}}\n" {
		t.Errorf("EncodeLegacy = %q", b)
	}
}

func TestLegacyDecoderStream(t *testing.T) {
	var d LegacyDecoder
	stream := "{\"id\":\"1\"}\n{\"id\":\"2\",\"result\":{\"s\":\"}\"}}\n  42 {\"id\":\"3\"}"

	var got [][]byte
	for i := 0; i < len(stream); i += 5 {
		end := min(i+5, len(stream))
		got = append(got, d.Feed([]byte(stream[i:end]))...)
	}
	want := `{"id":"1"}|{"id":"2","result":{"s":"}"}}|{"id":"3"}`
	if joinPayloads(got) != want {
		t.Fatalf("decoded %q, want %q", joinPayloads(got), want)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", d.Buffered())
	}
}

func TestLegacyDecoderDropsGarbage(t *testing.T) {
	var d LegacyDecoder
	if got := d.Feed([]byte("not json at all")); len(got) != 0 {
		t.Fatalf("Feed = %q", got)
	}
	if d.Buffered() != 0 {
		t.Fatalf("Buffered = %d after garbage", d.Buffered())
	}
	if got := d.Feed([]byte(`{"id":"1"}`)); len(got) != 1 {
		t.Fatalf("Feed after garbage = %q", got)
	}
}

func TestIsPong(t *testing.T) {
	data, ok := IsPong([]byte(`{"status":"success","data":{"message":"pong","timestamp":"now"}}`))
	if !ok {
		t.Fatal("expected pong")
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil || m["timestamp"] != "now" {
		t.Errorf("data = %s", data)
	}

	for _, s := range []string{
		`{"status":"error","data":{"message":"pong"}}`,
		`{"status":"success","data":{"message":"ping"}}`,
		`pong`,
	} {
		if _, ok := IsPong([]byte(s)); ok {
			t.Errorf("IsPong(%s) = true", s)
		}
	}
}

func ExampleDecoder_Feed() {
	d := NewDecoder(DecoderOptions{})
	wire := AppendFrame(nil, []byte(`{"id":"1","status":"success","result":{}}`))
	for _, p := range d.Feed(wire) {
		fmt.Println(string(p))
	}
	// Output: {"id":"1","status":"success","result":{}}
}
