package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var ErrParamsNotObject = errors.New("params must be a JSON object")

// Request is the client-to-editor command envelope.
type Request struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// NewRequest builds a Request. params may be nil, a json.RawMessage, or any
// value that marshals to a JSON object.
func NewRequest(id, typ string, params any) (*Request, error) {
	var raw json.RawMessage
	switch p := params.(type) {
	case nil:
		raw = json.RawMessage("{}")
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		raw = json.RawMessage("{}")
	} else if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, ErrParamsNotObject
	}

	return &Request{ID: id, Type: typ, Params: raw}, nil
}

// Marshal returns the JSON payload for the request.
func (r *Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Shape identifies which of the accepted response layouts a payload used.
type Shape int

const (
	// ShapeUnrecognized carries neither a status string nor a success flag.
	ShapeUnrecognized Shape = iota
	// ShapeStatus is {"status": "success"|"error", "result"|"error"}.
	ShapeStatus
	// ShapeSuccessFlag is {"success": bool, "data"|"error"}.
	ShapeSuccessFlag
)

func (s Shape) String() string {
	switch s {
	case ShapeStatus:
		return "status"
	case ShapeSuccessFlag:
		return "success_flag"
	default:
		return "unrecognized"
	}
}

// Response is an inbound payload decoded into the fields the correlator
// needs. Raw always holds the complete payload.
type Response struct {
	ID          string
	HasID       bool
	Shape       Shape
	OK          bool
	Result      json.RawMessage
	Error       string
	Code        string
	Version     string
	EditorState json.RawMessage
	Raw         json.RawMessage
}

type wireResponse struct {
	ID          json.RawMessage `json:"id"`
	Status      *string         `json:"status"`
	Success     *bool           `json:"success"`
	Result      json.RawMessage `json:"result"`
	Data        json.RawMessage `json:"data"`
	Error       json.RawMessage `json:"error"`
	Message     json.RawMessage `json:"message"`
	Code        json.RawMessage `json:"code"`
	Version     json.RawMessage `json:"version"`
	EditorState json.RawMessage `json:"editorState"`
}

// ParseResponse decodes a payload. It fails only when payload is not a JSON
// object.
func ParseResponse(payload []byte) (*Response, error) {
	if t := bytes.TrimSpace(payload); len(t) == 0 || t[0] != '{' {
		return nil, errors.New("parse response: payload is not a JSON object")
	}
	var w wireResponse
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	r := &Response{Raw: json.RawMessage(payload)}

	if id, ok := scalarText(w.ID); ok {
		r.ID = id
		r.HasID = true
	}

	switch {
	case w.Status != nil && (*w.Status == "success" || *w.Status == "error"):
		r.Shape = ShapeStatus
		r.OK = *w.Status == "success"
	case w.Success != nil:
		r.Shape = ShapeSuccessFlag
		r.OK = *w.Success
	default:
		r.Shape = ShapeUnrecognized
	}

	if !isNull(w.Result) {
		r.Result = w.Result
	} else if !isNull(w.Data) {
		r.Result = w.Data
	}

	r.Error = errorText(w.Error)
	if r.Error == "" && !r.OK {
		if msg, ok := scalarText(w.Message); ok {
			r.Error = msg
		}
	}
	r.Code, _ = scalarText(w.Code)

	if !isNull(w.EditorState) {
		r.EditorState = w.EditorState
	}
	r.Version, _ = scalarText(w.Version)
	if r.Version == "" && r.EditorState != nil {
		var es struct {
			Version json.RawMessage `json:"version"`
		}
		if json.Unmarshal(r.EditorState, &es) == nil {
			r.Version, _ = scalarText(es.Version)
		}
	}

	return r, nil
}

// Value returns the success value with a missing result normalised to {}
// and a string result that itself holds JSON decoded in place.
func (r *Response) Value() json.RawMessage {
	if isNull(r.Result) {
		return json.RawMessage("{}")
	}
	return DecodeEmbedded(r.Result)
}

// DecodeEmbedded unwraps a JSON string whose content is a JSON object or
// array. Any other value is returned unchanged.
func DecodeEmbedded(v json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return v
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return v
	}
	inner := bytes.TrimSpace([]byte(s))
	if len(inner) == 0 || (inner[0] != '{' && inner[0] != '[') || !json.Valid(inner) {
		return v
	}
	return json.RawMessage(inner)
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// scalarText renders a JSON string or number as text.
func scalarText(raw json.RawMessage) (string, bool) {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 {
		return "", false
	}
	switch t[0] {
	case '"':
		var s string
		if err := json.Unmarshal(t, &s); err != nil {
			return "", false
		}
		return s, true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(t, &n); err != nil {
			return "", false
		}
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		return n.String(), true
	}
	return "", false
}

// errorText extracts a message from an error field that may be a string or
// an object with a message member.
func errorText(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	if s, ok := scalarText(raw); ok {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(bytes.TrimSpace(raw))
}
