package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codewiresh/unitywire/internal/connection"
	"github.com/codewiresh/unitywire/internal/logging"
)

type fakeUnity struct {
	mu     sync.Mutex
	sent   []string
	params []string
	broker *connection.Broker
	err    error
}

func newFakeUnity() *fakeUnity {
	return &fakeUnity{broker: connection.NewBroker()}
}

func (f *fakeUnity) Send(_ context.Context, typ string, params any) (*connection.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, typ)
	raw, _ := params.(json.RawMessage)
	f.params = append(f.params, string(raw))
	return &connection.Result{ID: "1", Type: typ, Value: json.RawMessage(`{"name":"Main Camera"}`)}, nil
}

func (f *fakeUnity) Ping(context.Context) (*connection.Result, error) {
	return &connection.Result{Type: "ping", Duration: 3 * time.Millisecond}, nil
}

func (f *fakeUnity) Status() connection.Status {
	return connection.Status{State: "connected", Addr: "localhost:6400", Protocol: "framed"}
}

func (f *fakeUnity) EnsureConnected(context.Context, time.Duration) error { return nil }

func (f *fakeUnity) Subscribe(kinds ...connection.EventKind) *connection.Subscription {
	return f.broker.Subscribe(kinds...)
}

func (f *fakeUnity) Unsubscribe(id uint64) { f.broker.Unsubscribe(id) }

// session runs a server over pipes and returns a line reader for its output.
type session struct {
	in   *io.PipeWriter
	out  *bufio.Scanner
	done chan error
}

func startSession(t *testing.T, u Unity) *session {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	srv := NewServer(u, outW, logging.Discard(), "test")
	s := &session{in: inW, out: bufio.NewScanner(outR), done: make(chan error, 1)}
	go func() {
		s.done <- srv.Run(context.Background(), inR)
		outW.Close()
	}()
	t.Cleanup(func() {
		inW.Close()
		go io.Copy(io.Discard, outR)
		<-s.done
	})
	return s
}

func (s *session) call(t *testing.T, line string) map[string]any {
	t.Helper()
	if _, err := io.WriteString(s.in, line+"\n"); err != nil {
		t.Fatalf("write request: %v", err)
	}
	return s.next(t)
}

func (s *session) next(t *testing.T) map[string]any {
	t.Helper()
	if !s.out.Scan() {
		t.Fatalf("no response: %v", s.out.Err())
	}
	var msg map[string]any
	if err := json.Unmarshal(s.out.Bytes(), &msg); err != nil {
		t.Fatalf("decode response %q: %v", s.out.Text(), err)
	}
	return msg
}

func toolText(t *testing.T, resp map[string]any) string {
	t.Helper()
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected result, got %v", resp)
	}
	content := result["content"].([]any)
	return content[0].(map[string]any)["text"].(string)
}

func TestInitializeAndList(t *testing.T) {
	s := startSession(t, newFakeUnity())

	resp := s.call(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	info := resp["result"].(map[string]any)["serverInfo"].(map[string]any)
	if info["name"] != "unitywire" {
		t.Fatalf("unexpected server name %v", info["name"])
	}

	// Notifications are not answered; the next line is the tools/list reply.
	if _, err := io.WriteString(s.in, `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n"); err != nil {
		t.Fatal(err)
	}
	resp = s.call(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if resp["id"].(float64) != 2 {
		t.Fatalf("expected id 2, got %v", resp["id"])
	}
	tools := resp["result"].(map[string]any)["tools"].([]any)
	if len(tools) != len(getTools()) {
		t.Fatalf("expected %d tools, got %d", len(getTools()), len(tools))
	}
}

func TestSendCommandTool(t *testing.T) {
	u := newFakeUnity()
	s := startSession(t, u)

	resp := s.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"unity_send_command","arguments":{"type":"get_selection","params":{"depth":1}}}}`)
	text := toolText(t, resp)
	if !strings.Contains(text, `"name": "Main Camera"`) {
		t.Fatalf("unexpected tool text %q", text)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.sent) != 1 || u.sent[0] != "get_selection" {
		t.Fatalf("unexpected sends %v", u.sent)
	}
	if u.params[0] != `{"depth":1}` {
		t.Fatalf("params not forwarded: %q", u.params[0])
	}
}

func TestSendCommandToolError(t *testing.T) {
	u := newFakeUnity()
	u.err = &connection.CommandError{ID: "1", Type: "x", Message: "GameObject not found"}
	s := startSession(t, u)

	resp := s.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"unity_send_command","arguments":{"type":"x"}}}`)
	rpcErr, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error, got %v", resp)
	}
	if rpcErr["code"].(float64) != -32603 {
		t.Fatalf("unexpected code %v", rpcErr["code"])
	}
	if !strings.Contains(rpcErr["message"].(string), "GameObject not found") {
		t.Fatalf("unexpected message %v", rpcErr["message"])
	}
}

func TestMissingTypeAndUnknownMethod(t *testing.T) {
	s := startSession(t, newFakeUnity())

	resp := s.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"unity_send_command","arguments":{}}}`)
	if resp["error"] == nil {
		t.Fatalf("expected error for missing type, got %v", resp)
	}

	resp = s.call(t, `{"jsonrpc":"2.0","id":2,"method":"resources/list"}`)
	if resp["error"].(map[string]any)["code"].(float64) != -32601 {
		t.Fatalf("expected method not found, got %v", resp)
	}
}

func TestStatusAndPingTools(t *testing.T) {
	s := startSession(t, newFakeUnity())

	text := toolText(t, s.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"unity_connection_status"}}`))
	if !strings.Contains(text, `"state": "connected"`) {
		t.Fatalf("unexpected status %q", text)
	}

	text = toolText(t, s.call(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"unity_ping"}}`))
	if !strings.HasPrefix(text, "pong") {
		t.Fatalf("unexpected ping text %q", text)
	}
}

func TestUnsolicitedMessagesForwarded(t *testing.T) {
	u := newFakeUnity()
	s := startSession(t, u)

	// A round trip guarantees Run has subscribed.
	s.call(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	u.broker.Publish(connection.Event{Kind: connection.EventMessage, Message: json.RawMessage(`{"type":"log","message":"Compiled"}`)})

	msg := s.next(t)
	if msg["method"] != "notifications/message" {
		t.Fatalf("expected notification, got %v", msg)
	}
	data := msg["params"].(map[string]any)["data"].(map[string]any)
	if data["message"] != "Compiled" {
		t.Fatalf("unexpected data %v", data)
	}
}

func TestArgInt(t *testing.T) {
	args := map[string]json.RawMessage{
		"n":    json.RawMessage(`7`),
		"neg":  json.RawMessage(`-1`),
		"text": json.RawMessage(`"x"`),
	}
	if got := argInt(args, "n", 5); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	if got := argInt(args, "neg", 5); got != 5 {
		t.Fatalf("expected default for negative, got %d", got)
	}
	if got := argInt(args, "text", 5); got != 5 {
		t.Fatalf("expected default for string, got %d", got)
	}
	if got := argInt(args, "missing", 5); got != 5 {
		t.Fatalf("expected default, got %d", got)
	}
}
