package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codewiresh/unitywire/internal/connection"
)

// ---------------------------------------------------------------------------
// JSON-RPC 2.0 types
// ---------------------------------------------------------------------------

type jsonRpcRequest struct {
	Jsonrpc string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
}

type jsonRpcResponse struct {
	Jsonrpc string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Result  interface{}      `json:"result,omitempty"`
	Error   *jsonRpcError    `json:"error,omitempty"`
}

type jsonRpcNotification struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonRpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

// ---------------------------------------------------------------------------
// MCP Server
// ---------------------------------------------------------------------------

// Unity is the part of the connection manager the MCP server drives.
type Unity interface {
	Send(ctx context.Context, typ string, params any) (*connection.Result, error)
	Ping(ctx context.Context) (*connection.Result, error)
	Status() connection.Status
	EnsureConnected(ctx context.Context, timeout time.Duration) error
	Subscribe(kinds ...connection.EventKind) *connection.Subscription
	Unsubscribe(id uint64)
}

// Server speaks MCP over newline-delimited JSON-RPC and forwards tool calls
// to the editor.
type Server struct {
	unity   Unity
	out     io.Writer
	logger  *slog.Logger
	version string

	// ConnectTimeout bounds the wait for the editor before a tool call.
	ConnectTimeout time.Duration

	mu sync.Mutex // serialises writes to out
}

// NewServer creates a server writing responses and notifications to out.
func NewServer(unity Unity, out io.Writer, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		unity:          unity,
		out:            out,
		logger:         logger,
		version:        version,
		ConnectTimeout: 10 * time.Second,
	}
}

// Run reads JSON-RPC requests from in until EOF or ctx is done. Unsolicited
// editor messages are forwarded as notifications/message while it runs.
func (s *Server) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := s.unity.Subscribe(connection.EventMessage)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.forwardMessages(ctx, sub)
	}()
	defer func() {
		s.unity.Unsubscribe(sub.ID)
		cancel()
		wg.Wait()
	}()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1 MB buffer

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req jsonRpcRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.logger.Warn("invalid JSON-RPC", "err", err)
			continue
		}

		resp := s.handle(ctx, &req)
		if req.ID == nil {
			// Notifications get no reply.
			continue
		}
		s.write(resp)
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req *jsonRpcRequest) jsonRpcResponse {
	resp := jsonRpcResponse{Jsonrpc: "2.0", ID: req.ID}

	switch req.Method {
	case "initialize":
		resp.Result = map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools":   map[string]interface{}{},
				"logging": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    "unitywire",
				"version": s.version,
			},
		}

	case "ping":
		resp.Result = map[string]interface{}{}

	case "notifications/initialized":

	case "tools/list":
		resp.Result = map[string]interface{}{
			"tools": getTools(),
		}

	case "tools/call":
		result, err := s.handleToolCall(ctx, req.Params)
		if err != nil {
			resp.Error = &jsonRpcError{Code: -32603, Message: err.Error()}
		} else {
			resp.Result = map[string]interface{}{
				"content": []map[string]interface{}{
					{"type": "text", "text": result},
				},
			}
		}

	default:
		resp.Error = &jsonRpcError{
			Code:    -32601,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}
	return resp
}

func (s *Server) write(v interface{}) {
	out, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encoding JSON-RPC message", "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "%s\n", out)
}

func (s *Server) forwardMessages(ctx context.Context, sub *connection.Subscription) {
	for {
		select {
		case e, ok := <-sub.Ch:
			if !ok {
				return
			}
			s.write(jsonRpcNotification{
				Jsonrpc: "2.0",
				Method:  "notifications/message",
				Params: map[string]interface{}{
					"level":  "info",
					"logger": "unity",
					"data":   e.Message,
				},
			})
		case <-ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Tool definitions
// ---------------------------------------------------------------------------

func getTools() []tool {
	return []tool{
		{
			Name:        "unity_send_command",
			Description: "Send a command to the Unity editor and return its result",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"type": map[string]interface{}{
						"type":        "string",
						"description": "Command type understood by the editor bridge, e.g. get_scene_info",
					},
					"params": map[string]interface{}{
						"type":        "object",
						"description": "Command parameters (default: {})",
					},
				},
				"required": []string{"type"},
			},
		},
		{
			Name:        "unity_ping",
			Description: "Check that the Unity editor is reachable and responsive",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "unity_connection_status",
			Description: "Report the connection state, address and pending command count",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "unity_watch_messages",
			Description: "Collect unsolicited editor messages for a bounded time",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"max_duration_seconds": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum watch duration in seconds (default: 5)",
					},
					"max_messages": map[string]interface{}{
						"type":        "integer",
						"description": "Stop after this many messages (default: 100)",
					},
				},
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Tool dispatch
// ---------------------------------------------------------------------------

func (s *Server) handleToolCall(ctx context.Context, params json.RawMessage) (string, error) {
	var p struct {
		Name      string                     `json:"name"`
		Arguments map[string]json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return "", fmt.Errorf("invalid params: %w", err)
	}

	args := p.Arguments

	switch p.Name {
	case "unity_send_command":
		return s.toolSendCommand(ctx, args)
	case "unity_ping":
		return s.toolPing(ctx)
	case "unity_connection_status":
		return s.toolConnectionStatus()
	case "unity_watch_messages":
		return s.toolWatchMessages(ctx, args)
	default:
		return "", fmt.Errorf("unknown tool: %s", p.Name)
	}
}

// ---------------------------------------------------------------------------
// Tool handlers
// ---------------------------------------------------------------------------

func (s *Server) toolSendCommand(ctx context.Context, args map[string]json.RawMessage) (string, error) {
	var typ string
	if err := json.Unmarshal(args["type"], &typ); err != nil || typ == "" {
		return "", fmt.Errorf("missing type")
	}

	var params json.RawMessage
	if raw, ok := args["params"]; ok {
		params = raw
	}

	if err := s.unity.EnsureConnected(ctx, s.ConnectTimeout); err != nil {
		return "", err
	}
	res, err := s.unity.Send(ctx, typ, params)
	if err != nil {
		return "", err
	}
	return indent(res.Value)
}

func (s *Server) toolPing(ctx context.Context) (string, error) {
	if err := s.unity.EnsureConnected(ctx, s.ConnectTimeout); err != nil {
		return "", err
	}
	res, err := s.unity.Ping(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("pong in %s", res.Duration.Round(time.Millisecond)), nil
}

func (s *Server) toolConnectionStatus() (string, error) {
	out, err := json.MarshalIndent(s.unity.Status(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (s *Server) toolWatchMessages(ctx context.Context, args map[string]json.RawMessage) (string, error) {
	maxDuration := argInt(args, "max_duration_seconds", 5)
	maxMessages := argInt(args, "max_messages", 100)

	sub := s.unity.Subscribe(connection.EventMessage)
	defer s.unity.Unsubscribe(sub.ID)

	deadline := time.NewTimer(time.Duration(maxDuration) * time.Second)
	defer deadline.Stop()

	messages := []json.RawMessage{}
	for len(messages) < maxMessages {
		select {
		case e, ok := <-sub.Ch:
			if !ok {
				return indentMessages(messages)
			}
			messages = append(messages, e.Message)
		case <-deadline.C:
			return indentMessages(messages)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return indentMessages(messages)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// argInt extracts an integer argument, falling back to def.
func argInt(args map[string]json.RawMessage, key string, def int) int {
	raw, ok := args[key]
	if !ok {
		return def
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || v <= 0 {
		return def
	}
	return int(v)
}

func indent(v json.RawMessage) (string, error) {
	var out strings.Builder
	enc := json.NewEncoder(&out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(out.String(), "\n"), nil
}

func indentMessages(messages []json.RawMessage) (string, error) {
	out, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
