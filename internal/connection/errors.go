package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send and Ping when no socket is open.
	ErrNotConnected = errors.New("not connected to Unity")
	// ErrConnectionClosed rejects commands that were pending when the
	// socket went away.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCommandTimeout is returned when no response arrives within the
	// command timeout. The command is never retried.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection manager closed")
	// ErrVersionMismatch is returned for every command once the editor
	// reported an incompatible version under the "error" policy.
	ErrVersionMismatch = errors.New("version mismatch")
)

// Error codes carried by ConnectError.
const (
	CodeConnectionRefused = "UNITY_CONNECTION_REFUSED"
	CodeConnectionTimeout = "UNITY_CONNECTION_TIMEOUT"
	CodeReconnectTimeout  = "UNITY_RECONNECT_TIMEOUT"
)

const connectHint = "Start the Unity Editor and make sure the bridge package is listening. " +
	"Check unity.host / unity.port (UNITY_MCP_MCP_HOST / UNITY_MCP_PORT). " +
	"From WSL2 or Docker, set the host to host.docker.internal."

// ConnectError describes a failed attempt to open the editor socket.
type ConnectError struct {
	Code string
	Addr string
	Hint string
	Err  error
}

func (e *ConnectError) Error() string {
	var msg string
	switch e.Code {
	case CodeConnectionRefused:
		msg = "Unity TCP connection refused at " + e.Addr
	case CodeConnectionTimeout:
		msg = "Unity TCP connection timeout at " + e.Addr
	case CodeReconnectTimeout:
		msg = "timed out waiting for Unity connection at " + e.Addr
	default:
		msg = "connecting to Unity at " + e.Addr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += ". " + e.Hint
	}
	return msg
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CommandError is an application-level failure reported by the editor.
type CommandError struct {
	ID      string
	Type    string
	Message string
	Code    string
}

func (e *CommandError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (command %s %s, code %s)", e.Message, e.ID, e.Type, e.Code)
	}
	return fmt.Sprintf("%s (command %s %s)", e.Message, e.ID, e.Type)
}
