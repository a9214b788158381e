// Package bridge exposes a Conn over HTTP: command submission, health,
// Prometheus metrics and a websocket event stream.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/codewiresh/unitywire/internal/auth"
	"github.com/codewiresh/unitywire/internal/connection"
	"github.com/codewiresh/unitywire/internal/protocol"
)

const maxCommandBody = 1 << 20

// Unity is the part of the connection manager the bridge serves.
type Unity interface {
	Send(ctx context.Context, typ string, params any) (*connection.Result, error)
	Status() connection.Status
	Subscribe(kinds ...connection.EventKind) *connection.Subscription
	Unsubscribe(id uint64)
}

// CommandRequest is the body of POST /command.
type CommandRequest struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Health is the body of GET /healthz.
type Health struct {
	Instance string            `json:"instance" yaml:"instance"`
	Version  string            `json:"version" yaml:"version"`
	Started  time.Time         `json:"started" yaml:"started"`
	Unity    connection.Status `json:"unity" yaml:"unity"`
}

// Server serves the bridge endpoints.
type Server struct {
	unity    Unity
	token    string
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	version  string
	instance string
	started  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires the token on /command and /events.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithVersion is reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a bridge server for unity.
func New(unity Unity, opts ...Option) *Server {
	s := &Server{
		unity:    unity,
		logger:   slog.Default(),
		instance: uuid.NewString(),
		started:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.Handle("POST /command", s.protect(http.HandlerFunc(s.handleCommand)))
	mux.Handle("GET /events", s.protect(http.HandlerFunc(s.handleEvents)))
	return mux
}

func (s *Server) protect(h http.Handler) http.Handler {
	if s.token == "" {
		return h
	}
	return auth.Require(s.token, h)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("bridge listening", "addr", ln.Addr().String(), "instance", s.instance)

	// Shut down gracefully when ctx is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("bridge server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Health{
		Instance: s.instance,
		Version:  s.version,
		Started:  s.started,
		Unity:    s.unity.Status(),
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "missing type"})
		return
	}

	res, err := s.unity.Send(r.Context(), req.Type, req.Params)
	if err != nil {
		status, body := errorStatus(err)
		s.logger.Debug("bridge command failed", "type", req.Type, "status", status, "err", err)
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// errorStatus maps connection errors onto HTTP statuses.
func errorStatus(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error()}

	var (
		ce      *connection.CommandError
		connErr *connection.ConnectError
		netErr  net.Error
	)
	switch {
	case errors.As(err, &ce):
		body.Code = ce.Code
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &connErr):
		body.Code = connErr.Code
		return http.StatusServiceUnavailable, body
	case errors.Is(err, connection.ErrCommandTimeout):
		return http.StatusGatewayTimeout, body
	case errors.Is(err, connection.ErrVersionMismatch):
		return http.StatusConflict, body
	case errors.Is(err, connection.ErrNotConnected),
		errors.Is(err, connection.ErrConnectionClosed),
		errors.Is(err, connection.ErrClosed):
		return http.StatusServiceUnavailable, body
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, body
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return http.StatusRequestEntityTooLarge, body
	case errors.As(err, &netErr), errors.Is(err, net.ErrClosed):
		// The socket write failed.
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusBadRequest, body
	}
}

// handleEvents streams connection events as JSON text messages. The
// optional kinds query parameter is a comma-separated filter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var kinds []connection.EventKind
	if q := r.URL.Query().Get("kinds"); q != "" {
		for _, k := range strings.Split(q, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, connection.EventKind(k))
			}
		}
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("websocket accept error", "err", err)
		return
	}
	defer ws.CloseNow()

	sub := s.unity.Subscribe(kinds...)
	defer s.unity.Unsubscribe(sub.ID)

	// Nothing is read from the client; CloseRead handles its close frame.
	ctx := ws.CloseRead(r.Context())

	for {
		select {
		case e, ok := <-sub.Ch:
			if !ok {
				ws.Close(websocket.StatusGoingAway, "bridge shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(wctx, ws, e)
			cancel()
			if err != nil {
				s.logger.Debug("event stream closed", "err", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
