// Package client talks to a running `uw serve` bridge.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/codewiresh/unitywire/internal/bridge"
	"github.com/codewiresh/unitywire/internal/connection"
)

// Target describes a bridge endpoint.
type Target struct {
	URL   string // http:// or https:// base URL
	Token string // bridge token
	HTTP  *http.Client
}

// RemoteError is a non-2xx reply from the bridge.
type RemoteError struct {
	Status  int
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("bridge: %s (HTTP %d, code %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("bridge: %s (HTTP %d)", e.Message, e.Status)
}

func (t *Target) httpClient() *http.Client {
	if t.HTTP != nil {
		return t.HTTP
	}
	return &http.Client{Timeout: 5 * time.Minute}
}

func (t *Target) endpoint(path string) string {
	return strings.TrimSuffix(t.URL, "/") + path
}

// Send submits one command through the bridge and waits for its result.
func (t *Target) Send(ctx context.Context, typ string, params json.RawMessage) (*connection.Result, error) {
	body, err := json.Marshal(bridge.CommandRequest{Type: typ, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("/command"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var res connection.Result
	if err := t.do(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Health fetches /healthz.
func (t *Target) Health(ctx context.Context) (*bridge.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint("/healthz"), nil)
	if err != nil {
		return nil, err
	}
	var h bridge.Health
	if err := t.do(req, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (t *Target) do(req *http.Request, out any) error {
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}
	resp, err := t.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("connecting to bridge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e bridge.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &RemoteError{Status: resp.StatusCode, Message: e.Error, Code: e.Code}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing bridge response: %w", err)
	}
	return nil
}

// Watch streams bridge events to fn until ctx is done, the bridge closes
// the stream, or fn returns an error.
func (t *Target) Watch(ctx context.Context, kinds []string, fn func(connection.Event) error) error {
	wsURL, err := t.eventsURL(kinds)
	if err != nil {
		return err
	}

	// Send token via Authorization header only (not in URL query to avoid log exposure).
	opts := &websocket.DialOptions{}
	if t.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + t.Token}}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("connecting to bridge events: %w", err)
	}
	defer conn.CloseNow()
	// Remove the default read limit so large editor messages are not rejected.
	conn.SetReadLimit(-1)

	for {
		var e connection.Event
		if err := wsjson.Read(ctx, conn, &e); err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(e); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

// eventsURL converts the base URL to the ws:// or wss:// events endpoint.
func (t *Target) eventsURL(kinds []string) (string, error) {
	u, err := url.Parse(t.endpoint("/events"))
	if err != nil {
		return "", fmt.Errorf("invalid bridge URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	if len(kinds) > 0 {
		q := u.Query()
		q.Set("kinds", strings.Join(kinds, ","))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
