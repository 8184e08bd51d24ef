// Package realtime holds the optional push channel. The agent is fully
// correct without it; when no transport is available the listener returns
// immediately and the poller carries on alone.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// ErrNoChannel reports that no push transport is available in this
// environment.
var ErrNoChannel = errors.New("realtime channel unavailable")

type Credentials struct {
	UserID string
	Token  string
}

type Transport interface {
	Connect(ctx context.Context, creds Credentials) (Channel, error)
}

// Channel delivers decoded events until it fails or is closed.
type Channel interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

type NopTransport struct {
	Reason string
}

func (t NopTransport) Connect(context.Context, Credentials) (Channel, error) {
	if t.Reason == "" {
		return nil, ErrNoChannel
	}
	return nil, fmt.Errorf("%w: %s", ErrNoChannel, t.Reason)
}

type Config struct {
	URL        string
	Disabled   bool
	HTTPClient *http.Client
}

// SelectTransport picks the push transport once at startup.
func SelectTransport(cfg Config) Transport {
	if cfg.Disabled {
		return NopTransport{Reason: "disabled by configuration"}
	}
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return NopTransport{Reason: "no socket url configured"}
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return NopTransport{Reason: fmt.Sprintf("invalid socket url: %v", err)}
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return NopTransport{Reason: fmt.Sprintf("unsupported socket scheme %q", parsed.Scheme)}
	}
	decoder, err := NewDecoder()
	if err != nil {
		return NopTransport{Reason: fmt.Sprintf("frame schema: %v", err)}
	}
	return &WebsocketTransport{URL: raw, HTTPClient: cfg.HTTPClient, decoder: decoder}
}

const (
	maxFrameBytes = 64 << 10
	closeTimeout  = time.Second
)

type WebsocketTransport struct {
	URL        string
	HTTPClient *http.Client

	decoder *Decoder
}

func NewWebsocketTransport(rawURL string, httpClient *http.Client) (*WebsocketTransport, error) {
	decoder, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	return &WebsocketTransport{URL: strings.TrimSpace(rawURL), HTTPClient: httpClient, decoder: decoder}, nil
}

// Connect dials the socket with the token as bearer header and the user id
// as query parameter.
func (t *WebsocketTransport) Connect(ctx context.Context, creds Credentials) (Channel, error) {
	target, err := url.Parse(t.URL)
	if err != nil {
		return nil, err
	}
	q := target.Query()
	q.Set("userId", creds.UserID)
	target.RawQuery = q.Encode()

	header := http.Header{}
	if token := strings.TrimSpace(creds.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, target.String(), &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return &websocketChannel{conn: conn, decoder: t.decoder}, nil
}

type websocketChannel struct {
	conn    *websocket.Conn
	decoder *Decoder
}

func (c *websocketChannel) Next(ctx context.Context) (Event, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageText {
			continue
		}
		return c.decoder.Decode(data)
	}
}

func (c *websocketChannel) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
