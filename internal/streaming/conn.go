package streaming

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of the websocket connection the adapter uses. Satisfied
// by *websocket.Conn; tests substitute a scripted implementation.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a backend connection for one session.
type Dialer func(ctx context.Context) (Conn, error)

// NewWebSocketDialer dials the streaming backend over a persistent
// websocket, authenticating with the API key.
func NewWebSocketDialer(url, apiKey string, connectTimeout time.Duration) Dialer {
	return func(ctx context.Context) (Conn, error) {
		dialer := websocket.Dialer{
			HandshakeTimeout: connectTimeout,
			ReadBufferSize:   32768,
			WriteBufferSize:  32768,
		}
		header := http.Header{}
		if apiKey != "" {
			header.Set("Authorization", "Bearer "+apiKey)
		}
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("backend dial status %d: %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("backend dial: %w", err)
		}
		return conn, nil
	}
}
