package exchange

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
	// wsReadTimeout is refreshed on every frame and on every venue ping;
	// venues that heartbeat every ~25s stay well inside it.
	wsReadTimeout = 90 * time.Second
)

// WSConn wraps a gorilla WebSocket connection with the behaviours every
// venue adapter needs: handshake timeout, serialized writes, read deadline
// refresh and automatic pong replies to protocol-level pings.
type WSConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	openedAt time.Time
}

// DialWS opens a WebSocket connection to url. Unsolicited protocol pings
// (the Binance style) are answered with pongs carrying the same payload.
func DialWS(ctx context.Context, url string) (*WSConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	ws := &WSConn{conn: conn, openedAt: time.Now()}
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPingHandler(func(payload string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		ws.writeMu.Lock()
		defer ws.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(wsWriteTimeout))
	})
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})
	return ws, nil
}

// ReadMessage blocks for the next data frame, refreshing the read deadline.
func (w *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = w.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	return data, nil
}

// WriteJSON marshals v and writes it as a text frame.
func (w *WSConn) WriteJSON(v interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

// WriteText writes a raw text frame (used for OKX's literal "pong").
func (w *WSConn) WriteText(payload []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// Age returns how long the connection has been open. The supervisor uses
// this for proactive rotation ahead of venue 24h cutoffs.
func (w *WSConn) Age() time.Duration {
	return time.Since(w.openedAt)
}

// Close closes the underlying connection with a normal-closure frame.
func (w *WSConn) Close() error {
	w.writeMu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return w.conn.Close()
}
