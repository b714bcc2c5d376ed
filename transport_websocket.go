package driverd

import (
	"context"
	"crypto/tls"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// wsConn adapts a gorilla/websocket connection into substrateConn. Binary
// and text frames both deliver raw bytes through the same process path,
// per spec §4.D; Flush is a no-op since each WriteMessage is already one
// frame on the wire. Auto-pong is gorilla's default ping handler — we don't
// override it, satisfying "auto-pong on ping" for free.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) Read(p []byte) (int, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}

func (w *wsConn) Write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (w *wsConn) Flush() error { return nil }

func (w *wsConn) Close() error { return w.conn.Close() }

// WebSocketTransport is the ws/wss substrate.
type WebSocketTransport struct {
	*baseTransport

	addr   string
	tlsMu  sync.Mutex
	useTLS bool
	tlsCfg *tls.Config
}

// WebSocketTransportConfig configures a WebSocketTransport.
type WebSocketTransportConfig struct {
	// Addr is a ws:// or wss:// URI; the scheme picks TLS, per spec §4.D.
	Addr      string
	TLSConfig *tls.Config
	Tokenizer *Tokenizer
	Received  ReceivedFunc
	Online    *atomic.Bool
	Backoff   *reconnectBackoff
	Log       *logrus.Entry
	Metrics   Metrics
}

// NewWebSocketTransport builds a WebSocketTransport ready for Connect.
func NewWebSocketTransport(cfg WebSocketTransportConfig) *WebSocketTransport {
	wt := &WebSocketTransport{addr: cfg.Addr, tlsCfg: cfg.TLSConfig}
	wt.useTLS = strings.HasPrefix(cfg.Addr, "wss://") || strings.HasPrefix(cfg.Addr, "https://")

	dial := func(ctx context.Context, connectTimeout time.Duration) (substrateConn, error) {
		dialer := *websocket.DefaultDialer
		if connectTimeout > 0 {
			dialer.HandshakeTimeout = connectTimeout
		}
		wt.tlsMu.Lock()
		if wt.useTLS && wt.tlsCfg != nil {
			dialer.TLSClientConfig = wt.tlsCfg
		}
		wt.tlsMu.Unlock()

		addr := wt.addr
		if u, err := url.Parse(addr); err == nil {
			wt.tlsMu.Lock()
			if wt.useTLS {
				if u.Scheme == "http" {
					u.Scheme = "https"
				}
				if u.Scheme == "https" || u.Scheme == "ws" {
					u.Scheme = "wss"
				}
			}
			wt.tlsMu.Unlock()
			addr = u.String()
		}

		conn, _, err := dialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, err
		}
		return &wsConn{conn: conn}, nil
	}

	wt.baseTransport = newBaseTransport(dial, cfg.Tokenizer, cfg.Received, cfg.Online, cfg.Backoff, cfg.Log, cfg.Metrics)
	wt.baseTransport.startTLS = func(ctx context.Context) (bool, error) {
		wt.tlsMu.Lock()
		already := wt.useTLS
		wt.useTLS = true
		wt.tlsMu.Unlock()
		return !already, nil
	}
	return wt
}
