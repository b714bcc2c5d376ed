package driverd

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// streamConn adapts a net.Conn into substrateConn: tcp_nodelay plus a
// manual buffered writer with an explicit flush per Send, so a parser that
// issues several small writes for one logical message still emits a single
// packet — grounded on hootrhino-gomodbus/tcp_transporter.go's deadline/
// buffering discipline, generalized from Modbus framing to arbitrary bytes.
type streamConn struct {
	net.Conn
	w *bufio.Writer
}

func newStreamConn(c net.Conn) *streamConn {
	if tcp, ok := c.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return &streamConn{Conn: c, w: bufio.NewWriter(c)}
}

func (s *streamConn) Write(p []byte) error {
	_, err := s.w.Write(p)
	return err
}

func (s *streamConn) Flush() error { return s.w.Flush() }

// StreamTransport is the TCP (optionally TLS) substrate.
type StreamTransport struct {
	*baseTransport

	addr      string
	tlsMu     sync.Mutex
	tlsActive bool
	tlsCfg    *tls.Config
}

// StreamTransportConfig configures a StreamTransport.
type StreamTransportConfig struct {
	// Addr is host:port, or a tcp://|tcps:// URI (tcps implies immediate TLS).
	Addr      string
	TLSConfig *tls.Config
	Tokenizer *Tokenizer
	Received  ReceivedFunc
	Online    *atomic.Bool
	Backoff   *reconnectBackoff
	Log       *logrus.Entry
	Metrics   Metrics
}

// NewStreamTransport builds a StreamTransport ready for Connect.
func NewStreamTransport(cfg StreamTransportConfig) *StreamTransport {
	addr := cfg.Addr
	tlsFromScheme := false
	if u, err := url.Parse(cfg.Addr); err == nil && u.Scheme != "" && u.Host != "" {
		addr = u.Host
		tlsFromScheme = u.Scheme == "tcps" || u.Scheme == "ssl"
	}

	st := &StreamTransport{addr: addr, tlsCfg: cfg.TLSConfig}
	if tlsFromScheme {
		st.tlsActive = true
	}

	dial := func(ctx context.Context, connectTimeout time.Duration) (substrateConn, error) {
		d := net.Dialer{}
		if connectTimeout > 0 {
			d.Timeout = connectTimeout
		}
		var conn net.Conn
		var err error
		st.tlsMu.Lock()
		useTLS := st.tlsActive
		st.tlsMu.Unlock()
		if useTLS {
			tlsCfg := st.tlsCfg
			if tlsCfg == nil {
				tlsCfg = &tls.Config{}
			}
			conn, err = tls.DialWithDialer(&d, "tcp", st.addr, tlsCfg)
		} else {
			conn, err = d.DialContext(ctx, "tcp", st.addr)
		}
		if err != nil {
			return nil, err
		}
		return newStreamConn(conn), nil
	}

	st.baseTransport = newBaseTransport(dial, cfg.Tokenizer, cfg.Received, cfg.Online, cfg.Backoff, cfg.Log, cfg.Metrics)
	st.baseTransport.startTLS = func(ctx context.Context) (bool, error) {
		st.tlsMu.Lock()
		already := st.tlsActive
		st.tlsActive = true
		st.tlsMu.Unlock()
		return !already, nil
	}
	return st
}
