package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// NewStreamDialer returns a DialFunc that opens a websocket connection to
// url. The ctx passed to the returned func bounds the handshake.
func NewStreamDialer(url string, tlsCfg *tls.Config, logger *slog.Logger) DialFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, onMessage func([]byte), onClose func(error)) (Stream, error) {
		dialer := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second, // backstop; ctx deadline governs
			TLSClientConfig:  tlsCfg,
		}
		conn, resp, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("websocket dial: %w (status %s)", err, resp.Status)
			}
			return nil, fmt.Errorf("websocket dial: %w", err)
		}

		sc := &streamConn{
			conn:      conn,
			logger:    logger,
			onMessage: onMessage,
			onClose:   onClose,
		}
		go sc.readLoop()
		return sc, nil
	}
}

// streamConn wraps a websocket connection. Writes are serialized because
// gorilla/websocket permits only one concurrent writer.
type streamConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	logger    *slog.Logger
	onMessage func([]byte)
	onClose   func(error)
	closeOnce sync.Once
}

func (s *streamConn) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.conn.Close()
			s.closeOnce.Do(func() { s.onClose(err) })
			return
		}
		s.onMessage(data)
	}
}

// Send writes one text frame.
func (s *streamConn) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down. The onClose callback is suppressed so the
// controller does not treat a deliberate shutdown as a dropped connection.
func (s *streamConn) Close() error {
	s.closeOnce.Do(func() {})

	s.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline) //nolint:errcheck
	s.writeMu.Unlock()

	return s.conn.Close()
}
