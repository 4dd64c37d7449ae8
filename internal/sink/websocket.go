package sink

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// WebSocketSink streams chunks as binary messages to a streaming
// transcription endpoint. Text messages from the server, usually
// transcripts, are logged.
type WebSocketSink struct {
	conn *websocket.Conn
	log  zerolog.Logger

	mu     sync.Mutex
	closed bool

	done chan struct{}
}

// DialWebSocket connects to url with the given request headers.
func DialWebSocket(ctx context.Context, url string, header http.Header, log zerolog.Logger) (*WebSocketSink, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("sink: dial %s: %w", url, err)
	}

	s := &WebSocketSink{
		conn: conn,
		log:  log,
		done: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Send writes chunk as one binary message.
func (s *WebSocketSink) Send(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("sink: websocket write: %w", err)
	}
	return nil
}

// Close performs the closing handshake and waits for the read loop.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close(websocket.StatusNormalClosure, "capture stopped")
	<-s.done
	return err
}

func (s *WebSocketSink) readLoop() {
	defer close(s.done)
	for {
		typ, data, err := s.conn.Read(context.Background())
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != -1 {
				s.log.Warn().Err(err).Int("status", int(status)).Msg("Transcription endpoint closed the connection")
			}
			return
		}
		if typ == websocket.MessageText {
			s.log.Info().Str("message", string(data)).Msg("Transcription endpoint message")
		}
	}
}
