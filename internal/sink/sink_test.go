package sink

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)
	ctx := context.Background()

	if err := s.Send(ctx, []byte{1, 2}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(ctx, []byte{3, 4}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected output %v", buf.Bytes())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Send(ctx, []byte{5, 6}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "capture.pcm")
	s, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	if err := s.Send(context.Background(), []byte{0xff, 0x7f}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(data, []byte{0xff, 0x7f}) {
		t.Fatalf("unexpected file contents %v", data)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriterSinkWriteError(t *testing.T) {
	s := NewWriterSink(failingWriter{})
	if err := s.Send(context.Background(), []byte{1, 2}); err == nil {
		t.Fatal("expected write error")
	}
}

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketSink(t *testing.T) {
	received := make(chan []byte, 4)
	headers := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"transcript":"hello"}`))
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				received <- data
			}
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Token test")
	s, err := DialWebSocket(ctx, wsURL(srv), header, zerolog.Nop())
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}

	if got := <-headers; got != "Token test" {
		t.Fatalf("expected auth header, got %q", got)
	}

	chunk := []byte{0x10, 0x00, 0xf0, 0xff}
	if err := s.Send(ctx, chunk); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-received:
		if !bytes.Equal(got, chunk) {
			t.Fatalf("expected %v, got %v", chunk, got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for chunk")
	}

	_ = s.Close()
	if err := s.Send(ctx, chunk); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDialWebSocketFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := DialWebSocket(ctx, wsURL(srv), nil, zerolog.Nop()); err == nil {
		t.Fatal("expected dial error")
	}
}
