package rawws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tpodvoice/internal/ports"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "ws://localhost:8080/voice", want: "ws://localhost:8080/voice"},
		{in: "http://localhost:8080/voice", want: "ws://localhost:8080/voice"},
		{in: "https://voice.example.com/ws", want: "wss://voice.example.com/ws"},
		{in: "  wss://voice.example.com  ", want: "wss://voice.example.com"},
	}
	for _, tc := range cases {
		got, err := NormalizeURL(tc.in)
		if err != nil {
			t.Fatalf("NormalizeURL(%q) unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeURLRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "ftp://host/x", "ws://", ":// bad"} {
		if _, err := NormalizeURL(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestTransportEchoesTextAndBinary(t *testing.T) {
	t.Parallel()

	server := newEchoServer(t)
	defer server.Close()

	conn, err := NewTransport(Config{}).Dial(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if !conn.SupportsBinary() {
		t.Fatalf("expected binary support")
	}

	if err := conn.WriteText([]byte(`{"ping":true}`)); err != nil {
		t.Fatalf("write text failed: %v", err)
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != ports.TextMessage || string(msg.Data) != `{"ping":true}` {
		t.Fatalf("unexpected text echo: %+v", msg)
	}

	if err := conn.WriteBinary([]byte{1, 2, 3}); err != nil {
		t.Fatalf("write binary failed: %v", err)
	}
	msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != ports.BinaryMessage || len(msg.Data) != 3 || msg.Data[2] != 3 {
		t.Fatalf("unexpected binary echo: %+v", msg)
	}
}

func TestReadMessageMapsNormalCloseToClosedNormally(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		_, _, _ = c.ReadMessage()
	}))
	defer server.Close()

	conn, err := NewTransport(Config{}).Dial(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	_, err = conn.ReadMessage()
	if !errors.Is(err, ports.ErrClosedNormally) {
		t.Fatalf("expected ErrClosedNormally, got %v", err)
	}
}

func TestReadMessageKeepsAbnormalCloseAsError(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"),
			time.Now().Add(time.Second))
		_, _, _ = c.ReadMessage()
	}))
	defer server.Close()

	conn, err := NewTransport(Config{}).Dial(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	_, err = conn.ReadMessage()
	if err == nil || errors.Is(err, ports.ErrClosedNormally) {
		t.Fatalf("expected abnormal close error, got %v", err)
	}
}

func TestDialFailsForUnreachableServer(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewTransport(Config{}).Dial(ctx, url); err == nil {
		t.Fatalf("expected dial error")
	}
}

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			messageType, payload, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(messageType, payload); err != nil {
				return
			}
		}
	}))
}
