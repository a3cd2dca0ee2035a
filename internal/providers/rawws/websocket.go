package rawws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tpodvoice/internal/ports"
)

// Config controls websocket dialing.
type Config struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Transport implements ports.Transport over a plain websocket.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewTransport(cfg Config) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Transport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

func (t *Transport) Dial(ctx context.Context, rawURL string) (ports.Conn, error) {
	wsURL, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := t.dialer.DialContext(ctx, wsURL, t.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to voice websocket: %w", err)
	}
	return NewConn(conn, t.cfg.WriteTimeout), nil
}

// Conn adapts a gorilla websocket connection to ports.Conn.
type Conn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewConn(conn *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{conn: conn, writeTimeout: writeTimeout}
}

func (c *Conn) ReadMessage() (ports.Message, error) {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return ports.Message{}, classifyReadErr(err)
		}
		switch messageType {
		case websocket.TextMessage:
			return ports.Message{Type: ports.TextMessage, Data: payload}, nil
		case websocket.BinaryMessage:
			return ports.Message{Type: ports.BinaryMessage, Data: payload}, nil
		}
	}
}

func (c *Conn) WriteText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *Conn) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *Conn) SupportsBinary() bool { return true }

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(2 * time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("failed to write websocket message: %w", err)
	}
	return nil
}

func classifyReadErr(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return fmt.Errorf("%w: %v", ports.ErrClosedNormally, err)
	}
	return err
}

// NormalizeURL converts http(s) URLs to ws(s) and validates the result.
func NormalizeURL(raw string) (string, error) {
	base := strings.TrimSpace(raw)
	if base == "" {
		return "", errors.New("voice websocket url is not configured")
	}
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid voice websocket url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid voice websocket url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", errors.New("invalid voice websocket url: missing host")
	}
	return parsed.String(), nil
}
