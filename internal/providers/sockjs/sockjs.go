package sockjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tpodvoice/internal/ports"
	"tpodvoice/internal/providers/rawws"
)

var (
	ErrBinaryUnsupported = errors.New("sockjs transport does not carry binary frames")
	ErrHandshake         = errors.New("sockjs handshake failed")
)

// Config controls SockJS dialing.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Transport implements ports.Transport using the SockJS websocket transport.
// Messages travel as JSON string arrays inside SockJS frames.
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
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

func (t *Transport) Dial(ctx context.Context, rawURL string) (ports.Conn, error) {
	endpoint, err := SessionURL(rawURL, fmt.Sprintf("%03d", rand.Intn(1000)), strings.ReplaceAll(uuid.NewString(), "-", ""))
	if err != nil {
		return nil, err
	}

	conn, _, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sockjs endpoint: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	_, frame, err := conn.ReadMessage()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if string(frame) != "o" {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: unexpected open frame %q", ErrHandshake, string(frame))
	}

	return &Conn{conn: conn, writeTimeout: t.cfg.WriteTimeout}, nil
}

// SessionURL builds the SockJS websocket endpoint for one session.
func SessionURL(base string, serverID string, sessionID string) (string, error) {
	normalized, err := rawws.NormalizeURL(base)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(normalized, "/") + "/" + serverID + "/" + sessionID + "/websocket", nil
}

// Conn adapts a SockJS session to ports.Conn.
type Conn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pending      []string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *Conn) ReadMessage() (ports.Message, error) {
	for {
		if len(c.pending) > 0 {
			next := c.pending[0]
			c.pending = c.pending[1:]
			return ports.Message{Type: ports.TextMessage, Data: []byte(next)}, nil
		}

		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ports.Message{}, fmt.Errorf("%w: %v", ports.ErrClosedNormally, err)
			}
			return ports.Message{}, err
		}
		if len(frame) == 0 {
			continue
		}

		switch frame[0] {
		case 'o', 'h':
		case 'a':
			var messages []string
			if err := json.Unmarshal(frame[1:], &messages); err != nil {
				return ports.Message{}, fmt.Errorf("%w: invalid sockjs array frame: %v", ports.ErrMalformedFrame, err)
			}
			c.pending = append(c.pending, messages...)
		case 'm':
			var message string
			if err := json.Unmarshal(frame[1:], &message); err != nil {
				return ports.Message{}, fmt.Errorf("%w: invalid sockjs message frame: %v", ports.ErrMalformedFrame, err)
			}
			c.pending = append(c.pending, message)
		case 'c':
			return ports.Message{}, closeFrameErr(frame[1:])
		}
	}
}

func (c *Conn) WriteText(data []byte) error {
	payload, err := json.Marshal([]string{string(data)})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write sockjs message: %w", err)
	}
	return nil
}

func (c *Conn) WriteBinary(_ []byte) error {
	return ErrBinaryUnsupported
}

func (c *Conn) SupportsBinary() bool { return false }

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(2 * time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

func closeFrameErr(body []byte) error {
	var parts []any
	if err := json.Unmarshal(body, &parts); err != nil || len(parts) == 0 {
		return fmt.Errorf("%w: sockjs close", ports.ErrClosedNormally)
	}
	code, _ := parts[0].(float64)
	reason := ""
	if len(parts) > 1 {
		reason, _ = parts[1].(string)
	}
	switch int(code) {
	case 1000, 3000:
		return fmt.Errorf("%w: sockjs close %d %s", ports.ErrClosedNormally, int(code), reason)
	default:
		return fmt.Errorf("sockjs session closed: %d %s", int(code), reason)
	}
}
