package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tpodvoice/internal/domain"
	"tpodvoice/internal/logging"
	"tpodvoice/internal/metrics"
	"tpodvoice/internal/ports"
)

var (
	ErrNotConnected     = errors.New("connection is not open")
	ErrAlreadyConnected = errors.New("connection is already open or opening")
	ErrClosed           = errors.New("connection closed by caller")
)

// Config controls connection supervision.
type Config struct {
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
}

// Manager supervises a single socket to the voice backend.
// It reconnects after unexpected drops until Close is called.
type Manager struct {
	transport ports.Transport
	cfg       Config
	log       logrus.FieldLogger
	metrics   *metrics.Metrics

	handlersMu sync.RWMutex
	handlers   ports.ConnectionHandlers

	mu             sync.Mutex
	state          domain.ConnectionState
	url            string
	conn           ports.Conn
	gen            uint64
	dialCancel     context.CancelFunc
	reconnectTimer *time.Timer

	writeMu sync.Mutex
}

func NewManager(transport ports.Transport, cfg Config, log logrus.FieldLogger, m *metrics.Metrics) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Manager{
		transport: transport,
		cfg:       cfg,
		log:       logging.Component(log, "connection"),
		metrics:   m,
		state:     domain.ConnectionDisconnected,
	}
}

// SetHandlers replaces the event callbacks.
func (m *Manager) SetHandlers(h ports.ConnectionHandlers) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = h
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SupportsBinary reports whether the open socket accepts binary frames.
func (m *Manager) SupportsBinary() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.conn.SupportsBinary()
}

// Connect opens the socket. It blocks until the socket is open or the attempt fails.
// A failed attempt schedules a reconnect.
func (m *Manager) Connect(ctx context.Context, url string) error {
	m.mu.Lock()
	if m.state != domain.ConnectionDisconnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.url = url
	m.stopReconnectLocked()
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	return m.dial(ctx, gen)
}

// Close tears the socket down and cancels any pending reconnect. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.gen++
	m.stopReconnectLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	conn := m.conn
	m.conn = nil
	previous := m.state
	m.state = domain.ConnectionDisconnected
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if previous != domain.ConnectionDisconnected {
		m.notifyState(domain.ConnectionDisconnected)
		m.fireClose()
	}
	return err
}

// Send marshals v as JSON and writes it as a text frame.
func (m *Manager) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode control event: %w", err)
	}
	return m.write(payload, false)
}

// SendText writes a plain text frame.
func (m *Manager) SendText(text string) error {
	return m.write([]byte(text), false)
}

// SendBinary writes one binary audio frame.
func (m *Manager) SendBinary(frame []byte) error {
	if err := m.write(frame, true); err != nil {
		m.metrics.FramesDropped.Inc()
		return err
	}
	m.metrics.FramesSent.Inc()
	m.metrics.FrameBytesSent.Add(float64(len(frame)))
	return nil
}

func (m *Manager) write(payload []byte, binary bool) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state != domain.ConnectionConnected || conn == nil {
		m.log.WithField("state", state).Warn("dropping outbound message: not connected")
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if binary {
		return conn.WriteBinary(payload)
	}
	return conn.WriteText(payload)
}

func (m *Manager) dial(parent context.Context, gen uint64) error {
	ctx, cancel := context.WithTimeout(parent, m.cfg.ConnectTimeout)
	defer cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return ErrClosed
	}
	m.state = domain.ConnectionConnecting
	m.dialCancel = cancel
	url := m.url
	m.mu.Unlock()
	m.notifyState(domain.ConnectionConnecting)

	m.log.WithField("url", url).Info("connecting")
	conn, err := m.transport.Dial(ctx, url)

	m.mu.Lock()
	m.dialCancel = nil
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		m.state = domain.ConnectionError
		m.mu.Unlock()

		m.metrics.ConnectionErrors.Inc()
		m.log.WithError(err).Warn("connect failed")
		m.notifyState(domain.ConnectionError)
		m.fireError(fmt.Errorf("connect to %s: %w", url, err))
		m.settleDisconnected(gen)
		return err
	}

	m.conn = conn
	m.state = domain.ConnectionConnected
	m.mu.Unlock()

	m.log.Info("connected")
	go m.readLoop(gen, conn)
	m.notifyState(domain.ConnectionConnected)
	m.fireOpen()
	return nil
}

// settleDisconnected completes an Error/drop transition and arms the reconnect.
func (m *Manager) settleDisconnected(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = domain.ConnectionDisconnected
	m.scheduleReconnectLocked(gen)
	m.mu.Unlock()

	m.notifyState(domain.ConnectionDisconnected)
	m.fireClose()
}

func (m *Manager) readLoop(gen uint64, conn ports.Conn) {
	for {
		msg, err := conn.ReadMessage()
		if errors.Is(err, ports.ErrMalformedFrame) {
			m.metrics.ProtocolErrors.Inc()
			m.log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		if err != nil {
			m.handleDrop(gen, conn, err)
			return
		}
		m.dispatch(msg)
	}
}

func (m *Manager) handleDrop(gen uint64, conn ports.Conn, err error) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	unexpected := !IsNormalClose(err)
	if unexpected {
		m.state = domain.ConnectionError
	}
	m.mu.Unlock()

	_ = conn.Close()
	if unexpected {
		m.metrics.ConnectionErrors.Inc()
		m.log.WithError(err).Warn("connection dropped")
		m.notifyState(domain.ConnectionError)
		m.fireError(fmt.Errorf("connection lost: %w", err))
	} else {
		m.log.Info("connection closed by peer")
	}
	m.settleDisconnected(gen)
}

func (m *Manager) scheduleReconnectLocked(gen uint64) {
	m.stopReconnectLocked()
	m.metrics.ReconnectAttempts.Inc()
	m.log.WithField("delay", m.cfg.ReconnectDelay).Info("scheduling reconnect")
	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		if gen != m.gen || m.state != domain.ConnectionDisconnected {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		m.gen++
		next := m.gen
		m.mu.Unlock()

		_ = m.dial(context.Background(), next)
	})
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) dispatch(msg ports.Message) {
	h := m.currentHandlers()
	if msg.Type == ports.BinaryMessage {
		if h.OnBinaryMessage != nil {
			h.OnBinaryMessage(msg.Data)
		}
		return
	}

	trimmed := bytes.TrimSpace(msg.Data)
	if len(trimmed) == 0 {
		return
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		if !json.Valid(trimmed) {
			m.metrics.ProtocolErrors.Inc()
			m.log.WithField("bytes", len(trimmed)).Warn("dropping malformed json message")
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(json.RawMessage(append([]byte(nil), trimmed...)))
		}
		return
	}
	if h.OnTextMessage != nil {
		h.OnTextMessage(string(trimmed))
	}
}

func (m *Manager) currentHandlers() ports.ConnectionHandlers {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	return m.handlers
}

func (m *Manager) notifyState(state domain.ConnectionState) {
	if h := m.currentHandlers(); h.OnStateChange != nil {
		h.OnStateChange(state)
	}
}

func (m *Manager) fireOpen() {
	if h := m.currentHandlers(); h.OnOpen != nil {
		h.OnOpen()
	}
}

func (m *Manager) fireError(err error) {
	if h := m.currentHandlers(); h.OnError != nil {
		h.OnError(err)
	}
}

func (m *Manager) fireClose() {
	if h := m.currentHandlers(); h.OnClose != nil {
		h.OnClose()
	}
}
