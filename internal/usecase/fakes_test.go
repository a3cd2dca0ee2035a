package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tpodvoice/internal/connection"
	"tpodvoice/internal/domain"
	"tpodvoice/internal/ports"
	"tpodvoice/internal/protocol"
)

type fakeCaptureSource struct {
	mu       sync.Mutex
	sessions []*fakeCaptureSession
	err      error
	starts   int
}

func (s *fakeCaptureSource) Start(_ context.Context, _ ports.AudioConfig) (ports.CaptureSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.starts >= len(s.sessions) {
		return nil, errors.New("no fake capture session")
	}
	session := s.sessions[s.starts]
	s.starts++
	return session, nil
}

func (s *fakeCaptureSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeCaptureSource) add(session *fakeCaptureSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, session)
}

type fakeCaptureSession struct {
	blocks  chan []float32
	readErr error

	stopCh   chan struct{}
	stopOnce sync.Once
	stops    atomic.Int32
}

func newFakeCaptureSession() *fakeCaptureSession {
	return &fakeCaptureSession{
		blocks: make(chan []float32, 16),
		stopCh: make(chan struct{}),
	}
}

func (s *fakeCaptureSession) ReadBlock() ([]float32, error) {
	select {
	case block, ok := <-s.blocks:
		if ok {
			return block, nil
		}
		if s.readErr != nil {
			return nil, s.readErr
		}
		<-s.stopCh
		return nil, io.EOF
	case <-s.stopCh:
		return nil, io.EOF
	}
}

func (s *fakeCaptureSession) Stop() error {
	s.stops.Add(1)
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

func (s *fakeCaptureSession) stopCount() int {
	return int(s.stops.Load())
}

type sentItem struct {
	binary bool
	text   bool
	name   string
	body   json.RawMessage
	data   []byte
}

type fakeConnection struct {
	mu       sync.Mutex
	handlers ports.ConnectionHandlers
	state    domain.ConnectionState
	binary   bool
	dialErr  error
	sent     []sentItem
	closes   int
	onSend   func(name string)
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{state: domain.ConnectionDisconnected, binary: true}
}

func (c *fakeConnection) SetHandlers(h ports.ConnectionHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *fakeConnection) Connect(_ context.Context, _ string) error {
	c.mu.Lock()
	if c.state != domain.ConnectionDisconnected {
		c.mu.Unlock()
		return connection.ErrAlreadyConnected
	}
	c.state = domain.ConnectionConnecting
	dialErr := c.dialErr
	h := c.handlers
	c.mu.Unlock()

	h.OnStateChange(domain.ConnectionConnecting)
	if dialErr != nil {
		c.setState(domain.ConnectionError)
		h.OnStateChange(domain.ConnectionError)
		h.OnError(dialErr)
		c.setState(domain.ConnectionDisconnected)
		h.OnStateChange(domain.ConnectionDisconnected)
		h.OnClose()
		return dialErr
	}

	c.setState(domain.ConnectionConnected)
	h.OnStateChange(domain.ConnectionConnected)
	h.OnOpen()
	return nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	previous := c.state
	c.state = domain.ConnectionDisconnected
	c.closes++
	h := c.handlers
	c.mu.Unlock()

	if previous != domain.ConnectionDisconnected {
		h.OnStateChange(domain.ConnectionDisconnected)
		h.OnClose()
	}
	return nil
}

// drop simulates the socket failing underneath a connected manager.
func (c *fakeConnection) drop(err error) {
	h := c.currentHandlers()
	c.setState(domain.ConnectionError)
	h.OnStateChange(domain.ConnectionError)
	h.OnError(err)
	c.setState(domain.ConnectionDisconnected)
	h.OnStateChange(domain.ConnectionDisconnected)
	h.OnClose()
}

func (c *fakeConnection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConnection) SupportsBinary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binary
}

func (c *fakeConnection) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	name, body, err := protocol.ParseEvent(payload)
	if err != nil {
		return err
	}
	if err := c.record(sentItem{name: name, body: body}); err != nil {
		return err
	}

	c.mu.Lock()
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	return nil
}

func (c *fakeConnection) SendText(text string) error {
	return c.record(sentItem{text: true, data: []byte(text)})
}

func (c *fakeConnection) SendBinary(frame []byte) error {
	return c.record(sentItem{binary: true, data: append([]byte(nil), frame...)})
}

func (c *fakeConnection) record(item sentItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.ConnectionConnected {
		return connection.ErrNotConnected
	}
	c.sent = append(c.sent, item)
	return nil
}

func (c *fakeConnection) inject(raw string) {
	c.currentHandlers().OnMessage(json.RawMessage(raw))
}

func (c *fakeConnection) injectText(text string) {
	c.currentHandlers().OnTextMessage(text)
}

func (c *fakeConnection) setState(state domain.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *fakeConnection) currentHandlers() ports.ConnectionHandlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

func (c *fakeConnection) snapshot() []sentItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentItem(nil), c.sent...)
}

func (c *fakeConnection) countEvents(name string) int {
	n := 0
	for _, item := range c.snapshot() {
		if item.name == name {
			n++
		}
	}
	return n
}

type fakePlayback struct {
	mu       sync.Mutex
	payloads []string
	clears   int
}

func (p *fakePlayback) Enqueue(payload string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
}

func (p *fakePlayback) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
}

func (p *fakePlayback) enqueued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

type sessionErrorEvent struct {
	code   domain.ErrorCode
	detail string
}

type fakeEventSink struct {
	mu          sync.Mutex
	statuses    []domain.Status
	transcripts []domain.TranscriptMessage
	logs        []domain.LogEntry
	errors      []sessionErrorEvent
}

func (s *fakeEventSink) StatusChanged(status domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *fakeEventSink) TranscriptAppended(message domain.TranscriptMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, message)
}

func (s *fakeEventSink) ActivityLogged(entry domain.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
}

func (s *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, sessionErrorEvent{code: code, detail: detail})
}

func (s *fakeEventSink) snapshotErrors() []sessionErrorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sessionErrorEvent(nil), s.errors...)
}

func (s *fakeEventSink) snapshotLabels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	labels := make([]string, 0, len(s.statuses))
	for _, status := range s.statuses {
		if len(labels) == 0 || labels[len(labels)-1] != status.Label {
			labels = append(labels, status.Label)
		}
	}
	return labels
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}

func decodeJSON(t *testing.T, raw json.RawMessage, out any) {
	t.Helper()
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("failed to decode %s: %v", raw, err)
	}
}
