package usecase

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"tpodvoice/internal/domain"
)

const DefaultLogLimit = 10

// transcriptLog holds the conversation transcript and a bounded activity log.
type transcriptLog struct {
	mu       sync.Mutex
	limit    int
	now      func() time.Time
	messages []domain.TranscriptMessage
	activity []domain.LogEntry
}

func newTranscriptLog(limit int, now func() time.Time) *transcriptLog {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if now == nil {
		now = time.Now
	}
	return &transcriptLog{limit: limit, now: now}
}

func (l *transcriptLog) AddMessage(role domain.Role, kind domain.MessageKind, content string) domain.TranscriptMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	message := domain.TranscriptMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Kind:      kind,
		Timestamp: l.now(),
	}
	l.messages = append(l.messages, message)
	return message
}

// AddActivity appends a log line, keeping only the most recent entries.
func (l *transcriptLog) AddActivity(message string) domain.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := domain.LogEntry{Timestamp: l.now(), Message: message}
	l.activity = append(l.activity, entry)
	if overflow := len(l.activity) - l.limit; overflow > 0 {
		l.activity = append([]domain.LogEntry(nil), l.activity[overflow:]...)
	}
	return entry
}

func (l *transcriptLog) ClearActivity() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activity = nil
}

func (l *transcriptLog) Messages() []domain.TranscriptMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.TranscriptMessage(nil), l.messages...)
}

func (l *transcriptLog) Activity() []domain.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.LogEntry(nil), l.activity...)
}
