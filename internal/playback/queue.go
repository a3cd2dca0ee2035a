package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"tpodvoice/internal/logging"
	"tpodvoice/internal/metrics"
	"tpodvoice/internal/ports"
)

const DefaultCapacity = 64

// Config bounds the queue.
type Config struct {
	// Capacity is the maximum number of pending items. The oldest pending item is dropped on overflow.
	Capacity int
}

// Queue plays audio payloads strictly one at a time in arrival order.
type Queue struct {
	decoder ports.AudioDecoder
	output  ports.AudioOutput
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	capacity int

	mu         sync.Mutex
	pending    []string
	playing    bool
	itemCancel context.CancelFunc
	closed     bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewQueue(decoder ports.AudioDecoder, output ports.AudioOutput, cfg Config, log logrus.FieldLogger, m *metrics.Metrics) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if m == nil {
		m = metrics.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		decoder:  decoder,
		output:   output,
		log:      logging.Component(log, "playback"),
		metrics:  m,
		capacity: cfg.Capacity,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends a payload and wakes the worker if it is idle.
func (q *Queue) Enqueue(payload string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.pending) >= q.capacity {
		q.pending = q.pending[1:]
		q.metrics.PlaybackDropped.Inc()
		q.log.WithField("capacity", q.capacity).Warn("playback queue full, dropping oldest pending item")
	}
	q.pending = append(q.pending, payload)
	q.metrics.PlaybackDepth.Set(float64(len(q.pending)))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of items waiting to play.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Playing reports whether an item is being decoded or played.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Clear drops pending items and interrupts the current one.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.pending = nil
	if q.itemCancel != nil {
		q.itemCancel()
	}
	q.metrics.PlaybackDepth.Set(0)
	q.mu.Unlock()
}

// Close stops the worker and waits for it to exit. It is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	<-q.done
	q.metrics.PlaybackDepth.Set(0)
	return nil
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}

		for {
			payload, ctx, ok := q.next()
			if !ok {
				break
			}
			q.play(ctx, payload)
		}
	}
}

func (q *Queue) next() (string, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.itemCancel != nil {
		q.itemCancel()
		q.itemCancel = nil
	}
	if len(q.pending) == 0 || q.ctx.Err() != nil {
		q.playing = false
		return "", nil, false
	}

	payload := q.pending[0]
	q.pending = q.pending[1:]
	q.playing = true
	q.metrics.PlaybackDepth.Set(float64(len(q.pending)))

	ctx, cancel := context.WithCancel(q.ctx)
	q.itemCancel = cancel
	return payload, ctx, true
}

func (q *Queue) play(ctx context.Context, payload string) {
	samples, err := q.decoder.Decode(ctx, payload)
	if err != nil {
		q.fail("decode", err)
		return
	}
	if err := q.output.Play(ctx, samples); err != nil {
		if errors.Is(err, context.Canceled) {
			q.log.Debug("playback interrupted")
			return
		}
		q.fail("play", err)
		return
	}
	q.metrics.PlaybackPlayed.Inc()
}

func (q *Queue) fail(stage string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	q.metrics.PlaybackFailed.Inc()
	q.log.WithError(err).WithField("stage", stage).Warn("dropping audio item")
}
