package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-orchestrator/internal/logging"
)

const (
	// TopicInboundResponses carries inbound response events to the ingestor.
	TopicInboundResponses = "responses.inbound"

	HeaderTrackingToken = "x-tracking-token"
	HeaderRetryCount    = "x-retry-count"
)

// OutreachTopic is the topic sends for channel are published on.
func OutreachTopic(channel string) string {
	return "outreach." + channel
}

// Message is the unit published on a topic.
type Message struct {
	Headers map[string]string
	Body    []byte
}

// Handler processes one message. A nil return acknowledges it.
type Handler func(ctx context.Context, msg Message) error

type Queue interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

var ErrNoSubscribers = errors.New("queue: no subscribers")

// permanentError marks a handler failure that must not be retried.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// InMemoryQueue delivers each message to every subscriber of its topic on its
// own goroutine, retrying failed handlers with backoff.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]Handler
	wg         sync.WaitGroup
	done       chan struct{}
	closed     bool
	maxRetries int
	backoff    time.Duration
	log        *zap.Logger
}

func NewInMemoryQueue(log *zap.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		done:       make(chan struct{}),
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		log:        logging.OrNop(log),
	}
}

// WithBackoff overrides the base retry delay.
func (q *InMemoryQueue) WithBackoff(d time.Duration) *InMemoryQueue {
	q.backoff = d
	return q
}

// job wraps a message with retry info
type job struct {
	topic      string
	msg        Message
	retryCount int
}

func (q *InMemoryQueue) Publish(_ context.Context, topic string, msg Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue: closed")
	}
	handlers := append([]Handler(nil), q.handlers[topic]...)
	q.wg.Add(len(handlers))
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("%w for topic %s", ErrNoSubscribers, topic)
	}

	for _, handler := range handlers {
		go q.processJob(handler, job{topic: topic, msg: msg})
	}
	return nil
}

func (q *InMemoryQueue) processJob(handler Handler, j job) {
	defer q.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-q.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		err := handler(ctx, j.msg)
		if err == nil {
			return
		}

		j.retryCount++
		if IsPermanent(err) || j.retryCount > q.maxRetries {
			q.log.Warn("job permanently failed",
				zap.String("topic", j.topic), zap.Int("attempts", j.retryCount), zap.Error(err))
			return
		}
		q.log.Info("job failed, retrying",
			zap.String("topic", j.topic), zap.Int("attempt", j.retryCount), zap.Error(err))

		select {
		case <-time.After(time.Duration(j.retryCount) * q.backoff):
		case <-q.done:
			return
		}
	}
}

func (q *InMemoryQueue) Subscribe(_ context.Context, topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close stops retries and waits for in-flight handlers.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
