// Package events is the in-process pub/sub hub that carries browser debugger
// events from the capability callbacks to the sessions that own the tabs.
//
// Topics are plain strings. Each subscription has its own ordered, unbounded
// mailbox so a slow subscriber never loses events or holds up another's.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Emit after Complete.
var ErrClosed = errors.New("events: subject closed")

const (
	defaultBufferSize = 512
	emitTimeout       = 5 * time.Second
	handlerTimeout    = 10 * time.Second
)

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize int
	logger     *zap.Logger
}

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.bufferSize = size
	}
}

// WithLogger sets the logger for handler errors.
func WithLogger(logger *zap.Logger) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.logger = logger
	}
}

type event struct {
	topic   string
	message any
}

// Subscription represents a handler subscribed to a specific topic.
type Subscription struct {
	Topic       string
	ID          string
	Unsubscribe func()
}

// mailbox queues a subscription's events until its delivery goroutine takes
// them. The queue grows as needed; wake holds at most one pending signal.
type mailbox struct {
	id      string
	topic   string
	handler HandlerFunc
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	pending []any
}

func (m *mailbox) stop() {
	m.once.Do(func() { close(m.done) })
}

func (m *mailbox) push(msg any) {
	m.mu.Lock()
	m.pending = append(m.pending, msg)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		m.pending = nil
		return nil, false
	}
	msg := m.pending[0]
	m.pending[0] = nil
	m.pending = m.pending[1:]
	return msg, true
}

type subscriberMap map[string]map[string]*mailbox

// Subject fans events out to topic subscribers.
type Subject struct {
	subscribers atomic.Pointer[subscriberMap]
	nextSubID   atomic.Int64
	eventCount  atomic.Int64

	events   chan event
	shutdown chan struct{}
	config   subjectConfig

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewSubject creates a new Subject with optional configuration.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{
		bufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	s := &Subject{
		events:   make(chan event, cfg.bufferSize),
		shutdown: make(chan struct{}),
		config:   cfg,
	}
	empty := make(subscriberMap)
	s.subscribers.Store(&empty)

	s.wg.Add(1)
	go s.eventLoop()
	return s
}

// Emit emits an event to the given topic.
func Emit[T any](s *Subject, topic string, value T) error {
	if s.closed.Load() {
		return ErrClosed
	}
	timer := time.NewTimer(emitTimeout)
	defer timer.Stop()

	select {
	case s.events <- event{topic: topic, message: value}:
		return nil
	case <-s.shutdown:
		return ErrClosed
	case <-timer.C:
		return fmt.Errorf("failed to emit event on %s: hub is full", topic)
	}
}

// Subscribe subscribes a typed handler to the given topic. Events are
// delivered to the handler one at a time in emission order.
func Subscribe[T any](s *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		if typed, ok := data.(T); ok {
			return handler(ctx, typed)
		}
		return fmt.Errorf("type assertion failed for %T, expected %T", data, *new(T))
	})

	m := &mailbox{
		id:      fmt.Sprintf("%s-%d", topic, s.nextSubID.Add(1)),
		topic:   topic,
		handler: wrapped,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.addSubscription(m)
	s.wg.Add(1)
	go s.deliver(m)

	return Subscription{
		Topic: topic,
		ID:    m.id,
		Unsubscribe: func() {
			s.removeSubscription(m)
			m.stop()
		},
	}
}

// Count reports how many events have been dispatched.
func (s *Subject) Count() int64 {
	return s.eventCount.Load()
}

// Subscribers reports the number of live subscriptions on topic.
func (s *Subject) Subscribers(topic string) int {
	return len((*s.subscribers.Load())[topic])
}

// Complete shuts down the event system, stopping all goroutines.
// This function is idempotent and safe to call multiple times.
func Complete(s *Subject) {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.shutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(emitTimeout):
		s.config.logger.Warn("event handlers did not stop in time")
	}
}

func (s *Subject) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.events:
			s.eventCount.Add(1)
			for _, m := range (*s.subscribers.Load())[evt.topic] {
				m.push(evt.message)
			}
		}
	}
}

func (s *Subject) deliver(m *mailbox) {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			select {
			case <-s.shutdown:
				return
			case <-m.done:
				return
			default:
			}
			msg, ok := m.pop()
			if !ok {
				break
			}
			s.handle(m, msg)
		}
	}
}

func (s *Subject) handle(m *mailbox, msg any) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := m.handler(ctx, msg); err != nil {
		s.config.logger.Debug("event handler error",
			zap.String("topic", m.topic),
			zap.String("subscription_id", m.id),
			zap.Error(err))
	}
}

// addSubscription adds a subscription using copy-on-write
func (s *Subject) addSubscription(m *mailbox) {
	for {
		old := s.subscribers.Load()
		next := copySubscribers(*old)
		if _, ok := next[m.topic]; !ok {
			next[m.topic] = make(map[string]*mailbox)
		}
		next[m.topic][m.id] = m
		if s.subscribers.CompareAndSwap(old, &next) {
			return
		}
	}
}

// removeSubscription removes a subscription using copy-on-write
func (s *Subject) removeSubscription(m *mailbox) {
	for {
		old := s.subscribers.Load()
		if _, ok := (*old)[m.topic][m.id]; !ok {
			return
		}
		next := copySubscribers(*old)
		delete(next[m.topic], m.id)
		if len(next[m.topic]) == 0 {
			delete(next, m.topic)
		}
		if s.subscribers.CompareAndSwap(old, &next) {
			return
		}
	}
}

func copySubscribers(original subscriberMap) subscriberMap {
	cp := make(subscriberMap, len(original))
	for topic, subs := range original {
		cp[topic] = make(map[string]*mailbox, len(subs))
		for id, m := range subs {
			cp[topic][id] = m
		}
	}
	return cp
}
