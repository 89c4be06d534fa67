package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/callbrief/internal/backoff"
)

// MemoryOptions configures an in-process bus.
type MemoryOptions struct {
	Workers       int
	QueueSize     int
	MaxDeliveries int
	// RedeliveryDelay is multiplied by the delivery count before a failed
	// delivery is queued again.
	RedeliveryDelay time.Duration
	Now             func() time.Time
}

type subscription struct {
	name    string
	handler Handler
}

type delivery struct {
	env Envelope
	sub *subscription
}

// Memory is an in-process bus. Publish never blocks: each subscriber gets its
// own queued delivery, and a full queue is reported as ErrQueueFull. Failed
// deliveries are retried for the failing subscriber only.
type Memory struct {
	log  *zap.Logger
	opts MemoryOptions

	queue chan delivery

	mu   sync.RWMutex
	subs map[string][]*subscription

	// pending counts deliveries queued, dispatching or awaiting redelivery.
	pending atomic.Int64

	wg sync.WaitGroup
}

// NewMemory creates an in-process bus.
func NewMemory(log *zap.Logger, opts MemoryOptions) *Memory {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Memory{
		log:   log.Named("bus"),
		opts:  opts,
		queue: make(chan delivery, opts.QueueSize),
		subs:  make(map[string][]*subscription),
	}
}

func (m *Memory) Subscribe(name string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[name] = append(m.subs[name], &subscription{name: name, handler: h})
}

func (m *Memory) Publish(ctx context.Context, name string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := NewEnvelope(name, payload, m.opts.Now())
	if err != nil {
		return err
	}

	m.mu.RLock()
	subs := m.subs[name]
	m.mu.RUnlock()

	if len(subs) == 0 {
		m.log.Debug("no subscribers", zap.String("event", name), zap.String("id", env.ID))
		return nil
	}
	for _, sub := range subs {
		m.pending.Add(1)
		if !m.enqueue(delivery{env: env, sub: sub}) {
			m.pending.Add(-1)
			return ErrQueueFull
		}
	}
	return nil
}

func (m *Memory) enqueue(d delivery) bool {
	select {
	case m.queue <- d:
		return true
	default:
		return false
	}
}

// Drain blocks until every published delivery has been handled, including
// redeliveries and events published by handlers along the way. Run must be
// active for Drain to make progress.
func (m *Memory) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for m.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Run dispatches deliveries on the configured number of workers until ctx
// is done. It returns after every worker has stopped.
func (m *Memory) Run(ctx context.Context) error {
	for i := 0; i < m.opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.work(ctx)
		}()
	}
	<-ctx.Done()
	m.wg.Wait()
	return nil
}

func (m *Memory) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-m.queue:
			m.dispatch(ctx, d)
		}
	}
}

func (m *Memory) dispatch(ctx context.Context, d delivery) {
	if !m.handle(ctx, d) {
		m.pending.Add(-1)
	}
}

// handle runs one delivery and reports whether it was scheduled again.
func (m *Memory) handle(ctx context.Context, d delivery) bool {
	err := d.sub.handler(ctx, d.env)
	if err == nil {
		return false
	}

	fields := []zap.Field{
		zap.String("event", d.env.Name),
		zap.String("id", d.env.ID),
		zap.Int("delivery", d.env.Delivery),
		zap.Error(err),
	}
	if backoff.IsPermanent(err) {
		m.log.Warn("dropping delivery", fields...)
		return false
	}
	if d.env.Delivery >= m.opts.MaxDeliveries {
		m.log.Error("delivery attempts exhausted", fields...)
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	m.log.Warn("redelivering", fields...)
	next := d
	next.env.Delivery++
	time.AfterFunc(m.opts.RedeliveryDelay*time.Duration(d.env.Delivery), func() {
		if !m.enqueue(next) {
			m.pending.Add(-1)
			m.log.Error("redelivery dropped, queue full", fields...)
		}
	})
	return true
}
