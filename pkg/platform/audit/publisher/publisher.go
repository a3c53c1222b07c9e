// Package publisher decouples audit emission from persistence. Sync mode
// appends inline; async mode buffers through a channel and drains on Close,
// so hot paths never block on the audit store.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"verity/pkg/domain"
	audit "verity/pkg/platform/audit"
	txcontext "verity/pkg/platform/tx"
)

// Publisher emits audit events to a store, optionally through an async
// buffer.
type Publisher struct {
	store  audit.Store
	logger *slog.Logger

	inbox   chan audit.Event
	done    chan struct{}
	closing sync.Once
}

// Option configures a Publisher.
type Option func(*options)

type options struct {
	asyncBuffer int
	logger      *slog.Logger
}

// WithAsyncBuffer enables async emission with the given channel capacity.
func WithAsyncBuffer(size int) Option {
	return func(o *options) { o.asyncBuffer = size }
}

// WithLogger sets the logger used for drop/persist warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	cfg := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	p := &Publisher{store: store, logger: cfg.logger}
	if cfg.asyncBuffer > 0 {
		p.inbox = make(chan audit.Event, cfg.asyncBuffer)
		p.done = make(chan struct{})
		go p.drain()
	}
	return p
}

// Emit records an event. In sync mode failures are returned; in async mode
// the event is buffered and persistence failures are logged by the drainer.
// When ctx carries a transaction the event is appended inline regardless of
// mode.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if p.inbox == nil {
		return p.store.Append(ctx, event)
	}
	// An event emitted inside a database transaction must commit or roll back
	// with it. The drainer runs on its own context, so buffering would detach
	// the fact from the mutation it records.
	if _, ok := txcontext.From(ctx); ok {
		return p.store.Append(ctx, event)
	}
	select {
	case p.inbox <- event:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// List exposes the underlying store's query path.
func (p *Publisher) List(ctx context.Context, entityID domain.EntityID) ([]audit.Event, error) {
	return p.store.ListByEntity(ctx, entityID)
}

// Close stops the drainer after flushing buffered events. Safe to call more
// than once; a nil receiver or sync-mode publisher is a no-op.
func (p *Publisher) Close() {
	if p == nil || p.inbox == nil {
		return
	}
	p.closing.Do(func() {
		close(p.inbox)
		<-p.done
	})
}

func (p *Publisher) drain() {
	defer close(p.done)
	for event := range p.inbox {
		if err := p.store.Append(context.Background(), event); err != nil {
			p.logger.Warn("failed to persist audit event",
				slog.String("action", event.Action),
				slog.String("error", err.Error()))
		}
	}
}
