// Package messaging publishes committed ledger events to downstream
// consumers. Publishing is best effort: the database is authoritative.
package messaging

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Publisher delivers one message.
type Publisher interface {
	Publish(ctx context.Context, key string, message any) error
}

// Fanout publishes to every publisher and only fails when all of them do.
type Fanout struct {
	publishers []Publisher
	logger     *zap.Logger
}

func NewFanout(logger *zap.Logger, publishers ...Publisher) *Fanout {
	return &Fanout{publishers: publishers, logger: logger}
}

func (f *Fanout) Publish(ctx context.Context, key string, message any) error {
	var lastErr error
	ok := 0
	for i, p := range f.publishers {
		if err := p.Publish(ctx, key, message); err != nil {
			f.logger.Error("failed to publish event", zap.Int("publisher_index", i), zap.Error(err))
			lastErr = err
			continue
		}
		ok++
	}
	if ok == 0 && lastErr != nil {
		return fmt.Errorf("all publishers failed, last error: %w", lastErr)
	}
	return nil
}

// LogPublisher writes events to the log. It stands in for a broker in
// development.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, key string, message any) error {
	fields := []zap.Field{zap.String("key", key), zap.Any("event", message)}
	if e, ok := message.(*LedgerEvent); ok {
		fields = append(fields, zap.String("type", string(e.Type)))
	}
	p.logger.Info("ledger event", fields...)
	return nil
}

// MemoryPublisher records events in order.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []*LedgerEvent
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(_ context.Context, _ string, message any) error {
	e, ok := message.(*LedgerEvent)
	if !ok {
		return fmt.Errorf("unsupported message %T", message)
	}
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (p *MemoryPublisher) Events() []*LedgerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*LedgerEvent(nil), p.events...)
}

// Types returns the recorded event types in order.
func (p *MemoryPublisher) Types() []MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MessageType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}
