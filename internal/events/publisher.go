package events

import (
	"context"
	"log/slog"
	"sync"
)

// Publisher is the interface for publishing recording events.
// Implementations may be no-op, logging, in-memory (for testing), or the
// host application's log shipping client.
type Publisher interface {
	// Publish sends an event. Returns error only for transport
	// failures, not for invalid events.
	Publish(ctx context.Context, event Event) error

	// PublishAsync sends an event without waiting for confirmation.
	PublishAsync(event Event)

	// Close releases resources.
	Close() error
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that silently discards events.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (p *NoopPublisher) PublishAsync(event Event)                       {}
func (p *NoopPublisher) Close() error                                   { return nil }

// LoggingPublisher logs events at debug level. Useful for development.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher that logs events.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, event Event) error {
	p.log(event)
	return nil
}

func (p *LoggingPublisher) PublishAsync(event Event) {
	p.log(event)
}

func (p *LoggingPublisher) log(event Event) {
	p.logger.Debug("event published",
		"subject", event.Subject(),
		"type", event.Type(),
		"call_id", event.CallID(),
	)
}

func (p *LoggingPublisher) Close() error { return nil }

// ChannelPublisher publishes to an in-memory channel. Used for testing
// and for local event processing.
type ChannelPublisher struct {
	mu        sync.RWMutex
	ch        chan Event
	closed    bool
	dropCount int64
}

// NewChannelPublisher creates a publisher backed by a buffered channel.
// Events are dropped if the buffer is full.
func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelPublisher{
		ch: make(chan Event, bufferSize),
	}
}

func (p *ChannelPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	select {
	case p.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.drop(event)
		return nil
	}
}

func (p *ChannelPublisher) PublishAsync(event Event) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return
	}
	p.mu.RUnlock()

	select {
	case p.ch <- event:
	default:
		p.drop(event)
	}
}

func (p *ChannelPublisher) drop(event Event) {
	p.mu.Lock()
	p.dropCount++
	p.mu.Unlock()
	slog.Warn("event dropped: buffer full",
		"type", event.Type(),
		"call_id", event.CallID(),
	)
}

// Events returns the receive side of the channel.
func (p *ChannelPublisher) Events() <-chan Event {
	return p.ch
}

// DroppedCount returns how many events were dropped.
func (p *ChannelPublisher) DroppedCount() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropCount
}

func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// MultiPublisher fans events out to several publishers.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher creates a publisher that forwards to all given
// publishers.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (p *MultiPublisher) Publish(ctx context.Context, event Event) error {
	var firstErr error
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *MultiPublisher) PublishAsync(event Event) {
	for _, pub := range p.publishers {
		pub.PublishAsync(event)
	}
}

func (p *MultiPublisher) Close() error {
	var firstErr error
	for _, pub := range p.publishers {
		if err := pub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
