package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// defaultDepth is the per-subscriber buffer.
const defaultDepth = 256

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event; the publisher never waits.
type Bus struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	logger  *slog.Logger
	depth   int
	dropped atomic.Int64
}

// NewBus constructs a Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		logger: logger,
		depth:  defaultDepth,
	}
}

// Subscribe registers a subscriber and returns its channel and a cancel func.
// Cancel closes the channel and is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.logger.Debug("eventbus subscribe", "subs", count)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
			b.logger.Debug("eventbus unsubscribe")
		})
	}
}

// Publish implements Sink. Sends happen under the read lock so a
// concurrent cancel cannot close a channel mid-send.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	dropped := 0
	for sub := range b.subs {
		select {
		case sub <- e:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.dropped.Add(int64(dropped))
		b.logger.Debug("eventbus dropped", "kind", e.Kind, "count", dropped)
	}
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// LogSink writes every event to a logger at debug level, and failures at warn.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(e Event) {
	switch p := e.Payload.(type) {
	case UsageUpdate:
		if p.Error != "" {
			s.logger.Warn("Usage fetch failed", "provider", p.Provider, "account", p.AccountID, "error", p.Error)
			return
		}
		if p.Data != nil {
			s.logger.Debug("Usage updated", "provider", p.Provider, "account", p.AccountID, "limits", len(p.Data.Limits))
		}
	case SchedulerStatus:
		s.logger.Info("Scheduler status", "running", p.Running, "interval", p.IntervalSecs)
	case SessionStatus:
		s.logger.Info("Session status", "account", p.AccountID, "valid", p.Valid, "errors", p.ErrorCount, "paused", p.Paused)
	case UsageReset:
		s.logger.Info("Usage reset detected", "account", p.AccountID, "limit", p.LimitID)
	default:
		s.logger.Debug("Event", "kind", e.Kind)
	}
}
