// Package bus is the in-process event router: every publish is appended
// to a daily JSONL log before fan-out to subscribers, non-critical
// traffic is rate limited per topic, and critical events are delivered
// to every subscriber even when their buffers are full.
package bus

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/clock"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/log"
	"github.com/dancegit/Tmux-Orchestrator-sub003/internal/pubsub"
)

// Severity classifies an event. Critical events bypass rate limiting
// and block rather than drop on slow subscribers.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Topics published by the scheduler components.
const (
	TopicProjectStarted     = "project.started"
	TopicProjectResumed     = "project.resumed"
	TopicProjectCompleted   = "project.completed"
	TopicProjectFailed      = "project.failed"
	TopicProjectPaused      = "project.paused"
	TopicProjectSoftTimeout = "project.soft_timeout"
	TopicMessageSent        = "message.sent"
	TopicMessageFailed      = "message.failed"
	TopicTaskDisabled       = "task.disabled"
	TopicOrphanKilled       = "session.orphan_killed"
	TopicRecoveryCompleted  = "recovery.completed"
	TopicLockTakeover       = "lock.takeover"
	TopicDaemonStarted      = "daemon.started"
	TopicDaemonStopping     = "daemon.stopping"
	TopicDaemonFatal        = "daemon.fatal"
)

// Event is one append-only record in the event log.
type Event struct {
	TS       time.Time      `json:"ts"`
	Topic    string         `json:"topic"`
	Severity Severity       `json:"severity"`
	Payload  map[string]any `json:"payload"`
}

// criticalDeliveryTimeout bounds how long a critical publish waits on a
// wedged subscriber before giving up on it.
const criticalDeliveryTimeout = 5 * time.Second

// Bus routes events to subscribers and the JSONL log.
type Bus struct {
	mu     sync.Mutex
	dir    string
	clock  clock.Clock
	broker *pubsub.Broker[Event]

	limit     int
	counters  *cache.Cache
	throttled int64

	logFile *os.File
	logDay  string
}

// New creates a bus logging under dir with the given per-topic,
// per-minute cap on non-critical publishes.
func New(dir string, ratePerMin int, clk clock.Clock) (*Bus, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	return &Bus{
		dir:      dir,
		clock:    clk,
		broker:   pubsub.NewBroker[Event](),
		limit:    ratePerMin,
		counters: cache.New(time.Minute, 5*time.Minute),
	}, nil
}

// Publish appends the event to today's log and fans it out. The log
// append happens synchronously before any subscriber sees the event.
// Non-critical publishes over the per-topic rate limit are logged but
// not fanned out; critical ones always go through and block until every
// subscriber accepts (bounded by criticalDeliveryTimeout).
//
// The whole publish runs under one mutex, which is what gives
// subscribers per-topic FIFO ordering.
func (b *Bus) Publish(topic string, severity Severity, payload map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev := Event{
		TS:       b.clock.Now().UTC(),
		Topic:    topic,
		Severity: severity,
		Payload:  payload,
	}

	if err := b.appendLocked(ev); err != nil {
		return err
	}

	if severity != SeverityCritical && b.overLimitLocked(topic) {
		b.throttled++
		log.Debug(log.CatBus, "publish rate limited", "topic", topic)
		return nil
	}

	if severity == SeverityCritical {
		ctx, cancel := context.WithTimeout(context.Background(), criticalDeliveryTimeout)
		defer cancel()
		if err := b.broker.PublishSync(ctx, ev); err != nil {
			log.ErrorErr(log.CatBus, "critical event delivery timed out", err, "topic", topic)
		}
		return nil
	}

	b.broker.Publish(ev)
	return nil
}

// overLimitLocked bumps the per-topic counter and reports whether this
// publish exceeds the per-minute cap. The window starts at the first
// publish on the topic and resets when the cache entry expires.
func (b *Bus) overLimitLocked(topic string) bool {
	if err := b.counters.Add(topic, 1, cache.DefaultExpiration); err == nil {
		return b.limit < 1
	}
	n, err := b.counters.IncrementInt(topic, 1)
	if err != nil {
		// Entry expired between Add and Increment; start a new window.
		b.counters.Set(topic, 1, cache.DefaultExpiration)
		return b.limit < 1
	}
	return n > b.limit
}

// Subscribe returns a channel of events. The channel closes when ctx is
// cancelled or the bus shuts down. Slow subscribers lose non-critical
// events once their buffer fills.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	return b.broker.Subscribe(ctx)
}

// Dropped returns events dropped on full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.broker.Dropped()
}

// Throttled returns publishes suppressed by the rate limit.
func (b *Bus) Throttled() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.throttled
}

// Close flushes and shuts down the bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broker.Close()
	if b.logFile != nil {
		err := b.logFile.Close()
		b.logFile = nil
		return err
	}
	return nil
}
