// Package publisher implements the router's fan-out stage: one bounded inbound queue per
// Publisher, a single draining goroutine that evaluates an optional filter.FilterSet and writes
// each admitted message to an ordered list of sinks, quarantining any sink that fails IO.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aldas/n2krouter"
	"github.com/aldas/n2krouter/filter"
)

// DefaultQueueCapacity is the inbound queue size used when Config.QueueCapacity is zero.
const DefaultQueueCapacity = 40

// quarantinePeriod is how long a failing sink is skipped before being retried.
const quarantinePeriod = 2 * time.Second

// DropPolicy decides what Push does when the inbound queue is full.
type DropPolicy uint8

const (
	// DropNewest discards the message that didn't fit (the default: the queue is left untouched).
	DropNewest DropPolicy = iota
	// DropOldest evicts the queue's oldest message to make room for the new one.
	DropOldest
	// BlockBriefly waits up to Config.BlockTimeout for room before giving up and dropping.
	BlockBriefly
)

var (
	// ErrAlreadyRunning is returned by Run if the publisher is already draining its queue.
	ErrAlreadyRunning = errors.New("publisher: already running")
)

// Sink is a fan-out destination: another coupler, a gRPC stream, a file — anything that can take
// a GenericMessage and report an IO failure.
type Sink interface {
	Name() string
	Write(ctx context.Context, msg nmea.GenericMessage) error
}

// EventRecorder receives a human-readable trace line when a sink is quarantined or permanently
// dropped; it is typically backed by the tracelog package. Nil is valid — events are just dropped.
type EventRecorder interface {
	RecordEvent(name string, message string)
}

// Config configures a Publisher.
type Config struct {
	Name          string
	QueueCapacity int
	DropPolicy    DropPolicy
	BlockTimeout  time.Duration
	FilterSet     *filter.FilterSet
	EventRecorder EventRecorder
}

type sinkHealth struct {
	sink             Sink
	failures         int
	quarantinedUntil time.Time
}

// Publisher drains one bounded queue into an ordered list of sinks. Sources call Push (typically
// couplers, from their own read-loop goroutine); exactly one goroutine should call Run.
type Publisher struct {
	config Config
	now    func() time.Time

	queue   chan nmea.GenericMessage
	dropped uint64

	mu      sync.Mutex
	sinks   []*sinkHealth
	running bool
}

// New creates a Publisher with an empty sink list.
func New(config Config) *Publisher {
	capacity := config.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = 50 * time.Millisecond
	}
	return &Publisher{
		config: config,
		now:    time.Now,
		queue:  make(chan nmea.GenericMessage, capacity),
	}
}

// AddSink appends a sink to the ordered fan-out list, copy-on-write so Run's concurrent read of
// the slice never observes a partial mutation.
func (p *Publisher) AddSink(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make([]*sinkHealth, len(p.sinks), len(p.sinks)+1)
	copy(next, p.sinks)
	p.sinks = append(next, &sinkHealth{sink: sink})
}

// RemoveSink drops a sink by name from the fan-out list.
func (p *Publisher) RemoveSink(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make([]*sinkHealth, 0, len(p.sinks))
	for _, sh := range p.sinks {
		if sh.sink.Name() != name {
			next = append(next, sh)
		}
	}
	p.sinks = next
}

// DroppedCount returns the number of messages dropped by the queue's drop policy so far.
func (p *Publisher) DroppedCount() uint64 {
	return atomic.LoadUint64(&p.dropped)
}

// Push is a non-blocking try-put: on a full queue, Config.DropPolicy decides whether to drop the
// new message, evict the oldest, or wait briefly before dropping.
func (p *Publisher) Push(msg nmea.GenericMessage) {
	switch p.config.DropPolicy {
	case DropOldest:
		for {
			select {
			case p.queue <- msg:
				return
			default:
				select {
				case <-p.queue:
					atomic.AddUint64(&p.dropped, 1)
				default:
				}
			}
		}
	case BlockBriefly:
		select {
		case p.queue <- msg:
		case <-time.After(p.config.BlockTimeout):
			atomic.AddUint64(&p.dropped, 1)
		}
	default: // DropNewest
		select {
		case p.queue <- msg:
		default:
			atomic.AddUint64(&p.dropped, 1)
		}
	}
}

// Run drains the queue until ctx is cancelled: at most one message in flight at a time, filtered
// then fanned out to every sink in order, per spec's single-publisher-thread invariant.
func (p *Publisher) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-p.queue:
			if p.config.FilterSet != nil && !p.config.FilterSet.Process(msg) {
				continue
			}
			p.fanOut(ctx, msg)
		}
	}
}

func (p *Publisher) fanOut(ctx context.Context, msg nmea.GenericMessage) {
	p.mu.Lock()
	sinks := p.sinks
	p.mu.Unlock()

	now := p.now()
	var toDrop []string
	for _, sh := range sinks {
		if sh.quarantinedUntil.After(now) {
			continue
		}
		if err := sh.sink.Write(ctx, msg); err != nil {
			sh.failures++
			if sh.failures >= 2 {
				toDrop = append(toDrop, sh.sink.Name())
				p.recordEvent(sh.sink.Name(), fmt.Sprintf("sink %q dropped permanently after repeated failures: %v", sh.sink.Name(), err))
				continue
			}
			sh.quarantinedUntil = now.Add(quarantinePeriod)
			p.recordEvent(sh.sink.Name(), fmt.Sprintf("sink %q quarantined for %s: %v", sh.sink.Name(), quarantinePeriod, err))
			continue
		}
		sh.failures = 0
	}

	for _, name := range toDrop {
		p.RemoveSink(name)
	}
}

func (p *Publisher) recordEvent(name, message string) {
	if p.config.EventRecorder != nil {
		p.config.EventRecorder.RecordEvent(name, message)
	}
}
