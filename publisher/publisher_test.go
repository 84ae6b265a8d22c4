package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aldas/n2krouter"
	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []nmea.GenericMessage
	err  error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(_ context.Context, msg nmea.GenericMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, msg)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) RecordEvent(name string, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name+": "+message)
}

func TestPublisher_Push_dropNewestOnFullQueue(t *testing.T) {
	p := New(Config{Name: "test", QueueCapacity: 1, DropPolicy: DropNewest})

	p.Push(nmea.GenericMessage{})
	p.Push(nmea.GenericMessage{}) // queue full, dropped

	assert.Equal(t, uint64(1), p.DroppedCount())
}

func TestPublisher_Push_dropOldestEvictsForNewest(t *testing.T) {
	first := nmea.GenericMessage{Raw: []byte("first")}
	second := nmea.GenericMessage{Raw: []byte("second")}
	p := New(Config{Name: "test", QueueCapacity: 1, DropPolicy: DropOldest})

	p.Push(first)
	p.Push(second)

	assert.Equal(t, uint64(1), p.DroppedCount())
	queued := <-p.queue
	assert.Equal(t, second.Raw, queued.Raw)
}

func TestPublisher_Run_fansOutInOrder(t *testing.T) {
	sinkA := &recordingSink{name: "a"}
	sinkB := &recordingSink{name: "b"}
	p := New(Config{Name: "test"})
	p.AddSink(sinkA)
	p.AddSink(sinkB)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		err := p.Run(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	}()

	p.Push(nmea.GenericMessage{Raw: []byte("hello")})

	assert.Eventually(t, func() bool { return sinkA.len() == 1 && sinkB.len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
}

func TestPublisher_Run_secondConsecutiveFailureDropsSinkPermanently(t *testing.T) {
	failing := &recordingSink{name: "bad", err: errors.New("io error")}
	events := &recordingEvents{}
	p := New(Config{Name: "test", EventRecorder: events})
	p.AddSink(failing)
	p.mu.Lock()
	p.sinks[0].quarantinedUntil = time.Time{} // ensure not quarantined initially
	p.mu.Unlock()

	p.fanOut(context.Background(), nmea.GenericMessage{})
	p.mu.Lock()
	assert.Len(t, p.sinks, 1, "first failure quarantines, doesn't remove")
	p.sinks[0].quarantinedUntil = time.Time{} // simulate quarantine having elapsed
	p.mu.Unlock()

	p.fanOut(context.Background(), nmea.GenericMessage{})

	p.mu.Lock()
	assert.Len(t, p.sinks, 0, "second consecutive failure after quarantine drops the sink")
	p.mu.Unlock()
	assert.Len(t, events.events, 2)
}

func TestPublisher_Run_alreadyRunning(t *testing.T) {
	p := New(Config{Name: "test"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.running
	}, time.Second, 5*time.Millisecond)

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}
