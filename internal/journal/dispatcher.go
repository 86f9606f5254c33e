package journal

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Per-attempt deadline for a single sink write.
	WriteTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:    10_000,
		Workers:      4,
		MaxRetry:     3,
		BaseBackoff:  50 * time.Millisecond,
		MaxBackoff:   time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Dispatcher fans events out to sinks in the background: bounded queues,
// worker goroutines, bounded retries. Events of one room always land on the
// same worker so sinks observe them in order. When a queue is full the event
// is dropped rather than stalling the room that published it.
type Dispatcher struct {
	sinks  []Sink
	queues []chan Event
	opt    Options

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewDispatcher(opt Options, sinks ...Sink) *Dispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 5 * time.Second
	}

	d := &Dispatcher{
		sinks:  sinks,
		queues: make([]chan Event, opt.Workers),
		opt:    opt,
	}
	perWorker := max(opt.QueueSize/opt.Workers, 1)
	for i := range d.queues {
		d.queues[i] = make(chan Event, perWorker)
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

func (d *Dispatcher) Publish(evt Event) {
	if len(d.sinks) == 0 {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.queues[d.shard(evt.RoomID)] <- evt:
	default:
		if n := d.dropped.Add(1); n%100 == 1 {
			log.Printf("⚠️ Journal queue full, dropped %s for room %s (%d dropped so far)", evt.Kind, evt.RoomID, n)
		}
	}
}

func (d *Dispatcher) shard(roomID string) int {
	return int(xxhash.Sum64String(roomID) % uint64(len(d.queues)))
}

// Close stops accepting events and waits until queued ones are delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queues[workerID] {
		for _, sink := range d.sinks {
			d.writeWithRetry(workerID, sink, evt)
		}
	}
}

func (d *Dispatcher) writeWithRetry(workerID int, sink Sink, evt Event) {
	for attempt := 0; attempt <= d.opt.MaxRetry; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.opt.WriteTimeout)
		err := sink.Write(ctx, evt)
		cancel()
		if err == nil {
			return
		}

		if attempt == d.opt.MaxRetry {
			d.failed.Add(1)
			log.Printf("Journal sink %s failed, dropping %s room=%s rev=%d worker=%d: %v",
				sink.Name(), evt.Kind, evt.RoomID, evt.Revision, workerID, err)
			return
		}

		backoff := d.opt.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opt.MaxBackoff {
			backoff = d.opt.MaxBackoff
		}
		time.Sleep(backoff)
	}
}
