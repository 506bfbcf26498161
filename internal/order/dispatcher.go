package order

import (
	"sync"

	"atreyu-bridge/pkg/exchanges/atreyu"
)

// Dispatcher buffers execution reports between the subscribe channel's
// receive loop and the gateway. Enqueue never blocks; one worker hands
// reports to the handler in arrival order.
type Dispatcher struct {
	handle func(atreyu.ExecutionReport)

	mu     sync.Mutex
	queue  []atreyu.ExecutionReport
	signal chan struct{}

	runMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

func NewDispatcher(handle func(atreyu.ExecutionReport)) *Dispatcher {
	return &Dispatcher{
		handle: handle,
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends a report. Reports queued before Start are delivered once
// the worker runs.
func (d *Dispatcher) Enqueue(rep atreyu.ExecutionReport) {
	d.mu.Lock()
	d.queue = append(d.queue, rep)
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of reports waiting for the worker.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Start launches the worker. Calling it while running is a no-op.
func (d *Dispatcher) Start() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.stop != nil {
		return
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.stop, d.done)
}

// Stop delivers what is already queued, then ends the worker. Calling it
// while stopped is a no-op.
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.stop == nil {
		return
	}
	close(d.stop)
	<-d.done
	d.stop, d.done = nil, nil
}

func (d *Dispatcher) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-d.signal:
			d.drain()
		case <-stop:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, rep := range batch {
			d.handle(rep)
		}
	}
}
