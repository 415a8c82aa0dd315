package graph

import "sync"

// outbox delivers events to a consumer channel without ever blocking the
// producer. Events queue in memory until the consumer reads them or the
// outbox is discarded.
type outbox struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}
	ch     chan Event

	stop     chan struct{}
	stopOnce sync.Once
}

func newOutbox() *outbox {
	o := &outbox{
		signal: make(chan struct{}, 1),
		ch:     make(chan Event),
		stop:   make(chan struct{}),
	}
	go o.pump()
	return o
}

func (o *outbox) push(ev Event) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, ev)
	o.mu.Unlock()
	o.notify()
}

// close stops accepting events. The channel closes once queued events are
// delivered.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.notify()
}

// discard stops accepting events, drops the undelivered ones and closes the
// channel without waiting for a reader.
func (o *outbox) discard() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.mu.Unlock()
	o.stopOnce.Do(func() { close(o.stop) })
}

func (o *outbox) notify() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) pump() {
	defer close(o.ch)
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			closed := o.closed
			o.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-o.signal:
			case <-o.stop:
			}
			continue
		}
		ev := o.queue[0]
		o.queue[0] = Event{}
		o.queue = o.queue[1:]
		o.mu.Unlock()

		select {
		case o.ch <- ev:
		case <-o.stop:
			return
		}
	}
}
