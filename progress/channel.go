package progress

import (
	"sync"

	"github.com/dhcgn/archive-to-mailbox/stats"
)

// Channel fans published events out to subscribers. Each subscriber has its
// own buffer; events for a subscriber whose buffer is full are dropped.
type Channel struct {
	mu      sync.Mutex
	subs    map[int]chan stats.Event
	nextID  int
	dropped int
	closed  bool
}

func NewChannel() *Channel {
	return &Channel{subs: make(map[int]chan stats.Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes its channel.
func (c *Channel) Subscribe(buffer int) (<-chan stats.Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan stats.Event, buffer)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	id := c.nextID
	c.nextID++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Publish implements stats.Sink. It never blocks.
func (c *Channel) Publish(evt stats.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- evt:
		default:
			c.dropped++
		}
	}
}

// Dropped returns how many deliveries were dropped for slow subscribers.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}
