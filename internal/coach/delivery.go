package coach

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// pollInterval keeps delivery at 5 Hz.
const pollInterval = 200 * time.Millisecond

// Broadcaster fans delivered messages out to subscribers. Subscribers
// that cannot keep up miss messages rather than stalling the others.
type Broadcaster struct {
	queue *Queue

	subscriberMu sync.Mutex
	subscribers  map[string]chan *Message
}

func NewBroadcaster(queue *Queue) *Broadcaster {
	return &Broadcaster{
		queue:       queue,
		subscribers: make(map[string]chan *Message),
	}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a buffered channel receiving delivered messages and
// returns its id for Unsubscribe.
func (b *Broadcaster) Subscribe() (string, chan *Message) {
	id := randomID()
	ch := make(chan *Message, 16)
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Run polls the queue until the context is cancelled, broadcasting each
// deliverable message. One slow subscriber does not block the rest.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	logf("delivery loop started")
	for {
		select {
		case <-ctx.Done():
			logf("delivery loop stopped: %v", ctx.Err())
			return
		case now := <-ticker.C:
			for {
				msg := b.queue.Dequeue(now)
				if msg == nil {
					break
				}
				b.broadcast(msg)
			}
		}
	}
}

func (b *Broadcaster) broadcast(msg *Message) {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}
