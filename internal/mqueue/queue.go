// Package mqueue implements the Message Queue: cursor-based
// pub/sub of applied patches. Each applied patch gets a strictly
// increasing cursor; a subscriber supplies a cursor and receives every
// message with a strictly greater one, in order. A bounded in-memory ring
// buffer is primary; an optional SQLite-backed Store (store.go) extends
// retention across restarts.
package mqueue

import (
	"sync"

	"github.com/jra3/rbxsync/internal/protocol"
)

// Message is one entry in the queue: either an applied patch or an
// out-of-band diagnostic notification.
type Message struct {
	Cursor       uint64
	Patch        *protocol.WirePatch
	Notification string
}

// Queue is the cursor-ordered ring buffer of published messages.
type Queue struct {
	mu   sync.Mutex
	cap  int
	next uint64
	ring []Message // oldest first, trimmed to cap

	store *Store // optional durable backing; nil means in-memory only

	subMu sync.Mutex
	subs  map[int]chan Message
	subId int
}

// New returns a Queue retaining at most capacity messages in memory.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{
		cap:  capacity,
		next: 1,
		subs: make(map[int]chan Message),
	}
}

// WithStore attaches a durable SQLite-backed Store, loading its existing
// history as the queue's starting state.
func (q *Queue) WithStore(s *Store) error {
	msgs, lastCursor, err := s.LoadAll()
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.store = s
	q.ring = msgs
	if lastCursor >= q.next {
		q.next = lastCursor + 1
	}
	q.trimLocked()
	q.mu.Unlock()
	return nil
}

// PublishPatch assigns the next cursor to p and broadcasts it.
func (q *Queue) PublishPatch(p protocol.WirePatch) Message {
	return q.publish(Message{Patch: &p})
}

// PublishNotification broadcasts an out-of-band diagnostic.
func (q *Queue) PublishNotification(text string) Message {
	return q.publish(Message{Notification: text})
}

func (q *Queue) publish(m Message) Message {
	q.mu.Lock()
	m.Cursor = q.next
	q.next++
	q.ring = append(q.ring, m)
	q.trimLocked()
	if q.store != nil {
		// Best effort: a durability failure doesn't block delivery to
		// live subscribers, who already have the message in memory.
		_ = q.store.Append(m)
	}
	q.mu.Unlock()

	q.subMu.Lock()
	for _, ch := range q.subs {
		select {
		case ch <- m:
		default:
			// Slow subscriber: drop rather than block the writer.
		}
	}
	q.subMu.Unlock()
	return m
}

// Since returns every message with cursor strictly greater than `cursor`,
// plus whether the queue's retained history actually reaches back that
// far (false means "snapshot required": the subscriber must rehydrate
// from the full tree instead).
func (q *Queue) Since(cursor uint64) (msgs []Message, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ring) == 0 {
		return nil, cursor == 0 || cursor+1 == q.next
	}
	oldest := q.ring[0].Cursor
	if cursor+1 < oldest && cursor != 0 {
		return nil, false
	}
	for _, m := range q.ring {
		if m.Cursor > cursor {
			msgs = append(msgs, m)
		}
	}
	return msgs, true
}

// Cursor returns the cursor of the most recently published message (0 if
// none yet).
func (q *Queue) Cursor() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next - 1
}

func (q *Queue) trimLocked() {
	if len(q.ring) > q.cap {
		q.ring = append([]Message(nil), q.ring[len(q.ring)-q.cap:]...)
	}
}

// Subscription is a live feed of messages published after it was opened.
type Subscription struct {
	ch chan Message
	q  *Queue
	id int
}

// Subscribe opens a live feed for messages published from now on. Callers
// that need history first should call Since, then Subscribe to avoid
// missing anything published in between (the cursor passed to Since
// should be re-checked against the subscription's first delivery).
func (q *Queue) Subscribe() *Subscription {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	q.subId++
	id := q.subId
	ch := make(chan Message, 64)
	q.subs[id] = ch
	return &Subscription{ch: ch, q: q, id: id}
}

// Messages returns the subscription's delivery channel.
func (s *Subscription) Messages() <-chan Message { return s.ch }

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.q.subMu.Lock()
	defer s.q.subMu.Unlock()
	delete(s.q.subs, s.id)
	close(s.ch)
}
