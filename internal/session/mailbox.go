package session

import (
	"context"
	"errors"
	"sync"
)

var errMailboxClosed = errors.New("mailbox closed")

// mailbox is an unbounded FIFO of raw inbound messages. Push never blocks so
// the socket reader keeps draining while a slow command runs.
type mailbox struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool
	// signal holds at most one pending wakeup for the consumer.
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// push appends msg. It reports false once the mailbox is closed.
func (m *mailbox) push(msg []byte) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	m.wake()
	return true
}

// pop blocks until a message is queued, the mailbox is closed and drained,
// or ctx is done.
func (m *mailbox) pop(ctx context.Context) ([]byte, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, nil
		}
		if m.closed {
			m.mu.Unlock()
			return nil, errMailboxClosed
		}
		m.mu.Unlock()

		select {
		case <-m.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// close stops intake. With discard set, queued messages are dropped too.
func (m *mailbox) close(discard bool) {
	m.mu.Lock()
	m.closed = true
	if discard {
		m.queue = nil
	}
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *mailbox) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}
