package signaling

import (
	"sync"

	"webrtc-signal-relay/pkg/webrtc/protocol"
)

// SignalQueue is an ordered mailbox of messages for one role of one session.
//
// Append never blocks. Drain returns everything queued so far and empties the
// queue in one step, so concurrent drains never see the same message.
type SignalQueue struct {
	mu    sync.Mutex
	msgs  []protocol.Message
	ready chan struct{}
}

func NewSignalQueue() *SignalQueue {
	return &SignalQueue{ready: make(chan struct{})}
}

// Append adds msg to the tail and wakes anyone waiting on Ready.
func (q *SignalQueue) Append(msg protocol.Message) {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	close(q.ready)
	q.ready = make(chan struct{})
	q.mu.Unlock()
}

// Drain returns the queued messages in insertion order and resets the queue.
// The result is never nil.
func (q *SignalQueue) Drain() []protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return []protocol.Message{}
	}
	out := q.msgs
	q.msgs = nil
	return out
}

func (q *SignalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Ready returns a channel closed by the next Append. Take it before draining
// so an append racing with the drain is not missed.
func (q *SignalQueue) Ready() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}
