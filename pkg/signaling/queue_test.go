package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"webrtc-signal-relay/pkg/webrtc/protocol"
)

func candidate(t testing.TB, n int) protocol.Message {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"candidate": fmt.Sprintf("candidate:%d", n), "sdpMid": "0", "sdpMLineIndex": 0})
	if err != nil {
		t.Fatalf("marshal candidate: %v", err)
	}
	return protocol.Message{ICE: raw}
}

func candidateIndex(t testing.TB, msg protocol.Message) int {
	t.Helper()
	init, err := msg.Candidate()
	if err != nil {
		t.Fatalf("candidate: %v", err)
	}
	var n int
	if _, err := fmt.Sscanf(init.Candidate, "candidate:%d", &n); err != nil {
		t.Fatalf("scan %q: %v", init.Candidate, err)
	}
	return n
}

func TestSignalQueue_DrainEmpty(t *testing.T) {
	q := NewSignalQueue()
	got := q.Drain()
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestSignalQueue_DrainReturnsInOrderOnce(t *testing.T) {
	q := NewSignalQueue()
	for i := 0; i < 5; i++ {
		q.Append(candidate(t, i))
	}
	if q.Len() != 5 {
		t.Fatalf("len = %d, want 5", q.Len())
	}

	got := q.Drain()
	if len(got) != 5 {
		t.Fatalf("drained %d messages, want 5", len(got))
	}
	for i, msg := range got {
		if n := candidateIndex(t, msg); n != i {
			t.Fatalf("message %d has index %d", i, n)
		}
	}
	if again := q.Drain(); len(again) != 0 {
		t.Fatalf("second drain returned %d messages", len(again))
	}
}

func TestSignalQueue_ReadyClosedByAppend(t *testing.T) {
	q := NewSignalQueue()
	ready := q.Ready()
	select {
	case <-ready:
		t.Fatalf("ready closed before append")
	default:
	}
	q.Append(candidate(t, 0))
	select {
	case <-ready:
	default:
		t.Fatalf("ready not closed after append")
	}
	select {
	case <-q.Ready():
		t.Fatalf("new ready channel should be open")
	default:
	}
}

func TestSignalQueue_ConcurrentAppendDrain(t *testing.T) {
	const producers = 8
	const perProducer = 200

	q := NewSignalQueue()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		received []protocol.Message
	)
	done := make(chan struct{})

	for d := 0; d < 4; d++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch := q.Drain()
				mu.Lock()
				received = append(received, batch...)
				mu.Unlock()
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}

	var pw sync.WaitGroup
	for p := 0; p < producers; p++ {
		pw.Add(1)
		go func(p int) {
			defer pw.Done()
			for i := 0; i < perProducer; i++ {
				q.Append(candidate(t, p*perProducer+i))
			}
		}(p)
	}
	pw.Wait()
	close(done)
	wg.Wait()
	received = append(received, q.Drain()...)

	if len(received) != producers*perProducer {
		t.Fatalf("received %d messages, want %d", len(received), producers*perProducer)
	}
	seen := make(map[int]bool, len(received))
	for _, msg := range received {
		n := candidateIndex(t, msg)
		if seen[n] {
			t.Fatalf("message %d delivered twice", n)
		}
		seen[n] = true
	}
}

func TestSignalQueue_ConcurrentProducersKeepOwnOrder(t *testing.T) {
	const producers = 4
	const perProducer = 300

	q := NewSignalQueue()
	done := make(chan struct{})
	var received []protocol.Message
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			received = append(received, q.Drain()...)
			select {
			case <-done:
				received = append(received, q.Drain()...)
				return
			default:
			}
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Append(candidate(t, p*perProducer+i))
			}
		}(p)
	}
	wg.Wait()
	close(done)
	<-drained

	if len(received) != producers*perProducer {
		t.Fatalf("received %d messages, want %d", len(received), producers*perProducer)
	}
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for _, msg := range received {
		n := candidateIndex(t, msg)
		p, i := n/perProducer, n%perProducer
		if i <= last[p] {
			t.Fatalf("producer %d: message %d after %d", p, i, last[p])
		}
		last[p] = i
	}
}
