package longpoll

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const defaultRelayBuffer = 1024

// Publisher carries append notifications to other replicas.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// notification is the wire form of one append.
type notification struct {
	SessionID string `json:"s"`
	Seq       uint64 `json:"q"`
	Origin    string `json:"o"`
}

func encodeNotification(n notification) ([]byte, error) {
	return json.Marshal(n)
}

func decodeNotification(data []byte) (notification, error) {
	var n notification
	if err := json.Unmarshal(data, &n); err != nil {
		return n, fmt.Errorf("decoding notification: %w", err)
	}
	if n.SessionID == "" {
		return n, fmt.Errorf("notification missing session id")
	}
	return n, nil
}

// fanout notifies the local broker synchronously and publishes to other
// replicas from a background goroutine, so Notify never blocks the writer.
type fanout struct {
	broker *Broker
	origin string
	pub    Publisher
	queue  chan notification
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newFanout(broker *Broker, pub Publisher, buffer int) *fanout {
	if buffer <= 0 {
		buffer = defaultRelayBuffer
	}
	f := &fanout{
		broker: broker,
		origin: uuid.NewString(),
		pub:    pub,
		queue:  make(chan notification, buffer),
		done:   make(chan struct{}),
	}
	go f.publishLoop()
	return f
}

// Notify wakes local waiters and queues the notification for peers.
func (f *fanout) Notify(sessionID string, seq uint64) {
	f.broker.Notify(sessionID, seq)

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- notification{SessionID: sessionID, Seq: seq, Origin: f.origin}:
	default:
		slog.Warn("relay queue full, dropping notification", "session_id", sessionID, "seq", seq)
	}
}

func (f *fanout) publishLoop() {
	defer close(f.done)
	for n := range f.queue {
		payload, err := encodeNotification(n)
		if err != nil {
			continue
		}
		if err := f.pub.Publish(context.Background(), payload); err != nil {
			slog.Warn("relay publish failed", "session_id", n.SessionID, "seq", n.Seq, "error", err)
		}
	}
}

// receive applies a peer notification to the local broker.
func (f *fanout) receive(payload []byte) {
	n, err := decodeNotification(payload)
	if err != nil {
		slog.Warn("ignoring relay payload", "error", err)
		return
	}
	if n.Origin == f.origin {
		return
	}
	f.broker.Notify(n.SessionID, n.Seq)
}

// stop drains queued publishes. Later notifications are local only.
func (f *fanout) stop() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()

	<-f.done
}
