package longpoll

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	// DefaultPostgresChannel is the LISTEN/NOTIFY channel used by PostgresRelay.
	DefaultPostgresChannel = "pairtalk_appends"

	listenerMinReconnect = 100 * time.Millisecond
	listenerMaxReconnect = 10 * time.Second
	listenerPingInterval = 90 * time.Second
)

// PostgresRelay shares append notifications between replicas with
// PostgreSQL LISTEN/NOTIFY.
type PostgresRelay struct {
	*fanout
	db      *sql.DB
	dsn     string
	channel string

	mu       sync.Mutex
	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPostgresRelay creates a relay that publishes through db and listens
// on a dedicated connection opened from dsn.
func NewPostgresRelay(db *sql.DB, dsn string, broker *Broker, channel string) *PostgresRelay {
	if channel == "" {
		channel = DefaultPostgresChannel
	}
	r := &PostgresRelay{db: db, dsn: dsn, channel: channel}
	r.fanout = newFanout(broker, r, 0)
	return r
}

// Publish sends one payload with pg_notify.
func (r *PostgresRelay) Publish(ctx context.Context, payload []byte) error {
	if _, err := r.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, r.channel, string(payload)); err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	return nil
}

// Start listens on the channel until Close is called. After a reconnect
// every local waiter is woken, since notifications sent while
// disconnected are lost.
func (r *PostgresRelay) Start(_ context.Context) error {
	listener := pq.NewListener(r.dsn, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				slog.Warn("postgres relay listener event", "event", int(ev), "error", err)
			}
		})
	if err := listener.Listen(r.channel); err != nil {
		_ = listener.Close()
		return fmt.Errorf("listening on %s: %w", r.channel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.listener = listener
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.listen(ctx, listener)
	return nil
}

func (r *PostgresRelay) listen(ctx context.Context, listener *pq.Listener) {
	defer close(r.done)

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				r.broker.WakeAll()
				continue
			}
			r.receive([]byte(n.Extra))
		case <-ticker.C:
			go func() { _ = listener.Ping() }()
		}
	}
}

// Close stops listening and flushes queued publishes.
func (r *PostgresRelay) Close() error {
	r.mu.Lock()
	listener, cancel, done := r.listener, r.cancel, r.done
	r.listener = nil
	r.mu.Unlock()

	var err error
	if listener != nil {
		cancel()
		<-done
		err = listener.Close()
	}
	r.fanout.stop()
	return err
}
