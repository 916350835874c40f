package facilitator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/txn2/pairtalk/pkg/message"
	"github.com/txn2/pairtalk/pkg/session"
	"github.com/txn2/pairtalk/pkg/turn"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	defaultHistory   = 50
	defaultAttempts  = 3
	defaultBackoff   = 500 * time.Millisecond
	defaultTimeout   = 30 * time.Second

	// DefaultFallback is posted when the responder keeps failing.
	DefaultFallback = "Let's pause here for a moment. When you're ready, share what's on your mind."
)

// Engine is the turn engine as seen by the runner.
type Engine interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Submit(ctx context.Context, sub turn.Submission) (*turn.Result, error)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Engine    Engine
	Messages  message.Store
	Responder Responder

	// Workers bounds concurrent replies.
	Workers int

	// QueueSize bounds pending AI turns. Enqueue drops when full.
	QueueSize int

	// History is how many recent messages a responder sees.
	History int

	// Attempts and Backoff govern responder and store retries.
	Attempts int
	Backoff  time.Duration

	// Timeout bounds one responder call.
	Timeout time.Duration

	// Fallback is posted after the responder exhausts its attempts.
	Fallback string
}

type job struct {
	sessionID string
	seq       uint64
}

// Runner turns AI-turn announcements into AI messages.
type Runner struct {
	cfg RunnerConfig

	mu       sync.Mutex
	queue    chan job
	inflight map[string]uint64
	started  bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	posted  atomic.Uint64
	dropped atomic.Uint64
}

// NewRunner creates a runner. Call Start to begin processing.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Engine == nil || cfg.Messages == nil || cfg.Responder == nil {
		return nil, errors.New("engine, message store and responder are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.History <= 0 {
		cfg.History = defaultHistory
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Fallback == "" {
		cfg.Fallback = DefaultFallback
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:      cfg,
		queue:    make(chan job, cfg.QueueSize),
		inflight: make(map[string]uint64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the dispatcher. Jobs run on a bounded goroutine pool.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true

	p := pool.New().WithMaxGoroutines(r.cfg.Workers)
	go func() {
		defer close(r.done)
		for j := range r.queue {
			if r.ctx.Err() != nil {
				r.finish(j)
				continue
			}
			p.Go(func() { r.handle(r.ctx, j) })
		}
		p.Wait()
	}()
}

// Enqueue schedules an AI turn. It never blocks and matches
// turn.AITurnHook. Announcements for a turn already pending are ignored.
func (r *Runner) Enqueue(sessionID string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if pending, ok := r.inflight[sessionID]; ok && pending >= seq {
		return
	}

	select {
	case r.queue <- job{sessionID: sessionID, seq: seq}:
		r.inflight[sessionID] = seq
	default:
		r.dropped.Add(1)
		slog.Warn("facilitator queue full, dropping ai turn", "session_id", sessionID, "seq", seq)
	}
}

// Posted returns the number of AI messages submitted.
func (r *Runner) Posted() uint64 {
	return r.posted.Load()
}

// Dropped returns the number of announcements dropped on a full queue.
func (r *Runner) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops accepting work, cancels in-flight replies and waits for the
// workers. Pending turns are re-announced when their session next loads.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	started := r.started
	r.mu.Unlock()

	r.cancel()
	if started {
		<-r.done
	}
	return nil
}

func (r *Runner) finish(j job) {
	r.mu.Lock()
	if r.inflight[j.sessionID] == j.seq {
		delete(r.inflight, j.sessionID)
	}
	r.mu.Unlock()
}

func (r *Runner) handle(ctx context.Context, j job) {
	defer r.finish(j)

	sess, err := r.cfg.Engine.Get(ctx, j.sessionID)
	if err != nil {
		slog.Warn("facilitator could not load session", "session_id", j.sessionID, "error", err)
		return
	}
	if sess.State != session.StateAIReflect || sess.LastSeq != j.seq {
		slog.Debug("ai turn no longer pending", "session_id", j.sessionID, "seq", j.seq, "state", string(sess.State))
		return
	}

	history, err := r.cfg.Messages.Recent(ctx, j.sessionID, r.cfg.History)
	if err != nil {
		slog.Warn("facilitator could not read history", "session_id", j.sessionID, "error", err)
	}

	content := r.reply(ctx, Snapshot{
		SessionID: j.sessionID,
		Mode:      sess.Mode,
		Seq:       j.seq,
		Messages:  history,
	})
	if ctx.Err() != nil {
		return
	}
	r.submit(ctx, j, content)
}

// reply asks the responder, retrying with linear backoff, and falls back
// to the configured reply.
func (r *Runner) reply(ctx context.Context, snap Snapshot) string {
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		rep, err := r.cfg.Responder.Reply(actx, snap)
		cancel()
		if err == nil && rep.Content != "" {
			return rep.Content
		}
		if err == nil {
			err = errors.New("empty reply")
		}
		slog.Warn("responder failed", "session_id", snap.SessionID, "attempt", attempt, "error", err)
		if !r.sleep(ctx, attempt) {
			return ""
		}
	}
	slog.Error("responder exhausted retries, posting fallback", "session_id", snap.SessionID, "seq", snap.Seq)
	return r.cfg.Fallback
}

func (r *Runner) submit(ctx context.Context, j job, content string) {
	sub := turn.Submission{
		SessionID:      j.sessionID,
		Sender:         session.RoleAI,
		Content:        content,
		IdempotencyKey: turn.AIKey(j.seq),
	}
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		res, err := r.cfg.Engine.Submit(ctx, sub)
		if err == nil {
			if res.Duplicate && res.Message.Sender != session.RoleAI {
				slog.Error("ai turn key held by another sender", "session_id", j.sessionID, "seq", j.seq, "sender", string(res.Message.Sender))
				return
			}
			if !res.Duplicate {
				r.posted.Add(1)
			}
			slog.Debug("ai turn posted", "session_id", j.sessionID, "seq", res.Message.Seq, "duplicate", res.Duplicate)
			return
		}
		if turn.KindOf(err) != turn.KindStoreUnavailable {
			slog.Warn("ai turn rejected", "session_id", j.sessionID, "kind", string(turn.KindOf(err)), "error", err)
			return
		}
		slog.Warn("ai turn submit failed", "session_id", j.sessionID, "attempt", attempt, "error", err)
		if !r.sleep(ctx, attempt) {
			return
		}
	}
}

// sleep waits attempt*Backoff. It returns false if ctx is done.
func (r *Runner) sleep(ctx context.Context, attempt int) bool {
	t := time.NewTimer(time.Duration(attempt) * r.cfg.Backoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
