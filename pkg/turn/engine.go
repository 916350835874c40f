// Package turn owns the per-session turn-taking state machine. Every
// message passes eligibility, idempotency and safety checks under the
// session's own lock before it is appended to the message log.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/pairtalk/pkg/audit"
	"github.com/txn2/pairtalk/pkg/message"
	"github.com/txn2/pairtalk/pkg/safety"
	"github.com/txn2/pairtalk/pkg/session"
)

const (
	defaultMaxContentBytes = 8 << 10
	defaultIdleTimeout     = 30 * time.Minute
)

// AIKeyPrefix marks idempotency keys reserved for facilitator replies.
// Human senders may not use it.
const AIKeyPrefix = "ai:"

// AIKey is the idempotency key of the facilitator reply that follows seq.
func AIKey(seq uint64) string {
	return AIKeyPrefix + strconv.FormatUint(seq, 10)
}

// Gate is the synchronous safety check run before admission.
type Gate interface {
	Check(ctx context.Context, in safety.Input) safety.Result
}

// Notifier receives append notifications. Notify must not block.
type Notifier interface {
	Notify(sessionID string, seq uint64)
}

// AITurnHook is called, outside the session lock, whenever a session
// enters ai_reflect. seq is the last admitted sequence number.
type AITurnHook func(sessionID string, seq uint64)

// Config configures the engine.
type Config struct {
	Sessions session.Store
	Messages message.Store
	Gate     Gate
	Audit    audit.Logger
	Notifier Notifier

	// DefaultCadence applies to couple sessions created without one.
	DefaultCadence session.Cadence

	MaxContentBytes int

	// IdleTimeout is how long an unused session unit stays loaded.
	IdleTimeout time.Duration
}

// Submission is one message offered for admission.
type Submission struct {
	SessionID      string
	Sender         session.Role
	Content        string
	IdempotencyKey string
}

// Result is an admitted message.
type Result struct {
	Message *message.Message

	// State is the session state immediately after Message was admitted.
	// A replay reports the same state as the original admission.
	State session.State

	// Duplicate is set when the idempotency key was already committed and
	// Message is the original.
	Duplicate bool

	// Degraded is set when the classifier was unavailable.
	Degraded bool
}

// Outcome is DUPLICATE_IGNORED for a replay and empty for a fresh
// admission.
func (r *Result) Outcome() Kind {
	if r.Duplicate {
		return KindDuplicateIgnored
	}
	return ""
}

// unit is one loaded session. mu serializes admission for that session.
type unit struct {
	mu       sync.Mutex
	sess     *session.Session
	lastUsed time.Time
	evicted  bool
}

// Engine admits messages and advances session state.
type Engine struct {
	sessions session.Store
	messages message.Store
	gate     Gate
	audit    audit.Logger
	notifier Notifier
	hook     atomic.Pointer[AITurnHook]

	defaultCadence  session.Cadence
	maxContentBytes int
	idleTimeout     time.Duration
	now             func() time.Time

	mu    sync.RWMutex
	units map[string]*unit

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Sessions == nil || cfg.Messages == nil {
		return nil, errors.New("session and message stores are required")
	}
	if cfg.Gate == nil {
		return nil, errors.New("safety gate is required")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NoopLogger{}
	}
	if cfg.DefaultCadence == "" {
		cfg.DefaultCadence = session.CadencePair
	}
	if !cfg.DefaultCadence.Valid() {
		return nil, fmt.Errorf("invalid default cadence %q", cfg.DefaultCadence)
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = defaultMaxContentBytes
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Engine{
		sessions:        cfg.Sessions,
		messages:        cfg.Messages,
		gate:            cfg.Gate,
		audit:           cfg.Audit,
		notifier:        cfg.Notifier,
		defaultCadence:  cfg.DefaultCadence,
		maxContentBytes: cfg.MaxContentBytes,
		idleTimeout:     cfg.IdleTimeout,
		now:             func() time.Time { return time.Now().UTC() },
		units:           make(map[string]*unit),
	}, nil
}

// OnAITurn registers the hook fired when a session enters ai_reflect.
func (e *Engine) OnAITurn(h AITurnHook) {
	e.hook.Store(&h)
}

// Create starts a new session in its initial state.
func (e *Engine) Create(ctx context.Context, mode session.Mode, cadence session.Cadence, pairingID string) (*session.Session, error) {
	if !mode.Valid() {
		return nil, newError(KindInvalidRequest, fmt.Sprintf("mode must be solo or couple, got %q", mode))
	}
	if cadence == "" {
		cadence = e.defaultCadence
	}

	sess, err := session.New(newID(), mode, cadence, pairingID, e.now())
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Message: err.Error()}
	}
	if err := e.sessions.Create(ctx, sess); err != nil {
		return nil, storeError("creating session", err)
	}

	e.mu.Lock()
	e.units[sess.ID] = &unit{sess: sess.Clone(), lastUsed: e.now()}
	e.mu.Unlock()

	slog.Info("session created", "session_id", sess.ID, "mode", string(mode), "cadence", string(sess.Cadence))
	return sess, nil
}

// Get returns a snapshot of the session.
func (e *Engine) Get(ctx context.Context, id string) (*session.Session, error) {
	u, err := e.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer u.mu.Unlock()
	return u.sess.Clone(), nil
}

// Exists reports whether the session exists. It does not wait on the
// session's admission lock, so readers never queue behind a writer.
func (e *Engine) Exists(ctx context.Context, id string) (bool, error) {
	if _, err := e.lookup(ctx, id); err != nil {
		if KindOf(err) == KindSessionNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns the sessions that share pairingID, oldest first, each with
// its current turn state.
func (e *Engine) List(ctx context.Context, pairingID string) ([]*session.Session, error) {
	if pairingID == "" {
		return nil, newError(KindInvalidRequest, "pairing_id is required")
	}
	records, err := e.sessions.List(ctx, pairingID)
	if err != nil {
		return nil, storeError("listing sessions", err)
	}
	out := make([]*session.Session, 0, len(records))
	for _, rec := range records {
		sess, err := e.Get(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// Submit admits one message. Rejections are *Error values.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*Result, error) {
	if sub.Content == "" {
		return nil, newError(KindInvalidRequest, "content is required")
	}
	if len(sub.Content) > e.maxContentBytes {
		return nil, newError(KindInvalidRequest, fmt.Sprintf("content exceeds %d bytes", e.maxContentBytes))
	}
	if sub.Sender != session.RoleAI && strings.HasPrefix(sub.IdempotencyKey, AIKeyPrefix) {
		return nil, newError(KindInvalidRequest, fmt.Sprintf("idempotency keys starting with %q are reserved", AIKeyPrefix))
	}

	u, err := e.acquire(ctx, sub.SessionID)
	if err != nil {
		return nil, err
	}
	res, err := e.admit(ctx, u, sub)
	u.mu.Unlock()

	if err == nil && !res.Duplicate && res.State == session.StateAIReflect {
		e.fireAITurn(sub.SessionID, res.Message.Seq)
	}
	return res, err
}

// admit runs with u.mu held.
func (e *Engine) admit(ctx context.Context, u *unit, sub Submission) (*Result, error) {
	sess := u.sess
	if !sess.HasParticipant(sub.Sender) {
		return nil, newError(KindInvalidRequest, fmt.Sprintf("sender %q is not a participant", sub.Sender))
	}

	if sub.IdempotencyKey != "" {
		prior, err := e.messages.ByIdempotencyKey(ctx, sess.ID, sub.IdempotencyKey)
		if err != nil {
			return nil, storeError("checking idempotency key", err)
		}
		if prior != nil {
			return e.replayed(ctx, sess, sub.Sender, prior)
		}
	}

	switch {
	case sess.State == session.StateEnded:
		return nil, newError(KindSessionEnded, "session has ended")
	case sess.State == session.StateBoundaryLocked:
		e.emit(ctx, audit.NewEvent(sess.ID, audit.KindBoundaryLocked).WithSender(string(sub.Sender)))
		return nil, newError(KindBoundaryLocked, "session is locked by a safety boundary")
	}

	next, ok := tableFor(sess.Mode, sess.Cadence).advance(sess.Mode, position{state: sess.State, resume: sess.Resume}, sub.Sender)
	if !ok {
		slog.Debug("turn locked", "session_id", sess.ID, "sender", string(sub.Sender), "state", string(sess.State))
		e.emit(ctx, audit.NewEvent(sess.ID, audit.KindTurnLocked).
			WithSender(string(sub.Sender)).
			WithDetail("state", string(sess.State)))
		return nil, newError(KindTurnLocked, fmt.Sprintf("it is %s's turn", speakerFor(sess.State)))
	}

	check := e.gate.Check(ctx, safety.Input{
		Content:         sub.Content,
		Sender:          string(sub.Sender),
		MessageCount:    int(sess.LastSeq), // #nosec G115 -- message counts fit in int
		PriorViolations: sess.Violations,
	})
	verdict := check.Verdict
	if check.Degraded {
		e.emit(ctx, audit.NewEvent(sess.ID, audit.KindClassifierUnavailable).
			WithSender(string(sub.Sender)).
			WithTags(verdict.Tags).
			WithDetail("tier", string(verdict.Tier)))
	}

	if verdict.Tier == safety.TierBlock {
		return nil, e.lock(ctx, u, sub.Sender, verdict)
	}

	msg := &message.Message{
		ID:             newID(),
		SessionID:      sess.ID,
		Sender:         sub.Sender,
		Content:        sub.Content,
		Tags:           slices.Clone(verdict.Tags),
		IdempotencyKey: sub.IdempotencyKey,
	}
	if err := e.messages.Append(ctx, msg); err != nil {
		if errors.Is(err, message.ErrDuplicateKey) {
			return e.duplicate(ctx, sess, sub)
		}
		slog.Error("message append failed", "session_id", sess.ID, "error", err)
		return nil, storeError("appending message", err)
	}

	sess.State = next.state
	sess.Resume = next.resume
	sess.LastSeq = msg.Seq
	sess.UpdatedAt = msg.CreatedAt
	if isViolation(msg.Tags) {
		sess.Violations++
	}

	if len(msg.Tags) > 0 {
		e.emit(ctx, audit.NewEvent(sess.ID, audit.KindSafetyTagged).
			WithSender(string(sub.Sender)).
			WithTags(msg.Tags).
			WithSeq(msg.Seq).
			WithDetail("pattern_version", verdict.PatternVersion))
	}
	if e.notifier != nil {
		e.notifier.Notify(sess.ID, msg.Seq)
	}

	return &Result{Message: msg, State: sess.State, Degraded: check.Degraded}, nil
}

// duplicate resolves an append that lost an idempotency race to another
// writer.
func (e *Engine) duplicate(ctx context.Context, sess *session.Session, sub Submission) (*Result, error) {
	prior, err := e.messages.ByIdempotencyKey(ctx, sess.ID, sub.IdempotencyKey)
	if err != nil || prior == nil {
		return nil, storeError("resolving duplicate key", err)
	}
	return e.replayed(ctx, sess, sub.Sender, prior)
}

// replayed answers a resubmitted key with the committed message and the
// state its admission produced. A key committed by another sender is not a
// replay.
func (e *Engine) replayed(ctx context.Context, sess *session.Session, sender session.Role, prior *message.Message) (*Result, error) {
	if prior.Sender != sender {
		return nil, newError(KindInvalidRequest, "idempotency key was used by another sender")
	}
	if prior.Seq == sess.LastSeq && !sess.State.IsTerminal() {
		return &Result{Message: prior, State: sess.State, Duplicate: true}, nil
	}

	msgs, err := e.messages.After(ctx, sess.ID, 0)
	if err != nil {
		return nil, storeError("reading message log", err)
	}
	senders := make([]session.Role, 0, len(msgs))
	for _, m := range msgs {
		if m.Seq > prior.Seq {
			break
		}
		senders = append(senders, m.Sender)
	}
	pos, err := replay(sess.Mode, sess.Cadence, senders)
	if err != nil {
		return nil, storeError("replaying message log", err)
	}
	return &Result{Message: prior, State: pos.state, Duplicate: true}, nil
}

// lock moves the session to boundary_locked. The in-memory lock holds even
// when persisting the flag fails.
func (e *Engine) lock(ctx context.Context, u *unit, sender session.Role, v safety.Verdict) *Error {
	sess := u.sess
	sess.BoundaryLocked = true
	sess.State = session.StateBoundaryLocked
	sess.UpdatedAt = e.now()

	if err := e.sessions.Update(ctx, sess); err != nil {
		slog.Error("persisting boundary lock failed", "session_id", sess.ID, "error", err)
	}

	slog.Info("session boundary locked", "session_id", sess.ID, "sender", string(sender), "tags", v.Tags)
	e.emit(ctx, audit.NewEvent(sess.ID, audit.KindBoundaryLocked).
		WithSender(string(sender)).
		WithTags(v.Tags).
		WithDetail("pattern_version", v.PatternVersion))

	return &Error{
		Kind:      KindBoundaryLocked,
		Message:   "message blocked by safety boundary; session is locked",
		Resources: slices.Clone(v.Resources),
	}
}

// End moves the session to ended. Ending an ended session is a no-op.
func (e *Engine) End(ctx context.Context, id string) (*session.Session, error) {
	u, err := e.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer u.mu.Unlock()

	sess := u.sess
	if sess.Ended() {
		return sess.Clone(), nil
	}

	now := e.now()
	updated := sess.Clone()
	updated.EndedAt = &now
	updated.UpdatedAt = now
	updated.State = session.StateEnded
	if err := e.sessions.Update(ctx, updated); err != nil {
		return nil, storeError("ending session", err)
	}
	u.sess = updated

	e.emit(ctx, audit.NewEvent(id, audit.KindSessionEnded).WithSeq(updated.LastSeq))
	slog.Info("session ended", "session_id", id, "boundary_locked", updated.BoundaryLocked)
	return updated.Clone(), nil
}

// acquire returns the loaded unit for id with its lock held.
func (e *Engine) acquire(ctx context.Context, id string) (*unit, error) {
	for {
		u, err := e.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		u.mu.Lock()
		if u.evicted {
			u.mu.Unlock()
			continue
		}
		u.lastUsed = e.now()
		return u, nil
	}
}

func (e *Engine) lookup(ctx context.Context, id string) (*unit, error) {
	e.mu.RLock()
	u, ok := e.units[id]
	e.mu.RUnlock()
	if ok {
		return u, nil
	}

	sess, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if existing, ok := e.units[id]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	u = &unit{sess: sess, lastUsed: e.now()}
	e.units[id] = u
	e.mu.Unlock()

	if sess.State == session.StateAIReflect {
		e.fireAITurn(id, sess.LastSeq)
	}
	return u, nil
}

// load rebuilds a session from its durable record and message log.
func (e *Engine) load(ctx context.Context, id string) (*session.Session, error) {
	sess, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, storeError("loading session", err)
	}
	if sess == nil {
		return nil, newError(KindSessionNotFound, fmt.Sprintf("session %q not found", id))
	}

	msgs, err := e.messages.After(ctx, id, 0)
	if err != nil {
		return nil, storeError("loading message log", err)
	}

	senders := make([]session.Role, 0, len(msgs))
	for _, m := range msgs {
		senders = append(senders, m.Sender)
		if isViolation(m.Tags) {
			sess.Violations++
		}
	}
	pos, err := replay(sess.Mode, sess.Cadence, senders)
	if err != nil {
		return nil, storeError("replaying message log", err)
	}
	if n := len(msgs); n > 0 {
		sess.LastSeq = msgs[n-1].Seq
	}

	sess.Participants = session.ParticipantsFor(sess.Mode)
	sess.State, sess.Resume = pos.state, pos.resume
	switch {
	case sess.Ended():
		sess.State = session.StateEnded
	case sess.BoundaryLocked:
		sess.State = session.StateBoundaryLocked
	}
	return sess, nil
}

// Loaded returns the number of session units held in memory.
func (e *Engine) Loaded() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.units)
}

// EvictIdle unloads units unused since before cutoff. Units in use are
// skipped. It returns the number evicted.
func (e *Engine) EvictIdle(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for id, u := range e.units {
		if !u.mu.TryLock() {
			continue
		}
		if u.lastUsed.Before(cutoff) {
			u.evicted = true
			delete(e.units, id)
			n++
		}
		u.mu.Unlock()
	}
	return n
}

// StartEvictionRoutine periodically unloads idle session units. The
// goroutine is stopped when Close is called.
func (e *Engine) StartEvictionRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.EvictIdle(e.now().Add(-e.idleTimeout)); n > 0 {
					slog.Debug("evicted idle sessions", "count", n)
				}
			}
		}
	}()
}

// Close stops the eviction goroutine. It is safe to call Close even if
// StartEvictionRoutine was never called.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	return nil
}

func (e *Engine) fireAITurn(sessionID string, seq uint64) {
	if h := e.hook.Load(); h != nil && *h != nil {
		(*h)(sessionID, seq)
	}
}

func (e *Engine) emit(ctx context.Context, ev *audit.Event) {
	if err := e.audit.Log(ctx, *ev); err != nil {
		slog.Warn("audit log failed", "session_id", ev.SessionID, "kind", string(ev.Kind), "error", err)
	}
}

// isViolation reports whether tags include a classifier category rather
// than only gate annotations.
func isViolation(tags []string) bool {
	for _, t := range tags {
		if t != safety.TagClassifierUnavailable && t != safety.TagLowConfidence {
			return true
		}
	}
	return false
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
