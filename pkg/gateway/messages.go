package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/txn2/pairtalk/pkg/auth"
	"github.com/txn2/pairtalk/pkg/message"
	"github.com/txn2/pairtalk/pkg/session"
	"github.com/txn2/pairtalk/pkg/turn"
)

// idempotencyHeader may carry the idempotency key instead of the body.
const idempotencyHeader = "Idempotency-Key"

type submitRequest struct {
	Sender         session.Role `json:"sender"`
	Content        string       `json:"content"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

type submitResponse struct {
	Message   *message.Message `json:"message"`
	Seq       uint64           `json:"seq"`
	Tags      []string         `json:"tags"`
	State     session.State    `json:"state"`
	Duplicate bool             `json:"duplicate"`
	Outcome   turn.Kind        `json:"outcome,omitempty"`
	Degraded  bool             `json:"degraded,omitempty"`
}

type readResponse struct {
	Messages []*message.Message `json:"messages"`

	// Cursor is the seq to pass as after on the next read.
	Cursor uint64 `json:"cursor"`
}

// submitMessage handles POST /api/v1/sessions/{id}/messages.
func (h *Handler) submitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(turn.KindInvalidRequest), "invalid request body")
		return
	}

	key := req.IdempotencyKey
	if hk := r.Header.Get(idempotencyHeader); hk != "" {
		if key != "" && key != hk {
			writeError(w, http.StatusBadRequest, string(turn.KindInvalidRequest),
				"idempotency key in header and body differ")
			return
		}
		key = hk
	}

	if msg, ok := h.authorizeSender(r.Context(), req.Sender); !ok {
		writeError(w, http.StatusForbidden, kindForbidden, msg)
		return
	}

	res, err := h.deps.Engine.Submit(r.Context(), turn.Submission{
		SessionID:      r.PathValue("id"),
		Sender:         req.Sender,
		Content:        req.Content,
		IdempotencyKey: key,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	tags := res.Message.Tags
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		Message:   res.Message,
		Seq:       res.Message.Seq,
		Tags:      tags,
		State:     res.State,
		Duplicate: res.Duplicate,
		Outcome:   res.Outcome(),
		Degraded:  res.Degraded,
	})
}

// authorizeSender applies principal rules: only facilitators post as ai,
// and a principal bound to a participant posts only as that participant.
func (h *Handler) authorizeSender(ctx context.Context, sender session.Role) (string, bool) {
	if !h.deps.Authorize {
		return "", true
	}
	p := auth.GetPrincipal(ctx)
	if p == nil {
		return "authentication required", false
	}
	if sender == session.RoleAI && !p.HasRole(auth.RoleFacilitator) {
		return "facilitator role required to post as ai", false
	}
	if p.Participant != "" && session.Role(p.Participant) != sender {
		return fmt.Sprintf("principal may only post as %s", p.Participant), false
	}
	return "", true
}

// readMessages handles GET /api/v1/sessions/{id}/messages. With wait_ms it
// long-polls; a timeout returns an empty list with status 200.
func (h *Handler) readMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	q := r.URL.Query()

	wait, err := parseWait(q.Get("wait_ms"))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(turn.KindInvalidRequest), err.Error())
		return
	}

	ok, err := h.deps.Engine.Exists(ctx, id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, string(turn.KindSessionNotFound), fmt.Sprintf("session %q not found", id))
		return
	}

	after, err := h.resolveCursor(ctx, id, q.Get("after"), q.Get("since"))
	if err != nil {
		var bad badRequest
		if errors.As(err, &bad) {
			writeError(w, http.StatusBadRequest, string(turn.KindInvalidRequest), bad.Error())
			return
		}
		writeEngineError(w, r, &turn.Error{Kind: turn.KindStoreUnavailable, Message: "resolving cursor", Err: err})
		return
	}

	fetch := func(ctx context.Context, after uint64) ([]*message.Message, error) {
		return h.deps.Messages.After(ctx, id, after)
	}
	msgs, err := h.deps.Waiter.Wait(ctx, id, after, wait, fetch)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("long-poll abandoned", "session_id", id, "error", err)
			return
		}
		writeEngineError(w, r, &turn.Error{Kind: turn.KindStoreUnavailable, Message: "reading messages", Err: err})
		return
	}

	if msgs == nil {
		msgs = []*message.Message{}
	}
	cursor := after
	if n := len(msgs); n > 0 {
		cursor = msgs[n-1].Seq
	}
	writeJSON(w, http.StatusOK, readResponse{Messages: msgs, Cursor: cursor})
}

type badRequest string

func (b badRequest) Error() string { return string(b) }

// resolveCursor turns after or since into a sequence cursor.
func (h *Handler) resolveCursor(ctx context.Context, id, after, since string) (uint64, error) {
	switch {
	case after != "" && since != "":
		return 0, badRequest("after and since are mutually exclusive")
	case after != "":
		n, err := strconv.ParseUint(after, 10, 64)
		if err != nil {
			return 0, badRequest("after must be a non-negative integer")
		}
		return n, nil
	case since != "":
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			return 0, badRequest("since must be an RFC 3339 timestamp")
		}
		return h.deps.Messages.CursorAt(ctx, id, t)
	default:
		return 0, nil
	}
}

// parseWait reads wait_ms. Absent means return immediately.
func parseWait(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return 0, errors.New("wait_ms must be a non-negative integer")
	}
	// Clamped by the broker; cap here to avoid overflow.
	const maxMillis = int64(time.Hour / time.Millisecond)
	if ms > maxMillis {
		ms = maxMillis
	}
	return time.Duration(ms) * time.Millisecond, nil
}
