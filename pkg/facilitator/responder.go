// Package facilitator produces the AI participant's turns. The engine
// announces each ai_reflect state; a Runner asks a Responder for a reply
// and submits it back through the engine as sender ai.
package facilitator

import (
	"context"
	"fmt"
	"strings"

	"github.com/txn2/pairtalk/pkg/message"
	"github.com/txn2/pairtalk/pkg/session"
)

// Snapshot is the conversation a responder replies to.
type Snapshot struct {
	SessionID string
	Mode      session.Mode

	// Seq is the message that opened the AI turn.
	Seq uint64

	// Messages is the recent history in ascending order.
	Messages []*message.Message
}

// Reply is the AI participant's next message.
type Reply struct {
	Content string `json:"content"`
}

// Responder generates the AI participant's reply.
type Responder interface {
	Reply(ctx context.Context, snap Snapshot) (Reply, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, snap Snapshot) (Reply, error)

// Reply calls f.
func (f ResponderFunc) Reply(ctx context.Context, snap Snapshot) (Reply, error) {
	return f(ctx, snap)
}

// ScriptedResponder cycles through mirror, clarify and check moves. The
// move is picked from the number of AI messages in the snapshot, so the
// same history always yields the same reply.
type ScriptedResponder struct{}

// maxQuoteRunes bounds the quoted text in a mirror reply.
const maxQuoteRunes = 200

// Reply implements Responder.
func (ScriptedResponder) Reply(_ context.Context, snap Snapshot) (Reply, error) {
	aiTurns := 0
	var last *message.Message
	for _, m := range snap.Messages {
		if m.Sender == session.RoleAI {
			aiTurns++
			continue
		}
		last = m
	}

	switch aiTurns % 3 {
	case 0:
		if last == nil {
			return Reply{Content: "Take your time. What would you like to talk about?"}, nil
		}
		return Reply{Content: fmt.Sprintf("What I'm hearing from %s is: %q. Did I get that right?",
			speakerName(snap.Mode, last.Sender), quote(last.Content))}, nil
	case 1:
		return Reply{Content: "Can you say more about what matters most to you in that?"}, nil
	default:
		if snap.Mode == session.ModeCouple {
			return Reply{Content: "Before we go on, does this feel accurate to both of you?"}, nil
		}
		return Reply{Content: "Before we go on, does this feel accurate to you?"}, nil
	}
}

func speakerName(mode session.Mode, r session.Role) string {
	if mode == session.ModeSolo {
		return "you"
	}
	switch r {
	case session.RoleUserA:
		return "partner A"
	case session.RoleUserB:
		return "partner B"
	default:
		return "you"
	}
}

func quote(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > maxQuoteRunes {
		return string(r[:maxQuoteRunes]) + "..."
	}
	return s
}

// Verify interface compliance.
var (
	_ Responder = ScriptedResponder{}
	_ Responder = ResponderFunc(nil)
)
