package turn

import (
	"fmt"

	"github.com/txn2/pairtalk/pkg/session"
)

// position is the turn state plus the human who speaks after the current
// ai_reflect turn.
type position struct {
	state  session.State
	resume session.Role
}

type transitionKey struct {
	state  session.State
	sender session.Role
}

// step is the effect of an admitted message. An empty next means the turn
// returns to the resume role.
type step struct {
	next   session.State
	resume session.Role
}

type transitions map[transitionKey]step

var (
	couplePairTable = transitions{
		{session.StateAwaitingA, session.RoleUserA}: {next: session.StateAwaitingB},
		{session.StateAwaitingB, session.RoleUserB}: {next: session.StateAIReflect, resume: session.RoleUserA},
		{session.StateAIReflect, session.RoleAI}:    {},
	}

	coupleMessageTable = transitions{
		{session.StateAwaitingA, session.RoleUserA}: {next: session.StateAIReflect, resume: session.RoleUserB},
		{session.StateAwaitingB, session.RoleUserB}: {next: session.StateAIReflect, resume: session.RoleUserA},
		{session.StateAIReflect, session.RoleAI}:    {},
	}

	soloTable = transitions{
		{session.StateAwaitingUser, session.RoleUserA}: {next: session.StateAIReflect, resume: session.RoleUserA},
		{session.StateAIReflect, session.RoleAI}:       {},
	}
)

func tableFor(mode session.Mode, cadence session.Cadence) transitions {
	switch {
	case mode == session.ModeSolo:
		return soloTable
	case cadence == session.CadenceMessage:
		return coupleMessageTable
	default:
		return couplePairTable
	}
}

// advance applies sender's message to p. ok is false when it is not the
// sender's turn.
func (t transitions) advance(mode session.Mode, p position, sender session.Role) (position, bool) {
	st, ok := t[transitionKey{state: p.state, sender: sender}]
	if !ok {
		return p, false
	}
	if st.next == "" {
		return position{state: awaitingFor(mode, p.resume)}, true
	}
	return position{state: st.next, resume: st.resume}, true
}

func awaitingFor(mode session.Mode, role session.Role) session.State {
	if mode == session.ModeSolo {
		return session.StateAwaitingUser
	}
	if role == session.RoleUserB {
		return session.StateAwaitingB
	}
	return session.StateAwaitingA
}

// speakerFor returns who may submit in state s.
func speakerFor(s session.State) session.Role {
	switch s {
	case session.StateAwaitingA, session.StateAwaitingUser:
		return session.RoleUserA
	case session.StateAwaitingB:
		return session.RoleUserB
	case session.StateAIReflect:
		return session.RoleAI
	default:
		return ""
	}
}

// replay rebuilds the position from the senders of an admitted log.
func replay(mode session.Mode, cadence session.Cadence, senders []session.Role) (position, error) {
	t := tableFor(mode, cadence)
	p := position{state: session.InitialState(mode)}
	for i, sender := range senders {
		next, ok := t.advance(mode, p, sender)
		if !ok {
			return p, fmt.Errorf("message %d from %s is not valid in state %s", i+1, sender, p.state)
		}
		p = next
	}
	return p, nil
}
