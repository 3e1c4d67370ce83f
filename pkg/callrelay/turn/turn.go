// Package turn decides who holds the floor on a call: whether provider audio
// may reach the far end, and what to do when the caller barges in.
package turn

import "strings"

type Command int

const (
	CancelResponse Command = iota + 1
	ClearInputBuffer
	ClearPlayback
)

func (c Command) String() string {
	switch c {
	case CancelResponse:
		return "cancel_response"
	case ClearInputBuffer:
		return "clear_input_buffer"
	case ClearPlayback:
		return "clear_playback"
	default:
		return "unknown"
	}
}

type State struct {
	AgentSpeaking  bool
	FarEndSpeaking bool
	// PendingBargeIn is set by a barge-in and cleared when the next response starts.
	PendingBargeIn bool
}

const maxCancelledResponses = 64

// Arbiter is owned by a single goroutine and is not safe for concurrent use.
type Arbiter struct {
	state   State
	current string

	// requested counts response.create commands the provider has not named
	// yet. orphaned is how many of those predate the last barge-in.
	requested int
	orphaned  int

	cancelled      map[string]struct{}
	cancelledOrder []string
}

func New() *Arbiter {
	return &Arbiter{cancelled: make(map[string]struct{})}
}

func (a *Arbiter) State() State {
	return a.state
}

// SpeechStarted records that the caller began talking and returns the
// commands that stop the agent. All three are always returned, in order.
func (a *Arbiter) SpeechStarted() []Command {
	if a.current != "" {
		a.markCancelled(a.current)
		a.current = ""
	}
	a.orphaned = a.requested
	a.state.FarEndSpeaking = true
	a.state.AgentSpeaking = false
	a.state.PendingBargeIn = true
	return []Command{CancelResponse, ClearInputBuffer, ClearPlayback}
}

func (a *Arbiter) SpeechStopped() {
	a.state.FarEndSpeaking = false
}

// ResponseStarted marks the beginning of a new agent response. An empty ID
// means the relay requested it and the provider has not named it yet. The
// provider names requests in order, so an ID that answers a request made
// before the last barge-in is cancelled on arrival.
func (a *Arbiter) ResponseStarted(responseID string) {
	responseID = strings.TrimSpace(responseID)
	if responseID == "" {
		if a.requested < maxCancelledResponses {
			a.requested++
		}
		a.state.PendingBargeIn = false
		return
	}
	if a.requested > 0 {
		a.requested--
	}
	if a.orphaned > 0 {
		a.orphaned--
		a.markCancelled(responseID)
		return
	}
	if a.isCancelled(responseID) {
		return
	}
	a.state.PendingBargeIn = false
	a.current = responseID
}

// AdmitAudio reports whether an agent audio chunk may be forwarded.
func (a *Arbiter) AdmitAudio(responseID string) bool {
	if a.state.FarEndSpeaking || a.state.PendingBargeIn {
		return false
	}
	responseID = strings.TrimSpace(responseID)
	if responseID != "" {
		if a.isCancelled(responseID) {
			return false
		}
		a.current = responseID
	}
	a.state.AgentSpeaking = true
	return true
}

func (a *Arbiter) ResponseEnded(responseID string) {
	responseID = strings.TrimSpace(responseID)
	if responseID == "" || responseID == a.current {
		a.current = ""
		a.state.AgentSpeaking = false
	}
}

func (a *Arbiter) markCancelled(id string) {
	if _, ok := a.cancelled[id]; ok {
		return
	}
	a.cancelled[id] = struct{}{}
	a.cancelledOrder = append(a.cancelledOrder, id)
	if len(a.cancelledOrder) > maxCancelledResponses {
		oldest := a.cancelledOrder[0]
		a.cancelledOrder = a.cancelledOrder[1:]
		delete(a.cancelled, oldest)
	}
}

func (a *Arbiter) isCancelled(id string) bool {
	_, ok := a.cancelled[id]
	return ok
}
