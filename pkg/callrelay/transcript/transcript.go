// Package transcript assembles streaming caller and agent text into an
// ordered per-call conversation log.
package transcript

import (
	"strings"
	"sync"
)

type Role string

const (
	RoleCaller Role = "caller"
	RoleAgent  Role = "agent"
)

func (r Role) Label() string {
	switch r {
	case RoleCaller:
		return "Caller"
	case RoleAgent:
		return "Agent"
	default:
		return string(r)
	}
}

type Mode int

const (
	// ModeAppend extends the speaker's in-progress utterance.
	ModeAppend Mode = iota
	// ModeReplace sets the authoritative final text of the speaker's utterance.
	ModeReplace
)

type Utterance struct {
	Role  Role   `json:"role"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Assembler holds in-progress transcripts keyed by call identifier.
type Assembler struct {
	mu    sync.Mutex
	calls map[string][]Utterance
}

func NewAssembler() *Assembler {
	return &Assembler{calls: make(map[string][]Utterance)}
}

func (a *Assembler) AppendOrCreate(callID string, role Role, text string, mode Mode) {
	if mode == ModeReplace {
		text = strings.TrimSpace(text)
	}
	if a == nil || callID == "" || text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	utts := a.calls[callID]
	switch mode {
	case ModeReplace:
		utts = replace(utts, role, text)
	default:
		utts = appendPartial(utts, role, text)
	}
	a.calls[callID] = utts
}

func appendPartial(utts []Utterance, role Role, text string) []Utterance {
	if n := len(utts); n > 0 && utts[n-1].Role == role && !utts[n-1].Final {
		utts[n-1].Text += text
		return utts
	}
	return append(utts, Utterance{Role: role, Text: text})
}

// replace overwrites the speaker's in-progress utterance. Partial fragments of
// that speaker since its last final utterance are one utterance; the first
// takes the final text and the rest are removed. A final identical to the
// utterance directly before it is a repeated done event and is dropped.
func replace(utts []Utterance, role Role, text string) []Utterance {
	first := -1
	for i := len(utts) - 1; i >= 0; i-- {
		if utts[i].Role != role {
			continue
		}
		if utts[i].Final {
			break
		}
		first = i
	}

	if first < 0 {
		if n := len(utts); n > 0 && utts[n-1].Role == role && utts[n-1].Final && utts[n-1].Text == text {
			return utts
		}
		return append(utts, Utterance{Role: role, Text: text, Final: true})
	}

	utts[first] = Utterance{Role: role, Text: text, Final: true}
	out := utts[:first+1]
	for _, u := range utts[first+1:] {
		if u.Role == role && !u.Final {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Snapshot returns a copy of the call's utterances without discarding them.
func (a *Assembler) Snapshot(callID string) []Utterance {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Utterance(nil), a.calls[callID]...)
}

// Finalize returns the call's utterances and forgets them. Later calls return nil.
func (a *Assembler) Finalize(callID string) []Utterance {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	utts, ok := a.calls[callID]
	if !ok {
		return nil
	}
	delete(a.calls, callID)
	return utts
}

// Len reports how many calls have an in-progress transcript.
func (a *Assembler) Len() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// Render formats utterances one per line as "Label: text".
func Render(utts []Utterance) string {
	var b strings.Builder
	for i, u := range utts {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(u.Role.Label())
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(u.Text))
	}
	return b.String()
}
