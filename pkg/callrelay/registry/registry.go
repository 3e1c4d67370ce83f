// Package registry is the process-wide table of live calls, their status
// logs, and the status observers that watch them.
package registry

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultLogCapacity bounds each call's status log.
	DefaultLogCapacity = 100
	// DefaultLogTTL is how long a status log outlives its last message.
	DefaultLogTTL = 6 * time.Hour
	// DefaultMaxLoggedCalls bounds how many calls keep a status log.
	DefaultMaxLoggedCalls = 4096
)

// Handle lets the registry reach a live call's bridge.
type Handle struct {
	Terminate func(reason string)
	Done      <-chan struct{}
}

// Observer receives encoded status updates. Send must not block.
type Observer interface {
	ID() string
	Open() bool
	Send(payload []byte) error
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

type Update struct {
	Type   string   `json:"type"`
	CallID string   `json:"callId"`
	Log    LogEntry `json:"log"`
	Active bool     `json:"active"`
}

type CallSummary struct {
	CallID string     `json:"callId"`
	Logs   []LogEntry `json:"logs"`
	Active bool       `json:"active"`
}

type Config struct {
	LogCapacity int
	// LogTTL and MaxLoggedCalls bound logs of calls whose end is never reported.
	LogTTL         time.Duration
	MaxLoggedCalls int
	Logger         *slog.Logger
	Now            func() time.Time
}

type Registry struct {
	mu        sync.Mutex
	calls     map[string]*trackedCall
	logs      *expirable.LRU[string, []LogEntry]
	observers map[string]Observer

	logCap int
	logger *slog.Logger
	now    func() time.Time
}

type trackedCall struct {
	handle Handle
	once   sync.Once
}

func New(cfg Config) *Registry {
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = DefaultLogCapacity
	}
	if cfg.LogTTL <= 0 {
		cfg.LogTTL = DefaultLogTTL
	}
	if cfg.MaxLoggedCalls <= 0 {
		cfg.MaxLoggedCalls = DefaultMaxLoggedCalls
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		calls:     make(map[string]*trackedCall),
		logs:      expirable.NewLRU[string, []LogEntry](cfg.MaxLoggedCalls, nil, cfg.LogTTL),
		observers: make(map[string]Observer),
		logCap:    cfg.LogCapacity,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Register records a live call. Registering an ID that is already live
// evicts the previous entry. The returned func is safe to call repeatedly.
func (r *Registry) Register(callID string, h Handle) (unregister func()) {
	if r == nil {
		return func() {}
	}

	entry := &trackedCall{handle: h}

	r.mu.Lock()
	old := r.calls[callID]
	r.calls[callID] = entry
	r.mu.Unlock()

	if old != nil {
		r.unregister(callID, old)
	}

	return func() { r.unregister(callID, entry) }
}

func (r *Registry) unregister(callID string, entry *trackedCall) {
	if r == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		r.mu.Lock()
		if r.calls[callID] == entry {
			delete(r.calls, callID)
		}
		r.mu.Unlock()
	})
}

// Deregister evicts whatever entry is live for callID.
func (r *Registry) Deregister(callID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	entry := r.calls[callID]
	r.mu.Unlock()
	r.unregister(callID, entry)
}

func (r *Registry) IsActive(callID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.calls[callID]
	return ok
}

func (r *Registry) Lookup(callID string) (Handle, bool) {
	if r == nil {
		return Handle{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.calls[callID]
	if !ok {
		return Handle{}, false
	}
	return entry.handle, true
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Broadcast appends message to the call's status log and fans it out to
// every observer. Observers that are closed or fail to accept it are pruned.
func (r *Registry) Broadcast(callID, message string) {
	if r == nil {
		return
	}
	if callID == "" {
		r.logger.Warn("registry: broadcast without call id", "message", message)
		return
	}

	entry := LogEntry{Timestamp: r.now().UTC(), Message: message}

	r.mu.Lock()
	prev, _ := r.logs.Peek(callID)
	logs := append(prev, entry)
	if over := len(logs) - r.logCap; over > 0 {
		logs = append([]LogEntry(nil), logs[over:]...)
	}
	r.logs.Add(callID, logs)
	_, active := r.calls[callID]
	observers := make([]Observer, 0, len(r.observers))
	for _, o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()

	r.logger.Debug("call status", "call_id", callID, "message", message)
	if len(observers) == 0 {
		return
	}

	payload, err := json.Marshal(Update{Type: "update", CallID: callID, Log: entry, Active: active})
	if err != nil {
		r.logger.Error("registry: encode update", "call_id", callID, "error", err)
		return
	}

	var dead []Observer
	for _, o := range observers {
		if !o.Open() {
			dead = append(dead, o)
			continue
		}
		if err := o.Send(payload); err != nil {
			r.logger.Debug("registry: observer send failed", "observer_id", o.ID(), "error", err)
			dead = append(dead, o)
		}
	}
	if len(dead) == 0 {
		return
	}
	r.mu.Lock()
	for _, o := range dead {
		if r.observers[o.ID()] == o {
			delete(r.observers, o.ID())
		}
	}
	r.mu.Unlock()
}

func (r *Registry) AddObserver(o Observer) (remove func()) {
	if r == nil || o == nil {
		return func() {}
	}
	r.mu.Lock()
	r.observers[o.ID()] = o
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if r.observers[o.ID()] == o {
			delete(r.observers, o.ID())
		}
		r.mu.Unlock()
	}
}

func (r *Registry) ObserverCount() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

func (r *Registry) Logs(callID string) []LogEntry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	logs, _ := r.logs.Peek(callID)
	return append([]LogEntry(nil), logs...)
}

// Snapshot summarizes every call with a status log, keeping at most lastN
// entries per call (all when lastN <= 0).
func (r *Registry) Snapshot(lastN int) []CallSummary {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	ids := r.logs.Keys()
	out := make([]CallSummary, 0, len(ids))
	for _, id := range ids {
		logs, ok := r.logs.Peek(id)
		if !ok {
			continue
		}
		if lastN > 0 && len(logs) > lastN {
			logs = logs[len(logs)-lastN:]
		}
		_, active := r.calls[id]
		out = append(out, CallSummary{CallID: id, Logs: append([]LogEntry(nil), logs...), Active: active})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}

// Forget drops the call's status log.
func (r *Registry) Forget(callID string) {
	if r == nil {
		return
	}
	r.logs.Remove(callID)
}
