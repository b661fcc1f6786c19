package diagnostics

import "sync"

// Recorder is a subscriber that keeps every envelope it sees. It is used by
// tests and by the CLI's event dump.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

// Handle is the Handler to pass to Bus.Subscribe.
func (r *Recorder) Handle(env Envelope) {
	r.mu.Lock()
	r.events = append(r.events, env)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given tag, in arrival order.
func (r *Recorder) OfType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, env := range r.events {
		if env.Type() == t {
			out = append(out, env.Event)
		}
	}
	return out
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
