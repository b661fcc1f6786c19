package diagnostics

import (
	"encoding/json"
	"fmt"
)

// Envelope is what subscribers receive: the producer's event plus the
// sequence number and timestamp the bus stamped on it.
type Envelope struct {
	Seq   uint64
	Ts    int64 // Unix milliseconds
	Event Event
}

// Type is shorthand for e.Event.Type().
func (e Envelope) Type() EventType { return e.Event.Type() }

// MarshalJSON flattens the envelope into a single object:
//
//	{"type":"queue.lane.enqueue","seq":7,"ts":1700000000000,"lane":"…","queueSize":2}
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return nil, fmt.Errorf("diagnostics: envelope %d has no event", e.Seq)
	}
	body, err := json.Marshal(e.Event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Event.Type(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s: %w", e.Event.Type(), err)
	}
	fields["type"], _ = json.Marshal(e.Event.Type())
	fields["seq"], _ = json.Marshal(e.Seq)
	fields["ts"], _ = json.Marshal(e.Ts)
	return json.Marshal(fields)
}
