// Package diagnostics carries operational events from the pipeline to
// external observers (telemetry exporters, log transports).
//
// The set of events is closed: every concrete type in this file implements
// Event and nothing outside the package can add one. Field names and type
// tags are the wire contract consumed by subscribers; do not rename them.
package diagnostics

// EventType is the union tag written as "type" on the wire.
type EventType string

const (
	TypeModelUsage       EventType = "model.usage"
	TypeWebhookReceived  EventType = "webhook.received"
	TypeWebhookProcessed EventType = "webhook.processed"
	TypeWebhookError     EventType = "webhook.error"
	TypeMessageQueued    EventType = "message.queued"
	TypeMessageProcessed EventType = "message.processed"
	TypeLaneEnqueue      EventType = "queue.lane.enqueue"
	TypeLaneDequeue      EventType = "queue.lane.dequeue"
	TypeSessionState     EventType = "session.state"
	TypeSessionStuck     EventType = "session.stuck"
	TypeRunAttempt       EventType = "run.attempt"
	TypeHeartbeat        EventType = "diagnostic.heartbeat"
	TypeDeliveryAttempt  EventType = "delivery.attempt"
	TypeDeliverySent     EventType = "delivery.sent"
	TypeDeliveryFailed   EventType = "delivery.failed"
)

// Event is one diagnostic occurrence. Implementations are plain values;
// subscribers receive copies and never mutate the producer's event.
type Event interface {
	Type() EventType
	sealed()
}

// Usage is the token accounting attached to model.usage.
type Usage struct {
	Input        int64 `json:"input,omitempty" yaml:"input,omitempty"`
	Output       int64 `json:"output,omitempty" yaml:"output,omitempty"`
	CacheRead    int64 `json:"cacheRead,omitempty" yaml:"cacheRead,omitempty"`
	CacheWrite   int64 `json:"cacheWrite,omitempty" yaml:"cacheWrite,omitempty"`
	PromptTokens int64 `json:"promptTokens,omitempty" yaml:"promptTokens,omitempty"`
	Total        int64 `json:"total,omitempty" yaml:"total,omitempty"`
}

// ContextWindow reports how much of the model context a run consumed.
type ContextWindow struct {
	Limit int64 `json:"limit,omitempty"`
	Used  int64 `json:"used,omitempty"`
}

type ModelUsage struct {
	Channel    string         `json:"channel,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	Model      string         `json:"model,omitempty"`
	Usage      Usage          `json:"usage"`
	CostUSD    float64        `json:"costUsd,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Context    *ContextWindow `json:"context,omitempty"`
	SessionKey string         `json:"sessionKey,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
}

type WebhookReceived struct {
	Channel    string `json:"channel,omitempty"`
	UpdateType string `json:"updateType,omitempty"`
	ChatID     string `json:"chatId,omitempty"`
}

type WebhookProcessed struct {
	Channel    string `json:"channel,omitempty"`
	UpdateType string `json:"updateType,omitempty"`
	ChatID     string `json:"chatId,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

type WebhookError struct {
	Channel    string `json:"channel,omitempty"`
	UpdateType string `json:"updateType,omitempty"`
	ChatID     string `json:"chatId,omitempty"`
	Error      string `json:"error,omitempty"`
}

type MessageQueued struct {
	Channel    string `json:"channel,omitempty"`
	Source     string `json:"source,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	QueueDepth int    `json:"queueDepth,omitempty"`
}

// Outcome values for MessageProcessed.
const (
	OutcomeCompleted = "completed"
	OutcomeError     = "error"
	OutcomeAborted   = "aborted"
	OutcomeSkipped   = "skipped"
)

type MessageProcessed struct {
	Channel    string `json:"channel,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	ChatID     string `json:"chatId,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

type LaneEnqueue struct {
	Lane      string `json:"lane"`
	QueueSize int    `json:"queueSize"`
}

type LaneDequeue struct {
	Lane      string `json:"lane"`
	QueueSize int    `json:"queueSize"`
	WaitMs    int64  `json:"waitMs"`
}

type SessionState struct {
	SessionKey string `json:"sessionKey,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	PrevState  string `json:"prevState,omitempty"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	QueueDepth int    `json:"queueDepth,omitempty"`
}

type SessionStuck struct {
	SessionKey string `json:"sessionKey,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	State      string `json:"state,omitempty"`
	QueueDepth int    `json:"queueDepth,omitempty"`
	AgeMs      int64  `json:"ageMs"`
}

type RunAttempt struct {
	SessionKey string `json:"sessionKey,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	RunID      string `json:"runId,omitempty"`
	Attempt    int    `json:"attempt"`
}

// WebhookCounters are cumulative totals since the process started.
type WebhookCounters struct {
	Received  int64 `json:"received"`
	Processed int64 `json:"processed"`
	Errors    int64 `json:"errors"`
}

type Heartbeat struct {
	Webhooks *WebhookCounters `json:"webhooks,omitempty"`
	Active   int              `json:"active,omitempty"`
	Waiting  int              `json:"waiting,omitempty"`
	Queued   int              `json:"queued"`
}

type DeliveryAttempt struct {
	Channel    string `json:"channel,omitempty"`
	AccountID  string `json:"accountId,omitempty"`
	To         string `json:"to,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Attempt    int    `json:"attempt"`
	Chunk      int    `json:"chunk,omitempty"`
	ChunkCount int    `json:"chunkCount,omitempty"`
}

type DeliverySent struct {
	Channel    string `json:"channel,omitempty"`
	AccountID  string `json:"accountId,omitempty"`
	To         string `json:"to,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	Attempt    int    `json:"attempt"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

type DeliveryFailed struct {
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	To        string `json:"to,omitempty"`
	Attempts  int    `json:"attempts"`
	Transient bool   `json:"transient,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (ModelUsage) Type() EventType       { return TypeModelUsage }
func (WebhookReceived) Type() EventType  { return TypeWebhookReceived }
func (WebhookProcessed) Type() EventType { return TypeWebhookProcessed }
func (WebhookError) Type() EventType     { return TypeWebhookError }
func (MessageQueued) Type() EventType    { return TypeMessageQueued }
func (MessageProcessed) Type() EventType { return TypeMessageProcessed }
func (LaneEnqueue) Type() EventType      { return TypeLaneEnqueue }
func (LaneDequeue) Type() EventType      { return TypeLaneDequeue }
func (SessionState) Type() EventType     { return TypeSessionState }
func (SessionStuck) Type() EventType     { return TypeSessionStuck }
func (RunAttempt) Type() EventType       { return TypeRunAttempt }
func (Heartbeat) Type() EventType        { return TypeHeartbeat }
func (DeliveryAttempt) Type() EventType  { return TypeDeliveryAttempt }
func (DeliverySent) Type() EventType     { return TypeDeliverySent }
func (DeliveryFailed) Type() EventType   { return TypeDeliveryFailed }

func (ModelUsage) sealed()       {}
func (WebhookReceived) sealed()  {}
func (WebhookProcessed) sealed() {}
func (WebhookError) sealed()     {}
func (MessageQueued) sealed()    {}
func (MessageProcessed) sealed() {}
func (LaneEnqueue) sealed()      {}
func (LaneDequeue) sealed()      {}
func (SessionState) sealed()     {}
func (SessionStuck) sealed()     {}
func (RunAttempt) sealed()       {}
func (Heartbeat) sealed()        {}
func (DeliveryAttempt) sealed()  {}
func (DeliverySent) sealed()     {}
func (DeliveryFailed) sealed()   {}
