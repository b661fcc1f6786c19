package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gwconfig "github.com/crystaldolphin/chorus/internal/config/gateway"
	"github.com/crystaldolphin/chorus/internal/diagnostics"
	"github.com/crystaldolphin/chorus/internal/shared/stringutils"
)

// AgentRequest is one inbound turn handed to the agent.
type AgentRequest struct {
	SessionKey string         `json:"sessionKey"`
	SessionID  string         `json:"sessionId,omitempty"`
	RunID      string         `json:"runId"`
	Channel    string         `json:"channel"`
	AccountID  string         `json:"accountId"`
	ChatID     string         `json:"chatId"`
	SenderID   string         `json:"senderId"`
	MessageID  string         `json:"messageId,omitempty"`
	Content    string         `json:"content"`
	Media      []string       `json:"media,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AgentReply is what the agent wants sent back. An empty reply sends
// nothing.
type AgentReply struct {
	Text      string   `json:"text,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`

	Provider string                     `json:"provider,omitempty"`
	Model    string                     `json:"model,omitempty"`
	Usage    *diagnostics.Usage         `json:"usage,omitempty"`
	CostUSD  float64                    `json:"costUsd,omitempty"`
	Context  *diagnostics.ContextWindow `json:"context,omitempty"`
}

func (r AgentReply) empty() bool { return strings.TrimSpace(r.Text) == "" && len(r.MediaURLs) == 0 }

// AgentRunner produces the reply for one turn. Run must honour ctx.
type AgentRunner interface {
	Run(ctx context.Context, req AgentRequest) (AgentReply, error)
}

// EchoRunner replies with the inbound text. It is used when no agent
// endpoint is configured.
type EchoRunner struct{}

func (EchoRunner) Run(_ context.Context, req AgentRequest) (AgentReply, error) {
	return AgentReply{Text: req.Content}, nil
}

// HTTPRunner posts each turn as JSON to an agent service and decodes an
// AgentReply from the response.
type HTTPRunner struct {
	endpoint   string
	headers    map[string]string
	httpClient *http.Client
}

// NewHTTPRunner builds a runner for cfg.Endpoint.
func NewHTTPRunner(cfg gwconfig.AgentConfig) *HTTPRunner {
	timeout := cfg.Timeout.D()
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPRunner{
		endpoint:   cfg.Endpoint,
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewRunner picks the HTTP runner when an endpoint is configured and the
// echo runner otherwise.
func NewRunner(cfg gwconfig.AgentConfig) AgentRunner {
	if cfg.Endpoint == "" {
		return EchoRunner{}
	}
	return NewHTTPRunner(cfg)
}

func (r *HTTPRunner) Run(ctx context.Context, req AgentRequest) (AgentReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return AgentReply{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(data))
	if err != nil {
		return AgentReply{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range r.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return AgentReply{}, fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return AgentReply{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return AgentReply{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return AgentReply{}, &AgentError{Status: resp.StatusCode, Body: stringutils.Truncate(string(raw), 200)}
	}

	var reply AgentReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return AgentReply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

// AgentError is a non-200 answer from the agent service.
type AgentError struct {
	Status int
	Body   string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent returned HTTP %d: %s", e.Status, e.Body)
}
