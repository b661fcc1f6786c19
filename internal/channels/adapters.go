package channels

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/crystaldolphin/chorus/internal/bus"
	"github.com/crystaldolphin/chorus/internal/config"
)

// Every adapter below is a struct of optional function fields. A nil
// field means the plugin does not offer that operation; callers check
// before calling and report UnsupportedOperationError otherwise.

// ConfigAdapter exposes a channel's accounts as configured.
type ConfigAdapter struct {
	ListAccountIds    func(cfg *config.Config) []string
	ResolveAccount    func(cfg *config.Config, accountId string) (Account, error)
	DefaultAccountId  func(cfg *config.Config) string
	SetAccountEnabled func(cfg *config.Config, accountId string, enabled bool) error
	DescribeAccount   func(account Account) AccountSnapshot
}

// SetupInput carries the values an operator supplies when adding an account.
type SetupInput struct {
	Name   string
	Token  string
	Fields map[string]string
}

// SetupAdapter applies onboarding input to the config.
type SetupAdapter struct {
	ResolveAccountId   func(cfg *config.Config, accountId string) string
	ApplyAccountName   func(cfg *config.Config, accountId, name string) error
	ApplyAccountConfig func(cfg *config.Config, accountId string, input SetupInput) error
	ValidateInput      func(accountId string, input SetupInput) error
}

// GroupContext identifies a group conversation on one account.
type GroupContext struct {
	Cfg       *config.Config
	AccountId string
	GroupId   string
}

// ToolPolicy restricts which agent tools may run in a group.
type ToolPolicy struct {
	Allow []string
	Deny  []string
}

type GroupAdapter struct {
	ResolveRequireMention func(gc GroupContext) bool
	ResolveGroupIntroHint func(gc GroupContext) string
	ResolveToolPolicy     func(gc GroupContext) ToolPolicy
}

// DeliveryMode says where outbound sends originate.
type DeliveryMode string

const (
	// DeliveryDirect sends straight to the platform API from this process.
	DeliveryDirect DeliveryMode = "direct"
	// DeliveryGateway sends through a connection owned by a running account.
	DeliveryGateway DeliveryMode = "gateway"
	// DeliveryHybrid may use either.
	DeliveryHybrid DeliveryMode = "hybrid"
)

// ChunkerMode selects the built-in splitter when a plugin has no Chunker.
type ChunkerMode string

const (
	ChunkText     ChunkerMode = "text"
	ChunkMarkdown ChunkerMode = "markdown"
)

// TargetMode says how the send target was chosen.
type TargetMode string

const (
	TargetExplicit  TargetMode = "explicit"
	TargetImplicit  TargetMode = "implicit"
	TargetHeartbeat TargetMode = "heartbeat"
)

// TargetRequest is the input to OutboundAdapter.ResolveTarget.
type TargetRequest struct {
	Cfg       *config.Config
	To        string
	AllowFrom []string
	AccountId string
	Mode      TargetMode
}

// TargetResult is either OK with the normalised target, or carries the
// policy error that rejected it.
type TargetResult struct {
	OK  bool
	To  string
	Err error
}

// Poll is a poll payload.
type Poll struct {
	Question      string
	Options       []string
	MaxSelections int
}

// Payload is one logical outbound message. Exactly one of the kinds is
// used, checked in order: ChannelData, Poll, MediaURLs, Text.
type Payload struct {
	Text        string
	MediaURLs   []string
	Poll        *Poll
	ChannelData map[string]any
}

// OutboundContext addresses one send call.
type OutboundContext struct {
	Cfg       *config.Config
	AccountId string
	To        string
	Text      string
	MediaURL  string
	ReplyTo   string
	ThreadId  string
}

// DeliveryResult is what a successful send call reports.
type DeliveryResult struct {
	Channel   string
	MessageID string
	ChatID    string
	Meta      map[string]any
}

type OutboundAdapter struct {
	DeliveryMode   DeliveryMode
	Chunker        func(text string, limit int) []string
	ChunkerMode    ChunkerMode
	TextChunkLimit int
	PollMaxOptions int

	ResolveTarget func(req TargetRequest) TargetResult
	SendPayload   func(ctx context.Context, oc OutboundContext, p Payload) (DeliveryResult, error)
	SendText      func(ctx context.Context, oc OutboundContext) (DeliveryResult, error)
	SendMedia     func(ctx context.Context, oc OutboundContext) (DeliveryResult, error)
	SendPoll      func(ctx context.Context, oc OutboundContext, poll Poll) (DeliveryResult, error)
}

// ProbeResult is the outcome of a live connectivity check.
type ProbeResult struct {
	OK      bool
	Error   string
	Elapsed time.Duration
	Meta    map[string]any
}

// StatusIssue is one problem worth showing to an operator.
type StatusIssue struct {
	Channel   string
	AccountId string
	Kind      string // "config", "auth", "runtime", "permissions"
	Message   string
	Fix       string
}

type StatusAdapter struct {
	BuildSummary         func(snapshots []AccountSnapshot) map[string]any
	ProbeAccount         func(ctx context.Context, account Account, timeout time.Duration) (ProbeResult, error)
	AuditAccount         func(ctx context.Context, account Account) ([]StatusIssue, error)
	BuildAccountSnapshot func(account Account, runtime AccountSnapshot, probe *ProbeResult) AccountSnapshot
	ResolveAccountState  func(snapshot AccountSnapshot) string
	CollectStatusIssues  func(snapshots []AccountSnapshot) []StatusIssue
}

// GatewayContext is handed to StartAccount. SetStatus patches the
// runtime snapshot the Manager keeps for the account.
type GatewayContext struct {
	Cfg       *config.Config
	Account   Account
	Sink      bus.Sink
	Logger    *slog.Logger
	SetStatus func(patch func(*AccountSnapshot))
}

// LoginResult reports the state of a QR login.
type LoginResult struct {
	QRDataURL string
	Message   string
	Connected bool
}

type GatewayAdapter struct {
	// StartAccount runs the account until ctx is cancelled.
	StartAccount     func(ctx context.Context, gc GatewayContext) error
	StopAccount      func(ctx context.Context, gc GatewayContext) error
	LoginWithQRStart func(ctx context.Context, account Account, force bool) (LoginResult, error)
	LoginWithQRWait  func(ctx context.Context, account Account, timeout time.Duration) (LoginResult, error)
	LogoutAccount    func(ctx context.Context, account Account) (cleared bool, err error)
}

type AuthAdapter struct {
	Login func(ctx context.Context, cfg *config.Config, accountId string, out io.Writer) error
}

type HeartbeatAdapter struct {
	CheckReady        func(ctx context.Context, cfg *config.Config, accountId string) (ok bool, reason string)
	ResolveRecipients func(cfg *config.Config, to string, all bool) (recipients []string, source string)
}

// DirectoryEntry is a user or group known to the channel.
type DirectoryEntry struct {
	Kind   string // "user" or "group"
	ID     string
	Name   string
	Handle string
}

type DirectoryAdapter struct {
	Self             func(ctx context.Context, account Account) (*DirectoryEntry, error)
	ListPeers        func(ctx context.Context, account Account, query string, limit int) ([]DirectoryEntry, error)
	ListPeersLive    func(ctx context.Context, account Account, query string, limit int) ([]DirectoryEntry, error)
	ListGroups       func(ctx context.Context, account Account, query string, limit int) ([]DirectoryEntry, error)
	ListGroupsLive   func(ctx context.Context, account Account, query string, limit int) ([]DirectoryEntry, error)
	ListGroupMembers func(ctx context.Context, account Account, groupId string, limit int) ([]DirectoryEntry, error)
}

// TargetKind narrows free-text resolution.
type TargetKind string

const (
	KindUser  TargetKind = "user"
	KindGroup TargetKind = "group"
)

// ResolvedTarget is the outcome for one free-text input.
type ResolvedTarget struct {
	Input    string
	Resolved bool
	ID       string
	Name     string
	Note     string
}

type ResolverAdapter struct {
	ResolveTargets func(ctx context.Context, account Account, inputs []string, kind TargetKind) ([]ResolvedTarget, error)
}

type ElevatedAdapter struct {
	AllowFromFallback func(cfg *config.Config, accountId string) []string
}

// CommandAdapter is a set of flags, not functions.
type CommandAdapter struct {
	EnforceOwnerForCommands bool
	SkipWhenConfigEmpty     bool
}

// DMPolicy describes who may open a direct conversation.
type DMPolicy struct {
	Policy      string // "open", "allowlist", "pairing", "disabled"
	AllowFrom   []string
	ApproveHint string
}

type SecurityAdapter struct {
	ResolveDMPolicy func(account Account) DMPolicy
	CollectWarnings func(account Account) []string
}

type PairingAdapter struct {
	IDLabel             string
	NormalizeAllowEntry func(entry string) string
	NotifyApproval      func(ctx context.Context, cfg *config.Config, id string) error
}
