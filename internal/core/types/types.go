// Package types holds the data model shared across the agent conversation
// runtime: providers, models, sessions, messages, parts and the event union
// published on the bus.
package types

import "time"

// CredentialSource tags where a ProviderRecord's credentials came from.
type CredentialSource string

const (
	SourceEnv    CredentialSource = "env"
	SourceAPI    CredentialSource = "api"
	SourceConfig CredentialSource = "config"
	SourceCustom CredentialSource = "custom"
)

// ProviderRecord is the resolver's view of a usable provider.
type ProviderRecord struct {
	ID          string
	Name        string
	Package     string
	EnvVars     []string
	BaseURL     string
	Models      map[string]*ModelRecord
	Source      CredentialSource
	APIKey      string
	Options     map[string]any
}

// CostTable holds per-token-class pricing, expressed in the provider's
// native currency unit per token.
type CostTable struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// TokenLimits bounds context and output sizing for a model.
type TokenLimits struct {
	Context int64
	Output  int64
}

// Capabilities records optional model features.
type Capabilities struct {
	Reasoning    bool
	ToolCall     bool
	Attachment   bool
	Temperature  bool
	Experimental bool
	Deprecated   bool
}

// ModelRecord describes a single model within a provider's catalog entry.
type ModelRecord struct {
	ID        string
	RealID    string
	Cost      CostTable
	Limit     TokenLimits
	Modality  []string
	Caps      Capabilities
}

// Valid reports whether the record satisfies the non-negativity invariants.
func (m *ModelRecord) Valid() bool {
	if m == nil {
		return false
	}
	return m.Cost.Input >= 0 && m.Cost.Output >= 0 && m.Cost.CacheRead >= 0 &&
		m.Cost.CacheWrite >= 0 && m.Limit.Context >= 0 && m.Limit.Output >= 0
}

// SDKHandle is an opaque reference to an initialized provider client, keyed
// by the hash of its construction parameters. The Client field is an `any`
// because the concrete type is provider-specific (anthropic.Client,
// openai.Client, ollama api.Client, ...).
type SDKHandle struct {
	Key       string
	Provider  string
	Model     string
	Client    any
	CreatedAt time.Time
}

// Role enumerates message authorship.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool-result"
)

// ToolCallState is a forward-only state machine: pending -> running ->
// (completed | error | aborted).
type ToolCallState string

const (
	ToolCallPending   ToolCallState = "pending"
	ToolCallRunning   ToolCallState = "running"
	ToolCallCompleted ToolCallState = "completed"
	ToolCallError     ToolCallState = "error"
	ToolCallAborted   ToolCallState = "aborted"
)

// Terminal reports whether the state machine has reached a fixed point.
func (s ToolCallState) Terminal() bool {
	switch s {
	case ToolCallCompleted, ToolCallError, ToolCallAborted:
		return true
	default:
		return false
	}
}

// rank gives a forward-only ordering; Advance refuses to move backward.
func (s ToolCallState) rank() int {
	switch s {
	case ToolCallPending:
		return 0
	case ToolCallRunning:
		return 1
	case ToolCallCompleted, ToolCallError, ToolCallAborted:
		return 2
	default:
		return -1
	}
}

// Advance returns the next state, refusing any transition that would move
// the state machine backward (terminal states are sticky).
func (s ToolCallState) Advance(next ToolCallState) ToolCallState {
	if s.Terminal() {
		return s
	}
	if next.rank() < s.rank() {
		return s
	}
	return next
}

// FinishReason is the canonical, normalized terminal status of a step.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishContentFilter FinishReason = "content-filter"
	FinishError         FinishReason = "error"
	FinishUnknown       FinishReason = "unknown"
)

// PartKind tags the variant held by a Part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartToolCall   PartKind = "tool-call"
	PartToolResult PartKind = "tool-result"
	PartStepStart  PartKind = "step-start"
	PartStepFinish PartKind = "step-finish"
	PartReasoning  PartKind = "reasoning"
	PartFile       PartKind = "file"
)

// Part is a tagged variant within a Message. Only the fields relevant to
// Kind are populated.
type Part struct {
	ID    string
	Kind  PartKind
	Text  string

	ToolName  string
	InputJSON string
	CallID    string
	State     ToolCallState

	ResultOK      bool
	ResultValue   any
	ResultError   string

	FinishReason FinishReason
	Usage        Usage
}

// Message is an ordered sequence of Parts authored by a single role within
// a Session. Immutable once Finished is true.
type Message struct {
	ID        string
	SessionID string
	Role      Role
	Parts     []Part
	CreatedAt time.Time
	Finished  bool
}

// Usage is the typed record every numeric token count flows through after
// passing through the safeNum coercion in the stream package.
type Usage struct {
	Input      int64
	Output     int64
	Reasoning  int64
	CacheRead  int64
	CacheWrite int64
}

// Add accumulates u2 into u in place.
func (u *Usage) Add(u2 Usage) {
	u.Input += u2.Input
	u.Output += u2.Output
	u.Reasoning += u2.Reasoning
	u.CacheRead += u2.CacheRead
	u.CacheWrite += u2.CacheWrite
}

// Total returns input+output+reasoning, the figure used by the
// zero-token-communication-failure heuristic in the stream processor.
func (u Usage) Total() int64 {
	return u.Input + u.Output + u.Reasoning
}

// Session is the top-level conversational unit, file-backed and owned
// exclusively by the runtime (C7).
type Session struct {
	ID        string
	ParentID  string
	CreatedAt time.Time
	MessageIDs []string
	Title     string
	Usage     Usage
	Idle      bool
}

// RetryContext tracks one logical outbound call across retries.
type RetryContext struct {
	FirstAttemptAt  time.Time
	Attempts        int
	NextDelay       time.Duration
	Budget          time.Duration
	ErrorClassLast  string
}

// EventKind tags the Event union flowing on the bus.
type EventKind string

const (
	EventSessionCreated EventKind = "SessionCreated"
	EventStepStart      EventKind = "StepStart"
	EventStepFinish     EventKind = "StepFinish"
	EventTextDelta      EventKind = "TextDelta"
	EventTextFinal      EventKind = "TextFinal"
	EventToolCall       EventKind = "ToolCall"
	EventToolResult     EventKind = "ToolResult"
	EventUsageUpdate    EventKind = "UsageUpdate"
	EventError          EventKind = "Error"
	EventSessionIdle    EventKind = "SessionIdle"
	EventHTTPTrace      EventKind = "HttpTrace"
	EventStatus         EventKind = "status"
)

// Event is the tagged union that flows through the Event Bus (C1). Data
// holds the kind-specific payload; every event carries SessionID and a
// monotonically increasing per-session Seq.
type Event struct {
	Kind      EventKind
	SessionID string
	Seq       uint64
	At        time.Time
	Data      any
}
