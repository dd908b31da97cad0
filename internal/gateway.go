// Package gateway defines domain types and interfaces for the Ditto LLM
// gateway. This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"regexp"
	"time"
)

// --- Scope ---

// ScopeKind identifies which level of the key/tenant/project/user hierarchy
// a scope value addresses.
type ScopeKind int

const (
	ScopeKey ScopeKind = iota
	ScopeTenant
	ScopeProject
	ScopeUser
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeKey:
		return "key"
	case ScopeTenant:
		return "tenant"
	case ScopeProject:
		return "project"
	case ScopeUser:
		return "user"
	default:
		return "unknown"
	}
}

// Scope identifies one addressable admission/budget scope.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// ScopeChain returns the applicable scopes for a virtual key in the fixed
// reservation order: key, tenant, project, user. Empty IDs are omitted.
func ScopeChain(k *VirtualKey) []Scope {
	if k == nil {
		return nil
	}
	chain := make([]Scope, 0, 4)
	chain = append(chain, Scope{Kind: ScopeKey, ID: k.ID})
	if k.TenantID != "" {
		chain = append(chain, Scope{Kind: ScopeTenant, ID: k.TenantID})
	}
	if k.ProjectID != "" {
		chain = append(chain, Scope{Kind: ScopeProject, ID: k.ProjectID})
	}
	if k.UserID != "" {
		chain = append(chain, Scope{Kind: ScopeUser, ID: k.UserID})
	}
	return chain
}

// Key returns a stable string form suitable for map keys and stripe hashing.
func (s Scope) Key() string { return s.Kind.String() + ":" + s.ID }

// --- Virtual Key ---

// Limits holds RPM/TPM caps for a scope. Zero means unset (inherit/unlimited
// at this level).
type Limits struct {
	RPM int64 `json:"rpm,omitempty"`
	TPM int64 `json:"tpm,omitempty"`
}

// BudgetPeriod bounds how a budget resets. "" means never resets.
type BudgetPeriod string

const (
	BudgetPeriodNone    BudgetPeriod = ""
	BudgetPeriodDaily   BudgetPeriod = "daily"
	BudgetPeriodMonthly BudgetPeriod = "monthly"
)

// Budget holds spend caps for a scope. Zero means unset.
type Budget struct {
	TotalUSDMicros int64        `json:"total_usd_micros,omitempty"`
	TotalTokens    int64        `json:"total_tokens,omitempty"`
	Period         BudgetPeriod `json:"period,omitempty"`
}

// Guardrails holds per-scope policy controls.
type Guardrails struct {
	AllowModels    []string         `json:"allow_models,omitempty"`
	DenyModels     []string         `json:"deny_models,omitempty"`
	BannedRegexes  []string         `json:"banned_regexes,omitempty"`
	ValidateSchema bool             `json:"validate_schema,omitempty"`
	compiled       []*regexp.Regexp // unused; the guardrail package caches compiled patterns in its own map
}

// ScopeControls bundles the three control families a scope can carry.
type ScopeControls struct {
	Limits     Limits     `json:"limits"`
	Budget     Budget     `json:"budget"`
	Guardrails Guardrails `json:"guardrails"`
}

// VirtualKey is the authentication principal: an opaque bearer token mapped
// to scope identifiers and per-scope controls.
type VirtualKey struct {
	ID        string `json:"id"`
	Token     string `json:"-"`
	TenantID  string `json:"tenant_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	Own     ScopeControls `json:"own"`
	Tenant  ScopeControls `json:"tenant"`
	Project ScopeControls `json:"project"`
	User    ScopeControls `json:"user"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveGuardrails returns the key's own guardrails, which the pipeline
// may further override with a matched route's guardrails per spec §4.3.
func (k *VirtualKey) EffectiveGuardrails() *Guardrails { return &k.Own.Guardrails }

// --- Backend ---

// BackendKind distinguishes proxy (pass-through) from translation backends.
type BackendKind int

const (
	BackendProxy BackendKind = iota
	BackendTranslation
)

// Capability identifies a translation backend's supported operation family.
type Capability string

const (
	CapLanguage      Capability = "language"
	CapEmbedding     Capability = "embedding"
	CapModeration    Capability = "moderation"
	CapImage         Capability = "image"
	CapAudioTranscribe Capability = "audio_transcription"
	CapSpeech        Capability = "speech"
	CapBatch         Capability = "batch"
	CapRerank        Capability = "rerank"
)

// BackendConfig is the static configuration for one named backend.
type BackendConfig struct {
	Name string
	Kind BackendKind

	// Proxy fields.
	BaseURL       string
	Headers       map[string]string
	QueryParams   map[string]string
	TimeoutMs     int
	MaxInFlight   int

	// Translation fields.
	Provider     string
	Capabilities []Capability
	ModelMap     map[string]string
}

// --- Route ---

// WeightedBackend is one candidate a route may select, with a relative
// selection weight.
type WeightedBackend struct {
	Backend string
	Weight  int
}

// Route maps a model prefix (or exact match) to a weighted backend list.
type Route struct {
	ModelPrefix       string
	Exact             bool
	Backends          []WeightedBackend
	GuardrailOverride *Guardrails
}

// --- Reservation & Budget Ledger ---

// ReservationStatus is the lifecycle state of a ReservationRecord.
type ReservationStatus int

const (
	ReservationReserved ReservationStatus = iota
	ReservationSettled
	ReservationRolledBack
)

// ReservationRecord is a provisional charge recorded at admission and
// finalized after the response completes.
type ReservationRecord struct {
	ID        string
	ScopeKey  string
	Tokens    int64
	CostMicros int64
	Status    ReservationStatus
}

// BudgetLedgerState is the per-scope counter set tracked by the budget
// ledger.
type BudgetLedgerState struct {
	SpentTokens      int64
	ReservedTokens   int64
	SpentUSDMicros   int64
	ReservedUSDMicros int64
	UpdatedAtMs      int64
}

// --- Rate limiting ---

// RateBucket is the per-(scope,route,minute) counter set.
type RateBucket struct {
	WindowMinute int64
	UsedRPM      int64
	UsedTPM      int64
}

// --- Health ---

// BackendHealth is the circuit breaker state for one backend.
type BackendHealth struct {
	ConsecutiveFailures int
	OpenUntilEpochSec   int64
	LastSuccessEpochSec int64
	LastProbeOK         bool
}

// --- Cache ---

// CachedResponse is a stored proxy response.
type CachedResponse struct {
	Status          int
	ResponseHeaders map[string][]string
	Body            []byte
	BackendName     string
	StoredAtEpochSec int64
}

// --- Audit ---

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	TsMs     int64
	Category string
	Payload  json.RawMessage
}

// --- Request/response wire shapes shared across translation & pipeline ---

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	MaxOutputTokens  *int            `json:"max_output_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte
	Usage *Usage
	Done  bool
	Err   error
}

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
	Key       *VirtualKey
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// VirtualKeyFromContext extracts the authenticated virtual key from context.
func VirtualKeyFromContext(ctx context.Context) *VirtualKey {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// ContextWithVirtualKey stores the key in the existing requestMeta if
// present, falling back to creating new metadata.
func ContextWithVirtualKey(ctx context.Context, k *VirtualKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: k})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.RequestID = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
