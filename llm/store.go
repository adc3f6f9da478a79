package llm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/c360studio/semspec/storage"
)

// CallRecord represents a single LLM API call with full context for trajectory tracking.
type CallRecord struct {
	// RequestID uniquely identifies this LLM call.
	RequestID string `json:"request_id"`

	// TraceID correlates this call with other messages in the same request flow.
	TraceID string `json:"trace_id"`

	// LoopID is the agent loop that initiated this call (if any).
	LoopID string `json:"loop_id,omitempty"`

	// Capability is the semantic capability requested (planning, writing, coding, etc.).
	Capability string `json:"capability"`

	// Model is the actual model that was used for this call.
	Model string `json:"model"`

	// Provider is the LLM provider (anthropic, ollama, openai, etc.).
	Provider string `json:"provider"`

	// Messages is the input message history sent to the LLM.
	Messages []Message `json:"messages"`

	// Response is the generated content from the LLM.
	Response string `json:"response"`

	// PromptTokens is the number of input/prompt tokens consumed.
	PromptTokens int `json:"prompt_tokens"`

	// CompletionTokens is the number of output/completion tokens generated.
	CompletionTokens int `json:"completion_tokens"`

	// TotalTokens is the total tokens consumed (prompt + completion).
	TotalTokens int `json:"total_tokens"`

	// ContextBudget is the maximum context window size for this model (optional).
	ContextBudget int `json:"context_budget,omitempty"`

	// ContextTruncated indicates if context was truncated to fit budget (optional).
	ContextTruncated bool `json:"context_truncated,omitempty"`

	// FinishReason indicates why generation stopped (stop, length, tool_use, etc.).
	FinishReason string `json:"finish_reason"`

	// StartedAt is when the LLM call began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the LLM call finished.
	CompletedAt time.Time `json:"completed_at"`

	// DurationMs is the call duration in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// Error contains any error message if the call failed.
	Error string `json:"error,omitempty"`

	// Retries is the number of retry attempts made.
	Retries int `json:"retries"`

	// FallbacksUsed lists models tried before success (if fallback was needed).
	FallbacksUsed []string `json:"fallbacks_used,omitempty"`
}

// CallStore persists LLM call records for trajectory tracking. It is a
// thin adapter over the same Postgres-backed store every other part of
// the engine uses; full message content stays in-process (client.go's
// callers can still log it) but only the metadata storage.CallRecord
// carries is durably recorded.
type CallStore struct {
	db storage.Store
}

// NewCallStore builds a CallStore over db.
func NewCallStore(db storage.Store) *CallStore {
	return &CallStore{db: db}
}

// Store saves an LLM call record.
func (s *CallStore) Store(ctx context.Context, record *CallRecord) error {
	if record.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	return s.db.RecordLLMCall(ctx, &storage.CallRecord{
		RequestID:        record.RequestID,
		TraceID:          record.TraceID,
		LoopID:           record.LoopID,
		Capability:       record.Capability,
		Model:            record.Model,
		Provider:         record.Provider,
		PromptTokens:     record.PromptTokens,
		CompletionTokens: record.CompletionTokens,
		TotalTokens:      record.TotalTokens,
		FinishReason:     record.FinishReason,
		StartedAt:        record.StartedAt,
		CompletedAt:      record.CompletedAt,
		DurationMs:       record.DurationMs,
		Error:            record.Error,
		Retries:          record.Retries,
		FallbacksUsed:    record.FallbacksUsed,
	})
}

// GetByTraceID retrieves every LLM call record for a given trace ID, in
// chronological order.
func (s *CallStore) GetByTraceID(ctx context.Context, traceID string) ([]*CallRecord, error) {
	if traceID == "" {
		return nil, fmt.Errorf("trace_id is required")
	}
	rows, err := s.db.LLMCallsByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	out := make([]*CallRecord, len(rows))
	for i, r := range rows {
		out[i] = &CallRecord{
			RequestID:        r.RequestID,
			TraceID:          r.TraceID,
			LoopID:           r.LoopID,
			Capability:       r.Capability,
			Model:            r.Model,
			Provider:         r.Provider,
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			TotalTokens:      r.TotalTokens,
			FinishReason:     r.FinishReason,
			StartedAt:        r.StartedAt,
			CompletedAt:      r.CompletedAt,
			DurationMs:       r.DurationMs,
			Error:            r.Error,
			Retries:          r.Retries,
			FallbacksUsed:    r.FallbacksUsed,
		}
	}
	SortByStartTime(out)
	return out, nil
}

// SortByStartTime sorts records chronologically by StartedAt.
func SortByStartTime(records []*CallRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
}

// TraceContext holds trace information extracted from context.
type TraceContext struct {
	TraceID string
	LoopID  string
}

// traceContextKey is the context key for trace information.
type traceContextKey struct{}

// WithTraceContext adds trace information to a context.
func WithTraceContext(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tc)
}

// GetTraceContext extracts trace information from a context.
func GetTraceContext(ctx context.Context) TraceContext {
	if tc, ok := ctx.Value(traceContextKey{}).(TraceContext); ok {
		return tc
	}
	return TraceContext{}
}
