//go:build integration

package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semspec/llm"
	_ "github.com/c360studio/semspec/llm/providers" // Register providers
	"github.com/c360studio/semspec/model"
	"github.com/c360studio/semspec/storage"
)

// waitForRecords polls the CallStore until the expected number of records
// are available for a given trace ID, or times out.
func waitForRecords(t *testing.T, store *llm.CallStore, traceID string, minCount int, timeout time.Duration) []*llm.CallRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		records, err := store.GetByTraceID(ctx, traceID)
		if err == nil && len(records) >= minCount {
			return records
		}

		select {
		case <-ctx.Done():
			t.Fatalf("Timed out waiting for %d records with trace %s (got %d)", minCount, traceID, len(records))
			return nil
		case <-ticker.C:
			// Poll again
		}
	}
}

func newTestCallStore(t *testing.T) *llm.CallStore {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := storage.Open(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(db.Close)
	return llm.NewCallStore(db)
}

// TestClient_Complete_RecordsCallWithTraceContext verifies that when a trace context
// is set, the LLM client records the call to the CallStore with the correct trace ID.
func TestClient_Complete_RecordsCallWithTraceContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"id":      "chatcmpl-123",
			"object":  "chat.completion",
			"created": 1677652288,
			"model":   "test-model",
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": "Test response",
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     100,
				"completion_tokens": 50,
				"total_tokens":      150,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	store := newTestCallStore(t)

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityFast: {
				Description: "Test capability",
				Preferred:   []string{"test-model"},
			},
		},
		map[string]*model.EndpointConfig{
			"test-model": {
				Provider:  "ollama",
				URL:       server.URL,
				Model:     "test-model",
				MaxTokens: 128000,
			},
		},
	)

	client := llm.NewClient(registry, llm.WithCallStore(store))

	traceID := uuid.NewString()
	loopID := "test-loop-id-67890"
	ctxWithTrace := llm.WithTraceContext(context.Background(), llm.TraceContext{
		TraceID: traceID,
		LoopID:  loopID,
	})

	resp, err := client.Complete(ctxWithTrace, llm.Request{
		Capability: "fast",
		Messages: []llm.Message{
			{Role: "user", Content: "Hello"},
		},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "Test response" {
		t.Errorf("Response content = %q, want %q", resp.Content, "Test response")
	}

	records := waitForRecords(t, store, traceID, 1, 2*time.Second)
	record := records[0]

	if record.TraceID != traceID {
		t.Errorf("Record TraceID = %q, want %q", record.TraceID, traceID)
	}
	if record.LoopID != loopID {
		t.Errorf("Record LoopID = %q, want %q", record.LoopID, loopID)
	}
	if record.PromptTokens != 100 {
		t.Errorf("Record PromptTokens = %d, want %d", record.PromptTokens, 100)
	}
	if record.CompletionTokens != 50 {
		t.Errorf("Record CompletionTokens = %d, want %d", record.CompletionTokens, 50)
	}
	if record.TotalTokens != 150 {
		t.Errorf("Record TotalTokens = %d, want %d", record.TotalTokens, 150)
	}
	if record.Model != "test-model" {
		t.Errorf("Record Model = %q, want %q", record.Model, "test-model")
	}
	if record.Capability != "fast" {
		t.Errorf("Record Capability = %q, want %q", record.Capability, "fast")
	}
}

// TestClient_Complete_MultipleCallsSameTrace verifies that multiple LLM calls
// with the same trace ID are all recorded and retrievable in order.
func TestClient_Complete_MultipleCallsSameTrace(t *testing.T) {
	callCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		resp := map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{
					"message": map[string]string{
						"role":    "assistant",
						"content": "Response",
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     10 * callCount,
				"completion_tokens": 5 * callCount,
				"total_tokens":      15 * callCount,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	store := newTestCallStore(t)

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityFast: {Preferred: []string{"test-model"}},
		},
		map[string]*model.EndpointConfig{
			"test-model": {Provider: "ollama", URL: server.URL, Model: "test-model", MaxTokens: 32000},
		},
	)

	client := llm.NewClient(registry, llm.WithCallStore(store))

	traceID := uuid.NewString()
	ctxWithTrace := llm.WithTraceContext(context.Background(), llm.TraceContext{TraceID: traceID})

	for i := 0; i < 3; i++ {
		_, err := client.Complete(ctxWithTrace, llm.Request{
			Capability: "fast",
			Messages:   []llm.Message{{Role: "user", Content: "Message"}},
		})
		if err != nil {
			t.Fatalf("Complete() call %d error = %v", i, err)
		}
	}

	records := waitForRecords(t, store, traceID, 3, 5*time.Second)
	for i, r := range records {
		if r.TraceID != traceID {
			t.Errorf("Record %d TraceID = %q, want %q", i, r.TraceID, traceID)
		}
	}
	for i := 1; i < len(records); i++ {
		if records[i].StartedAt.Before(records[i-1].StartedAt) {
			t.Errorf("Records not sorted: record %d started before record %d", i, i-1)
		}
	}
}

// TestClient_Complete_RecordsFailedCall verifies that failed LLM calls are
// also recorded with error information.
func TestClient_Complete_RecordsFailedCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("Invalid API key"))
	}))
	defer server.Close()

	store := newTestCallStore(t)

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityFast: {Preferred: []string{"test-model"}},
		},
		map[string]*model.EndpointConfig{
			"test-model": {Provider: "ollama", URL: server.URL, Model: "test-model", MaxTokens: 8000},
		},
	)

	client := llm.NewClient(registry, llm.WithCallStore(store))

	traceID := uuid.NewString()
	ctxWithTrace := llm.WithTraceContext(context.Background(), llm.TraceContext{TraceID: traceID})

	_, err := client.Complete(ctxWithTrace, llm.Request{
		Capability: "fast",
		Messages:   []llm.Message{{Role: "user", Content: "This will fail"}},
	})
	if err == nil {
		t.Fatal("Expected error from Complete(), got nil")
	}

	records := waitForRecords(t, store, traceID, 1, 2*time.Second)
	record := records[0]
	if record.Error == "" {
		t.Error("Expected Error field to be set for failed call")
	}
	if record.TraceID != traceID {
		t.Errorf("Record TraceID = %q, want %q", record.TraceID, traceID)
	}
}
