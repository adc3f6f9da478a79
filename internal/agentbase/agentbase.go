// Package agentbase is the thin layer every orchestrator phase handler
// dispatches an LLM call through. It sits on top of llm.Client and
// model.Registry, adding the one thing every caller needs: a prompt in,
// a parsed JSON payload out, with the "the model wrapped its JSON in prose"
// recovery already handled by llm.ExtractJSON.
package agentbase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/semspec/llm"
	"github.com/c360studio/semspec/model"
)

// Role identifies which orchestrator phase is calling, which in turn
// resolves to a model.Capability via model.CapabilityForRole.
type Role string

const (
	RolePlanner   Role = "planner"
	RoleBreakdown Role = "breakdown"
	RoleDeveloper Role = "developer"
	RoleFixer     Role = "fixer"
	RoleReflector Role = "reflector"
	RoleReviewer  Role = "reviewer"
)

// Dispatcher sends role-scoped completion requests and decodes the
// model's JSON response into a caller-supplied type.
type Dispatcher struct {
	client *llm.Client
}

func New(client *llm.Client) *Dispatcher {
	return &Dispatcher{client: client}
}

// Call runs a single system+user exchange for role and decodes the
// response's JSON payload into out. Returns the raw response for
// trajectory logging alongside the decode error, if any. The model is
// resolved from role's default capability; use CallModel to pin a
// specific model (e.g. for tier escalation on retry).
func (d *Dispatcher) Call(ctx context.Context, role Role, system, user string, out any) (*llm.Response, error) {
	return d.CallModel(ctx, role, "", system, user, out)
}

// CallModel is Call with an explicit model name. An empty modelName falls
// back to the registry's normal capability-based resolution.
func (d *Dispatcher) CallModel(ctx context.Context, role Role, modelName, system, user string, out any) (*llm.Response, error) {
	cap := model.CapabilityForRole(string(role))
	resp, err := d.client.Complete(ctx, llm.Request{
		Capability: cap.String(),
		Model:      modelName,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: llm completion: %w", role, err)
	}

	if out == nil {
		return resp, nil
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		return resp, fmt.Errorf("%s: no JSON object found in model response", role)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return resp, fmt.Errorf("%s: decode model response: %w", role, err)
	}
	return resp, nil
}

// CallText runs a single exchange and returns the raw text content,
// for roles whose reply is free text rather than JSON.
func (d *Dispatcher) CallText(ctx context.Context, role Role, system, user string) (*llm.Response, error) {
	return d.Call(ctx, role, system, user, nil)
}

// WithTaskTrace tags ctx so every LLM call made under it is recorded
// against taskID as its trace ID (§4.8 trajectory tracking).
func WithTaskTrace(ctx context.Context, taskID string) context.Context {
	return llm.WithTraceContext(ctx, llm.TraceContext{TraceID: taskID})
}
