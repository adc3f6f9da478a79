// Package storage is the Postgres-backed persistence adapter: the sole
// owner of persisted Task, TaskEvent, Job, and Patch state (§3, §5). It
// uses a CRUD method-naming convention (CreateX/GetX/ListX/SaveX)
// over a relational schema, since the persisted-state layout (§6) is a
// relational one.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360studio/semspec/internal/task"
)

// Store is the persistence interface the orchestrator, job runner, and
// router depend on. All updates go through it; last-writer-wins per task id
// (§5).
type Store interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	GetTaskByIssue(ctx context.Context, repo string, issueNumber int) (*task.Task, error)
	SaveTask(ctx context.Context, t *task.Task) error
	ListPendingTasks(ctx context.Context) ([]*task.Task, error)
	ListTasksByStatus(ctx context.Context, repo string, statuses ...task.Status) ([]*task.Task, error)
	ListAllByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error)
	ListTasksByPR(ctx context.Context, repo string, prNumber int) ([]*task.Task, error)

	AppendEvent(ctx context.Context, e *task.Event) error
	ListEvents(ctx context.Context, taskID string) ([]*task.Event, error)

	CreateJob(ctx context.Context, j *task.Job) error
	GetJob(ctx context.Context, id string) (*task.Job, error)
	SaveJob(ctx context.Context, j *task.Job) error
	ListJobs(ctx context.Context, limit, offset int) ([]*task.Job, error)

	CreatePatch(ctx context.Context, taskID, diff, commitSHA string) error

	RecordFailurePattern(ctx context.Context, issueSignature, errorCode, avoidance string) error
	FailurePatterns(ctx context.Context, issueSignature string) ([]string, error)

	RecordLLMCall(ctx context.Context, rec *CallRecord) error
	LLMCallsByTrace(ctx context.Context, traceID string) ([]*CallRecord, error)

	Close()
}

// pgStore is the pgx/v5 implementation of Store.
type pgStore struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using databaseURL and returns a ready Store.
// DefaultQueryExecMode is pinned to QueryExecModeDescribeExec: the plain
// Exec mode caches prepared statement plans, which go stale the moment a
// goose migration runs against a live pool and start failing with
// "cached plan must not change result type".
func Open(ctx context.Context, databaseURL string) (*pgStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &pgStore{pool: pool}, nil
}

func (s *pgStore) Close() { s.pool.Close() }

func nullableJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	case *task.OrchestrationState:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func (s *pgStore) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now

	dod, _ := nullableJSON(t.DefinitionOfDone)
	plan, _ := nullableJSON(t.Plan)
	mfp, _ := nullableJSON(t.MultiFilePlan)
	orch, _ := nullableJSON(t.OrchestrationState)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, repo, issue_number, title, body, status,
			definition_of_done, plan, target_files, multi_file_plan,
			estimated_complexity, pre_commands, post_commands, command_order,
			orchestration_state, attempt_count, max_attempts, parent_task_id,
			subtask_index, is_orchestrated, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
			NULLIF($18,'')::uuid,$19,$20,$21,$22)`,
		t.ID, t.Repo, t.IssueNumber, t.IssueTitle, t.IssueBody, string(t.Status),
		dod, plan, t.TargetFiles, mfp,
		string(t.EstimatedComplexity), t.PreCommands, t.PostCommands, string(t.CommandOrder),
		orch, t.AttemptCount, t.MaxAttempts, t.ParentTaskID,
		t.SubtaskIndex, t.IsOrchestrated, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsAny(err.Error(), "duplicate key value", "unique constraint"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

const taskColumns = `id, repo, issue_number, title, body, status,
	definition_of_done, plan, target_files, multi_file_plan,
	estimated_complexity, pre_commands, post_commands, command_order,
	orchestration_state, COALESCE(branch_name, ''), COALESCE(current_diff, ''),
	COALESCE(commit_message, ''), pr_number, COALESCE(pr_url, ''),
	COALESCE(pr_title, ''), attempt_count, max_attempts, COALESCE(last_error, ''),
	COALESCE(linear_issue_id, ''), parent_task_id, subtask_index, is_orchestrated,
	created_at, updated_at`

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var status string
	var dod, plan, mfp, orch []byte
	var complexity, commandOrder, branch, diff, commitMsg, prURL, prTitle, lastErr, linearID string
	var parentID *string
	var prNumber, subtaskIndex *int

	err := row.Scan(
		&t.ID, &t.Repo, &t.IssueNumber, &t.IssueTitle, &t.IssueBody, &status,
		&dod, &plan, &t.TargetFiles, &mfp,
		&complexity, &t.PreCommands, &t.PostCommands, &commandOrder,
		&orch, &branch, &diff, &commitMsg,
		&prNumber, &prURL, &prTitle, &t.AttemptCount, &t.MaxAttempts, &lastErr,
		&linearID, &parentID, &subtaskIndex, &t.IsOrchestrated,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.EstimatedComplexity = task.Complexity(complexity)
	t.CommandOrder = task.CommandOrder(commandOrder)
	t.BranchName, t.CurrentDiff, t.CommitMessage = branch, diff, commitMsg
	t.PRURL, t.PRTitle, t.LastError, t.LinearIssueID = prURL, prTitle, lastErr, linearID
	if prNumber != nil {
		t.PRNumber = *prNumber
	}
	if parentID != nil {
		t.ParentTaskID = *parentID
	}
	if subtaskIndex != nil {
		t.SubtaskIndex = *subtaskIndex
	}
	if len(dod) > 0 {
		_ = json.Unmarshal(dod, &t.DefinitionOfDone)
	}
	if len(plan) > 0 {
		_ = json.Unmarshal(plan, &t.Plan)
	}
	if len(mfp) > 0 {
		_ = json.Unmarshal(mfp, &t.MultiFilePlan)
	}
	if len(orch) > 0 {
		_ = json.Unmarshal(orch, &t.OrchestrationState)
	}
	return &t, nil
}

func (s *pgStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *pgStore) GetTaskByIssue(ctx context.Context, repo string, issueNumber int) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE repo = $1 AND issue_number = $2`, repo, issueNumber)
	t, err := scanTask(row)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task by issue: %w", err)
	}
	return t, nil
}

// SaveTask persists the full current state of t (the orchestrator always
// writes back a complete task value after each transition, §4.2).
func (s *pgStore) SaveTask(ctx context.Context, t *task.Task) error {
	t.UpdatedAt = time.Now()

	dod, _ := nullableJSON(t.DefinitionOfDone)
	plan, _ := nullableJSON(t.Plan)
	mfp, _ := nullableJSON(t.MultiFilePlan)
	orch, _ := nullableJSON(t.OrchestrationState)

	var prNumber *int
	if t.PRNumber != 0 {
		prNumber = &t.PRNumber
	}
	var parentID *string
	if t.ParentTaskID != "" {
		parentID = &t.ParentTaskID
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status=$2, definition_of_done=$3, plan=$4, target_files=$5,
			multi_file_plan=$6, estimated_complexity=$7, pre_commands=$8,
			post_commands=$9, command_order=$10, orchestration_state=$11,
			branch_name=$12, current_diff=$13, commit_message=$14,
			pr_number=$15, pr_url=$16, pr_title=$17, attempt_count=$18,
			max_attempts=$19, last_error=$20, linear_issue_id=$21,
			parent_task_id=$22, subtask_index=$23, is_orchestrated=$24,
			updated_at=$25
		WHERE id=$1`,
		t.ID, string(t.Status), dod, plan, t.TargetFiles,
		mfp, string(t.EstimatedComplexity), t.PreCommands,
		t.PostCommands, string(t.CommandOrder), orch,
		t.BranchName, t.CurrentDiff, t.CommitMessage,
		prNumber, t.PRURL, t.PRTitle, t.AttemptCount,
		t.MaxAttempts, t.LastError, t.LinearIssueID,
		parentID, nullableInt(t.SubtaskIndex), t.IsOrchestrated,
		t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func nullableInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func (s *pgStore) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListPendingTasks returns every task whose status is not COMPLETED,
// FAILED or WAITING_HUMAN, oldest first; tasks parked in TESTING or
// PR_CREATED are included.
func (s *pgStore) ListPendingTasks(ctx context.Context) ([]*task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status NOT IN ('COMPLETED','FAILED','WAITING_HUMAN') ORDER BY created_at`)
}

func (s *pgStore) ListTasksByStatus(ctx context.Context, repo string, statuses ...task.Status) ([]*task.Task, error) {
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE repo = $1 AND status = ANY($2) ORDER BY created_at`, repo, strs)
}

// ListAllByStatus returns every task in any of statuses regardless of repo,
// used by the review-pending endpoint which has no single repo scope.
func (s *pgStore) ListAllByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ANY($1) ORDER BY created_at`, strs)
}

func (s *pgStore) ListTasksByPR(ctx context.Context, repo string, prNumber int) ([]*task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE repo = $1 AND pr_number = $2`, repo, prNumber)
}

func (s *pgStore) AppendEvent(ctx context.Context, e *task.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	meta, _ := nullableJSON(e.Metadata)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_events (id, task_id, event_type, agent, input_summary,
			output_summary, tokens_used, duration_ms, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.TaskID, string(e.Kind), e.Agent, e.InputSummary,
		e.OutputSummary, e.TokensUsed, e.DurationMs, meta, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *pgStore) ListEvents(ctx context.Context, taskID string) ([]*task.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, event_type, agent, input_summary, output_summary,
			tokens_used, duration_ms, metadata, created_at
		FROM task_events WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*task.Event
	for rows.Next() {
		var e task.Event
		var kind string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.TaskID, &kind, &e.Agent, &e.InputSummary,
			&e.OutputSummary, &e.TokensUsed, &e.DurationMs, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = task.EventKind(kind)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *pgStore) CreateJob(ctx context.Context, j *task.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now()
	j.CreatedAt, j.UpdatedAt = now, now
	summary, _ := json.Marshal(j.Summary)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, status, task_ids, repo, summary, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		j.ID, string(j.Status), j.TaskIDs, j.Repo, summary, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*task.Job, error) {
	var j task.Job
	var status string
	var summary []byte
	if err := row.Scan(&j.ID, &status, &j.TaskIDs, &j.Repo, &summary, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = task.JobStatus(status)
	if len(summary) > 0 {
		_ = json.Unmarshal(summary, &j.Summary)
	}
	return &j, nil
}

func (s *pgStore) GetJob(ctx context.Context, id string) (*task.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, status, task_ids, repo, summary, created_at, updated_at
		FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *pgStore) SaveJob(ctx context.Context, j *task.Job) error {
	j.UpdatedAt = time.Now()
	summary, _ := json.Marshal(j.Summary)
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET status=$2, summary=$3, updated_at=$4 WHERE id=$1`,
		j.ID, string(j.Status), summary, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *pgStore) ListJobs(ctx context.Context, limit, offset int) ([]*task.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, status, task_ids, repo, summary, created_at, updated_at
		FROM jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*task.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *pgStore) CreatePatch(ctx context.Context, taskID, diff, commitSHA string) error {
	var appliedAt *time.Time
	if commitSHA != "" {
		now := time.Now()
		appliedAt = &now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO patches (id, task_id, diff, commit_sha, applied_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		uuid.NewString(), taskID, diff, commitSHA, appliedAt, time.Now())
	if err != nil {
		return fmt.Errorf("insert patch: %w", err)
	}
	return nil
}

func (s *pgStore) RecordFailurePattern(ctx context.Context, issueSignature, errorCode, avoidance string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO failure_patterns (id, issue_type_signature, error_code, avoidance_strategy, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		uuid.NewString(), issueSignature, errorCode, avoidance, time.Now())
	if err != nil {
		return fmt.Errorf("insert failure pattern: %w", err)
	}
	return nil
}

func (s *pgStore) FailurePatterns(ctx context.Context, issueSignature string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT avoidance_strategy FROM failure_patterns
		WHERE issue_type_signature = $1 ORDER BY created_at DESC LIMIT 5`, issueSignature)
	if err != nil {
		return nil, fmt.Errorf("query failure patterns: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CallRecord is the persisted shape of one LLM call, recorded onto the
// shared Postgres pool.
type CallRecord struct {
	RequestID        string
	TraceID          string
	LoopID           string
	Capability       string
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FinishReason     string
	StartedAt        time.Time
	CompletedAt      time.Time
	DurationMs       int64
	Error            string
	Retries          int
	FallbacksUsed    []string
}

func (s *pgStore) RecordLLMCall(ctx context.Context, rec *CallRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO llm_calls (request_id, trace_id, loop_id, capability, model,
			provider, prompt_tokens, completion_tokens, total_tokens, finish_reason,
			started_at, completed_at, duration_ms, error, retries, fallbacks_used)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (request_id) DO NOTHING`,
		rec.RequestID, rec.TraceID, rec.LoopID, rec.Capability, rec.Model,
		rec.Provider, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.FinishReason,
		rec.StartedAt, rec.CompletedAt, rec.DurationMs, rec.Error, rec.Retries, rec.FallbacksUsed)
	if err != nil {
		return fmt.Errorf("record llm call: %w", err)
	}
	return nil
}

func (s *pgStore) LLMCallsByTrace(ctx context.Context, traceID string) ([]*CallRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, trace_id, loop_id, capability, model, provider,
			prompt_tokens, completion_tokens, total_tokens, finish_reason,
			started_at, completed_at, duration_ms, error, retries, fallbacks_used
		FROM llm_calls WHERE trace_id = $1 ORDER BY started_at`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query llm calls: %w", err)
	}
	defer rows.Close()

	var out []*CallRecord
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.RequestID, &r.TraceID, &r.LoopID, &r.Capability, &r.Model, &r.Provider,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.FinishReason,
			&r.StartedAt, &r.CompletedAt, &r.DurationMs, &r.Error, &r.Retries, &r.FallbacksUsed); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
