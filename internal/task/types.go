package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Complexity is the planner's estimate of how large an issue is.
type Complexity string

const (
	ComplexityXS Complexity = "XS"
	ComplexityS  Complexity = "S"
	ComplexityM  Complexity = "M"
	ComplexityL  Complexity = "L"
	ComplexityXL Complexity = "XL"
)

// CommandOrder controls when pre/post commands run relative to diff
// application.
type CommandOrder string

const (
	CommandOrderBeforeDiff CommandOrder = "before_diff"
	CommandOrderAfterDiff  CommandOrder = "after_diff"
)

// ReviewVerdict is the reviewer agent's judgement on a diff.
type ReviewVerdict string

const (
	VerdictApprove        ReviewVerdict = "APPROVE"
	VerdictRequestChanges ReviewVerdict = "REQUEST_CHANGES"
	VerdictNeedsDiscussion ReviewVerdict = "NEEDS_DISCUSSION"
)

// SubtaskStatus tracks one subtask inside a decomposed task's orchestration
// state.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskFailed     SubtaskStatus = "failed"
)

// Subtask is one child unit of work produced by BREAKDOWN.
type Subtask struct {
	ID                 string        `json:"id"`
	Title              string        `json:"title"`
	Description        string        `json:"description"`
	TargetFiles        []string      `json:"target_files"`
	DependsOn          []string      `json:"depends_on,omitempty"`
	AcceptanceCriteria []string      `json:"acceptance_criteria,omitempty"`
	Complexity         Complexity    `json:"complexity"`
	Status             SubtaskStatus `json:"status"`
	Diff               string        `json:"diff,omitempty"`
	Error              string        `json:"error,omitempty"`
}

// OrchestrationState holds the decomposition result for an M/L complexity
// task: the ordered subtasks plus their execution order and optional
// parallel groupings.
type OrchestrationState struct {
	Subtasks       []Subtask  `json:"subtasks"`
	ExecutionOrder []string   `json:"execution_order"`
	ParallelGroups [][]string `json:"parallel_groups,omitempty"`
}

// Task is the central entity: one unit of work tracking a single GitHub
// issue through the pipeline.
type Task struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	Repo        string `json:"repo"`
	IssueNumber int    `json:"issue_number"`
	IssueTitle  string `json:"issue_title"`
	IssueBody   string `json:"issue_body"`

	// Planning outputs, set once PLANNING_DONE.
	DefinitionOfDone    []string            `json:"definition_of_done,omitempty"`
	Plan                []string            `json:"plan,omitempty"`
	TargetFiles         []string            `json:"target_files,omitempty"`
	MultiFilePlan       map[string]string   `json:"multi_file_plan,omitempty"`
	EstimatedComplexity Complexity          `json:"estimated_complexity,omitempty"`
	PreCommands         []string            `json:"pre_commands,omitempty"`
	PostCommands        []string            `json:"post_commands,omitempty"`
	CommandOrder        CommandOrder        `json:"command_order,omitempty"`
	OrchestrationState  *OrchestrationState `json:"orchestration_state,omitempty"`

	// Coding outputs, set once CODING_DONE.
	BranchName    string `json:"branch_name,omitempty"`
	CurrentDiff   string `json:"current_diff,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`

	// PR outputs.
	PRNumber int    `json:"pr_number,omitempty"`
	PRURL    string `json:"pr_url,omitempty"`
	PRTitle  string `json:"pr_title,omitempty"`

	// Tracking.
	AttemptCount int    `json:"attempt_count"`
	MaxAttempts  int    `json:"max_attempts"`
	LastError    string `json:"last_error,omitempty"`

	// Hierarchy. A subtask (ParentTaskID set) may never itself be
	// orchestrated.
	ParentTaskID   string `json:"parent_task_id,omitempty"`
	SubtaskIndex   int    `json:"subtask_index,omitempty"`
	IsOrchestrated bool   `json:"is_orchestrated"`

	LinearIssueID string `json:"linear_issue_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTask constructs a new Task in status NEW with a fresh opaque id.
func NewTask(repo string, issueNumber int, title, body string, maxAttempts int) *Task {
	now := time.Now()
	return &Task{
		ID:          uuid.NewString(),
		Status:      StatusNew,
		Repo:        repo,
		IssueNumber: issueNumber,
		IssueTitle:  title,
		IssueBody:   body,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// EventKind enumerates the append-only audit events the orchestrator emits.
type EventKind string

const (
	EventCreated          EventKind = "CREATED"
	EventPlanned          EventKind = "PLANNED"
	EventCoded            EventKind = "CODED"
	EventTested           EventKind = "TESTED"
	EventFixed            EventKind = "FIXED"
	EventReviewed         EventKind = "REVIEWED"
	EventPROpened         EventKind = "PR_OPENED"
	EventFailed           EventKind = "FAILED"
	EventCompleted        EventKind = "COMPLETED"
	EventConsensusDecision EventKind = "CONSENSUS_DECISION"
)

// Event is an append-only audit record, never mutated once written.
type Event struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	Kind          EventKind      `json:"kind"`
	Agent         string         `json:"agent,omitempty"`
	InputSummary  string         `json:"input_summary,omitempty"`
	OutputSummary string         `json:"output_summary,omitempty"`
	TokensUsed    int            `json:"tokens_used,omitempty"`
	DurationMs    int64          `json:"duration_ms,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewEvent builds an Event stamped with the current time and a fresh id.
func NewEvent(taskID string, kind EventKind, agent string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Kind:      kind,
		Agent:     agent,
		CreatedAt: time.Now(),
	}
}

// JobStatus is the lifecycle status of a batch of tasks.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobPartial   JobStatus = "partial"
	JobCancelled JobStatus = "cancelled"
)

// JobSummary aggregates the outcome of a job's member tasks.
type JobSummary struct {
	Total       int      `json:"total"`
	Completed   int      `json:"completed"`
	Failed      int      `json:"failed"`
	InProgress  int      `json:"in_progress"`
	PRsCreated  []string `json:"prs_created"`
}

// Job is a batch of tasks for a single repo, executed with bounded
// parallelism by the job runner.
type Job struct {
	ID        string     `json:"id"`
	Repo      string     `json:"repo"`
	Status    JobStatus  `json:"status"`
	TaskIDs   []string   `json:"task_ids"`
	Summary   JobSummary `json:"summary"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewJob constructs a pending Job over the given task ids.
func NewJob(repo string, taskIDs []string) *Job {
	now := time.Now()
	return &Job{
		ID:        uuid.NewString(),
		Repo:      repo,
		Status:    JobPending,
		TaskIDs:   taskIDs,
		Summary:   JobSummary{Total: len(taskIDs), PRsCreated: []string{}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AgentCandidate is one parallel multi-agent attempt.
type AgentCandidate[T any] struct {
	ID       string
	Model    string
	Output   T
	Duration time.Duration
	Tokens   int
	Err      error
}

// ConsensusResult is the outcome of scoring/voting over a candidate set.
type ConsensusResult[T any] struct {
	Winner        AgentCandidate[T]
	Candidates    []AgentCandidate[T]
	Scores        map[string]float64
	ReviewerVotes map[string]ReviewerVote
	Reason        string
	TotalTokens   int
	TotalDuration time.Duration
}

// ReviewerVote is one reviewer-strategy candidate judgement.
type ReviewerVote struct {
	Verdict  ReviewVerdict
	Score    float64
	Comments []string
}

// PRTitleOrDefault returns PRTitle if set, else a title derived from the
// source issue.
func (t *Task) PRTitleOrDefault() string {
	if t.PRTitle != "" {
		return t.PRTitle
	}
	return fmt.Sprintf("%s (#%d)", t.IssueTitle, t.IssueNumber)
}

// TaskSuccess reports whether status represents a successful final outcome
// (a created PR awaiting review counts as success).
func TaskSuccess(s Status) bool {
	return s == StatusCompleted || s == StatusWaitingHuman
}
