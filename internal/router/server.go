// Package router is the external interface (§6): GitHub webhooks and a
// small REST surface over the task store. It never runs orchestration
// logic itself beyond a single process() call per request; the job
// runner owns batch execution.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/c360studio/semspec/internal/collaborators"
	"github.com/c360studio/semspec/internal/metrics"
	"github.com/c360studio/semspec/internal/task"
	"github.com/c360studio/semspec/storage"
)

// Driver is the single-task step contract the REST surface and webhook
// handlers drive.
type Driver interface {
	Process(ctx context.Context, t *task.Task) (*task.Task, error)
}

// JobRunner starts a job's batch execution asynchronously.
type JobRunner interface {
	Run(ctx context.Context, jobID string, continueOnError bool) error
}

// Server wires the store, driver, job runner, and optional Linear
// collaborator into the HTTP surface.
type Server struct {
	store              storage.Store
	driver             Driver
	jobs               JobRunner
	linear             *collaborators.Linear
	webhookSecret      string
	defaultMaxAttempts int
	logger             *slog.Logger
	mux                *http.ServeMux
}

func New(store storage.Store, driver Driver, jobs JobRunner, linear *collaborators.Linear, webhookSecret string, defaultMaxAttempts int) *Server {
	s := &Server{
		store:              store,
		driver:             driver,
		jobs:               jobs,
		linear:             linear,
		webhookSecret:      webhookSecret,
		defaultMaxAttempts: defaultMaxAttempts,
		logger:             slog.Default(),
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /webhooks/github", s.handleWebhook)

	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("GET /api/tasks/{id}/trajectory", s.handleTaskTrajectory)
	s.mux.HandleFunc("POST /api/tasks/{id}/process", s.handleProcessTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/reject", s.handleRejectTask)

	s.mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /api/jobs/{id}/events", s.handleJobEvents)
	s.mux.HandleFunc("POST /api/jobs/{id}/run", s.handleRunJob)
	s.mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)

	s.mux.HandleFunc("GET /api/review/pending", s.handleReviewPending)
	s.mux.HandleFunc("GET /api/logs/stream", s.handleLogsStream)
}

var (
	repoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
	uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UTC()})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListPendingTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) taskByID(w http.ResponseWriter, r *http.Request) (*task.Task, bool) {
	id := r.PathValue("id")
	if !uuidPattern.MatchString(id) {
		writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil || t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	return t, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskByID(w, r)
	if !ok {
		return
	}
	events, err := s.store.ListEvents(r.Context(), t.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": t, "events": events})
}

// handleTaskTrajectory serves every LLM call recorded against this task's
// ID as its trace ID (the orchestrator tags every call it makes while
// processing a task with agentbase.WithTaskTrace), in call order.
func (s *Server) handleTaskTrajectory(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskByID(w, r)
	if !ok {
		return
	}
	calls, err := s.store.LLMCallsByTrace(r.Context(), t.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list trajectory")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": t.ID, "calls": calls})
}

func (s *Server) handleProcessTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskByID(w, r)
	if !ok {
		return
	}
	next, err := s.driver.Process(r.Context(), t)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": next})
}

type rejectRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) handleRejectTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskByID(w, r)
	if !ok {
		return
	}
	if t.Status != task.StatusWaitingHuman {
		writeError(w, http.StatusBadRequest, "task is not awaiting human review")
		return
	}
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	newStatus, err := task.Transition(t.Status, task.StatusReviewRejected)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t.Status = newStatus
	t.LastError = req.Feedback
	t.AttemptCount++
	if err := s.store.SaveTask(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, "could not save task")
		return
	}

	next, err := s.driver.Process(r.Context(), t)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": next})
}

type createJobRequest struct {
	Repo         string `json:"repo"`
	IssueNumbers []int  `json:"issueNumbers"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if !repoPattern.MatchString(req.Repo) {
		writeError(w, http.StatusBadRequest, "Invalid repo format. Expected: owner/repo")
		return
	}
	if len(req.IssueNumbers) == 0 || len(req.IssueNumbers) > 10 {
		writeError(w, http.StatusBadRequest, "issueNumbers must contain between 1 and 10 entries")
		return
	}
	for _, n := range req.IssueNumbers {
		if n <= 0 {
			writeError(w, http.StatusBadRequest, "issueNumbers must all be positive integers")
			return
		}
	}

	var taskIDs []string
	for _, n := range req.IssueNumbers {
		existing, err := s.store.GetTaskByIssue(r.Context(), req.Repo, n)
		if err == nil && existing != nil {
			taskIDs = append(taskIDs, existing.ID)
			continue
		}
		t := task.NewTask(req.Repo, n, "", "", s.defaultMaxAttempts)
		if err := s.store.CreateTask(r.Context(), t); err != nil {
			writeError(w, http.StatusInternalServerError, "could not create task")
			return
		}
		taskIDs = append(taskIDs, t.ID)
	}

	job := task.NewJob(req.Repo, taskIDs)
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	jobs, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) jobByID(w http.ResponseWriter, r *http.Request) (*task.Job, bool) {
	id := r.PathValue("id")
	if !uuidPattern.MatchString(id) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil || job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobByID(w, r)
	if !ok {
		return
	}
	var tasks []*task.Task
	for _, id := range job.TaskIDs {
		if t, err := s.store.GetTask(r.Context(), id); err == nil {
			tasks = append(tasks, t)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "tasks": tasks})
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobByID(w, r)
	if !ok {
		return
	}
	var events []*task.Event
	for _, id := range job.TaskIDs {
		taskEvents, err := s.store.ListEvents(r.Context(), id)
		if err != nil {
			continue
		}
		events = append(events, taskEvents...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobByID(w, r)
	if !ok {
		return
	}
	if job.Status != task.JobPending {
		writeError(w, http.StatusBadRequest, "job is not pending")
		return
	}
	go func() {
		if err := s.jobs.Run(context.Background(), job.ID, true); err != nil {
			s.logger.Error("job run failed", "job_id", job.ID, "error", err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": job.ID})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobByID(w, r)
	if !ok {
		return
	}
	if job.Status == task.JobCompleted || job.Status == task.JobFailed || job.Status == task.JobCancelled {
		writeError(w, http.StatusBadRequest, "job is already terminal")
		return
	}
	job.Status = task.JobCancelled
	if err := s.store.SaveJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, "could not cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReviewPending(w http.ResponseWriter, r *http.Request) {
	if s.linear == nil || !s.linear.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "linear integration disabled")
		return
	}
	tasks, err := s.store.ListAllByStatus(r.Context(), task.StatusWaitingHuman)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list tasks")
		return
	}
	var pending []collaborators.PendingReview
	for _, t := range tasks {
		if t.LinearIssueID == "" {
			continue
		}
		pending = append(pending, collaborators.PendingReview{LinearIssueID: t.LinearIssueID, Title: t.IssueTitle, URL: t.PRURL})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

// handleLogsStream serves a server-sent-events feed of task events for the
// repo named in ?repo=, each event sent as an SSE "data:" frame holding one
// JSON object, until the client
// disconnects or ctx is cancelled.
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	repo := r.URL.Query().Get("repo")
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	seen := map[string]bool{}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			tasks, err := s.store.ListPendingTasks(r.Context())
			if err != nil {
				continue
			}
			for _, t := range tasks {
				if repo != "" && t.Repo != repo {
					continue
				}
				events, err := s.store.ListEvents(r.Context(), t.ID)
				if err != nil {
					continue
				}
				for _, ev := range events {
					if seen[ev.ID] {
						continue
					}
					seen[ev.ID] = true
					data, _ := json.Marshal(ev)
					_, _ = w.Write([]byte("data: "))
					_, _ = w.Write(data)
					_, _ = w.Write([]byte("\n\n"))
				}
			}
			flusher.Flush()
		}
	}
}
