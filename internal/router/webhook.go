package router

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/c360studio/semspec/internal/task"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-GitHub-Event"
	autoDevLabel    = "auto-dev"

	// maxWebhookBodySize bounds the body read before signature verification.
	maxWebhookBodySize = 1 << 20
)

type ghLabel struct {
	Name string `json:"name"`
}

type ghIssue struct {
	Number int       `json:"number"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	Labels []ghLabel `json:"labels"`
}

type ghRepository struct {
	FullName string `json:"full_name"`
}

type ghPullRequest struct {
	Number int `json:"number"`
}

type issuesEvent struct {
	Action     string       `json:"action"`
	Issue      ghIssue      `json:"issue"`
	Repository ghRepository `json:"repository"`
}

type checkRunEvent struct {
	Action   string `json:"action"`
	CheckRun struct {
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		HeadSHA    string `json:"head_sha"`
	} `json:"check_run"`
	Repository ghRepository `json:"repository"`
}

type pullRequestReviewEvent struct {
	Action string `json:"action"`
	Review struct {
		State string `json:"state"`
		Body  string `json:"body"`
	} `json:"review"`
	PullRequest ghPullRequest `json:"pull_request"`
	Repository  ghRepository  `json:"repository"`
}

// handleWebhook implements the §6 webhook endpoint: verify signature, then
// dispatch on X-GitHub-Event.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot read body"})
		return
	}

	if s.webhookSecret != "" {
		if !verifySignature([]byte(s.webhookSecret), r.Header.Get(signatureHeader), body) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
			return
		}
	}

	switch r.Header.Get(eventHeader) {
	case "issues":
		s.handleIssuesEvent(r.Context(), w, body)
	case "check_run":
		s.handleCheckRunEvent(r.Context(), w, body)
	case "pull_request_review":
		s.handlePullRequestReviewEvent(r.Context(), w, body)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": true})
	}
}

func verifySignature(secret []byte, signature string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	sigBytes, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sigBytes, mac.Sum(nil))
}

// handleIssuesEvent creates a task when an issue is labeled with the
// configured auto-dev label.
func (s *Server) handleIssuesEvent(ctx context.Context, w http.ResponseWriter, body []byte) {
	var ev issuesEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}
	if ev.Action != "labeled" || !hasLabel(ev.Issue.Labels, autoDevLabel) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": true})
		return
	}

	if existing, err := s.store.GetTaskByIssue(ctx, ev.Repository.FullName, ev.Issue.Number); err == nil && existing != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task_id": existing.ID, "existing": true})
		return
	}

	t := task.NewTask(ev.Repository.FullName, ev.Issue.Number, ev.Issue.Title, ev.Issue.Body, s.defaultMaxAttempts)
	if err := s.store.CreateTask(ctx, t); err != nil {
		s.logger.Error("webhook: create task failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not create task"})
		return
	}
	if err := s.store.AppendEvent(ctx, task.NewEvent(t.ID, task.EventCreated, "webhook")); err != nil {
		s.logger.Warn("webhook: append created event failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task_id": t.ID})
}

// handleCheckRunEvent re-drives every TESTING task for the repo once a
// check run completes, so the TEST handler can observe the conclusion.
func (s *Server) handleCheckRunEvent(ctx context.Context, w http.ResponseWriter, body []byte) {
	var ev checkRunEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}
	if ev.Action != "completed" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": true})
		return
	}

	tasks, err := s.store.ListTasksByStatus(ctx, ev.Repository.FullName, task.StatusTesting)
	if err != nil {
		s.logger.Error("webhook: list testing tasks failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not list tasks"})
		return
	}
	driven := 0
	for _, t := range tasks {
		if _, err := s.driver.Process(ctx, t); err != nil {
			s.logger.Warn("webhook: process testing task failed", "task_id", t.ID, "error", err)
			continue
		}
		driven++
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "driven": driven})
}

// handlePullRequestReviewEvent re-drives a WAITING_HUMAN task to
// REVIEW_REJECTED when a human requests changes on its PR.
func (s *Server) handlePullRequestReviewEvent(ctx context.Context, w http.ResponseWriter, body []byte) {
	var ev pullRequestReviewEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}
	if ev.Action != "submitted" || ev.Review.State != "changes_requested" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": true})
		return
	}

	tasks, err := s.store.ListTasksByPR(ctx, ev.Repository.FullName, ev.PullRequest.Number)
	if err != nil || len(tasks) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": true})
		return
	}
	t := tasks[0]
	if t.Status != task.StatusWaitingHuman {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": true})
		return
	}
	if t.AttemptCount >= t.MaxAttempts {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": true, "reason": "attempts exhausted"})
		return
	}

	t.LastError = ev.Review.Body
	t.AttemptCount++
	newStatus, err := task.Transition(t.Status, task.StatusReviewRejected)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	t.Status = newStatus
	if err := s.store.SaveTask(ctx, t); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not save task"})
		return
	}
	if _, err := s.driver.Process(ctx, t); err != nil {
		s.logger.Warn("webhook: re-drive after review rejection failed", "task_id", t.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task_id": t.ID})
}

func hasLabel(labels []ghLabel, name string) bool {
	for _, l := range labels {
		if l.Name == name {
			return true
		}
	}
	return false
}
