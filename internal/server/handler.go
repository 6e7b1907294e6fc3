package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mgrif/pageforge/internal/task"
	"github.com/mgrif/pageforge/internal/taskpg"
)

// Database persists accepted tasks.
type Database interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTaskStatus(ctx context.Context, id uuid.UUID) (task.Status, error)
}

// Broker hands accepted tasks to the workers.
type Broker interface {
	SendTask(ctx context.Context, t *task.Task) error
}

type Handler struct {
	mux             *http.ServeMux
	db              Database
	broker          Broker
	acceptedSecrets []string
	log             *slog.Logger
}

func NewHandler(db Database, broker Broker, acceptedSecrets []string, log *slog.Logger) *Handler {
	mux := http.NewServeMux()
	h := &Handler{
		mux:             mux,
		db:              db,
		broker:          broker,
		acceptedSecrets: acceptedSecrets,
		log:             log,
	}

	mux.HandleFunc("GET /health", h.GetHealth)
	mux.HandleFunc("POST /tasks", h.CreateTask)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string `json:"status"`
	}

	resp := response{Status: "ok"}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	type attachment struct {
		Name *string `json:"name"`
		URL  *string `json:"url"`
	}
	type request struct {
		Email         *string      `json:"email"`
		Secret        *string      `json:"secret"`
		Task          *string      `json:"task"`
		Round         *int         `json:"round"`
		Nonce         *string      `json:"nonce"`
		Brief         *string      `json:"brief"`
		Checks        *[]string    `json:"checks"`
		EvaluationURL *string      `json:"evaluation_url"`
		Attachments   *[]attachment `json:"attachments"`
	}

	type response struct {
		TaskID uuid.UUID   `json:"task_id"`
		Status task.Status `json:"status"`
	}

	var req request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusUnprocessableEntity)
		return
	}
	if dec.More() {
		http.Error(w, "invalid request body: multiple top-level values", http.StatusUnprocessableEntity)
		return
	}

	// Body field secret.
	if req.Secret == nil {
		http.Error(w, "missing secret body field", http.StatusUnauthorized)
		return
	}
	if !h.secretAccepted(*req.Secret) {
		http.Error(w, "invalid secret", http.StatusUnauthorized)
		return
	}

	// Body field email.
	if req.Email == nil || *req.Email == "" {
		http.Error(w, "missing email body field", http.StatusUnprocessableEntity)
		return
	}
	if !strings.Contains(*req.Email, "@") {
		http.Error(w, "invalid email body field", http.StatusUnprocessableEntity)
		return
	}

	// Body field task.
	if req.Task == nil || *req.Task == "" {
		http.Error(w, "missing task body field", http.StatusUnprocessableEntity)
		return
	}

	// Body field round.
	if req.Round == nil {
		http.Error(w, "missing round body field", http.StatusUnprocessableEntity)
		return
	}
	if *req.Round < 0 {
		http.Error(w, "invalid round body field", http.StatusUnprocessableEntity)
		return
	}

	// Body field nonce.
	if req.Nonce == nil || *req.Nonce == "" {
		http.Error(w, "missing nonce body field", http.StatusUnprocessableEntity)
		return
	}

	t := &task.Task{
		ID:    task.DeriveID(*req.Email, *req.Task, *req.Round, *req.Nonce),
		Email: *req.Email,
		Name:  *req.Task,
		Round: *req.Round,
		Nonce: *req.Nonce,
	}
	if req.Brief != nil {
		t.Brief = *req.Brief
	}
	if req.Checks != nil {
		t.Checks = *req.Checks
	}
	if req.EvaluationURL != nil {
		t.EvaluationURL = *req.EvaluationURL
	}
	if req.Attachments != nil {
		for i, a := range *req.Attachments {
			if a.Name == nil || a.URL == nil {
				http.Error(w, fmt.Sprintf("invalid attachments body field: attachment %d misses name or url", i), http.StatusUnprocessableEntity)
				return
			}
			t.Attachments = append(t.Attachments, task.Attachment{Name: *a.Name, URL: *a.URL})
		}
	}

	ctx := r.Context()
	err := h.db.CreateTask(ctx, t)
	if errors.Is(err, taskpg.ErrTaskExists) {
		status, err := h.db.GetTaskStatus(ctx, t.ID)
		if err != nil {
			h.log.Error("didn't get task status", "task_id", t.ID, "err", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		// A stranded task whose message was lost mid-pipeline gets
		// re-enqueued here. Workers guard terminal states and every
		// step converges, so an extra delivery is harmless.
		if !status.Terminal() {
			if err = h.broker.SendTask(ctx, t); err != nil {
				h.log.Error("didn't re-enqueue task", "task_id", t.ID, "err", err)
			}
		}
		h.writeJSON(w, http.StatusOK, response{TaskID: t.ID, Status: status})
		return
	}
	if err != nil {
		h.log.Error("didn't create task", "task_id", t.ID, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if err = h.broker.SendTask(ctx, t); err != nil {
		h.log.Error("didn't enqueue task", "task_id", t.ID, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusAccepted, response{TaskID: t.ID, Status: task.StatusReceived})
}

func (h *Handler) secretAccepted(secret string) bool {
	accepted := false
	for _, s := range h.acceptedSecrets {
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s)) == 1 {
			accepted = true
		}
	}
	return accepted
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("didn't encode response", "err", err)
	}
}
