// Package notify delivers terminal task outcomes to the caller-supplied
// evaluation callback.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mgrif/pageforge/internal/retry"
	"github.com/mgrif/pageforge/internal/task"
)

// Cause classifies a delivery failure.
type Cause string

const (
	CauseUpstreamTimeout Cause = "upstream-timeout"
	CauseUpstreamError   Cause = "upstream-error"
)

// Error is the typed error returned by a single delivery attempt.
type Error struct {
	Cause Cause
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("notify: %s", e.Cause)
	}
	return fmt.Sprintf("notify: %s: %v", e.Cause, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DefaultPolicy allows up to 6 attempts with waits of 1, 2, 4, 8 and 16
// seconds between them, capped at 32 seconds. Callback targets are
// caller-controlled and expected to be flaky, so this budget is
// independent of the orchestrator's own step budgets.
var DefaultPolicy = retry.Policy{
	MaxAttempts: 6,
	BaseDelay:   time.Second,
	MaxDelay:    32 * time.Second,
}

// Result reports whether an outcome reached the evaluation callback.
type Result struct {
	Delivered bool
	Attempts  int
}

// Notifier POSTs task outcomes to evaluation URLs with its own retry
// policy. Delivery failure is reported, never escalated: the task already
// reached its terminal outcome.
type Notifier struct {
	HTTPClient *http.Client // required
	Policy     retry.Policy
	Logger     *slog.Logger
}

func NewNotifier(httpClient *http.Client, policy retry.Policy, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{HTTPClient: httpClient, Policy: policy, Logger: logger}
}

// payload is the callback body expected by the evaluation service.
type payload struct {
	Email       string `json:"email"`
	Task        string `json:"task"`
	Round       int    `json:"round"`
	Nonce       string `json:"nonce"`
	Status      string `json:"status"`
	RepoURL     string `json:"repo_url,omitempty"`
	CommitSHA   string `json:"commit_sha,omitempty"`
	PagesURL    string `json:"pages_url,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// Notify delivers the outcome for t to its evaluation URL.
// It returns the delivery result together with the last attempt's error
// when delivery failed; callers record the result and move on.
func (n *Notifier) Notify(ctx context.Context, t *task.Task, outcome *task.Outcome) (*Result, error) {
	body := payload{
		Email:       t.Email,
		Task:        t.Name,
		Round:       t.Round,
		Nonce:       t.Nonce,
		Status:      string(outcome.Status),
		ErrorKind:   string(outcome.ErrorKind),
		ErrorDetail: outcome.ErrorDetail,
	}
	if d := outcome.Deployment; d != nil {
		body.RepoURL = d.RepoURL
		body.CommitSHA = d.CommitSHA
		body.PagesURL = d.PagesURL
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return &Result{}, &Error{Cause: CauseUpstreamError, Err: err}
	}

	attempts := 0
	_, err = retry.Do(ctx, n.Policy, func(ctx context.Context, attempt int) (struct{}, error) {
		attempts = attempt
		if err := n.post(ctx, t.EvaluationURL, encoded); err != nil {
			n.Logger.Warn("didn't deliver outcome",
				"task_id", t.ID, "attempt", attempt, "err", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		return &Result{Delivered: false, Attempts: attempts}, err
	}
	return &Result{Delivered: true, Attempts: attempts}, nil
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Error{Cause: CauseUpstreamError, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		cause := CauseUpstreamError
		if isTimeout(err) {
			cause = CauseUpstreamTimeout
		}
		return &Error{Cause: cause, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err = fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
		return &Error{Cause: CauseUpstreamError, Err: err}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
