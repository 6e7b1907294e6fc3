package task

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrEmptyFileSet = errors.New("file set is empty")
	ErrBadFilePath  = errors.New("bad file path")
)

// namespace is the UUID namespace for deriving task IDs.
// It was generated once and must never change,
// otherwise resubmitted tasks stop matching their earlier submissions.
var namespace = uuid.MustParse("7a1de3a3-5c3a-4f6e-9d5a-2a4f9b6c8e01")

// Task is one accepted request to generate and deploy an application.
// A Task is immutable once accepted; retries operate on the same value.
type Task struct {
	ID            uuid.UUID    `json:"id"`
	Email         string       `json:"email"`
	Name          string       `json:"name"`
	Round         int          `json:"round"`
	Nonce         string       `json:"nonce"`
	Brief         string       `json:"brief"`
	Checks        []string     `json:"checks"`
	Attachments   []Attachment `json:"attachments"`
	EvaluationURL string       `json:"evaluation_url"`
}

// Attachment is a named reference to supplementary task material.
// The content is never fetched by this service; the reference is passed
// to the generator as-is.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// DeriveID returns the deterministic task ID for a submission identity.
// Submissions with equal (email, name, round, nonce) map to the same ID,
// which makes resubmission an idempotent no-op.
func DeriveID(email, name string, round int, nonce string) uuid.UUID {
	key := fmt.Sprintf("%s\x00%s\x00%d\x00%s", email, name, round, nonce)
	return uuid.NewSHA1(namespace, []byte(key))
}

// RepoName returns the repository name a task deploys to.
// It is a pure function of the task identity so that a retried publish
// targets the same repository instead of creating a new one.
// A name without alphanumeric characters falls back on the nonce to keep
// the repository name well-formed.
func (t *Task) RepoName() string {
	slug := Slug(t.Name)
	if slug == "" {
		slug = Slug(t.Nonce)
	}
	if slug == "" {
		slug = "task"
	}
	return fmt.Sprintf("llm-app-%s-round-%d", slug, t.Round)
}

// Slug lowercases s and collapses runs of non-alphanumeric characters
// into single hyphens.
func Slug(s string) string {
	var b strings.Builder
	lastHyphen := true // trims leading hyphens
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// FileSet maps repository-relative file paths to file content.
type FileSet map[string][]byte

// Validate checks that the file set has at least one file and that
// every path stays inside the repository root.
func (fs FileSet) Validate() error {
	if len(fs) == 0 {
		return ErrEmptyFileSet
	}
	for p := range fs {
		if err := checkPath(p); err != nil {
			return err
		}
	}
	return nil
}

func checkPath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty", ErrBadFilePath)
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return fmt.Errorf("%w: %q", ErrBadFilePath, p)
	}
	cleaned := path.Clean(p)
	if cleaned != p || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("%w: %q", ErrBadFilePath, p)
	}
	return nil
}

// PagesStatus reports whether a deployment's hosted site is reachable.
// Hosting activation is asynchronous on the remote platform, so a valid
// deployment may stay pending for a while after publish returns.
type PagesStatus string

const (
	PagesPending PagesStatus = "pending"
	PagesLive    PagesStatus = "live"
	PagesUnknown PagesStatus = "unknown"
)

// Deployment records where a task's generated code lives and is hosted.
// It is valid once the repository exists and the commit succeeded.
type Deployment struct {
	RepoURL     string      `json:"repo_url"`
	PagesURL    string      `json:"pages_url"`
	CommitSHA   string      `json:"commit_sha"`
	PagesStatus PagesStatus `json:"pages_status"`
}

// Status represents the task status as a string.
type Status string

const (
	// StatusReceived indicates that the task has been accepted but no
	// pipeline step has started.
	StatusReceived Status = "received"
	// StatusGenerating indicates that code generation is in progress.
	StatusGenerating Status = "generating"
	// StatusPublishing indicates that the repository publish is in progress.
	StatusPublishing Status = "publishing"
	// StatusNotifying indicates that the terminal outcome is being delivered
	// to the evaluation callback.
	StatusNotifying Status = "notifying"
	// StatusSucceeded indicates that the task finished with a deployment.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates that the task finished without a deployment.
	StatusFailed Status = "failed"
)

var statuses = map[Status]struct{}{
	StatusReceived:   {},
	StatusGenerating: {},
	StatusPublishing: {},
	StatusNotifying:  {},
	StatusSucceeded:  {},
	StatusFailed:     {},
}

// StatusFromString converts a string to a Status and checks if it is known.
func StatusFromString(s string) (status Status, known bool) {
	status = Status(s)
	_, known = statuses[status]
	return status, known
}

// Terminal reports whether the status is one of the two terminal states.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ErrorKind classifies which pipeline step exhausted its retry budget.
type ErrorKind string

const (
	ErrorNone             ErrorKind = ""
	ErrorGenerationFailed ErrorKind = "generation-failed"
	ErrorPublishFailed    ErrorKind = "publish-failed"
)

// Outcome is the terminal record for a task. It is created once the
// pipeline reaches a terminal state and is never mutated afterwards,
// except to flip Notified once callback delivery succeeds.
type Outcome struct {
	TaskID      uuid.UUID   `json:"task_id"`
	Status      Status      `json:"status"`
	Deployment  *Deployment `json:"deployment,omitempty"`
	ErrorKind   ErrorKind   `json:"error_kind,omitempty"`
	ErrorDetail string      `json:"error_detail,omitempty"`
	Notified    bool        `json:"notified"`
}
