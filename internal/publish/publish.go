// Package publish creates a remote repository for a task, uploads the
// generated file set as a single commit, and enables public static hosting.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mgrif/pageforge/internal/task"
)

// Cause classifies a publish failure.
type Cause string

const (
	CauseNamingConflict Cause = "naming-conflict"
	CauseRateLimited    Cause = "rate-limited"
	CauseUpstreamError  Cause = "upstream-error"
	CausePartialCommit  Cause = "partial-commit"
)

// Error is the typed error returned by Client.Publish.
type Error struct {
	Cause Cause
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("publish: %s", e.Cause)
	}
	return fmt.Sprintf("publish: %s: %v", e.Cause, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RateLimited implements retry.RateLimited so that the orchestrator's
// backoff can wait longer under upstream rate-limit pressure.
func (e *Error) RateLimited() bool { return e.Cause == CauseRateLimited }

const defaultBranch = "main"

// Client is a stateless client for a GitHub-compatible repository and
// hosting API. Publish is convergent: calling it again for the same task
// reuses the repository and force-updates the branch to the full tree,
// so a crashed or retried publish never leaves a mixed partial tree
// visible on the branch.
type Client struct {
	BaseURL    string       // required, e.g. https://api.github.com
	Token      string       // required, scoped to repository management
	Owner      string       // required, the operator's account
	HTTPClient *http.Client // required
}

func NewClient(baseURL, token, owner string, httpClient *http.Client) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, Owner: owner, HTTPClient: httpClient}
}

// Publish ensures the task's repository exists, commits the file set in
// one atomic ref update, and enables public hosting. The returned
// deployment's PagesStatus is pending; Publish does not wait for the
// hosted site to become reachable.
func (c *Client) Publish(ctx context.Context, t *task.Task, files task.FileSet) (*task.Deployment, error) {
	if err := files.Validate(); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	repoName := t.RepoName()

	repoURL, err := c.ensureRepo(ctx, repoName, fmt.Sprintf("Generated application for task %s round %d", t.Name, t.Round))
	if err != nil {
		return nil, err
	}

	commitSHA, err := c.commitTree(ctx, repoName, files, fmt.Sprintf("Deploy %s round %d", t.Name, t.Round))
	if err != nil {
		return nil, err
	}

	if err = c.enablePages(ctx, repoName); err != nil {
		return nil, err
	}

	return &task.Deployment{
		RepoURL:     repoURL,
		PagesURL:    fmt.Sprintf("https://%s.github.io/%s/", c.Owner, repoName),
		CommitSHA:   commitSHA,
		PagesStatus: task.PagesPending,
	}, nil
}

// ensureRepo returns the repository's URL, creating the repository if it
// doesn't exist yet. An existing repository is detected by lookup, never
// assumed from a creation failure, so a retried publish for the same task
// converges on the repository a prior attempt created.
func (c *Client) ensureRepo(ctx context.Context, repoName, description string) (string, error) {
	type repo struct {
		HTMLURL string `json:"html_url"`
	}

	var got repo
	status, err := c.do(ctx, http.MethodGet, "/repos/"+c.Owner+"/"+repoName, nil, &got)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK:
		return got.HTMLURL, nil
	case http.StatusNotFound:
	default:
		return "", c.statusError(status, "get repository")
	}

	type createRequest struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Private     bool   `json:"private"`
		AutoInit    bool   `json:"auto_init"`
	}
	// The repository must not be empty: the Git Data API answers
	// 409 for tree creation on a repository without commits.
	var created repo
	status, err = c.do(ctx, http.MethodPost, "/user/repos", &createRequest{Name: repoName, Description: description, AutoInit: true}, &created)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusCreated:
		return created.HTMLURL, nil
	case http.StatusUnprocessableEntity:
		// Name already exists: a concurrent attempt won the creation race.
		status, err = c.do(ctx, http.MethodGet, "/repos/"+c.Owner+"/"+repoName, nil, &got)
		if err != nil {
			return "", err
		}
		if status == http.StatusOK {
			return got.HTMLURL, nil
		}
		return "", &Error{Cause: CauseNamingConflict, Err: fmt.Errorf("name %q already exists but lookup returned status %d", repoName, status)}
	default:
		return "", c.statusError(status, "create repository")
	}
}

// commitTree writes the full file set as one commit and points the default
// branch at it with a single forced ref update. The intermediate tree and
// commit objects are unreachable until the ref moves, so a crash before the
// ref update leaves the branch untouched and a repeat call converges.
func (c *Client) commitTree(ctx context.Context, repoName string, files task.FileSet, message string) (string, error) {
	repoPath := "/repos/" + c.Owner + "/" + repoName

	type treeEntry struct {
		Path    string `json:"path"`
		Mode    string `json:"mode"`
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	type createTreeRequest struct {
		Tree []treeEntry `json:"tree"`
	}
	type object struct {
		SHA string `json:"sha"`
	}

	entries := make([]treeEntry, 0, len(files))
	for p, content := range files {
		entries = append(entries, treeEntry{Path: p, Mode: "100644", Type: "blob", Content: string(content)})
	}

	var tree object
	status, err := c.do(ctx, http.MethodPost, repoPath+"/git/trees", &createTreeRequest{Tree: entries}, &tree)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", c.statusError(status, "create tree")
	}

	// The branch may not exist yet on a fresh repository.
	type ref struct {
		Object object `json:"object"`
	}
	var head ref
	branchExists := false
	status, err = c.do(ctx, http.MethodGet, repoPath+"/git/ref/heads/"+defaultBranch, nil, &head)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK:
		branchExists = true
	case http.StatusNotFound:
	default:
		return "", c.statusError(status, "get ref")
	}

	type createCommitRequest struct {
		Message string   `json:"message"`
		Tree    string   `json:"tree"`
		Parents []string `json:"parents"`
	}
	parents := []string{}
	if branchExists {
		parents = append(parents, head.Object.SHA)
	}
	var commit object
	status, err = c.do(ctx, http.MethodPost, repoPath+"/git/commits", &createCommitRequest{Message: message, Tree: tree.SHA, Parents: parents}, &commit)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", c.statusError(status, "create commit")
	}

	if branchExists {
		type updateRefRequest struct {
			SHA   string `json:"sha"`
			Force bool   `json:"force"`
		}
		status, err = c.do(ctx, http.MethodPatch, repoPath+"/git/refs/heads/"+defaultBranch, &updateRefRequest{SHA: commit.SHA, Force: true}, nil)
		if err != nil {
			return "", err
		}
		if status != http.StatusOK {
			return "", &Error{Cause: CausePartialCommit, Err: fmt.Errorf("update ref: status %d", status)}
		}
		return commit.SHA, nil
	}

	type createRefRequest struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	status, err = c.do(ctx, http.MethodPost, repoPath+"/git/refs", &createRefRequest{Ref: "refs/heads/" + defaultBranch, SHA: commit.SHA}, nil)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusCreated:
		return commit.SHA, nil
	case http.StatusUnprocessableEntity:
		// The ref appeared between lookup and creation; force it forward.
		type updateRefRequest struct {
			SHA   string `json:"sha"`
			Force bool   `json:"force"`
		}
		status, err = c.do(ctx, http.MethodPatch, repoPath+"/git/refs/heads/"+defaultBranch, &updateRefRequest{SHA: commit.SHA, Force: true}, nil)
		if err != nil {
			return "", err
		}
		if status != http.StatusOK {
			return "", &Error{Cause: CausePartialCommit, Err: fmt.Errorf("update ref after create conflict: status %d", status)}
		}
		return commit.SHA, nil
	default:
		return "", &Error{Cause: CausePartialCommit, Err: fmt.Errorf("create ref: status %d", status)}
	}
}

// enablePages turns on public static hosting from the default branch root.
// The platform activates hosting asynchronously; a conflict means a prior
// attempt already enabled it.
func (c *Client) enablePages(ctx context.Context, repoName string) error {
	type source struct {
		Branch string `json:"branch"`
		Path   string `json:"path"`
	}
	type request struct {
		Source source `json:"source"`
	}

	status, err := c.do(ctx, http.MethodPost, "/repos/"+c.Owner+"/"+repoName+"/pages", &request{Source: source{Branch: defaultBranch, Path: "/"}}, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusCreated, http.StatusNoContent, http.StatusConflict:
		return nil
	default:
		return c.statusError(status, "enable pages")
	}
}

// do performs one API request and decodes the response body into out when
// out is non-nil and the body is JSON. It returns the response status and
// maps transport failures to upstream-error.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reqBody io.Reader
	if body != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return 0, &Error{Cause: CauseUpstreamError, Err: err}
		}
		reqBody = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return 0, &Error{Cause: CauseUpstreamError, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, &Error{Cause: CauseUpstreamError, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if rateLimited(resp) {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &Error{Cause: CauseRateLimited, Err: fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))}
	}

	if out != nil && resp.StatusCode < http.StatusBadRequest {
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, &Error{Cause: CauseUpstreamError, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) statusError(status int, op string) error {
	return &Error{Cause: CauseUpstreamError, Err: fmt.Errorf("%s: status %d", op, status)}
}

func rateLimited(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-Ratelimit-Remaining") == "0"
}
