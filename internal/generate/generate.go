// Package generate calls a language-model completion service with a task
// brief and parses the reply into a set of named files.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mgrif/pageforge/internal/task"
)

// Cause classifies a generation failure.
type Cause string

const (
	CauseUpstreamTimeout   Cause = "upstream-timeout"
	CauseUpstreamError     Cause = "upstream-error"
	CauseMalformedResponse Cause = "malformed-response"
)

// Error is the typed error returned by Client.Generate.
type Error struct {
	Cause Cause
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("generate: %s", e.Cause)
	}
	return fmt.Sprintf("generate: %s: %v", e.Cause, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client is a stateless client for an OpenAI-style chat-completions
// endpoint. It performs a single request per Generate call; retry policy
// belongs to the caller.
type Client struct {
	BaseURL    string       // required
	Token      string       // required
	Model      string       // required
	HTTPClient *http.Client // required
}

func NewClient(baseURL, token, model string, httpClient *http.Client) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, Model: model, HTTPClient: httpClient}
}

type GenerateParams struct {
	Task *task.Task
	// PreviousFailure is the failure reason of the prior attempt, if any.
	// It biases regeneration towards a narrower fix. Generate stays a pure
	// function of its params; no state is kept across calls.
	PreviousFailure string
}

const systemPrompt = `You generate complete, small, static web applications.
Reply with a single JSON object of the form
{"files": [{"path": "index.html", "content": "..."}, ...]}
and nothing else. Paths are relative to the repository root. The application
must be servable as a static site with index.html as the entry point.`

// Generate builds one completion request from the task and parses the
// reply into a file set.
func (c *Client) Generate(ctx context.Context, params *GenerateParams) (task.FileSet, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type request struct {
		Model    string    `json:"model"`
		Messages []message `json:"messages"`
	}
	type response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	req := request{
		Model: c.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(params)},
		},
	}
	body := new(bytes.Buffer)
	if err := json.NewEncoder(body).Encode(req); err != nil {
		return nil, &Error{Cause: CauseUpstreamError, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", body)
	if err != nil {
		return nil, &Error{Cause: CauseUpstreamError, Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		cause := CauseUpstreamError
		if isTimeout(err) {
			cause = CauseUpstreamTimeout
		}
		return nil, &Error{Cause: cause, Err: err}
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	if httpResp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		err = fmt.Errorf("status %d: %s", httpResp.StatusCode, bytes.TrimSpace(detail))
		return nil, &Error{Cause: CauseUpstreamError, Err: err}
	}

	var resp response
	dec := json.NewDecoder(httpResp.Body)
	if err = dec.Decode(&resp); err != nil {
		return nil, &Error{Cause: CauseMalformedResponse, Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Cause: CauseMalformedResponse, Err: errors.New("no choices")}
	}

	files, err := ParseFileSet(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, &Error{Cause: CauseMalformedResponse, Err: err}
	}
	return files, nil
}

func userPrompt(params *GenerateParams) string {
	t := params.Task
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(t.Name)
	b.WriteString("\n\nBrief:\n")
	b.WriteString(t.Brief)
	if len(t.Checks) > 0 {
		b.WriteString("\n\nAcceptance checks, in order:\n")
		for i, check := range t.Checks {
			fmt.Fprintf(&b, "%d. %s\n", i+1, check)
		}
	}
	if len(t.Attachments) > 0 {
		b.WriteString("\nAttachments (referenced, not inlined):\n")
		for _, a := range t.Attachments {
			fmt.Fprintf(&b, "- %s: %s\n", a.Name, a.URL)
		}
	}
	if params.PreviousFailure != "" {
		b.WriteString("\nThe previous attempt failed: ")
		b.WriteString(params.PreviousFailure)
		b.WriteString("\nAddress that failure specifically.")
	}
	return b.String()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
