package generate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mgrif/pageforge/internal/task"
)

// ParseFileSet decodes a model reply into a validated file set.
// The reply must be a JSON object {"files": [{"path": ..., "content": ...}]},
// optionally wrapped in a fenced code block. All trust-but-verify handling
// of the loosely structured upstream output lives here.
func ParseFileSet(content string) (task.FileSet, error) {
	content = stripFence(strings.TrimSpace(content))

	type file struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	type listing struct {
		Files []file `json:"files"`
	}

	var l listing
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&l); err != nil {
		return nil, fmt.Errorf("file listing: %w", err)
	}
	if dec.More() {
		return nil, errors.New("file listing: multiple top-level values")
	}

	files := make(task.FileSet, len(l.Files))
	for _, f := range l.Files {
		if _, exists := files[f.Path]; exists {
			return nil, fmt.Errorf("file listing: duplicate path %q", f.Path)
		}
		files[f.Path] = []byte(f.Content)
	}
	if err := files.Validate(); err != nil {
		return nil, fmt.Errorf("file listing: %w", err)
	}

	return files, nil
}

// stripFence removes a surrounding Markdown code fence if present.
// Models regularly wrap JSON in ```json fences despite instructions.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	rest, ok := strings.CutPrefix(s, "```")
	if !ok {
		return s
	}
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[i+1:]
	}
	rest, ok = strings.CutSuffix(strings.TrimSpace(rest), "```")
	if !ok {
		return s
	}
	return strings.TrimSpace(rest)
}
