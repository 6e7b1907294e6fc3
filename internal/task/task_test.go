package task

import (
	"errors"
	"testing"
)

func TestDeriveID(t *testing.T) {
	t.Run("is deterministic for equal identity", func(t *testing.T) {
		got := DeriveID("a@example.com", "markdown-to-html", 1, "n-1")
		want := DeriveID("a@example.com", "markdown-to-html", 1, "n-1")
		if got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("differs when any identity part differs", func(t *testing.T) {
		base := DeriveID("a@example.com", "markdown-to-html", 1, "n-1")
		others := []struct {
			name  string
			email string
			task  string
			round int
			nonce string
		}{
			{"email", "b@example.com", "markdown-to-html", 1, "n-1"},
			{"task", "a@example.com", "todo-app", 1, "n-1"},
			{"round", "a@example.com", "markdown-to-html", 2, "n-1"},
			{"nonce", "a@example.com", "markdown-to-html", 1, "n-2"},
		}
		for _, o := range others {
			if got := DeriveID(o.email, o.task, o.round, o.nonce); got == base {
				t.Errorf("%s: got %v, want a different id", o.name, got)
			}
		}
	})

	t.Run("doesn't collide on shifted separators", func(t *testing.T) {
		a := DeriveID("a@example.com", "x-1", 1, "n")
		b := DeriveID("a@example.com", "x", 11, "n")
		if a == b {
			t.Fatalf("got equal ids %v", a)
		}
	})
}

func TestRepoName(t *testing.T) {
	tests := []struct {
		name string
		task *Task
		want string
	}{
		{
			name: "slugs the task name",
			task: &Task{Name: "Markdown to HTML", Round: 1},
			want: "llm-app-markdown-to-html-round-1",
		},
		{
			name: "collapses punctuation runs",
			task: &Task{Name: "a//b__c", Round: 2},
			want: "llm-app-a-b-c-round-2",
		},
		{
			name: "trims leading and trailing separators",
			task: &Task{Name: "  todo app  ", Round: 0},
			want: "llm-app-todo-app-round-0",
		},
		{
			name: "falls back on the nonce for an unsluggable name",
			task: &Task{Name: "!!!", Nonce: "n-7", Round: 1},
			want: "llm-app-n-7-round-1",
		},
		{
			name: "falls back on a constant when nothing slugs",
			task: &Task{Name: "!!!", Nonce: "***", Round: 1},
			want: "llm-app-task-round-1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.RepoName(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFileSetValidate(t *testing.T) {
	t.Run("rejects an empty file set", func(t *testing.T) {
		err := FileSet{}.Validate()
		if got, want := err, ErrEmptyFileSet; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("accepts relative paths with directories", func(t *testing.T) {
		fs := FileSet{
			"index.html":    []byte("<html></html>"),
			"css/style.css": []byte("body {}"),
		}
		if err := fs.Validate(); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	})

	badPaths := []string{
		"",
		"/etc/passwd",
		"../escape.html",
		"a/../../escape.html",
		"dir/./file",
		".",
		"..",
		`windows\style`,
	}
	for _, p := range badPaths {
		t.Run("rejects "+p, func(t *testing.T) {
			fs := FileSet{"index.html": []byte("ok"), p: []byte("bad")}
			err := fs.Validate()
			if got, want := err, ErrBadFilePath; !errors.Is(got, want) {
				t.Fatalf("got %v, want %v", got, want)
			}
		})
	}
}

func TestStatusFromString(t *testing.T) {
	if _, known := StatusFromString("generating"); !known {
		t.Error("got unknown, want known")
	}
	if _, known := StatusFromString("exploded"); known {
		t.Error("got known, want unknown")
	}
}

func TestStatusTerminal(t *testing.T) {
	for s, want := range map[Status]bool{
		StatusReceived:   false,
		StatusGenerating: false,
		StatusPublishing: false,
		StatusNotifying:  false,
		StatusSucceeded:  true,
		StatusFailed:     true,
	} {
		if got := s.Terminal(); got != want {
			t.Errorf("%s: got %v, want %v", s, got, want)
		}
	}
}
