package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/mgrif/pageforge/internal/generate"
	"github.com/mgrif/pageforge/internal/notify"
	"github.com/mgrif/pageforge/internal/retry"
	"github.com/mgrif/pageforge/internal/task"
)

type spyGenerator struct {
	calls []*generate.GenerateParams
	files task.FileSet
	errs  []error // error for the nth call, nil past the end
}

func (g *spyGenerator) Generate(ctx context.Context, params *generate.GenerateParams) (task.FileSet, error) {
	g.calls = append(g.calls, params)
	if i := len(g.calls) - 1; i < len(g.errs) && g.errs[i] != nil {
		return nil, g.errs[i]
	}
	return g.files, nil
}

type spyPublisher struct {
	calls      int
	deployment *task.Deployment
	errs       []error
}

func (p *spyPublisher) Publish(ctx context.Context, t *task.Task, files task.FileSet) (*task.Deployment, error) {
	p.calls++
	if i := p.calls - 1; i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	return p.deployment, nil
}

type spyNotifier struct {
	calls    []*task.Outcome
	delivery bool
	err      error
}

func (n *spyNotifier) Notify(ctx context.Context, t *task.Task, outcome *task.Outcome) (*notify.Result, error) {
	copied := *outcome
	n.calls = append(n.calls, &copied)
	return &notify.Result{Delivered: n.delivery, Attempts: 1}, n.err
}

type spyDatabase struct {
	status   task.Status
	updates  []task.Status
	finished []*task.Outcome
}

func (d *spyDatabase) GetTaskStatus(ctx context.Context, id uuid.UUID) (task.Status, error) {
	return d.status, nil
}

func (d *spyDatabase) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status task.Status) error {
	d.updates = append(d.updates, status)
	return nil
}

func (d *spyDatabase) FinishTask(ctx context.Context, outcome *task.Outcome) error {
	d.finished = append(d.finished, outcome)
	return nil
}

type spyArchiver struct {
	calls int
	err   error
}

func (a *spyArchiver) Archive(ctx context.Context, id uuid.UUID, files task.FileSet) error {
	a.calls++
	return a.err
}

func newTestTask() *task.Task {
	return &task.Task{
		ID:            task.DeriveID("dev@example.com", "markdown previewer", 2, "n-1"),
		Email:         "dev@example.com",
		Name:          "markdown previewer",
		Round:         2,
		Nonce:         "n-1",
		Brief:         "Build a client-side markdown previewer.",
		EvaluationURL: "http://eval.example.com/notify",
	}
}

func zeroDelayPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{MaxAttempts: maxAttempts}
}

func newTestRunner(g *spyGenerator, p *spyPublisher, n *spyNotifier, d *spyDatabase) *Runner {
	return &Runner{
		Generator:      g,
		Publisher:      p,
		Notifier:       n,
		Database:       d,
		GeneratePolicy: zeroDelayPolicy(3),
		PublishPolicy:  zeroDelayPolicy(3),
	}
}

func TestRunnerRun(t *testing.T) {
	t.Run("succeeds and notifies", func(t *testing.T) {
		gen := &spyGenerator{files: task.FileSet{
			"index.html": []byte("<!doctype html>"),
			"app.js":     []byte("console.log('hi')"),
		}}
		pub := &spyPublisher{deployment: &task.Deployment{
			RepoURL:     "https://github.com/owner/llm-app-markdown-previewer-round-2",
			PagesURL:    "https://owner.github.io/llm-app-markdown-previewer-round-2/",
			CommitSHA:   "abc123",
			PagesStatus: task.PagesPending,
		}}
		not := &spyNotifier{delivery: true}
		db := &spyDatabase{status: task.StatusReceived}
		runner := newTestRunner(gen, pub, not, db)

		outcome, err := runner.Run(context.Background(), newTestTask())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := outcome.Status, task.StatusSucceeded; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
		if got, want := outcome.ErrorKind, task.ErrorNone; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
		if outcome.Deployment == nil || outcome.Deployment.PagesStatus != task.PagesPending {
			t.Errorf("got %v, want deployment with pending pages", outcome.Deployment)
		}
		if !outcome.Notified {
			t.Error("got not notified, want notified")
		}
		if got, want := len(not.calls), 1; got != want {
			t.Errorf("got %d notifications, want %d", got, want)
		}
		wantUpdates := []task.Status{task.StatusGenerating, task.StatusPublishing, task.StatusNotifying}
		if got := db.updates; len(got) != len(wantUpdates) {
			t.Fatalf("got %v, want %v", got, wantUpdates)
		}
		for i := range wantUpdates {
			if db.updates[i] != wantUpdates[i] {
				t.Errorf("got %v, want %v", db.updates, wantUpdates)
			}
		}
		if got, want := len(db.finished), 1; got != want {
			t.Fatalf("got %d finished tasks, want %d", got, want)
		}
	})

	t.Run("retries generation and passes previous failure", func(t *testing.T) {
		gen := &spyGenerator{
			files: task.FileSet{"index.html": []byte("ok")},
			errs:  []error{&generate.Error{Cause: generate.CauseMalformedResponse, Err: errors.New("not json")}},
		}
		pub := &spyPublisher{deployment: &task.Deployment{}}
		not := &spyNotifier{delivery: true}
		db := &spyDatabase{status: task.StatusReceived}
		runner := newTestRunner(gen, pub, not, db)

		outcome, err := runner.Run(context.Background(), newTestTask())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := outcome.Status, task.StatusSucceeded; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
		if got, want := len(gen.calls), 2; got != want {
			t.Fatalf("got %d generation calls, want %d", got, want)
		}
		if gen.calls[0].PreviousFailure != "" {
			t.Errorf("got %q, want empty previous failure on first attempt", gen.calls[0].PreviousFailure)
		}
		if gen.calls[1].PreviousFailure == "" {
			t.Error("got empty previous failure on retry, want the first attempt's error")
		}
	})

	t.Run("generation budget exhausted skips publisher", func(t *testing.T) {
		genErr := &generate.Error{Cause: generate.CauseUpstreamTimeout, Err: errors.New("deadline exceeded")}
		gen := &spyGenerator{errs: []error{genErr, genErr, genErr}}
		pub := &spyPublisher{deployment: &task.Deployment{}}
		not := &spyNotifier{delivery: true}
		db := &spyDatabase{status: task.StatusReceived}
		runner := newTestRunner(gen, pub, not, db)

		outcome, err := runner.Run(context.Background(), newTestTask())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := outcome.Status, task.StatusFailed; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
		if got, want := outcome.ErrorKind, task.ErrorGenerationFailed; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
		if outcome.ErrorDetail == "" {
			t.Error("got empty error detail, want the last attempt's error")
		}
		if got, want := len(gen.calls), 3; got != want {
			t.Errorf("got %d generation calls, want %d", got, want)
		}
		if got, want := pub.calls, 0; got != want {
			t.Errorf("got %d publish calls, want %d", got, want)
		}
		if got, want := len(not.calls), 1; got != want {
			t.Fatalf("got %d notifications, want %d", got, want)
		}
		if got, want := not.calls[0].ErrorKind, task.ErrorGenerationFailed; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("publish budget exhausted fails with publish kind", func(t *testing.T) {
		pubErr := &publishStubError{}
		gen := &spyGenerator{files: task.FileSet{"index.html": []byte("ok")}}
		pub := &spyPublisher{errs: []error{pubErr, pubErr, pubErr}}
		not := &spyNotifier{delivery: true}
		db := &spyDatabase{status: task.StatusReceived}
		runner := newTestRunner(gen, pub, not, db)

		outcome, err := runner.Run(context.Background(), newTestTask())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := outcome.Status, task.StatusFailed; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
		if got, want := outcome.ErrorKind, task.ErrorPublishFailed; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
		if got, want := pub.calls, 3; got != want {
			t.Errorf("got %d publish calls, want %d", got, want)
		}
		if outcome.Deployment != nil {
			t.Errorf("got %v, want no deployment", outcome.Deployment)
		}
	})

	t.Run("notify failure flips only notified", func(t *testing.T) {
		gen := &spyGenerator{files: task.FileSet{"index.html": []byte("ok")}}
		pub := &spyPublisher{deployment: &task.Deployment{CommitSHA: "abc123"}}
		not := &spyNotifier{delivery: false, err: errors.New("status 500")}
		db := &spyDatabase{status: task.StatusReceived}
		runner := newTestRunner(gen, pub, not, db)

		outcome, err := runner.Run(context.Background(), newTestTask())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := outcome.Status, task.StatusSucceeded; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
		if outcome.Notified {
			t.Error("got notified, want not notified")
		}
		if got, want := len(db.finished), 1; got != want {
			t.Fatalf("got %d finished tasks, want %d", got, want)
		}
		if db.finished[0].Notified {
			t.Error("got persisted notified, want not notified")
		}
	})

	t.Run("terminal task is not rerun", func(t *testing.T) {
		gen := &spyGenerator{files: task.FileSet{"index.html": []byte("ok")}}
		pub := &spyPublisher{deployment: &task.Deployment{}}
		not := &spyNotifier{delivery: true}
		db := &spyDatabase{status: task.StatusSucceeded}
		runner := newTestRunner(gen, pub, not, db)

		_, err := runner.Run(context.Background(), newTestTask())
		if !errors.Is(err, ErrAlreadyDone) {
			t.Fatalf("got %v, want %v", err, ErrAlreadyDone)
		}
		if got, want := len(gen.calls), 0; got != want {
			t.Errorf("got %d generation calls, want %d", got, want)
		}
	})

	t.Run("archive failure does not fail the task", func(t *testing.T) {
		gen := &spyGenerator{files: task.FileSet{"index.html": []byte("ok")}}
		pub := &spyPublisher{deployment: &task.Deployment{}}
		not := &spyNotifier{delivery: true}
		db := &spyDatabase{status: task.StatusReceived}
		arc := &spyArchiver{err: errors.New("bucket unavailable")}
		runner := newTestRunner(gen, pub, not, db)
		runner.Archiver = arc

		outcome, err := runner.Run(context.Background(), newTestTask())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := outcome.Status, task.StatusSucceeded; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
		if got, want := arc.calls, 1; got != want {
			t.Errorf("got %d archive calls, want %d", got, want)
		}
	})
}

type publishStubError struct{}

func (e *publishStubError) Error() string { return "status 502" }
