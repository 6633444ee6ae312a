package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capstan/internal/domain"
	"capstan/internal/event"
	"capstan/internal/logger"
	"capstan/internal/step"
	"capstan/internal/workspace"
)

type fakeRepo struct {
	mu       sync.Mutex
	statuses []domain.DeploymentStatus

	finishCalls  int
	finishStatus domain.DeploymentStatus
	finishStage  string
	finishReason domain.ExitReason
}

func (r *fakeRepo) Create(context.Context, *domain.Deployment) (*domain.Deployment, error) {
	return nil, nil
}

func (r *fakeRepo) GetByID(context.Context, string) (*domain.Deployment, error) { return nil, nil }

func (r *fakeRepo) List(context.Context, domain.DeploymentListOptions) ([]*domain.Deployment, error) {
	return nil, nil
}

func (r *fakeRepo) UpdateStatus(_ context.Context, _ string, status domain.DeploymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeRepo) Finish(_ context.Context, _ string, status domain.DeploymentStatus, stage string, reason domain.ExitReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishCalls++
	r.finishStatus = status
	r.finishStage = stage
	r.finishReason = reason
	return nil
}

func (r *fakeRepo) ListNonTerminal(context.Context) ([]*domain.Deployment, error) { return nil, nil }

func (r *fakeRepo) ListPrunable(context.Context, time.Time, int) ([]*domain.Deployment, error) {
	return nil, nil
}

func (r *fakeRepo) MarkPruned(context.Context, string) error { return nil }

type memSink struct {
	mu        sync.Mutex
	lines     []domain.LogLine
	openCalls int
	closes    int
	finalText string
}

func (s *memSink) Open(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openCalls++
}

func (s *memSink) Publish(_ context.Context, _ string, stream domain.LogStream, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, domain.LogLine{Stream: stream, Text: text})
}

func (s *memSink) Close(_ context.Context, _ string, finalText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.finalText = finalText
}

func (s *memSink) contains(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if strings.Contains(l.Text, substr) {
			return true
		}
	}
	return false
}

type fakeWorkspaces struct {
	repoDir      string
	commit       string
	materialized bool
	destroyed    bool

	materializeErr error
	free           uint64
	count          int
}

func (w *fakeWorkspaces) Materialize(_ context.Context, _, _, _ string, _ workspace.LineHandler) (string, string, error) {
	if w.materializeErr != nil {
		return "", "", w.materializeErr
	}
	w.materialized = true
	return w.repoDir, w.commit, nil
}

func (w *fakeWorkspaces) Destroy(string) { w.destroyed = true }

func (w *fakeWorkspaces) FreeBytes() (uint64, error) { return w.free, nil }

func (w *fakeWorkspaces) Count() (int, error) { return w.count, nil }

type scriptedSteps struct {
	mu    sync.Mutex
	calls [][]string
	envs  []map[string]string

	errOnCall int // 1-based call number that fails, 0 for never
	err       error
	emitLines []string
}

func (s *scriptedSteps) RunAll(_ context.Context, commands []string, opts step.Options, emit step.LineHandler) error {
	s.mu.Lock()
	s.calls = append(s.calls, commands)
	s.envs = append(s.envs, opts.Env)
	callNo := len(s.calls)
	s.mu.Unlock()

	for _, line := range s.emitLines {
		emit(line, domain.StreamStdout)
	}

	if s.errOnCall == callNo {
		return s.err
	}
	return nil
}

type fakeSecrets struct {
	values map[string]string
	err    error
}

func (f *fakeSecrets) Resolve(_ context.Context, _ string, names []string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	resolved := make(map[string]string, len(names))
	for _, n := range names {
		v, ok := f.values[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrSecretNotFound, n)
		}
		resolved[n] = v
	}
	return resolved, nil
}

type machineFixture struct {
	repo    *fakeRepo
	sink    *memSink
	ws      *fakeWorkspaces
	steps   *scriptedSteps
	secrets *fakeSecrets
	cfg     MachineConfig
}

func newFixture(t *testing.T, configYAML string) *machineFixture {
	t.Helper()

	repoDir := t.TempDir()
	if configYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(repoDir, ConfigFileName), []byte(configYAML), 0o644))
	}

	return &machineFixture{
		repo:    &fakeRepo{},
		sink:    &memSink{},
		ws:      &fakeWorkspaces{repoDir: repoDir, commit: "abc1234", free: 1 << 30},
		steps:   &scriptedSteps{},
		secrets: &fakeSecrets{values: map[string]string{}},
		cfg: MachineConfig{
			MinFreeDiskBytes: 1 << 20,
			StepTimeout:      time.Minute,
		},
	}
}

func (f *machineFixture) machine() *Machine {
	return NewMachine(f.cfg, f.repo, f.secrets, f.ws, f.steps, f.sink, event.New(), logger.NewNop())
}

func (f *machineFixture) run(ctx context.Context) domain.DeploymentStatus {
	dep := &domain.Deployment{
		ID:        "dep-1",
		ProjectID: "proj-1",
		Reference: "main",
		Status:    domain.DeploymentPending,
	}
	project := &domain.Project{
		ID:      "proj-1",
		Name:    "demo",
		RepoURL: "https://example.test/demo.git",
	}
	return f.machine().Run(ctx, dep, project)
}

const fullPipeline = `
steps:
  build:
    - make build
  deploy:
    - make deploy
  post_deploy:
    - ./notify.sh
`

func TestRunFullPipelineSucceeds(t *testing.T) {
	f := newFixture(t, fullPipeline)

	status := f.run(context.Background())
	require.Equal(t, domain.DeploymentSucceeded, status)

	assert.Equal(t, []domain.DeploymentStatus{
		domain.DeploymentPreflight,
		domain.DeploymentCheckout,
		domain.DeploymentBuild,
		domain.DeploymentDeploy,
		domain.DeploymentPostDeploy,
		domain.DeploymentFinalizing,
	}, f.repo.statuses)

	assert.Equal(t, [][]string{
		{"make build"},
		{"make deploy"},
		{"./notify.sh"},
	}, f.steps.calls)

	assert.Equal(t, 1, f.repo.finishCalls)
	assert.Equal(t, domain.DeploymentSucceeded, f.repo.finishStatus)
	assert.Empty(t, f.repo.finishReason)

	assert.Equal(t, 1, f.sink.openCalls)
	assert.Equal(t, 1, f.sink.closes)
	assert.Contains(t, f.sink.finalText, "succeeded")

	assert.True(t, f.ws.destroyed)
	assert.True(t, f.sink.contains("=== stage: deploy ==="))
	assert.True(t, f.sink.contains("checked out commit abc1234"))
}

func TestRunInjectsDeploymentEnvironment(t *testing.T) {
	f := newFixture(t, fullPipeline)

	require.Equal(t, domain.DeploymentSucceeded, f.run(context.Background()))
	require.NotEmpty(t, f.steps.envs)

	env := f.steps.envs[0]
	assert.Equal(t, "dep-1", env["CAPSTAN_DEPLOYMENT_ID"])
	assert.Equal(t, "proj-1", env["CAPSTAN_PROJECT_ID"])
	assert.Equal(t, "main", env["CAPSTAN_REF"])
	assert.Equal(t, "abc1234", env["CAPSTAN_COMMIT"])
	assert.Equal(t, f.ws.repoDir, env["CAPSTAN_WORKSPACE"])
}

func TestRunSkipsMissingBuildStage(t *testing.T) {
	f := newFixture(t, "steps:\n  deploy:\n    - make deploy\n")

	require.Equal(t, domain.DeploymentSucceeded, f.run(context.Background()))

	assert.Equal(t, [][]string{{"make deploy"}}, f.steps.calls)
	assert.True(t, f.sink.contains("no build steps configured"))
}

func TestRunFailsWithoutDeploySteps(t *testing.T) {
	f := newFixture(t, "steps:\n  build:\n    - make build\n")

	require.Equal(t, domain.DeploymentFailed, f.run(context.Background()))

	assert.Equal(t, domain.ReasonNoDeploySteps, f.repo.finishReason)
	assert.Equal(t, string(domain.DeploymentDeploy), f.repo.finishStage)
	assert.True(t, f.ws.destroyed)
}

func TestRunFailsWithoutPipelineFile(t *testing.T) {
	f := newFixture(t, "")

	require.Equal(t, domain.DeploymentFailed, f.run(context.Background()))
	assert.Equal(t, domain.ReasonNoDeploySteps, f.repo.finishReason)
}

func TestRunPostDeployFailureIsNonFatal(t *testing.T) {
	f := newFixture(t, fullPipeline)
	f.steps.errOnCall = 3
	f.steps.err = &step.ExitError{Index: 0, Command: "./notify.sh", ExitCode: 1}

	require.Equal(t, domain.DeploymentSucceeded, f.run(context.Background()))

	assert.Equal(t, domain.DeploymentSucceeded, f.repo.finishStatus)
	assert.True(t, f.sink.contains("warning: post-deploy failed"))
}

func TestRunBuildFailureStopsPipeline(t *testing.T) {
	f := newFixture(t, fullPipeline)
	f.steps.errOnCall = 1
	f.steps.err = &step.ExitError{Index: 0, Command: "make build", ExitCode: 2}

	require.Equal(t, domain.DeploymentFailed, f.run(context.Background()))

	assert.Equal(t, domain.ReasonBuildFailed, f.repo.finishReason)
	assert.Equal(t, string(domain.DeploymentBuild), f.repo.finishStage)
	assert.Len(t, f.steps.calls, 1)
}

func TestRunCheckoutFailureSkipsAllStages(t *testing.T) {
	f := newFixture(t, fullPipeline)
	f.ws.materializeErr = fmt.Errorf("%w: main", workspace.ErrRefNotFound)

	require.Equal(t, domain.DeploymentFailed, f.run(context.Background()))

	assert.Equal(t, domain.ReasonCheckoutFailed, f.repo.finishReason)
	assert.Empty(t, f.steps.calls)
}

func TestRunRejectsContainerRunner(t *testing.T) {
	f := newFixture(t, "runner: container\nsteps:\n  deploy:\n    - make deploy\n")

	require.Equal(t, domain.DeploymentFailed, f.run(context.Background()))
	assert.Equal(t, domain.ReasonConfigInvalid, f.repo.finishReason)
}

func TestRunFailsWhenSecretMissing(t *testing.T) {
	f := newFixture(t, "env:\n  - API_TOKEN\nsteps:\n  deploy:\n    - make deploy\n")
	f.secrets.err = errors.New("boom")

	require.Equal(t, domain.DeploymentFailed, f.run(context.Background()))
	assert.Equal(t, domain.ReasonConfigInvalid, f.repo.finishReason)
	assert.Empty(t, f.steps.calls)
}

func TestRunRedactsSecretValuesInOutput(t *testing.T) {
	f := newFixture(t, "env:\n  - API_TOKEN\nsteps:\n  deploy:\n    - make deploy\n")
	f.secrets.values["API_TOKEN"] = "hunter22secret"
	f.steps.emitLines = []string{"pushing with token hunter22secret"}

	require.Equal(t, domain.DeploymentSucceeded, f.run(context.Background()))

	assert.False(t, f.sink.contains("hunter22secret"))
	assert.True(t, f.sink.contains("pushing with token ******"))
	assert.Equal(t, "hunter22secret", f.steps.envs[0]["API_TOKEN"])
}

func TestRunCancelledBeforeFirstStage(t *testing.T) {
	f := newFixture(t, fullPipeline)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Equal(t, domain.DeploymentCancelled, f.run(ctx))

	assert.Equal(t, domain.ReasonCancelled, f.repo.finishReason)
	assert.Equal(t, 1, f.sink.closes)
	assert.Empty(t, f.steps.calls)
}

func TestRunCancelledDuringDeployStep(t *testing.T) {
	f := newFixture(t, fullPipeline)
	f.steps.errOnCall = 2
	f.steps.err = step.ErrCancelled

	require.Equal(t, domain.DeploymentCancelled, f.run(context.Background()))

	assert.Equal(t, domain.ReasonCancelled, f.repo.finishReason)
	assert.Equal(t, string(domain.DeploymentDeploy), f.repo.finishStage)
	assert.True(t, f.ws.destroyed)
}

func TestRunPreflightFailsOnLowDiskSpace(t *testing.T) {
	f := newFixture(t, fullPipeline)
	f.ws.free = 512

	require.Equal(t, domain.DeploymentFailed, f.run(context.Background()))

	assert.Equal(t, domain.ReasonPreflightFailed, f.repo.finishReason)
	assert.False(t, f.ws.materialized)
}

func TestRunPreflightFailsOnExhaustedQuota(t *testing.T) {
	f := newFixture(t, fullPipeline)
	f.cfg.WorkspaceQuota = 2
	f.ws.count = 2

	require.Equal(t, domain.DeploymentFailed, f.run(context.Background()))
	assert.Equal(t, domain.ReasonPreflightFailed, f.repo.finishReason)
}

func TestRunKeepsWorkspaceWhenConfigured(t *testing.T) {
	f := newFixture(t, fullPipeline)
	f.cfg.KeepWorkspace = true

	require.Equal(t, domain.DeploymentSucceeded, f.run(context.Background()))
	assert.False(t, f.ws.destroyed)
	assert.True(t, f.sink.contains("keeping workspace"))
}
