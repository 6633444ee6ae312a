package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capstan/internal/domain"
	"capstan/internal/event"
	"capstan/internal/logger"
)

type memDeployments struct {
	mu   sync.Mutex
	rows map[string]*domain.Deployment
}

func newMemDeployments() *memDeployments {
	return &memDeployments{rows: make(map[string]*domain.Deployment)}
}

func (m *memDeployments) Create(_ context.Context, d *domain.Deployment) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.rows[d.ID] = &cp
	return &cp, nil
}

func (m *memDeployments) GetByID(_ context.Context, id string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrDeploymentNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDeployments) List(context.Context, domain.DeploymentListOptions) ([]*domain.Deployment, error) {
	return nil, nil
}

func (m *memDeployments) UpdateStatus(_ context.Context, id string, status domain.DeploymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.rows[id]; ok {
		d.Status = status
	}
	return nil
}

func (m *memDeployments) Finish(_ context.Context, id string, status domain.DeploymentStatus, stage string, reason domain.ExitReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return domain.ErrDeploymentNotFound
	}
	now := time.Now().UTC()
	d.Status = status
	d.ExitStage = &stage
	d.ExitReason = &reason
	d.EndedAt = &now
	return nil
}

func (m *memDeployments) ListNonTerminal(context.Context) ([]*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Deployment
	for _, d := range m.rows {
		if !d.Status.IsTerminal() {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDeployments) ListPrunable(context.Context, time.Time, int) ([]*domain.Deployment, error) {
	return nil, nil
}

func (m *memDeployments) MarkPruned(context.Context, string) error { return nil }

type memProjects struct {
	projects map[string]*domain.Project
}

func (m *memProjects) GetByID(_ context.Context, id string) (*domain.Project, error) {
	p, ok := m.projects[id]
	if !ok {
		return nil, domain.ErrProjectNotFound
	}
	return p, nil
}

func (m *memProjects) List(context.Context) ([]*domain.Project, error) { return nil, nil }

func (m *memProjects) Create(_ context.Context, p *domain.Project) (*domain.Project, error) {
	return p, nil
}

type memTranscripts struct {
	mu    sync.Mutex
	lines map[string][]domain.LogLine
}

func newMemTranscripts() *memTranscripts {
	return &memTranscripts{lines: make(map[string][]domain.LogLine)}
}

func (m *memTranscripts) Append(_ context.Context, id string, line domain.LogLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines[id] = append(m.lines[id], line)
	return nil
}

func (m *memTranscripts) Range(_ context.Context, id string, fromSeq, limit int64) ([]domain.LogLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LogLine
	for _, l := range m.lines[id] {
		if l.Seq > fromSeq {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memTranscripts) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lines, id)
	return nil
}

// blockingRunner holds each run open until released, reporting starts on a
// channel so tests can synchronize with the worker pool.
type blockingRunner struct {
	started chan string
	release chan struct{}
	panics  bool
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) Run(ctx context.Context, dep *domain.Deployment, _ *domain.Project) domain.DeploymentStatus {
	r.started <- dep.ID
	if r.panics {
		panic("runner exploded")
	}

	select {
	case <-r.release:
		return domain.DeploymentSucceeded
	case <-ctx.Done():
		return domain.DeploymentCancelled
	}
}

type recordingSink struct {
	mu     sync.Mutex
	closes []string
}

func (s *recordingSink) Close(_ context.Context, deploymentID string, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, deploymentID)
}

func (s *recordingSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.closes)
}

type schedFixture struct {
	sched   *Scheduler
	repo    *memDeployments
	runner  *blockingRunner
	sink    *recordingSink
	scripts *memTranscripts
}

func newSchedFixture(t *testing.T, workers int) *schedFixture {
	t.Helper()

	repo := newMemDeployments()
	runner := newBlockingRunner()
	sink := &recordingSink{}
	scripts := newMemTranscripts()
	projects := &memProjects{projects: map[string]*domain.Project{
		"proj-1": {ID: "proj-1", Name: "demo", RepoURL: "https://example.test/demo.git", DefaultBranch: "main"},
		"proj-2": {ID: "proj-2", Name: "other", RepoURL: "https://example.test/other.git", DefaultBranch: "main"},
	}}

	sched := New(workers, 16, repo, projects, scripts, runner, sink, event.New(), logger.NewNop())

	return &schedFixture{sched: sched, repo: repo, runner: runner, sink: sink, scripts: scripts}
}

func (f *schedFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		f.sched.Wait()
	})
	f.sched.Start(ctx)
}

func waitStarted(t *testing.T, r *blockingRunner) string {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("runner never picked up the deployment")
		return ""
	}
}

func TestTriggerBeforeStartFails(t *testing.T) {
	f := newSchedFixture(t, 1)

	_, err := f.sched.Trigger(context.Background(), "proj-1", "main")
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestTriggerUnknownProjectFails(t *testing.T) {
	f := newSchedFixture(t, 1)
	f.start(t)

	_, err := f.sched.Trigger(context.Background(), "missing", "main")
	require.ErrorIs(t, err, domain.ErrProjectNotFound)
}

func TestTriggerDefaultsToProjectBranch(t *testing.T) {
	f := newSchedFixture(t, 1)
	f.start(t)

	dep, err := f.sched.Trigger(context.Background(), "proj-1", "")
	require.NoError(t, err)

	assert.Equal(t, "main", dep.Reference)
	assert.Equal(t, domain.DeploymentPending, dep.Status)
	assert.Equal(t, domain.TranscriptRef(dep.ID), dep.TranscriptRef)
}

func TestTriggerAdmitsOneRunPerProject(t *testing.T) {
	f := newSchedFixture(t, 2)
	f.start(t)

	first, err := f.sched.Trigger(context.Background(), "proj-1", "main")
	require.NoError(t, err)
	waitStarted(t, f.runner)

	_, err = f.sched.Trigger(context.Background(), "proj-1", "main")
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Contains(t, err.Error(), first.ID)

	// A different project is not gated.
	_, err = f.sched.Trigger(context.Background(), "proj-2", "main")
	require.NoError(t, err)
}

func TestConcurrentTriggersAdmitExactlyOne(t *testing.T) {
	f := newSchedFixture(t, 2)
	f.start(t)

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sched.Trigger(context.Background(), "proj-1", "main")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for err := range results {
		if err == nil {
			admitted++
		} else {
			require.ErrorIs(t, err, domain.ErrAlreadyRunning)
		}
	}
	assert.Equal(t, 1, admitted)
}

func TestLockReleasedAfterRunFinishes(t *testing.T) {
	f := newSchedFixture(t, 1)
	f.start(t)

	_, err := f.sched.Trigger(context.Background(), "proj-1", "main")
	require.NoError(t, err)
	waitStarted(t, f.runner)

	close(f.runner.release)

	require.Eventually(t, func() bool {
		_, err := f.sched.Trigger(context.Background(), "proj-1", "main")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "project lock was never released")
}

func TestCancelSignalsRunningDeployment(t *testing.T) {
	f := newSchedFixture(t, 1)
	f.start(t)

	dep, err := f.sched.Trigger(context.Background(), "proj-1", "main")
	require.NoError(t, err)
	waitStarted(t, f.runner)

	require.NoError(t, f.sched.Cancel(context.Background(), dep.ID))

	// The runner observes ctx.Done and the lock frees up.
	require.Eventually(t, func() bool {
		_, err := f.sched.Trigger(context.Background(), "proj-1", "main")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelUnknownDeploymentFails(t *testing.T) {
	f := newSchedFixture(t, 1)
	f.start(t)

	err := f.sched.Cancel(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrDeploymentNotFound)
}

func TestCancelTerminalDeploymentFails(t *testing.T) {
	f := newSchedFixture(t, 1)
	f.start(t)

	_, err := f.repo.Create(context.Background(), &domain.Deployment{
		ID:        "dep-done",
		ProjectID: "proj-1",
		Status:    domain.DeploymentSucceeded,
	})
	require.NoError(t, err)

	err = f.sched.Cancel(context.Background(), "dep-done")
	require.ErrorIs(t, err, domain.ErrAlreadyTerminal)
}

func TestRecoverOrphansMarksWorkerLost(t *testing.T) {
	f := newSchedFixture(t, 1)
	ctx := context.Background()

	_, err := f.repo.Create(ctx, &domain.Deployment{
		ID:        "dep-orphan",
		ProjectID: "proj-1",
		Status:    domain.DeploymentDeploy,
	})
	require.NoError(t, err)

	require.NoError(t, f.scripts.Append(ctx, "dep-orphan", domain.LogLine{Seq: 1, Stream: domain.StreamStdout, Text: "deploying"}))
	require.NoError(t, f.scripts.Append(ctx, "dep-orphan", domain.LogLine{Seq: 2, Stream: domain.StreamStdout, Text: "..."}))

	require.NoError(t, f.sched.RecoverOrphans(ctx))

	dep, err := f.repo.GetByID(ctx, "dep-orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentFailed, dep.Status)
	require.NotNil(t, dep.ExitReason)
	assert.Equal(t, domain.ReasonWorkerLost, *dep.ExitReason)
	require.NotNil(t, dep.ExitStage)
	assert.Equal(t, string(domain.DeploymentDeploy), *dep.ExitStage)

	lines, err := f.scripts.Range(ctx, "dep-orphan", 0, -1)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, int64(3), lines[2].Seq)
	assert.Contains(t, lines[2].Text, string(domain.ReasonWorkerLost))
}

func TestRecoverOrphansIgnoresTerminalRows(t *testing.T) {
	f := newSchedFixture(t, 1)
	ctx := context.Background()

	_, err := f.repo.Create(ctx, &domain.Deployment{
		ID:        "dep-done",
		ProjectID: "proj-1",
		Status:    domain.DeploymentSucceeded,
	})
	require.NoError(t, err)

	require.NoError(t, f.sched.RecoverOrphans(ctx))

	dep, err := f.repo.GetByID(ctx, "dep-done")
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentSucceeded, dep.Status)
	assert.Nil(t, dep.ExitReason)
}

func TestWorkerPanicMarksDeploymentWorkerLost(t *testing.T) {
	f := newSchedFixture(t, 1)
	f.runner.panics = true
	f.start(t)

	dep, err := f.sched.Trigger(context.Background(), "proj-1", "main")
	require.NoError(t, err)
	waitStarted(t, f.runner)

	require.Eventually(t, func() bool {
		row, err := f.repo.GetByID(context.Background(), dep.ID)
		return err == nil && row.Status == domain.DeploymentFailed
	}, 2*time.Second, 10*time.Millisecond)

	row, err := f.repo.GetByID(context.Background(), dep.ID)
	require.NoError(t, err)
	require.NotNil(t, row.ExitReason)
	assert.Equal(t, domain.ReasonWorkerLost, *row.ExitReason)
	assert.Equal(t, 1, f.sink.closeCount())

	// The panicked worker must still release the project lock.
	require.Eventually(t, func() bool {
		_, err := f.sched.Trigger(context.Background(), "proj-1", "main")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}
