// Package scheduler admits at most one deployment per project and hands the
// admitted run off to a background worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"capstan/internal/domain"
	"capstan/internal/event"
	"capstan/internal/logger"
)

var ErrNotStarted = errors.New("scheduler is not running")

// Runner drives one admitted deployment to a terminal status.
type Runner interface {
	Run(ctx context.Context, dep *domain.Deployment, project *domain.Project) domain.DeploymentStatus
}

// Sink is needed only for the crash path, to close the feed of a run whose
// worker panicked before reaching a clean finish.
type Sink interface {
	Close(ctx context.Context, deploymentID string, finalText string)
}

type job struct {
	dep     *domain.Deployment
	project *domain.Project
	ctx     context.Context
}

type running struct {
	projectID string
	cancel    context.CancelFunc
}

type Scheduler struct {
	mu sync.Mutex
	// locks is the explicit admission table: project id -> holder
	// deployment id. An entry exists exactly while that deployment is
	// non-terminal.
	locks  map[string]string
	active map[string]*running

	queue   chan *job
	baseCtx context.Context
	started bool
	wg      sync.WaitGroup

	workers int

	deployments domain.DeploymentRepository
	projects    domain.ProjectRepository
	transcripts domain.TranscriptStore
	runner      Runner
	sink        Sink
	bus         *event.Bus
	log         logger.Logger
}

func New(
	workers int,
	queueSize int,
	deployments domain.DeploymentRepository,
	projects domain.ProjectRepository,
	transcripts domain.TranscriptStore,
	runner Runner,
	sink Sink,
	bus *event.Bus,
	log logger.Logger,
) *Scheduler {
	return &Scheduler{
		locks:  make(map[string]string),
		active: make(map[string]*running),
		queue:  make(chan *job, queueSize),

		workers: workers,

		deployments: deployments,
		projects:    projects,
		transcripts: transcripts,
		runner:      runner,
		sink:        sink,
		bus:         bus,
		log:         log,
	}
}

// Start launches the worker pool. ctx bounds the lifetime of every worker
// and of all running deployments.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.log.Info("scheduler: worker pool started", "workers", s.workers)
}

// Wait blocks until all workers have drained after the start context fired.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Trigger admits one deployment for the project or fails with
// ErrAlreadyRunning. It returns as soon as the run is queued; execution
// happens on a pool worker.
func (s *Scheduler) Trigger(ctx context.Context, projectID, reference string) (*domain.Deployment, error) {
	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if reference == "" {
		reference = project.DefaultBranch
	}

	deploymentID := uuid.NewString()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil, ErrNotStarted
	}
	if holder, held := s.locks[projectID]; held {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (deployment %s)", domain.ErrAlreadyRunning, holder)
	}
	s.locks[projectID] = deploymentID
	baseCtx := s.baseCtx
	s.mu.Unlock()

	dep := &domain.Deployment{
		ID:            deploymentID,
		ProjectID:     projectID,
		Reference:     reference,
		Status:        domain.DeploymentPending,
		TranscriptRef: domain.TranscriptRef(deploymentID),
		StartedAt:     time.Now().UTC(),
	}

	created, err := s.deployments.Create(ctx, dep)
	if err != nil {
		s.release(projectID, deploymentID)
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	// The run's cancellation scope derives from the scheduler, never from
	// the triggering request.
	runCtx, cancel := context.WithCancel(baseCtx)

	s.mu.Lock()
	s.active[deploymentID] = &running{projectID: projectID, cancel: cancel}
	s.mu.Unlock()

	select {
	case s.queue <- &job{dep: created, project: project, ctx: runCtx}:
	case <-baseCtx.Done():
		cancel()
		s.unregister(deploymentID)
		s.release(projectID, deploymentID)
		return nil, ErrNotStarted
	}

	s.bus.Publish("deployment_triggered", domain.EventDeploymentTriggered{
		DeploymentID: created.ID,
		ProjectID:    projectID,
		Reference:    reference,
		TriggeredAt:  created.StartedAt,
	})

	s.log.Info("scheduler: deployment queued", "deployment_id", created.ID,
		"project_id", projectID, "reference", reference)

	return created, nil
}

// Cancel signals the owning worker. Deployments that already reached a
// terminal state (or are not owned by a live worker) report
// ErrAlreadyTerminal.
func (s *Scheduler) Cancel(ctx context.Context, deploymentID string) error {
	s.mu.Lock()
	entry, ok := s.active[deploymentID]
	s.mu.Unlock()

	if ok {
		s.log.Info("scheduler: cancelling deployment", "deployment_id", deploymentID)
		entry.cancel()
		return nil
	}

	if _, err := s.deployments.GetByID(ctx, deploymentID); err != nil {
		return err
	}
	return domain.ErrAlreadyTerminal
}

// RecoverOrphans marks every deployment left non-terminal by a dead worker
// as failed. Called once at startup, before the pool accepts new work.
func (s *Scheduler) RecoverOrphans(ctx context.Context) error {
	orphans, err := s.deployments.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("failed to list non-terminal deployments: %w", err)
	}

	for _, dep := range orphans {
		s.log.Warn("scheduler: recovering orphaned deployment",
			"deployment_id", dep.ID, "status", dep.Status)

		if err := s.deployments.Finish(ctx, dep.ID, domain.DeploymentFailed,
			string(dep.Status), domain.ReasonWorkerLost); err != nil {
			s.log.Error("scheduler: failed to recover orphan",
				"deployment_id", dep.ID, "error", err)
			continue
		}

		s.appendFinalLine(ctx, dep.ID,
			fmt.Sprintf("deployment %s failed: %s", dep.ID, domain.ReasonWorkerLost))
	}

	return nil
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.execute(j, id)
		}
	}
}

// execute runs one deployment and is the only place the project lock is
// released: by the owning worker, on terminal transition, after cleanup.
func (s *Scheduler) execute(j *job, workerID int) {
	dep := j.dep

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: worker panic", "worker", workerID,
				"deployment_id", dep.ID, "panic", r)
			s.recoverCrashed(dep)
		}
		s.unregister(dep.ID)
		s.release(dep.ProjectID, dep.ID)
	}()

	s.log.Debug("scheduler: worker picked up deployment",
		"worker", workerID, "deployment_id", dep.ID)

	status := s.runner.Run(j.ctx, dep, j.project)

	s.log.Debug("scheduler: worker finished deployment",
		"worker", workerID, "deployment_id", dep.ID, "status", status)
}

// recoverCrashed converts an in-flight panic into the worker_lost terminal
// state so the deployment is never stuck non-terminal.
func (s *Scheduler) recoverCrashed(dep *domain.Deployment) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.deployments.Finish(ctx, dep.ID, domain.DeploymentFailed,
		string(dep.Status), domain.ReasonWorkerLost); err != nil {
		s.log.Error("scheduler: failed to finish crashed deployment",
			"deployment_id", dep.ID, "error", err)
	}

	s.sink.Close(ctx, dep.ID,
		fmt.Sprintf("deployment %s failed: %s", dep.ID, domain.ReasonWorkerLost))
}

// appendFinalLine writes a terminal system line directly to the transcript,
// for deployments recovered outside a live feed.
func (s *Scheduler) appendFinalLine(ctx context.Context, deploymentID, text string) {
	lines, err := s.transcripts.Range(ctx, deploymentID, 0, -1)
	if err != nil {
		s.log.Warn("scheduler: transcript read failed during recovery",
			"deployment_id", deploymentID, "error", err)
		return
	}

	var last int64
	if n := len(lines); n > 0 {
		last = lines[n-1].Seq
	}

	line := domain.LogLine{
		Seq:       last + 1,
		Stream:    domain.StreamSystem,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	if err := s.transcripts.Append(ctx, deploymentID, line); err != nil {
		s.log.Warn("scheduler: transcript append failed during recovery",
			"deployment_id", deploymentID, "error", err)
	}
}

func (s *Scheduler) release(projectID, deploymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, held := s.locks[projectID]; held && holder == deploymentID {
		delete(s.locks, projectID)
	}
}

func (s *Scheduler) unregister(deploymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.active[deploymentID]; ok {
		entry.cancel()
		delete(s.active, deploymentID)
	}
}
