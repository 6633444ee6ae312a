package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"capstan/internal/domain"
	"capstan/internal/event"
	"capstan/internal/logger"
	"capstan/internal/step"
	"capstan/internal/workspace"
)

// Workspaces is the slice of the workspace manager the machine needs.
type Workspaces interface {
	Materialize(ctx context.Context, deploymentID, remoteURL, ref string, emit workspace.LineHandler) (string, string, error)
	Destroy(deploymentID string)
	FreeBytes() (uint64, error)
	Count() (int, error)
}

// StepRunner runs one stage's command list.
type StepRunner interface {
	RunAll(ctx context.Context, commands []string, opts step.Options, emit step.LineHandler) error
}

// Sink receives every output line of a running deployment.
type Sink interface {
	Open(deploymentID string)
	Publish(ctx context.Context, deploymentID string, stream domain.LogStream, text string)
	Close(ctx context.Context, deploymentID string, finalText string)
}

type MachineConfig struct {
	MinFreeDiskBytes uint64
	WorkspaceQuota   int
	KeepWorkspace    bool
	StepTimeout      time.Duration
}

// Machine sequences the six stages of a single deployment. One Run call per
// deployment, on the worker goroutine that owns it; all status writes go
// through that single owner.
type Machine struct {
	cfg MachineConfig

	repo       domain.DeploymentRepository
	secrets    domain.SecretResolver
	workspaces Workspaces
	steps      StepRunner
	sink       Sink
	bus        *event.Bus
	log        logger.Logger
}

func NewMachine(
	cfg MachineConfig,
	repo domain.DeploymentRepository,
	secrets domain.SecretResolver,
	workspaces Workspaces,
	steps StepRunner,
	sink Sink,
	bus *event.Bus,
	log logger.Logger,
) *Machine {
	return &Machine{
		cfg:        cfg,
		repo:       repo,
		secrets:    secrets,
		workspaces: workspaces,
		steps:      steps,
		sink:       sink,
		bus:        bus,
		log:        log,
	}
}

// run carries the per-deployment state a single Run call threads through
// its stages.
type run struct {
	dep     *domain.Deployment
	project *domain.Project

	repoDir string
	config  *Config
	env     map[string]string
	redact  *strings.Replacer
}

// Run drives dep to a terminal status and returns it. The context is the
// cancellation signal: once it fires, the machine finishes the deployment
// as cancelled at the next suspension point.
func (m *Machine) Run(ctx context.Context, dep *domain.Deployment, project *domain.Project) domain.DeploymentStatus {
	r := &run{dep: dep, project: project}

	m.sink.Open(dep.ID)
	m.systemf(ctx, r, "deployment %s of %s at %q starting", dep.ID, project.Name, dep.Reference)

	if status, done := m.preflight(ctx, r); done {
		return status
	}
	if status, done := m.checkout(ctx, r); done {
		return status
	}
	if status, done := m.build(ctx, r); done {
		return status
	}
	if status, done := m.deploy(ctx, r); done {
		return status
	}
	m.postDeploy(ctx, r)

	return m.finalize(ctx, r)
}

func (m *Machine) preflight(ctx context.Context, r *run) (domain.DeploymentStatus, bool) {
	if cancelled := m.enterStage(ctx, r, domain.DeploymentPreflight); cancelled {
		return m.cancel(ctx, r, domain.DeploymentPreflight), true
	}

	if r.project.RepoURL == "" {
		return m.fail(ctx, r, domain.DeploymentPreflight, domain.ReasonPreflightFailed,
			"project has no repository URL configured"), true
	}

	free, err := m.workspaces.FreeBytes()
	if err != nil {
		return m.fail(ctx, r, domain.DeploymentPreflight, domain.ReasonPreflightFailed,
			fmt.Sprintf("workspace volume check failed: %v", err)), true
	}
	if free < m.cfg.MinFreeDiskBytes {
		return m.fail(ctx, r, domain.DeploymentPreflight, domain.ReasonPreflightFailed,
			fmt.Sprintf("insufficient disk space: %d bytes free, %d required", free, m.cfg.MinFreeDiskBytes)), true
	}

	if m.cfg.WorkspaceQuota > 0 {
		count, err := m.workspaces.Count()
		if err != nil {
			return m.fail(ctx, r, domain.DeploymentPreflight, domain.ReasonPreflightFailed,
				fmt.Sprintf("workspace quota check failed: %v", err)), true
		}
		if count >= m.cfg.WorkspaceQuota {
			return m.fail(ctx, r, domain.DeploymentPreflight, domain.ReasonPreflightFailed,
				fmt.Sprintf("workspace quota exhausted: %d of %d in use", count, m.cfg.WorkspaceQuota)), true
		}
	}

	m.systemf(ctx, r, "preflight checks passed")
	return "", false
}

func (m *Machine) checkout(ctx context.Context, r *run) (domain.DeploymentStatus, bool) {
	if cancelled := m.enterStage(ctx, r, domain.DeploymentCheckout); cancelled {
		return m.cancel(ctx, r, domain.DeploymentCheckout), true
	}

	repoDir, commit, err := m.workspaces.Materialize(ctx, r.dep.ID, r.project.RepoURL, r.dep.Reference, m.emitter(ctx, r))
	if err != nil {
		if ctx.Err() != nil {
			return m.cancel(ctx, r, domain.DeploymentCheckout), true
		}
		return m.fail(ctx, r, domain.DeploymentCheckout, domain.ReasonCheckoutFailed, err.Error()), true
	}
	r.repoDir = repoDir
	m.systemf(ctx, r, "checked out commit %s", commit)

	cfg, err := LoadConfig(repoDir)
	if err != nil {
		return m.fail(ctx, r, domain.DeploymentCheckout, domain.ReasonConfigInvalid, err.Error()), true
	}
	r.config = cfg

	secrets := map[string]string{}
	if len(cfg.Env) > 0 {
		secrets, err = m.secrets.Resolve(ctx, r.dep.ProjectID, cfg.Env)
		if err != nil {
			if ctx.Err() != nil {
				return m.cancel(ctx, r, domain.DeploymentCheckout), true
			}
			return m.fail(ctx, r, domain.DeploymentCheckout, domain.ReasonConfigInvalid,
				fmt.Sprintf("secret resolution failed: %v", err)), true
		}
		m.systemf(ctx, r, "resolved %d secret(s): %s", len(cfg.Env), strings.Join(cfg.Env, ", "))
	}

	r.env = map[string]string{
		"CAPSTAN_DEPLOYMENT_ID": r.dep.ID,
		"CAPSTAN_PROJECT_ID":    r.dep.ProjectID,
		"CAPSTAN_REF":           r.dep.Reference,
		"CAPSTAN_COMMIT":        commit,
		"CAPSTAN_WORKSPACE":     repoDir,
	}
	for k, v := range secrets {
		r.env[k] = v
	}
	r.redact = redactor(secrets)

	return "", false
}

func (m *Machine) build(ctx context.Context, r *run) (domain.DeploymentStatus, bool) {
	if cancelled := m.enterStage(ctx, r, domain.DeploymentBuild); cancelled {
		return m.cancel(ctx, r, domain.DeploymentBuild), true
	}

	if len(r.config.Steps.Build) == 0 {
		m.systemf(ctx, r, "no build steps configured, skipping")
		return "", false
	}

	if err := m.runStage(ctx, r, r.config.Steps.Build); err != nil {
		if errors.Is(err, step.ErrCancelled) || ctx.Err() != nil {
			return m.cancel(ctx, r, domain.DeploymentBuild), true
		}
		return m.fail(ctx, r, domain.DeploymentBuild, domain.ReasonBuildFailed, err.Error()), true
	}

	return "", false
}

func (m *Machine) deploy(ctx context.Context, r *run) (domain.DeploymentStatus, bool) {
	if cancelled := m.enterStage(ctx, r, domain.DeploymentDeploy); cancelled {
		return m.cancel(ctx, r, domain.DeploymentDeploy), true
	}

	// A pipeline with nothing to deploy has no purpose.
	if len(r.config.Steps.Deploy) == 0 {
		return m.fail(ctx, r, domain.DeploymentDeploy, domain.ReasonNoDeploySteps,
			"deployment file configures no deploy steps"), true
	}

	if err := m.runStage(ctx, r, r.config.Steps.Deploy); err != nil {
		if errors.Is(err, step.ErrCancelled) || ctx.Err() != nil {
			return m.cancel(ctx, r, domain.DeploymentDeploy), true
		}
		return m.fail(ctx, r, domain.DeploymentDeploy, domain.ReasonDeployFailed, err.Error()), true
	}

	return "", false
}

// postDeploy failures never gate the deployment; they are recorded as
// warnings and the run proceeds to success.
func (m *Machine) postDeploy(ctx context.Context, r *run) {
	if cancelled := m.enterStage(ctx, r, domain.DeploymentPostDeploy); cancelled {
		return
	}

	if len(r.config.Steps.PostDeploy) == 0 {
		m.systemf(ctx, r, "no post-deploy steps configured, skipping")
		return
	}

	if err := m.runStage(ctx, r, r.config.Steps.PostDeploy); err != nil {
		if errors.Is(err, step.ErrCancelled) || ctx.Err() != nil {
			return
		}
		m.systemf(ctx, r, "warning: post-deploy failed (non-fatal): %v", err)
		m.log.Warn("pipeline: post-deploy step failed", "deployment_id", r.dep.ID, "error", err)
	}
}

func (m *Machine) finalize(ctx context.Context, r *run) domain.DeploymentStatus {
	// Cancellation arriving during post-deploy is still honored here.
	if ctx.Err() != nil {
		return m.cancel(ctx, r, domain.DeploymentPostDeploy)
	}

	m.enterStage(ctx, r, domain.DeploymentFinalizing)

	if m.cfg.KeepWorkspace {
		m.systemf(ctx, r, "keeping workspace for inspection")
	} else {
		m.workspaces.Destroy(r.dep.ID)
		m.systemf(ctx, r, "workspace removed")
	}

	return m.finish(ctx, r, domain.DeploymentSucceeded, "", nil,
		fmt.Sprintf("deployment %s succeeded", r.dep.ID))
}

func (m *Machine) runStage(ctx context.Context, r *run, commands []string) error {
	opts := step.Options{
		Dir:     r.repoDir,
		Env:     r.env,
		Timeout: m.cfg.StepTimeout,
	}
	return m.steps.RunAll(ctx, commands, opts, m.emitter(ctx, r))
}

// enterStage records the transition and reports whether cancellation was
// observed at the boundary.
func (m *Machine) enterStage(ctx context.Context, r *run, status domain.DeploymentStatus) bool {
	if ctx.Err() != nil {
		return true
	}

	if !r.dep.Status.CanTransition(status) {
		// Never regress; a programming error, not a runtime condition.
		m.log.Error("pipeline: illegal transition", "deployment_id", r.dep.ID,
			"from", r.dep.Status, "to", status)
		return false
	}

	r.dep.Status = status
	if err := m.repo.UpdateStatus(context.WithoutCancel(ctx), r.dep.ID, status); err != nil {
		// Status row is behind; the run itself goes on.
		m.log.Error("pipeline: status update failed", "deployment_id", r.dep.ID,
			"status", status, "error", err)
	}

	m.systemf(ctx, r, "=== stage: %s ===", status)
	m.bus.Publish("deployment_status_changed", domain.EventDeploymentStatusChanged{
		DeploymentID: r.dep.ID,
		ProjectID:    r.dep.ProjectID,
		Status:       status,
	})

	return false
}

func (m *Machine) fail(ctx context.Context, r *run, stage domain.DeploymentStatus, reason domain.ExitReason, detail string) domain.DeploymentStatus {
	m.systemf(ctx, r, "stage %s failed: %s", stage, detail)
	m.workspaces.Destroy(r.dep.ID)

	return m.finish(ctx, r, domain.DeploymentFailed, string(stage), &reason,
		fmt.Sprintf("deployment %s failed in %s: %s", r.dep.ID, stage, reason))
}

func (m *Machine) cancel(ctx context.Context, r *run, stage domain.DeploymentStatus) domain.DeploymentStatus {
	reason := domain.ReasonCancelled
	m.workspaces.Destroy(r.dep.ID)

	return m.finish(ctx, r, domain.DeploymentCancelled, string(stage), &reason,
		fmt.Sprintf("deployment %s cancelled during %s", r.dep.ID, stage))
}

// finish is the single exit: exactly one terminal status write, one final
// system line, one closed feed.
func (m *Machine) finish(ctx context.Context, r *run, status domain.DeploymentStatus, stage string, reason *domain.ExitReason, finalText string) domain.DeploymentStatus {
	ctx = context.WithoutCancel(ctx)

	var reasonValue domain.ExitReason
	if reason != nil {
		reasonValue = *reason
	}
	if err := m.repo.Finish(ctx, r.dep.ID, status, stage, reasonValue); err != nil {
		m.log.Error("pipeline: terminal status write failed", "deployment_id", r.dep.ID,
			"status", status, "error", err)
	}
	r.dep.Status = status

	m.sink.Close(ctx, r.dep.ID, finalText)

	m.bus.Publish("deployment_finished", domain.EventDeploymentFinished{
		DeploymentID: r.dep.ID,
		ProjectID:    r.dep.ProjectID,
		Status:       status,
		ExitReason:   reason,
		FinishedAt:   time.Now().UTC(),
	})

	m.log.Info("pipeline: deployment finished", "deployment_id", r.dep.ID,
		"status", status, "reason", reasonValue)

	return status
}

func (m *Machine) systemf(ctx context.Context, r *run, format string, args ...any) {
	m.publish(ctx, r, domain.StreamSystem, fmt.Sprintf(format, args...))
}

// emitter adapts the sink to the step and workspace callback shape.
func (m *Machine) emitter(ctx context.Context, r *run) func(text string, stream domain.LogStream) {
	return func(text string, stream domain.LogStream) {
		m.publish(ctx, r, stream, text)
	}
}

func (m *Machine) publish(ctx context.Context, r *run, stream domain.LogStream, text string) {
	if r.redact != nil {
		text = r.redact.Replace(text)
	}
	m.sink.Publish(context.WithoutCancel(ctx), r.dep.ID, stream, text)
}

// redactor masks resolved secret values anywhere they show up in output.
func redactor(secrets map[string]string) *strings.Replacer {
	if len(secrets) == 0 {
		return nil
	}

	pairs := make([]string, 0, len(secrets)*2)
	for _, v := range secrets {
		if len(v) >= 4 {
			pairs = append(pairs, v, "******")
		}
	}
	if len(pairs) == 0 {
		return nil
	}
	return strings.NewReplacer(pairs...)
}
