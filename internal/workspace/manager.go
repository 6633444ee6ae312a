// Package workspace materializes Git references into disposable checkout
// directories and tears them down afterward.
package workspace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"capstan/internal/domain"
	"capstan/internal/logger"
)

var (
	ErrRefNotFound = errors.New("git reference not found")
	ErrAuthFailed  = errors.New("git authentication failed")
)

// LineHandler receives git output lines during materialization.
type LineHandler func(text string, stream domain.LogStream)

type Manager struct {
	workDir string
	log     logger.Logger
}

func NewManager(workDir string, log logger.Logger) *Manager {
	return &Manager{
		workDir: workDir,
		log:     log,
	}
}

func (m *Manager) Dir(deploymentID string) string {
	return filepath.Join(m.workDir, deploymentID)
}

// RepoDir is where the checkout lands inside a workspace.
func (m *Manager) RepoDir(deploymentID string) string {
	return filepath.Join(m.Dir(deploymentID), "repo")
}

// Materialize clones remoteURL at ref into a fresh workspace and returns
// the repo directory plus the resolved commit SHA. Branch and tag refs take
// the shallow path; anything else falls back to a full clone and checkout.
func (m *Manager) Materialize(ctx context.Context, deploymentID, remoteURL, ref string, emit LineHandler) (string, string, error) {
	repoDir := m.RepoDir(deploymentID)

	if err := os.MkdirAll(m.Dir(deploymentID), 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create workspace: %w", err)
	}

	err := m.runGit(ctx, "", emit, "clone", "--depth", "1", "--branch", ref, remoteURL, repoDir)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) || ctx.Err() != nil {
			return "", "", err
		}

		// The ref may be a commit SHA, which clone --branch cannot take.
		m.log.Debug("workspace: shallow clone failed, retrying full clone", "ref", ref)
		_ = os.RemoveAll(repoDir)

		if err := m.runGit(ctx, "", emit, "clone", remoteURL, repoDir); err != nil {
			return "", "", err
		}
		if err := m.runGit(ctx, repoDir, emit, "checkout", "--detach", ref); err != nil {
			if errors.Is(err, ErrAuthFailed) {
				return "", "", err
			}
			return "", "", ErrRefNotFound
		}
	}

	commit, err := m.revParse(ctx, repoDir)
	if err != nil {
		return "", "", err
	}

	return repoDir, commit, nil
}

// Destroy removes a workspace. Failures are logged, never escalated.
func (m *Manager) Destroy(deploymentID string) {
	dir := m.Dir(deploymentID)
	if err := os.RemoveAll(dir); err != nil {
		m.log.Warn("workspace: failed to remove", "dir", dir, "error", err)
	}
}

// Exists reports whether a workspace directory is still on disk.
func (m *Manager) Exists(deploymentID string) bool {
	_, err := os.Stat(m.Dir(deploymentID))
	return err == nil
}

// Count returns the number of live workspace directories, for quota checks.
func (m *Manager) Count() (int, error) {
	entries, err := os.ReadDir(m.workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read work dir: %w", err)
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	return n, nil
}

// FreeBytes reports available space on the workspace volume.
func (m *Manager) FreeBytes() (uint64, error) {
	if err := os.MkdirAll(m.workDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create work dir: %w", err)
	}

	var st syscall.Statfs_t
	if err := syscall.Statfs(m.workDir, &st); err != nil {
		return 0, fmt.Errorf("failed to stat work dir: %w", err)
	}

	return st.Bavail * uint64(st.Bsize), nil
}

func (m *Manager) revParse(ctx context.Context, repoDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = repoDir

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	return strings.TrimSpace(string(out)), nil
}

func (m *Manager) runGit(ctx context.Context, dir string, emit LineHandler, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	// Never let git prompt for credentials on a worker.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start git: %w", err)
	}

	var stderrTail []string

	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" && emit != nil {
				emit(line, domain.StreamStdout)
			}
		}
	}()

	scanner := bufio.NewScanner(stderrPipe)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		stderrTail = append(stderrTail, line)
		if emit != nil {
			emit(line, domain.StreamStderr)
		}
	}
	<-outDone

	if err := cmd.Wait(); err != nil {
		return classifyGitError(strings.Join(stderrTail, "\n"), err)
	}

	return nil
}

// classifyGitError maps git stderr onto the two error kinds callers can act
// on: a bad ref versus broken credentials.
func classifyGitError(stderr string, cause error) error {
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "could not read password"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "publickey"):
		return fmt.Errorf("%w: %s", ErrAuthFailed, firstLine(stderr))

	case strings.Contains(lower, "not found in upstream"),
		strings.Contains(lower, "couldn't find remote ref"),
		strings.Contains(lower, "remote branch"),
		strings.Contains(lower, "pathspec"):
		return fmt.Errorf("%w: %s", ErrRefNotFound, firstLine(stderr))
	}

	return fmt.Errorf("git failed: %w: %s", cause, firstLine(stderr))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
