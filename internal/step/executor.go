// Package step runs configured shell command lists as child processes,
// streaming their combined output line by line.
package step

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"capstan/internal/domain"
	"capstan/internal/logger"
)

const (
	initialScannerBufferSize = 4096
	maxScannerBufferSize     = 10 * 1024 * 1024
)

// ErrCancelled marks a run that was terminated by cancellation rather than
// by a failing command.
var ErrCancelled = errors.New("step execution cancelled")

// ExitError reports the first command of a list that exited non-zero.
type ExitError struct {
	Index    int
	Command  string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %d (%q) exited with code %d", e.Index, e.Command, e.ExitCode)
}

// LineHandler receives each output line as it is produced.
type LineHandler func(text string, stream domain.LogStream)

type Options struct {
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

type Executor struct {
	grace time.Duration
	log   logger.Logger
}

func NewExecutor(grace time.Duration, log logger.Logger) *Executor {
	return &Executor{
		grace: grace,
		log:   log,
	}
}

// RunAll executes commands sequentially and stops at the first failure.
// It returns an *ExitError for a non-zero exit, ErrCancelled when the
// context was cancelled mid-run, or context.DeadlineExceeded on timeout.
func (e *Executor) RunAll(ctx context.Context, commands []string, opts Options, emit LineHandler) error {
	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	for i, cmdLine := range commands {
		emit(fmt.Sprintf("$ %s", cmdLine), domain.StreamSystem)

		if err := e.runOne(runCtx, cmdLine, opts, emit); err != nil {
			var exitErr *ExitError
			if errors.As(err, &exitErr) {
				exitErr.Index = i
				return exitErr
			}
			return err
		}
	}

	return nil
}

func (e *Executor) runOne(ctx context.Context, cmdLine string, opts Options, emit LineHandler) error {
	cmd := exec.Command("sh", "-c", cmdLine)
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(opts.Env)

	// Own process group so a kill reaches the whole subtree, not just sh.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	pgid := cmd.Process.Pid

	done := make(chan struct{})
	go e.watchdog(ctx, pgid, done)

	var pumps errgroup.Group
	pumps.Go(func() error {
		return e.streamOutput(stdout, emit, domain.StreamStdout)
	})
	pumps.Go(func() error {
		return e.streamOutput(stderr, emit, domain.StreamStderr)
	})

	pumpErr := pumps.Wait()
	waitErr := cmd.Wait()
	close(done)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return context.DeadlineExceeded
		}
		return ErrCancelled
	}

	if waitErr != nil {
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			return &ExitError{Command: cmdLine, ExitCode: ee.ExitCode()}
		}
		return fmt.Errorf("command failed: %w", waitErr)
	}

	if pumpErr != nil {
		return fmt.Errorf("output stream error: %w", pumpErr)
	}

	return nil
}

// watchdog terminates the process group when ctx fires: SIGTERM first,
// SIGKILL once the grace period runs out.
func (e *Executor) watchdog(ctx context.Context, pgid int, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	e.log.Debug("step: signalling process group", "pgid", pgid)
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(e.grace):
		e.log.Warn("step: grace period elapsed, force killing", "pgid", pgid)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

func (e *Executor) streamOutput(r io.Reader, emit LineHandler, stream domain.LogStream) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialScannerBufferSize), maxScannerBufferSize)

	for scanner.Scan() {
		text := scanner.Text()
		for _, line := range normalizeAndSplitLines(text) {
			if line = strings.TrimRight(line, " \t"); line != "" {
				emit(line, stream)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	return nil
}

func normalizeAndSplitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	return strings.Split(text, "\n")
}

// mergeEnv layers extra values over the parent environment, extras winning.
func mergeEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return os.Environ()
	}

	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range extra {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
