package packager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// captureLimit bounds how much of each stream is returned to the caller.
const captureLimit = 64 << 10

// RunSpec describes one packaging command execution.
type RunSpec struct {
	Env     []string
	Timeout time.Duration
	Logger  *slog.Logger
}

// RunResult is the outcome of a command that started.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Runner executes the packaging command. An error means the command could
// not be run at all.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// CommandRunner runs an external program.
type CommandRunner struct {
	Command []string
}

func (r CommandRunner) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if len(r.Command) == 0 {
		return RunResult{}, errors.New("packaging command is required")
	}
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	stdout := &tailBuffer{limit: captureLimit}
	stderr := &tailBuffer{limit: captureLimit}
	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Env = append(os.Environ(), spec.Env...)
	stdoutLog := newLogWriter(logger, "stdout")
	stderrLog := newLogWriter(logger, "stderr")
	cmd.Stdout = io.MultiWriter(stdout, stdoutLog)
	cmd.Stderr = io.MultiWriter(stderr, stderrLog)
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	stdoutLog.Flush()
	stderrLog.Flush()
	result := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if err == nil {
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("run packaging command: %w", err)
}

// tailBuffer keeps the last limit bytes written.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// logWriter forwards command output to the logger one line at a time.
type logWriter struct {
	logger *slog.Logger
	stream string

	mu      sync.Mutex
	pending []byte
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	data := append(w.pending, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		w.emit(data[:idx])
		data = data[idx+1:]
	}
	if len(data) > captureLimit {
		w.emit(data)
		data = nil
	}
	w.pending = append(w.pending[:0], data...)
	return total, nil
}

// Flush logs a trailing line that ended without a newline.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.pending)
	w.pending = w.pending[:0]
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	w.logger.Debug("packaging output", "stream", w.stream, "line", string(line))
}
