package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Command is one build-tool invocation.
type Command struct {
	Dir    string
	Args   []string
	Env    []string
	Output io.Writer
}

// CommandRunner runs build-tool commands. Tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) error
}

// ExecRunner runs commands as subprocesses with an optional deadline.
type ExecRunner struct {
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, c Command) error {
	if len(c.Args) == 0 {
		return fmt.Errorf("empty command")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = c.Output
	cmd.Stderr = c.Output
	cmd.WaitDelay = 10 * time.Second
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
	return nil
}

// toolchainEnv puts the toolchain binaries first on PATH and points ccache
// at the toolchain cache. An empty dir leaves the environment alone.
func toolchainEnv(dir string) []string {
	if dir == "" {
		return nil
	}
	path := filepath.Join(dir, "bin") + string(os.PathListSeparator) +
		filepath.Join(dir, "gcc", "bin") + string(os.PathListSeparator) +
		os.Getenv("PATH")
	return []string{
		"PATH=" + path,
		"CCACHE_DIR=" + filepath.Join(dir, "cache"),
	}
}

// buildLog is the append-only log shared by the build-tool phases. Marker
// lines are synced to disk so the progress estimator sees them immediately.
type buildLog struct {
	f *os.File
}

func openBuildLog(path string) (*buildLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &buildLog{f: f}, nil
}

func (l *buildLog) Write(p []byte) (int, error) { return l.f.Write(p) }

func (l *buildLog) marker(format string, args ...any) error {
	if _, err := fmt.Fprintf(l.f, format+"\n", args...); err != nil {
		return err
	}
	return l.f.Sync()
}

func (l *buildLog) Close() error { return l.f.Close() }
