package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// LaunchSpec describes one agent process to start.
type LaunchSpec struct {
	AgentID string
	Command string
	Args    []string
	Dir     string
	// LogDir receives stdout.log and stderr.log. When empty, output is
	// buffered in memory and lost if the controller exits.
	LogDir string
}

// Exit is the outcome of a finished process.
type Exit struct {
	Code   int
	Stdout string
	Stderr string
}

// Process is a launched agent.
type Process interface {
	Pid() int
	// Wait blocks until the process exits or ctx is done. It may be called
	// any number of times, from any goroutine.
	Wait(ctx context.Context) (Exit, error)
	// Exited reports whether the process has already exited.
	Exited() bool
	// Terminate sends SIGTERM to the process group and SIGKILL after grace
	// if it is still running. It returns once the process has exited.
	Terminate(grace time.Duration) error
}

// Launcher starts agent processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher implements Launcher with os/exec. Each agent runs in its own
// process group so termination reaches its descendants too.
type ExecLauncher struct {
	// cmdFactory builds the exec.Cmd for a spec. Tests override it to run
	// a shell snippet instead of the agent binary.
	cmdFactory func(spec LaunchSpec) *exec.Cmd
}

// NewExecLauncher returns a launcher that runs spec.Command with spec.Args.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{
		cmdFactory: func(spec LaunchSpec) *exec.Cmd {
			// Not CommandContext: agents must outlive the request that started them.
			//nolint:gosec // intentionally spawning the configured agent command
			return exec.Command(spec.Command, spec.Args...)
		},
	}
}

// Launch starts the process described by spec.
func (l *ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	cmd := l.cmdFactory(spec)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}

	var files []*os.File
	if spec.LogDir != "" {
		if err := os.MkdirAll(spec.LogDir, 0o700); err != nil {
			return nil, fmt.Errorf("create agent log dir %s: %w", spec.LogDir, err)
		}
		p.stdoutPath = filepath.Join(spec.LogDir, "stdout.log")
		p.stderrPath = filepath.Join(spec.LogDir, "stderr.log")

		for _, path := range []string{p.stdoutPath, p.stderrPath} {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // log path is deterministic
			if err != nil {
				closeAll(files)
				return nil, fmt.Errorf("open agent log %s: %w", path, err)
			}
			files = append(files, f)
		}
		cmd.Stdout = files[0]
		cmd.Stderr = files[1]
	} else {
		p.stdoutBuf = &bytes.Buffer{}
		p.stderrBuf = &bytes.Buffer{}
		cmd.Stdout = p.stdoutBuf
		cmd.Stderr = p.stderrBuf
	}

	if err := cmd.Start(); err != nil {
		closeAll(files)
		return nil, fmt.Errorf("start agent %s: %w", spec.AgentID, err)
	}
	// The child inherited the log fds; the parent can close its copies.
	closeAll(files)

	// Reap in the background so Wait can be shared and no zombie is left.
	go p.reap()

	return p, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	stdoutPath, stderrPath string
	stdoutBuf, stderrBuf   *bytes.Buffer

	mu   sync.Mutex
	exit Exit
	err  error
}

func (p *execProcess) reap() {
	err := p.cmd.Wait()

	exit := Exit{Code: 0}
	var waitErr error
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// -1 when killed by a signal.
			exit.Code = exitErr.ExitCode()
		} else {
			exit.Code = -1
			waitErr = fmt.Errorf("wait for agent: %w", err)
		}
	}

	if p.stdoutBuf != nil {
		exit.Stdout = p.stdoutBuf.String()
		exit.Stderr = p.stderrBuf.String()
	} else {
		exit.Stdout = readLog(p.stdoutPath)
		exit.Stderr = readLog(p.stderrPath)
	}

	p.mu.Lock()
	p.exit = exit
	p.err = waitErr
	p.mu.Unlock()
	close(p.done)
}

func readLog(path string) string {
	data, err := os.ReadFile(path) //nolint:gosec // path built by Launch
	if err != nil {
		return ""
	}
	return string(data)
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait(ctx context.Context) (Exit, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit, p.err
}

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}

	// Negative pid signals the whole group.
	pgid := p.Pid()
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		// Already gone.
		_ = p.cmd.Process.Kill()
		<-p.done
		return nil
	}

	select {
	case <-p.done:
	case <-time.After(grace):
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("kill agent process group %d: %w", pgid, err)
		}
		<-p.done
	}
	return nil
}
