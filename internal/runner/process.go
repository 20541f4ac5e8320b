package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

const (
	// terminateGrace is how long a child has to exit after SIGTERM
	// before it is killed.
	terminateGrace = 5 * time.Second

	displayProbeInterval = 50 * time.Millisecond
	portProbeInterval    = 100 * time.Millisecond
)

// childProcess wraps a helper process whose stdout and stderr are
// drained to debug logs for its whole lifetime.
type childProcess struct {
	name string
	cmd  *exec.Cmd
	done chan struct{} // closed once the process has been reaped
}

// spawnProcess starts a helper process with both output streams piped
// into per-stream drain goroutines.
func spawnProcess(logger *slog.Logger, name string, args []string, env []string) (*childProcess, error) {
	cmd := exec.Command(args[0], args[1:]...)
	if env != nil {
		cmd.Env = env
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: piping %s stdout: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: piping %s stderr: %w", name, err)
	}

	logger.Debug("starting process", "name", name, "args", args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runner: starting %s: %w", name, err)
	}

	p := &childProcess{name: name, cmd: cmd, done: make(chan struct{})}
	var drains sync.WaitGroup
	drains.Add(2)
	go func() {
		defer drains.Done()
		drainStream(logger, name+"-stdout", stdout)
	}()
	go func() {
		defer drains.Done()
		drainStream(logger, name+"-stderr", stderr)
	}()
	go func() {
		// Wait must not run until the pipes hit EOF.
		drains.Wait()
		if err := cmd.Wait(); err != nil {
			logger.Debug("process exited", "name", name, "error", err)
		}
		close(p.done)
	}()
	return p, nil
}

// drainStream forwards each line of a child's output to the debug log.
func drainStream(logger *slog.Logger, prefix string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug("process output", "stream", prefix, "line", scanner.Text())
	}
}

// exited reports whether the process has been reaped.
func (p *childProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// exitCode returns the process exit code, or -1 while it is running.
func (p *childProcess) exitCode() int {
	if !p.exited() {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// stop sends SIGTERM and escalates to SIGKILL after terminateGrace.
func (p *childProcess) stop(logger *slog.Logger) {
	if p.exited() {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
		return
	case <-time.After(terminateGrace):
		logger.Warn("process did not exit after terminate; killing", "name", p.name)
	}
	p.kill()
}

// kill sends SIGKILL and waits for the process to be reaped.
func (p *childProcess) kill() {
	if p.exited() {
		return
	}
	_ = p.cmd.Process.Kill()
	select {
	case <-p.done:
	case <-time.After(terminateGrace):
	}
}

// waitForDisplaySocket polls until Xvfb has created its UNIX socket,
// failing when the process dies or the timeout elapses.
func waitForDisplaySocket(ctx context.Context, display int, proc *childProcess, timeout time.Duration) error {
	socketPath := fmt.Sprintf("/tmp/.X11-unix/X%d", display)
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			return nil
		}
		if proc.exited() {
			return fmt.Errorf("runner: Xvfb exited with code %d", proc.exitCode())
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("runner: timed out waiting for Xvfb display %d", display)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(displayProbeInterval):
		}
	}
}

// waitForPort polls until a local TCP port accepts connections, failing
// when the process dies or the timeout elapses.
func waitForPort(ctx context.Context, host string, port int, proc *childProcess, timeout time.Duration) error {
	var dialer net.Dialer
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	deadline := time.Now().Add(timeout)
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if proc.exited() {
			return fmt.Errorf("runner: websockify exited with code %d", proc.exitCode())
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("runner: timed out waiting for websockify on %s", addr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(portProbeInterval):
		}
	}
}
