package supervisor

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// stopGracePeriod is how long a child gets between SIGINT and SIGKILL.
var stopGracePeriod = 10 * time.Second

// ProcessRunner manages one child process: start, log forwarding, restart
// after death, graceful stop. Safe for concurrent use.
type ProcessRunner struct {
	name   string
	args   []string
	logger zerolog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	dead chan struct{}
}

// NewProcessRunner builds a runner for the current executable invoked with
// args. name tags forwarded log lines.
func NewProcessRunner(name string, args []string, logger zerolog.Logger) *ProcessRunner {
	return &ProcessRunner{
		name:   name,
		args:   args,
		logger: logger.With().Str("child", name).Logger(),
	}
}

// Start spawns the child. The child's stdout and stderr are forwarded line
// by line to the runner's logger.
func (p *ProcessRunner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.Errorf("supervisor: child %s already started", p.name)
	}

	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	cmd := exec.Command(exe, p.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.WithStack(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.WithStack(err)
	}
	if err := cmd.Start(); err != nil {
		return errors.WithStack(err)
	}

	dead := make(chan struct{})
	p.cmd = cmd
	p.dead = dead
	p.logger.Info().Int("pid", cmd.Process.Pid).Strs("args", p.args).Msg("child started")

	go p.forward(stdout)
	go p.forward(stderr)
	go func() {
		err := cmd.Wait()
		if err != nil {
			p.logger.Warn().Err(err).Msg("child exited")
		}
		close(dead)
	}()
	return nil
}

// forward copies child output lines into the supervisor log.
func (p *ProcessRunner) forward(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Info().Msg(scanner.Text())
	}
}

// PID returns the child's pid, 0 when not running.
func (p *ProcessRunner) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Dead reports whether the child has exited.
func (p *ProcessRunner) Dead() bool {
	p.mu.Lock()
	dead := p.dead
	p.mu.Unlock()
	if dead == nil {
		return true
	}
	select {
	case <-dead:
		return true
	default:
		return false
	}
}

// RestartDeadIfRequired starts the child again when it has exited.
func (p *ProcessRunner) RestartDeadIfRequired() error {
	if !p.Dead() {
		return nil
	}
	p.mu.Lock()
	if p.cmd != nil {
		p.logger.Warn().Msg("restarting dead child")
		p.cmd = nil
		p.dead = nil
	}
	p.mu.Unlock()
	return p.Start()
}

// Stop terminates the child: SIGINT, then SIGKILL after the grace period.
// It is a no-op when the child is not running.
func (p *ProcessRunner) Stop() {
	p.mu.Lock()
	cmd, dead := p.cmd, p.dead
	p.cmd = nil
	p.dead = nil
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		return
	}
	select {
	case <-dead:
	case <-time.After(stopGracePeriod):
		p.logger.Warn().Msg("child did not stop in time, killing")
		cmd.Process.Kill()
		<-dead
	}
	p.logger.Info().Msg("child stopped")
}

// Restart stops the child and starts it again.
func (p *ProcessRunner) Restart() error {
	p.Stop()
	return p.Start()
}
