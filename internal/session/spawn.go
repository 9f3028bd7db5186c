package session

import (
	"bufio"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/strobehq/strobe/internal/errs"
	"github.com/strobehq/strobe/internal/framing"
	"github.com/strobehq/strobe/internal/store"
)

// Target is the coordinator's handle to one spawned-and-instrumented
// process: a message channel to the agent inside it, plus liveness and
// termination. A real deployment backs this with the
// dynamic-instrumentation framework's injection session; tests back it
// with an in-process fake wired straight to an agent.Runtime.
type Target interface {
	PID() int
	// LoadAddress is the runtime load address reported by the agent at
	// attach time; the slide is LoadAddress minus the image base.
	LoadAddress() uint64
	// Send ships one framed message to the agent. Callers go through the
	// session worker so per-session order is preserved.
	Send(msg any) error
	Kill() error
	Alive() bool
}

// Spawner creates targets. onAgentMessage receives every inbound framed
// message from the agent (events-batch, paused, acks, ...) and is invoked
// from the transport's receive goroutine.
type Spawner interface {
	Spawn(command string, args []string, projectRoot string, env []string, onAgentMessage func(any)) (Target, error)
}

// ExecSpawner launches targets as ordinary child processes in their own
// process group, captures their stdout/stderr into the event stream, and
// reports liveness via signal 0 — the poll-with-deadline liveness idiom.
// It carries no injection framework, so hook traffic over its Send is only
// meaningful when an in-process agent is attached by the caller (the
// self-instrumented mode in cmd/strobe-agent); everything else about a
// session — output capture, lifecycle, the store — works against any
// binary.
type ExecSpawner struct{}

type execTarget struct {
	cmd   *exec.Cmd
	onMsg func(any)

	mu    sync.Mutex
	dead  bool
	agent func(any) error // optional in-process agent dispatch
}

// Spawn starts command in its own process group under projectRoot.
func (ExecSpawner) Spawn(command string, args []string, projectRoot string, env []string, onAgentMessage func(any)) (Target, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = projectRoot
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap("session.spawn", errs.KindAttachFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errs.Wrap("session.spawn", errs.KindAttachFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap("session.spawn", errs.KindAttachFailed, err)
	}

	t := &execTarget{cmd: cmd, onMsg: onAgentMessage}
	go t.pumpOutput(stdout, string(store.KindStdout))
	go t.pumpOutput(stderr, string(store.KindStderr))
	return t, nil
}

// pumpOutput turns each line of the child's output into a stdout/stderr
// event, the exec-spawner stand-in for the agent's write() interception.
func (t *execTarget) pumpOutput(r io.Reader, kind string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if t.onMsg == nil {
			continue
		}
		t.onMsg(framing.EventsBatchMessage{
			Events: []framing.EventWire{{
				Kind:        kind,
				TimestampNs: time.Now().UnixNano(),
				Text:        sc.Text(),
			}},
		})
	}
}

func (t *execTarget) PID() int { return t.cmd.Process.Pid }

func (t *execTarget) LoadAddress() uint64 { return 0 }

// AttachAgent wires an in-process agent dispatch function, used by the
// self-instrumented mode where the "target" hosts a real agent.Runtime.
func (t *execTarget) AttachAgent(dispatch func(any) error) {
	t.mu.Lock()
	t.agent = dispatch
	t.mu.Unlock()
}

func (t *execTarget) Send(msg any) error {
	t.mu.Lock()
	dispatch := t.agent
	t.mu.Unlock()
	if dispatch == nil {
		return errs.New("session.send", errs.KindAttachFailed,
			"no agent attached to this target")
	}
	return dispatch(msg)
}

// Kill terminates the whole process group, so targets that forked keep no
// orphans holding the instrumented state alive.
func (t *execTarget) Kill() error {
	t.mu.Lock()
	t.dead = true
	t.mu.Unlock()
	pgid := -t.cmd.Process.Pid
	if err := unix.Kill(pgid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return unix.Kill(pgid, unix.SIGKILL)
	}
	go t.cmd.Wait()
	return nil
}

// Alive probes the process with signal 0.
func (t *execTarget) Alive() bool {
	t.mu.Lock()
	dead := t.dead
	t.mu.Unlock()
	if dead {
		return false
	}
	return unix.Kill(t.cmd.Process.Pid, 0) == nil
}
