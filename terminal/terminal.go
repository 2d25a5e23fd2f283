package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrAlreadyStarted = errors.New("terminal has already been started")
	ErrStopped        = errors.New("terminal has been stopped")
	ErrEmptyCommand   = errors.New("empty command")
)

const (
	DefaultReadSize     = 1024
	DefaultIdlePoll     = 10 * time.Millisecond
	DefaultDrainTimeout = 250 * time.Millisecond
	DefaultTERM         = "xterm-256color"
)

// State is the lifecycle state of a Terminal. Stopped is terminal.
type State int

const (
	NotStarted State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Size struct {
	Cols uint16
	Rows uint16
}

type Options struct {
	// Env entries override the inherited environment.
	Env  []string
	Size Size
	// Output receives every chunk read from the pty, in order, from the read loop's goroutine.
	// The slice is reused after Output returns.
	Output func([]byte)

	ReadSize int
	// IdlePoll is how long to back off after an empty read while the process is alive.
	IdlePoll time.Duration
	// DrainTimeout bounds how long the pty may stay open without producing output after the process has exited or been stopped.
	DrainTimeout time.Duration

	Logger *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.ReadSize <= 0 {
		o.ReadSize = DefaultReadSize
	}
	if o.IdlePoll <= 0 {
		o.IdlePoll = DefaultIdlePoll
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.Size.Cols == 0 {
		o.Size.Cols = 80
	}
	if o.Size.Rows == 0 {
		o.Size.Rows = 24
	}
	if o.Output == nil {
		o.Output = func([]byte) {}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// Terminal owns one process attached to a pseudo-terminal.
type Terminal struct {
	log  *zap.SugaredLogger
	argv []string
	opts Options

	mut    sync.Mutex
	state  State
	cmd    *exec.Cmd
	ptmx   *os.File
	cancel context.CancelFunc

	// reading is set while the loop is blocked in a pty read, as opposed to delivering output
	reading atomic.Bool

	exited   chan struct{}
	exitCode int
	reaped   bool

	// outMut serializes Output calls with firing done, so no output is delivered after completion.
	outMut   sync.Mutex
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

func New(argv []string, opts Options) *Terminal {
	opts = opts.withDefaults()
	return &Terminal{
		log:    opts.Logger,
		argv:   append([]string(nil), argv...),
		opts:   opts,
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start spawns the process on a fresh pty and starts the output loop.
// If spawning fails, the terminal is left NotStarted with no process or loop.
func (t *Terminal) Start() error {
	t.mut.Lock()
	defer t.mut.Unlock()

	switch t.state {
	case Running:
		return ErrAlreadyStarted
	case Stopped:
		return ErrStopped
	}
	if len(t.argv) == 0 {
		return ErrEmptyCommand
	}

	cmd := exec.Command(t.argv[0], t.argv[1:]...)
	cmd.Env = t.env()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: t.opts.Size.Cols, Rows: t.opts.Size.Rows})
	if err != nil {
		return fmt.Errorf("starting %q on pty: %w", t.argv[0], err)
	}
	t.log.Debugw("process started", "PID", cmd.Process.Pid, "Argv", t.argv)

	ctx, cancel := context.WithCancel(context.Background())
	t.cmd = cmd
	t.ptmx = ptmx
	t.cancel = cancel
	t.state = Running

	loopDone := make(chan struct{})
	progress := make(chan struct{}, 1)
	go t.wait(cmd)
	go t.readLoop(ctx, cmd, ptmx, loopDone, progress)
	go t.guardDrain(ctx, cmd, loopDone, progress)
	return nil
}

func (t *Terminal) env() []string {
	env := append(os.Environ(), "TERM="+DefaultTERM)
	return append(env, t.opts.Env...)
}

// Stop cancels the output loop and kills the process, if any.
// It's safe to call repeatedly and concurrently with a natural exit: Done is closed exactly once either way.
func (t *Terminal) Stop() error {
	t.mut.Lock()
	switch t.state {
	case NotStarted:
		t.state = Stopped
		t.mut.Unlock()
		t.fire()
		return nil
	case Stopped:
		t.mut.Unlock()
		return nil
	}
	t.state = Stopped
	cmd, cancel := t.cmd, t.cancel
	t.cmd = nil
	t.ptmx = nil
	t.mut.Unlock()

	cancel()
	if err := kill(cmd); err != nil {
		return fmt.Errorf("killing process %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// Resize sets the pty window size. It does nothing when no process is attached.
func (t *Terminal) Resize(cols, rows uint16) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.ptmx == nil || cols == 0 || rows == 0 {
		return
	}
	if err := pty.Setsize(t.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		t.log.Debugf("error resizing pty: %s", err)
	}
}

// Done is closed exactly once, after the output loop has delivered its last chunk.
func (t *Terminal) Done() <-chan struct{} {
	return t.done
}

func (t *Terminal) State() State {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.state
}

// ExitCode returns the process exit code once it has been reaped. It's -1 if the process was killed by a signal.
func (t *Terminal) ExitCode() (int, bool) {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.exitCode, t.reaped
}

func (t *Terminal) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		t.log.Debugf("unexpected wait error: %s", err)
	}
	t.mut.Lock()
	t.exitCode = cmd.ProcessState.ExitCode()
	t.reaped = true
	t.mut.Unlock()
	t.log.Debugf("process %d exited with code %d", cmd.Process.Pid, cmd.ProcessState.ExitCode())
	close(t.exited)
}

func (t *Terminal) readLoop(ctx context.Context, cmd *exec.Cmd, ptmx *os.File, loopDone chan struct{}, progress chan struct{}) {
	defer t.finish(cmd, ptmx, loopDone)

	buf := make([]byte, t.opts.ReadSize)
	for {
		if ctx.Err() != nil {
			return
		}
		t.reading.Store(true)
		n, err := ptmx.Read(buf)
		t.reading.Store(false)
		if n > 0 {
			if ctx.Err() != nil {
				return
			}
			t.emit(buf[:n])
			select {
			case progress <- struct{}{}:
			default:
			}
		}
		if err != nil {
			if !isEndOfStream(err) {
				t.log.Debugf("pty read error: %s", err)
			}
			return
		}
		if n == 0 {
			select {
			case <-t.exited:
				return
			case <-ctx.Done():
				return
			case <-time.After(t.opts.IdlePoll):
			}
		}
	}
}

func (t *Terminal) emit(b []byte) {
	t.outMut.Lock()
	defer t.outMut.Unlock()
	if t.closed {
		return
	}
	t.opts.Output(b)
}

// guardDrain waits for the process to exit (or be stopped), and then gives the pty DrainTimeout of silence to hit end-of-stream.
// Something else holding the pty slave open, such as a backgrounded child, would otherwise keep the loop reading forever.
func (t *Terminal) guardDrain(ctx context.Context, cmd *exec.Cmd, loopDone, progress chan struct{}) {
	select {
	case <-loopDone:
		return
	case <-t.exited:
	case <-ctx.Done():
	}
	for {
		select {
		case <-loopDone:
			return
		case <-progress:
		case <-time.After(t.opts.DrainTimeout):
			if !t.reading.Load() {
				continue
			}
			t.log.Debugf("pty still open %s after exit, killing process group", t.opts.DrainTimeout)
			if err := kill(cmd); err != nil {
				t.log.Debugf("error killing process group: %s", err)
			}
			select {
			case <-loopDone:
			case <-time.After(t.opts.DrainTimeout):
				t.log.Debug("pty read loop is stuck, completing without it")
				t.fire()
			}
			return
		}
	}
}

func (t *Terminal) finish(cmd *exec.Cmd, ptmx *os.File, loopDone chan struct{}) {
	close(loopDone)

	// the stream can end before the process does, e.g. if it closes its stdio
	select {
	case <-t.exited:
	default:
		if err := kill(cmd); err != nil {
			t.log.Debugf("error killing process after end of stream: %s", err)
		}
		<-t.exited
	}

	t.mut.Lock()
	if t.state == Running {
		t.state = Stopped
		t.cmd = nil
		t.ptmx = nil
	}
	t.mut.Unlock()

	if err := ptmx.Close(); err != nil {
		t.log.Debugf("error closing pty: %s", err)
	}
	t.fire()
}

func (t *Terminal) fire() {
	t.doneOnce.Do(func() {
		t.outMut.Lock()
		t.closed = true
		t.outMut.Unlock()
		close(t.done)
	})
}

// kill sends SIGKILL to the process group, which pty.Start puts in its own session.
func kill(cmd *exec.Cmd) error {
	pid := cmd.Process.Pid
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	err = cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, unix.EIO) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
