package kernel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle state of the supervised kernel process.
type State int

const (
	// StateIdle means no kernel process has been attached.
	StateIdle State = iota
	// StateStarting means the process is being launched.
	StateStarting
	// StateRunning means the kernel is attached and serving.
	StateRunning
	// StateStopped means the kernel was explicitly stopped.
	StateStopped
	// StateExited means the process terminated on its own. Terminal until
	// a caller decides to re-attach; the supervisor never auto-restarts.
	StateExited
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Config defines how to launch the kernel process. The connection
// descriptor given to Attach is appended as the final argument.
type Config struct {
	// Command is the kernel executable to run.
	Command string

	// Args are command-line arguments preceding the connection descriptor.
	Args []string

	// Env are additional environment variables.
	Env map[string]string

	// WorkDir is the working directory for the process.
	WorkDir string

	// StopTimeout bounds how long Stop waits for the process to exit after
	// its stdin closes before killing it. Default: 3s.
	StopTimeout time.Duration
}

// Kernel supervises one external kernel process and bridges its
// line-delimited JSON protocol: it owns the process lifetime, the framer
// and router over its stdout, the encoder over its stdin, and the registry
// of open comms.
//
// At most one live process exists per connection descriptor. Re-attaching
// to the same descriptor while the process is live is a no-op; attaching to
// a different descriptor stops the previous process first.
type Kernel struct {
	mu sync.Mutex

	cfg Config
	log *slog.Logger

	state      atomic.Int32
	connection string
	lastErr    error

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	exited chan struct{}

	router *Router
	enc    *Encoder

	comms   map[string]*Comm
	commsMu sync.RWMutex

	exitCh chan error
	gen    uint64 // attach generation, guards stale monitor callbacks
}

// New creates a kernel supervisor. No process is started until Attach.
func New(cfg Config, log *slog.Logger) *Kernel {
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 3 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	k := &Kernel{
		cfg:    cfg,
		log:    log,
		router: NewRouter(log),
		comms:  make(map[string]*Comm),
		exitCh: make(chan error, 1),
	}
	k.state.Store(int32(StateIdle))

	k.router.OnCommMessage(k.routeMessage)
	k.router.OnCommClose(k.peerClosedComm)
	k.router.OnCommOpen(k.adoptComm)
	k.router.OnOutOfBand(k.adoptCapabilityComm)
	return k
}

// Attach launches the kernel process bound to the given connection
// descriptor. Attaching to the descriptor already live is a no-op.
func (k *Kernel) Attach(ctx context.Context, connection string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.State() == StateRunning {
		if k.connection == connection {
			return nil
		}
		k.stopProcessLocked()
		k.closeAllComms(ErrShutdown)
	}

	k.state.Store(int32(StateStarting))
	k.connection = connection

	if err := k.startProcessLocked(ctx, connection); err != nil {
		k.state.Store(int32(StateExited))
		k.lastErr = err
		return err
	}

	k.state.Store(int32(StateRunning))
	k.log.Info("kernel attached", "connection", connection, "pid", k.cmd.Process.Pid)
	return nil
}

// startProcessLocked launches the process and wires the stream plumbing.
// Must hold mu.
func (k *Kernel) startProcessLocked(ctx context.Context, connection string) error {
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	args := append(append([]string{}, k.cfg.Args...), connection)
	cmd := exec.CommandContext(procCtx, k.cfg.Command, args...)

	cmd.Env = os.Environ()
	for key, v := range k.cfg.Env {
		cmd.Env = append(cmd.Env, key+"="+v)
	}
	if k.cfg.WorkDir != "" {
		cmd.Dir = k.cfg.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		cancel()
		return fmt.Errorf("start kernel: %w", err)
	}

	k.cmd = cmd
	k.stdin = stdin
	k.cancel = cancel
	k.exited = make(chan struct{})
	k.gen++
	gen := k.gen

	// A write failure on stdin is a transport fault and trips the same
	// terminal path as a crash.
	k.enc = NewEncoder(&failingWriter{w: stdin, onErr: func(err error) {
		go k.processExited(gen, fmt.Errorf("kernel write: %w", err))
	}}, k.log)

	go k.drainStderr(stderr)
	framer := NewFramer(k.router, k.log)
	go func() {
		if err := framer.Run(stdout); err != nil {
			k.log.Debug("kernel stream closed", "error", err)
		}
	}()
	go k.monitor(cmd, gen, k.exited)

	return nil
}

// monitor holds the process's single Wait and runs the terminal path unless
// the exit was the result of a deliberate Stop or re-attach. exited is
// closed as soon as Wait returns so the stop path can observe the exit
// without a second Wait of its own.
func (k *Kernel) monitor(cmd *exec.Cmd, gen uint64, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)
	k.processExited(gen, err)
}

// processExited rejects all pending work and reports the terminal state.
func (k *Kernel) processExited(gen uint64, waitErr error) {
	k.mu.Lock()
	if gen != k.gen || k.State() != StateRunning {
		// Stale monitor for a superseded attach, or a deliberate stop.
		k.mu.Unlock()
		return
	}
	k.state.Store(int32(StateExited))
	if waitErr == nil {
		waitErr = ErrKernelExited
	}
	k.lastErr = waitErr
	k.mu.Unlock()

	k.log.Warn("kernel exited", "error", waitErr)
	k.closeAllComms(ErrKernelExited)

	select {
	case k.exitCh <- waitErr:
	default:
	}

	// Surface the terminal state to status subscribers.
	k.router.Dispatch(Event{Tag: EventKernelStatus, Status: StatusExited})
}

// Stop terminates the kernel process. Recovery is caller-driven: a new
// Attach starts over, nothing restarts automatically.
func (k *Kernel) Stop(ctx context.Context) error {
	k.mu.Lock()
	if k.State() != StateRunning && k.State() != StateStarting {
		k.mu.Unlock()
		return nil
	}
	k.state.Store(int32(StateStopped))
	k.stopProcessLocked()
	k.mu.Unlock()

	k.closeAllComms(ErrShutdown)
	return nil
}

// stopProcessLocked closes stdin, gives the process a grace period, then
// kills it. The monitor goroutine owns the one permitted Wait per process;
// the stop path only watches its exited channel. Must hold mu.
func (k *Kernel) stopProcessLocked() {
	if k.stdin != nil {
		k.stdin.Close()
	}
	if k.cmd != nil && k.cmd.Process != nil && k.exited != nil {
		select {
		case <-k.exited:
		case <-time.After(k.cfg.StopTimeout):
			k.cmd.Process.Kill()
			<-k.exited
		}
	}
	if k.cancel != nil {
		k.cancel()
	}
	k.cmd = nil
	k.stdin = nil
	k.exited = nil
	k.gen++
}

// State returns the current supervisor state.
func (k *Kernel) State() State {
	return State(k.state.Load())
}

// Connection returns the descriptor of the current (or last) attachment.
func (k *Kernel) Connection() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.connection
}

// LastError returns the terminal error after an exit, if any.
func (k *Kernel) LastError() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastErr
}

// ExitChannel receives the terminal error when the process exits on its own.
func (k *Kernel) ExitChannel() <-chan error {
	return k.exitCh
}

// Router exposes the event feeds for subscribers.
func (k *Kernel) Router() *Router {
	return k.router
}

// --- Comm management ---

// OpenComm opens a host-initiated comm for the named capability.
func (k *Kernel) OpenComm(targetName string, data any) (*Comm, error) {
	if k.State() != StateRunning {
		return nil, ErrNotAttached
	}

	k.mu.Lock()
	enc := k.enc
	k.mu.Unlock()

	c := newComm(uuid.NewString(), targetName, enc, k.log)
	k.commsMu.Lock()
	k.comms[c.id] = c
	k.commsMu.Unlock()

	if err := enc.OpenComm(c.id, targetName, data); err != nil {
		k.commsMu.Lock()
		delete(k.comms, c.id)
		k.commsMu.Unlock()
		return nil, err
	}
	return c, nil
}

// Comm returns the open comm with the given id, if any.
func (k *Kernel) Comm(id string) (*Comm, bool) {
	k.commsMu.RLock()
	defer k.commsMu.RUnlock()
	c, ok := k.comms[id]
	return c, ok
}

// CloseComm closes a comm, rejecting its pending requests and notifying
// the kernel.
func (k *Kernel) CloseComm(id string) {
	k.commsMu.Lock()
	c, ok := k.comms[id]
	delete(k.comms, id)
	k.commsMu.Unlock()
	if ok {
		c.close(ErrCommClosed, true)
	}
}

// routeMessage delivers a comm-message event to its comm's correlation
// engine. Runs on the framer goroutine in stream order.
func (k *Kernel) routeMessage(ev Event) {
	k.commsMu.RLock()
	c, ok := k.comms[ev.CommID]
	k.commsMu.RUnlock()
	if !ok {
		k.log.Debug("message for unknown comm", "comm_id", ev.CommID)
		return
	}
	c.handleMessage(ev.Data)
}

// peerClosedComm tears down a comm the kernel closed. The kernel is not
// notified back.
func (k *Kernel) peerClosedComm(ev Event) {
	k.commsMu.Lock()
	c, ok := k.comms[ev.CommID]
	delete(k.comms, ev.CommID)
	k.commsMu.Unlock()
	if ok {
		c.close(ErrCommClosed, false)
	}
}

// adoptComm registers a kernel-initiated comm announced via comm_open.
func (k *Kernel) adoptComm(ev Event) {
	if ev.CommID == "" {
		return
	}
	k.adopt(ev.CommID, ev.TargetName)
}

// capabilityTargets maps capability announcement tags to target names.
var capabilityTargets = map[EventTag]string{
	EventUICommOpen:           TargetUI,
	EventHelpCommOpen:         TargetHelp,
	EventVariablesCommOpen:    TargetVariables,
	EventDataExplorerCommOpen: TargetDataExplorer,
}

// adoptCapabilityComm registers comms announced by capability events.
func (k *Kernel) adoptCapabilityComm(ev Event) {
	target, ok := capabilityTargets[ev.Tag]
	if !ok || ev.CommID == "" {
		return
	}
	k.adopt(ev.CommID, target)
}

// adopt registers a kernel-opened comm unless the id is already known.
func (k *Kernel) adopt(id, target string) {
	k.mu.Lock()
	enc := k.enc
	k.mu.Unlock()
	if enc == nil {
		return
	}

	k.commsMu.Lock()
	defer k.commsMu.Unlock()
	if _, exists := k.comms[id]; exists {
		return
	}
	k.comms[id] = newComm(id, target, enc, k.log)
	k.log.Debug("adopted kernel comm", "comm_id", id, "target", target)
}

// closeAllComms rejects pending requests on every comm. The kernel is not
// notified; it is gone or going.
func (k *Kernel) closeAllComms(cause error) {
	k.commsMu.Lock()
	comms := make([]*Comm, 0, len(k.comms))
	for _, c := range k.comms {
		comms = append(comms, c)
	}
	k.comms = make(map[string]*Comm)
	k.commsMu.Unlock()

	for _, c := range comms {
		c.close(cause, false)
	}
}

// drainStderr logs the kernel's stderr line by line.
func (k *Kernel) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		k.log.Debug("kernel stderr", "line", scanner.Text())
	}
}

// failingWriter reports the first write error through onErr.
type failingWriter struct {
	w     io.Writer
	onErr func(error)
	once  sync.Once
}

func (f *failingWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil && f.onErr != nil {
		f.once.Do(func() { f.onErr(err) })
	}
	return n, err
}
