package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
)

const (
	// DefaultOutputBuffer is the capacity of the output channel, in chunks.
	DefaultOutputBuffer = 100
	// DefaultReadChunk is the size of a single blocking read from the master.
	DefaultReadChunk = 4096
	// KillGrace is how long Close waits after SIGHUP/SIGTERM before sending
	// SIGKILL to the terminal's process group.
	KillGrace = time.Second
)

var (
	// ErrSpawn is returned when the pseudo-terminal or child process cannot be created.
	ErrSpawn = errors.New("pty: spawn failed")
	// ErrIO is returned when a write or resize against the master fails.
	ErrIO = errors.New("pty: i/o error")
)

// SpawnOptions describes the terminal to allocate and what to run in it.
type SpawnOptions struct {
	Cols uint16
	Rows uint16
	// Command, when non-empty, runs as "sh -c Command" instead of a login shell.
	Command string
	// Shell overrides $SHELL for interactive sessions. It may carry arguments.
	Shell string
	// Dir defaults to the user's home directory.
	Dir string
	// Env is appended to the inherited environment.
	Env []string

	OutputBuffer int
	ReadChunk    int
}

// Process owns one pseudo-terminal master and the child attached to its slave side.
type Process struct {
	cmd   *exec.Cmd
	ptmx  *os.File
	shell string
	dir   string

	closeOnce sync.Once
	exited    chan struct{}
}

// Spawn allocates a PTY of the requested size, starts the child in it and
// launches the reader goroutine. The returned channel yields raw output
// chunks and is closed once the master reports EOF or any read error.
func Spawn(opts SpawnOptions) (*Process, <-chan []byte, error) {
	argv, err := resolveArgv(opts.Command, opts.Shell)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	dir := opts.Dir
	if dir == "" {
		dir = homeDir()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = buildEnv(opts.Env)

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Cols: opts.Cols,
		Rows: opts.Rows,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: start %q: %v", ErrSpawn, argv[0], err)
	}

	bufSize := opts.OutputBuffer
	if bufSize <= 0 {
		bufSize = DefaultOutputBuffer
	}
	chunk := opts.ReadChunk
	if chunk <= 0 {
		chunk = DefaultReadChunk
	}

	p := &Process{
		cmd:    cmd,
		ptmx:   ptmx,
		shell:  argv[0],
		dir:    dir,
		exited: make(chan struct{}),
	}

	out := make(chan []byte, bufSize)
	go readPump(ptmx, out, chunk)
	go p.reap()

	return p, out, nil
}

// readPump performs blocking reads from the master and pushes every non-empty
// chunk onto out. A full channel blocks this goroutine only. Zero-byte reads
// and read errors both mean the child side is gone.
func readPump(r *os.File, out chan<- []byte, size int) {
	defer close(out)
	buf := make([]byte, size)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil || n == 0 {
			return
		}
	}
}

func (p *Process) reap() {
	_ = p.cmd.Wait()
	close(p.exited)
}

// Write sends data to the child's input side. It does not touch the output
// channel, so a stalled consumer never blocks it.
func (p *Process) Write(data []byte) error {
	for len(data) > 0 {
		n, err := p.ptmx.Write(data)
		if err != nil {
			return fmt.Errorf("%w: write: %v", ErrIO, err)
		}
		data = data[n:]
	}
	return nil
}

// Resize changes the terminal window size.
func (p *Process) Resize(cols, rows uint16) error {
	if err := creackpty.Setsize(p.ptmx, &creackpty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("%w: resize: %v", ErrIO, err)
	}
	return nil
}

// Pid returns the child's process id, or 0 if it never started.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Shell returns the program that was launched in the terminal.
func (p *Process) Shell() string { return p.shell }

// Dir returns the child's working directory.
func (p *Process) Dir() string { return p.dir }

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Close hangs up the terminal's process group and closes the master. A group
// that is still alive after KillGrace is sent SIGKILL. Close does not wait
// for the child; reaping continues in the background. Safe to call repeatedly.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.cmd.Process != nil {
			select {
			case <-p.exited:
			default:
				p.signalGroup(syscall.SIGHUP)
				p.signalGroup(syscall.SIGTERM)
				go p.killAfter(KillGrace)
			}
		}
		err = p.ptmx.Close()
	})
	return err
}

func (p *Process) killAfter(grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		p.signalGroup(syscall.SIGKILL)
	}
}

// signalGroup delivers sig to every process in the child's session. The child
// leads its own process group, so the group id is its pid.
func (p *Process) signalGroup(sig syscall.Signal) {
	pid := p.Pid()
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = p.cmd.Process.Signal(sig)
	}
}
