package process

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ReadResult tells a caller of Handle.ReadLine what happened
type ReadResult int

const (
	// Line means a complete line was read
	Line ReadResult = iota
	// NoData means nothing arrived within the timeout; the stream is still open
	NoData
	// EOF means the output stream is closed and fully consumed
	EOF
)

func (r ReadResult) String() string {
	switch r {
	case Line:
		return "line"
	case NoData:
		return "no-data"
	case EOF:
		return "eof"
	default:
		return fmt.Sprintf("ReadResult(%d)", int(r))
	}
}

// Spec describes a child process to launch
type Spec struct {
	Executable string
	Args       []string
	Dir        string
	// Env entries are appended to the environment of the current process
	Env []string
}

// LaunchError is returned when a child process could not be started
type LaunchError struct {
	Executable string
	Err        error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("could not launch %s: %v", e.Executable, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// lineBuffer is how many unread lines the reader goroutine may queue up before it stops reading
// from the pipe and lets the child block on write.
const lineBuffer = 1024

// Handle is a live (or finished) child process. stdout and stderr are merged into one stream
// that is consumed line by line through ReadLine.
type Handle struct {
	cmd    *exec.Cmd
	pid    int
	output *os.File

	lines    chan string
	stop     chan struct{}
	stopOnce sync.Once

	exited   chan struct{}
	exitCode int
	waitErr  error

	terminateMu sync.Mutex
	// terminated is set once Terminate saw the whole tree gone
	terminated bool
}

// Launch starts the child described by spec. The child runs in its own process group where the
// platform supports it, so that its whole tree can be signalled together.
func (c *Controller) Launch(spec Spec) (*Handle, error) {
	if spec.Dir != "" {
		if fi, err := os.Stat(spec.Dir); err != nil {
			return nil, &LaunchError{Executable: spec.Executable, Err: err}
		} else if !fi.IsDir() {
			return nil, &LaunchError{Executable: spec.Executable, Err: fmt.Errorf("%s is not a directory", spec.Dir)}
		}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Executable: spec.Executable, Err: err}
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, &LaunchError{Executable: spec.Executable, Err: err}
	}
	// the child holds its own copy of the write end
	_ = pw.Close()

	h := &Handle{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		output:   pr,
		lines:    make(chan string, lineBuffer),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
		exitCode: -1,
	}
	go h.readOutput()
	go h.wait()

	return h, nil
}

func (h *Handle) readOutput() {
	defer close(h.lines)

	r := bufio.NewReaderSize(h.output, 64*1024)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			select {
			case h.lines <- strings.TrimRight(line, "\r\n"):
			case <-h.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.waitErr = err
	}
	close(h.exited)
}

// PID returns the operating system process id of the child
func (h *Handle) PID() int {
	return h.pid
}

// ReadLine returns the next line of merged output without its line terminator. It waits at most
// timeout for a line to arrive.
func (h *Handle) ReadLine(timeout time.Duration) (string, ReadResult) {
	select {
	case line, ok := <-h.lines:
		if !ok {
			return "", EOF
		}
		return line, Line
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-h.lines:
		if !ok {
			return "", EOF
		}
		return line, Line
	case <-h.stop:
		return "", EOF
	case <-timer.C:
		return "", NoData
	}
}

// Alive reports whether the child process itself has not exited yet
func (h *Handle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// WaitExit waits at most timeout for the child to exit and reports whether it did
func (h *Handle) WaitExit(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.exited:
		return true
	case <-timer.C:
		return false
	}
}

// ExitCode returns the child's exit code once it has exited. A child killed by a signal
// reports -1.
func (h *Handle) ExitCode() (int, bool) {
	if h.Alive() {
		return 0, false
	}
	return h.exitCode, true
}

// WaitErr returns an error from waiting on the child that was not a plain non-zero exit
func (h *Handle) WaitErr() error {
	if h.Alive() {
		return nil
	}
	return h.waitErr
}

// release stops the output reader. Unread output is discarded.
func (h *Handle) release() {
	h.stopOnce.Do(func() {
		close(h.stop)
		_ = h.output.Close()
	})
}
