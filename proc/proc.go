// Package proc runs a subprocess as a stream of output lines. It is the
// shared base of the recording supervisor and the transcription link: both
// need the same things from a child process, a merged stdout/stderr line
// stream in arrival order, a last-output timestamp for hang detection, exit
// state, and graceful/hard stop signals.
package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const maxLineBytes = 1 << 20

type Line struct {
	Text   string
	Stderr bool
}

type Spec struct {
	Name string
	Args []string
	Env  []string // appended to the parent environment
	Dir  string
}

// Handle is one running supervised subprocess. Lines must be drained until
// closed; the channel closes after the process exits and both pipes hit EOF.
type Handle interface {
	Lines() <-chan Line
	Done() <-chan struct{}
	// ExitState is valid once Done is closed. Code is -1 when the process
	// was killed by a signal before exiting.
	ExitState() (code int, err error)
	// LastOutput is the wall time of the most recent output line, zero
	// before any output.
	LastOutput() time.Time
	Interrupt() error
	Kill() error
}

type process struct {
	cmd     *exec.Cmd
	lines   chan Line
	done    chan struct{}
	lastOut atomic.Int64

	exitCode int
	exitErr  error
}

func Start(spec Spec) (Handle, error) {
	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	p := &process{
		cmd:      cmd,
		lines:    make(chan Line, 128),
		done:     make(chan struct{}),
		exitCode: -1,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go p.scan(touchReader{r: stdout, touch: p.touch}, false, &wg)
	go p.scan(touchReader{r: stderr, touch: p.touch}, true, &wg)

	go func() {
		wg.Wait()
		err := cmd.Wait()
		if cmd.ProcessState != nil {
			p.exitCode = cmd.ProcessState.ExitCode()
		}
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				p.exitErr = err
			}
		}
		close(p.done)
		close(p.lines)
	}()

	return p, nil
}

// touchReader records output arrival at the byte level, so hang detection
// sees a process that writes without ever completing a line.
type touchReader struct {
	r     io.Reader
	touch func()
}

func (t touchReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.touch()
	}
	return n, err
}

func (p *process) touch() {
	p.lastOut.Store(time.Now().UnixNano())
}

func (p *process) scan(r io.Reader, isStderr bool, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		p.lines <- Line{Text: scanner.Text(), Stderr: isStderr}
	}
}

func (p *process) Lines() <-chan Line { return p.lines }

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) ExitState() (int, error) {
	return p.exitCode, p.exitErr
}

func (p *process) LastOutput() time.Time {
	ns := p.lastOut.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (p *process) Interrupt() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *process) Kill() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
