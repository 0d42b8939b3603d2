// Package process is the single place in this module that spawns child
// processes: poudriere, portja, git, jexec, jls, mount, umount, zfs.
//
// Construct with an exit-code policy and a stop signal, optionally push
// stdin lines, then either stream merged stdout+stderr line by line or
// Run() to collect everything and check the exit code.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/wagnerflo/poudomaticd/pkg/errs"
)

// Process wraps exec.Cmd with line-oriented merged stdout/stderr access
// and a configurable exit-code policy.
type Process struct {
	Dir string

	args       []string
	exitOK     map[int]bool
	stopSignal syscall.Signal
	stdin      strings.Builder
	hasStdin   bool
}

// New constructs a Process for executable with the given arguments.
// By default only exit code 0 is accepted and SIGINT is sent on cancel.
func New(executable string, args ...string) *Process {
	p := &Process{
		args:       append([]string{executable}, args...),
		exitOK:     map[int]bool{0: true},
		stopSignal: syscall.SIGINT,
	}
	return p
}

// WithExitOK overrides the set of exit codes treated as success.
func (p *Process) WithExitOK(codes ...int) *Process {
	p.exitOK = make(map[int]bool, len(codes))
	for _, c := range codes {
		p.exitOK[c] = true
	}
	return p
}

// WithStopSignal overrides the signal sent to the child when the context
// driving Run/Lines is canceled.
func (p *Process) WithStopSignal(sig syscall.Signal) *Process {
	p.stopSignal = sig
	return p
}

// PushStdin appends lines to the pending stdin buffer, each terminated
// with a newline. stdin is only connected to the child if this has been
// called at least once.
func (p *Process) PushStdin(lines ...string) *Process {
	p.hasStdin = true
	for _, l := range lines {
		p.stdin.WriteString(l)
		p.stdin.WriteString("\n")
	}
	return p
}

// Args returns the full argv, for logging.
func (p *Process) Args() []string {
	return append([]string(nil), p.args...)
}

func (p *Process) command(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, p.args[0], p.args[1:]...)
	cmd.Dir = p.Dir
	// Context cancellation delivers stopSignal instead of the default
	// SIGKILL so the child can unwind cleanly.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(p.stopSignal)
	}
	return cmd
}

// Lines starts the child and returns a channel of merged stdout+stderr
// lines, closed when the child's output is fully drained. Errors
// encountered while starting the process are returned by wait, and the
// lines channel is closed immediately.
func (p *Process) Lines(ctx context.Context) (lines <-chan string, wait func() error) {
	cmd := p.command(ctx)

	// Merge stdout and stderr into one pipe so Lines() yields them
	// interleaved in write order.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if p.hasStdin {
		cmd.Stdin = strings.NewReader(p.stdin.String())
	}

	ch := make(chan string)
	startErr := cmd.Start()
	if startErr != nil {
		close(ch)
		return ch, func() error { return startErr }
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer pw.Close()
		_ = cmd.Wait()
	}()

	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()

	return ch, func() error {
		wg.Wait()
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", errs.ErrInterrupted, p.args[0])
		}
		code := cmd.ProcessState.ExitCode()
		if !p.exitOK[code] {
			return &errs.CommandError{Args: p.args, Code: code}
		}
		return nil
	}
}

// Run starts the child, collects all merged output, waits, and returns
// the concatenation. If the exit code is not in the accepted set, it
// returns a *errs.CommandError carrying the captured output.
func (p *Process) Run(ctx context.Context) (string, error) {
	lines, wait := p.Lines(ctx)
	var out strings.Builder
	for line := range lines {
		out.WriteString(line)
		out.WriteString("\n")
	}
	if err := wait(); err != nil {
		var cmdErr *errs.CommandError
		if asCommandError(err, &cmdErr) {
			cmdErr.Output = out.String()
		}
		return out.String(), err
	}
	return out.String(), nil
}

// PipeTo runs the child to completion, invoking fn for each output line
// as it arrives.
func (p *Process) PipeTo(ctx context.Context, fn func(line string)) error {
	lines, wait := p.Lines(ctx)
	for line := range lines {
		fn(line)
	}
	return wait()
}

func asCommandError(err error, target **errs.CommandError) bool {
	ce, ok := err.(*errs.CommandError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

// String renders the argv shell-quoted, for logging.
func (p *Process) String() string {
	var b strings.Builder
	for i, a := range p.args {
		if i > 0 {
			b.WriteByte(' ')
		}
		if strings.ContainsAny(a, " \t\n'\"") {
			fmt.Fprintf(&b, "%q", a)
		} else {
			b.WriteString(a)
		}
	}
	return b.String()
}
