package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// programWriter pipes everything written to it through an external command
// whose stdout goes to the next layer.
type programWriter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	closed bool
}

func newProgramWriter(dst io.Writer, command string) (io.WriteCloser, error) {
	cmd, err := programCommand(command)
	if err != nil {
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stderr := new(bytes.Buffer)
	cmd.Stdout = dst
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	return &programWriter{cmd: cmd, stdin: stdin, stderr: stderr}, nil
}

func (w *programWriter) Write(p []byte) (int, error) { return w.stdin.Write(p) }

func (w *programWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	cerr := w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		return programError(w.cmd, err, w.stderr)
	}
	return cerr
}

// programReader decodes its source through an external command.
type programReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	done   bool
	err    error
}

func newProgramReader(src io.Reader, command string) (io.ReadCloser, error) {
	cmd, err := programCommand(command)
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := new(bytes.Buffer)
	cmd.Stdin = src
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	return &programReader{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (r *programReader) Read(p []byte) (int, error) {
	n, err := r.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		if werr := r.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (r *programReader) wait() error {
	if r.done {
		return r.err
	}
	r.done = true
	if err := r.cmd.Wait(); err != nil {
		r.err = programError(r.cmd, err, r.stderr)
	}
	return r.err
}

// Close stops the command if its output was not fully consumed.
func (r *programReader) Close() error {
	if r.done {
		return nil
	}
	_ = r.cmd.Process.Kill()
	r.done = true
	_ = r.cmd.Wait()
	return nil
}

func programCommand(command string) (*exec.Cmd, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, ErrProgramRequired
	}
	return exec.Command(args[0], args[1:]...), nil
}

func programError(cmd *exec.Cmd, err error, stderr *bytes.Buffer) error {
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		return fmt.Errorf("%s: %w", cmd.Path, err)
	}
	return fmt.Errorf("%s: %w: %s", cmd.Path, err, msg)
}

// externalReader and externalWriter back filters that have no Go codec in
// the module with their reference command line tools.
func externalReader(command string) func(io.Reader, Spec) (io.ReadCloser, error) {
	return func(r io.Reader, _ Spec) (io.ReadCloser, error) { return newProgramReader(r, command) }
}

func externalWriter(command string) func(io.Writer, Spec) (io.WriteCloser, error) {
	return func(w io.Writer, _ Spec) (io.WriteCloser, error) { return newProgramWriter(w, command) }
}
