package shell

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// PTY executes commands with stdout/stderr attached to a pseudo-terminal, so
// programs that check for a TTY use line buffering. Stdin stays a regular
// pipe so the child sees a proper EOF. Output is CRLF-normalised per the
// Executor contract.
type PTY struct {
	Local // file operations are identical
}

// NewPTY returns a pseudo-terminal-backed executor.
func NewPTY() *PTY { return &PTY{} }

func (p *PTY) Exec(ctx context.Context, program string, args []string, opts ExecOpts) (Result, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = opts.Dir
	cmd.Env = environ(opts.Env)
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	ptmx, pts, err := pty.Open()
	if err != nil {
		return Result{}, err
	}
	defer ptmx.Close()

	cmd.Stdout = pts
	cmd.Stderr = pts

	if err := cmd.Start(); err != nil {
		pts.Close()
		return Result{}, err
	}
	pts.Close() // close slave in parent; child inherited it

	var out strings.Builder
	// EIO at process exit is the normal pty close signal, not a failure.
	if _, err := io.Copy(&out, ptmx); err != nil && !isPtyEIO(err) {
		cmd.Wait()
		return Result{}, err
	}

	res := Result{Stdout: NormalizeLineEndings(out.String())}
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	res.Success = true
	return res, nil
}

func isPtyEIO(err error) bool {
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && pathErr.Err == syscall.EIO
}
