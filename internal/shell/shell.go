// Package shell abstracts command execution and the small amount of
// filesystem access the supervisor needs. Implementations must report stdout
// with "\n" line endings; pseudo-terminal output carries "\r\n" and is
// normalised before it leaves the executor, because downstream git parsers
// assume "\n".
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Result is the outcome of a command execution.
type Result struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExecOpts configures a single execution.
type ExecOpts struct {
	Dir   string
	Env   []string // appended to the parent environment
	Stdin string
}

// Executor runs commands and performs basic file operations on behalf of the
// git service and the engine. Implementations may spawn locally or proxy to a
// remote channel.
type Executor interface {
	Exec(ctx context.Context, program string, args []string, opts ExecOpts) (Result, error)

	FileExists(path string) bool
	DirectoryExists(path string) bool
	ReadFile(path string) (string, error)
	WriteFile(path string, content string) error
	ListDirectory(path string) ([]string, error)
}

// ExitError wraps a non-zero exit from a subprocess.
type ExitError struct {
	Code   int
	Stderr string
	Cmd    string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Cmd, e.Code, e.Stderr)
}

// Local executes commands as child processes with captured pipes.
type Local struct{}

// NewLocal returns a pipe-based local executor.
func NewLocal() *Local { return &Local{} }

// Exec runs the command and captures stdout/stderr. A non-zero exit is not an
// error at this layer; it is reported through Result so callers can decide.
// Errors are reserved for failures to spawn at all.
func (l *Local) Exec(ctx context.Context, program string, args []string, opts ExecOpts) (Result, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = opts.Dir
	cmd.Env = environ(opts.Env)
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: NormalizeLineEndings(stdout.String()),
		Stderr: stderr.String(),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("running %s: %w", program, err)
	}
	res.Success = true
	return res, nil
}

func (l *Local) FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (l *Local) DirectoryExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (l *Local) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *Local) WriteFile(path string, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

func (l *Local) ListDirectory(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// NormalizeLineEndings maps "\r\n" to "\n". Pseudo-terminals rewrite LF to
// CRLF on output; parsers downstream assume plain LF.
func NormalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func environ(extra []string) []string {
	if len(extra) == 0 {
		return nil // inherit parent
	}
	return append(os.Environ(), extra...)
}
