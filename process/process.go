// Package process is the only place that spawns external programs. Every
// invocation goes through a Runner so handlers and loops can be exercised
// without touching the host.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"vycore/internal/logbuffer"

	"github.com/rs/zerolog/log"
)

var ErrTimeout = errors.New("command timed out")

// Command describes a single invocation.
type Command struct {
	Line string
	// Env switches to shell execution and is layered over the reset environment.
	Env   map[string]string
	Input string
	// Netns runs the command inside the named network namespace.
	Netns       string
	Timeout     time.Duration
	MergeStderr bool
	DiscardOut  bool
}

type Result struct {
	Stdout string
	Stderr string
	RC     int
}

// Runner executes a command. An error is returned only when the program could
// not be started or was killed on timeout; a non-zero exit is reported in RC.
type Runner interface {
	Exec(ctx context.Context, c Command) (Result, error)
}

// CommandError is returned by Cmd when the exit code is not expected.
type CommandError struct {
	Message string
	Command string
	Output  string
	RC      int
}

func (e *CommandError) Error() string {
	var sb strings.Builder
	if e.Message != "" {
		sb.WriteString(e.Message)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "failed to run command: %s\nreturned: %s\nexit code: %d", e.Command, e.Output, e.RC)
	return sb.String()
}

type Option func(*Command)

func WithEnv(env map[string]string) Option {
	return func(c *Command) { c.Env = env }
}

func WithInput(input string) Option {
	return func(c *Command) { c.Input = input }
}

func WithNetns(ns string) Option {
	return func(c *Command) { c.Netns = ns }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Command) { c.Timeout = d }
}

// Adapter wraps a Runner with the popen/cmd/run/rc_cmd/call family.
type Adapter struct {
	runner  Runner
	timeout time.Duration
	out     io.Writer
}

func New(runner Runner) *Adapter {
	return &Adapter{runner: runner, timeout: 120 * time.Second, out: os.Stdout}
}

// SetOutput changes where Call prints command output.
func (a *Adapter) SetOutput(w io.Writer) {
	a.out = w
}

func (a *Adapter) SetTimeout(d time.Duration) {
	a.timeout = d
}

func (a *Adapter) Runner() Runner {
	return a.runner
}

func (a *Adapter) exec(ctx context.Context, c Command, opts []Option) (Result, error) {
	for _, opt := range opts {
		opt(&c)
	}
	if c.Timeout == 0 {
		c.Timeout = a.timeout
	}
	if c.Netns != "" {
		c.Line = WrapNetns(c.Netns, c.Line)
		c.Netns = ""
	}

	log.Debug().Str("cmd", c.Line).Msg("exec")
	res, err := a.runner.Exec(ctx, c)
	if err != nil {
		logbuffer.Noteworthy(fmt.Sprintf("cmd '%s'", c.Line))
		logbuffer.Noteworthy(err.Error())
		log.Error().Str("cmd", c.Line).Err(err).Msg("command failed to run")
		return res, err
	}
	res.Stdout = normalise(res.Stdout)
	res.Stderr = normalise(res.Stderr)

	if res.Stderr != "" {
		log.Warn().Str("cmd", c.Line).Int("rc", res.RC).Str("stderr", res.Stderr).Msg("command wrote to stderr")
		logbuffer.Noteworthy(fmt.Sprintf("cmd '%s'", c.Line))
		logbuffer.Noteworthy(fmt.Sprintf("returned (out):\n%s", res.Stdout))
		logbuffer.Noteworthy(fmt.Sprintf("returned (err):\n%s", res.Stderr))
	}
	return res, nil
}

// Popen runs line and returns its stdout and exit code.
func (a *Adapter) Popen(ctx context.Context, line string, opts ...Option) (string, int, error) {
	res, err := a.exec(ctx, Command{Line: line}, opts)
	return res.Stdout, res.RC, err
}

// Cmd runs line and fails unless the exit code is one of expect (default 0).
func (a *Adapter) Cmd(ctx context.Context, line string, expect []int, opts ...Option) (string, error) {
	res, err := a.exec(ctx, Command{Line: line}, opts)
	if err != nil {
		return "", err
	}
	if len(expect) == 0 {
		expect = []int{0}
	}
	for _, rc := range expect {
		if rc == res.RC {
			return res.Stdout, nil
		}
	}
	return res.Stdout, &CommandError{Command: line, Output: res.Stdout, RC: res.RC}
}

// Run discards stdout and returns the exit code. Start failures are reported
// as exit code 127 like a shell would.
func (a *Adapter) Run(ctx context.Context, line string, opts ...Option) int {
	res, err := a.exec(ctx, Command{Line: line, DiscardOut: true}, opts)
	if err != nil {
		return 127
	}
	return res.RC
}

// RcCmd merges stderr into stdout and returns both with the exit code.
func (a *Adapter) RcCmd(ctx context.Context, line string, opts ...Option) (int, string) {
	res, err := a.exec(ctx, Command{Line: line, MergeStderr: true}, opts)
	if err != nil {
		return 127, err.Error()
	}
	return res.RC, res.Stdout
}

// Call prints stdout and returns the exit code.
func (a *Adapter) Call(ctx context.Context, line string, opts ...Option) int {
	res, err := a.exec(ctx, Command{Line: line}, opts)
	if err != nil {
		return 127
	}
	if res.Stdout != "" {
		fmt.Fprintln(a.out, res.Stdout)
	}
	return res.RC
}

func normalise(s string) string {
	s = strings.ToValidUTF8(s, "�")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}

// WrapNetns prefixes line with "ip netns exec <ns>". Moving a link into a
// namespace has to run from the root namespace and is never wrapped.
func WrapNetns(ns, line string) string {
	if ns == "" {
		return line
	}
	if strings.HasPrefix(line, "ip netns exec ") {
		return line
	}
	if strings.HasPrefix(line, "ip link set dev ") && strings.Contains(line, " netns ") {
		return line
	}
	return fmt.Sprintf("ip netns exec %s %s", ns, line)
}
