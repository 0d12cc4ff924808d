package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/google/shlex"
	"github.com/joho/godotenv"
	"golang.org/x/sys/unix"
)

const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ExecRunner runs commands on the host with a reset environment.
type ExecRunner struct {
	base map[string]string
}

var umaskOnce sync.Once

// NewExecRunner builds the known environment from PATH, LANG and the optional
// dotenv file envFile (missing file is fine). The process umask is reset to 022.
func NewExecRunner(envFile string) (*ExecRunner, error) {
	umaskOnce.Do(func() { unix.Umask(0o022) })

	base := map[string]string{
		"PATH": DefaultPath,
		"LANG": "C.UTF-8",
	}
	if envFile != "" {
		extra, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read environment file: %w", err)
		}
		for k, v := range extra {
			base[k] = v
		}
	}
	return &ExecRunner{base: base}, nil
}

// NeedsShell reports whether line has to be interpreted by /bin/sh.
func NeedsShell(line string, env map[string]string) bool {
	if len(env) > 0 {
		return true
	}
	return strings.ContainsAny(line, "|><;&$`")
}

func (r *ExecRunner) environ(extra map[string]string) []string {
	merged := make(map[string]string, len(r.base)+len(extra))
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func (r *ExecRunner) Exec(ctx context.Context, c Command) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if NeedsShell(c.Line, c.Env) {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", c.Line)
	} else {
		argv, err := shlex.Split(c.Line)
		if err != nil {
			return Result{}, fmt.Errorf("failed to split command %q: %w", c.Line, err)
		}
		if len(argv) == 0 {
			return Result{}, errors.New("empty command")
		}
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	}
	cmd.Env = r.environ(c.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if c.Input != "" {
		cmd.Stdin = strings.NewReader(c.Input)
	}

	var stdout, stderr bytes.Buffer
	if !c.DiscardOut {
		cmd.Stdout = &stdout
	}
	if c.MergeStderr {
		cmd.Stderr = &stdout
	} else {
		cmd.Stderr = &stderr
	}

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%w: %s", ErrTimeout, c.Line)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.RC = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("failed to start %q: %w", c.Line, err)
	}
	return res, nil
}
