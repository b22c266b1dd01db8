// Package sandbox runs shell commands for command steps: one process group
// per command, resource ceilings through ulimit, and a graceful stop that
// escalates to SIGKILL.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Tahsine/agentic-cli/internal/logger"
	"github.com/Tahsine/agentic-cli/internal/plan"
)

// TimeoutExitCode is reported for commands stopped by their deadline.
const TimeoutExitCode = 124

const (
	DefaultGracePeriod = 5 * time.Second
	DefaultMaxOutput   = 1 << 20
)

var ErrForbidden = errors.New("command blocked by sandbox")

// forbidden is a last line of defence behind the guard: commands that wipe a
// filesystem root are never started.
var forbidden = []*regexp.Regexp{
	regexp.MustCompile(`\bformat\s+c:`),
	regexp.MustCompile(`\brd\s+/s\s+/q\s+c:\\`),
}

// A recursive rm of the root is refused whatever order its flags and
// operands come in. Both halves must match within one list member.
var (
	rmRecursive = regexp.MustCompile(`\brm\b.*\s(-[a-z]*r[a-z]*|--recursive)\b`)
	rmRoot      = regexp.MustCompile(`\brm\b.*\s/\*?(\s|$)`)
	listSep     = regexp.MustCompile(`&&|\|\||[;|&\n]`)
)

type Spec struct {
	Command string
	// Dir is relative to the sandbox root unless absolute.
	Dir string
	// Env entries are added to the inherited environment.
	Env []string
}

type Result struct {
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
}

type Sandbox struct {
	Root string
	// GracePeriod is how long a cancelled command has between SIGTERM and
	// SIGKILL.
	GracePeriod time.Duration
	// MaxOutput caps the bytes kept per stream.
	MaxOutput int
	Shell     string
}

func New(root string) *Sandbox {
	return &Sandbox{
		Root:        root,
		GracePeriod: DefaultGracePeriod,
		MaxOutput:   DefaultMaxOutput,
		Shell:       "sh",
	}
}

// Run executes spec.Command under limits until it exits or ctx ends. A
// deadline yields a Result with TimedOut set and exit code 124 and no error;
// any other cancellation returns ctx's error. A non-zero exit is reported in
// the Result, not as an error.
func (s *Sandbox) Run(ctx context.Context, spec Spec, limits plan.Limits) (Result, error) {
	if err := Check(spec.Command); err != nil {
		return Result{ExitCode: -1}, err
	}

	dir := s.Root
	if spec.Dir != "" {
		dir = spec.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(s.Root, dir)
		}
	}

	script := ulimitPrefix(limits) + spec.Command
	cmd := exec.Command(s.shell(), "-c", script)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)

	stdout := &cappedBuffer{max: s.maxOutput()}
	stderr := &cappedBuffer{max: s.maxOutput()}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Bounds how long Wait blocks on pipes a stray grandchild holds open.
	cmd.WaitDelay = s.grace()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to start command: %w", err)
	}
	logger.Log.Debug("sandbox command started", "pid", cmd.Process.Pid, "dir", dir, "command", spec.Command)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		signalGroup(cmd, sigTerm)
		select {
		case waitErr = <-done:
		case <-time.After(s.grace()):
			logger.Log.Warn("sandbox command ignored SIGTERM, killing", "pid", cmd.Process.Pid)
			signalGroup(cmd, sigKill)
			waitErr = <-done
		}
	}

	res := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			res.ExitCode = TimeoutExitCode
			res.TimedOut = true
			if res.Stderr != "" && !strings.HasSuffix(res.Stderr, "\n") {
				res.Stderr += "\n"
			}
			res.Stderr += fmt.Sprintf("command timed out after %s", res.Duration.Round(time.Millisecond))
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("command cancelled: %w", ctxErr)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			res.ExitCode = -1
			return res, fmt.Errorf("failed to execute command: %w", waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// Check reports whether the sandbox refuses to start command.
func Check(command string) error {
	lower := strings.ToLower(command)
	for _, re := range forbidden {
		if re.MatchString(lower) {
			return fmt.Errorf("%w: %s", ErrForbidden, command)
		}
	}
	for _, part := range listSep.Split(lower, -1) {
		if rmRecursive.MatchString(part) && rmRoot.MatchString(part) {
			return fmt.Errorf("%w: %s", ErrForbidden, command)
		}
	}
	return nil
}

// ulimitPrefix turns CPU and memory ceilings into shell ulimit calls. The
// wall clock ceiling is enforced through the context instead.
func ulimitPrefix(l plan.Limits) string {
	var b strings.Builder
	if l.CPU > 0 {
		secs := int(math.Ceil(l.CPU.D().Seconds()))
		fmt.Fprintf(&b, "ulimit -t %d; ", secs)
	}
	if l.MemoryMB > 0 {
		fmt.Fprintf(&b, "ulimit -v %d; ", l.MemoryMB*1024)
	}
	return b.String()
}

func (s *Sandbox) shell() string {
	if s.Shell == "" {
		return "sh"
	}
	return s.Shell
}

func (s *Sandbox) grace() time.Duration {
	if s.GracePeriod <= 0 {
		return DefaultGracePeriod
	}
	return s.GracePeriod
}

func (s *Sandbox) maxOutput() int {
	if s.MaxOutput <= 0 {
		return DefaultMaxOutput
	}
	return s.MaxOutput
}

// cappedBuffer keeps the first max bytes written and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }
