//go:build unix

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tahsine/agentic-cli/internal/plan"
)

func TestRun(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	tests := []struct {
		name       string
		spec       Spec
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{name: "stdout", spec: Spec{Command: "echo hello"}, wantStdout: "hello\n"},
		{name: "stderr and exit code", spec: Spec{Command: "echo oops >&2; exit 3"}, wantCode: 3, wantStderr: "oops\n"},
		{name: "pipes", spec: Spec{Command: "printf 'b\\na\\n' | sort"}, wantStdout: "a\nb\n"},
		{name: "relative dir", spec: Spec{Command: "basename \"$PWD\"", Dir: "sub"}, wantStdout: "sub\n"},
		{name: "env", spec: Spec{Command: "echo $AGENTIC_STEP", Env: []string{"AGENTIC_STEP=build"}}, wantStdout: "build\n"},
	}

	sb := New(root)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := sb.Run(context.Background(), tt.spec, plan.Limits{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, res.ExitCode)
			assert.Equal(t, tt.wantStdout, res.Stdout)
			assert.Equal(t, tt.wantStderr, res.Stderr)
			assert.False(t, res.TimedOut)
		})
	}
}

func TestRun_TimeoutKillsProcessGroup(t *testing.T) {
	root := t.TempDir()
	sb := New(root)
	sb.GracePeriod = 500 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	// The background sleep shares the group and must die with the shell.
	res, err := sb.Run(ctx, Spec{Command: "sleep 5 & echo started; wait"}, plan.Limits{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Equal(t, "started\n", res.Stdout)
	assert.Contains(t, res.Stderr, "timed out")
}

func TestRun_EscalatesToKill(t *testing.T) {
	sb := New(t.TempDir())
	sb.GracePeriod = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := sb.Run(ctx, Spec{Command: "trap '' TERM; echo ready; sleep 5"}, plan.Limits{})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRun_Cancelled(t *testing.T) {
	sb := New(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := sb.Run(ctx, Spec{Command: "sleep 5"}, plan.Limits{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.TimedOut)
}

func TestRun_Forbidden(t *testing.T) {
	sb := New(t.TempDir())
	for _, cmd := range []string{
		"rm -rf /", "RM -RF / ", "sudo rm -fr /*", "format C:",
		"rm -f -r /", "rm / -rf", "rm --recursive --force /*",
	} {
		_, err := sb.Run(context.Background(), Spec{Command: cmd}, plan.Limits{})
		assert.ErrorIs(t, err, ErrForbidden, cmd)
	}
	assert.NoError(t, Check("rm -rf /tmp/build"))
	assert.NoError(t, Check("rm -rf ./out"))
	assert.NoError(t, Check("rm -rf build && ls /"))
}

func TestRun_TruncatesOutput(t *testing.T) {
	sb := New(t.TempDir())
	sb.MaxOutput = 10

	res, err := sb.Run(context.Background(), Spec{Command: "printf '0123456789abcdef'"}, plan.Limits{})
	require.NoError(t, err)
	assert.Equal(t, "0123456789", res.Stdout)
	assert.True(t, res.Truncated)
}

func TestRun_CPULimit(t *testing.T) {
	sb := New(t.TempDir())
	limits := plan.Limits{CPU: plan.Duration(time.Second)}

	res, err := sb.Run(context.Background(), Spec{Command: "ulimit -t"}, limits)
	require.NoError(t, err)
	assert.Equal(t, "1", strings.TrimSpace(res.Stdout))
}

func TestUlimitPrefix(t *testing.T) {
	assert.Empty(t, ulimitPrefix(plan.Limits{}))
	assert.Equal(t, "ulimit -t 2; ulimit -v 524288; ",
		ulimitPrefix(plan.Limits{CPU: plan.Duration(1500 * time.Millisecond), MemoryMB: 512}))
}
