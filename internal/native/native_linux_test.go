//go:build linux

package native

import (
	"os"
	"testing"

	"github.com/raspguard/raspguard-go/internal/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func ownTracerPid(t *testing.T) int {
	t.Helper()
	status, err := os.ReadFile("/proc/self/status")
	require.NoError(t, err)
	pid, err := platform.ParseTracerPid(status)
	require.NoError(t, err)
	return pid
}

// TestSelfTraceBlocked_LeavesNoTracer 测试自跟踪探测结束后进程未被跟踪
func TestSelfTraceBlocked_LeavesNoTracer(t *testing.T) {
	if ownTracerPid(t) != 0 {
		t.Skip("test binary is running under a tracer")
	}

	first := selfTraceBlocked()
	second := selfTraceBlocked()

	assert.Equal(t, 0, ownTracerPid(t))
	assert.Equal(t, first, second)
	if first {
		t.Skip("ptrace attach denied by the environment")
	}

	b := New(Options{ProcRoot: "/proc", SelfTrace: true, Getenv: func(string) string { return "" }, Logger: quietLogger()})
	for i := 0; i < 3; i++ {
		assert.False(t, b.DebuggerPresent(), "call %d", i)
	}
	assert.Equal(t, 0, ownTracerPid(t))
}

// TestSelfTraceBlocked_RestoresDumpable 测试探测后恢复不可 dump 状态
func TestSelfTraceBlocked_RestoresDumpable(t *testing.T) {
	if ownTracerPid(t) != 0 {
		t.Skip("test binary is running under a tracer")
	}
	require.NoError(t, unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0))
	defer unix.Prctl(unix.PR_SET_DUMPABLE, 1, 0, 0, 0)

	selfTraceBlocked()

	d, err := unix.PrctlRetInt(unix.PR_GET_DUMPABLE, 0, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, d)
	assert.Equal(t, 0, ownTracerPid(t))
}
