//go:build linux

package native

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// traceHelperEnv 子进程模式标记，值为父进程 pid
const traceHelperEnv = "RASPGUARD_TRACE_PARENT"

const (
	traceExitClean   = 0
	traceExitBlocked = 3
	traceExitFailed  = 4

	traceHelperTimeout = 2 * time.Second
)

var traceMu sync.Mutex

func init() {
	if parent := os.Getenv(traceHelperEnv); parent != "" {
		os.Exit(runTraceHelper(parent))
	}
}

// runTraceHelper 子进程：附加到父进程后立即分离，EPERM 表示父进程已被跟踪
func runTraceHelper(parent string) int {
	// 跟踪关系属于线程，attach、wait、detach 必须在同一线程
	runtime.LockOSThread()

	ppid := os.Getppid()
	if parent != strconv.Itoa(ppid) {
		return traceExitFailed
	}
	var ready [1]byte
	if _, err := os.Stdin.Read(ready[:]); err != nil {
		return traceExitFailed
	}

	if err := unix.PtraceAttach(ppid); err != nil {
		if errors.Is(err, unix.EPERM) {
			return traceExitBlocked
		}
		return traceExitFailed
	}
	var ws unix.WaitStatus
	_, werr := unix.Wait4(ppid, &ws, unix.WALL, nil)
	if err := unix.PtraceDetach(ppid); err != nil || werr != nil {
		return traceExitFailed
	}
	return traceExitClean
}

// selfTraceBlocked 由子进程尝试附加本进程；结束后本进程不残留任何跟踪关系
func selfTraceBlocked() bool {
	traceMu.Lock()
	defer traceMu.Unlock()

	// 不可 dump 的进程拒绝同用户附加
	if d, err := unix.PrctlRetInt(unix.PR_GET_DUMPABLE, 0, 0, 0, 0); err == nil && d == 0 {
		if unix.Prctl(unix.PR_SET_DUMPABLE, 1, 0, 0, 0) == nil {
			defer unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), traceHelperTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/proc/self/exe")
	cmd.Env = append(os.Environ(), traceHelperEnv+"="+strconv.Itoa(os.Getpid()))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false
	}
	if err := cmd.Start(); err != nil {
		return false
	}

	// Yama ptrace_scope=1 下只有被指定的进程可以附加祖先
	if unix.Prctl(unix.PR_SET_PTRACER, uintptr(cmd.Process.Pid), 0, 0, 0) == nil {
		defer unix.Prctl(unix.PR_SET_PTRACER, 0, 0, 0, 0)
	}
	_, _ = stdin.Write([]byte{1})
	stdin.Close()

	var exitErr *exec.ExitError
	err = cmd.Wait()
	return errors.As(err, &exitErr) && exitErr.ExitCode() == traceExitBlocked
}

// harden 禁止 dump、关闭核心转储并接管 SIGTRAP
func harden(onTrap func()) error {
	var firstErr error
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		firstErr = fmt.Errorf("prctl dumpable: %w", err)
	}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("rlimit core: %w", err)
	}

	traps := make(chan os.Signal, 1)
	signal.Notify(traps, syscall.SIGTRAP)
	go func() {
		for range traps {
			onTrap()
		}
	}()
	return firstErr
}
