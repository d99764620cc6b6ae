package native

import (
	"math/rand"
	"os"
	"strings"
	"sync"

	"github.com/raspguard/raspguard-go/internal/platform"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// EmulatorArtifacts QEMU 模拟器特有的文件
var EmulatorArtifacts = []string{
	"/system/bin/qemu-props",
	"/system/xbin/qemu-props",
	"/system/lib/libc_malloc_debug_qemu.so",
	"/dev/socket/qemud",
}

// NativeSuPaths 原生层直接探测的 su 路径
var NativeSuPaths = []string{
	"/system/bin/su",
	"/system/xbin/su",
	"/system/sbin/su",
	"/vendor/bin/su",
	"/sbin/su",
}

// DebugEnvVars 调试器相关的环境变量
var DebugEnvVars = []string{"DEBUG", "ANDROID_DEBUG"}

// Options 原生桥配置
type Options struct {
	ProcRoot string
	FS       afero.Fs
	Manifest *Manifest
	Observer Observer
	Arch     Arch
	// SelfTrace 启用 PTRACE_TRACEME 探测
	SelfTrace bool
	Getenv    func(string) string
	// Terminate 收到 SIGTRAP 时调用，默认 os.Exit
	Terminate func(code int)
	Logger    *logrus.Logger
}

type bridge struct {
	opts        Options
	hardenOnce  sync.Once
	trapHandled sync.Once
}

// New 创建当前平台的原生桥
func New(opts Options) Bridge {
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Terminate == nil {
		opts.Terminate = os.Exit
	}
	if opts.Observer == nil {
		opts.Observer = RuntimeObserver{}
	}
	if opts.Arch == "" {
		opts.Arch = CurrentArch()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Manifest == nil {
		opts.Manifest = DefaultManifest()
	}
	return &bridge{opts: opts}
}

// DefaultManifest 原生桥自身的关键入口
func DefaultManifest() *Manifest {
	const pkg = "github.com/raspguard/raspguard-go/internal/native."
	return NewManifest(
		EntryPoint{Name: pkg + "DecryptConstant", Fn: DecryptConstant},
		EntryPoint{Name: pkg + "FindBreakpoints", Fn: FindBreakpoints},
		EntryPoint{Name: pkg + "InlineHooked", Fn: InlineHooked},
		EntryPoint{Name: pkg + "ParseDebugEnv", Fn: ParseDebugEnv},
	)
}

func (b *bridge) DebuggerPresent() bool {
	checks := []func() bool{b.tracerAttached, b.debugEnvSet}
	if b.opts.SelfTrace {
		checks = append(checks, selfTraceBlocked)
	}
	rand.Shuffle(len(checks), func(i, j int) { checks[i], checks[j] = checks[j], checks[i] })

	present := false
	for _, check := range checks {
		if check() {
			present = true
		}
	}
	return present
}

func (b *bridge) tracerAttached() bool {
	reader, err := platform.NewProcReader(b.opts.ProcRoot, 0)
	if err != nil {
		return false
	}
	pid, err := reader.TracerPid()
	return err == nil && pid != 0
}

func (b *bridge) debugEnvSet() bool {
	return ParseDebugEnv(b.opts.Getenv)
}

// ParseDebugEnv 调试环境变量是否被设置为非空且非 "0"
func ParseDebugEnv(getenv func(string) string) bool {
	for _, key := range DebugEnvVars {
		v := strings.TrimSpace(getenv(key))
		if v != "" && v != "0" && !strings.EqualFold(v, "false") {
			return true
		}
	}
	return false
}

func (b *bridge) EmulatorPresent() bool {
	for _, path := range EmulatorArtifacts {
		if ok, _ := afero.Exists(b.opts.FS, path); ok {
			return true
		}
	}
	return false
}

func (b *bridge) DecryptConstant(hex string) string {
	return DecryptConstant(hex)
}

func (b *bridge) IntegritySelfCheck() bool {
	violations := b.opts.Manifest.Verify(b.opts.Observer, b.opts.Arch)
	for _, v := range violations {
		b.opts.Logger.WithFields(logrus.Fields{
			"entry":  v.Entry,
			"reason": v.Reason,
		}).Warn("Self integrity violation")
	}
	return len(violations) == 0
}

func (b *bridge) HardenProcess() {
	b.hardenOnce.Do(func() {
		if err := harden(b.onTrap); err != nil {
			b.opts.Logger.WithError(err).Debug("Process hardening incomplete")
		}
	})
}

// onTrap SIGTRAP 到达时终止进程
func (b *bridge) onTrap() {
	b.trapHandled.Do(func() {
		b.opts.Logger.Warn("SIGTRAP received, terminating")
		b.opts.Terminate(1)
	})
}

func (b *bridge) RootCheck() bool {
	for _, path := range NativeSuPaths {
		if ok, _ := afero.Exists(b.opts.FS, path); ok {
			return true
		}
	}

	reader, err := platform.NewProcReader(b.opts.ProcRoot, 0)
	if err != nil {
		return false
	}
	mounts, err := reader.Mounts()
	if err != nil {
		return false
	}
	for _, m := range mounts {
		if m.MountPoint != "/system" {
			continue
		}
		if _, rw := m.Options["rw"]; rw {
			return true
		}
	}
	return false
}

func (b *bridge) ScanBreakpoints() bool {
	entries := b.opts.Manifest.Entries()
	observed := b.opts.Manifest.Observe(b.opts.Observer)
	found := false
	for i, o := range observed {
		if !o.Resolved {
			continue
		}
		hits := unexpectedBreakpoints(FindBreakpoints(o.Code, b.opts.Arch, MaxScanInstructions), entries[i].AllowedBreakpoints)
		if len(hits) > 0 {
			b.opts.Logger.WithFields(logrus.Fields{
				"entry":   entries[i].Name,
				"offsets": hits,
			}).Warn("Breakpoint instruction at entry point")
			found = true
		}
	}
	return found
}

func (b *bridge) WritableExecutableRegions() int {
	reader, err := platform.NewProcReader(b.opts.ProcRoot, 0)
	if err != nil {
		return 0
	}
	maps, err := reader.Maps()
	if err != nil {
		return 0
	}
	return platform.WritableExecutable(maps)
}
