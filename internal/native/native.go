// Package native 实现进程级反调试原语：自跟踪、TracerPid、断点扫描、
// 信号陷阱与核心转储抑制。所有原语失败时静默返回"无证据"。
package native

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// ErrUnsupported 当前平台不支持该原语
var ErrUnsupported = errors.New("primitive not supported on this platform")

// Bridge 原生边界
type Bridge interface {
	// DebuggerPresent 三种独立信号按随机顺序求值后取 OR
	DebuggerPresent() bool
	EmulatorPresent() bool
	// DecryptConstant 解码常量，输入非法时返回空字符串
	DecryptConstant(hex string) string
	// IntegritySelfCheck true 表示内部入口完好
	IntegritySelfCheck() bool
	HardenProcess()
	RootCheck() bool
	ScanBreakpoints() bool
	WritableExecutableRegions() int
}

// Guarded 包装任意 Bridge，panic 或 nil 实现均折叠为无证据
func Guarded(inner Bridge, logger *logrus.Logger) Bridge {
	return &guarded{inner: inner, logger: logger}
}

type guarded struct {
	inner  Bridge
	logger *logrus.Logger
}

func (g *guarded) guard(op string) {
	if r := recover(); r != nil {
		g.logger.WithFields(logrus.Fields{
			"op":    op,
			"panic": r,
		}).Warn("Native primitive failed")
	}
}

func (g *guarded) DebuggerPresent() (present bool) {
	defer g.guard("debugger_present")
	if g.inner == nil {
		return false
	}
	return g.inner.DebuggerPresent()
}

func (g *guarded) EmulatorPresent() (present bool) {
	defer g.guard("emulator_present")
	if g.inner == nil {
		return false
	}
	return g.inner.EmulatorPresent()
}

func (g *guarded) DecryptConstant(hex string) (plain string) {
	defer g.guard("decrypt_constant")
	if g.inner == nil {
		return ""
	}
	return g.inner.DecryptConstant(hex)
}

func (g *guarded) IntegritySelfCheck() (intact bool) {
	intact = true
	defer g.guard("integrity_self_check")
	if g.inner == nil {
		return true
	}
	return g.inner.IntegritySelfCheck()
}

func (g *guarded) HardenProcess() {
	defer g.guard("harden_process")
	if g.inner != nil {
		g.inner.HardenProcess()
	}
}

func (g *guarded) RootCheck() (rooted bool) {
	defer g.guard("root_check")
	if g.inner == nil {
		return false
	}
	return g.inner.RootCheck()
}

func (g *guarded) ScanBreakpoints() (found bool) {
	defer g.guard("scan_breakpoints")
	if g.inner == nil {
		return false
	}
	return g.inner.ScanBreakpoints()
}

func (g *guarded) WritableExecutableRegions() (count int) {
	defer g.guard("writable_executable_regions")
	if g.inner == nil {
		return 0
	}
	return g.inner.WritableExecutableRegions()
}
