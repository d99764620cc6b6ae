package detector

import (
	"context"
	"time"

	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/raspguard/raspguard-go/internal/platform"
	"github.com/raspguard/raspguard-go/internal/probe"
	"github.com/sirupsen/logrus"
)

// 调试器检测探针名称
const (
	ProbeNativeDebugger  = "native_debugger"
	ProbeDebuggableFlag  = "debuggable_flag"
	ProbeTimingAnomaly   = "timing_anomaly"
	ProbeTracerPid       = "tracer_pid"
	timingLoopIterations = 1000
)

// DefaultTimingBudget 计时循环的允许耗时；1000 次迭代正常只需数微秒，单步执行才会超出
const DefaultTimingBudget = time.Millisecond

// DebuggerDetector 调试器检测器
type DebuggerDetector struct {
	deps        Deps
	packageName string
	threshold   int
	budget      time.Duration
	// loop 被计时的工作负载，单步执行时会显著变慢
	loop   func() time.Duration
	runner *probe.Runner
	logger *logrus.Logger
}

// NewDebuggerDetector 创建调试器检测器
func NewDebuggerDetector(deps Deps, packageName string, runner *probe.Runner, threshold int) *DebuggerDetector {
	return &DebuggerDetector{
		deps:        deps,
		packageName: packageName,
		threshold:   threshold,
		budget:      DefaultTimingBudget,
		loop:        timedLoop,
		runner:      runner,
		logger:      deps.Logger,
	}
}

// WithTiming 替换计时负载与预算
func (d *DebuggerDetector) WithTiming(loop func() time.Duration, budget time.Duration) *DebuggerDetector {
	d.loop = loop
	d.budget = budget
	return d
}

func (d *DebuggerDetector) Family() domain.ThreatType { return domain.ThreatDebugger }

func (d *DebuggerDetector) Threshold() int { return threshold(d.threshold) }

// WeightedProbes 调试器探针
func (d *DebuggerDetector) WeightedProbes() []probe.Probe {
	return []probe.Probe{
		d.probe(ProbeNativeDebugger, 3, "native debugger check", d.CheckNativeDebugger),
		d.probe(ProbeDebuggableFlag, 2, "package flagged debuggable", d.CheckDebuggableFlag),
		d.probe(ProbeTimingAnomaly, 1, "timed loop exceeded budget", d.CheckTimingAnomaly),
		d.probe(ProbeTracerPid, 3, "process has a tracer", d.CheckTracerPid),
	}
}

func (d *DebuggerDetector) probe(name string, weight int, desc string, fn probe.Func) probe.Probe {
	return probe.Probe{Name: name, Family: domain.ThreatDebugger, Weight: weight, Description: desc, Run: fn}
}

// IsDebuggerAttached 加权得分达到阈值
func (d *DebuggerDetector) IsDebuggerAttached(ctx context.Context) bool {
	return probe.Verdict(d.runner.RunAll(ctx, d.WeightedProbes()), d.Threshold())
}

// CheckNativeDebugger 委托原生层
func (d *DebuggerDetector) CheckNativeDebugger(ctx context.Context) (bool, error) {
	if d.deps.Native == nil {
		return false, platform.ErrUnavailable
	}
	return d.deps.Native.DebuggerPresent(), nil
}

// CheckDebuggableFlag 包带有 DEBUGGABLE 标记
func (d *DebuggerDetector) CheckDebuggableFlag(ctx context.Context) (bool, error) {
	if d.deps.Packages == nil || d.packageName == "" {
		return false, platform.ErrUnavailable
	}
	info, err := d.deps.Packages.PackageInfo(ctx, d.packageName)
	if err != nil {
		return false, err
	}
	return info.Debuggable, nil
}

// CheckTimingAnomaly 固定循环耗时超过预算
func (d *DebuggerDetector) CheckTimingAnomaly(ctx context.Context) (bool, error) {
	elapsed := d.loop()
	if elapsed > d.budget {
		d.logger.WithField("elapsed", elapsed.String()).Debug("Timing anomaly")
		return true, nil
	}
	return false, nil
}

// CheckTracerPid status 中 TracerPid 非零
func (d *DebuggerDetector) CheckTracerPid(ctx context.Context) (bool, error) {
	if d.deps.Proc == nil {
		return false, platform.ErrUnavailable
	}
	pid, err := d.deps.Proc.TracerPid()
	if err != nil {
		return false, err
	}
	return pid != 0, nil
}

var timingSink uint64

func timedLoop() time.Duration {
	start := time.Now()
	var acc uint64 = 1469598103934665603
	for i := uint64(0); i < timingLoopIterations; i++ {
		acc ^= i
		acc *= 1099511628211
	}
	timingSink = acc
	return time.Since(start)
}
