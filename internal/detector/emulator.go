package detector

import (
	"context"
	"strings"

	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/raspguard/raspguard-go/internal/platform"
	"github.com/raspguard/raspguard-go/internal/probe"
	"github.com/sirupsen/logrus"
)

// 模拟器检测探针名称
const (
	ProbeNativeEmulator   = "native_emulator"
	ProbeQemuProps        = "qemu_props"
	ProbeEmulatorHardware = "emulator_hardware"
	ProbeEmulatorBuild    = "emulator_build"
)

// EmulatorDetector 模拟器检测器
type EmulatorDetector struct {
	deps      Deps
	threshold int
	runner    *probe.Runner
	logger    *logrus.Logger
}

// NewEmulatorDetector 创建模拟器检测器
func NewEmulatorDetector(deps Deps, runner *probe.Runner, threshold int) *EmulatorDetector {
	return &EmulatorDetector{deps: deps, threshold: threshold, runner: runner, logger: deps.Logger}
}

func (d *EmulatorDetector) Family() domain.ThreatType { return domain.ThreatEmulator }

func (d *EmulatorDetector) Threshold() int { return threshold(d.threshold) }

// WeightedProbes 模拟器探针
func (d *EmulatorDetector) WeightedProbes() []probe.Probe {
	return []probe.Probe{
		d.probe(ProbeNativeEmulator, 3, "emulator files present", d.CheckNativeEmulator),
		d.probe(ProbeQemuProps, 3, "qemu kernel property set", d.CheckQemuProps),
		d.probe(ProbeEmulatorHardware, 2, "emulator hardware name", d.CheckHardware),
		d.probe(ProbeEmulatorBuild, 1, "generic build fingerprint or sdk model", d.CheckBuild),
	}
}

func (d *EmulatorDetector) probe(name string, weight int, desc string, fn probe.Func) probe.Probe {
	return probe.Probe{Name: name, Family: domain.ThreatEmulator, Weight: weight, Description: desc, Run: fn}
}

// IsEmulator 加权得分达到阈值
func (d *EmulatorDetector) IsEmulator(ctx context.Context) bool {
	return probe.Verdict(d.runner.RunAll(ctx, d.WeightedProbes()), d.Threshold())
}

// CheckNativeEmulator 委托原生层
func (d *EmulatorDetector) CheckNativeEmulator(ctx context.Context) (bool, error) {
	if d.deps.Native == nil {
		return false, platform.ErrUnavailable
	}
	return d.deps.Native.EmulatorPresent(), nil
}

// CheckQemuProps ro.kernel.qemu=1
func (d *EmulatorDetector) CheckQemuProps(ctx context.Context) (bool, error) {
	v, err := d.prop(ctx, "ro.kernel.qemu")
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// CheckHardware ro.hardware 为模拟器硬件
func (d *EmulatorDetector) CheckHardware(ctx context.Context) (bool, error) {
	v, err := d.prop(ctx, "ro.hardware")
	if err != nil {
		return false, err
	}
	for _, hw := range EmulatorHardware {
		if v == hw {
			return true, nil
		}
	}
	return false, nil
}

// CheckBuild 指纹以 generic 开头或型号含 sdk/Emulator
func (d *EmulatorDetector) CheckBuild(ctx context.Context) (bool, error) {
	fingerprint, err := d.prop(ctx, "ro.build.fingerprint")
	if err != nil {
		return false, err
	}
	if strings.HasPrefix(fingerprint, "generic") {
		return true, nil
	}
	model, err := d.prop(ctx, "ro.product.model")
	if err != nil {
		return false, err
	}
	_, found := containsAny(model, EmulatorModelMarkers)
	return found, nil
}

func (d *EmulatorDetector) prop(ctx context.Context, key string) (string, error) {
	if d.deps.Props == nil {
		return "", platform.ErrUnavailable
	}
	return d.deps.Props.Get(ctx, key)
}
