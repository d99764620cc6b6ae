package detector

import (
	"context"
	"strings"

	"github.com/prometheus/procfs"
	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/raspguard/raspguard-go/internal/native"
	"github.com/raspguard/raspguard-go/internal/platform"
	"github.com/raspguard/raspguard-go/internal/probe"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DefaultThreshold 各家族默认判定阈值
const DefaultThreshold = 3

// ProcSource 当前进程的 procfs 视图
type ProcSource interface {
	Maps() ([]*procfs.ProcMap, error)
	Mounts() ([]*procfs.MountInfo, error)
	TracerPid() (int, error)
}

// Deps 检测器共享的外部依赖
type Deps struct {
	FS       afero.Fs
	Packages platform.PackageRegistry
	Props    platform.PropertyReader
	Runner   platform.CommandRunner
	Proc     ProcSource
	Native   native.Bridge
	Logger   *logrus.Logger
}

// Collector 一个威胁家族的加权探针集合
type Collector interface {
	Family() domain.ThreatType
	Threshold() int
	WeightedProbes() []probe.Probe
}

// Evaluate 运行采集器的加权探针
func Evaluate(ctx context.Context, runner *probe.Runner, c Collector) []domain.ProbeOutcome {
	return runner.RunAll(ctx, c.WeightedProbes())
}

func threshold(v int) int {
	if v <= 0 {
		return DefaultThreshold
	}
	return v
}

// containsAny s 是否包含任一片段，不区分大小写
func containsAny(s string, markers []string) (string, bool) {
	lower := strings.ToLower(s)
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return m, true
		}
	}
	return "", false
}
