package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/raspguard/raspguard-go/internal/platform"
	"github.com/raspguard/raspguard-go/internal/probe"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// 根检测探针名称
const (
	ProbeSuBinary         = "su_binary"
	ProbeRootPackages     = "root_packages"
	ProbeDangerousProps   = "dangerous_props"
	ProbeRWSystem         = "rw_system"
	ProbeBuildTags        = "build_tags"
	ProbeRootFiles        = "root_files"
	ProbeSuCommand        = "su_command"
	ProbeSuspiciousMounts = "suspicious_mounts"
	ProbeNativeRoot       = "native_root"
	ProbeBuildUser        = "build_user"
)

// RootDetector 设备 root 检测器
type RootDetector struct {
	deps      Deps
	runner    *probe.Runner
	threshold int
	logger    *logrus.Logger
}

// NewRootDetector 创建 root 检测器，threshold<=0 使用默认值
func NewRootDetector(deps Deps, runner *probe.Runner, threshold int) *RootDetector {
	return &RootDetector{
		deps:      deps,
		runner:    runner,
		threshold: threshold,
		logger:    deps.Logger,
	}
}

func (d *RootDetector) Family() domain.ThreatType { return domain.ThreatRoot }

func (d *RootDetector) Threshold() int { return threshold(d.threshold) }

// Probes 完整探针序列，任一触发即判定 root
func (d *RootDetector) Probes() []probe.Probe {
	return []probe.Probe{
		d.probe(ProbeSuBinary, 3, "su binary present and executable", d.CheckSuBinary),
		d.probe(ProbeRootPackages, 3, "root manager package installed", d.CheckRootPackages),
		d.probe(ProbeDangerousProps, 2, "system properties indicate insecure build", d.CheckDangerousProps),
		d.probe(ProbeRWSystem, 3, "system partition is writable", d.CheckRWSystem),
		d.probe(ProbeBuildTags, 1, "build signed with test keys", d.CheckBuildTags),
		d.probe(ProbeRootFiles, 2, "root artifact files present", d.CheckRootFiles),
		d.probe(ProbeSuCommand, 3, "su resolvable from shell", d.CheckSuCommand),
		d.probe(ProbeSuspiciousMounts, 2, "mount table references root framework", d.CheckSuspiciousMounts),
		d.probe(ProbeNativeRoot, 3, "native root check", d.CheckNativeRoot),
	}
}

// WeightedProbes 参与加权评分的探针
func (d *RootDetector) WeightedProbes() []probe.Probe {
	return []probe.Probe{
		d.probe(ProbeSuBinary, 3, "su binary present and executable", d.CheckSuBinary),
		d.probe(ProbeRootPackages, 3, "root manager package installed", d.CheckRootPackages),
		d.probe(ProbeRWSystem, 3, "system partition is writable", d.CheckRWSystem),
		d.probe(ProbeDangerousProps, 2, "system properties indicate insecure build", d.CheckDangerousProps),
		d.probe(ProbeRootFiles, 2, "root artifact files present", d.CheckRootFiles),
		d.probe(ProbeBuildTags, 1, "build signed with test keys", d.CheckBuildTags),
		d.probe(ProbeBuildUser, 1, "suspicious build user", d.CheckBuildUser),
	}
}

func (d *RootDetector) probe(name string, weight int, desc string, fn probe.Func) probe.Probe {
	return probe.Probe{Name: name, Family: domain.ThreatRoot, Weight: weight, Description: desc, Run: fn}
}

// IsDeviceRooted 任一探针触发即返回 true
func (d *RootDetector) IsDeviceRooted(ctx context.Context) bool {
	rooted := probe.AnyDetected(d.runner.RunAll(ctx, d.Probes()))
	d.logger.WithField("rooted", rooted).Info("Root check completed")
	return rooted
}

// AdvancedRootCheck 加权得分达到阈值
func (d *RootDetector) AdvancedRootCheck(ctx context.Context) bool {
	return probe.Verdict(d.runner.RunAll(ctx, d.WeightedProbes()), d.Threshold())
}

// RootScore 加权得分
func (d *RootDetector) RootScore(ctx context.Context) int {
	return probe.Score(d.runner.RunAll(ctx, d.WeightedProbes()))
}

// CheckSuBinary 已知路径上存在可执行的普通文件
func (d *RootDetector) CheckSuBinary(ctx context.Context) (bool, error) {
	for _, p := range SuBinaryPaths {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		info, err := d.deps.FS.Stat(p)
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			d.logger.WithField("path", p).Debug("su binary found")
			return true, nil
		}
	}
	return false, nil
}

// CheckRootPackages 查询 root 管理应用是否安装
func (d *RootDetector) CheckRootPackages(ctx context.Context) (bool, error) {
	if d.deps.Packages == nil {
		return false, platform.ErrUnavailable
	}
	for _, pkg := range RootPackages {
		installed, err := d.deps.Packages.IsInstalled(ctx, pkg)
		switch {
		case errors.Is(err, platform.ErrPackageNotFound):
			continue
		case err != nil:
			return false, fmt.Errorf("query %s: %w", pkg, err)
		case installed:
			d.logger.WithField("package", pkg).Debug("Root manager installed")
			return true, nil
		}
	}
	return false, nil
}

// CheckDangerousProps 属性是否为危险值
func (d *RootDetector) CheckDangerousProps(ctx context.Context) (bool, error) {
	if d.deps.Props == nil {
		return false, platform.ErrUnavailable
	}
	for key, bad := range DangerousProps {
		value, err := d.deps.Props.Get(ctx, key)
		if err != nil {
			return false, fmt.Errorf("read %s: %w", key, err)
		}
		if value == bad {
			d.logger.WithFields(logrus.Fields{"key": key, "value": value}).Debug("Dangerous property")
			return true, nil
		}
	}
	return false, nil
}

// CheckRWSystem 写入探测，失败后依次回退到挂载表和 mount 命令
func (d *RootDetector) CheckRWSystem(ctx context.Context) (bool, error) {
	if d.systemWritable() {
		return true, nil
	}

	if d.deps.Proc != nil {
		mounts, err := d.deps.Proc.Mounts()
		if err == nil {
			systemAsRoot := d.systemAsRoot()
			for _, m := range mounts {
				if m.MountPoint != "/system" && !(systemAsRoot && m.MountPoint == "/") {
					continue
				}
				if _, rw := m.Options["rw"]; rw {
					return true, nil
				}
			}
			return false, nil
		}
		d.logger.WithError(err).Debug("mountinfo unavailable, falling back to mount")
	}

	if d.deps.Runner == nil {
		return false, platform.ErrUnavailable
	}
	output, err := d.deps.Runner.Run(ctx, "mount")
	if err != nil {
		return false, err
	}
	return ParseMountRW(output, "/system"), nil
}

// systemWritable 在 /system 下创建并删除临时文件
func (d *RootDetector) systemWritable() bool {
	if ok, _ := afero.DirExists(d.deps.FS, "/system"); !ok {
		return false
	}
	f, err := afero.TempFile(d.deps.FS, "/system", ".rg")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	d.deps.FS.Remove(name)
	return true
}

// systemAsRoot system 分区挂载在 / 上
func (d *RootDetector) systemAsRoot() bool {
	ok, _ := afero.Exists(d.deps.FS, "/system/build.prop")
	return ok
}

// ParseMountRW mount 输出中挂载点是否带 rw 选项
func ParseMountRW(output, mountPoint string) bool {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// "dev on /system type ext4 (rw,...)" 或 "dev /system ext4 rw,... 0 0"
		for i, f := range fields {
			if f != mountPoint {
				continue
			}
			for _, opt := range fields[i+1:] {
				opts := strings.Split(strings.Trim(opt, "()"), ",")
				for _, o := range opts {
					if o == "rw" {
						return true
					}
				}
			}
		}
	}
	return false
}

// CheckBuildTags ro.build.tags 含 test-keys
func (d *RootDetector) CheckBuildTags(ctx context.Context) (bool, error) {
	if d.deps.Props == nil {
		return false, platform.ErrUnavailable
	}
	tags, err := d.deps.Props.Get(ctx, "ro.build.tags")
	if err != nil {
		return false, err
	}
	return strings.Contains(tags, "test-keys"), nil
}

// CheckRootFiles root 工具残留文件
func (d *RootDetector) CheckRootFiles(ctx context.Context) (bool, error) {
	for _, p := range RootArtifactFiles {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if ok, _ := afero.Exists(d.deps.FS, p); ok {
			d.logger.WithField("path", p).Debug("Root artifact found")
			return true, nil
		}
	}
	return false, nil
}

// CheckSuCommand which su 有输出或 su -c id 成功
func (d *RootDetector) CheckSuCommand(ctx context.Context) (bool, error) {
	if d.deps.Runner == nil {
		return false, platform.ErrUnavailable
	}
	out, err := d.deps.Runner.Run(ctx, "which", "su")
	if err == nil && strings.TrimSpace(out) != "" {
		return true, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}

	_, err = d.deps.Runner.Run(ctx, "su", "-c", "id")
	if err == nil {
		return true, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	return false, nil
}

// CheckSuspiciousMounts 挂载表中出现 root/hook 框架
func (d *RootDetector) CheckSuspiciousMounts(ctx context.Context) (bool, error) {
	if d.deps.Proc != nil {
		mounts, err := d.deps.Proc.Mounts()
		if err == nil {
			for _, m := range mounts {
				line := strings.Join([]string{m.Source, m.MountPoint, m.FSType}, " ")
				if marker, ok := containsAny(line, SuspiciousMountMarkers); ok {
					d.logger.WithFields(logrus.Fields{"mount": m.MountPoint, "marker": marker}).Debug("Suspicious mount")
					return true, nil
				}
			}
			return false, nil
		}
	}

	if d.deps.Runner == nil {
		return false, platform.ErrUnavailable
	}
	output, err := d.deps.Runner.Run(ctx, "mount")
	if err != nil {
		return false, err
	}
	_, found := containsAny(output, SuspiciousMountMarkers)
	return found, nil
}

// CheckNativeRoot 委托原生层
func (d *RootDetector) CheckNativeRoot(ctx context.Context) (bool, error) {
	if d.deps.Native == nil {
		return false, platform.ErrUnavailable
	}
	return d.deps.Native.RootCheck(), nil
}

// CheckBuildUser ro.build.user 含可疑片段
func (d *RootDetector) CheckBuildUser(ctx context.Context) (bool, error) {
	if d.deps.Props == nil {
		return false, platform.ErrUnavailable
	}
	user, err := d.deps.Props.Get(ctx, "ro.build.user")
	if err != nil {
		return false, err
	}
	_, found := containsAny(user, SuspiciousBuildUsers)
	return found, nil
}
