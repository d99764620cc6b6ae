package detector

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/raspguard/raspguard-go/internal/baseline"
	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/raspguard/raspguard-go/internal/platform"
	"github.com/raspguard/raspguard-go/internal/probe"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// 篡改检测探针名称
const (
	ProbeSignature              = "signature"
	ProbeCertificateFingerprint = "certificate_fingerprint"
	ProbeDexIntegrity           = "dex_integrity"
	ProbeAPKIntegrity           = "apk_integrity"
	ProbeHookLibraries          = "hook_libraries"
	ProbeInstaller              = "installer"
	ProbeAppDirectory           = "app_directory"
	ProbeNativeIntegrity        = "native_integrity"
	ProbeClassLoader            = "class_loader"
	ProbeInstallSkew            = "install_skew"
)

// TamperOptions 完整性校验的期望值，初始化后不再修改
type TamperOptions struct {
	PackageName          string
	APKPath              string // 为空时从包管理器解析
	DataDir              string
	ExpectedFingerprints []string
	TrustedInstallers    []string
	DebugCertMarker      string
	ExpectedLoader       string
	DexEntry             string
	MaxInstallSkew       time.Duration
	MaxWritableExec      int
	Threshold            int
}

// TamperDetector 应用篡改检测器
type TamperDetector struct {
	deps     Deps
	opts     TamperOptions
	expected map[string]struct{}
	baseline baseline.Reader
	loader   platform.LoaderInspector
	runner   *probe.Runner
	logger   *logrus.Logger
}

// NewTamperDetector 创建篡改检测器
func NewTamperDetector(deps Deps, opts TamperOptions, store baseline.Reader, loader platform.LoaderInspector, runner *probe.Runner) *TamperDetector {
	if opts.DexEntry == "" {
		opts.DexEntry = "classes.dex"
	}
	if opts.DebugCertMarker == "" {
		opts.DebugCertMarker = "CN=Android Debug"
	}
	if opts.MaxInstallSkew <= 0 {
		opts.MaxInstallSkew = 24 * time.Hour
	}
	if opts.MaxWritableExec <= 0 {
		opts.MaxWritableExec = 5
	}

	expected := make(map[string]struct{}, len(opts.ExpectedFingerprints))
	for _, fp := range opts.ExpectedFingerprints {
		if n := platform.NormalizeFingerprint(fp); n != "" {
			expected[n] = struct{}{}
		}
	}

	return &TamperDetector{
		deps:     deps,
		opts:     opts,
		expected: expected,
		baseline: store,
		loader:   loader,
		runner:   runner,
		logger:   deps.Logger,
	}
}

func (d *TamperDetector) Family() domain.ThreatType { return domain.ThreatTampering }

func (d *TamperDetector) Threshold() int { return threshold(d.opts.Threshold) }

// Probes 完整探针序列
func (d *TamperDetector) Probes() []probe.Probe {
	return []probe.Probe{
		d.probe(ProbeSignature, 2, "missing or debug signing certificate", d.CheckSignature),
		d.probe(ProbeCertificateFingerprint, 3, "signing certificate not in expected set", d.CheckCertificateFingerprint),
		d.probe(ProbeDexIntegrity, 3, "dex digest differs from baseline", d.CheckDexIntegrity),
		d.probe(ProbeAPKIntegrity, 3, "apk digest differs from baseline", d.CheckApkIntegrity),
		d.probe(ProbeHookLibraries, 3, "instrumentation library mapped", d.CheckHookLibraries),
		d.probe(ProbeInstaller, 1, "untrusted installer", d.CheckInstaller),
		d.probe(ProbeAppDirectory, 2, "hook artifacts in data directory", d.CheckAppDirectory),
		d.probe(ProbeNativeIntegrity, 3, "native code integrity failure", d.CheckNativeIntegrity),
		d.probe(ProbeClassLoader, 2, "unexpected loader identity", d.CheckClassLoader),
		d.probe(ProbeInstallSkew, 1, "package modified after install", d.CheckInstallTimeSkew),
	}
}

// WeightedProbes 加权探针，与 Probes 相同
func (d *TamperDetector) WeightedProbes() []probe.Probe {
	return d.Probes()
}

func (d *TamperDetector) probe(name string, weight int, desc string, fn probe.Func) probe.Probe {
	return probe.Probe{Name: name, Family: domain.ThreatTampering, Weight: weight, Description: desc, Run: fn}
}

// IsAppTampered 任一探针触发
func (d *TamperDetector) IsAppTampered(ctx context.Context) bool {
	tampered := probe.AnyDetected(d.runner.RunAll(ctx, d.Probes()))
	d.logger.WithField("tampered", tampered).Info("Tamper check completed")
	return tampered
}

// AdvancedTamperCheck 加权得分达到阈值
func (d *TamperDetector) AdvancedTamperCheck(ctx context.Context) bool {
	return probe.Verdict(d.runner.RunAll(ctx, d.WeightedProbes()), d.Threshold())
}

// TamperScore 加权得分
func (d *TamperDetector) TamperScore(ctx context.Context) int {
	return probe.Score(d.runner.RunAll(ctx, d.WeightedProbes()))
}

// TamperReport 各项检查取反后的诊断报告
func (d *TamperDetector) TamperReport(ctx context.Context) domain.TamperReport {
	return BuildTamperReport(d.runner.RunAll(ctx, d.Probes()), time.Now())
}

// BuildTamperReport 由探针结果构造报告，true 表示完好
func BuildTamperReport(outcomes []domain.ProbeOutcome, ts time.Time) domain.TamperReport {
	fired := func(name string) bool {
		o, ok := probe.Find(outcomes, name)
		return ok && o.Fired()
	}
	return domain.TamperReport{
		SignatureValid:   !fired(ProbeSignature),
		CertificateMatch: !fired(ProbeCertificateFingerprint),
		PackageIntact:    !(fired(ProbeDexIntegrity) || fired(ProbeAPKIntegrity) || fired(ProbeInstallSkew)),
		NoHookLibraries:  !fired(ProbeHookLibraries),
		AppDirClean:      !fired(ProbeAppDirectory),
		NativeIntact:     !fired(ProbeNativeIntegrity),
		LoaderIntact:     !fired(ProbeClassLoader),
		InstallerTrusted: !fired(ProbeInstaller),
		Timestamp:        ts,
	}
}

// packageInfo 包元数据，配置中的路径优先
func (d *TamperDetector) packageInfo(ctx context.Context) (platform.PackageInfo, error) {
	info := platform.PackageInfo{Name: d.opts.PackageName, CodePath: d.opts.APKPath, DataDir: d.opts.DataDir}
	configured := info.CodePath != "" || info.DataDir != ""

	if d.deps.Packages == nil || d.opts.PackageName == "" {
		if configured {
			return info, nil
		}
		return info, platform.ErrUnavailable
	}

	resolved, err := d.deps.Packages.PackageInfo(ctx, d.opts.PackageName)
	if err != nil {
		if configured {
			return info, nil
		}
		return info, err
	}
	if info.CodePath == "" {
		info.CodePath = resolved.CodePath
	}
	if info.DataDir == "" {
		info.DataDir = resolved.DataDir
	}
	info.Installer = resolved.Installer
	info.InstallTime = resolved.InstallTime
	info.UpdateTime = resolved.UpdateTime
	info.Debuggable = resolved.Debuggable
	return info, nil
}

func (d *TamperDetector) apkPath(ctx context.Context) (string, error) {
	if d.opts.APKPath != "" {
		return d.opts.APKPath, nil
	}
	info, err := d.packageInfo(ctx)
	if err != nil {
		return "", err
	}
	if p := info.APKPath(); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("apk path: %w", platform.ErrUnavailable)
}

func (d *TamperDetector) certificates(ctx context.Context) ([]*x509.Certificate, error) {
	if d.opts.APKPath != "" || d.deps.Packages == nil {
		path, err := d.apkPath(ctx)
		if err != nil {
			return nil, err
		}
		return platform.ReadSigningCertificates(d.deps.FS, path)
	}
	return d.deps.Packages.SigningCertificates(ctx, d.opts.PackageName)
}

// CheckSignature 没有签名证书，或证书主题含调试标记
func (d *TamperDetector) CheckSignature(ctx context.Context) (bool, error) {
	certs, err := d.certificates(ctx)
	if errors.Is(err, platform.ErrNoSignature) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if len(certs) == 0 {
		return true, nil
	}

	marker := strings.TrimPrefix(d.opts.DebugCertMarker, "CN=")
	for _, c := range certs {
		if strings.Contains(c.Subject.CommonName, marker) {
			d.logger.WithField("subject", c.Subject.String()).Debug("Debug certificate in use")
			return true, nil
		}
	}
	return false, nil
}

// CheckCertificateFingerprint 没有任何证书在期望集合中；期望集合为空时弃权
func (d *TamperDetector) CheckCertificateFingerprint(ctx context.Context) (bool, error) {
	if len(d.expected) == 0 {
		return false, nil
	}

	certs, err := d.certificates(ctx)
	if errors.Is(err, platform.ErrNoSignature) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	for _, c := range certs {
		if _, ok := d.expected[platform.CertificateFingerprint(c)]; ok {
			return false, nil
		}
	}
	d.logger.WithField("certificates", len(certs)).Debug("No signing certificate matches expected fingerprints")
	return true, nil
}

// CheckDexIntegrity 比对 DEX 摘要；无基线时弃权
func (d *TamperDetector) CheckDexIntegrity(ctx context.Context) (bool, error) {
	return d.compareBaseline(ctx, baseline.NameDEX, func(path string) (baseline.Digest, error) {
		return baseline.DigestZipEntry(d.deps.FS, path, d.opts.DexEntry)
	})
}

// CheckApkIntegrity 比对整个安装包的摘要；无基线时弃权
func (d *TamperDetector) CheckApkIntegrity(ctx context.Context) (bool, error) {
	return d.compareBaseline(ctx, baseline.NameAPK, func(path string) (baseline.Digest, error) {
		return baseline.DigestFile(d.deps.FS, path)
	})
}

func (d *TamperDetector) compareBaseline(ctx context.Context, name string, digest func(string) (baseline.Digest, error)) (bool, error) {
	if d.baseline == nil {
		return false, nil
	}
	stored, ok := d.baseline.Load(ctx, name)
	if !ok {
		return false, nil
	}

	path, err := d.apkPath(ctx)
	if err != nil {
		return false, err
	}
	current, err := digest(path)
	if err != nil {
		return false, err
	}

	if current != stored {
		d.logger.WithFields(logrus.Fields{
			"baseline": name,
			"stored":   stored.String(),
			"current":  current.String(),
		}).Debug("Digest mismatch")
		return true, nil
	}
	return false, nil
}

// CheckHookLibraries 映射中出现插桩框架或非标准目录中的库
func (d *TamperDetector) CheckHookLibraries(ctx context.Context) (bool, error) {
	if d.deps.Proc == nil {
		return false, platform.ErrUnavailable
	}
	maps, err := d.deps.Proc.Maps()
	if err != nil {
		return false, err
	}

	for _, m := range maps {
		if m.Pathname == "" {
			continue
		}
		if marker, ok := containsAny(m.Pathname, HookLibraryMarkers); ok {
			d.logger.WithFields(logrus.Fields{"path": m.Pathname, "marker": marker}).Debug("Hook library mapped")
			return true, nil
		}
		for _, dir := range UntrustedLoadDirs {
			if strings.HasPrefix(m.Pathname, dir) {
				d.logger.WithField("path", m.Pathname).Debug("Library loaded from untrusted directory")
				return true, nil
			}
		}
	}
	return false, nil
}

// CheckInstaller 安装来源不在白名单中或为侧载
func (d *TamperDetector) CheckInstaller(ctx context.Context) (bool, error) {
	if d.deps.Packages == nil || d.opts.PackageName == "" {
		return false, platform.ErrUnavailable
	}
	installer, err := d.deps.Packages.InstallerOf(ctx, d.opts.PackageName)
	if err != nil {
		return false, err
	}
	if installer == "" {
		return true, nil
	}
	for _, trusted := range d.opts.TrustedInstallers {
		if installer == trusted {
			return false, nil
		}
	}
	d.logger.WithField("installer", installer).Debug("Untrusted installer")
	return true, nil
}

// CheckAppDirectory 递归扫描私有目录中的 hook/补丁残留
func (d *TamperDetector) CheckAppDirectory(ctx context.Context) (bool, error) {
	info, err := d.packageInfo(ctx)
	if err != nil {
		return false, err
	}
	if info.DataDir == "" {
		return false, fmt.Errorf("data dir: %w", platform.ErrUnavailable)
	}
	if _, err := d.deps.FS.Stat(info.DataDir); err != nil {
		return false, fmt.Errorf("stat data dir: %w", err)
	}

	found := ""
	errStop := errors.New("stop")
	err = afero.Walk(d.deps.FS, info.DataDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == info.DataDir {
			return nil
		}
		if _, ok := containsAny(fi.Name(), AppDirArtifacts); ok {
			found = path
			return errStop
		}
		return nil
	})
	if found != "" {
		d.logger.WithField("path", found).Debug("Artifact in data directory")
		return true, nil
	}
	if err != nil && !errors.Is(err, errStop) {
		return false, err
	}
	return false, nil
}

// CheckNativeIntegrity 断点、可写可执行映射和自检
func (d *TamperDetector) CheckNativeIntegrity(ctx context.Context) (bool, error) {
	if d.deps.Native == nil {
		return false, platform.ErrUnavailable
	}
	if d.deps.Native.ScanBreakpoints() {
		return true, nil
	}
	if n := d.deps.Native.WritableExecutableRegions(); n > d.opts.MaxWritableExec {
		d.logger.WithField("regions", n).Debug("Too many writable executable regions")
		return true, nil
	}
	return !d.deps.Native.IntegritySelfCheck(), nil
}

// CheckClassLoader 加载器类型不符或注入点名称可疑
func (d *TamperDetector) CheckClassLoader(ctx context.Context) (bool, error) {
	if d.loader == nil {
		return false, platform.ErrUnavailable
	}
	identity, err := d.loader.Inspect(ctx)
	if err != nil {
		return false, err
	}

	if d.opts.ExpectedLoader != "" && identity.Type != d.opts.ExpectedLoader {
		d.logger.WithFields(logrus.Fields{
			"expected": d.opts.ExpectedLoader,
			"actual":   identity.Type,
		}).Debug("Loader mismatch")
		return true, nil
	}
	for _, m := range identity.Methods {
		if _, ok := containsAny(m, LoaderMethodMarkers); ok {
			d.logger.WithField("method", m).Debug("Suspicious loader method")
			return true, nil
		}
	}
	return false, nil
}

// CheckInstallTimeSkew 安装包修改时间晚于安装/更新时间超过窗口
func (d *TamperDetector) CheckInstallTimeSkew(ctx context.Context) (bool, error) {
	info, err := d.packageInfo(ctx)
	if err != nil {
		return false, err
	}
	ref := info.InstallTime
	if info.UpdateTime.After(ref) {
		ref = info.UpdateTime
	}
	if ref.IsZero() {
		return false, fmt.Errorf("install time: %w", platform.ErrUnavailable)
	}

	path := info.APKPath()
	if path == "" {
		return false, fmt.Errorf("apk path: %w", platform.ErrUnavailable)
	}
	fi, err := d.deps.FS.Stat(path)
	if err != nil {
		return false, err
	}

	skew := fi.ModTime().Sub(ref)
	if skew > d.opts.MaxInstallSkew {
		d.logger.WithField("skew", skew.String()).Debug("Package modified after install")
		return true, nil
	}
	return false, nil
}
