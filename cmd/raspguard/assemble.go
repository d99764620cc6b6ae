package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/raspguard/raspguard-go/internal/baseline"
	"github.com/raspguard/raspguard-go/internal/config"
	"github.com/raspguard/raspguard-go/internal/detector"
	"github.com/raspguard/raspguard-go/internal/middleware"
	"github.com/raspguard/raspguard-go/internal/native"
	"github.com/raspguard/raspguard-go/internal/obfuscation"
	"github.com/raspguard/raspguard-go/internal/platform"
	"github.com/raspguard/raspguard-go/internal/probe"
	"github.com/raspguard/raspguard-go/internal/repository"
	"github.com/raspguard/raspguard-go/internal/watcher"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gorm.io/gorm"
)

// application 组装完成的检测组件
type application struct {
	runner       *probe.Runner
	bridge       native.Bridge
	collectors   []detector.Collector
	tamper       *detector.TamperDetector
	watchTargets []watcher.Target
}

func assemble(ctx context.Context, cfg *config.Config, db *gorm.DB, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) (*application, error) {
	fs := afero.NewOsFs()
	cmdRunner := platform.NewExecRunner(cfg.Detection.CommandTimeout, logger)
	packages := platform.NewShellPackageRegistry(cmdRunner, fs, logger)

	var proc detector.ProcSource
	if reader, err := platform.NewProcReader(cfg.Detection.ProcRoot, 0); err != nil {
		logger.WithError(err).Warn("procfs unavailable, process probes will be inconclusive")
	} else {
		proc = reader
	}

	bridge := native.Guarded(native.New(native.Options{
		ProcRoot:  cfg.Detection.ProcRoot,
		FS:        fs,
		SelfTrace: cfg.Detection.SelfTrace,
		Getenv:    os.Getenv,
		Terminate: trapHandler(logger, os.Exit),
		Logger:    logger,
	}), logger)

	store, err := baseline.NewStore(repository.NewBaselineRepository(db), cfg.Baseline.KeySeed, logger)
	if err != nil {
		return nil, err
	}
	store.WithObserver(metrics)

	fingerprints := append([]string(nil), cfg.Integrity.ExpectedFingerprints...)
	fingerprints = append(fingerprints, seedFromManifest(ctx, fs, store, cfg.Integrity.ManifestFile, logger)...)

	probeOpts := []probe.Option{
		probe.WithTimeout(cfg.Detection.ProbeTimeout),
		probe.WithConcurrency(cfg.Detection.Concurrency),
	}
	if cfg.Detection.Obfuscate {
		probeOpts = append(probeOpts, probe.WithInterceptor(obfuscation.Chain(
			obfuscation.Jitter(cfg.Detection.JitterMin, cfg.Detection.JitterMax),
			obfuscation.OpaqueBranch(),
			obfuscation.Indirect(),
		)))
	}
	runner := probe.NewRunner(logger, probeOpts...)

	deps := detector.Deps{
		FS:       fs,
		Packages: packages,
		Props:    platform.NewSystemProperties(cmdRunner, fs, logger),
		Runner:   cmdRunner,
		Proc:     proc,
		Native:   bridge,
		Logger:   logger,
	}
	thresholds := cfg.Detection.Thresholds

	tamper := detector.NewTamperDetector(deps, detector.TamperOptions{
		PackageName:          cfg.App.PackageName,
		APKPath:              cfg.App.APKPath,
		DataDir:              cfg.App.DataDir,
		ExpectedFingerprints: fingerprints,
		TrustedInstallers:    cfg.Integrity.TrustedInstallers,
		DebugCertMarker:      cfg.Integrity.DebugCertMarker,
		ExpectedLoader:       cfg.Integrity.ExpectedLoader,
		DexEntry:             cfg.Integrity.DexEntry,
		MaxInstallSkew:       cfg.Integrity.MaxInstallSkew,
		MaxWritableExec:      cfg.Integrity.MaxWritableExec,
		Threshold:            thresholds.Tampering,
	}, store, platform.NewELFLoaderInspector(fs, ""), runner)

	collectors := []detector.Collector{
		detector.NewDebuggerDetector(deps, cfg.App.PackageName, runner, thresholds.Debugger),
		detector.NewRootDetector(deps, runner, thresholds.Root),
		detector.NewEmulatorDetector(deps, runner, thresholds.Emulator),
		tamper,
	}

	return &application{
		runner:       runner,
		bridge:       bridge,
		collectors:   collectors,
		tamper:       tamper,
		watchTargets: watchTargets(ctx, cfg, packages),
	}, nil
}

// seedFromManifest 用清单补充尚未记录的基线并返回其中的证书指纹；清单不可用时只告警
func seedFromManifest(ctx context.Context, fs afero.Fs, store *baseline.Store, path string, logger *logrus.Logger) []string {
	if path == "" {
		return nil
	}
	manifest, err := baseline.LoadManifest(fs, path)
	if err != nil {
		logger.WithError(err).WithField("manifest", path).Warn("Baseline manifest unavailable, continuing without it")
		return nil
	}
	seeded := store.Seed(ctx, manifest)
	logger.WithFields(logrus.Fields{
		"manifest": path,
		"digests":  len(manifest.Digests),
		"seeded":   seeded,
	}).Info("Baseline manifest loaded")
	return manifest.Fingerprints
}

// watchTargets APK 所在目录与应用私有目录
func watchTargets(ctx context.Context, cfg *config.Config, packages platform.PackageRegistry) []watcher.Target {
	apkPath := cfg.App.APKPath
	dataDir := cfg.App.DataDir
	if (apkPath == "" || dataDir == "") && cfg.App.PackageName != "" {
		if info, err := packages.PackageInfo(ctx, cfg.App.PackageName); err == nil {
			if apkPath == "" {
				apkPath = info.APKPath()
			}
			if dataDir == "" {
				dataDir = info.DataDir
			}
		}
	}

	var targets []watcher.Target
	if apkPath != "" {
		targets = append(targets, watcher.Target{Dir: filepath.Dir(apkPath), Pattern: "*.apk"})
	}
	if dataDir != "" {
		targets = append(targets,
			watcher.Target{Dir: dataDir, Pattern: "*"},
			watcher.Target{Dir: filepath.Join(dataDir, "lib"), Pattern: "*.so"},
		)
	}
	return targets
}

// trapHandler 收到外部 SIGTRAP 时记录并退出，与 enforce 无关
func trapHandler(logger *logrus.Logger, exit func(int)) func(int) {
	return func(code int) {
		logger.WithField("code", code).Error("Debugger trap received, terminating")
		exit(code)
	}
}
