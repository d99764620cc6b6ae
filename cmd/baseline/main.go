package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/raspguard/raspguard-go/internal/adb"
	"github.com/raspguard/raspguard-go/internal/baseline"
	"github.com/raspguard/raspguard-go/internal/config"
	"github.com/raspguard/raspguard-go/internal/platform"
	"github.com/raspguard/raspguard-go/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var (
	headerColor  = color.New(color.FgHiCyan, color.Bold)
	infoColor    = color.New(color.FgHiBlue)
	successColor = color.New(color.FgGreen)
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file path")
	apkPath := flag.String("apk", "", "local APK to fingerprint")
	packageName := flag.String("package", "", "package name (pulls the APK over adb when -apk is empty)")
	target := flag.String("target", "", "adb target, defaults to adb.target from config")
	version := flag.String("version", "", "version label stored in the manifest")
	out := flag.String("out", "baseline.yaml", "manifest output path")
	store := flag.Bool("store", false, "also write digests into the encrypted baseline store")
	list := flag.Bool("list", false, "list baselines recorded in the store and exit")
	remove := flag.String("remove", "", "delete one recorded baseline by name and exit")
	flag.Parse()

	// .env 中的密钥（BASELINE_KEY_SEED、RABBITMQ_PASS 等）
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail("load config: %v", err)
	}
	logger := config.InitLogger(&cfg.Log)
	logger.SetOutput(os.Stderr)

	if *packageName == "" {
		*packageName = cfg.App.PackageName
	}
	if *target == "" {
		*target = cfg.ADB.Target
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	headerColor.Println("raspguard baseline")

	if *list || *remove != "" {
		s := openStore(cfg, logger)
		if *remove != "" {
			if err := s.Delete(ctx, *remove); err != nil {
				fail("remove %s: %v", *remove, err)
			}
			successColor.Printf("✓ %s removed\n", *remove)
		}
		if *list {
			if err := listBaselines(ctx, s, os.Stdout); err != nil {
				fail("list baselines: %v", err)
			}
		}
		return
	}

	if *apkPath == "" {
		if *packageName == "" || *target == "" {
			fail("either -apk or -package with an adb target is required")
		}
		*apkPath, err = pullAPK(ctx, *target, *packageName, cfg.ADB.Timeout, logger)
		if err != nil {
			fail("pull APK: %v", err)
		}
		defer os.Remove(*apkPath)
	}

	fs := afero.NewOsFs()
	manifest, err := buildManifest(fs, *apkPath, cfg.Integrity.DexEntry)
	if err != nil {
		fail("%v", err)
	}
	manifest.Package = *packageName
	manifest.Version = *version

	infoColor.Printf("  package      %s\n", manifest.Package)
	for _, fp := range manifest.Fingerprints {
		infoColor.Printf("  certificate  %s\n", fp)
	}
	for name, digest := range manifest.Digests {
		infoColor.Printf("  %-12s %s\n", name, digest)
	}

	if err := manifest.Save(fs, *out); err != nil {
		fail("write manifest: %v", err)
	}
	successColor.Printf("✓ manifest written to %s\n", *out)

	if !*store {
		return
	}

	s := openStore(cfg, logger)
	if err := s.Import(ctx, manifest); err != nil {
		fail("store digests: %v", err)
	}
	successColor.Printf("✓ %d digests stored\n", len(manifest.Digests))
}

func openStore(cfg *config.Config, logger *logrus.Logger) *baseline.Store {
	db, err := repository.InitDB(&cfg.Baseline, logger)
	if err != nil {
		fail("open baseline store: %v", err)
	}
	s, err := baseline.NewStore(repository.NewBaselineRepository(db), cfg.Baseline.KeySeed, logger)
	if err != nil {
		fail("%v", err)
	}
	return s
}

// listBaselines 输出已记录的基线，无法解密的标记为 unreadable
func listBaselines(ctx context.Context, s *baseline.Store, w io.Writer) error {
	names, err := s.Names(ctx)
	if err != nil {
		return err
	}
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Fprintln(w, "  (no baselines recorded)")
		return nil
	}
	for _, name := range names {
		if digest, ok := s.Load(ctx, name); ok {
			fmt.Fprintf(w, "  %-12s %s\n", name, digest)
		} else {
			fmt.Fprintf(w, "  %-12s unreadable\n", name)
		}
	}
	return nil
}

// buildManifest 计算 APK、DEX 摘要与签名证书指纹
func buildManifest(fs afero.Fs, apkPath, dexEntry string) (*baseline.Manifest, error) {
	if dexEntry == "" {
		dexEntry = "classes.dex"
	}
	manifest := &baseline.Manifest{GeneratedAt: time.Now().UTC()}

	apkDigest, err := baseline.DigestFile(fs, apkPath)
	if err != nil {
		return nil, fmt.Errorf("digest APK: %w", err)
	}
	manifest.SetDigest(baseline.NameAPK, apkDigest)

	dexDigest, err := baseline.DigestZipEntry(fs, apkPath, dexEntry)
	if err != nil {
		return nil, fmt.Errorf("digest %s: %w", dexEntry, err)
	}
	manifest.SetDigest(baseline.NameDEX, dexDigest)

	certs, err := platform.ReadSigningCertificates(fs, apkPath)
	if err != nil {
		warningColor.Printf("! no signing certificates: %v\n", err)
	}
	for _, c := range certs {
		manifest.Fingerprints = append(manifest.Fingerprints, platform.CertificateFingerprint(c))
	}

	return manifest, nil
}

func pullAPK(ctx context.Context, target, packageName string, timeout time.Duration, logger *logrus.Logger) (string, error) {
	client := adb.NewClient(target, platform.NewExecRunner(timeout, logger), logger)
	if err := client.Connect(ctx); err != nil {
		return "", err
	}

	local := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d.apk", packageName, time.Now().UnixNano()))
	remote, err := client.PullBaseAPK(ctx, packageName, local)
	if err != nil {
		return "", err
	}
	infoColor.Printf("  pulled       %s\n", remote)
	return local, nil
}

func fail(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, "✗ "+format+"\n", args...)
	os.Exit(1)
}
