package platform

import (
	"bufio"
	"context"
	"crypto/x509"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// PackageInfo 已安装包的元数据
type PackageInfo struct {
	Name        string
	CodePath    string // APK 文件或其所在目录
	DataDir     string
	Installer   string
	InstallTime time.Time
	UpdateTime  time.Time
	Debuggable  bool
}

// APKPath 返回基础 APK 文件路径
func (p PackageInfo) APKPath() string {
	if p.CodePath == "" || strings.HasSuffix(p.CodePath, ".apk") {
		return p.CodePath
	}
	return path.Join(p.CodePath, "base.apk")
}

// PackageRegistry 包管理器查询接口
type PackageRegistry interface {
	IsInstalled(ctx context.Context, name string) (bool, error)
	InstallerOf(ctx context.Context, name string) (string, error)
	SigningCertificates(ctx context.Context, name string) ([]*x509.Certificate, error)
	PackageInfo(ctx context.Context, name string) (PackageInfo, error)
}

const dumpsysTimeLayout = "2006-01-02 15:04:05"

// ShellPackageRegistry 通过 pm / dumpsys 查询包信息，证书从 APK 文件中解析
type ShellPackageRegistry struct {
	runner CommandRunner
	fs     afero.Fs
	logger *logrus.Logger
}

// NewShellPackageRegistry 创建基于 shell 的包查询器
func NewShellPackageRegistry(runner CommandRunner, fs afero.Fs, logger *logrus.Logger) *ShellPackageRegistry {
	return &ShellPackageRegistry{runner: runner, fs: fs, logger: logger}
}

// IsInstalled 包是否已安装
func (r *ShellPackageRegistry) IsInstalled(ctx context.Context, name string) (bool, error) {
	output, err := r.runner.Run(ctx, "pm", "list", "packages", name)
	if err != nil {
		return false, err
	}
	for _, pkg := range ParsePackageList(output) {
		if pkg == name {
			return true, nil
		}
	}
	return false, nil
}

// InstallerOf 安装来源包名，侧载返回空字符串
func (r *ShellPackageRegistry) InstallerOf(ctx context.Context, name string) (string, error) {
	output, err := r.runner.Run(ctx, "pm", "list", "packages", "-i", name)
	if err != nil {
		return "", err
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "package:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "package:"))
		if len(fields) == 0 || fields[0] != name {
			continue
		}
		for _, f := range fields[1:] {
			if v, ok := strings.CutPrefix(f, "installer="); ok {
				if v == "null" {
					return "", nil
				}
				return v, nil
			}
		}
		return "", nil
	}
	return "", fmt.Errorf("%s: %w", name, ErrPackageNotFound)
}

// PackageInfo 解析 dumpsys package 输出
func (r *ShellPackageRegistry) PackageInfo(ctx context.Context, name string) (PackageInfo, error) {
	output, err := r.runner.Run(ctx, "dumpsys", "package", name)
	if err != nil {
		return PackageInfo{}, err
	}
	return ParseDumpsysPackage(output, name)
}

// SigningCertificates 从包的基础 APK 中提取签名证书
func (r *ShellPackageRegistry) SigningCertificates(ctx context.Context, name string) ([]*x509.Certificate, error) {
	info, err := r.PackageInfo(ctx, name)
	if err != nil {
		return nil, err
	}
	if info.CodePath == "" {
		return nil, fmt.Errorf("no code path for %s: %w", name, ErrUnavailable)
	}
	return ReadSigningCertificates(r.fs, info.APKPath())
}

// ParsePackageList 解析 pm list packages 输出
func ParsePackageList(output string) []string {
	var packages []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if pkg, ok := strings.CutPrefix(line, "package:"); ok {
			if fields := strings.Fields(pkg); len(fields) > 0 {
				packages = append(packages, fields[0])
			}
		}
	}
	return packages
}

// ParseDumpsysPackage 从 dumpsys package 输出中提取指定包的信息
func ParseDumpsysPackage(output, name string) (PackageInfo, error) {
	header := "Package [" + name + "]"
	info := PackageInfo{Name: name}
	found := false

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "Package [") {
			if found {
				break
			}
			found = strings.HasPrefix(line, header)
			continue
		}
		if !found {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "codePath":
			info.CodePath = value
		case "dataDir":
			info.DataDir = value
		case "installerPackageName":
			if value != "null" {
				info.Installer = value
			}
		case "firstInstallTime":
			if t, err := time.ParseInLocation(dumpsysTimeLayout, value, time.Local); err == nil {
				info.InstallTime = t
			}
		case "lastUpdateTime":
			if t, err := time.ParseInLocation(dumpsysTimeLayout, value, time.Local); err == nil {
				info.UpdateTime = t
			}
		case "flags", "pkgFlags":
			if strings.Contains(value, " DEBUGGABLE ") {
				info.Debuggable = true
			}
		}
	}

	if !found {
		return PackageInfo{}, fmt.Errorf("%s: %w", name, ErrPackageNotFound)
	}
	return info, nil
}
