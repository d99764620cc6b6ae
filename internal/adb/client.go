// Package adb 通过宿主机上的 adb 访问设备，供离线基线生成与远程检测使用。
package adb

import (
	"context"
	"fmt"
	"strings"

	"github.com/raspguard/raspguard-go/internal/platform"
	"github.com/sirupsen/logrus"
)

// Client ADB 客户端
type Client struct {
	target  string // ADB 目标（序列号或 host:port）
	runner  platform.CommandRunner
	connMgr *ConnectionManager
	logger  *logrus.Logger
}

// NewClient 创建 ADB 客户端
func NewClient(target string, runner platform.CommandRunner, logger *logrus.Logger) *Client {
	return &Client{
		target:  target,
		runner:  runner,
		connMgr: NewConnectionManager(runner, logger),
		logger:  logger,
	}
}

// Target 设备目标
func (c *Client) Target() string {
	return c.target
}

// Connect 连接设备
func (c *Client) Connect(ctx context.Context) error {
	return c.connMgr.Connect(ctx, c.target)
}

// Disconnect 断开设备
func (c *Client) Disconnect(ctx context.Context) error {
	return c.connMgr.Disconnect(ctx, c.target)
}

// IsConnected 检查设备是否连接
func (c *Client) IsConnected(ctx context.Context) bool {
	return c.connMgr.IsConnected(ctx, c.target)
}

// Run 在设备上执行命令，使 Client 可作为 platform.CommandRunner
func (c *Client) Run(ctx context.Context, name string, args ...string) (string, error) {
	shellArgs := append([]string{"-s", c.target, "shell", name}, args...)
	output, err := c.runner.Run(ctx, "adb", shellArgs...)
	if err != nil {
		return output, fmt.Errorf("adb shell %s: %w", name, err)
	}
	return output, nil
}

// PackagePaths 包的所有 APK 路径（基础包在前）
func (c *Client) PackagePaths(ctx context.Context, packageName string) ([]string, error) {
	output, err := c.Run(ctx, "pm", "path", packageName)
	if err != nil {
		return nil, err
	}

	paths := ParsePackagePaths(output)
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s: %w", packageName, platform.ErrPackageNotFound)
	}
	return paths, nil
}

// Pull 从设备拉取文件
func (c *Client) Pull(ctx context.Context, remote, local string) error {
	c.logger.WithFields(logrus.Fields{
		"remote": remote,
		"local":  local,
	}).Info("Pulling file from device")

	output, err := c.runner.Run(ctx, "adb", "-s", c.target, "pull", remote, local)
	if err != nil {
		return fmt.Errorf("adb pull failed: %w, output: %s", err, output)
	}
	return nil
}

// PullBaseAPK 拉取包的基础 APK 到本地路径
func (c *Client) PullBaseAPK(ctx context.Context, packageName, local string) (string, error) {
	paths, err := c.PackagePaths(ctx, packageName)
	if err != nil {
		return "", err
	}
	if err := c.Pull(ctx, paths[0], local); err != nil {
		return "", err
	}
	return paths[0], nil
}

// ParsePackagePaths 解析 pm path 输出，base.apk 排在最前
func ParsePackagePaths(output string) []string {
	var base string
	var splits []string
	for _, line := range strings.Split(output, "\n") {
		path, ok := strings.CutPrefix(strings.TrimSpace(line), "package:")
		if !ok || path == "" {
			continue
		}
		if strings.HasSuffix(path, "/base.apk") && base == "" {
			base = path
			continue
		}
		splits = append(splits, path)
	}

	if base == "" {
		return splits
	}
	return append([]string{base}, splits...)
}
