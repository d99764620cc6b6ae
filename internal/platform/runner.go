// Package platform 封装检测所依赖的操作系统与包管理器边界。
package platform

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnavailable 数据源不可用（命令不存在、文件不可读等）
	ErrUnavailable = errors.New("platform source unavailable")
	// ErrPackageNotFound 包未安装
	ErrPackageNotFound = errors.New("package not found")
)

// CommandRunner 执行外部命令并返回合并输出
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner 基于 exec.CommandContext 的命令执行器
type ExecRunner struct {
	timeout time.Duration
	logger  *logrus.Logger
}

// NewExecRunner 创建命令执行器，timeout 为单条命令时限
func NewExecRunner(timeout time.Duration, logger *logrus.Logger) *ExecRunner {
	return &ExecRunner{timeout: timeout, logger: logger}
}

// Run 执行命令；非零退出码返回错误，输出仍然返回
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%s: %w", name, ErrUnavailable)
		}
		r.logger.WithFields(logrus.Fields{
			"command": name,
			"args":    strings.Join(args, " "),
		}).WithError(err).Debug("Command failed")
		return string(output), fmt.Errorf("%s failed: %w", name, err)
	}

	return string(output), nil
}
