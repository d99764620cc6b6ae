package adb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/raspguard/raspguard-go/internal/platform"
	"github.com/sirupsen/logrus"
)

// ConnectionManager ADB 连接管理器
// 串行化 daemon 启动，缓存每个目标的连接状态
type ConnectionManager struct {
	runner platform.CommandRunner

	daemonMutex   sync.Mutex
	daemonStarted bool

	connections map[string]bool
	connMutex   sync.RWMutex

	settle time.Duration // daemon 启动后的等待时间
	logger *logrus.Logger
}

// NewConnectionManager 创建连接管理器，runner 执行宿主机上的 adb
func NewConnectionManager(runner platform.CommandRunner, logger *logrus.Logger) *ConnectionManager {
	return &ConnectionManager{
		runner:      runner,
		connections: make(map[string]bool),
		settle:      2 * time.Second,
		logger:      logger,
	}
}

// EnsureDaemonStarted 确保 ADB daemon 已启动
func (m *ConnectionManager) EnsureDaemonStarted(ctx context.Context) error {
	m.daemonMutex.Lock()
	defer m.daemonMutex.Unlock()

	if m.daemonStarted {
		return nil
	}

	if _, err := m.runner.Run(ctx, "adb", "devices"); err == nil {
		m.daemonStarted = true
		return nil
	}

	m.logger.Info("Starting ADB daemon...")
	output, err := m.runner.Run(ctx, "adb", "start-server")
	if err != nil {
		return fmt.Errorf("adb start-server failed: %w, output: %s", err, output)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.settle):
	}

	m.daemonStarted = true
	return nil
}

// Connect 连接到设备；USB 序列号无需 adb connect
func (m *ConnectionManager) Connect(ctx context.Context, target string) error {
	if err := m.EnsureDaemonStarted(ctx); err != nil {
		return fmt.Errorf("failed to ensure daemon started: %w", err)
	}

	m.connMutex.Lock()
	defer m.connMutex.Unlock()

	if m.connections[target] {
		return nil
	}

	if isNetworkTarget(target) {
		output, err := m.runner.Run(ctx, "adb", "connect", target)
		if err != nil {
			return fmt.Errorf("adb connect failed: %w, output: %s", err, output)
		}
		// adb connect 失败时退出码仍为 0
		if strings.Contains(output, "failed") || strings.Contains(output, "unable") {
			return fmt.Errorf("adb connect failed: %s", strings.TrimSpace(output))
		}
	}

	m.connections[target] = true
	m.logger.WithField("target", target).Info("ADB connected successfully")
	return nil
}

// Disconnect 断开设备连接
func (m *ConnectionManager) Disconnect(ctx context.Context, target string) error {
	m.connMutex.Lock()
	defer m.connMutex.Unlock()

	if isNetworkTarget(target) {
		if output, err := m.runner.Run(ctx, "adb", "disconnect", target); err != nil {
			m.logger.WithError(err).WithField("output", output).Warn("ADB disconnect failed")
			return err
		}
	}

	delete(m.connections, target)
	return nil
}

// IsConnected 通过 get-state 验证连接，并刷新缓存
func (m *ConnectionManager) IsConnected(ctx context.Context, target string) bool {
	output, err := m.runner.Run(ctx, "adb", "-s", target, "get-state")
	connected := err == nil && strings.TrimSpace(output) == "device"

	m.connMutex.Lock()
	if connected {
		m.connections[target] = true
	} else {
		delete(m.connections, target)
	}
	m.connMutex.Unlock()

	return connected
}

// GetConnectionStats 获取连接统计信息
func (m *ConnectionManager) GetConnectionStats() map[string]interface{} {
	m.connMutex.RLock()
	defer m.connMutex.RUnlock()

	m.daemonMutex.Lock()
	started := m.daemonStarted
	m.daemonMutex.Unlock()

	connected := []string{}
	for target, ok := range m.connections {
		if ok {
			connected = append(connected, target)
		}
	}

	return map[string]interface{}{
		"daemon_started":    started,
		"connected_devices": connected,
		"connected_count":   len(connected),
	}
}

func isNetworkTarget(target string) bool {
	return strings.Contains(target, ":")
}
