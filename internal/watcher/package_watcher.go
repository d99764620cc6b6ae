package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ChangeHandler 监控目标发生变化时回调，path 为触发变化的文件
type ChangeHandler func(path string)

// Target 一个监控目录及其文件匹配模式（如 "base.apk"、"*.so"）
type Target struct {
	Dir     string
	Pattern string
}

// PackageWatcher 监控应用安装包及私有目录，变化时触发重新评估
type PackageWatcher struct {
	watcher  *fsnotify.Watcher
	targets  []Target
	handler  ChangeHandler
	logger   *logrus.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	lastPath string
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewPackageWatcher 创建监控器，不存在的目录会被跳过
func NewPackageWatcher(targets []Target, handler ChangeHandler, debounce time.Duration, logger *logrus.Logger) (*PackageWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	pw := &PackageWatcher{
		watcher:  watcher,
		handler:  handler,
		logger:   logger,
		debounce: debounce,
		stopChan: make(chan struct{}),
	}

	for _, t := range targets {
		if t.Dir == "" {
			continue
		}
		if err := watcher.Add(t.Dir); err != nil {
			logger.WithError(err).WithField("dir", t.Dir).Warn("Skipping unwatchable directory")
			continue
		}
		if t.Pattern == "" {
			t.Pattern = "*"
		}
		pw.targets = append(pw.targets, t)
	}

	if len(pw.targets) == 0 {
		watcher.Close()
		return nil, fmt.Errorf("no watchable directories")
	}

	logger.WithField("targets", pw.targets).Info("Package watcher created")
	return pw, nil
}

// Start 启动事件循环
func (pw *PackageWatcher) Start(ctx context.Context) {
	go pw.eventLoop(ctx)
}

func (pw *PackageWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			pw.Stop()
			return
		case <-pw.stopChan:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !pw.matches(event.Name) {
				continue
			}

			pw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  event.Name,
			}).Debug("Package change detected")
			pw.schedule(event.Name)

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：窗口内的多次变化合并为一次回调
func (pw *PackageWatcher) schedule(path string) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	pw.lastPath = path
	if pw.timer != nil {
		pw.timer.Stop()
	}
	pw.timer = time.AfterFunc(pw.debounce, pw.fire)
}

func (pw *PackageWatcher) fire() {
	pw.mu.Lock()
	path := pw.lastPath
	pw.timer = nil
	pw.mu.Unlock()

	select {
	case <-pw.stopChan:
		return
	default:
	}

	pw.logger.WithField("file", path).Info("Package changed, requesting evaluation")
	pw.handler(path)
}

func (pw *PackageWatcher) matches(path string) bool {
	dir := filepath.Clean(filepath.Dir(path))
	name := filepath.Base(path)
	for _, t := range pw.targets {
		if filepath.Clean(t.Dir) != dir {
			continue
		}
		if matchPattern(t.Pattern, name) {
			return true
		}
	}
	return false
}

// matchPattern 通配符匹配，扩展名比较忽略大小写
func matchPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if ok, err := filepath.Match(strings.ToLower(pattern), strings.ToLower(name)); err == nil && ok {
		return true
	}
	return pattern == name
}

// Stop 停止监控
func (pw *PackageWatcher) Stop() error {
	var err error
	pw.stopOnce.Do(func() {
		pw.logger.Info("Stopping package watcher")
		close(pw.stopChan)

		pw.mu.Lock()
		if pw.timer != nil {
			pw.timer.Stop()
		}
		pw.mu.Unlock()

		err = pw.watcher.Close()
	})
	return err
}

// Targets 实际生效的监控目标
func (pw *PackageWatcher) Targets() []Target {
	return pw.targets
}
