package platform

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// PropertyReader 读取系统属性，未设置的属性返回空字符串
type PropertyReader interface {
	Get(ctx context.Context, key string) (string, error)
}

// DefaultBuildPropFiles getprop 不可用时的回退文件
var DefaultBuildPropFiles = []string{
	"/system/build.prop",
	"/vendor/build.prop",
	"/default.prop",
}

// SystemProperties 通过 getprop 读取属性，失败时解析 build.prop
type SystemProperties struct {
	runner CommandRunner
	fs     afero.Fs
	files  []string
	logger *logrus.Logger

	once     sync.Once
	fallback map[string]string
	fbErr    error
}

// NewSystemProperties 创建属性读取器
func NewSystemProperties(runner CommandRunner, fs afero.Fs, logger *logrus.Logger) *SystemProperties {
	return &SystemProperties{
		runner: runner,
		fs:     fs,
		files:  DefaultBuildPropFiles,
		logger: logger,
	}
}

// Get 读取单个属性
func (p *SystemProperties) Get(ctx context.Context, key string) (string, error) {
	if p.runner != nil {
		out, err := p.runner.Run(ctx, "getprop", key)
		if err == nil {
			return strings.TrimSpace(out), nil
		}
		p.logger.WithField("key", key).WithError(err).Debug("getprop failed, falling back to build.prop")
	}

	p.once.Do(p.loadFallback)
	if p.fbErr != nil {
		return "", p.fbErr
	}
	return p.fallback[key], nil
}

func (p *SystemProperties) loadFallback() {
	props := make(map[string]string)
	loaded := 0
	for _, path := range p.files {
		data, err := afero.ReadFile(p.fs, path)
		if err != nil {
			continue
		}
		loaded++
		for k, v := range ParseBuildProp(string(data)) {
			if _, exists := props[k]; !exists {
				props[k] = v
			}
		}
	}
	if loaded == 0 {
		p.fbErr = fmt.Errorf("no property source readable: %w", ErrUnavailable)
		return
	}
	p.fallback = props
}

// ParseBuildProp 解析 key=value 格式的属性文件
func ParseBuildProp(content string) map[string]string {
	props := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return props
}

// StaticProperties 固定属性表
type StaticProperties map[string]string

// Get 读取属性
func (s StaticProperties) Get(ctx context.Context, key string) (string, error) {
	return s[key], nil
}
