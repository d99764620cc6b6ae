package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type changeRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *changeRecorder) handle(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

// TestMatchPattern 测试通配符匹配
func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*", "anything", true},
		{"*.apk", "base.APK", true},
		{"*.apk", "base.dex", false},
		{"base.apk", "base.apk", true},
		{"base.apk", "split.apk", false},
		{"lib*.so", "libfrida-gadget.so", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchPattern(tt.pattern, tt.name))
		})
	}
}

// TestNewPackageWatcher_SkipsMissingDirs 测试跳过不存在的目录
func TestNewPackageWatcher_SkipsMissingDirs(t *testing.T) {
	dir := t.TempDir()

	pw, err := NewPackageWatcher([]Target{
		{Dir: filepath.Join(dir, "missing"), Pattern: "*"},
		{Dir: dir},
	}, func(string) {}, time.Millisecond, testLogger())
	require.NoError(t, err)
	defer pw.Stop()

	require.Len(t, pw.Targets(), 1)
	assert.Equal(t, "*", pw.Targets()[0].Pattern)

	_, err = NewPackageWatcher([]Target{{Dir: filepath.Join(dir, "missing")}}, func(string) {}, time.Millisecond, testLogger())
	assert.Error(t, err)
}

// TestPackageWatcher_DebouncedTrigger 测试多次写入合并为一次回调
func TestPackageWatcher_DebouncedTrigger(t *testing.T) {
	dir := t.TempDir()
	recorder := &changeRecorder{}

	pw, err := NewPackageWatcher([]Target{{Dir: dir, Pattern: "base.apk"}}, recorder.handle, 200*time.Millisecond, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pw.Start(ctx)

	apk := filepath.Join(dir, "base.apk")
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(apk, []byte{byte(i)}, 0644))
	}
	// 不匹配的文件不触发
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644))

	require.Eventually(t, func() bool { return recorder.count() == 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, recorder.count())

	recorder.mu.Lock()
	assert.Equal(t, apk, recorder.paths[0])
	recorder.mu.Unlock()
}

// TestPackageWatcher_StopIsIdempotent 测试重复停止
func TestPackageWatcher_StopIsIdempotent(t *testing.T) {
	pw, err := NewPackageWatcher([]Target{{Dir: t.TempDir()}}, func(string) {}, time.Millisecond, testLogger())
	require.NoError(t, err)

	assert.NoError(t, pw.Stop())
	assert.NoError(t, pw.Stop())
}
