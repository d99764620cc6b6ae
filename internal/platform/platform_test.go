package platform

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRunner 模拟命令执行器
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	call := m.Called(append([]interface{}{name}, toIface(args)...)...)
	return call.String(0), call.Error(1)
}

func toIface(args []string) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

const sampleDumpsys = `Activity Resolver Table:
  Non-Data Actions:

Packages:
  Package [com.example.bank] (4a1b2c3):
    userId=10123
    codePath=/data/app/~~Xy==/com.example.bank-Ab==
    resourcePath=/data/app/~~Xy==/com.example.bank-Ab==
    dataDir=/data/user/0/com.example.bank
    flags=[ DEBUGGABLE HAS_CODE ALLOW_CLEAR_USER_DATA ]
    timeStamp=2024-03-01 10:00:00
    firstInstallTime=2024-03-01 10:00:01
    lastUpdateTime=2024-03-02 11:30:00
    installerPackageName=com.android.vending
  Package [com.example.other] (9f):
    codePath=/data/app/other
    installerPackageName=null
`

// TestParseDumpsysPackage 测试 dumpsys 输出解析
func TestParseDumpsysPackage(t *testing.T) {
	info, err := ParseDumpsysPackage(sampleDumpsys, "com.example.bank")
	require.NoError(t, err)

	assert.Equal(t, "/data/app/~~Xy==/com.example.bank-Ab==", info.CodePath)
	assert.Equal(t, "/data/app/~~Xy==/com.example.bank-Ab==/base.apk", info.APKPath())
	assert.Equal(t, "/data/user/0/com.example.bank", info.DataDir)
	assert.Equal(t, "com.android.vending", info.Installer)
	assert.True(t, info.Debuggable)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 1, 0, time.Local), info.InstallTime)

	other, err := ParseDumpsysPackage(sampleDumpsys, "com.example.other")
	require.NoError(t, err)
	assert.Empty(t, other.Installer)
	assert.False(t, other.Debuggable)

	_, err = ParseDumpsysPackage(sampleDumpsys, "com.missing")
	assert.ErrorIs(t, err, ErrPackageNotFound)
}

// TestShellPackageRegistry_IsInstalled 测试精确匹配包名
func TestShellPackageRegistry_IsInstalled(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", "pm", "list", "packages", "com.topjohnwu.magisk").
		Return("package:com.topjohnwu.magisk\npackage:com.topjohnwu.magisk.helper\n", nil)
	runner.On("Run", "pm", "list", "packages", "eu.chainfire.supersu").Return("", nil)

	reg := NewShellPackageRegistry(runner, afero.NewMemMapFs(), quietLogger())

	ok, err := reg.IsInstalled(context.Background(), "com.topjohnwu.magisk")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.IsInstalled(context.Background(), "eu.chainfire.supersu")
	require.NoError(t, err)
	assert.False(t, ok)
	runner.AssertExpectations(t)
}

// TestShellPackageRegistry_InstallerOf 测试安装来源解析
func TestShellPackageRegistry_InstallerOf(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", "pm", "list", "packages", "-i", "com.example.bank").
		Return("package:com.example.bank  installer=com.android.vending\n", nil)
	runner.On("Run", "pm", "list", "packages", "-i", "com.sideloaded").
		Return("package:com.sideloaded  installer=null\n", nil)
	runner.On("Run", "pm", "list", "packages", "-i", "com.gone").Return("", nil)

	reg := NewShellPackageRegistry(runner, afero.NewMemMapFs(), quietLogger())

	installer, err := reg.InstallerOf(context.Background(), "com.example.bank")
	require.NoError(t, err)
	assert.Equal(t, "com.android.vending", installer)

	installer, err = reg.InstallerOf(context.Background(), "com.sideloaded")
	require.NoError(t, err)
	assert.Empty(t, installer)

	_, err = reg.InstallerOf(context.Background(), "com.gone")
	assert.ErrorIs(t, err, ErrPackageNotFound)
}

// TestSystemProperties_Fallback 测试 getprop 失败时回退到 build.prop
func TestSystemProperties_Fallback(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/system/build.prop",
		[]byte("# build\nro.build.tags=test-keys\nro.debuggable = 1\ninvalid line\n"), 0o644))

	runner := new(MockRunner)
	runner.On("Run", "getprop", mock.Anything).Return("", errors.New("exec: not permitted"))

	props := NewSystemProperties(runner, fs, quietLogger())

	v, err := props.Get(context.Background(), "ro.build.tags")
	require.NoError(t, err)
	assert.Equal(t, "test-keys", v)

	v, err = props.Get(context.Background(), "ro.debuggable")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	v, err = props.Get(context.Background(), "ro.secure")
	require.NoError(t, err)
	assert.Empty(t, v)
}

// TestSystemProperties_Getprop 测试 getprop 输出去除空白
func TestSystemProperties_Getprop(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", "getprop", "ro.secure").Return("0\n", nil)

	props := NewSystemProperties(runner, afero.NewMemMapFs(), quietLogger())
	v, err := props.Get(context.Background(), "ro.secure")
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}

// TestSystemProperties_Unavailable 测试所有来源都不可用
func TestSystemProperties_Unavailable(t *testing.T) {
	props := NewSystemProperties(nil, afero.NewMemMapFs(), quietLogger())
	_, err := props.Get(context.Background(), "ro.secure")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func writeProc(t *testing.T, root string, pid int, files map[string]string) {
	dir := filepath.Join(root, itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

// TestProcReader 测试 maps / mountinfo / TracerPid 读取
func TestProcReader(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 4242, map[string]string{
		"maps": "7f000000-7f001000 r-xp 00000000 fd:01 1234 /system/lib64/libc.so\n" +
			"7f100000-7f101000 rwxp 00000000 00:00 0 \n" +
			"7f200000-7f201000 r-xp 00000000 fd:01 99 /data/local/tmp/frida-agent-64.so\n",
		"mountinfo": "36 25 0:32 / /system ro,relatime - ext4 /dev/block/dm-0 ro,seclabel\n" +
			"40 25 0:40 / /data rw,nosuid shared:3 - f2fs /dev/block/dm-5 rw\n",
		"status": "Name:\tapp\nState:\tS (sleeping)\nTracerPid:\t  1337\nUid:\t10123\n",
	})

	reader, err := NewProcReader(root, 4242)
	require.NoError(t, err)

	maps, err := reader.Maps()
	require.NoError(t, err)
	require.Len(t, maps, 3)
	assert.Equal(t, "/data/local/tmp/frida-agent-64.so", maps[2].Pathname)
	assert.Equal(t, 1, WritableExecutable(maps))

	mounts, err := reader.Mounts()
	require.NoError(t, err)
	require.Len(t, mounts, 2)
	assert.Equal(t, "/system", mounts[0].MountPoint)
	_, rw := mounts[1].Options["rw"]
	assert.True(t, rw)

	tracer, err := reader.TracerPid()
	require.NoError(t, err)
	assert.Equal(t, 1337, tracer)
}

// TestProcReader_MissingProcess 测试进程目录不存在
func TestProcReader_MissingProcess(t *testing.T) {
	reader, err := NewProcReader(t.TempDir(), 77)
	require.NoError(t, err)

	_, err = reader.Maps()
	assert.ErrorIs(t, err, ErrUnavailable)
}

// TestParseTracerPid 测试 status 解析
func TestParseTracerPid(t *testing.T) {
	pid, err := ParseTracerPid([]byte("Name:\tx\nTracerPid:\t0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, pid)

	_, err = ParseTracerPid([]byte("Name:\tx\n"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

// TestELFLoaderInspector 测试加载器身份与预加载条目
func TestELFLoaderInspector(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	preload := filepath.Join(t.TempDir(), "ld.so.preload")
	require.NoError(t, os.WriteFile(preload, []byte("# comment\n/usr/lib/libhook_patch.so\n"), 0o644))

	inspector := NewELFLoaderInspector(afero.NewOsFs(), exe).WithEnv(func(key string) string {
		if key == "LD_PRELOAD" {
			return "/tmp/a.so:/tmp/b.so"
		}
		return ""
	})
	inspector.preloadFile = preload

	identity, err := inspector.Inspect(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, identity.Type)
	assert.Equal(t, []string{
		"LD_PRELOAD:/tmp/a.so",
		"LD_PRELOAD:/tmp/b.so",
		"ld.so.preload:/usr/lib/libhook_patch.so",
	}, identity.Methods)
}

// TestELFLoaderInspector_NotELF 测试非 ELF 文件
func TestELFLoaderInspector_NotELF(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proc/self/exe", []byte("#!/bin/sh\n"), 0o755))

	_, err := NewELFLoaderInspector(fs, "").Inspect(context.Background())
	assert.Error(t, err)
}
