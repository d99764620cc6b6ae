package detector

import (
	"context"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/raspguard/raspguard-go/internal/platform"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var safeProps = platform.StaticProperties{
	"ro.debuggable":    "0",
	"ro.secure":        "1",
	"ro.build.type":    "user",
	"ro.build.tags":    "release-keys",
	"service.adb.root": "0",
	"ro.build.user":    "android-build",
}

// cleanRootDeps 无任何 root 迹象的设备
func cleanRootDeps(t *testing.T, base afero.Fs) Deps {
	registry := new(MockRegistry)
	registry.On("IsInstalled", mock.Anything).Return(false, nil)

	require.NoError(t, afero.WriteFile(base, "/system/build.prop", []byte("ro.build.tags=release-keys\n"), 0o644))

	return Deps{
		FS:       afero.NewReadOnlyFs(base),
		Packages: registry,
		Props:    safeProps,
		Runner: &fakeRunner{
			outputs: map[string]string{"mount": "/dev/block/dm-0 on / type ext4 (ro,seclabel)\n"},
			errs:    map[string]error{"which su": assert.AnError},
		},
		Proc: &fakeProc{mounts: []*procfs.MountInfo{
			mount("/", "/dev/block/dm-0", "ext4", "ro"),
			mount("/data", "/dev/block/dm-5", "f2fs", "rw"),
		}},
		Native: &fakeBridge{intact: true},
		Logger: quietLogger(),
	}
}

// TestRootDetector_ScenarioA 测试干净设备不判定为 root
func TestRootDetector_ScenarioA(t *testing.T) {
	d := NewRootDetector(cleanRootDeps(t, afero.NewMemMapFs()), newRunner(), 0)
	ctx := context.Background()

	assert.False(t, d.IsDeviceRooted(ctx))
	assert.False(t, d.AdvancedRootCheck(ctx))
	assert.Equal(t, 0, d.RootScore(ctx))
}

// TestRootDetector_ScenarioB 测试 /data/local/su 可执行时判定为 root
func TestRootDetector_ScenarioB(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, "/data/local/su", []byte("#!"), 0o755))
	d := NewRootDetector(cleanRootDeps(t, base), newRunner(), 0)
	ctx := context.Background()

	assert.True(t, d.IsDeviceRooted(ctx))
	assert.True(t, d.AdvancedRootCheck(ctx))
	assert.GreaterOrEqual(t, d.RootScore(ctx), 3)
}

// TestRootDetector_SuBinaryAllPaths 测试列表中每个路径都能被识别
func TestRootDetector_SuBinaryAllPaths(t *testing.T) {
	for _, p := range SuBinaryPaths {
		t.Run(p, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, p, []byte("su"), 0o750))
			d := NewRootDetector(Deps{FS: fs, Logger: quietLogger()}, newRunner(), 0)

			found, err := d.CheckSuBinary(context.Background())
			require.NoError(t, err)
			assert.True(t, found)
		})
	}
}

// TestRootDetector_SuBinaryNotExecutable 测试不可执行文件和目录不算
func TestRootDetector_SuBinaryNotExecutable(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/system/xbin/su", []byte("su"), 0o644))
	require.NoError(t, fs.MkdirAll("/sbin/su", 0o755))
	d := NewRootDetector(Deps{FS: fs, Logger: quietLogger()}, newRunner(), 0)

	found, err := d.CheckSuBinary(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
}

// TestRootDetector_RootPackages 测试 root 管理应用与未找到的处理
func TestRootDetector_RootPackages(t *testing.T) {
	registry := new(MockRegistry)
	registry.On("IsInstalled", "com.topjohnwu.magisk").Return(false, platform.ErrPackageNotFound)
	registry.On("IsInstalled", "eu.chainfire.supersu").Return(true, nil)
	d := NewRootDetector(Deps{Packages: registry, Logger: quietLogger()}, newRunner(), 0)

	found, err := d.CheckRootPackages(context.Background())
	require.NoError(t, err)
	assert.True(t, found)

	unavailable := new(MockRegistry)
	unavailable.On("IsInstalled", mock.Anything).Return(false, platform.ErrUnavailable)
	d = NewRootDetector(Deps{Packages: unavailable, Logger: quietLogger()}, newRunner(), 0)
	_, err = d.CheckRootPackages(context.Background())
	assert.ErrorIs(t, err, platform.ErrUnavailable)
}

// TestRootDetector_DangerousProps 测试每个危险属性值
func TestRootDetector_DangerousProps(t *testing.T) {
	for key, bad := range DangerousProps {
		t.Run(key, func(t *testing.T) {
			props := platform.StaticProperties{}
			for k, v := range safeProps {
				props[k] = v
			}
			props[key] = bad
			d := NewRootDetector(Deps{Props: props, Logger: quietLogger()}, newRunner(), 0)

			found, err := d.CheckDangerousProps(context.Background())
			require.NoError(t, err)
			assert.True(t, found)
		})
	}
}

// TestRootDetector_RWSystem 测试挂载表与 mount 命令回退
func TestRootDetector_RWSystem(t *testing.T) {
	ro := afero.NewReadOnlyFs(afero.NewMemMapFs())
	ctx := context.Background()

	d := NewRootDetector(Deps{
		FS:     ro,
		Proc:   &fakeProc{mounts: []*procfs.MountInfo{mount("/system", "/dev/block/system", "ext4", "rw")}},
		Logger: quietLogger(),
	}, newRunner(), 0)
	rw, err := d.CheckRWSystem(ctx)
	require.NoError(t, err)
	assert.True(t, rw)

	d = NewRootDetector(Deps{
		FS:     ro,
		Proc:   &fakeProc{err: platform.ErrUnavailable},
		Runner: &fakeRunner{outputs: map[string]string{"mount": "/dev/block/system on /system type ext4 (rw,seclabel,relatime)\n"}},
		Logger: quietLogger(),
	}, newRunner(), 0)
	rw, err = d.CheckRWSystem(ctx)
	require.NoError(t, err)
	assert.True(t, rw)

	d = NewRootDetector(Deps{FS: ro, Proc: &fakeProc{err: platform.ErrUnavailable}, Logger: quietLogger()}, newRunner(), 0)
	_, err = d.CheckRWSystem(ctx)
	assert.ErrorIs(t, err, platform.ErrUnavailable)
}

// TestRootDetector_RWSystemWriteProbe 测试可写 /system 被写入探测识别
func TestRootDetector_RWSystemWriteProbe(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/system/bin", 0o755))
	d := NewRootDetector(Deps{FS: fs, Logger: quietLogger()}, newRunner(), 0)

	rw, err := d.CheckRWSystem(context.Background())
	require.NoError(t, err)
	assert.True(t, rw)

	entries, err := afero.ReadDir(fs, "/system")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "probe file must be removed")
}

// TestParseMountRW 测试 mount 输出解析
func TestParseMountRW(t *testing.T) {
	assert.True(t, ParseMountRW("/dev/block/sda on /system type ext4 (rw,relatime)", "/system"))
	assert.True(t, ParseMountRW("/dev/block/sda /system ext4 rw,seclabel 0 0", "/system"))
	assert.False(t, ParseMountRW("/dev/block/sda on /system type ext4 (ro,relatime)", "/system"))
	assert.False(t, ParseMountRW("/dev/block/sdb on /data type ext4 (rw)", "/system"))
}

// TestRootDetector_SuCommandAndMounts 测试 su 命令与可疑挂载
func TestRootDetector_SuCommandAndMounts(t *testing.T) {
	ctx := context.Background()

	d := NewRootDetector(Deps{
		Runner: &fakeRunner{outputs: map[string]string{"which su": "/system/xbin/su\n"}},
		Logger: quietLogger(),
	}, newRunner(), 0)
	found, err := d.CheckSuCommand(ctx)
	require.NoError(t, err)
	assert.True(t, found)

	d = NewRootDetector(Deps{
		Runner: &fakeRunner{outputs: map[string]string{"su -c id": "uid=0(root)"}, errs: map[string]error{"which su": assert.AnError}},
		Logger: quietLogger(),
	}, newRunner(), 0)
	found, err = d.CheckSuCommand(ctx)
	require.NoError(t, err)
	assert.True(t, found)

	d = NewRootDetector(Deps{
		Proc:   &fakeProc{mounts: []*procfs.MountInfo{mount("/system/bin", "magisk", "tmpfs", "ro")}},
		Logger: quietLogger(),
	}, newRunner(), 0)
	found, err = d.CheckSuspiciousMounts(ctx)
	require.NoError(t, err)
	assert.True(t, found)
}

// TestRootDetector_WeakSignalsCombine 测试多个弱信号累加达到阈值
func TestRootDetector_WeakSignalsCombine(t *testing.T) {
	deps := cleanRootDeps(t, afero.NewMemMapFs())
	deps.Props = platform.StaticProperties{
		"ro.secure":     "1",
		"ro.build.tags": "release-keys",
		"ro.build.user": "unofficial-builder",
	}
	d := NewRootDetector(deps, newRunner(), 0)
	assert.Equal(t, 1, d.RootScore(context.Background()))
	assert.False(t, d.AdvancedRootCheck(context.Background()))

	deps.Props = platform.StaticProperties{"ro.build.tags": "test-keys", "ro.build.user": "root"}
	d = NewRootDetector(deps, newRunner(), 0)
	// test-keys 同时触发 dangerous_props(2) 与 build_tags(1)，另有 build_user(1)
	assert.Equal(t, 4, d.RootScore(context.Background()))
	assert.True(t, d.AdvancedRootCheck(context.Background()))
}

// TestRootDetector_ProbeFailureDoesNotAbort 测试单个探针失败不影响其他探针
func TestRootDetector_ProbeFailureDoesNotAbort(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, "/system/xbin/su", []byte("su"), 0o755))
	deps := cleanRootDeps(t, base)

	registry := new(MockRegistry)
	registry.On("IsInstalled", mock.Anything).Run(func(mock.Arguments) { panic("binder died") })
	deps.Packages = registry
	deps.Props = nil

	d := NewRootDetector(deps, newRunner(), 0)
	assert.True(t, d.IsDeviceRooted(context.Background()))
	assert.Equal(t, 3, d.RootScore(context.Background()))
}
