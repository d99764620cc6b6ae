package detector

import (
	"context"
	"testing"
	"time"

	"github.com/raspguard/raspguard-go/internal/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedLoop(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

// TestDebuggerDetector_Clean 测试无调试器
func TestDebuggerDetector_Clean(t *testing.T) {
	registry := new(MockRegistry)
	registry.On("PackageInfo", testPackage).Return(platform.PackageInfo{Name: testPackage}, nil)
	deps := Deps{Packages: registry, Proc: &fakeProc{}, Native: &fakeBridge{intact: true}, Logger: quietLogger()}

	d := NewDebuggerDetector(deps, testPackage, newRunner(), 0).WithTiming(fixedLoop(time.Microsecond), DefaultTimingBudget)
	assert.False(t, d.IsDebuggerAttached(context.Background()))
}

// TestDebuggerDetector_TracerPid 测试 TracerPid 单独即达到阈值
func TestDebuggerDetector_TracerPid(t *testing.T) {
	deps := Deps{Proc: &fakeProc{tracerPid: 31337}, Logger: quietLogger()}
	d := NewDebuggerDetector(deps, testPackage, newRunner(), 0).WithTiming(fixedLoop(0), DefaultTimingBudget)

	fired, err := d.CheckTracerPid(context.Background())
	require.NoError(t, err)
	assert.True(t, fired)
	assert.True(t, d.IsDebuggerAttached(context.Background()))
}

// TestDebuggerDetector_WeakSignals 测试可调试标记与计时异常叠加
func TestDebuggerDetector_WeakSignals(t *testing.T) {
	registry := new(MockRegistry)
	registry.On("PackageInfo", testPackage).Return(platform.PackageInfo{Name: testPackage, Debuggable: true}, nil)
	deps := Deps{Packages: registry, Proc: &fakeProc{}, Native: &fakeBridge{}, Logger: quietLogger()}
	ctx := context.Background()

	d := NewDebuggerDetector(deps, testPackage, newRunner(), 0).WithTiming(fixedLoop(0), DefaultTimingBudget)
	assert.False(t, d.IsDebuggerAttached(ctx))

	d = NewDebuggerDetector(deps, testPackage, newRunner(), 0).WithTiming(fixedLoop(5*time.Millisecond), DefaultTimingBudget)
	assert.True(t, d.IsDebuggerAttached(ctx))
}

// TestDebuggerDetector_Native 测试原生检测
func TestDebuggerDetector_Native(t *testing.T) {
	deps := Deps{Native: &fakeBridge{debugger: true}, Logger: quietLogger()}
	d := NewDebuggerDetector(deps, "", newRunner(), 0)

	fired, err := d.CheckNativeDebugger(context.Background())
	require.NoError(t, err)
	assert.True(t, fired)

	_, err = d.CheckDebuggableFlag(context.Background())
	assert.ErrorIs(t, err, platform.ErrUnavailable)
}

// TestTimedLoop 测试默认负载可测量
func TestTimedLoop(t *testing.T) {
	assert.GreaterOrEqual(t, timedLoop(), time.Duration(0))
}

// TestTimedLoop_WithinBudget 测试未被调试时真实计时循环远低于预算
func TestTimedLoop_WithinBudget(t *testing.T) {
	fastest := timedLoop()
	for i := 0; i < 4; i++ {
		if d := timedLoop(); d < fastest {
			fastest = d
		}
	}
	assert.Less(t, fastest, DefaultTimingBudget/10)
}
