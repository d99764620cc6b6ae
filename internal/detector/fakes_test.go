package detector

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/procfs"
	"github.com/raspguard/raspguard-go/internal/baseline"
	"github.com/raspguard/raspguard-go/internal/platform"
	"github.com/raspguard/raspguard-go/internal/probe"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newRunner() *probe.Runner {
	return probe.NewRunner(quietLogger(), probe.WithTimeout(time.Second))
}

// MockRegistry 模拟包管理器
type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) IsInstalled(ctx context.Context, name string) (bool, error) {
	args := m.Called(name)
	return args.Bool(0), args.Error(1)
}

func (m *MockRegistry) InstallerOf(ctx context.Context, name string) (string, error) {
	args := m.Called(name)
	return args.String(0), args.Error(1)
}

func (m *MockRegistry) SigningCertificates(ctx context.Context, name string) ([]*x509.Certificate, error) {
	args := m.Called(name)
	certs, _ := args.Get(0).([]*x509.Certificate)
	return certs, args.Error(1)
}

func (m *MockRegistry) PackageInfo(ctx context.Context, name string) (platform.PackageInfo, error) {
	args := m.Called(name)
	return args.Get(0).(platform.PackageInfo), args.Error(1)
}

// fakeRunner 按命令行返回固定结果，未登记的命令视为不存在
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	if err, ok := f.errs[key]; ok {
		return f.outputs[key], err
	}
	if out, ok := f.outputs[key]; ok {
		return out, nil
	}
	return "", platform.ErrUnavailable
}

// fakeProc 固定的 procfs 视图
type fakeProc struct {
	maps      []*procfs.ProcMap
	mounts    []*procfs.MountInfo
	tracerPid int
	err       error
}

func (f *fakeProc) Maps() ([]*procfs.ProcMap, error)     { return f.maps, f.err }
func (f *fakeProc) Mounts() ([]*procfs.MountInfo, error) { return f.mounts, f.err }
func (f *fakeProc) TracerPid() (int, error)              { return f.tracerPid, f.err }

func mount(point, source, fstype string, opts ...string) *procfs.MountInfo {
	m := &procfs.MountInfo{MountPoint: point, Source: source, FSType: fstype, Options: map[string]string{}}
	for _, o := range opts {
		m.Options[o] = ""
	}
	return m
}

// fakeBridge 可配置的原生边界
type fakeBridge struct {
	debugger    bool
	emulator    bool
	intact      bool
	root        bool
	breakpoints bool
	rwx         int
}

func (f *fakeBridge) DebuggerPresent() bool          { return f.debugger }
func (f *fakeBridge) EmulatorPresent() bool          { return f.emulator }
func (f *fakeBridge) DecryptConstant(string) string  { return "" }
func (f *fakeBridge) IntegritySelfCheck() bool       { return f.intact }
func (f *fakeBridge) HardenProcess()                 {}
func (f *fakeBridge) RootCheck() bool                { return f.root }
func (f *fakeBridge) ScanBreakpoints() bool          { return f.breakpoints }
func (f *fakeBridge) WritableExecutableRegions() int { return f.rwx }

// memBaseline 内存基线
type memBaseline map[string]baseline.Digest

func (m memBaseline) Load(ctx context.Context, name string) (baseline.Digest, bool) {
	d, ok := m[name]
	return d, ok
}

// fakeLoader 固定的加载器身份
type fakeLoader struct {
	identity platform.LoaderIdentity
	err      error
}

func (f fakeLoader) Inspect(ctx context.Context) (platform.LoaderIdentity, error) {
	return f.identity, f.err
}

// selfSignedCert 生成指定 CN 的自签名证书
func selfSignedCert(t *testing.T, cn string) *x509.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"Android"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
