package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allIntact() TamperReport {
	return TamperReport{
		SignatureValid:   true,
		CertificateMatch: true,
		PackageIntact:    true,
		NoHookLibraries:  true,
		AppDirClean:      true,
		NativeIntact:     true,
		LoaderIntact:     true,
		InstallerTrusted: true,
	}
}

// TestTamperReport_AllIntact 测试全部完好
func TestTamperReport_AllIntact(t *testing.T) {
	r := allIntact()
	assert.True(t, r.IsAppIntact())
	assert.Equal(t, 0, r.TamperCount())
}

// TestTamperReport_SideloadOnly 测试仅安装来源异常不影响完整性判定
func TestTamperReport_SideloadOnly(t *testing.T) {
	r := allIntact()
	r.InstallerTrusted = false

	assert.True(t, r.IsAppIntact())
	assert.Equal(t, 1, r.TamperCount())
}

// TestTamperReport_HookAndSignature 测试多项失败计数
func TestTamperReport_HookAndSignature(t *testing.T) {
	r := allIntact()
	r.NoHookLibraries = false
	r.SignatureValid = false

	assert.False(t, r.IsAppIntact())
	assert.Equal(t, 2, r.TamperCount())
}

// TestTamperReport_NothingIntact 测试全部失败
func TestTamperReport_NothingIntact(t *testing.T) {
	var r TamperReport
	assert.False(t, r.IsAppIntact())
	assert.Equal(t, 8, r.TamperCount())
}

// TestParseThreatType 测试威胁类型解析
func TestParseThreatType(t *testing.T) {
	tt, err := ParseThreatType(" Root ")
	require.NoError(t, err)
	assert.Equal(t, ThreatRoot, tt)

	_, err = ParseThreatType("malware")
	assert.Error(t, err)
}

// TestSecurityReport_Threats 测试报告威胁列表与证据
func TestSecurityReport_Threats(t *testing.T) {
	r := &SecurityReport{
		Root:      true,
		Tampering: true,
		Outcomes: []ProbeOutcome{
			{Probe: "su_binary", Family: ThreatRoot, Status: ProbeDetected, Weight: 3},
			{Probe: "build_tags", Family: ThreatRoot, Status: ProbeClean, Weight: 1},
			{Probe: "hook_libraries", Family: ThreatTampering, Status: ProbeInconclusive, Weight: 3},
		},
	}

	assert.Equal(t, []ThreatType{ThreatRoot, ThreatTampering}, r.Threats())
	assert.False(t, r.IsSecure())

	evidence := r.Evidence()
	require.Len(t, evidence, 1)
	assert.Equal(t, "su_binary", evidence[0].Name)
	assert.Equal(t, 3, evidence[0].Weight)
}

// TestSecurityReport_Clone 测试拷贝互不影响
func TestSecurityReport_Clone(t *testing.T) {
	r := &SecurityReport{
		Scores:   map[ThreatType]int{ThreatRoot: 3},
		Outcomes: []ProbeOutcome{{Probe: "a"}},
	}
	c := r.Clone()
	c.Scores[ThreatRoot] = 0
	c.Outcomes[0].Probe = "b"

	assert.Equal(t, 3, r.Scores[ThreatRoot])
	assert.Equal(t, "a", r.Outcomes[0].Probe)
}
