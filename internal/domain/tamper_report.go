package domain

import "time"

// TamperReport 完整性细分结果，每个字段为 true 表示该项完好
type TamperReport struct {
	SignatureValid   bool      `json:"signature_valid"`
	CertificateMatch bool      `json:"certificate_match"`
	PackageIntact    bool      `json:"package_intact"`
	NoHookLibraries  bool      `json:"no_hook_libraries"`
	AppDirClean      bool      `json:"app_dir_clean"`
	NativeIntact     bool      `json:"native_intact"`
	LoaderIntact     bool      `json:"loader_intact"`
	InstallerTrusted bool      `json:"installer_trusted"`
	Timestamp        time.Time `json:"timestamp"`
}

// IsAppIntact 除安装来源外全部完好；侧载本身不视为篡改
func (r TamperReport) IsAppIntact() bool {
	return r.SignatureValid &&
		r.CertificateMatch &&
		r.PackageIntact &&
		r.NoHookLibraries &&
		r.AppDirClean &&
		r.NativeIntact &&
		r.LoaderIntact
}

// TamperCount 八个字段中为 false 的数量
func (r TamperReport) TamperCount() int {
	count := 0
	for _, ok := range []bool{
		r.SignatureValid,
		r.CertificateMatch,
		r.PackageIntact,
		r.NoHookLibraries,
		r.AppDirClean,
		r.NativeIntact,
		r.LoaderIntact,
		r.InstallerTrusted,
	} {
		if !ok {
			count++
		}
	}
	return count
}
