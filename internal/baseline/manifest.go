package baseline

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Manifest 可信安装包的基线清单
type Manifest struct {
	Package      string            `yaml:"package"`
	Version      string            `yaml:"version,omitempty"`
	GeneratedAt  time.Time         `yaml:"generated_at"`
	Fingerprints []string          `yaml:"fingerprints"`
	Digests      map[string]string `yaml:"digests"` // 名称 -> hex
}

// LoadManifest 读取 YAML 清单
func LoadManifest(fs afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Digests == nil {
		m.Digests = map[string]string{}
	}
	return &m, nil
}

// Save 写入 YAML 清单
func (m *Manifest) Save(fs afero.Fs, path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0o600)
}

// SetDigest 记录摘要
func (m *Manifest) SetDigest(name string, d Digest) {
	if m.Digests == nil {
		m.Digests = map[string]string{}
	}
	m.Digests[name] = d.String()
}
