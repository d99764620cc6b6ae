package domain

import (
	"fmt"
	"strings"
	"time"
)

// ThreatType 威胁家族
type ThreatType string

const (
	ThreatDebugger  ThreatType = "debugger"
	ThreatRoot      ThreatType = "root"
	ThreatEmulator  ThreatType = "emulator"
	ThreatTampering ThreatType = "tampering"
)

// AllThreats 固定的评估顺序
var AllThreats = []ThreatType{ThreatDebugger, ThreatRoot, ThreatEmulator, ThreatTampering}

func (t ThreatType) String() string {
	return string(t)
}

// ParseThreatType 解析威胁类型（大小写不敏感）
func ParseThreatType(s string) (ThreatType, error) {
	t := ThreatType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllThreats {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown threat type %q", s)
}

// ProbeStatus 单个探针的结论
type ProbeStatus string

const (
	ProbeDetected     ProbeStatus = "detected"
	ProbeClean        ProbeStatus = "clean"
	ProbeInconclusive ProbeStatus = "inconclusive" // 探针失败或超时，按未检出计分
)

// Evidence 一个已触发探针产生的证据
type Evidence struct {
	Name        string     `json:"name"`
	Family      ThreatType `json:"family"`
	Description string     `json:"description,omitempty"`
	Weight      int        `json:"weight"`
}

// ProbeOutcome 一次探针调用的结果
type ProbeOutcome struct {
	Probe    string        `json:"probe"`
	Family   ThreatType    `json:"family"`
	Status   ProbeStatus   `json:"status"`
	Weight   int           `json:"weight"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Fired 探针是否产生了证据
func (o ProbeOutcome) Fired() bool {
	return o.Status == ProbeDetected
}

// Evidence 将已触发的结果转为证据，未触发返回 false
func (o ProbeOutcome) Evidence() (Evidence, bool) {
	if !o.Fired() {
		return Evidence{}, false
	}
	return Evidence{Name: o.Probe, Family: o.Family, Weight: o.Weight}, true
}
