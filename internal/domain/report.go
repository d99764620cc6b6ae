package domain

import (
	"time"
)

// SecurityReport 一次评估的聚合结论，构造后不可修改
type SecurityReport struct {
	ID           string             `json:"id"`
	Timestamp    time.Time          `json:"timestamp"`
	Debugger     bool               `json:"debugger"`
	Root         bool               `json:"root"`
	Emulator     bool               `json:"emulator"`
	Tampering    bool               `json:"tampering"`
	Scores       map[ThreatType]int `json:"scores"`
	Thresholds   map[ThreatType]int `json:"thresholds"`
	Outcomes     []ProbeOutcome     `json:"outcomes"`
	Inconclusive bool               `json:"inconclusive"` // 至少一个探针未能给出结论
}

// Detected 指定家族是否判定为威胁
func (r *SecurityReport) Detected(t ThreatType) bool {
	switch t {
	case ThreatDebugger:
		return r.Debugger
	case ThreatRoot:
		return r.Root
	case ThreatEmulator:
		return r.Emulator
	case ThreatTampering:
		return r.Tampering
	}
	return false
}

// Threats 已判定的威胁，按固定顺序
func (r *SecurityReport) Threats() []ThreatType {
	var out []ThreatType
	for _, t := range AllThreats {
		if r.Detected(t) {
			out = append(out, t)
		}
	}
	return out
}

// IsSecure 没有任何家族被判定
func (r *SecurityReport) IsSecure() bool {
	return len(r.Threats()) == 0
}

// Evidence 所有已触发的证据
func (r *SecurityReport) Evidence() []Evidence {
	var out []Evidence
	for _, o := range r.Outcomes {
		if e, ok := o.Evidence(); ok {
			out = append(out, e)
		}
	}
	return out
}

// Clone 深拷贝，供监听者和 API 使用
func (r *SecurityReport) Clone() *SecurityReport {
	if r == nil {
		return nil
	}
	c := *r
	c.Scores = make(map[ThreatType]int, len(r.Scores))
	for k, v := range r.Scores {
		c.Scores[k] = v
	}
	c.Thresholds = make(map[ThreatType]int, len(r.Thresholds))
	for k, v := range r.Thresholds {
		c.Thresholds[k] = v
	}
	c.Outcomes = append([]ProbeOutcome(nil), r.Outcomes...)
	return &c
}
