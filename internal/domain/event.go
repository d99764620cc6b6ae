package domain

import "time"

// ThreatEvent HandleThreat 对外发布的事件
type ThreatEvent struct {
	EventID   string             `json:"event_id"`
	Threat    ThreatType         `json:"threat"`
	ReportID  string             `json:"report_id,omitempty"`
	Package   string             `json:"package,omitempty"`
	Scores    map[ThreatType]int `json:"scores,omitempty"`
	Enforced  bool               `json:"enforced"`
	Timestamp time.Time          `json:"timestamp"`
}
