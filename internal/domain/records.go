package domain

import "time"

// BaselineRecord 加密的基线摘要，每个名称一行
type BaselineRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Name       string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"name"`
	Ciphertext []byte    `gorm:"type:blob;not null" json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (BaselineRecord) TableName() string {
	return "baseline_records"
}

// ReportRecord 评估历史
type ReportRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ReportID     string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"report_id"`
	Debugger     bool      `gorm:"default:false" json:"debugger"`
	Root         bool      `gorm:"default:false" json:"root"`
	Emulator     bool      `gorm:"default:false" json:"emulator"`
	Tampering    bool      `gorm:"default:false" json:"tampering"`
	Inconclusive bool      `gorm:"default:false" json:"inconclusive"`
	Payload      string    `gorm:"type:text" json:"-"` // SecurityReport JSON
	CreatedAt    time.Time `gorm:"index;not null" json:"created_at"`
}

func (ReportRecord) TableName() string {
	return "report_records"
}
