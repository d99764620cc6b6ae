package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raspguard/raspguard-go/internal/domain"
	"gorm.io/gorm"
)

// ReportRepository 评估历史数据访问接口
type ReportRepository interface {
	Save(ctx context.Context, report *domain.SecurityReport) error
	Latest(ctx context.Context) (*domain.SecurityReport, error)
	List(ctx context.Context, limit int) ([]domain.ReportRecord, error)
	Prune(ctx context.Context, keep int) (int64, error)
}

type reportRepository struct {
	db *gorm.DB
}

// NewReportRepository 创建评估历史仓库
func NewReportRepository(db *gorm.DB) ReportRepository {
	return &reportRepository{db: db}
}

// Save 保存一次评估
func (r *reportRepository) Save(ctx context.Context, report *domain.SecurityReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	record := &domain.ReportRecord{
		ReportID:     report.ID,
		Debugger:     report.Debugger,
		Root:         report.Root,
		Emulator:     report.Emulator,
		Tampering:    report.Tampering,
		Inconclusive: report.Inconclusive,
		Payload:      string(payload),
		CreatedAt:    report.Timestamp,
	}
	return r.db.WithContext(ctx).Create(record).Error
}

// Latest 最近一次评估
func (r *reportRepository) Latest(ctx context.Context) (*domain.SecurityReport, error) {
	var record domain.ReportRecord
	err := r.db.WithContext(ctx).Order("created_at DESC, id DESC").First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var report domain.SecurityReport
	if err := json.Unmarshal([]byte(record.Payload), &report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", record.ReportID, err)
	}
	return &report, nil
}

// List 按时间倒序列出评估摘要
func (r *reportRepository) List(ctx context.Context, limit int) ([]domain.ReportRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var records []domain.ReportRecord
	err := r.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// Prune 只保留最近 keep 条
func (r *reportRepository) Prune(ctx context.Context, keep int) (int64, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).Model(&domain.ReportRecord{}).
		Order("created_at DESC, id DESC").
		Offset(keep).
		Limit(10000).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Delete(&domain.ReportRecord{}, ids)
	return res.RowsAffected, res.Error
}
