package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/raspguard/raspguard-go/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// BaselineRepository 基线密文数据访问接口
type BaselineRepository interface {
	Upsert(ctx context.Context, name string, ciphertext []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
	Names(ctx context.Context) ([]string, error)
}

type baselineRepository struct {
	db *gorm.DB
}

// NewBaselineRepository 创建基线仓库
func NewBaselineRepository(db *gorm.DB) BaselineRepository {
	return &baselineRepository{db: db}
}

// Upsert 写入或覆盖
func (r *baselineRepository) Upsert(ctx context.Context, name string, ciphertext []byte) error {
	record := &domain.BaselineRecord{Name: name, Ciphertext: ciphertext}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "updated_at"}),
		}).
		Create(record).Error
	if err != nil {
		return fmt.Errorf("upsert baseline %s: %w", name, err)
	}
	return nil
}

// Get 读取密文
func (r *baselineRepository) Get(ctx context.Context, name string) ([]byte, error) {
	var record domain.BaselineRecord
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get baseline %s: %w", name, err)
	}
	return record.Ciphertext, nil
}

// Delete 删除基线
func (r *baselineRepository) Delete(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).Where("name = ?", name).Delete(&domain.BaselineRecord{}).Error
}

// Names 已存储的基线名称
func (r *baselineRepository) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).Model(&domain.BaselineRecord{}).Order("name").Pluck("name", &names).Error
	return names, err
}
