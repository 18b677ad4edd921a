package repository

import (
	"context"
	"errors"
	"time"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrScanNotFound 扫描记录不存在
var ErrScanNotFound = errors.New("scan not found")

// ListFilter 列表查询条件
type ListFilter struct {
	Page     int
	PageSize int
	Status   domain.ScanStatus // 为空表示不过滤
	DeviceID string
}

type ScanRepository interface {
	Create(ctx context.Context, record *domain.ScanRecord) error
	Update(ctx context.Context, record *domain.ScanRecord) error
	FindByID(ctx context.Context, id string) (*domain.ScanRecord, error)
	List(ctx context.Context, filter ListFilter) ([]*domain.ScanRecord, int64, error)
	ListByStatus(ctx context.Context, statuses ...domain.ScanStatus) ([]*domain.ScanRecord, error)
	Delete(ctx context.Context, id string) error
	// 只在当前状态为 from 之一时更新，返回是否更新成功
	TransitionStatus(ctx context.Context, id string, to domain.ScanStatus, from ...domain.ScanStatus) (bool, error)
	GetStatusCounts(ctx context.Context) (map[domain.ScanStatus]int64, int64, error)
}

type scanRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewScanRepository(db *gorm.DB, logger *logrus.Logger) ScanRepository {
	return &scanRepo{
		db:     db,
		logger: logger,
	}
}

func (r *scanRepo) Create(ctx context.Context, record *domain.ScanRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Status == "" {
		record.Status = domain.ScanStatusQueued
	}
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *scanRepo) Update(ctx context.Context, record *domain.ScanRecord) error {
	err := r.db.WithContext(ctx).
		Model(record).
		Select("status", "device_id", "overall_score", "overall_level",
			"critical_count", "high_count", "medium_count", "low_count", "failed_phases",
			"report_json", "error_message", "started_at", "completed_at").
		Updates(record).Error

	if err != nil {
		r.logger.WithError(err).WithField("scan_id", record.ID).Error("Scan update failed")
	}
	return err
}

func (r *scanRepo) FindByID(ctx context.Context, id string) (*domain.ScanRecord, error) {
	var record domain.ScanRecord
	err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *scanRepo) List(ctx context.Context, filter ListFilter) ([]*domain.ScanRecord, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 200 {
		filter.PageSize = 20
	}

	// Count 之后的链不可复用，每次重新构建
	scoped := func() *gorm.DB {
		query := r.db.WithContext(ctx).Model(&domain.ScanRecord{})
		if filter.Status != "" {
			query = query.Where("status = ?", filter.Status)
		}
		if filter.DeviceID != "" {
			query = query.Where("device_id = ?", filter.DeviceID)
		}
		return query
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 列表不加载完整报告
	var records []*domain.ScanRecord
	err := scoped().
		Omit("report_json").
		Order("created_at DESC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&records).Error

	return records, total, err
}

func (r *scanRepo) ListByStatus(ctx context.Context, statuses ...domain.ScanStatus) ([]*domain.ScanRecord, error) {
	var records []*domain.ScanRecord
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

func (r *scanRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&domain.ScanRecord{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrScanNotFound
	}

	r.logger.WithField("scan_id", id).Info("Deleted scan record")
	return nil
}

func (r *scanRepo) TransitionStatus(ctx context.Context, id string, to domain.ScanStatus, from ...domain.ScanStatus) (bool, error) {
	updates := map[string]interface{}{"status": to}
	now := time.Now().UTC()
	switch {
	case to == domain.ScanStatusRunning:
		updates["started_at"] = now
	case to.IsFinal():
		updates["completed_at"] = now
	}

	query := r.db.WithContext(ctx).Model(&domain.ScanRecord{}).Where("id = ?", id)
	if len(from) > 0 {
		query = query.Where("status IN ?", from)
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetStatusCounts 各状态扫描数量（数据库聚合）
func (r *scanRepo) GetStatusCounts(ctx context.Context) (map[domain.ScanStatus]int64, int64, error) {
	type statusCount struct {
		Status domain.ScanStatus
		Count  int64
	}

	var results []statusCount
	err := r.db.WithContext(ctx).
		Model(&domain.ScanRecord{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, 0, err
	}

	counts := map[domain.ScanStatus]int64{
		domain.ScanStatusQueued:    0,
		domain.ScanStatusRunning:   0,
		domain.ScanStatusCompleted: 0,
		domain.ScanStatusCancelled: 0,
		domain.ScanStatusFailed:    0,
	}

	var total int64
	for _, c := range results {
		counts[c.Status] = c.Count
		total += c.Count
	}
	return counts, total, nil
}
