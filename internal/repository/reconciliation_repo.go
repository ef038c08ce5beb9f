package repository

import (
	"context"
	"time"

	"payledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReconciliationRepository struct {
	db *gorm.DB
}

func NewReconciliationRepository(db *gorm.DB) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

func (r *ReconciliationRepository) CreateAlert(ctx context.Context, tx *gorm.DB, alert *model.ReconciliationAlert) error {
	return conn(r.db, tx).WithContext(ctx).Create(alert).Error
}

// ListAlerts resolved 为空时不过滤
func (r *ReconciliationRepository) ListAlerts(ctx context.Context, resolved *bool, kind string, p Page) ([]*model.ReconciliationAlert, int64, error) {
	p = p.Normalize()
	var alerts []*model.ReconciliationAlert
	var total int64

	query := r.db.WithContext(ctx).Model(&model.ReconciliationAlert{})
	if resolved != nil {
		query = query.Where("resolved = ?", *resolved)
	}
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("id DESC").
		Offset(p.Offset()).
		Limit(p.PageSize).
		Find(&alerts).Error
	return alerts, total, err
}

func (r *ReconciliationRepository) GetAlert(ctx context.Context, id int64) (*model.ReconciliationAlert, error) {
	var a model.ReconciliationAlert
	if err := r.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// ResolveAlert 标记已处理，只记录人工处理结果，不修改余额
func (r *ReconciliationRepository) ResolveAlert(ctx context.Context, id int64, resolvedBy string, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&model.ReconciliationAlert{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_by": resolvedBy,
			"resolved_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LastRun 上次对账时间，首次运行返回 nil
func (r *ReconciliationRepository) LastRun(ctx context.Context, name string) (*time.Time, error) {
	var c model.ReconcileCursor
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&c).Error
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &c.LastRunAt, nil
}

func (r *ReconciliationRepository) SaveRun(ctx context.Context, name string, at time.Time) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_run_at"}),
		}).
		Create(&model.ReconcileCursor{Name: name, LastRunAt: at}).Error
}
