package infrastructure

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"storelogic/internal/service/logic/domain"
)

// GormScriptRepository 是 ScriptRepository 的 GORM 实现 (MySQL)。
type GormScriptRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormScriptRepository 创建一个新的 GORM 仓储实例
func NewGormScriptRepository(db *gorm.DB) *GormScriptRepository {
	return &GormScriptRepository{db: db, now: time.Now}
}

// AutoMigrate 建表并创建 (distributor_id, trigger_point, sequence_order) 唯一索引。
func (r *GormScriptRepository) AutoMigrate(ctx context.Context) error {
	return errors.Wrap(r.db.WithContext(ctx).AutoMigrate(&LogicScriptModel{}), "auto migrate logic_script")
}

func (r *GormScriptRepository) Create(ctx context.Context, script *domain.LogicScript) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 锁住分组内已有的行，避免两个并发创建拿到同一个 max
		var maxOrder sql.NullInt64
		err := tx.Model(&LogicScriptModel{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("MAX(sequence_order)").
			Where("distributor_id = ? AND trigger_point = ?", script.DistributorID, string(script.TriggerPoint)).
			Scan(&maxOrder).Error
		if err != nil {
			return errors.Wrap(err, "query max sequence_order")
		}

		model := FromDomainScript(script)
		model.ID = 0
		model.SequenceOrder = int(maxOrder.Int64) + 1
		if err := tx.Create(model).Error; err != nil {
			return errors.Wrap(err, "insert logic_script")
		}
		script.ID = model.ID
		script.SequenceOrder = model.SequenceOrder
		return nil
	})
}

func (r *GormScriptRepository) Get(ctx context.Context, distributorID string, id int64) (*domain.LogicScript, error) {
	model, err := r.find(r.db.WithContext(ctx), distributorID, id)
	if err != nil {
		return nil, err
	}
	return ToDomainScript(model), nil
}

func (r *GormScriptRepository) find(tx *gorm.DB, distributorID string, id int64) (*LogicScriptModel, error) {
	var model LogicScriptModel
	err := tx.Where("id = ? AND distributor_id = ?", id, distributorID).First(&model).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &domain.NotFoundError{DistributorID: distributorID, ID: id}
		}
		return nil, errors.Wrapf(err, "load logic_script %d", id)
	}
	return &model, nil
}

func (r *GormScriptRepository) List(ctx context.Context, distributorID string) ([]*domain.LogicScript, error) {
	var models []LogicScriptModel
	if err := r.db.WithContext(ctx).Where("distributor_id = ?", distributorID).Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list logic_script")
	}
	return ToDomainScripts(models), nil
}

func (r *GormScriptRepository) ListActive(ctx context.Context, group domain.GroupKey) ([]*domain.LogicScript, error) {
	var models []LogicScriptModel
	err := r.db.WithContext(ctx).
		Where("distributor_id = ? AND trigger_point = ? AND active = ?", group.DistributorID, string(group.TriggerPoint), true).
		Order("sequence_order ASC").
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrapf(err, "list active scripts of %s", group)
	}
	return ToDomainScripts(models), nil
}

func (r *GormScriptRepository) Update(ctx context.Context, distributorID string, id int64, patch domain.ScriptPatch) (*domain.LogicScript, error) {
	var updated *domain.LogicScript
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := r.find(tx.Clauses(clause.Locking{Strength: "UPDATE"}), distributorID, id)
		if err != nil {
			return err
		}
		script := ToDomainScript(model)
		patch.Apply(script, r.now())

		// 使用 map 保证 active=false 这样的零值也会被写入
		updateData := map[string]interface{}{
			"active":         script.Active,
			"script_content": script.ScriptContent,
			"description":    script.Description,
			"updated_at":     script.UpdatedAt,
		}
		err = tx.Model(&LogicScriptModel{}).
			Where("id = ? AND distributor_id = ?", id, distributorID).
			Updates(updateData).Error
		if err != nil {
			return errors.Wrapf(err, "update logic_script %d", id)
		}
		updated = script
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *GormScriptRepository) Delete(ctx context.Context, distributorID string, id int64) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND distributor_id = ?", id, distributorID).
		Delete(&LogicScriptModel{})
	if result.Error != nil {
		return errors.Wrapf(result.Error, "delete logic_script %d", id)
	}
	if result.RowsAffected == 0 {
		return &domain.NotFoundError{DistributorID: distributorID, ID: id}
	}
	return nil
}

// Reorder 分两步重新编号：先把整个分组取反为负数，再逐行写入 1..n，
// 这样中间状态不会触发唯一索引冲突。任何一步失败整个事务回滚。
func (r *GormScriptRepository) Reorder(ctx context.Context, group domain.GroupKey, orderedIDs []int64) ([]*domain.LogicScript, error) {
	var result []*domain.LogicScript
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current []LogicScriptModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("distributor_id = ? AND trigger_point = ?", group.DistributorID, string(group.TriggerPoint)).
			Find(&current).Error
		if err != nil {
			return errors.Wrap(err, "load group")
		}
		if err := domain.ValidateReorder(ToDomainScripts(current), orderedIDs); err != nil {
			return err
		}

		scope := tx.Model(&LogicScriptModel{}).
			Where("distributor_id = ? AND trigger_point = ?", group.DistributorID, string(group.TriggerPoint))
		if err := scope.Update("sequence_order", gorm.Expr("-sequence_order")).Error; err != nil {
			return errors.Wrap(err, "reorder phase 1")
		}

		now := r.now()
		for i, id := range orderedIDs {
			err := tx.Model(&LogicScriptModel{}).
				Where("id = ?", id).
				Updates(map[string]interface{}{"sequence_order": i + 1, "updated_at": now}).Error
			if err != nil {
				return errors.Wrapf(err, "reorder phase 2, script %d", id)
			}
		}

		var models []LogicScriptModel
		err = tx.Where("distributor_id = ? AND trigger_point = ?", group.DistributorID, string(group.TriggerPoint)).
			Order("sequence_order ASC").
			Find(&models).Error
		if err != nil {
			return errors.Wrap(err, "reload group")
		}
		result = ToDomainScripts(models)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
