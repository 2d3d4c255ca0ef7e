package dao

import (
	"context"

	"study-engine/internal/model"

	"gorm.io/gorm"
)

type GroupResultDao struct {
	crud[model.GroupResult]
}

// FindStarted batch 下所有 STARTED 的 group，老的在前
func (d GroupResultDao) FindStarted(ctx context.Context, batchID uint) ([]model.GroupResult, error) {
	return d.FindAllBy(ctx, "batch_id = ? AND state = ?", batchID, model.GroupStateStarted)
}

// FindWithMembers 带上全部成员关系
func (d GroupResultDao) FindWithMembers(ctx context.Context, id uint) (*model.GroupResult, error) {
	var g model.GroupResult
	err := d.conn(ctx).
		Preload("Memberships", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&g, id).Error
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (d GroupResultDao) CountActive(ctx context.Context, groupID uint) (int64, error) {
	var n int64
	err := d.conn(ctx).Model(&model.GroupMembership{}).
		Where("group_result_id = ? AND active = ?", groupID, true).
		Count(&n).Error
	return n, err
}

// CountAll 活跃加历史
func (d GroupResultDao) CountAll(ctx context.Context, groupID uint) (int64, error) {
	var n int64
	err := d.conn(ctx).Model(&model.GroupMembership{}).
		Where("group_result_id = ?", groupID).
		Count(&n).Error
	return n, err
}

// HasMembership 不论活跃还是历史
func (d GroupResultDao) HasMembership(ctx context.Context, groupID, runID uint) (bool, error) {
	var n int64
	err := d.conn(ctx).Model(&model.GroupMembership{}).
		Where("group_result_id = ? AND study_run_id = ?", groupID, runID).
		Count(&n).Error
	return n > 0, err
}

// ActiveMembership study run 当前的活跃成员关系，没有返回 ErrNotFound
func (d GroupResultDao) ActiveMembership(ctx context.Context, runID uint) (*model.GroupMembership, error) {
	var m model.GroupMembership
	err := d.conn(ctx).Where("study_run_id = ? AND active = ?", runID, true).First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ActiveMemberIDs group 的活跃成员 study run id
func (d GroupResultDao) ActiveMemberIDs(ctx context.Context, groupID uint) ([]uint, error) {
	var ids []uint
	err := d.conn(ctx).Model(&model.GroupMembership{}).
		Where("group_result_id = ? AND active = ?", groupID, true).
		Order("id").
		Pluck("study_run_id", &ids).Error
	return ids, err
}

func (d GroupResultDao) SaveMembership(ctx context.Context, m *model.GroupMembership) error {
	return d.conn(ctx).Create(m).Error
}

func (d GroupResultDao) UpdateMembership(ctx context.Context, m *model.GroupMembership) error {
	return d.conn(ctx).Save(m).Error
}

// UpdateSessionVersioned 条件更新 group session，返回是否命中
func (d GroupResultDao) UpdateSessionVersioned(ctx context.Context, groupID uint, version int, data string) (bool, error) {
	res := d.conn(ctx).Model(&model.GroupResult{}).
		Where("id = ? AND session_version = ?", groupID, version).
		Updates(map[string]any{
			"session_data":    data,
			"session_version": version + 1,
		})
	return res.RowsAffected > 0, res.Error
}
