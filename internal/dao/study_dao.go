package dao

import (
	"context"

	"study-engine/internal/model"
)

type UserDao struct {
	crud[model.User]
}

func (d UserDao) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return d.FindOneBy(ctx, "username = ?", username)
}

type StudyDao struct {
	crud[model.Study]
}

func (d StudyDao) FindByUUID(ctx context.Context, uuid string) (*model.Study, error) {
	return d.FindOneBy(ctx, "uuid = ?", uuid)
}

// HasUser 操作员是否有该 study 的权限
func (d StudyDao) HasUser(ctx context.Context, studyID, userID uint) (bool, error) {
	var n int64
	err := d.conn(ctx).Table("study_users").
		Where("study_id = ? AND user_id = ?", studyID, userID).
		Count(&n).Error
	return n > 0, err
}

// AddUser 给操作员授权
func (d StudyDao) AddUser(ctx context.Context, study *model.Study, user *model.User) error {
	return d.conn(ctx).Model(study).Association("Users").Append(user)
}

// StudyIDsOfUser 操作员有权限的全部 study
func (d StudyDao) StudyIDsOfUser(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := d.conn(ctx).Table("study_users").
		Where("user_id = ?", userID).
		Pluck("study_id", &ids).Error
	return ids, err
}

type ComponentDao struct {
	crud[model.Component]
}

func (d ComponentDao) FindByUUID(ctx context.Context, uuid string) (*model.Component, error) {
	return d.FindOneBy(ctx, "uuid = ?", uuid)
}

// FindByStudy 按 Position 排好序
func (d ComponentDao) FindByStudy(ctx context.Context, studyID uint) ([]model.Component, error) {
	var out []model.Component
	err := d.conn(ctx).Where("study_id = ?", studyID).Order("position, id").Find(&out).Error
	return out, err
}

type BatchDao struct {
	crud[model.Batch]
}

func (d BatchDao) FindByUUID(ctx context.Context, uuid string) (*model.Batch, error) {
	return d.FindOneBy(ctx, "uuid = ?", uuid)
}

type StudyLinkDao struct {
	crud[model.StudyLink]
}

func (d StudyLinkDao) FindByCode(ctx context.Context, code string) (*model.StudyLink, error) {
	return d.FindOneBy(ctx, "code = ?", code)
}

type WorkerDao struct {
	crud[model.Worker]
}

// FindJatosWorker 操作员自己的 worker
func (d WorkerDao) FindJatosWorker(ctx context.Context, userID uint) (*model.Worker, error) {
	return d.FindOneBy(ctx, "type = ? AND user_id = ?", model.WorkerTypeJatos, userID)
}

// FindByBrowser 某个浏览器之前创建的该种类 worker，取最新的
func (d WorkerDao) FindByBrowser(ctx context.Context, typ model.WorkerType, browserID string) (*model.Worker, error) {
	var out model.Worker
	err := d.conn(ctx).Where("type = ? AND browser_id = ?", typ, browserID).Order("id DESC").First(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SetLastStudyRun 只改指针列，避免覆盖并发写入的其他字段
func (d WorkerDao) SetLastStudyRun(ctx context.Context, workerID uint, runID *uint) error {
	return d.conn(ctx).Model(&model.Worker{}).
		Where("id = ?", workerID).
		Update("last_study_run_id", runID).Error
}
