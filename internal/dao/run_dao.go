package dao

import (
	"context"
	"errors"
	"time"

	"study-engine/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStaleVersion 乐观锁版本号不匹配，别的请求先改了
var ErrStaleVersion = errors.New("stale version")

type StudyRunDao struct {
	crud[model.StudyRun]
}

func (d StudyRunDao) FindByUUID(ctx context.Context, uuid string) (*model.StudyRun, error) {
	return d.FindOneBy(ctx, "uuid = ?", uuid)
}

// FindWithComponentRuns 带上按序排列的 component runs
func (d StudyRunDao) FindWithComponentRuns(ctx context.Context, id uint) (*model.StudyRun, error) {
	var run model.StudyRun
	err := d.conn(ctx).
		Preload("ComponentRuns", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("ComponentRuns.Files").
		First(&run, id).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (d StudyRunDao) FindAllByStudy(ctx context.Context, studyID uint) ([]model.StudyRun, error) {
	return d.FindAllBy(ctx, "study_id = ?", studyID)
}

func (d StudyRunDao) FindAllByBatch(ctx context.Context, batchID uint) ([]model.StudyRun, error) {
	return d.FindAllBy(ctx, "batch_id = ?", batchID)
}

// FindAllByWorker worker 的 run 历史，按创建顺序
func (d StudyRunDao) FindAllByWorker(ctx context.Context, workerID uint) ([]model.StudyRun, error) {
	return d.FindAllBy(ctx, "worker_id = ?", workerID)
}

// CountOtherWorkers batch 中除 workerID 以外做过 run 的 worker 数
func (d StudyRunDao) CountOtherWorkers(ctx context.Context, batchID, workerID uint) (int64, error) {
	var n int64
	err := d.conn(ctx).Model(&model.StudyRun{}).
		Where("batch_id = ? AND worker_id <> ?", batchID, workerID).
		Distinct("worker_id").
		Count(&n).Error
	return n, err
}

// UpdateVersioned 带版本号检查的整体更新，版本不匹配返回 ErrStaleVersion
func (d StudyRunDao) UpdateVersioned(ctx context.Context, run *model.StudyRun) error {
	old := run.Version
	run.Version = old + 1
	res := d.conn(ctx).Model(run).
		Where("version = ?", old).
		Select("*").
		Omit("id", "created_at", clause.Associations).
		Updates(run)
	if res.Error != nil {
		run.Version = old
		return res.Error
	}
	if res.RowsAffected == 0 {
		run.Version = old
		return ErrStaleVersion
	}
	return nil
}

// Touch 只刷新 last_seen，不动版本号
func (d StudyRunDao) Touch(ctx context.Context, id uint, at time.Time) error {
	return d.conn(ctx).Model(&model.StudyRun{}).Where("id = ?", id).
		UpdateColumn("last_seen", at).Error
}

type ComponentRunDao struct {
	crud[model.ComponentRun]
}

// FindByStudyRun 按序列位置排序
func (d ComponentRunDao) FindByStudyRun(ctx context.Context, runID uint) ([]model.ComponentRun, error) {
	var out []model.ComponentRun
	err := d.conn(ctx).Where("study_run_id = ?", runID).Order("position").Find(&out).Error
	return out, err
}

func (d ComponentRunDao) FindAllByComponent(ctx context.Context, componentID uint) ([]model.ComponentRun, error) {
	return d.FindAllBy(ctx, "component_id = ?", componentID)
}

// Last study run 序列中的最后一个
func (d ComponentRunDao) Last(ctx context.Context, runID uint) (*model.ComponentRun, error) {
	var out model.ComponentRun
	err := d.conn(ctx).Where("study_run_id = ?", runID).Order("position DESC").First(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveWithFiles 连同文件元数据一起删除
func (d ComponentRunDao) RemoveWithFiles(ctx context.Context, cr *model.ComponentRun) error {
	if err := d.conn(ctx).Where("component_run_id = ?", cr.ID).Delete(&model.ComponentRunFile{}).Error; err != nil {
		return err
	}
	return d.Remove(ctx, cr)
}

// AddFile 记录上传文件
func (d ComponentRunDao) AddFile(ctx context.Context, f *model.ComponentRunFile) error {
	return d.conn(ctx).Create(f).Error
}

// ClearData 清空一个 study run 的全部结果数据
func (d ComponentRunDao) ClearData(ctx context.Context, runID uint) error {
	return d.conn(ctx).Model(&model.ComponentRun{}).
		Where("study_run_id = ?", runID).
		Update("data", "").Error
}

// FindLive worker 在该 batch 下还没结束的 run，最新的优先
func (d StudyRunDao) FindLive(ctx context.Context, workerID, batchID uint) (*model.StudyRun, error) {
	var run model.StudyRun
	err := d.conn(ctx).
		Where("worker_id = ? AND batch_id = ? AND state IN ?", workerID, batchID, []model.RunState{
			model.RunStatePre, model.RunStateStarted, model.RunStateDataRetrieved,
		}).
		Order("id DESC").
		First(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}
