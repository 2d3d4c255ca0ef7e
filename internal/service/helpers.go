package service

import (
	"context"
	"errors"

	"study-engine/internal/apperr"
	"study-engine/internal/dao"
	"study-engine/internal/model"
)

// storageErr 已经分好类的错误原样返回，其余的包装成 Fail
func storageErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) || errors.Is(err, dao.ErrStaleVersion) {
		return err
	}
	return apperr.Fail(err, format, args...)
}

func loadRun(ctx context.Context, daos *dao.Set, id uint) (*model.StudyRun, error) {
	run, err := daos.StudyRuns.Find(ctx, id)
	if dao.IsNotFound(err) {
		return nil, apperr.NotFound(apperr.ReasonStudyRunNotFound, "study run %d 不存在", id)
	}
	return run, storageErr(err, "查询 study run %d 失败", id)
}

func loadStudy(ctx context.Context, daos *dao.Set, id uint) (*model.Study, error) {
	study, err := daos.Studies.Find(ctx, id)
	if dao.IsNotFound(err) {
		return nil, apperr.NotFound(apperr.ReasonStudyNotFound, "study %d 不存在", id)
	}
	return study, storageErr(err, "查询 study %d 失败", id)
}

func loadBatch(ctx context.Context, daos *dao.Set, id uint) (*model.Batch, error) {
	batch, err := daos.Batches.Find(ctx, id)
	if dao.IsNotFound(err) {
		return nil, apperr.NotFound(apperr.ReasonBatchNotFound, "batch %d 不存在", id)
	}
	return batch, storageErr(err, "查询 batch %d 失败", id)
}

func loadComponent(ctx context.Context, daos *dao.Set, id uint) (*model.Component, error) {
	comp, err := daos.Components.Find(ctx, id)
	if dao.IsNotFound(err) {
		return nil, apperr.NotFound(apperr.ReasonComponentNotFound, "component %d 不存在", id)
	}
	return comp, storageErr(err, "查询 component %d 失败", id)
}

func loadWorker(ctx context.Context, daos *dao.Set, id uint) (*model.Worker, error) {
	worker, err := daos.Workers.Find(ctx, id)
	if dao.IsNotFound(err) {
		return nil, apperr.NotFound(apperr.ReasonWorkerNotFound, "worker %d 不存在", id)
	}
	return worker, storageErr(err, "查询 worker %d 失败", id)
}

func loadGroup(ctx context.Context, daos *dao.Set, id uint) (*model.GroupResult, error) {
	g, err := daos.Groups.Find(ctx, id)
	if dao.IsNotFound(err) {
		return nil, apperr.NotFound(apperr.ReasonGroupNotFound, "group %d 不存在", id)
	}
	return g, storageErr(err, "查询 group %d 失败", id)
}

// retryOnStale 版本冲突时重试一次，第二次还冲突返回 Conflict
func retryOnStale(fn func() error) error {
	err := fn()
	if !errors.Is(err, dao.ErrStaleVersion) {
		return err
	}
	err = fn()
	if errors.Is(err, dao.ErrStaleVersion) {
		return apperr.Conflict(apperr.ReasonConcurrentUpdate, "study run 被并发修改，请重试")
	}
	return err
}
