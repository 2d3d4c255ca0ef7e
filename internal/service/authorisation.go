package service

import (
	"context"

	"study-engine/internal/apperr"
	"study-engine/internal/dao"
	"study-engine/internal/model"
)

// AuthRequest 授权需要的请求上下文
type AuthRequest struct {
	// 当前登录会话里的操作员用户名，Jatos worker 必须和它一致
	SessionUsername string
}

// StudyAuthorisation 判断 worker 能否在某个 batch 下开始或继续 study
type StudyAuthorisation struct {
	daos   *dao.Set
	logger *StudyLogger
}

func NewStudyAuthorisation(daos *dao.Set, logger *StudyLogger) *StudyAuthorisation {
	return &StudyAuthorisation{daos: daos, logger: logger}
}

// CheckAllowedToStart 开始新的 study run 前调用
func (a *StudyAuthorisation) CheckAllowedToStart(ctx context.Context, req AuthRequest, worker *model.Worker, study *model.Study, batch *model.Batch) error {
	return a.check(ctx, req, worker, study, batch, true)
}

// CheckAllowedToContinue 继续已有 study run 时调用，不检查 worker 总数上限
func (a *StudyAuthorisation) CheckAllowedToContinue(ctx context.Context, req AuthRequest, worker *model.Worker, study *model.Study, batch *model.Batch) error {
	return a.check(ctx, req, worker, study, batch, false)
}

func (a *StudyAuthorisation) check(ctx context.Context, req AuthRequest, worker *model.Worker, study *model.Study, batch *model.Batch, starting bool) error {
	err := a.evaluate(ctx, req, worker, study, batch, starting)
	if err != nil && apperr.IsKind(err, apperr.KindForbidden) {
		a.logger.Denied(worker, study, batch, err)
	}
	return err
}

func (a *StudyAuthorisation) evaluate(ctx context.Context, req AuthRequest, worker *model.Worker, study *model.Study, batch *model.Batch, starting bool) error {
	if !batch.Active {
		return apperr.Forbidden(apperr.ReasonBatchInactive,
			"batch %d 未激活，无法运行 study", batch.ID)
	}
	if !batch.AllowsWorkerType(worker.Type) {
		return apperr.Forbidden(apperr.ReasonWorkerTypeNotAllowed,
			"batch %d 不允许 %s 类型的 worker 运行 study %d", batch.ID, worker.Type, study.ID)
	}
	if starting {
		if err := a.checkMaxTotalWorkers(ctx, worker, batch); err != nil {
			return err
		}
	}

	switch worker.Type {
	case model.WorkerTypeGeneralSingle, model.WorkerTypePersonalSingle:
		if starting {
			return a.checkSingleStart(ctx, worker, study)
		}
		return nil
	case model.WorkerTypeGeneralMultiple, model.WorkerTypePersonalMultiple:
		return nil
	case model.WorkerTypeJatos:
		return a.checkJatos(ctx, req, worker, study)
	default:
		return apperr.Forbidden(apperr.ReasonUnknownWorkerType,
			"未知的 worker 类型 %q", worker.Type)
	}
}

func (a *StudyAuthorisation) checkMaxTotalWorkers(ctx context.Context, worker *model.Worker, batch *model.Batch) error {
	if batch.MaxTotalWorkers == nil {
		return nil
	}
	n, err := a.daos.StudyRuns.CountOtherWorkers(ctx, batch.ID, worker.ID)
	if err != nil {
		return apperr.Fail(err, "统计 batch %d 的 worker 数失败", batch.ID)
	}
	if n >= int64(*batch.MaxTotalWorkers) {
		return apperr.Forbidden(apperr.ReasonMaxWorkersReached,
			"batch %d 已达到 worker 总数上限 %d", batch.ID, *batch.MaxTotalWorkers)
	}
	return nil
}

// single 类 worker 只能做一次 study；还活着的 run 走继续流程，不会到这里
func (a *StudyAuthorisation) checkSingleStart(ctx context.Context, worker *model.Worker, study *model.Study) error {
	runs, err := a.daos.StudyRuns.FindAllByWorker(ctx, worker.ID)
	if err != nil {
		return apperr.Fail(err, "查询 worker %d 的 study run 失败", worker.ID)
	}
	if len(runs) > 0 {
		return apperr.Forbidden(apperr.ReasonWorkerAlreadyDidStudy,
			"worker %d 已经做过 study %d", worker.ID, study.ID)
	}
	return nil
}

func (a *StudyAuthorisation) checkJatos(ctx context.Context, req AuthRequest, worker *model.Worker, study *model.Study) error {
	if worker.UserID == nil {
		return apperr.Forbidden(apperr.ReasonWorkerNotAllowedStudy,
			"worker %d 没有关联操作员账号", worker.ID)
	}
	ok, err := a.daos.Studies.HasUser(ctx, study.ID, *worker.UserID)
	if err != nil {
		return apperr.Fail(err, "查询 study %d 权限失败", study.ID)
	}
	if !ok {
		return apperr.Forbidden(apperr.ReasonWorkerNotAllowedStudy,
			"worker %d 不允许运行 study %d", worker.ID, study.ID)
	}
	// worker 解析出来之后登录账号可能已经换了
	user, err := a.daos.Users.Find(ctx, *worker.UserID)
	if err != nil {
		if dao.IsNotFound(err) {
			return apperr.Forbidden(apperr.ReasonWorkerNotAllowedStudy,
				"worker %d 的操作员账号不存在", worker.ID)
		}
		return apperr.Fail(err, "查询操作员失败")
	}
	if req.SessionUsername == "" || user.Username != req.SessionUsername {
		return apperr.Forbidden(apperr.ReasonWorkerNotAllowedStudy,
			"worker %d 不是当前登录的操作员", worker.ID)
	}
	return nil
}

// CheckUserAccess 操作员是否是 study 的成员，管理接口用
func (a *StudyAuthorisation) CheckUserAccess(ctx context.Context, studyID uint, user *model.User) error {
	if user == nil {
		return apperr.Forbidden(apperr.ReasonNoAccess, "需要登录用户")
	}
	ok, err := a.daos.Studies.HasUser(ctx, studyID, user.ID)
	if err != nil {
		return apperr.Fail(err, "查询 study %d 权限失败", studyID)
	}
	if !ok {
		return apperr.Forbidden(apperr.ReasonNoAccess, "用户 %s 不能访问 study %d", user.Username, studyID)
	}
	return nil
}
