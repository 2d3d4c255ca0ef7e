package service

import (
	"context"
	"strconv"

	"study-engine/internal/apperr"
	"study-engine/internal/dao"
	"study-engine/internal/model"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/duke-git/lancet/v2/strutil"
	"go.uber.org/zap"
)

// RemovalReport 删除结果；单条失败只记录不中断
type RemovalReport struct {
	Removed []uint `json:"removed"`
	Failed  []uint `json:"failed"`
}

// ResultRemover 级联删除 component run 和 study run
type ResultRemover struct {
	daos     *dao.Set
	sessions *SessionStore
	groups   *GroupCoordinator
	logger   *StudyLogger
	locks    *Locks
}

func NewResultRemover(daos *dao.Set, sessions *SessionStore, groups *GroupCoordinator, logger *StudyLogger, locks *Locks) *ResultRemover {
	return &ResultRemover{daos: daos, sessions: sessions, groups: groups, logger: logger, locks: locks}
}

// ParseIDs 解析逗号分隔的 id 列表，去重保序
func ParseIDs(raw string) ([]uint, error) {
	if strutil.IsBlank(raw) {
		return nil, apperr.BadRequest(apperr.ReasonMalformedIDs, "id 列表为空")
	}
	parts := strutil.SplitAndTrim(raw, ",")
	ids := make([]uint, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil || n == 0 {
			return nil, apperr.BadRequest(apperr.ReasonMalformedIDs, "无法解析的 id: %q", p)
		}
		ids = append(ids, uint(n))
	}
	if len(ids) == 0 {
		return nil, apperr.BadRequest(apperr.ReasonMalformedIDs, "id 列表为空")
	}
	return slice.Unique(ids), nil
}

// accessChecker 按 study 缓存权限检查结果
type accessChecker struct {
	daos *dao.Set
	user *model.User
	seen map[uint]bool
}

func (r *ResultRemover) checker(user *model.User) *accessChecker {
	return &accessChecker{daos: r.daos, user: user, seen: make(map[uint]bool)}
}

func (a *accessChecker) check(ctx context.Context, studyID uint) error {
	if a.user == nil {
		return apperr.Forbidden(apperr.ReasonNoAccess, "需要登录用户")
	}
	ok, cached := a.seen[studyID]
	if !cached {
		var err error
		ok, err = a.daos.Studies.HasUser(ctx, studyID, a.user.ID)
		if err != nil {
			return storageErr(err, "检查 study %d 权限失败", studyID)
		}
		a.seen[studyID] = ok
	}
	if !ok {
		return apperr.Forbidden(apperr.ReasonNoAccess, "用户 %s 不能访问 study %d", a.user.Username, studyID)
	}
	return nil
}

// RemoveComponentRuns 按 id 删除 component run。先全部校验，任何一条不合法都不删。
func (r *ResultRemover) RemoveComponentRuns(ctx context.Context, ids []uint, user *model.User) (*RemovalReport, error) {
	crs, err := r.daos.ComponentRuns.FindAll(ctx, ids)
	if err != nil {
		return nil, storageErr(err, "查询 component run 失败")
	}
	if len(crs) != len(ids) {
		return nil, apperr.NotFound(apperr.ReasonComponentRunNotFound, "部分 component run 不存在: %v", missing(ids, crs, func(c model.ComponentRun) uint { return c.ID }))
	}
	if err := r.checkComponentRuns(ctx, crs, user); err != nil {
		return nil, err
	}
	return r.removeComponentRuns(ctx, crs, user), nil
}

// RemoveAllOfComponent 删除某 component 的全部 component run
func (r *ResultRemover) RemoveAllOfComponent(ctx context.Context, componentID uint, user *model.User) (*RemovalReport, error) {
	comp, err := loadComponent(ctx, r.daos, componentID)
	if err != nil {
		return nil, err
	}
	if err := r.checker(user).check(ctx, comp.StudyID); err != nil {
		return nil, err
	}
	crs, err := r.daos.ComponentRuns.FindAllByComponent(ctx, comp.ID)
	if err != nil {
		return nil, storageErr(err, "查询 component run 失败")
	}
	return r.removeComponentRuns(ctx, crs, user), nil
}

// RemoveStudyRuns 按 id 删除 study run，级联删除其 component run
func (r *ResultRemover) RemoveStudyRuns(ctx context.Context, ids []uint, user *model.User) (*RemovalReport, error) {
	runs, err := r.daos.StudyRuns.FindAll(ctx, ids)
	if err != nil {
		return nil, storageErr(err, "查询 study run 失败")
	}
	if len(runs) != len(ids) {
		return nil, apperr.NotFound(apperr.ReasonStudyRunNotFound, "部分 study run 不存在: %v", missing(ids, runs, func(s model.StudyRun) uint { return s.ID }))
	}
	access := r.checker(user)
	for _, run := range runs {
		if err := access.check(ctx, run.StudyID); err != nil {
			return nil, err
		}
	}
	return r.removeStudyRuns(ctx, runs, user), nil
}

// RemoveAllOfStudy 删除 study 的全部 study run
func (r *ResultRemover) RemoveAllOfStudy(ctx context.Context, studyID uint, user *model.User) (*RemovalReport, error) {
	study, err := loadStudy(ctx, r.daos, studyID)
	if err != nil {
		return nil, err
	}
	if err := r.checker(user).check(ctx, study.ID); err != nil {
		return nil, err
	}
	runs, err := r.daos.StudyRuns.FindAllByStudy(ctx, study.ID)
	if err != nil {
		return nil, storageErr(err, "查询 study run 失败")
	}
	return r.removeStudyRuns(ctx, runs, user), nil
}

// RemoveAllOfWorker 删除 worker 在用户有权限的 study 下的全部 study run
func (r *ResultRemover) RemoveAllOfWorker(ctx context.Context, workerID uint, user *model.User) (*RemovalReport, error) {
	worker, err := loadWorker(ctx, r.daos, workerID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.Forbidden(apperr.ReasonNoAccess, "需要登录用户")
	}
	runs, err := r.daos.StudyRuns.FindAllByWorker(ctx, worker.ID)
	if err != nil {
		return nil, storageErr(err, "查询 study run 失败")
	}
	allowed, err := r.daos.Studies.StudyIDsOfUser(ctx, user.ID)
	if err != nil {
		return nil, storageErr(err, "查询用户 study 失败")
	}
	runs = slice.Filter(runs, func(_ int, run model.StudyRun) bool {
		return slice.Contain(allowed, run.StudyID)
	})
	return r.removeStudyRuns(ctx, runs, user), nil
}

func (r *ResultRemover) checkComponentRuns(ctx context.Context, crs []model.ComponentRun, user *model.User) error {
	access := r.checker(user)
	studyOf := make(map[uint]uint)
	for _, cr := range crs {
		studyID, ok := studyOf[cr.StudyRunID]
		if !ok {
			run, err := loadRun(ctx, r.daos, cr.StudyRunID)
			if err != nil {
				return err
			}
			studyID = run.StudyID
			studyOf[cr.StudyRunID] = studyID
		}
		if err := access.check(ctx, studyID); err != nil {
			return err
		}
	}
	return nil
}

func (r *ResultRemover) removeComponentRuns(ctx context.Context, crs []model.ComponentRun, user *model.User) *RemovalReport {
	report := &RemovalReport{Removed: []uint{}, Failed: []uint{}}
	for i := range crs {
		if err := r.removeComponentRun(ctx, &crs[i]); err != nil {
			r.logger.Error("删除 component run 失败", err, zap.Uint("component_run_id", crs[i].ID))
			report.Failed = append(report.Failed, crs[i].ID)
			continue
		}
		r.logger.Removed("component_run", crs[i].ID, user)
		report.Removed = append(report.Removed, crs[i].ID)
	}
	return report
}

// removeComponentRun 在 run 锁内删除，不会和正在推进的 run 交错
func (r *ResultRemover) removeComponentRun(ctx context.Context, cr *model.ComponentRun) error {
	unlock := r.locks.Lock(runKey(cr.StudyRunID))
	defer unlock()
	return r.daos.ComponentRuns.RemoveWithFiles(ctx, cr)
}

func (r *ResultRemover) removeStudyRuns(ctx context.Context, runs []model.StudyRun, user *model.User) *RemovalReport {
	report := &RemovalReport{Removed: []uint{}, Failed: []uint{}}
	for _, run := range runs {
		if err := r.removeStudyRun(ctx, run.ID); err != nil {
			r.logger.Error("删除 study run 失败", err, zap.Uint("study_run_id", run.ID))
			report.Failed = append(report.Failed, run.ID)
			continue
		}
		r.logger.Removed("study_run", run.ID, user)
		report.Removed = append(report.Removed, run.ID)
	}
	return report
}

// removeStudyRun 顺序：component run，worker 的历史，group 成员关系移到历史，最后是 run 本身
func (r *ResultRemover) removeStudyRun(ctx context.Context, runID uint) error {
	unlock := r.locks.Lock(runKey(runID))
	defer unlock()

	run, err := loadRun(ctx, r.daos, runID)
	if err != nil {
		return err
	}
	var batch *model.Batch
	if run.ActiveGroupID != nil {
		batch, err = loadBatch(ctx, r.daos, run.BatchID)
		if err != nil {
			return err
		}
		unlockBatch := r.locks.Lock(batchKey(batch.ID))
		defer unlockBatch()
	}

	var left *leaveOutcome
	err = r.daos.Transaction(ctx, func(tx *dao.Set) error {
		crs, err := tx.ComponentRuns.FindByStudyRun(ctx, run.ID)
		if err != nil {
			return err
		}
		for i := range crs {
			if err := tx.ComponentRuns.RemoveWithFiles(ctx, &crs[i]); err != nil {
				return err
			}
		}
		if err := r.detachFromWorker(ctx, tx, run); err != nil {
			return err
		}
		if batch != nil {
			left, err = r.groups.leaveTx(ctx, tx, run, batch)
			if err != nil {
				return err
			}
		}
		return tx.StudyRuns.Remove(ctx, run)
	})
	if err != nil {
		return storageErr(err, "删除 study run %d 失败", run.ID)
	}
	r.sessions.UnbindRun(run.ID)
	r.groups.afterLeave(left)
	return nil
}

// detachFromWorker worker 的最近一次 run 指向被删的 run 时，改指向剩下的最新一条
func (r *ResultRemover) detachFromWorker(ctx context.Context, tx *dao.Set, run *model.StudyRun) error {
	worker, err := tx.Workers.Find(ctx, run.WorkerID)
	if dao.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if worker.LastStudyRunID == nil || *worker.LastStudyRunID != run.ID {
		return nil
	}
	history, err := tx.StudyRuns.FindAllByWorker(ctx, worker.ID)
	if err != nil {
		return err
	}
	var last *uint
	for i := range history {
		if history[i].ID != run.ID {
			id := history[i].ID
			last = &id
		}
	}
	return tx.Workers.SetLastStudyRun(ctx, worker.ID, last)
}

func missing[T any](ids []uint, found []T, idOf func(T) uint) []uint {
	got := slice.Map(found, func(_ int, v T) uint { return idOf(v) })
	return slice.Difference(ids, got)
}
