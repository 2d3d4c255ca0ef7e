package service

import (
	"context"
	"time"

	"study-engine/internal/apperr"
	"study-engine/internal/dao"
	"study-engine/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StartRequest 开始或继续 study 的请求参数
type StartRequest struct {
	// 浏览器 cookie 身份，对引擎不透明
	CookieID string
	// URL 带 pre 参数
	Preview bool
	// 使用的访问码
	StudyCode string
	Auth      AuthRequest
}

type StartResult struct {
	Run            *model.StudyRun
	FirstComponent *model.Component
	Resumed        bool
}

// InitData 前端进入 component 时拿到的数据
type InitData struct {
	Run              *model.StudyRun
	Component        *model.Component
	ComponentRun     *model.ComponentRun
	StudySessionData string
}

type RunManagerOptions struct {
	MaxResultDataSize int
	Now               func() time.Time
}

// RunManager study run 和 component run 的状态机
type RunManager struct {
	daos     *dao.Set
	auth     *StudyAuthorisation
	sessions *SessionStore
	groups   *GroupCoordinator
	logger   *StudyLogger
	locks    *Locks

	maxDataSize int
	now         func() time.Time
}

func NewRunManager(daos *dao.Set, auth *StudyAuthorisation, sessions *SessionStore, groups *GroupCoordinator, logger *StudyLogger, locks *Locks, opts RunManagerOptions) *RunManager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxResultDataSize <= 0 {
		opts.MaxResultDataSize = 5 * 1024 * 1024
	}
	return &RunManager{
		daos:        daos,
		auth:        auth,
		sessions:    sessions,
		groups:      groups,
		logger:      logger,
		locks:       locks,
		maxDataSize: opts.MaxResultDataSize,
		now:         opts.Now,
	}
}

// StartOrResume worker 在该 batch 下有没结束的 run 就继续它，否则新建。
// 需要新槽位时会先淘汰最老的 run。
func (r *RunManager) StartOrResume(ctx context.Context, worker *model.Worker, study *model.Study, batch *model.Batch, req StartRequest) (*StartResult, error) {
	if req.CookieID == "" {
		return nil, apperr.BadRequest(apperr.ReasonInvalidInput, "缺少 cookie 身份")
	}
	if batch.StudyID != study.ID {
		return nil, apperr.NotFound(apperr.ReasonBatchNotFound, "batch %d 不属于 study %d", batch.ID, study.ID)
	}
	first, err := r.FirstActiveComponent(ctx, study.ID)
	if err != nil {
		return nil, err
	}

	var evicted *Slot
	res, err := func() (*StartResult, error) {
		unlock := r.locks.Lock(workerKey(worker.ID))
		defer unlock()

		fresh, err := loadWorker(ctx, r.daos, worker.ID)
		if err != nil {
			return nil, err
		}
		existing, err := r.daos.StudyRuns.FindLive(ctx, fresh.ID, batch.ID)
		if err != nil && !dao.IsNotFound(err) {
			return nil, storageErr(err, "查询 worker %d 的 study run 失败", fresh.ID)
		}

		if existing != nil {
			if err := r.auth.CheckAllowedToContinue(ctx, req.Auth, fresh, study, batch); err != nil {
				return nil, err
			}
			run, slot, err := r.resume(ctx, existing.ID, req)
			evicted = slot
			if err != nil {
				return nil, err
			}
			return &StartResult{Run: run, FirstComponent: first, Resumed: true}, nil
		}

		// worker 总数上限按 batch 计，检查和创建放在同一把 batch 锁里
		if batch.MaxTotalWorkers != nil {
			unlockBatch := r.locks.Lock(batchKey(batch.ID))
			defer unlockBatch()
		}
		if err := r.auth.CheckAllowedToStart(ctx, req.Auth, fresh, study, batch); err != nil {
			return nil, err
		}
		run, slot, err := r.create(ctx, fresh, study, batch, req)
		evicted = slot
		if err != nil {
			return nil, err
		}
		return &StartResult{Run: run, FirstComponent: first}, nil
	}()

	// 在 worker 锁外结束被淘汰的 run
	if evicted != nil {
		r.finishEvicted(ctx, evicted)
	}
	return res, err
}

// resume 槽位还在就原样返回；PRE 只在越过第一个 component 时才变 STARTED
func (r *RunManager) resume(ctx context.Context, runID uint, req StartRequest) (*model.StudyRun, *Slot, error) {
	unlock := r.locks.Lock(runKey(runID))
	defer unlock()

	run, err := loadRun(ctx, r.daos, runID)
	if err != nil {
		return nil, nil, err
	}
	if run.State.IsDone() {
		return nil, nil, apperr.Forbidden(apperr.ReasonStudyRunDone, "study run %d 已经结束", run.ID)
	}

	now := r.now()
	if id, ok := r.sessions.Lookup(req.CookieID); ok && id == run.ID {
		r.sessions.Touch(run.ID, run.State, now)
		return run, nil, nil
	}
	// 换了浏览器：照样占一个槽位，满了淘汰最老的
	evicted, err := r.sessions.Bind(req.CookieID, run.ID, run.State, now)
	if err != nil {
		return nil, nil, apperr.Fail(err, "绑定会话失败")
	}
	if err := r.daos.StudyRuns.Touch(ctx, run.ID, now); err != nil {
		return nil, evicted, storageErr(err, "更新 study run %d 失败", run.ID)
	}
	return run, evicted, nil
}

func (r *RunManager) create(ctx context.Context, worker *model.Worker, study *model.Study, batch *model.Batch, req StartRequest) (*model.StudyRun, *Slot, error) {
	now := r.now()
	state := model.RunStateStarted
	if req.Preview && worker.Type.SupportsPreview() {
		state = model.RunStatePre
	}
	run := &model.StudyRun{
		UUID:      uuid.NewString(),
		StudyCode: req.StudyCode,
		StudyID:   study.ID,
		BatchID:   batch.ID,
		WorkerID:  worker.ID,
		State:     state,
		StartDate: now,
		LastSeen:  now,
	}
	err := r.daos.Transaction(ctx, func(tx *dao.Set) error {
		if err := tx.StudyRuns.Save(ctx, run); err != nil {
			return err
		}
		return tx.Workers.SetLastStudyRun(ctx, worker.ID, &run.ID)
	})
	if err != nil {
		return nil, nil, apperr.Fail(err, "创建 study run 失败")
	}

	evicted, err := r.sessions.Bind(req.CookieID, run.ID, run.State, now)
	if err != nil {
		return nil, nil, apperr.Fail(err, "绑定会话失败")
	}
	r.logger.Transition(run, "", "study run created")
	return run, evicted, nil
}

func (r *RunManager) finishEvicted(ctx context.Context, slot *Slot) {
	unlock := r.locks.Lock(runKey(slot.StudyRunID))
	defer unlock()
	if _, err := r.finishLocked(ctx, slot.StudyRunID, model.RunStateFail,
		"会话槽位被其他 study run 占用，旧的被结束"); err != nil {
		r.logger.Error("结束被淘汰的 study run 失败", err, zap.Uint("study_run_id", slot.StudyRunID))
	}
}

// FirstActiveComponent study 中第一个 active 的 component
func (r *RunManager) FirstActiveComponent(ctx context.Context, studyID uint) (*model.Component, error) {
	comps, err := r.daos.Components.FindByStudy(ctx, studyID)
	if err != nil {
		return nil, storageErr(err, "查询 study %d 的 component 失败", studyID)
	}
	for i := range comps {
		if comps[i].Active {
			return &comps[i], nil
		}
	}
	return nil, apperr.NotFound(apperr.ReasonNoActiveComponent, "study %d 没有 active 的 component", studyID)
}

// NextActiveComponent 当前 component 之后第一个 active 的，跳过 inactive
func (r *RunManager) NextActiveComponent(ctx context.Context, runID uint) (*model.Component, error) {
	run, err := loadRun(ctx, r.daos, runID)
	if err != nil {
		return nil, err
	}
	last, err := r.daos.ComponentRuns.Last(ctx, run.ID)
	if dao.IsNotFound(err) {
		return r.FirstActiveComponent(ctx, run.StudyID)
	}
	if err != nil {
		return nil, storageErr(err, "查询 component run 失败")
	}
	comps, err := r.daos.Components.FindByStudy(ctx, run.StudyID)
	if err != nil {
		return nil, storageErr(err, "查询 study %d 的 component 失败", run.StudyID)
	}
	passed := false
	for i := range comps {
		if passed && comps[i].Active {
			return &comps[i], nil
		}
		if comps[i].ID == last.ComponentID {
			passed = true
		}
	}
	return nil, apperr.NotFound(apperr.ReasonNoActiveComponent, "study run %d 后面没有 active 的 component", run.ID)
}

// AdvanceComponent 结束当前 component run，为 componentID 开一个新的
func (r *RunManager) AdvanceComponent(ctx context.Context, runID, componentID uint) (*model.ComponentRun, error) {
	unlock := r.locks.Lock(runKey(runID))
	defer unlock()

	var next *model.ComponentRun
	notReloadable := false
	err := retryOnStale(func() error {
		next = nil
		run, err := loadRun(ctx, r.daos, runID)
		if err != nil {
			return err
		}
		if run.State.IsDone() {
			return apperr.Forbidden(apperr.ReasonStudyRunDone, "study run %d 已经结束", run.ID)
		}
		comp, err := loadComponent(ctx, r.daos, componentID)
		if err != nil {
			return err
		}
		if comp.StudyID != run.StudyID {
			return apperr.NotFound(apperr.ReasonComponentNotFound,
				"component %d 不属于 study %d", comp.ID, run.StudyID)
		}
		if !comp.Active {
			return apperr.Forbidden(apperr.ReasonComponentInactive, "component %d 未激活", comp.ID)
		}
		first, err := r.FirstActiveComponent(ctx, run.StudyID)
		if err != nil {
			return err
		}
		last, err := r.daos.ComponentRuns.Last(ctx, run.ID)
		if err != nil && !dao.IsNotFound(err) {
			return storageErr(err, "查询 component run 失败")
		}

		reload := last != nil && last.ComponentID == comp.ID
		if reload && run.State != model.RunStatePre && !comp.Reloadable {
			notReloadable = true
			return nil
		}

		now := r.now()
		from := run.State
		cr := &model.ComponentRun{
			StudyRunID:  run.ID,
			ComponentID: comp.ID,
			Position:    1,
			State:       model.ComponentRunStateStarted,
			StartDate:   now,
		}
		if last != nil {
			cr.Position = last.Position + 1
		}
		switch run.State {
		case model.RunStatePre:
			if comp.ID != first.ID {
				run.State = model.RunStateStarted
			}
		case model.RunStateDataRetrieved:
			run.State = model.RunStateStarted
		}
		run.LastSeen = now

		err = r.daos.Transaction(ctx, func(tx *dao.Set) error {
			if last != nil && !last.State.IsDone() {
				if reload {
					last.State = model.ComponentRunStateReloaded
				} else {
					last.State = settle(last.State)
				}
				last.EndDate = &now
				if err := tx.ComponentRuns.Update(ctx, last); err != nil {
					return err
				}
			}
			if err := tx.ComponentRuns.Save(ctx, cr); err != nil {
				return err
			}
			return tx.StudyRuns.UpdateVersioned(ctx, run)
		})
		if err != nil {
			return storageErr(err, "进入 component %d 失败", comp.ID)
		}
		next = cr
		r.sessions.Touch(run.ID, run.State, now)
		if from != run.State {
			r.logger.Transition(run, from, "study run advanced")
		}
		return nil
	})

	if notReloadable {
		if _, ferr := r.finishLocked(ctx, runID, model.RunStateFail, "component 不允许重新加载"); ferr != nil {
			r.logger.Error("结束 study run 失败", ferr, zap.Uint("study_run_id", runID))
		}
		return nil, apperr.Forbidden(apperr.ReasonComponentNotReloadable, "component %d 不允许重新加载", componentID)
	}
	if err != nil {
		r.failOnInternal(ctx, runID, err)
		return nil, err
	}
	return next, nil
}

// settle 离开 component 时的终态：拿过数据算完成，没拿过算放弃
func settle(s model.ComponentRunState) model.ComponentRunState {
	if s == model.ComponentRunStateDataRetrieved {
		return model.ComponentRunStateFinished
	}
	return model.ComponentRunStateAborted
}

// RetrieveInitData 前端加载 component 时调用，进入 DATA_RETRIEVED
func (r *RunManager) RetrieveInitData(ctx context.Context, runID, componentID uint) (*InitData, error) {
	unlock := r.locks.Lock(runKey(runID))
	defer unlock()

	var out *InitData
	err := retryOnStale(func() error {
		run, comp, cr, err := r.current(ctx, runID, componentID)
		if err != nil {
			return err
		}
		now := r.now()
		from := run.State
		if run.State == model.RunStateStarted {
			run.State = model.RunStateDataRetrieved
		}
		run.LastSeen = now
		err = r.daos.Transaction(ctx, func(tx *dao.Set) error {
			if cr.State == model.ComponentRunStateStarted {
				cr.State = model.ComponentRunStateDataRetrieved
				if err := tx.ComponentRuns.Update(ctx, cr); err != nil {
					return err
				}
			}
			return tx.StudyRuns.UpdateVersioned(ctx, run)
		})
		if err != nil {
			return storageErr(err, "读取 component %d 初始数据失败", comp.ID)
		}
		r.sessions.Touch(run.ID, run.State, now)
		if from != run.State {
			r.logger.Transition(run, from, "study run data retrieved")
		}
		out = &InitData{Run: run, Component: comp, ComponentRun: cr, StudySessionData: run.SessionData}
		return nil
	})
	if err != nil {
		r.failOnInternal(ctx, runID, err)
		return nil, err
	}
	return out, nil
}

// SubmitResultData 保存（或追加）当前 component run 的结果数据
func (r *RunManager) SubmitResultData(ctx context.Context, runID, componentID uint, data string, appendData bool) (*model.ComponentRun, error) {
	unlock := r.locks.Lock(runKey(runID))
	defer unlock()

	run, _, cr, err := r.current(ctx, runID, componentID)
	if err != nil {
		return nil, err
	}
	newData := data
	if appendData {
		newData = cr.Data + data
	}
	if len(newData) > r.maxDataSize {
		return nil, apperr.BadRequest(apperr.ReasonResultDataTooLarge,
			"结果数据 %d 字节，超过上限 %d", len(newData), r.maxDataSize)
	}
	cr.Data = newData
	if err := r.daos.ComponentRuns.Update(ctx, cr); err != nil {
		err = storageErr(err, "保存结果数据失败")
		r.failOnInternal(ctx, runID, err)
		return nil, err
	}
	now := r.now()
	if err := r.daos.StudyRuns.Touch(ctx, run.ID, now); err != nil {
		r.logger.Error("刷新 study run 活动时间失败", err, zap.Uint("study_run_id", run.ID))
	}
	r.sessions.Touch(run.ID, run.State, now)
	return cr, nil
}

// AddResultFile 记录当前 component run 上传的文件
func (r *RunManager) AddResultFile(ctx context.Context, runID, componentID uint, filename string, size int64) (*model.ComponentRunFile, error) {
	unlock := r.locks.Lock(runKey(runID))
	defer unlock()

	_, _, cr, err := r.current(ctx, runID, componentID)
	if err != nil {
		return nil, err
	}
	if filename == "" {
		return nil, apperr.BadRequest(apperr.ReasonInvalidInput, "文件名为空")
	}
	f := &model.ComponentRunFile{ComponentRunID: cr.ID, Filename: filename, Size: size}
	if err := r.daos.ComponentRuns.AddFile(ctx, f); err != nil {
		return nil, storageErr(err, "保存文件记录失败")
	}
	return f, nil
}

// current 取 run 当前正在进行、且属于 componentID 的 component run
func (r *RunManager) current(ctx context.Context, runID, componentID uint) (*model.StudyRun, *model.Component, *model.ComponentRun, error) {
	run, err := loadRun(ctx, r.daos, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	if run.State.IsDone() {
		return nil, nil, nil, apperr.Forbidden(apperr.ReasonStudyRunDone, "study run %d 已经结束", run.ID)
	}
	comp, err := loadComponent(ctx, r.daos, componentID)
	if err != nil {
		return nil, nil, nil, err
	}
	if comp.StudyID != run.StudyID {
		return nil, nil, nil, apperr.NotFound(apperr.ReasonComponentNotFound,
			"component %d 不属于 study %d", comp.ID, run.StudyID)
	}
	cr, err := r.daos.ComponentRuns.Last(ctx, run.ID)
	if err != nil && !dao.IsNotFound(err) {
		return nil, nil, nil, storageErr(err, "查询 component run 失败")
	}
	if cr == nil || cr.ComponentID != comp.ID || cr.State.IsDone() {
		return nil, nil, nil, apperr.NotFound(apperr.ReasonComponentRunNotFound,
			"study run %d 没有进行中的 component %d", run.ID, comp.ID)
	}
	return run, comp, cr, nil
}

// SetStudySessionData 整体替换 study session
func (r *RunManager) SetStudySessionData(ctx context.Context, runID uint, data string) error {
	unlock := r.locks.Lock(runKey(runID))
	defer unlock()

	return retryOnStale(func() error {
		run, err := loadRun(ctx, r.daos, runID)
		if err != nil {
			return err
		}
		if run.State.IsDone() {
			return apperr.Forbidden(apperr.ReasonStudyRunDone, "study run %d 已经结束", run.ID)
		}
		run.SessionData = data
		run.LastSeen = r.now()
		return storageErr(r.daos.StudyRuns.UpdateVersioned(ctx, run), "保存 study session 失败")
	})
}

// Heartbeat 刷新最后活动时间；结束了的 run 忽略
func (r *RunManager) Heartbeat(ctx context.Context, runID uint) error {
	run, err := loadRun(ctx, r.daos, runID)
	if err != nil {
		return err
	}
	if run.State.IsDone() {
		return nil
	}
	now := r.now()
	if err := r.daos.StudyRuns.Touch(ctx, run.ID, now); err != nil {
		return storageErr(err, "更新 study run %d 失败", run.ID)
	}
	r.sessions.Touch(run.ID, run.State, now)
	return nil
}

// Finish 正常结束（FINISHED，发确认码）或失败结束（FAIL）
func (r *RunManager) Finish(ctx context.Context, runID uint, successful bool, message string) (*model.StudyRun, error) {
	unlock := r.locks.Lock(runKey(runID))
	defer unlock()
	state := model.RunStateFinished
	if !successful {
		state = model.RunStateFail
	}
	return r.finishLocked(ctx, runID, state, message)
}

// Abort 参与者主动退出，结果数据清空
func (r *RunManager) Abort(ctx context.Context, runID uint, message string) (*model.StudyRun, error) {
	unlock := r.locks.Lock(runKey(runID))
	defer unlock()
	return r.finishLocked(ctx, runID, model.RunStateAborted, message)
}

// finishLocked 调用方持有 run 锁；已经结束的 run 原样返回
func (r *RunManager) finishLocked(ctx context.Context, runID uint, state model.RunState, message string) (*model.StudyRun, error) {
	var run *model.StudyRun
	var left *leaveOutcome
	err := retryOnStale(func() error {
		left = nil
		var err error
		run, err = loadRun(ctx, r.daos, runID)
		if err != nil {
			return err
		}
		if run.State.IsDone() {
			return nil
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

		now := r.now()
		from := run.State
		run.State = state
		run.EndDate = &now
		run.LastSeen = now
		run.Message = message
		if state == model.RunStateFinished {
			run.ConfirmationCode = uuid.NewString()
		}

		err = r.daos.Transaction(ctx, func(tx *dao.Set) error {
			last, err := tx.ComponentRuns.Last(ctx, run.ID)
			if err != nil && !dao.IsNotFound(err) {
				return err
			}
			if last != nil && !last.State.IsDone() {
				last.State = componentEndState(state, last.State)
				last.EndDate = &now
				if err := tx.ComponentRuns.Update(ctx, last); err != nil {
					return err
				}
			}
			if state == model.RunStateAborted {
				if err := tx.ComponentRuns.ClearData(ctx, run.ID); err != nil {
					return err
				}
			}
			if run.ActiveGroupID != nil {
				left, err = r.groups.leaveTx(ctx, tx, run, batch)
				if err != nil {
					return err
				}
			}
			return tx.StudyRuns.UpdateVersioned(ctx, run)
		})
		if err != nil {
			return storageErr(err, "结束 study run %d 失败", run.ID)
		}
		r.logger.Transition(run, from, "study run ended")
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.sessions.UnbindRun(run.ID)
	r.groups.afterLeave(left)
	return run, nil
}

func componentEndState(runState model.RunState, s model.ComponentRunState) model.ComponentRunState {
	switch runState {
	case model.RunStateFail:
		return model.ComponentRunStateFail
	case model.RunStateAborted:
		return model.ComponentRunStateAborted
	}
	return settle(s)
}

// failOnInternal 运行中遇到不可恢复错误时把 run 置为 FAIL，调用方持有 run 锁
func (r *RunManager) failOnInternal(ctx context.Context, runID uint, cause error) {
	if !apperr.IsKind(cause, apperr.KindFail) {
		return
	}
	r.logger.Error("study run 内部错误", cause, zap.Uint("study_run_id", runID))
	if _, err := r.finishLocked(ctx, runID, model.RunStateFail, "内部错误"); err != nil {
		r.logger.Error("内部错误后结束 study run 失败", err, zap.Uint("study_run_id", runID))
	}
}

// Get 带 component runs 的 study run
func (r *RunManager) Get(ctx context.Context, runID uint) (*model.StudyRun, error) {
	run, err := r.daos.StudyRuns.FindWithComponentRuns(ctx, runID)
	if dao.IsNotFound(err) {
		return nil, apperr.NotFound(apperr.ReasonStudyRunNotFound, "study run %d 不存在", runID)
	}
	return run, storageErr(err, "查询 study run %d 失败", runID)
}

// GetByUUID 前端只知道 UUID
func (r *RunManager) GetByUUID(ctx context.Context, id string) (*model.StudyRun, error) {
	run, err := r.daos.StudyRuns.FindByUUID(ctx, id)
	if dao.IsNotFound(err) {
		return nil, apperr.NotFound(apperr.ReasonStudyRunNotFound, "study run %s 不存在", id)
	}
	return run, storageErr(err, "查询 study run %s 失败", id)
}

// ListByStudy 管理界面用
func (r *RunManager) ListByStudy(ctx context.Context, studyID uint) ([]model.StudyRun, error) {
	runs, err := r.daos.StudyRuns.FindAllByStudy(ctx, studyID)
	return runs, storageErr(err, "查询 study %d 的 run 失败", studyID)
}
