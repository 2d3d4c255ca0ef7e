package service

import (
	"context"

	"study-engine/internal/apperr"
	"study-engine/internal/dao"
	"study-engine/internal/model"
)

// StartsRuns 能通过访问链接开始 study run 的 worker 种类
type StartsRuns interface {
	WorkerType() model.WorkerType
	Start(ctx context.Context, link *ResolvedLink, req StartRequest) (*StartResult, error)
}

// JoinsGroups 能参加 group study 的 worker 种类
type JoinsGroups interface {
	JoinGroup(ctx context.Context, runID uint) (*model.GroupResult, error)
	LeaveGroup(ctx context.Context, runID uint) error
}

// workerResolver 每种 worker 找到（或创建）本次请求的 worker
type workerResolver func(ctx context.Context, link *ResolvedLink, req StartRequest) (*model.Worker, error)

// runStarter 所有种类共用的开始流程
type runStarter struct {
	runs *RunManager
}

func (s runStarter) start(ctx context.Context, resolve workerResolver, link *ResolvedLink, req StartRequest) (*StartResult, error) {
	worker, err := resolve(ctx, link, req)
	if err != nil {
		return nil, err
	}
	if worker.Type != link.Link.WorkerType {
		return nil, apperr.Forbidden(apperr.ReasonWorkerTypeNotAllowed,
			"worker %d 的种类 %s 与访问码不符", worker.ID, worker.Type)
	}
	return s.runs.StartOrResume(ctx, worker, link.Study, link.Batch, req)
}

// groupMember 所有种类共用的 group 操作
type groupMember struct {
	groups *GroupCoordinator
}

func (g groupMember) JoinGroup(ctx context.Context, runID uint) (*model.GroupResult, error) {
	group, err := g.groups.Join(ctx, runID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, apperr.BadRequest(apperr.ReasonGroupsNotSupported, "batch 不是 group study")
	}
	return group, nil
}

func (g groupMember) LeaveGroup(ctx context.Context, runID uint) error {
	return g.groups.Leave(ctx, runID)
}

type generalPublix struct {
	runStarter
	groupMember
	daos     *dao.Set
	sessions *SessionStore
	typ      model.WorkerType
}

func (p *generalPublix) WorkerType() model.WorkerType { return p.typ }

func (p *generalPublix) Start(ctx context.Context, link *ResolvedLink, req StartRequest) (*StartResult, error) {
	return p.start(ctx, p.resolve, link, req)
}

// resolve 同一浏览器已有该 batch 的 run 时沿用它的 worker；
// GeneralSingle 还会找回这个浏览器以前的 worker，做过的 study 由授权拒绝；
// 其余情况新建匿名 worker
func (p *generalPublix) resolve(ctx context.Context, link *ResolvedLink, req StartRequest) (*model.Worker, error) {
	if runID, ok := p.sessions.Lookup(req.CookieID); ok {
		run, err := p.daos.StudyRuns.Find(ctx, runID)
		if err == nil && run.BatchID == link.Batch.ID && !run.State.IsDone() {
			return loadWorker(ctx, p.daos, run.WorkerID)
		}
		if err != nil && !dao.IsNotFound(err) {
			return nil, storageErr(err, "查询 study run %d 失败", runID)
		}
	}
	worker := &model.Worker{Type: p.typ}
	if p.typ == model.WorkerTypeGeneralSingle {
		prev, err := p.daos.Workers.FindByBrowser(ctx, p.typ, req.CookieID)
		if err == nil {
			return prev, nil
		}
		if !dao.IsNotFound(err) {
			return nil, storageErr(err, "查询浏览器的 worker 失败")
		}
		worker.BrowserID = req.CookieID
	}
	if err := p.daos.Workers.Save(ctx, worker); err != nil {
		return nil, storageErr(err, "创建 worker 失败")
	}
	return worker, nil
}

type personalPublix struct {
	runStarter
	groupMember
	typ model.WorkerType
}

func (p *personalPublix) WorkerType() model.WorkerType { return p.typ }

func (p *personalPublix) Start(ctx context.Context, link *ResolvedLink, req StartRequest) (*StartResult, error) {
	return p.start(ctx, p.resolve, link, req)
}

func (p *personalPublix) resolve(_ context.Context, link *ResolvedLink, _ StartRequest) (*model.Worker, error) {
	if link.Worker == nil {
		return nil, apperr.NotFound(apperr.ReasonWorkerNotFound, "访问码 %s 没有绑定 worker", link.Link.Code)
	}
	return link.Worker, nil
}

type jatosPublix struct {
	runStarter
	groupMember
	daos *dao.Set
}

func (p *jatosPublix) WorkerType() model.WorkerType { return model.WorkerTypeJatos }

func (p *jatosPublix) Start(ctx context.Context, link *ResolvedLink, req StartRequest) (*StartResult, error) {
	return p.start(ctx, p.resolve, link, req)
}

// resolve 操作员自己的 worker，第一次使用时创建
func (p *jatosPublix) resolve(ctx context.Context, _ *ResolvedLink, req StartRequest) (*model.Worker, error) {
	if req.Auth.SessionUsername == "" {
		return nil, apperr.Forbidden(apperr.ReasonNoAccess, "需要登录才能以 Jatos worker 运行")
	}
	user, err := p.daos.Users.FindByUsername(ctx, req.Auth.SessionUsername)
	if dao.IsNotFound(err) {
		return nil, apperr.Forbidden(apperr.ReasonNoAccess, "用户 %s 不存在", req.Auth.SessionUsername)
	}
	if err != nil {
		return nil, storageErr(err, "查询用户失败")
	}
	worker, err := p.daos.Workers.FindJatosWorker(ctx, user.ID)
	if err == nil {
		return worker, nil
	}
	if !dao.IsNotFound(err) {
		return nil, storageErr(err, "查询 worker 失败")
	}
	worker = &model.Worker{Type: model.WorkerTypeJatos, UserID: &user.ID}
	if err := p.daos.Workers.Save(ctx, worker); err != nil {
		return nil, storageErr(err, "创建 worker 失败")
	}
	return worker, nil
}

// Publix 参与者入口：按访问码的 worker 种类交给对应实现
type Publix struct {
	variants map[model.WorkerType]StartsRuns
}

func NewPublix(daos *dao.Set, runs *RunManager, groups *GroupCoordinator, sessions *SessionStore) *Publix {
	starter := runStarter{runs: runs}
	member := groupMember{groups: groups}
	variants := map[model.WorkerType]StartsRuns{
		model.WorkerTypeGeneralSingle:    &generalPublix{runStarter: starter, groupMember: member, daos: daos, sessions: sessions, typ: model.WorkerTypeGeneralSingle},
		model.WorkerTypeGeneralMultiple:  &generalPublix{runStarter: starter, groupMember: member, daos: daos, sessions: sessions, typ: model.WorkerTypeGeneralMultiple},
		model.WorkerTypePersonalSingle:   &personalPublix{runStarter: starter, groupMember: member, typ: model.WorkerTypePersonalSingle},
		model.WorkerTypePersonalMultiple: &personalPublix{runStarter: starter, groupMember: member, typ: model.WorkerTypePersonalMultiple},
		model.WorkerTypeJatos:            &jatosPublix{runStarter: starter, groupMember: member, daos: daos},
	}
	return &Publix{variants: variants}
}

// For worker 种类对应的实现
func (p *Publix) For(t model.WorkerType) (StartsRuns, error) {
	v, ok := p.variants[t]
	if !ok {
		return nil, apperr.Forbidden(apperr.ReasonUnknownWorkerType, "未知的 worker 种类 %q", t)
	}
	return v, nil
}

// GroupsFor 该种类是否能参加 group
func (p *Publix) GroupsFor(t model.WorkerType) (JoinsGroups, error) {
	v, err := p.For(t)
	if err != nil {
		return nil, err
	}
	g, ok := v.(JoinsGroups)
	if !ok {
		return nil, apperr.Forbidden(apperr.ReasonGroupsNotSupported, "worker 种类 %s 不能参加 group", t)
	}
	return g, nil
}

// Start 已解析的访问码入口
func (p *Publix) Start(ctx context.Context, link *ResolvedLink, req StartRequest) (*StartResult, error) {
	v, err := p.For(link.Link.WorkerType)
	if err != nil {
		return nil, err
	}
	req.StudyCode = link.Link.Code
	return v.Start(ctx, link, req)
}
