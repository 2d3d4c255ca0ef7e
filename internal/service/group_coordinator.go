package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"study-engine/internal/apperr"
	"study-engine/internal/dao"
	"study-engine/internal/model"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// GroupView group 及其活跃、历史成员
type GroupView struct {
	Group   *model.GroupResult `json:"group"`
	Active  []uint             `json:"active_members"`
	History []uint             `json:"history_members"`
}

// leaveOutcome 事务提交后要做的通知
type leaveOutcome struct {
	GroupID  uint
	RunID    uint
	Finished bool
	Members  []uint
}

// GroupCoordinator group 的加入、离开和消息转发。
// 成员变更在 batch 锁内完成，容量检查和加入是同一个原子步骤。
type GroupCoordinator struct {
	daos     *dao.Set
	channels *ChannelRegistry
	logger   *StudyLogger
	locks    *Locks
	now      func() time.Time

	pending sync.WaitGroup
}

func NewGroupCoordinator(daos *dao.Set, channels *ChannelRegistry, logger *StudyLogger, locks *Locks, now func() time.Time) *GroupCoordinator {
	if now == nil {
		now = time.Now
	}
	return &GroupCoordinator{daos: daos, channels: channels, logger: logger, locks: locks, now: now}
}

// Join 把 run 加入一个有空位的 group，没有就新建。
// batch 不是 group study 时什么都不做，返回 nil。已经在 group 里直接返回该 group。
func (g *GroupCoordinator) Join(ctx context.Context, runID uint) (*model.GroupResult, error) {
	unlock := g.locks.Lock(runKey(runID))
	defer unlock()

	run, err := loadRun(ctx, g.daos, runID)
	if err != nil {
		return nil, err
	}
	if run.State.IsDone() {
		return nil, apperr.Forbidden(apperr.ReasonStudyRunDone, "study run %d 已经结束", run.ID)
	}
	batch, err := loadBatch(ctx, g.daos, run.BatchID)
	if err != nil {
		return nil, err
	}
	if !batch.GroupStudy {
		return nil, nil
	}
	if run.ActiveGroupID != nil {
		return loadGroup(ctx, g.daos, *run.ActiveGroupID)
	}

	unlockBatch := g.locks.Lock(batchKey(batch.ID))
	defer unlockBatch()

	var group *model.GroupResult
	var members []uint
	err = retryOnStale(func() error {
		run, err := loadRun(ctx, g.daos, runID)
		if err != nil {
			return err
		}
		return storageErr(g.daos.Transaction(ctx, func(tx *dao.Set) error {
			group, err = g.pick(ctx, tx, run.ID, batch, 0)
			if err != nil {
				return err
			}
			if group == nil {
				group, err = g.create(ctx, tx, batch)
				if err != nil {
					return err
				}
			}
			if err := g.addMember(ctx, tx, group.ID, run); err != nil {
				return err
			}
			members, err = tx.Groups.ActiveMemberIDs(ctx, group.ID)
			return err
		}), "加入 group 失败")
	})
	if err != nil {
		return nil, err
	}

	g.logger.Group(group.ID, runID, "joined")
	g.channels.Broadcast(group.ID, &GroupMessage{
		Type: MessageJoined, GroupID: group.ID, From: runID, Members: members,
	}, runID)
	return group, nil
}

// pick 选一个可加入的 STARTED group：run 从没进过，活跃成员和总成员都没满。
// 空 group 只有在 batch 允许复用时才选。
func (g *GroupCoordinator) pick(ctx context.Context, tx *dao.Set, runID uint, batch *model.Batch, exclude uint) (*model.GroupResult, error) {
	candidates, err := tx.Groups.FindStarted(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		c := &candidates[i]
		if c.ID == exclude {
			continue
		}
		seen, err := tx.Groups.HasMembership(ctx, c.ID, runID)
		if err != nil {
			return nil, err
		}
		if seen {
			continue
		}
		active, err := tx.Groups.CountActive(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if active == 0 && !batch.ReuseEmptyGroups {
			continue
		}
		if batch.MaxActiveMembers != nil && active >= int64(*batch.MaxActiveMembers) {
			continue
		}
		if batch.MaxTotalMembers != nil {
			total, err := tx.Groups.CountAll(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			if total >= int64(*batch.MaxTotalMembers) {
				continue
			}
		}
		return c, nil
	}
	return nil, nil
}

func (g *GroupCoordinator) create(ctx context.Context, tx *dao.Set, batch *model.Batch) (*model.GroupResult, error) {
	group := &model.GroupResult{
		BatchID:        batch.ID,
		State:          model.GroupStateStarted,
		StartDate:      g.now(),
		SessionVersion: 1,
	}
	if err := tx.Groups.Save(ctx, group); err != nil {
		return nil, err
	}
	return group, nil
}

func (g *GroupCoordinator) addMember(ctx context.Context, tx *dao.Set, groupID uint, run *model.StudyRun) error {
	m := &model.GroupMembership{
		GroupResultID: groupID,
		StudyRunID:    run.ID,
		Active:        true,
		JoinedAt:      g.now(),
	}
	if err := tx.Groups.SaveMembership(ctx, m); err != nil {
		return err
	}
	run.ActiveGroupID = &groupID
	return tx.StudyRuns.UpdateVersioned(ctx, run)
}

// leaveTx 在调用方的事务里把 run 移到历史成员，调用方持有 run 锁和 batch 锁，
// 并负责随后 UpdateVersioned(run)。不在 group 里返回 nil。
func (g *GroupCoordinator) leaveTx(ctx context.Context, tx *dao.Set, run *model.StudyRun, batch *model.Batch) (*leaveOutcome, error) {
	m, err := tx.Groups.ActiveMembership(ctx, run.ID)
	if dao.IsNotFound(err) {
		run.ActiveGroupID = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	now := g.now()
	m.Active = false
	m.LeftAt = &now
	if err := tx.Groups.UpdateMembership(ctx, m); err != nil {
		return nil, err
	}
	run.ActiveGroupID = nil

	members, err := tx.Groups.ActiveMemberIDs(ctx, m.GroupResultID)
	if err != nil {
		return nil, err
	}
	out := &leaveOutcome{GroupID: m.GroupResultID, RunID: run.ID, Members: members}
	if len(members) == 0 && !batch.ReuseEmptyGroups {
		group, err := tx.Groups.Find(ctx, m.GroupResultID)
		if err != nil {
			return nil, err
		}
		group.State = model.GroupStateFinished
		group.EndDate = &now
		if err := tx.Groups.Update(ctx, group); err != nil {
			return nil, err
		}
		out.Finished = true
	}
	return out, nil
}

// afterLeave 事务提交后关闭离开者的通道并通知其他成员
func (g *GroupCoordinator) afterLeave(out *leaveOutcome) {
	if out == nil {
		return
	}
	g.channels.Remove(out.GroupID, out.RunID)
	g.logger.Group(out.GroupID, out.RunID, "left")
	if out.Finished {
		g.channels.CloseGroup(out.GroupID)
		g.logger.Group(out.GroupID, 0, "finished")
		return
	}
	g.channels.Broadcast(out.GroupID, &GroupMessage{
		Type: MessageLeft, GroupID: out.GroupID, From: out.RunID, Members: out.Members,
	}, out.RunID)
}

// Leave run 离开当前 group
func (g *GroupCoordinator) Leave(ctx context.Context, runID uint) error {
	unlock := g.locks.Lock(runKey(runID))
	defer unlock()

	run, err := loadRun(ctx, g.daos, runID)
	if err != nil {
		return err
	}
	if run.ActiveGroupID == nil {
		return apperr.Forbidden(apperr.ReasonNotGroupMember, "study run %d 不在任何 group 中", run.ID)
	}
	batch, err := loadBatch(ctx, g.daos, run.BatchID)
	if err != nil {
		return err
	}
	unlockBatch := g.locks.Lock(batchKey(batch.ID))
	defer unlockBatch()

	var out *leaveOutcome
	err = retryOnStale(func() error {
		out = nil
		run, err := loadRun(ctx, g.daos, runID)
		if err != nil {
			return err
		}
		if run.ActiveGroupID == nil {
			return apperr.Forbidden(apperr.ReasonNotGroupMember, "study run %d 不在任何 group 中", run.ID)
		}
		return storageErr(g.daos.Transaction(ctx, func(tx *dao.Set) error {
			out, err = g.leaveTx(ctx, tx, run, batch)
			if err != nil {
				return err
			}
			return tx.StudyRuns.UpdateVersioned(ctx, run)
		}), "离开 group 失败")
	})
	if err != nil {
		return err
	}
	g.afterLeave(out)
	return nil
}

// Reassign 换到另一个可加入的 group，不会回到进过的 group
func (g *GroupCoordinator) Reassign(ctx context.Context, runID uint) (*model.GroupResult, error) {
	unlock := g.locks.Lock(runKey(runID))
	defer unlock()

	run, err := loadRun(ctx, g.daos, runID)
	if err != nil {
		return nil, err
	}
	if run.State.IsDone() {
		return nil, apperr.Forbidden(apperr.ReasonStudyRunDone, "study run %d 已经结束", run.ID)
	}
	if run.ActiveGroupID == nil {
		return nil, apperr.Forbidden(apperr.ReasonNotGroupMember, "study run %d 不在任何 group 中", run.ID)
	}
	batch, err := loadBatch(ctx, g.daos, run.BatchID)
	if err != nil {
		return nil, err
	}
	unlockBatch := g.locks.Lock(batchKey(batch.ID))
	defer unlockBatch()

	var target *model.GroupResult
	var out *leaveOutcome
	var members []uint
	err = retryOnStale(func() error {
		out = nil
		run, err := loadRun(ctx, g.daos, runID)
		if err != nil {
			return err
		}
		if run.ActiveGroupID == nil {
			return apperr.Forbidden(apperr.ReasonNotGroupMember, "study run %d 不在任何 group 中", run.ID)
		}
		current := *run.ActiveGroupID
		return storageErr(g.daos.Transaction(ctx, func(tx *dao.Set) error {
			target, err = g.pick(ctx, tx, run.ID, batch, current)
			if err != nil {
				return err
			}
			if target == nil {
				return apperr.NotFound(apperr.ReasonNoOtherGroup, "没有可换的 group")
			}
			out, err = g.leaveTx(ctx, tx, run, batch)
			if err != nil {
				return err
			}
			if err := g.addMember(ctx, tx, target.ID, run); err != nil {
				return err
			}
			members, err = tx.Groups.ActiveMemberIDs(ctx, target.ID)
			return err
		}), "更换 group 失败")
	})
	if err != nil {
		return nil, err
	}
	g.afterLeave(out)
	g.logger.Group(target.ID, runID, "reassigned")
	g.channels.Broadcast(target.ID, &GroupMessage{
		Type: MessageJoined, GroupID: target.ID, From: runID, Members: members,
	}, runID)
	return target, nil
}

func (g *GroupCoordinator) activeMembership(ctx context.Context, runID uint) (*model.GroupMembership, error) {
	m, err := g.daos.Groups.ActiveMembership(ctx, runID)
	if dao.IsNotFound(err) {
		return nil, apperr.Forbidden(apperr.ReasonNotGroupMember, "study run %d 不在任何 group 中", runID)
	}
	return m, storageErr(err, "查询 group 成员失败")
}

// Send 转发给 group 里其他所有活跃成员，尽力投递
func (g *GroupCoordinator) Send(ctx context.Context, runID uint, payload json.RawMessage) (int, error) {
	m, err := g.activeMembership(ctx, runID)
	if err != nil {
		return 0, err
	}
	n := g.channels.Broadcast(m.GroupResultID, &GroupMessage{
		Type: MessageData, GroupID: m.GroupResultID, From: runID, Payload: payload,
	}, runID)
	return n, nil
}

// SendTo 定向发给同一 group 的另一个活跃成员
func (g *GroupCoordinator) SendTo(ctx context.Context, runID, toRunID uint, payload json.RawMessage) (bool, error) {
	m, err := g.activeMembership(ctx, runID)
	if err != nil {
		return false, err
	}
	to, err := g.daos.Groups.ActiveMembership(ctx, toRunID)
	if dao.IsNotFound(err) || (err == nil && to.GroupResultID != m.GroupResultID) {
		return false, apperr.NotFound(apperr.ReasonStudyRunNotFound,
			"study run %d 不是 group %d 的活跃成员", toRunID, m.GroupResultID)
	}
	if err != nil {
		return false, storageErr(err, "查询 group 成员失败")
	}
	ok := g.channels.SendTo(m.GroupResultID, toRunID, &GroupMessage{
		Type: MessageData, GroupID: m.GroupResultID, From: runID, To: toRunID, Payload: payload,
	})
	return ok, nil
}

// UpdateGroupSession version 必须等于当前版本，成功后返回新版本并通知全部成员
func (g *GroupCoordinator) UpdateGroupSession(ctx context.Context, runID uint, version int, data string) (int, error) {
	m, err := g.activeMembership(ctx, runID)
	if err != nil {
		return 0, err
	}
	ok, err := g.daos.Groups.UpdateSessionVersioned(ctx, m.GroupResultID, version, data)
	if err != nil {
		return 0, storageErr(err, "保存 group session 失败")
	}
	if !ok {
		return 0, apperr.Conflict(apperr.ReasonGroupSessionVersion,
			"group %d 的 session 版本不是 %d", m.GroupResultID, version)
	}
	payload := json.RawMessage(data)
	if !json.Valid(payload) {
		if payload, err = sonic.Marshal(data); err != nil {
			return 0, apperr.Fail(err, "编码 group session 失败")
		}
	}
	g.channels.Broadcast(m.GroupResultID, &GroupMessage{
		Type: MessageSession, GroupID: m.GroupResultID, From: runID,
		Payload: payload, SessionVersion: version + 1,
	}, 0)
	return version + 1, nil
}

// Open 给活跃成员开推送通道
func (g *GroupCoordinator) Open(ctx context.Context, runID uint) (*MemberChannel, error) {
	m, err := g.activeMembership(ctx, runID)
	if err != nil {
		return nil, err
	}
	return g.channels.Register(m.GroupResultID, runID), nil
}

// Disconnect 客户端断开：通道还是当前通道时异步离开 group，不阻塞调用方
func (g *GroupCoordinator) Disconnect(ch *MemberChannel) {
	if !g.channels.Unregister(ch) {
		return
	}
	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		err := g.Leave(context.Background(), ch.RunID)
		if err != nil && !apperr.IsKind(err, apperr.KindForbidden) {
			g.logger.Error("断开后离开 group 失败", err,
				zap.Uint("group_id", ch.GroupID), zap.Uint("study_run_id", ch.RunID))
		}
	}()
}

// Wait 等待所有异步离开完成
func (g *GroupCoordinator) Wait() {
	g.pending.Wait()
}

// Get group 及成员
func (g *GroupCoordinator) Get(ctx context.Context, groupID uint) (*GroupView, error) {
	group, err := g.daos.Groups.FindWithMembers(ctx, groupID)
	if dao.IsNotFound(err) {
		return nil, apperr.NotFound(apperr.ReasonGroupNotFound, "group %d 不存在", groupID)
	}
	if err != nil {
		return nil, storageErr(err, "查询 group %d 失败", groupID)
	}
	view := &GroupView{Group: group, Active: []uint{}, History: []uint{}}
	for _, m := range group.Memberships {
		if m.Active {
			view.Active = append(view.Active, m.StudyRunID)
		} else {
			view.History = append(view.History, m.StudyRunID)
		}
	}
	return view, nil
}

// Close 关闭所有通道并等待后台任务
func (g *GroupCoordinator) Close() {
	g.channels.CloseAll()
	g.Wait()
}
