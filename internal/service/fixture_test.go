package service

import (
	"context"
	"fmt"
	"testing"

	"study-engine/internal/config"
	"study-engine/internal/db"
	"study-engine/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fixture 一个 study（三个 component，第二个未激活）、一个 batch、一个有权限的操作员
type fixture struct {
	t     require.TestingT
	ctx   context.Context
	svc   *ServiceContext
	conn  *gorm.DB
	study *model.Study
	comps []model.Component
	batch *model.Batch
	user  *model.User
}

func openFixture(t require.TestingT, tweak func(*config.Config)) (*fixture, func()) {
	return openFixtureWithLogger(t, tweak, zap.NewNop())
}

func openFixtureWithLogger(t require.TestingT, tweak func(*config.Config), log *zap.Logger) (*fixture, func()) {
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	cfg.Database.LogLevel = "silent"
	if tweak != nil {
		tweak(cfg)
	}
	conn, err := db.Open(&cfg.Database)
	require.NoError(t, err)

	svc := NewServiceContext(cfg, conn, log)
	f := &fixture{t: t, ctx: context.Background(), svc: svc, conn: conn}
	f.seed()

	closeFn := func() {
		svc.Close()
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return f, closeFn
}

func newFixture(t *testing.T, tweak func(*config.Config)) *fixture {
	f, closeFn := openFixture(t, tweak)
	t.Cleanup(closeFn)
	return f
}

func (f *fixture) seed() {
	daos := f.svc.Daos
	f.user = &model.User{Username: "alice", Name: "Alice"}
	require.NoError(f.t, daos.Users.Save(f.ctx, f.user))

	f.study = &model.Study{UUID: uuid.NewString(), Title: "reaction time"}
	require.NoError(f.t, daos.Studies.Save(f.ctx, f.study))
	require.NoError(f.t, daos.Studies.AddUser(f.ctx, f.study, f.user))

	for i, active := range []bool{true, false, true} {
		c := model.Component{
			UUID:     uuid.NewString(),
			StudyID:  f.study.ID,
			Position: i + 1,
			Title:    fmt.Sprintf("C%d", i+1),
			Active:   active,
		}
		require.NoError(f.t, daos.Components.Save(f.ctx, &c))
		f.comps = append(f.comps, c)
	}

	f.batch = &model.Batch{UUID: uuid.NewString(), StudyID: f.study.ID, Title: "default", Active: true}
	f.batch.SetAllowedWorkerTypes(model.AllWorkerTypes...)
	require.NoError(f.t, daos.Batches.Save(f.ctx, f.batch))
}

// updateBatch 修改 batch 配置并落库
func (f *fixture) updateBatch(fn func(b *model.Batch)) {
	fn(f.batch)
	require.NoError(f.t, f.svc.Daos.Batches.Update(f.ctx, f.batch))
}

func (f *fixture) updateComponent(i int, fn func(c *model.Component)) {
	fn(&f.comps[i])
	require.NoError(f.t, f.svc.Daos.Components.Update(f.ctx, &f.comps[i]))
}

func (f *fixture) worker(typ model.WorkerType) *model.Worker {
	w := &model.Worker{Type: typ}
	require.NoError(f.t, f.svc.Daos.Workers.Save(f.ctx, w))
	return w
}

func (f *fixture) start(w *model.Worker, cookie string, preview bool) (*StartResult, error) {
	return f.svc.Runs.StartOrResume(f.ctx, w, f.study, f.batch, StartRequest{
		CookieID: cookie,
		Preview:  preview,
	})
}

// running 开始一个 run 并进入第一个 component
func (f *fixture) running(cookie string) *model.StudyRun {
	res, err := f.start(f.worker(model.WorkerTypeGeneralMultiple), cookie, false)
	require.NoError(f.t, err)
	_, err = f.svc.Runs.AdvanceComponent(f.ctx, res.Run.ID, f.comps[0].ID)
	require.NoError(f.t, err)
	return res.Run
}

func (f *fixture) reload(run *model.StudyRun) *model.StudyRun {
	fresh, err := f.svc.Runs.Get(f.ctx, run.ID)
	require.NoError(f.t, err)
	return fresh
}

func intPtr(n int) *int { return &n }
