package service

import (
	"testing"

	"study-engine/internal/apperr"
	"study-engine/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDs(t *testing.T) {
	tests := []struct {
		raw  string
		want []uint
		bad  bool
	}{
		{raw: "1,2,3", want: []uint{1, 2, 3}},
		{raw: " 4 , 5 ,4", want: []uint{4, 5}},
		{raw: "7,,8,", want: []uint{7, 8}},
		{raw: "", bad: true},
		{raw: "  ", bad: true},
		{raw: ",,", bad: true},
		{raw: "1,x", bad: true},
		{raw: "0", bad: true},
		{raw: "-3", bad: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseIDs(tt.raw)
			if tt.bad {
				assert.Equal(t, apperr.ReasonMalformedIDs, apperr.ReasonOf(err))
				assert.True(t, apperr.IsKind(err, apperr.KindBadRequest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// withData 推进到第一个 component 并提交结果和一个文件
func (f *fixture) withData(cookie string) *model.StudyRun {
	run := f.running(cookie)
	_, err := f.svc.Runs.SubmitResultData(f.ctx, run.ID, f.comps[0].ID, `{"rt":512}`, false)
	require.NoError(f.t, err)
	_, err = f.svc.Runs.AddResultFile(f.ctx, run.ID, f.comps[0].ID, "trace.csv", 42)
	require.NoError(f.t, err)
	return run
}

func TestRemoveStudyRunsCascades(t *testing.T) {
	f := newFixture(t, nil)
	f.updateBatch(func(b *model.Batch) {
		b.GroupStudy = true
		b.MaxActiveMembers = intPtr(3)
	})
	a, b := f.withData("a"), f.withData("b")
	g, err := f.svc.Groups.Join(f.ctx, a.ID)
	require.NoError(t, err)
	_, err = f.svc.Groups.Join(f.ctx, b.ID)
	require.NoError(t, err)
	chB, err := f.svc.Groups.Open(f.ctx, b.ID)
	require.NoError(t, err)

	report, err := f.svc.Remover.RemoveStudyRuns(f.ctx, []uint{a.ID}, f.user)
	require.NoError(t, err)
	assert.Equal(t, []uint{a.ID}, report.Removed)
	assert.Empty(t, report.Failed)

	_, err = f.svc.Runs.Get(f.ctx, a.ID)
	assert.Equal(t, apperr.ReasonStudyRunNotFound, apperr.ReasonOf(err))
	crs, err := f.svc.Daos.ComponentRuns.FindByStudyRun(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, crs)
	assert.False(t, f.svc.Sessions.HasRun(a.ID))
	_, bound := f.svc.Sessions.Lookup("a")
	assert.False(t, bound)

	// 成员关系保留为历史
	view, err := f.svc.Groups.Get(f.ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{b.ID}, view.Active)
	assert.Equal(t, []uint{a.ID}, view.History)

	left := receive(t, chB)
	assert.Equal(t, MessageLeft, left.Type)
	assert.Equal(t, a.ID, left.From)

	// 另一个 run 不受影响
	assert.Len(t, f.reload(b).ComponentRuns, 1)
}

func TestRemoveStudyRunFixesWorkerHistory(t *testing.T) {
	f := newFixture(t, nil)
	w := f.worker(model.WorkerTypePersonalMultiple)

	first, err := f.start(w, "c", false)
	require.NoError(t, err)
	_, err = f.svc.Runs.Finish(f.ctx, first.Run.ID, true, "")
	require.NoError(t, err)
	second, err := f.start(w, "c", false)
	require.NoError(t, err)

	worker, err := f.svc.Daos.Workers.Find(f.ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, second.Run.ID, *worker.LastStudyRunID)

	_, err = f.svc.Remover.RemoveStudyRuns(f.ctx, []uint{second.Run.ID}, f.user)
	require.NoError(t, err)
	worker, err = f.svc.Daos.Workers.Find(f.ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, worker.LastStudyRunID)
	assert.Equal(t, first.Run.ID, *worker.LastStudyRunID)

	_, err = f.svc.Remover.RemoveStudyRuns(f.ctx, []uint{first.Run.ID}, f.user)
	require.NoError(t, err)
	worker, err = f.svc.Daos.Workers.Find(f.ctx, w.ID)
	require.NoError(t, err)
	assert.Nil(t, worker.LastStudyRunID)
}

func TestRemoveValidatesBeforeDeleting(t *testing.T) {
	f := newFixture(t, nil)
	run := f.withData("a")

	_, err := f.svc.Remover.RemoveStudyRuns(f.ctx, []uint{run.ID, 9999}, f.user)
	assert.Equal(t, apperr.ReasonStudyRunNotFound, apperr.ReasonOf(err))
	assert.Contains(t, err.Error(), "9999")

	bob := &model.User{Username: "bob"}
	require.NoError(t, f.svc.Daos.Users.Save(f.ctx, bob))
	_, err = f.svc.Remover.RemoveStudyRuns(f.ctx, []uint{run.ID}, bob)
	assert.Equal(t, apperr.ReasonNoAccess, apperr.ReasonOf(err))

	_, err = f.svc.Remover.RemoveStudyRuns(f.ctx, []uint{run.ID}, nil)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	// 校验失败时什么都没删
	assert.Len(t, f.reload(run).ComponentRuns, 1)
}

func TestRemoveComponentRuns(t *testing.T) {
	f := newFixture(t, nil)
	run := f.withData("a")
	cr := f.reload(run).ComponentRuns[0]

	_, err := f.svc.Remover.RemoveComponentRuns(f.ctx, []uint{cr.ID, 4242}, f.user)
	assert.Equal(t, apperr.ReasonComponentRunNotFound, apperr.ReasonOf(err))

	report, err := f.svc.Remover.RemoveComponentRuns(f.ctx, []uint{cr.ID}, f.user)
	require.NoError(t, err)
	assert.Equal(t, []uint{cr.ID}, report.Removed)

	fresh := f.reload(run)
	assert.Empty(t, fresh.ComponentRuns)
	assert.Equal(t, model.RunStateStarted, fresh.State)
}

func TestRemoveAllOfComponentAndStudy(t *testing.T) {
	f := newFixture(t, nil)
	a, b := f.withData("a"), f.withData("b")

	report, err := f.svc.Remover.RemoveAllOfComponent(f.ctx, f.comps[0].ID, f.user)
	require.NoError(t, err)
	assert.Len(t, report.Removed, 2)
	assert.Empty(t, f.reload(a).ComponentRuns)

	report, err = f.svc.Remover.RemoveAllOfStudy(f.ctx, f.study.ID, f.user)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{a.ID, b.ID}, report.Removed)

	runs, err := f.svc.Runs.ListByStudy(f.ctx, f.study.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)

	_, err = f.svc.Remover.RemoveAllOfStudy(f.ctx, 777, f.user)
	assert.Equal(t, apperr.ReasonStudyNotFound, apperr.ReasonOf(err))
}

func TestRemoveAllOfWorkerOnlyTouchesAllowedStudies(t *testing.T) {
	f := newFixture(t, nil)
	w := f.worker(model.WorkerTypePersonalMultiple)
	mine, err := f.start(w, "c1", false)
	require.NoError(t, err)

	// bob 的 study，alice 没有权限
	bob := &model.User{Username: "bob"}
	require.NoError(t, f.svc.Daos.Users.Save(f.ctx, bob))
	other := &model.Study{UUID: uuid.NewString(), Title: "other"}
	require.NoError(t, f.svc.Daos.Studies.Save(f.ctx, other))
	require.NoError(t, f.svc.Daos.Studies.AddUser(f.ctx, other, bob))
	comp := &model.Component{UUID: uuid.NewString(), StudyID: other.ID, Position: 1, Title: "X", Active: true}
	require.NoError(t, f.svc.Daos.Components.Save(f.ctx, comp))
	batch := &model.Batch{UUID: uuid.NewString(), StudyID: other.ID, Title: "b", Active: true}
	batch.SetAllowedWorkerTypes(model.AllWorkerTypes...)
	require.NoError(t, f.svc.Daos.Batches.Save(f.ctx, batch))
	theirs, err := f.svc.Runs.StartOrResume(f.ctx, w, other, batch, StartRequest{CookieID: "c2"})
	require.NoError(t, err)

	report, err := f.svc.Remover.RemoveAllOfWorker(f.ctx, w.ID, f.user)
	require.NoError(t, err)
	assert.Equal(t, []uint{mine.Run.ID}, report.Removed)

	_, err = f.svc.Runs.Get(f.ctx, theirs.Run.ID)
	assert.NoError(t, err)

	_, err = f.svc.Remover.RemoveAllOfWorker(f.ctx, 31337, f.user)
	assert.Equal(t, apperr.ReasonWorkerNotFound, apperr.ReasonOf(err))
}
