package service

import (
	"testing"

	"study-engine/internal/apperr"
	"study-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorisationBatchRules(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fixture)
		typ    model.WorkerType
		reason apperr.Reason
	}{
		{
			name:   "inactive batch",
			setup:  func(f *fixture) { f.updateBatch(func(b *model.Batch) { b.Active = false }) },
			typ:    model.WorkerTypeGeneralMultiple,
			reason: apperr.ReasonBatchInactive,
		},
		{
			name: "worker type not allowed",
			setup: func(f *fixture) {
				f.updateBatch(func(b *model.Batch) { b.SetAllowedWorkerTypes(model.WorkerTypePersonalSingle) })
			},
			typ:    model.WorkerTypeGeneralMultiple,
			reason: apperr.ReasonWorkerTypeNotAllowed,
		},
		{
			name: "inactive batch wins over worker type",
			setup: func(f *fixture) {
				f.updateBatch(func(b *model.Batch) {
					b.Active = false
					b.SetAllowedWorkerTypes(model.WorkerTypePersonalSingle)
				})
			},
			typ:    model.WorkerTypeGeneralMultiple,
			reason: apperr.ReasonBatchInactive,
		},
		{
			name: "unknown worker type",
			setup: func(f *fixture) {
				f.updateBatch(func(b *model.Batch) { b.AllowedWorkerTypes = "MTurk" })
			},
			typ:    model.WorkerType("MTurk"),
			reason: apperr.ReasonUnknownWorkerType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			tt.setup(f)
			w := f.worker(tt.typ)
			err := f.svc.Auth.CheckAllowedToStart(f.ctx, AuthRequest{}, w, f.study, f.batch)
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
			assert.Equal(t, tt.reason, apperr.ReasonOf(err))
		})
	}
}

func TestAuthorisationMaxTotalWorkers(t *testing.T) {
	f := newFixture(t, nil)
	f.updateBatch(func(b *model.Batch) { b.MaxTotalWorkers = intPtr(1) })

	first := f.worker(model.WorkerTypeGeneralMultiple)
	_, err := f.start(first, "c1", false)
	require.NoError(t, err)

	second := f.worker(model.WorkerTypeGeneralMultiple)
	_, err = f.start(second, "c2", false)
	assert.Equal(t, apperr.ReasonMaxWorkersReached, apperr.ReasonOf(err))

	// 已经在 batch 里的 worker 不受限制
	assert.NoError(t, f.svc.Auth.CheckAllowedToStart(f.ctx, AuthRequest{}, first, f.study, f.batch))
}

func TestAuthorisationSingleWorkerOnlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	w := f.worker(model.WorkerTypePersonalSingle)

	res, err := f.start(w, "c1", false)
	require.NoError(t, err)
	_, err = f.svc.Runs.Finish(f.ctx, res.Run.ID, true, "")
	require.NoError(t, err)

	_, err = f.start(w, "c1", false)
	assert.Equal(t, apperr.ReasonWorkerAlreadyDidStudy, apperr.ReasonOf(err))
}

func TestAuthorisationMultipleWorkerMayRepeat(t *testing.T) {
	f := newFixture(t, nil)
	w := f.worker(model.WorkerTypePersonalMultiple)

	res, err := f.start(w, "c1", false)
	require.NoError(t, err)
	_, err = f.svc.Runs.Finish(f.ctx, res.Run.ID, true, "")
	require.NoError(t, err)

	again, err := f.start(w, "c1", false)
	require.NoError(t, err)
	assert.NotEqual(t, res.Run.ID, again.Run.ID)
	assert.False(t, again.Resumed)
}

func TestAuthorisationJatosWorker(t *testing.T) {
	f := newFixture(t, nil)
	jatos := &model.Worker{Type: model.WorkerTypeJatos, UserID: &f.user.ID}
	require.NoError(t, f.svc.Daos.Workers.Save(f.ctx, jatos))

	err := f.svc.Auth.CheckAllowedToStart(f.ctx, AuthRequest{SessionUsername: "alice"}, jatos, f.study, f.batch)
	assert.NoError(t, err)

	err = f.svc.Auth.CheckAllowedToStart(f.ctx, AuthRequest{SessionUsername: "bob"}, jatos, f.study, f.batch)
	assert.Equal(t, apperr.ReasonWorkerNotAllowedStudy, apperr.ReasonOf(err))

	err = f.svc.Auth.CheckAllowedToStart(f.ctx, AuthRequest{}, jatos, f.study, f.batch)
	assert.Equal(t, apperr.ReasonWorkerNotAllowedStudy, apperr.ReasonOf(err))

	outsider := &model.User{Username: "bob"}
	require.NoError(t, f.svc.Daos.Users.Save(f.ctx, outsider))
	other := &model.Worker{Type: model.WorkerTypeJatos, UserID: &outsider.ID}
	require.NoError(t, f.svc.Daos.Workers.Save(f.ctx, other))
	err = f.svc.Auth.CheckAllowedToStart(f.ctx, AuthRequest{SessionUsername: "bob"}, other, f.study, f.batch)
	assert.Equal(t, apperr.ReasonWorkerNotAllowedStudy, apperr.ReasonOf(err))

	orphan := f.worker(model.WorkerTypeJatos)
	err = f.svc.Auth.CheckAllowedToContinue(f.ctx, AuthRequest{SessionUsername: "alice"}, orphan, f.study, f.batch)
	assert.Equal(t, apperr.ReasonWorkerNotAllowedStudy, apperr.ReasonOf(err))
}

func TestCheckUserAccess(t *testing.T) {
	f := newFixture(t, nil)
	assert.NoError(t, f.svc.Auth.CheckUserAccess(f.ctx, f.study.ID, f.user))

	err := f.svc.Auth.CheckUserAccess(f.ctx, f.study.ID, nil)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	bob := &model.User{Username: "bob"}
	require.NoError(t, f.svc.Daos.Users.Save(f.ctx, bob))
	err = f.svc.Auth.CheckUserAccess(f.ctx, f.study.ID, bob)
	assert.Equal(t, apperr.ReasonNoAccess, apperr.ReasonOf(err))
}
