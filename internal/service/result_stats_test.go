package service

import (
	"testing"

	"study-engine/internal/apperr"
	"study-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStudyStats(t *testing.T) {
	f := newFixture(t, nil)
	done := f.running("a")
	_, err := f.svc.Runs.Finish(f.ctx, done.ID, true, "")
	require.NoError(t, err)
	aborted := f.running("b")
	_, err = f.svc.Runs.Abort(f.ctx, aborted.ID, "withdrew")
	require.NoError(t, err)
	f.running("c")

	st, err := f.svc.Stats.ForStudy(f.ctx, f.study.ID)
	require.NoError(t, err)
	require.Len(t, st.Batches, 1)

	bs := st.Batches[0]
	assert.Equal(t, f.batch.ID, bs.BatchID)
	assert.Equal(t, 3, bs.Total)
	assert.Equal(t, 3, bs.Workers)
	assert.Equal(t, 1, bs.States[model.RunStateFinished])
	assert.Equal(t, 1, bs.States[model.RunStateAborted])
	assert.Equal(t, 1, bs.States[model.RunStateStarted])
	assert.InDelta(t, 0.5, bs.CompletionRate, 1e-9)
	assert.Less(t, bs.CI95Low, 0.5)
	assert.Greater(t, bs.CI95High, 0.5)
	assert.Equal(t, bs.Total, st.Overall.Total)
	assert.GreaterOrEqual(t, bs.P90DurationSec, bs.P50DurationSec)
	assert.Greater(t, bs.P50DurationSec, 0.0)

	md := RenderStatsMarkdown(st)
	assert.Contains(t, md, f.study.Title)
	assert.Contains(t, md, "| default | 3 |")

	_, err = f.svc.Stats.ForStudy(f.ctx, 999)
	assert.Equal(t, apperr.ReasonStudyNotFound, apperr.ReasonOf(err))
}

func TestWilsonCI(t *testing.T) {
	low, high := wilsonCI(0, 0, 1.96)
	assert.Zero(t, low)
	assert.Zero(t, high)

	low, high = wilsonCI(10, 10, 1.96)
	assert.Less(t, low, 1.0)
	assert.InDelta(t, 1.0, high, 1e-9)

	low, high = wilsonCI(0, 10, 1.96)
	assert.InDelta(t, 0.0, low, 1e-9)
	assert.Greater(t, high, 0.0)
}
