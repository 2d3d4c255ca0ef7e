package service

import (
	"fmt"
	"testing"
	"time"

	"study-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSessionStoreBindLookupUnbind(t *testing.T) {
	s := NewSessionStore(3)
	now := time.Now()

	evicted, err := s.Bind("a", 1, model.RunStateStarted, now)
	require.NoError(t, err)
	assert.Nil(t, evicted)

	id, ok := s.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, uint(1), id)
	assert.Equal(t, 1, s.Count())

	s.Unbind("a")
	_, ok = s.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Count())
}

func TestSessionStoreEvictsOldestStarted(t *testing.T) {
	s := NewSessionStore(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, _ = s.Bind("pre", 1, model.RunStatePre, base)
	_, _ = s.Bind("old", 2, model.RunStateStarted, base.Add(time.Minute))
	_, _ = s.Bind("new", 3, model.RunStateStarted, base.Add(2*time.Minute))

	evicted, err := s.Bind("d", 4, model.RunStateStarted, base.Add(3*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, evicted)
	// PRE 的 run 虽然更老，但优先淘汰已开始的
	assert.Equal(t, uint(2), evicted.StudyRunID)
	assert.Equal(t, 3, s.Count())
	assert.False(t, s.HasRun(2))
}

func TestSessionStoreTieBreakByRunID(t *testing.T) {
	s := NewSessionStore(2)
	at := time.Now()
	_, _ = s.Bind("x", 9, model.RunStateStarted, at)
	_, _ = s.Bind("y", 5, model.RunStateStarted, at)

	evicted, _ := s.Bind("z", 10, model.RunStateStarted, at)
	require.NotNil(t, evicted)
	assert.Equal(t, uint(5), evicted.StudyRunID)
}

func TestSessionStoreRebindSameRunDoesNotGrow(t *testing.T) {
	s := NewSessionStore(2)
	now := time.Now()
	_, _ = s.Bind("browser-1", 1, model.RunStateStarted, now)
	_, _ = s.Bind("browser-2", 1, model.RunStateStarted, now)

	assert.Equal(t, 1, s.Count())
	_, ok := s.Lookup("browser-1")
	assert.False(t, ok)
	id, ok := s.Lookup("browser-2")
	assert.True(t, ok)
	assert.Equal(t, uint(1), id)
}

func TestSessionStoreRebindCookieReturnsDisplacedRun(t *testing.T) {
	s := NewSessionStore(4)
	now := time.Now()
	_, _ = s.Bind("browser", 1, model.RunStateStarted, now)

	displaced, err := s.Bind("browser", 2, model.RunStateStarted, now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, displaced)
	assert.Equal(t, uint(1), displaced.StudyRunID)
	assert.False(t, s.HasRun(1))
	assert.True(t, s.HasRun(2))
	assert.Equal(t, 1, s.Count())

	again, err := s.Bind("browser", 2, model.RunStateStarted, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestSessionStoreClose(t *testing.T) {
	s := NewSessionStore(2)
	_, _ = s.Bind("a", 1, model.RunStateStarted, time.Now())
	s.Close()
	assert.Equal(t, 0, s.Count())
	_, err := s.Bind("b", 2, model.RunStateStarted, time.Now())
	assert.ErrorIs(t, err, ErrSessionStoreClosed)
}

// 属性：槽位数永远不超过上限；表满时新绑定恰好淘汰一个
func TestSessionStoreNeverExceedsMaxProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(1, 8).Draw(t, "max")
		s := NewSessionStore(max)
		base := time.Now()
		ops := rapid.IntRange(1, 60).Draw(t, "ops")

		for i := 0; i < ops; i++ {
			cookie := fmt.Sprintf("c%d", rapid.IntRange(0, 15).Draw(t, "cookie"))
			run := uint(rapid.IntRange(1, 20).Draw(t, "run"))
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				s.Unbind(cookie)
			default:
				before := s.Count()
				_, existed := s.Lookup(cookie)
				runBound := s.HasRun(run)
				evicted, err := s.Bind(cookie, run, model.RunStateStarted, base.Add(time.Duration(i)*time.Second))
				if err != nil {
					t.Fatalf("bind: %v", err)
				}
				if !existed && !runBound && before == max {
					if evicted == nil {
						t.Fatalf("表满时必须淘汰一个槽位")
					}
					if s.Count() != max {
						t.Fatalf("淘汰后应保持 %d，实际 %d", max, s.Count())
					}
				}
			}
			if s.Count() > max {
				t.Fatalf("槽位数 %d 超过上限 %d", s.Count(), max)
			}
		}
	})
}
