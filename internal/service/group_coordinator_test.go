package service

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"study-engine/internal/apperr"
	"study-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func groupFixture(t *testing.T, maxActive int) *fixture {
	f := newFixture(t, nil)
	f.updateBatch(func(b *model.Batch) {
		b.GroupStudy = true
		b.MaxActiveMembers = intPtr(maxActive)
	})
	return f
}

func receive(t *testing.T, ch *MemberChannel) *GroupMessage {
	t.Helper()
	select {
	case m := <-ch.Messages():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("没有收到消息")
		return nil
	}
}

func TestJoinIsNoopWithoutGroupStudy(t *testing.T) {
	f := newFixture(t, nil)
	run := f.running("c")

	group, err := f.svc.Groups.Join(f.ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, group)
	assert.Nil(t, f.reload(run).ActiveGroupID)

	g, err := f.svc.Publix.GroupsFor(model.WorkerTypeGeneralMultiple)
	require.NoError(t, err)
	_, err = g.JoinGroup(f.ctx, run.ID)
	assert.Equal(t, apperr.ReasonGroupsNotSupported, apperr.ReasonOf(err))
}

func TestJoinFillsGroupThenOpensNew(t *testing.T) {
	f := groupFixture(t, 2)
	a, b, c := f.running("a"), f.running("b"), f.running("c")

	ga, err := f.svc.Groups.Join(f.ctx, a.ID)
	require.NoError(t, err)
	gb, err := f.svc.Groups.Join(f.ctx, b.ID)
	require.NoError(t, err)
	gc, err := f.svc.Groups.Join(f.ctx, c.ID)
	require.NoError(t, err)

	assert.Equal(t, ga.ID, gb.ID)
	assert.NotEqual(t, ga.ID, gc.ID)

	// 重复加入返回同一个 group
	again, err := f.svc.Groups.Join(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ga.ID, again.ID)

	view, err := f.svc.Groups.Get(f.ctx, ga.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{a.ID, b.ID}, view.Active)
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	const capacity, joiners = 3, 8
	f := groupFixture(t, capacity)

	runs := make([]*model.StudyRun, joiners)
	for i := range runs {
		runs[i] = f.running(fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	groups := make([]uint, joiners)
	errs := make([]error, joiners)
	for i, run := range runs {
		wg.Add(1)
		go func(i int, runID uint) {
			defer wg.Done()
			g, err := f.svc.Groups.Join(f.ctx, runID)
			errs[i] = err
			if g != nil {
				groups[i] = g.ID
			}
		}(i, run.ID)
	}
	wg.Wait()

	count := make(map[uint]int)
	for i := range runs {
		require.NoError(t, errs[i])
		count[groups[i]]++
	}
	for groupID, n := range count {
		assert.LessOrEqual(t, n, capacity, "group %d", groupID)
		active, err := f.svc.Daos.Groups.CountActive(f.ctx, groupID)
		require.NoError(t, err)
		assert.Equal(t, int64(n), active)
	}
	// 8 个人、容量 3：3 + 3 + 2
	assert.Len(t, count, 3)
}

// 属性：任意容量和加入人数下，没有 group 的活跃成员超过容量，且每个 run 恰好在一个 group
func TestJoinCapacityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 4).Draw(rt, "capacity")
		joiners := rapid.IntRange(1, 9).Draw(rt, "joiners")

		f, closeFn := openFixture(rt, nil)
		defer closeFn()
		f.updateBatch(func(b *model.Batch) {
			b.GroupStudy = true
			b.MaxActiveMembers = intPtr(capacity)
		})

		runIDs := make([]uint, joiners)
		for i := range runIDs {
			runIDs[i] = f.running(fmt.Sprintf("c%d", i)).ID
		}
		var wg sync.WaitGroup
		for _, id := range runIDs {
			wg.Add(1)
			go func(id uint) {
				defer wg.Done()
				_, _ = f.svc.Groups.Join(f.ctx, id)
			}(id)
		}
		wg.Wait()

		groups, err := f.svc.Daos.Groups.FindStarted(f.ctx, f.batch.ID)
		require.NoError(rt, err)
		total := int64(0)
		for _, g := range groups {
			n, err := f.svc.Daos.Groups.CountActive(f.ctx, g.ID)
			require.NoError(rt, err)
			if n > int64(capacity) {
				rt.Fatalf("group %d 有 %d 个活跃成员，超过容量 %d", g.ID, n, capacity)
			}
			total += n
		}
		if total != int64(joiners) {
			rt.Fatalf("活跃成员总数 %d，应为 %d", total, joiners)
		}
		wantGroups := (joiners + capacity - 1) / capacity
		if len(groups) != wantGroups {
			rt.Fatalf("group 数 %d，应为 %d", len(groups), wantGroups)
		}
	})
}

func TestLeaveThenJoinNeverReturnsToSameGroup(t *testing.T) {
	f := groupFixture(t, 5)
	f.updateBatch(func(b *model.Batch) { b.ReuseEmptyGroups = true })
	a, b := f.running("a"), f.running("b")

	first, err := f.svc.Groups.Join(f.ctx, a.ID)
	require.NoError(t, err)
	_, err = f.svc.Groups.Join(f.ctx, b.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Groups.Leave(f.ctx, a.ID))
	second, err := f.svc.Groups.Join(f.ctx, a.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	view, err := f.svc.Groups.Get(f.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{b.ID}, view.Active)
	assert.Equal(t, []uint{a.ID}, view.History)

	err = f.svc.Groups.Leave(f.ctx, a.ID)
	require.NoError(t, err)
	err = f.svc.Groups.Leave(f.ctx, a.ID)
	assert.Equal(t, apperr.ReasonNotGroupMember, apperr.ReasonOf(err))
}

func TestEmptyGroupReuse(t *testing.T) {
	t.Run("reuse allowed keeps group open", func(t *testing.T) {
		f := groupFixture(t, 2)
		f.updateBatch(func(b *model.Batch) { b.ReuseEmptyGroups = true })
		a, b := f.running("a"), f.running("b")

		g, err := f.svc.Groups.Join(f.ctx, a.ID)
		require.NoError(t, err)
		require.NoError(t, f.svc.Groups.Leave(f.ctx, a.ID))

		view, err := f.svc.Groups.Get(f.ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, model.GroupStateStarted, view.Group.State)
		assert.Empty(t, view.Active)

		gb, err := f.svc.Groups.Join(f.ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, g.ID, gb.ID)
	})

	t.Run("reuse disallowed finishes group", func(t *testing.T) {
		f := groupFixture(t, 2)
		a, b := f.running("a"), f.running("b")

		g, err := f.svc.Groups.Join(f.ctx, a.ID)
		require.NoError(t, err)
		require.NoError(t, f.svc.Groups.Leave(f.ctx, a.ID))

		view, err := f.svc.Groups.Get(f.ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, model.GroupStateFinished, view.Group.State)
		assert.NotNil(t, view.Group.EndDate)

		gb, err := f.svc.Groups.Join(f.ctx, b.ID)
		require.NoError(t, err)
		assert.NotEqual(t, g.ID, gb.ID)
	})
}

func TestMaxTotalMembersCountsHistory(t *testing.T) {
	f := groupFixture(t, 5)
	f.updateBatch(func(b *model.Batch) {
		b.MaxTotalMembers = intPtr(2)
		b.ReuseEmptyGroups = true
	})
	a, b, c := f.running("a"), f.running("b"), f.running("c")

	g, err := f.svc.Groups.Join(f.ctx, a.ID)
	require.NoError(t, err)
	_, err = f.svc.Groups.Join(f.ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Groups.Leave(f.ctx, b.ID))

	gc, err := f.svc.Groups.Join(f.ctx, c.ID)
	require.NoError(t, err)
	assert.NotEqual(t, g.ID, gc.ID)
}

func TestDisconnectMovesMemberToHistory(t *testing.T) {
	f := groupFixture(t, 2)
	a, b := f.running("a"), f.running("b")

	g, err := f.svc.Groups.Join(f.ctx, a.ID)
	require.NoError(t, err)
	_, err = f.svc.Groups.Join(f.ctx, b.ID)
	require.NoError(t, err)

	chA, err := f.svc.Groups.Open(f.ctx, a.ID)
	require.NoError(t, err)
	chB, err := f.svc.Groups.Open(f.ctx, b.ID)
	require.NoError(t, err)

	f.svc.Groups.Disconnect(chA)
	f.svc.Groups.Wait()

	view, err := f.svc.Groups.Get(f.ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{b.ID}, view.Active)
	assert.Equal(t, []uint{a.ID}, view.History)
	assert.Equal(t, model.GroupStateStarted, view.Group.State)

	left := receive(t, chB)
	assert.Equal(t, MessageLeft, left.Type)
	assert.Equal(t, a.ID, left.From)
	assert.Equal(t, []uint{b.ID}, left.Members)

	// 最后一个成员离开，group 结束，通道关闭
	require.NoError(t, f.svc.Groups.Leave(f.ctx, b.ID))
	view, err = f.svc.Groups.Get(f.ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupStateFinished, view.Group.State)
	assert.Empty(t, view.Active)
	assert.ElementsMatch(t, []uint{a.ID, b.ID}, view.History)

	select {
	case <-chB.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("离开后通道应关闭")
	}
}

func TestReplacedChannelDoesNotLeave(t *testing.T) {
	f := groupFixture(t, 2)
	a := f.running("a")
	_, err := f.svc.Groups.Join(f.ctx, a.ID)
	require.NoError(t, err)

	old, err := f.svc.Groups.Open(f.ctx, a.ID)
	require.NoError(t, err)
	_, err = f.svc.Groups.Open(f.ctx, a.ID)
	require.NoError(t, err)

	f.svc.Groups.Disconnect(old)
	f.svc.Groups.Wait()
	assert.NotNil(t, f.reload(a).ActiveGroupID)
}

func TestSendPreservesPerSenderOrder(t *testing.T) {
	f := groupFixture(t, 3)
	a, b, c := f.running("a"), f.running("b"), f.running("c")
	for _, r := range []*model.StudyRun{a, b, c} {
		_, err := f.svc.Groups.Join(f.ctx, r.ID)
		require.NoError(t, err)
	}
	chA, err := f.svc.Groups.Open(f.ctx, a.ID)
	require.NoError(t, err)
	chB, err := f.svc.Groups.Open(f.ctx, b.ID)
	require.NoError(t, err)
	// c 没有连接，不影响投递给 b

	for i := 0; i < 20; i++ {
		n, err := f.svc.Groups.Send(f.ctx, a.ID, json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	for i := 0; i < 20; i++ {
		m := receive(t, chB)
		assert.Equal(t, MessageData, m.Type)
		assert.Equal(t, a.ID, m.From)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(m.Payload))
	}
	// 发送者收不到自己的消息
	assert.Len(t, chA.Messages(), 0)

	outsider := f.running("x")
	_, err = f.svc.Groups.Send(f.ctx, outsider.ID, json.RawMessage(`{}`))
	assert.Equal(t, apperr.ReasonNotGroupMember, apperr.ReasonOf(err))
}

func TestSendTo(t *testing.T) {
	f := groupFixture(t, 3)
	a, b, c := f.running("a"), f.running("b"), f.running("c")
	for _, r := range []*model.StudyRun{a, b, c} {
		_, err := f.svc.Groups.Join(f.ctx, r.ID)
		require.NoError(t, err)
	}
	chB, err := f.svc.Groups.Open(f.ctx, b.ID)
	require.NoError(t, err)
	chC, err := f.svc.Groups.Open(f.ctx, c.ID)
	require.NoError(t, err)

	delivered, err := f.svc.Groups.SendTo(f.ctx, a.ID, b.ID, json.RawMessage(`"hi"`))
	require.NoError(t, err)
	assert.True(t, delivered)
	m := receive(t, chB)
	assert.Equal(t, b.ID, m.To)
	assert.Len(t, chC.Messages(), 0)

	stranger := f.running("s")
	_, err = f.svc.Groups.SendTo(f.ctx, a.ID, stranger.ID, json.RawMessage(`"hi"`))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGroupSessionVersioning(t *testing.T) {
	f := groupFixture(t, 2)
	a, b := f.running("a"), f.running("b")
	_, err := f.svc.Groups.Join(f.ctx, a.ID)
	require.NoError(t, err)
	_, err = f.svc.Groups.Join(f.ctx, b.ID)
	require.NoError(t, err)
	chB, err := f.svc.Groups.Open(f.ctx, b.ID)
	require.NoError(t, err)

	v, err := f.svc.Groups.UpdateGroupSession(f.ctx, a.ID, 1, `{"turn":"b"}`)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	m := receive(t, chB)
	assert.Equal(t, MessageSession, m.Type)
	assert.Equal(t, 2, m.SessionVersion)
	assert.JSONEq(t, `{"turn":"b"}`, string(m.Payload))

	// 基于旧版本的并发修改被拒绝
	_, err = f.svc.Groups.UpdateGroupSession(f.ctx, b.ID, 1, `{"turn":"a"}`)
	assert.Equal(t, apperr.ReasonGroupSessionVersion, apperr.ReasonOf(err))
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestReassign(t *testing.T) {
	f := groupFixture(t, 2)
	a, b, c := f.running("a"), f.running("b"), f.running("c")
	g1, err := f.svc.Groups.Join(f.ctx, a.ID)
	require.NoError(t, err)
	_, err = f.svc.Groups.Join(f.ctx, b.ID)
	require.NoError(t, err)
	g2, err := f.svc.Groups.Join(f.ctx, c.ID)
	require.NoError(t, err)
	require.NotEqual(t, g1.ID, g2.ID)

	_, err = f.svc.Groups.Reassign(f.ctx, c.ID)
	assert.Equal(t, apperr.ReasonNoOtherGroup, apperr.ReasonOf(err))
	assert.Equal(t, g2.ID, *f.reload(c).ActiveGroupID)

	require.NoError(t, f.svc.Groups.Leave(f.ctx, b.ID))
	moved, err := f.svc.Groups.Reassign(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, g1.ID, moved.ID)

	view, err := f.svc.Groups.Get(f.ctx, g2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupStateFinished, view.Group.State)
	assert.Equal(t, []uint{c.ID}, view.History)

	view, err = f.svc.Groups.Get(f.ctx, g1.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{a.ID, c.ID}, view.Active)
}

func TestChannelDropsWhenBufferFull(t *testing.T) {
	reg := NewChannelRegistry(2)
	ch := reg.Register(1, 10)
	for i := 0; i < 5; i++ {
		reg.Broadcast(1, &GroupMessage{Type: MessageData, GroupID: 1}, 0)
	}
	assert.Len(t, ch.Messages(), 2)
	assert.Equal(t, int64(3), ch.Dropped())

	assert.True(t, reg.Unregister(ch))
	assert.False(t, reg.Unregister(ch))
	assert.False(t, reg.SendTo(1, 10, &GroupMessage{}))
}

func TestGroupMessageEncoding(t *testing.T) {
	m := &GroupMessage{Type: MessageData, GroupID: 3, From: 7, Payload: json.RawMessage(`{"x":1}`)}
	b, err := m.Encode()
	require.NoError(t, err)
	back, err := DecodeGroupMessage(b)
	require.NoError(t, err)
	assert.Equal(t, m.Type, back.Type)
	assert.Equal(t, m.From, back.From)
	assert.JSONEq(t, `{"x":1}`, string(back.Payload))

	_, err = DecodeGroupMessage([]byte("not json"))
	assert.Error(t, err)
}
