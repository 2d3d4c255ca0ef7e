package service

import (
	"errors"
	"sort"
	"sync"
	"time"

	"study-engine/internal/model"
)

// ErrSessionStoreClosed store 已关闭
var ErrSessionStoreClosed = errors.New("session store closed")

// Slot 浏览器 cookie 身份到 study run 的绑定，不落库
type Slot struct {
	CookieID   string
	StudyRunID uint
	State      model.RunState
	LastSeen   time.Time
}

// SessionStore 进程内的槽位表，容量有上限；
// 淘汰要找全局最老的槽位，所以所有操作都锁整张表
type SessionStore struct {
	mu     sync.Mutex
	max    int
	slots  map[string]*Slot
	byRun  map[uint]string
	closed bool
}

func NewSessionStore(maxSlots int) *SessionStore {
	if maxSlots <= 0 {
		maxSlots = 1
	}
	return &SessionStore{
		max:   maxSlots,
		slots: make(map[string]*Slot),
		byRun: make(map[uint]string),
	}
}

// Max 容量上限
func (s *SessionStore) Max() int {
	return s.max
}

// Bind 绑定 cookie 到 run。表满时先淘汰最老的一个槽位并返回它；
// cookie 原来绑着另一个 run 时，被挤掉的那个槽位同样返回。
// 调用方负责把返回的 run 结束掉。
// 同一个 run 之前绑在别的 cookie 上时，旧绑定被移走（一个 run 只占一个槽位）。
func (s *SessionStore) Bind(cookieID string, runID uint, state model.RunState, lastSeen time.Time) (*Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionStoreClosed
	}

	if old, ok := s.byRun[runID]; ok && old != cookieID {
		delete(s.slots, old)
	}
	if cur, ok := s.slots[cookieID]; ok {
		var displaced *Slot
		if cur.StudyRunID != runID {
			out := *cur
			displaced = &out
			delete(s.byRun, cur.StudyRunID)
		}
		cur.StudyRunID = runID
		cur.State = state
		cur.LastSeen = lastSeen
		s.byRun[runID] = cookieID
		return displaced, nil
	}

	var evicted *Slot
	if len(s.slots) >= s.max {
		evicted = s.evictOldestLocked(runID)
	}
	s.slots[cookieID] = &Slot{CookieID: cookieID, StudyRunID: runID, State: state, LastSeen: lastSeen}
	s.byRun[runID] = cookieID
	return evicted, nil
}

// EvictOldest 表满时淘汰一个，未满返回 nil
func (s *SessionStore) EvictOldest() *Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.slots) < s.max {
		return nil
	}
	return s.evictOldestLocked(0)
}

// 优先淘汰已经开始（非 PRE）的 run，按 LastSeen 升序，相同时按 run id 升序
func (s *SessionStore) evictOldestLocked(keepRunID uint) *Slot {
	candidates := make([]*Slot, 0, len(s.slots))
	for _, slot := range s.slots {
		if slot.StudyRunID != keepRunID {
			candidates = append(candidates, slot)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ap, bp := a.State == model.RunStatePre, b.State == model.RunStatePre
		if ap != bp {
			return !ap
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.Before(b.LastSeen)
		}
		return a.StudyRunID < b.StudyRunID
	})
	victim := candidates[0]
	delete(s.slots, victim.CookieID)
	delete(s.byRun, victim.StudyRunID)
	out := *victim
	return &out
}

// Lookup cookie 对应的 run
func (s *SessionStore) Lookup(cookieID string) (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[cookieID]
	if !ok {
		return 0, false
	}
	return slot.StudyRunID, true
}

// HasRun run 是否占着槽位
func (s *SessionStore) HasRun(runID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byRun[runID]
	return ok
}

// Touch 刷新 run 的状态和最后活动时间
func (s *SessionStore) Touch(runID uint, state model.RunState, lastSeen time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cookieID, ok := s.byRun[runID]; ok {
		slot := s.slots[cookieID]
		slot.State = state
		slot.LastSeen = lastSeen
	}
}

func (s *SessionStore) Unbind(cookieID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.slots[cookieID]; ok {
		delete(s.byRun, slot.StudyRunID)
		delete(s.slots, cookieID)
	}
}

// UnbindRun 按 run 解绑，run 结束或被删除时用
func (s *SessionStore) UnbindRun(runID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cookieID, ok := s.byRun[runID]; ok {
		delete(s.slots, cookieID)
		delete(s.byRun, runID)
	}
}

func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Close 清空并拒绝之后的绑定
func (s *SessionStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.slots = make(map[string]*Slot)
	s.byRun = make(map[uint]string)
}
