package service

import (
	"fmt"
	"sync"
)

// Locks 按 key 互斥，没人用的 key 自动回收
// 加锁顺序固定为 worker -> run -> batch，不要反过来拿
type Locks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*refLock)}
}

// Lock 返回解锁函数
func (k *Locks) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func workerKey(id uint) string { return fmt.Sprintf("worker:%d", id) }
func runKey(id uint) string    { return fmt.Sprintf("run:%d", id) }
func batchKey(id uint) string  { return fmt.Sprintf("batch:%d", id) }
