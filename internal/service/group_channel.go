package service

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
)

// MessageType group 通道上的消息种类
type MessageType string

const (
	MessageJoined  MessageType = "joined"
	MessageLeft    MessageType = "left"
	MessageData    MessageType = "message"
	MessageSession MessageType = "session"
	MessageClosed  MessageType = "closed"
	// 只发给出错的那个成员
	MessageError   MessageType = "error"
)

// GroupMessage 推给成员的通知，也是成员发来消息的格式
type GroupMessage struct {
	Type    MessageType `json:"type"`
	GroupID uint        `json:"group_id"`
	// 发送者 study run id，系统消息为 0
	From uint `json:"from,omitempty"`
	// 接收者，只在定向消息里有
	To      uint            `json:"to,omitempty"`
	Members []uint          `json:"members,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	SessionVersion int `json:"session_version,omitempty"`
}

// Encode 序列化
func (m *GroupMessage) Encode() ([]byte, error) {
	return sonic.Marshal(m)
}

// DecodeGroupMessage 解析成员发来的消息
func DecodeGroupMessage(b []byte) (*GroupMessage, error) {
	var m GroupMessage
	if err := sonic.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// MemberChannel 一个活跃成员的推送通道。
// 投递不阻塞：缓冲满了就丢弃并计数。out 永不关闭，结束看 Done()。
type MemberChannel struct {
	GroupID uint
	RunID   uint

	out     chan *GroupMessage
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newMemberChannel(groupID, runID uint, buffer int) *MemberChannel {
	return &MemberChannel{
		GroupID: groupID,
		RunID:   runID,
		out:     make(chan *GroupMessage, buffer),
		done:    make(chan struct{}),
	}
}

// Messages 待推送的消息
func (c *MemberChannel) Messages() <-chan *GroupMessage {
	return c.out
}

// Done 通道被关闭（成员离开、group 结束或被新连接替换）
func (c *MemberChannel) Done() <-chan struct{} {
	return c.done
}

// Dropped 因缓冲满丢弃的消息数
func (c *MemberChannel) Dropped() int64 {
	return c.dropped.Load()
}

func (c *MemberChannel) deliver(m *GroupMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- m:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *MemberChannel) close() {
	c.once.Do(func() { close(c.done) })
}

// ChannelRegistry groupID -> runID -> 通道
type ChannelRegistry struct {
	mu     sync.RWMutex
	buffer int
	groups map[uint]map[uint]*MemberChannel
}

func NewChannelRegistry(buffer int) *ChannelRegistry {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelRegistry{buffer: buffer, groups: make(map[uint]map[uint]*MemberChannel)}
}

// Register 为成员开通道；同一成员已有通道时旧的被关闭
func (r *ChannelRegistry) Register(groupID, runID uint) *MemberChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[groupID]
	if !ok {
		members = make(map[uint]*MemberChannel)
		r.groups[groupID] = members
	}
	if old, ok := members[runID]; ok {
		old.close()
	}
	ch := newMemberChannel(groupID, runID, r.buffer)
	members[runID] = ch
	return ch
}

// Unregister 只在 ch 仍是当前通道时移除，返回是否移除
func (r *ChannelRegistry) Unregister(ch *MemberChannel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch.close()
	members := r.groups[ch.GroupID]
	if members[ch.RunID] != ch {
		return false
	}
	delete(members, ch.RunID)
	if len(members) == 0 {
		delete(r.groups, ch.GroupID)
	}
	return true
}

// Remove 成员离开 group
func (r *ChannelRegistry) Remove(groupID, runID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.groups[groupID]
	if ch, ok := members[runID]; ok {
		ch.close()
		delete(members, runID)
	}
	if len(members) == 0 {
		delete(r.groups, groupID)
	}
}

// CloseGroup 通知并关闭 group 的全部通道
func (r *ChannelRegistry) CloseGroup(groupID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.groups[groupID] {
		ch.deliver(&GroupMessage{Type: MessageClosed, GroupID: groupID})
		ch.close()
	}
	delete(r.groups, groupID)
}

// Broadcast 投递给 group 里除 except 以外的所有通道，返回成功投递数
func (r *ChannelRegistry) Broadcast(groupID uint, m *GroupMessage, except uint) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for runID, ch := range r.groups[groupID] {
		if runID == except {
			continue
		}
		if ch.deliver(m) {
			n++
		}
	}
	return n
}

// SendTo 定向投递
func (r *ChannelRegistry) SendTo(groupID, runID uint, m *GroupMessage) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.groups[groupID][runID]
	if !ok {
		return false
	}
	return ch.deliver(m)
}

// Connected 当前有通道的成员
func (r *ChannelRegistry) Connected(groupID uint) []uint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint, 0, len(r.groups[groupID]))
	for runID := range r.groups[groupID] {
		out = append(out, runID)
	}
	return out
}

// CloseAll 关停时用
func (r *ChannelRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, members := range r.groups {
		for _, ch := range members {
			ch.close()
		}
	}
	r.groups = make(map[uint]map[uint]*MemberChannel)
}
