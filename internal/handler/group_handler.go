package handler

import (
	"context"
	"net/http"
	"time"

	"study-engine/internal/apperr"
	"study-engine/internal/model"
	"study-engine/internal/service"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// GroupHandler group 的 WebSocket 通道和加入、离开接口
type GroupHandler struct {
	svc *service.ServiceContext
}

func NewGroupHandler(svc *service.ServiceContext) *GroupHandler {
	return &GroupHandler{svc: svc}
}

func (h *GroupHandler) member(c *gin.Context) (*model.StudyRun, service.JoinsGroups, bool) {
	ctx := c.Request.Context()
	run, err := h.svc.Runs.GetByUUID(ctx, c.Param("uuid"))
	if err != nil {
		writeError(c, err)
		return nil, nil, false
	}
	worker, err := h.svc.Daos.Workers.Find(ctx, run.WorkerID)
	if err != nil {
		writeError(c, apperr.NotFound(apperr.ReasonWorkerNotFound, "worker %d 不存在", run.WorkerID))
		return nil, nil, false
	}
	g, err := h.svc.Publix.GroupsFor(worker.Type)
	if err != nil {
		writeError(c, err)
		return nil, nil, false
	}
	return run, g, true
}

// Join 加入 group 后升级为 WebSocket，连接断开即离开 group
func (h *GroupHandler) Join(c *gin.Context) {
	run, member, found := h.member(c)
	if !found {
		return
	}
	ctx := c.Request.Context()
	group, err := member.JoinGroup(ctx, run.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	ch, err := h.svc.Groups.Open(ctx, run.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.svc.Groups.Disconnect(ch)
		return
	}

	view, err := h.svc.Groups.Get(ctx, group.ID)
	if err == nil {
		h.svc.Channels.SendTo(group.ID, run.ID, &service.GroupMessage{
			Type:           service.MessageJoined,
			GroupID:        group.ID,
			From:           run.ID,
			Members:        view.Active,
			SessionVersion: view.Group.SessionVersion,
		})
	}

	go h.writePump(conn, ch)
	h.readPump(conn, ch)
	h.svc.Groups.Disconnect(ch)
}

func (h *GroupHandler) writePump(conn *websocket.Conn, ch *service.MemberChannel) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	write := func(m *service.GroupMessage) bool {
		data, err := m.Encode()
		if err != nil {
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}
	for {
		select {
		case m := <-ch.Messages():
			if !write(m) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ch.Done():
			// 把关闭前已经排队的消息发完
			for {
				select {
				case m := <-ch.Messages():
					if !write(m) {
						return
					}
				default:
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (h *GroupHandler) readPump(conn *websocket.Conn, ch *service.MemberChannel) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m, err := service.DecodeGroupMessage(raw)
		if err != nil {
			h.replyError(ch, apperr.BadRequest(apperr.ReasonInvalidInput, "无法解析的消息"))
			continue
		}
		if err := h.dispatch(context.Background(), ch, m); err != nil {
			h.replyError(ch, err)
		}
	}
}

func (h *GroupHandler) dispatch(ctx context.Context, ch *service.MemberChannel, m *service.GroupMessage) error {
	switch m.Type {
	case service.MessageData:
		if m.To != 0 {
			_, err := h.svc.Groups.SendTo(ctx, ch.RunID, m.To, m.Payload)
			return err
		}
		_, err := h.svc.Groups.Send(ctx, ch.RunID, m.Payload)
		return err
	case service.MessageSession:
		_, err := h.svc.Groups.UpdateGroupSession(ctx, ch.RunID, m.SessionVersion, string(m.Payload))
		return err
	}
	return apperr.BadRequest(apperr.ReasonInvalidInput, "不支持的消息类型 %q", m.Type)
}

func (h *GroupHandler) replyError(ch *service.MemberChannel, err error) {
	e := apperr.From(err)
	payload, _ := sonic.Marshal(gin.H{"code": e.Reason, "error": e.Message})
	h.svc.Channels.SendTo(ch.GroupID, ch.RunID, &service.GroupMessage{
		Type: service.MessageError, GroupID: ch.GroupID, Payload: payload,
	})
}

func (h *GroupHandler) Leave(c *gin.Context) {
	run, member, found := h.member(c)
	if !found {
		return
	}
	if err := member.LeaveGroup(c.Request.Context(), run.ID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *GroupHandler) Reassign(c *gin.Context) {
	run, _, found := h.member(c)
	if !found {
		return
	}
	group, err := h.svc.Groups.Reassign(c.Request.Context(), run.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, gin.H{"group_id": group.ID})
}
