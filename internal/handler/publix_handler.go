package handler

import (
	"io"
	"net/http"
	"strconv"

	"study-engine/internal/apperr"
	"study-engine/internal/dao"
	"study-engine/internal/model"
	"study-engine/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PublixHandler 参与者浏览器调用的接口
type PublixHandler struct {
	svc *service.ServiceContext
}

func NewPublixHandler(svc *service.ServiceContext) *PublixHandler {
	return &PublixHandler{svc: svc}
}

// Start 用访问码开始或继续 study，?pre 进入预览
func (h *PublixHandler) Start(c *gin.Context) {
	ctx := c.Request.Context()
	link, err := h.svc.Links.Resolve(ctx, c.Param("code"))
	if err != nil {
		writeError(c, err)
		return
	}

	cookieName := h.svc.Config.Session.CookiePrefix + link.Study.UUID
	cookieID, err := c.Cookie(cookieName)
	if err != nil || cookieID == "" {
		cookieID = uuid.NewString()
	}
	_, preview := c.GetQuery("pre")

	res, err := h.svc.Publix.Start(ctx, link, service.StartRequest{
		CookieID: cookieID,
		Preview:  preview,
		Auth:     service.AuthRequest{SessionUsername: c.GetHeader(UserHeader)},
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cookieName, cookieID, h.svc.Config.Session.CookieMaxAge, "/", "", false, true)
	ok(c, gin.H{
		"study_run_uuid": res.Run.UUID,
		"state":          res.Run.State,
		"component_uuid": res.FirstComponent.UUID,
		"resumed":        res.Resumed,
	})
}

func (h *PublixHandler) run(c *gin.Context) (*model.StudyRun, bool) {
	run, err := h.svc.Runs.GetByUUID(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return run, true
}

func (h *PublixHandler) runAndComponent(c *gin.Context) (*model.StudyRun, *model.Component, bool) {
	run, found := h.run(c)
	if !found {
		return nil, nil, false
	}
	comp, err := h.svc.Daos.Components.FindByUUID(c.Request.Context(), c.Param("componentUuid"))
	if dao.IsNotFound(err) {
		writeError(c, apperr.NotFound(apperr.ReasonComponentNotFound, "component %s 不存在", c.Param("componentUuid")))
		return nil, nil, false
	}
	if err != nil {
		writeError(c, apperr.Fail(err, "查询 component 失败"))
		return nil, nil, false
	}
	return run, comp, true
}

// StartComponent 进入（或重新加载）一个 component
func (h *PublixHandler) StartComponent(c *gin.Context) {
	run, comp, found := h.runAndComponent(c)
	if !found {
		return
	}
	cr, err := h.svc.Runs.AdvanceComponent(c.Request.Context(), run.ID, comp.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, gin.H{"component_run": cr})
}

// InitData component 页面加载后取初始数据
func (h *PublixHandler) InitData(c *gin.Context) {
	run, comp, found := h.runAndComponent(c)
	if !found {
		return
	}
	data, err := h.svc.Runs.RetrieveInitData(c.Request.Context(), run.ID, comp.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, gin.H{
		"study_run_uuid":     data.Run.UUID,
		"state":              data.Run.State,
		"component":          data.Component,
		"component_run_id":   data.ComponentRun.ID,
		"study_session_data": data.StudySessionData,
	})
}

// SubmitResultData 请求体即结果数据，?append 追加
func (h *PublixHandler) SubmitResultData(c *gin.Context) {
	run, comp, found := h.runAndComponent(c)
	if !found {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(h.svc.Config.Run.MaxResultDataSize)+1))
	if err != nil {
		writeError(c, apperr.BadRequest(apperr.ReasonInvalidInput, "读取请求体失败: %v", err))
		return
	}
	_, appendData := c.GetQuery("append")
	if _, err := h.svc.Runs.SubmitResultData(c.Request.Context(), run.ID, comp.ID, string(body), appendData); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// UploadFile 只记录上传文件的元数据
func (h *PublixHandler) UploadFile(c *gin.Context) {
	run, comp, found := h.runAndComponent(c)
	if !found {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		writeError(c, apperr.BadRequest(apperr.ReasonInvalidInput, "缺少上传文件: %v", err))
		return
	}
	f, err := h.svc.Runs.AddResultFile(c.Request.Context(), run.ID, comp.ID, fh.Filename, fh.Size)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, gin.H{"file": f})
}

func (h *PublixHandler) SetStudySessionData(c *gin.Context) {
	run, found := h.run(c)
	if !found {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(h.svc.Config.Run.MaxResultDataSize)+1))
	if err != nil {
		writeError(c, apperr.BadRequest(apperr.ReasonInvalidInput, "读取请求体失败: %v", err))
		return
	}
	if len(body) > h.svc.Config.Run.MaxResultDataSize {
		writeError(c, apperr.BadRequest(apperr.ReasonResultDataTooLarge, "study session 数据过大"))
		return
	}
	if err := h.svc.Runs.SetStudySessionData(c.Request.Context(), run.ID, string(body)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *PublixHandler) Heartbeat(c *gin.Context) {
	run, found := h.run(c)
	if !found {
		return
	}
	if err := h.svc.Runs.Heartbeat(c.Request.Context(), run.ID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// Finish ?successful=false 以 FAIL 结束
func (h *PublixHandler) Finish(c *gin.Context) {
	run, found := h.run(c)
	if !found {
		return
	}
	successful := true
	if v := c.Query("successful"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(c, apperr.BadRequest(apperr.ReasonInvalidInput, "successful 参数无效: %s", v))
			return
		}
		successful = b
	}
	done, err := h.svc.Runs.Finish(c.Request.Context(), run.ID, successful, c.Query("message"))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, gin.H{
		"state":             done.State,
		"confirmation_code": done.ConfirmationCode,
	})
}

func (h *PublixHandler) Abort(c *gin.Context) {
	run, found := h.run(c)
	if !found {
		return
	}
	done, err := h.svc.Runs.Abort(c.Request.Context(), run.ID, c.Query("message"))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, gin.H{"state": done.State})
}
