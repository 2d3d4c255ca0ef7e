package handler

import (
	"net/http"
	"strconv"
	"time"

	"study-engine/internal/apperr"
	"study-engine/internal/model"
	"study-engine/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/jinzhu/copier"
)

// StudyRunSummary 列表视图，不含 session 和 component runs
type StudyRunSummary struct {
	ID               uint           `json:"id"`
	UUID             string         `json:"uuid"`
	BatchID          uint           `json:"batch_id"`
	WorkerID         uint           `json:"worker_id"`
	State            model.RunState `json:"state"`
	StartDate        time.Time      `json:"start_date"`
	EndDate          *time.Time     `json:"end_date"`
	LastSeen         time.Time      `json:"last_seen"`
	ConfirmationCode string         `json:"confirmation_code"`
	ActiveGroupID    *uint          `json:"active_group_id"`
}

// ResultHandler 操作员的结果查看、删除和链接管理
type ResultHandler struct {
	svc *service.ServiceContext
}

func NewResultHandler(svc *service.ServiceContext) *ResultHandler {
	return &ResultHandler{svc: svc}
}

func idParam(c *gin.Context, name string) (uint, bool) {
	n, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || n == 0 {
		writeError(c, apperr.BadRequest(apperr.ReasonMalformedIDs, "无效的 id: %s", c.Param(name)))
		return 0, false
	}
	return uint(n), true
}

func (h *ResultHandler) user(c *gin.Context) (*model.User, bool) {
	user, err := currentUser(c, h.svc.Daos)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return user, true
}

// CreateLinks 为 batch 生成访问链接
func (h *ResultHandler) CreateLinks(c *gin.Context) {
	user, found := h.user(c)
	if !found {
		return
	}
	batchID, valid := idParam(c, "id")
	if !valid {
		return
	}
	var req service.LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.BadRequest(apperr.ReasonInvalidInput, "%v", err))
		return
	}
	links, err := h.svc.Links.Create(c.Request.Context(), batchID, req, user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"links": links})
}

// SetLinkActive ?active=true|false
func (h *ResultHandler) SetLinkActive(c *gin.Context) {
	if _, found := h.user(c); !found {
		return
	}
	active, err := strconv.ParseBool(c.Query("active"))
	if err != nil {
		writeError(c, apperr.BadRequest(apperr.ReasonInvalidInput, "active 参数无效"))
		return
	}
	if err := h.svc.Links.SetActive(c.Request.Context(), c.Param("code"), active); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *ResultHandler) GetStudyRun(c *gin.Context) {
	user, found := h.user(c)
	if !found {
		return
	}
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	ctx := c.Request.Context()
	run, err := h.svc.Runs.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.svc.Auth.CheckUserAccess(ctx, run.StudyID, user); err != nil {
		writeError(c, err)
		return
	}
	ok(c, gin.H{"study_run": run})
}

func (h *ResultHandler) ListStudyRuns(c *gin.Context) {
	user, found := h.user(c)
	if !found {
		return
	}
	studyID, valid := idParam(c, "id")
	if !valid {
		return
	}
	ctx := c.Request.Context()
	if err := h.svc.Auth.CheckUserAccess(ctx, studyID, user); err != nil {
		writeError(c, err)
		return
	}
	runs, err := h.svc.Runs.ListByStudy(ctx, studyID)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]StudyRunSummary, 0, len(runs))
	if err := copier.Copy(&views, &runs); err != nil {
		writeError(c, apperr.Fail(err, "转换 study run 列表失败"))
		return
	}
	ok(c, gin.H{"study_runs": views, "total": len(views)})
}

// StudyStats ?format=markdown 返回可下载的概览
func (h *ResultHandler) StudyStats(c *gin.Context) {
	user, found := h.user(c)
	if !found {
		return
	}
	studyID, valid := idParam(c, "id")
	if !valid {
		return
	}
	ctx := c.Request.Context()
	if err := h.svc.Auth.CheckUserAccess(ctx, studyID, user); err != nil {
		writeError(c, err)
		return
	}
	stats, err := h.svc.Stats.ForStudy(ctx, studyID)
	if err != nil {
		writeError(c, err)
		return
	}
	if c.Query("format") == "markdown" {
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(service.RenderStatsMarkdown(stats)))
		return
	}
	ok(c, stats)
}

func (h *ResultHandler) GetGroup(c *gin.Context) {
	user, found := h.user(c)
	if !found {
		return
	}
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	ctx := c.Request.Context()
	view, err := h.svc.Groups.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	batch, err := h.svc.Daos.Batches.Find(ctx, view.Group.BatchID)
	if err != nil {
		writeError(c, apperr.NotFound(apperr.ReasonBatchNotFound, "batch %d 不存在", view.Group.BatchID))
		return
	}
	if err := h.svc.Auth.CheckUserAccess(ctx, batch.StudyID, user); err != nil {
		writeError(c, err)
		return
	}
	ok(c, view)
}

func (h *ResultHandler) removed(c *gin.Context, report *service.RemovalReport, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, report)
}

// RemoveComponentRuns ?ids=1,2,3
func (h *ResultHandler) RemoveComponentRuns(c *gin.Context) {
	user, found := h.user(c)
	if !found {
		return
	}
	ids, err := service.ParseIDs(c.Query("ids"))
	if err != nil {
		writeError(c, err)
		return
	}
	report, err := h.svc.Remover.RemoveComponentRuns(c.Request.Context(), ids, user)
	h.removed(c, report, err)
}

// RemoveStudyRuns ?ids=1,2,3
func (h *ResultHandler) RemoveStudyRuns(c *gin.Context) {
	user, found := h.user(c)
	if !found {
		return
	}
	ids, err := service.ParseIDs(c.Query("ids"))
	if err != nil {
		writeError(c, err)
		return
	}
	report, err := h.svc.Remover.RemoveStudyRuns(c.Request.Context(), ids, user)
	h.removed(c, report, err)
}

func (h *ResultHandler) RemoveComponentResults(c *gin.Context) {
	user, found := h.user(c)
	if !found {
		return
	}
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	report, err := h.svc.Remover.RemoveAllOfComponent(c.Request.Context(), id, user)
	h.removed(c, report, err)
}

func (h *ResultHandler) RemoveStudyResults(c *gin.Context) {
	user, found := h.user(c)
	if !found {
		return
	}
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	report, err := h.svc.Remover.RemoveAllOfStudy(c.Request.Context(), id, user)
	h.removed(c, report, err)
}

func (h *ResultHandler) RemoveWorkerResults(c *gin.Context) {
	user, found := h.user(c)
	if !found {
		return
	}
	id, valid := idParam(c, "id")
	if !valid {
		return
	}
	report, err := h.svc.Remover.RemoveAllOfWorker(c.Request.Context(), id, user)
	h.removed(c, report, err)
}
