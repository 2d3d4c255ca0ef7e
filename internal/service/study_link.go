package service

import (
	"context"
	"strings"

	"study-engine/internal/apperr"
	"study-engine/internal/dao"
	"study-engine/internal/model"

	"github.com/duke-git/lancet/v2/random"
)

const studyCodeLength = 11

// LinkRequest 生成链接的参数
type LinkRequest struct {
	Type model.WorkerType `json:"type"`
	// personal 链接的数量，其他种类只生成一条
	Amount  int    `json:"amount"`
	Comment string `json:"comment"`
}

// ResolvedLink 访问码解析后的上下文
type ResolvedLink struct {
	Link  *model.StudyLink
	Batch *model.Batch
	Study *model.Study
	// personal 链接预先绑定的 worker，其他种类为 nil
	Worker *model.Worker
}

type StudyLinkService struct {
	daos *dao.Set
}

func NewStudyLinkService(daos *dao.Set) *StudyLinkService {
	return &StudyLinkService{daos: daos}
}

// Create 为 batch 生成访问链接；personal 种类会同时创建 worker
func (s *StudyLinkService) Create(ctx context.Context, batchID uint, req LinkRequest, user *model.User) ([]model.StudyLink, error) {
	if !req.Type.Known() {
		return nil, apperr.BadRequest(apperr.ReasonUnknownWorkerType, "未知的 worker 种类 %q", req.Type)
	}
	batch, err := loadBatch(ctx, s.daos, batchID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.Forbidden(apperr.ReasonNoAccess, "需要登录用户")
	}
	ok, err := s.daos.Studies.HasUser(ctx, batch.StudyID, user.ID)
	if err != nil {
		return nil, storageErr(err, "检查 study %d 权限失败", batch.StudyID)
	}
	if !ok {
		return nil, apperr.Forbidden(apperr.ReasonNoAccess, "用户 %s 不能访问 study %d", user.Username, batch.StudyID)
	}

	amount := 1
	if req.Type.IsPersonal() {
		amount = req.Amount
		if amount <= 0 || amount > 1000 {
			return nil, apperr.BadRequest(apperr.ReasonInvalidInput, "数量必须在 1 到 1000 之间")
		}
	}

	links := make([]model.StudyLink, 0, amount)
	err = s.daos.Transaction(ctx, func(tx *dao.Set) error {
		for i := 0; i < amount; i++ {
			link := model.StudyLink{BatchID: batch.ID, WorkerType: req.Type, Active: true}
			if req.Type.IsPersonal() {
				worker := &model.Worker{Type: req.Type, Comment: req.Comment}
				if err := tx.Workers.Save(ctx, worker); err != nil {
					return err
				}
				link.WorkerID = &worker.ID
			}
			code, err := s.freeCode(ctx, tx)
			if err != nil {
				return err
			}
			link.Code = code
			if err := tx.StudyLinks.Save(ctx, &link); err != nil {
				return err
			}
			links = append(links, link)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err, "生成链接失败")
	}
	return links, nil
}

func (s *StudyLinkService) freeCode(ctx context.Context, tx *dao.Set) (string, error) {
	for {
		code := strings.ToUpper(random.RandString(studyCodeLength))
		_, err := tx.StudyLinks.FindByCode(ctx, code)
		if dao.IsNotFound(err) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// Resolve 访问码 -> 链接、batch、study 和（personal 的）worker
func (s *StudyLinkService) Resolve(ctx context.Context, code string) (*ResolvedLink, error) {
	link, err := s.daos.StudyLinks.FindByCode(ctx, code)
	if dao.IsNotFound(err) {
		return nil, apperr.NotFound(apperr.ReasonStudyLinkNotFound, "访问码 %s 不存在", code)
	}
	if err != nil {
		return nil, storageErr(err, "查询访问码失败")
	}
	if !link.Active {
		return nil, apperr.Forbidden(apperr.ReasonStudyLinkInactive, "访问码 %s 已停用", code)
	}
	batch, err := loadBatch(ctx, s.daos, link.BatchID)
	if err != nil {
		return nil, err
	}
	study, err := loadStudy(ctx, s.daos, batch.StudyID)
	if err != nil {
		return nil, err
	}
	out := &ResolvedLink{Link: link, Batch: batch, Study: study}
	if link.WorkerID != nil {
		out.Worker, err = loadWorker(ctx, s.daos, *link.WorkerID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SetActive 启用或停用链接
func (s *StudyLinkService) SetActive(ctx context.Context, code string, active bool) error {
	link, err := s.daos.StudyLinks.FindByCode(ctx, code)
	if dao.IsNotFound(err) {
		return apperr.NotFound(apperr.ReasonStudyLinkNotFound, "访问码 %s 不存在", code)
	}
	if err != nil {
		return storageErr(err, "查询访问码失败")
	}
	link.Active = active
	return storageErr(s.daos.StudyLinks.Update(ctx, link), "更新访问码失败")
}
