package model

import (
	"time"

	"gorm.io/gorm"
)

// WorkerType worker 的种类，封闭集合；新增种类必须同时补上授权规则
type WorkerType string

const (
	WorkerTypeGeneralSingle    WorkerType = "GeneralSingle"
	WorkerTypeGeneralMultiple  WorkerType = "GeneralMultiple"
	WorkerTypePersonalSingle   WorkerType = "PersonalSingle"
	WorkerTypePersonalMultiple WorkerType = "PersonalMultiple"
	WorkerTypeJatos            WorkerType = "Jatos"
)

// AllWorkerTypes 全部已知种类
var AllWorkerTypes = []WorkerType{
	WorkerTypeGeneralSingle,
	WorkerTypeGeneralMultiple,
	WorkerTypePersonalSingle,
	WorkerTypePersonalMultiple,
	WorkerTypeJatos,
}

// Known 是否是已知种类
func (t WorkerType) Known() bool {
	for _, k := range AllWorkerTypes {
		if k == t {
			return true
		}
	}
	return false
}

// SupportsPreview 只有 single 类 worker 有 PRE 预览状态
func (t WorkerType) SupportsPreview() bool {
	return t == WorkerTypeGeneralSingle || t == WorkerTypePersonalSingle
}

// IsSingle 只能完成一次 study 的 worker
func (t WorkerType) IsSingle() bool {
	return t == WorkerTypeGeneralSingle || t == WorkerTypePersonalSingle
}

// IsPersonal 邀请制，worker 在生成链接时预先创建
func (t WorkerType) IsPersonal() bool {
	return t == WorkerTypePersonalSingle || t == WorkerTypePersonalMultiple
}

// Worker 执行 study 的身份
type Worker struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Type    WorkerType `gorm:"type:varchar(32);not null;index" json:"type"`
	Comment string     `gorm:"type:varchar(255)" json:"comment"`

	// 只有 Jatos worker 关联操作员账号
	UserID *uint `gorm:"index" json:"user_id"`

	// GeneralSingle worker 创建时的浏览器 cookie 身份；cookie 按 study 区分
	BrowserID string `gorm:"type:varchar(64);index" json:"-"`

	// 最近一次 study run；run 历史本身是 study_runs.worker_id 索引
	LastStudyRunID *uint `json:"last_study_run_id"`
}
