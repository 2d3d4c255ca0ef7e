package model

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// User 操作员账号
type User struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Username string `gorm:"type:varchar(100);not null;uniqueIndex" json:"username"`
	Name     string `gorm:"type:varchar(255)" json:"name"`
	// 逗号分隔：USER,ADMIN
	Roles string `gorm:"type:varchar(100)" json:"roles"`
}

// Study 实验定义
type Study struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UUID  string `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	Title string `gorm:"type:varchar(255);not null" json:"title"`

	Components []Component `gorm:"foreignKey:StudyID" json:"components,omitempty"`
	Users      []User      `gorm:"many2many:study_users" json:"-"`
}

// Component study 中的一个步骤，按 Position 排序
type Component struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UUID       string `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	StudyID    uint   `gorm:"not null;index" json:"study_id"`
	Position   int    `gorm:"not null" json:"position"`
	Title      string `gorm:"type:varchar(255)" json:"title"`
	Active     bool   `json:"active"`
	Reloadable bool   `json:"reloadable"`
}

// Batch study 的一套运行配置
type Batch struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UUID    string `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	StudyID uint   `gorm:"not null;index" json:"study_id"`
	Title   string `gorm:"type:varchar(255)" json:"title"`
	Active  bool   `json:"active"`

	// 逗号分隔的 WorkerType
	AllowedWorkerTypes string `gorm:"type:varchar(255)" json:"allowed_worker_types"`
	// nil 表示不限
	MaxTotalWorkers *int `json:"max_total_workers"`

	GroupStudy       bool `json:"group_study"`
	MaxActiveMembers *int `json:"max_active_members"`
	MaxTotalMembers  *int `json:"max_total_members"`
	// 最后一个成员离开后 group 是否保持 STARTED 以便再加入
	ReuseEmptyGroups bool `json:"reuse_empty_groups"`
}

// AllowsWorkerType 是否允许该种类 worker
func (b *Batch) AllowsWorkerType(t WorkerType) bool {
	for _, s := range strings.Split(b.AllowedWorkerTypes, ",") {
		if WorkerType(strings.TrimSpace(s)) == t {
			return true
		}
	}
	return false
}

// SetAllowedWorkerTypes 写回逗号分隔格式
func (b *Batch) SetAllowedWorkerTypes(types ...WorkerType) {
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, string(t))
	}
	b.AllowedWorkerTypes = strings.Join(parts, ",")
}

// StudyLink 参与者拿到的访问链接
type StudyLink struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// 人类可读的访问码
	Code       string     `gorm:"type:varchar(32);not null;uniqueIndex" json:"code"`
	BatchID    uint       `gorm:"not null;index" json:"batch_id"`
	WorkerType WorkerType `gorm:"type:varchar(32);not null" json:"worker_type"`
	// personal 链接预先绑定 worker
	WorkerID *uint `gorm:"index" json:"worker_id"`
	Active   bool  `json:"active"`
}
