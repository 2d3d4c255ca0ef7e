package model

import "time"

// RunState study run 状态
type RunState string

const (
	RunStatePre           RunState = "PRE"
	RunStateStarted       RunState = "STARTED"
	RunStateDataRetrieved RunState = "DATA_RETRIEVED"
	RunStateFinished      RunState = "FINISHED"
	RunStateAborted       RunState = "ABORTED"
	RunStateFail          RunState = "FAIL"
)

// IsDone 终态
func (s RunState) IsDone() bool {
	return s == RunStateFinished || s == RunStateAborted || s == RunStateFail
}

// ComponentRunState component run 状态
type ComponentRunState string

const (
	ComponentRunStateStarted       ComponentRunState = "STARTED"
	ComponentRunStateDataRetrieved ComponentRunState = "DATA_RETRIEVED"
	ComponentRunStateFinished      ComponentRunState = "FINISHED"
	ComponentRunStateAborted       ComponentRunState = "ABORTED"
	ComponentRunStateFail          ComponentRunState = "FAIL"
	ComponentRunStateReloaded      ComponentRunState = "RELOADED"
)

func (s ComponentRunState) IsDone() bool {
	switch s {
	case ComponentRunStateFinished, ComponentRunStateAborted, ComponentRunStateFail, ComponentRunStateReloaded:
		return true
	}
	return false
}

// StudyRun 一个 worker 对一个 study 的一次执行（结果记录）
// 结果被删除时是物理删除，所以不带 DeletedAt
type StudyRun struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UUID string `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	// 启动时使用的访问码
	StudyCode string `gorm:"type:varchar(32);index" json:"study_code"`

	StudyID  uint `gorm:"not null;index" json:"study_id"`
	BatchID  uint `gorm:"not null;index" json:"batch_id"`
	WorkerID uint `gorm:"not null;index" json:"worker_id"`

	State RunState `gorm:"type:varchar(20);not null;index" json:"state"`

	// 前端的 study session，对引擎不透明
	SessionData string `gorm:"type:text" json:"session_data"`

	StartDate        time.Time  `json:"start_date"`
	EndDate          *time.Time `json:"end_date"`
	LastSeen         time.Time  `gorm:"index" json:"last_seen"`
	Message          string     `gorm:"type:varchar(1000)" json:"message"`
	ConfirmationCode string     `gorm:"type:varchar(64)" json:"confirmation_code"`

	ActiveGroupID *uint `gorm:"index" json:"active_group_id"`

	// 乐观锁版本号
	Version int `gorm:"not null;default:0" json:"version"`

	ComponentRuns []ComponentRun `gorm:"foreignKey:StudyRunID" json:"component_runs,omitempty"`
}

// ComponentRun study run 里执行一个 component 的记录，只属于一个 study run
type ComponentRun struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	StudyRunID  uint `gorm:"not null;index" json:"study_run_id"`
	ComponentID uint `gorm:"not null;index" json:"component_id"`
	// 在 study run 序列中的位置，只增不减
	Position int `gorm:"not null" json:"position"`

	State ComponentRunState `gorm:"type:varchar(20);not null" json:"state"`

	Data string `gorm:"type:longtext" json:"data"`

	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date"`
	Message   string     `gorm:"type:varchar(1000)" json:"message"`

	Files []ComponentRunFile `gorm:"foreignKey:ComponentRunID" json:"files,omitempty"`
}

// ComponentRunFile 上传文件的元数据，文件内容由上传模块管理
type ComponentRunFile struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ComponentRunID uint   `gorm:"not null;index" json:"component_run_id"`
	Filename       string `gorm:"type:varchar(255);not null" json:"filename"`
	Size           int64  `json:"size"`
}
