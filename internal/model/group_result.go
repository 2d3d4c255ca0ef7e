package model

import "time"

// GroupState group 状态
type GroupState string

const (
	GroupStateStarted  GroupState = "STARTED"
	GroupStateFinished GroupState = "FINISHED"
)

// GroupResult 同一 batch 中一起同步执行的一组 study run
type GroupResult struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	BatchID uint       `gorm:"not null;index" json:"batch_id"`
	State   GroupState `gorm:"type:varchar(20);not null;index" json:"state"`

	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date"`

	// group session，带版本号的乐观并发
	SessionData    string `gorm:"type:text" json:"session_data"`
	SessionVersion int    `gorm:"not null;default:1" json:"session_version"`

	Memberships []GroupMembership `gorm:"foreignKey:GroupResultID" json:"memberships,omitempty"`
}

// GroupMembership Active=true 为活跃成员，false 为历史成员
// (group, study run) 唯一，所以离开后不可能再回到同一个 group
type GroupMembership struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	GroupResultID uint       `gorm:"not null;uniqueIndex:idx_group_run" json:"group_result_id"`
	StudyRunID    uint       `gorm:"not null;uniqueIndex:idx_group_run;index" json:"study_run_id"`
	Active        bool       `gorm:"not null;index" json:"active"`
	JoinedAt      time.Time  `json:"joined_at"`
	LeftAt        *time.Time `json:"left_at"`
}
