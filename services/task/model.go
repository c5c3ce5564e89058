package task

import (
	"time"

	"gorm.io/datatypes"
)

const (
	SweepRank      = "rank_sweep"
	SweepMilestone = "milestone_sweep"
	SweepRenewal   = "subscription_renewal"
)

const (
	JobRunning = "running"
	JobSuccess = "success"
	JobFailed  = "failed"
)

// Sweep is a registered batch schedule. Setting IsActive to false pauses it
// without a redeploy.
type Sweep struct {
	ID          string    `gorm:"column:id;primaryKey"`
	Name        string    `gorm:"column:name;uniqueIndex;type:varchar(100);not null"`
	Description string    `gorm:"column:description;type:text"`
	Schedule    string    `gorm:"column:schedule;type:varchar(50)"`
	IsActive    bool      `gorm:"column:is_active;default:true"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
	Jobs        []Job     `gorm:"foreignKey:SweepID"`
}

// Job is one execution of a sweep.
type Job struct {
	ID          string         `gorm:"column:id;primaryKey"`
	SweepID     string         `gorm:"column:sweep_id;index;not null"`
	Status      string         `gorm:"column:status;type:varchar(20);default:'running'"`
	Enqueued    int64          `gorm:"column:enqueued;not null;default:0"`
	Skipped     int64          `gorm:"column:skipped;not null;default:0"`
	Failed      int64          `gorm:"column:failed;not null;default:0"`
	ErrorMsg    string         `gorm:"column:error_msg;type:text"`
	StartedAt   *time.Time     `gorm:"column:started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime"`
	Metadata    datatypes.JSON `gorm:"column:metadata"`
}

type MemberPayload struct {
	MemberID string `json:"member_id"`
}

type MilestonePayload struct {
	ReferredID string `json:"referred_id"`
}

type RenewalPayload struct {
	MemberID string `json:"member_id"`
	Period   string `json:"period"`
}
