package models

import "time"

// ApprovalModel is the audit row for one approval decision.
type ApprovalModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"index;size:64;not null"`
	ToolName  string `gorm:"size:64;not null"`
	Preview   string `gorm:"type:text"`
	Decision  string `gorm:"size:16;not null"` // approved, denied
	DecidedAt time.Time
	CreatedAt time.Time
}

func (ApprovalModel) TableName() string {
	return "approval_audit"
}
