package models

import "time"

// EventModel is the journal row for one execution event.
type EventModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"index;size:64;not null"`
	Type      string `gorm:"size:32;not null"`
	Data      string `gorm:"type:text"` // JSON encoded event data
	Timestamp time.Time
	CreatedAt time.Time
}

func (EventModel) TableName() string {
	return "events"
}
