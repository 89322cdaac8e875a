package models

import "time"

// MeetingStats is one per-meeting sample taken during a poll round. Samples
// accumulate usage history for capacity planning and are pruned after a
// retention window.
type MeetingStats struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TS        time.Time `gorm:"index;not null" json:"ts"`
	UUID      string    `gorm:"index;size:36" json:"uuid"`
	MeetingID string    `gorm:"size:256" json:"meeting_id"`
	TenantID  *string   `gorm:"size:36" json:"tenant_id"`
	Users     int       `json:"users"`
	Voice     int       `json:"voice"`
	Video     int       `json:"video"`
}

// TableName returns the table name for MeetingStats.
func (MeetingStats) TableName() string {
	return "meeting_stats"
}
