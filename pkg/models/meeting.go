package models

import "time"

// Meeting binds an external meeting ID of one tenant to exactly one server.
//
// The binding is made once, on the first create call, and never moves. The
// InternalID is assigned by the backend and may be empty for a short window
// between the local insert and the backend's create response. The UUID is
// minted by the balancer and addresses the meeting in callback URLs.
type Meeting struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	UUID       string    `gorm:"uniqueIndex;not null;size:36" json:"uuid"`
	ExternalID string    `gorm:"not null;size:256;uniqueIndex:idx_meetings_external_tenant" json:"external_id"`
	TenantID   string    `gorm:"not null;size:36;uniqueIndex:idx_meetings_external_tenant" json:"tenant_id"`
	ServerID   string    `gorm:"not null;size:36" json:"server_id"`
	InternalID *string   `gorm:"uniqueIndex;size:256" json:"internal_id,omitempty"`
	Created    time.Time `gorm:"autoCreateTime" json:"created"`
	Modified   time.Time `gorm:"autoUpdateTime" json:"modified"`

	Tenant *Tenant `gorm:"foreignKey:TenantID" json:"-"`
	Server *Server `gorm:"foreignKey:ServerID" json:"-"`
}

// TableName returns the table name for Meeting.
func (Meeting) TableName() string {
	return "meetings"
}
