package models

import "time"

// Callback types. END and REC are created together with the meeting; any
// other value names a JWT-proxied callback (for example "analytics").
const (
	CallbackTypeEnd = "end"
	CallbackTypeRec = "rec"
)

// Callback remembers a frontend callback URL that the balancer intercepted
// during create. END callbacks fire when the meeting ends and are consumed.
// REC callbacks fire once the recording import completes. Typed callbacks are
// proxied with their JWT payload re-signed for the tenant.
type Callback struct {
	ID       string    `gorm:"primaryKey;size:36" json:"id"`
	UUID     string    `gorm:"index;not null;size:36" json:"uuid"`
	Type     string    `gorm:"not null;size:64" json:"type"`
	TenantID string    `gorm:"not null;size:36" json:"tenant_id"`
	ServerID string    `gorm:"not null;size:36" json:"server_id"`
	Forward  string    `gorm:"type:text" json:"forward,omitempty"`
	Created  time.Time `gorm:"autoCreateTime" json:"created"`

	Tenant *Tenant `gorm:"foreignKey:TenantID" json:"-"`
	Server *Server `gorm:"foreignKey:ServerID" json:"-"`
}

// TableName returns the table name for Callback.
func (Callback) TableName() string {
	return "callbacks"
}
