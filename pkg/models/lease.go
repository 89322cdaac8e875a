package models

import "time"

// Lease is an expiring, owner-tagged row that serializes cluster-wide
// singleton work. Presence of the row implies held; absence implies free.
type Lease struct {
	Name  string    `gorm:"primaryKey;size:64" json:"name"`
	Owner string    `gorm:"not null;size:255" json:"owner"`
	TS    time.Time `gorm:"not null" json:"ts"`
}

// TableName returns the table name for Lease.
func (Lease) TableName() string {
	return "leases"
}
