package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RecordingState represents the publication state of a recording.
type RecordingState string

const (
	// RecordingPublished means the playback formats live in their public
	// directories and are served to frontends.
	RecordingPublished RecordingState = "published"

	// RecordingUnpublished means the playback formats were moved into the
	// unpublished/ sibling directory and are hidden from frontends.
	RecordingUnpublished RecordingState = "unpublished"
)

// IsValid checks if the value is a known RecordingState.
func (s RecordingState) IsValid() bool {
	return s == RecordingPublished || s == RecordingUnpublished
}

// MetaMap is a string-to-string metadata mapping stored as a JSON column.
type MetaMap map[string]string

// Value implements driver.Valuer.
func (m MetaMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (m *MetaMap) Scan(value any) error {
	if value == nil {
		*m = MetaMap{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata column type %T", value)
	}
	if len(raw) == 0 {
		*m = MetaMap{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Recording represents an imported meeting recording.
//
// Recordings outlive their meetings and may outlive their tenant, in which
// case the tenant link becomes null and the row is only reachable through
// administrative tooling.
type Recording struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	RecordID     string         `gorm:"uniqueIndex;not null;size:255" json:"record_id"`
	TenantID     *string        `gorm:"size:36" json:"tenant_id,omitempty"`
	ExternalID   string         `gorm:"not null;size:256" json:"external_id"`
	State        RecordingState `gorm:"default:published;size:16" json:"state"`
	Meta         MetaMap        `gorm:"type:text" json:"meta"`
	Started      time.Time      `json:"started"`
	Ended        time.Time      `json:"ended"`
	Participants int            `gorm:"default:0" json:"participants"`
	Created      time.Time      `gorm:"autoCreateTime" json:"created"`

	Tenant  *Tenant          `gorm:"foreignKey:TenantID;constraint:OnDelete:SET NULL" json:"-"`
	Formats []PlaybackFormat `gorm:"foreignKey:RecordingID;constraint:OnDelete:CASCADE" json:"formats,omitempty"`
}

// TableName returns the table name for Recording.
func (Recording) TableName() string {
	return "recordings"
}

// PlaybackFormat is one rendition of a recording (presentation, video, ...),
// described by the playback XML fragment captured at import time.
type PlaybackFormat struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	RecordingID string `gorm:"not null;size:36;uniqueIndex:idx_formats_recording_format" json:"recording_id"`
	Format      string `gorm:"not null;size:64;uniqueIndex:idx_formats_recording_format" json:"format"`
	XML         string `gorm:"type:text" json:"xml"`
}

// TableName returns the table name for PlaybackFormat.
func (PlaybackFormat) TableName() string {
	return "playback_formats"
}
