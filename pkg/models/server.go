package models

import (
	"fmt"
	"time"
)

// ServerHealth represents the poll-driven health of a backend server.
type ServerHealth string

const (
	// HealthOffline marks a server that failed too often or was never seen
	// healthy. Offline servers receive no new meetings.
	HealthOffline ServerHealth = "OFFLINE"

	// HealthUnstable marks a server in transition, either failing or
	// recovering. Unstable servers keep their meetings but receive no new ones.
	HealthUnstable ServerHealth = "UNSTABLE"

	// HealthAvailable marks a healthy server eligible for new meetings.
	HealthAvailable ServerHealth = "AVAILABLE"
)

// IsValid checks if the value is a known ServerHealth.
func (h ServerHealth) IsValid() bool {
	return h == HealthOffline || h == HealthUnstable || h == HealthAvailable
}

// Server represents a single BBB backend instance.
//
// Servers start OFFLINE so that a newly provisioned backend must pass health
// checks before receiving traffic. Load is a floating point estimate updated
// by the poller and bumped optimistically on create/join.
type Server struct {
	ID      string       `gorm:"primaryKey;size:36" json:"id"`
	Domain  string       `gorm:"uniqueIndex;not null;size:255" json:"domain"`
	Secret  string       `gorm:"not null" json:"secret"`
	Enabled bool         `gorm:"default:true" json:"enabled"`
	Label   string       `gorm:"size:255" json:"label,omitempty"`
	Health  ServerHealth `gorm:"default:OFFLINE;size:16" json:"health"`
	Errors  int          `gorm:"default:0" json:"errors"`
	Recover int          `gorm:"default:0" json:"recover"`
	Load    float64      `gorm:"default:0" json:"load"`
	Created time.Time    `gorm:"autoCreateTime" json:"created"`

	Meetings []Meeting `gorm:"foreignKey:ServerID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for Server.
func (Server) TableName() string {
	return "servers"
}

// APIBase returns the BBB API root for this server.
func (s *Server) APIBase() string {
	return fmt.Sprintf("https://%s/bigbluebutton/api/", s.Domain)
}

// MarkError records a failed poll. After failThreshold consecutive errors the
// server goes OFFLINE; until then it is UNSTABLE and its recovery counter is
// reset. Returns true if the health enum changed.
func (s *Server) MarkError(failThreshold int) bool {
	if s.Health == HealthOffline {
		return false
	}
	prev := s.Health
	s.Recover = 0
	s.Errors++
	if s.Errors >= failThreshold {
		s.Health = HealthOffline
	} else {
		s.Health = HealthUnstable
	}
	return s.Health != prev
}

// MarkSuccess records a successful poll. A recovering server stays UNSTABLE
// for recoverThreshold successes and becomes AVAILABLE on the next one, with
// both counters cleared. Returns true if the health enum changed.
func (s *Server) MarkSuccess(recoverThreshold int) bool {
	if s.Health == HealthAvailable {
		return false
	}
	prev := s.Health
	if s.Recover < recoverThreshold {
		s.Recover++
		s.Health = HealthUnstable
	} else {
		s.Errors = 0
		s.Recover = 0
		s.Health = HealthAvailable
	}
	return s.Health != prev
}

// Validate checks server fields before persisting.
func (s *Server) Validate() error {
	if s.Domain == "" {
		return fmt.Errorf("server domain is required")
	}
	if s.Secret == "" {
		return fmt.Errorf("server secret is required")
	}
	if s.Health != "" && !s.Health.IsValid() {
		return fmt.Errorf("invalid health %q", s.Health)
	}
	return nil
}
