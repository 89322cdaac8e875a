package models

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&Tenant{},
		&Server{},
		&Meeting{},
		&Callback{},
		&Recording{},
		&PlaybackFormat{},
		&MeetingStats{},
		&Lease{},
	}
}
