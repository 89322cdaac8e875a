package store

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bbblb/bbblb/pkg/models"
)

// Filters past these bounds are silently clamped, matching the BBB API which
// treats out-of-range paging values as absent.
const (
	maxRecordIDFilters = 100
	maxStateFilters    = 5
	maxOffset          = 10000
)

// RecordingFilter narrows a recording listing. Zero values mean "no filter".
type RecordingFilter struct {
	// MeetingIDs filters by exact external meeting IDs.
	MeetingIDs []string
	// RecordIDs filters by record ID prefixes. Only the first 100 are used.
	RecordIDs []string
	// States filters by publication state. Only the first 5 are used and the
	// special value "any" disables the filter.
	States []string
	// Meta filters by exact metadata key/value pairs.
	Meta map[string]string
	// Offset skips rows when within (0, 10000).
	Offset int
	// Limit caps the result when within (0, MaxItems); MaxItems otherwise.
	Limit int
	// MaxItems is the hard result cap. Required.
	MaxItems int
}

func (f *RecordingFilter) effectiveLimit() int {
	if f.Limit > 0 && f.Limit < f.MaxItems {
		return f.Limit
	}
	return f.MaxItems
}

func (f *RecordingFilter) effectiveOffset() int {
	if f.Offset > 0 && f.Offset < maxOffset {
		return f.Offset
	}
	return 0
}

// escapeLike escapes LIKE wildcards so user input matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// ListRecordings returns the recordings of a tenant matching the filter, with
// playback formats loaded, in insertion order.
func (s *GORMStore) ListRecordings(ctx context.Context, tenantID string, filter RecordingFilter) ([]*models.Recording, error) {
	q := s.db.WithContext(ctx).
		Preload("Formats").
		Where("tenant_id = ?", tenantID).
		Order("created, record_id")

	if len(filter.MeetingIDs) > 0 {
		q = q.Where("external_id IN ?", filter.MeetingIDs)
	}
	if prefixes := filter.RecordIDs; len(prefixes) > 0 {
		if len(prefixes) > maxRecordIDFilters {
			prefixes = prefixes[:maxRecordIDFilters]
		}
		group := s.db.Session(&gorm.Session{NewDB: true})
		for i, prefix := range prefixes {
			cond := escapeLike(prefix) + "%"
			if i == 0 {
				group = group.Where(`record_id LIKE ? ESCAPE '\'`, cond)
			} else {
				group = group.Or(`record_id LIKE ? ESCAPE '\'`, cond)
			}
		}
		q = q.Where(group)
	}
	if states := filter.States; len(states) > 0 && !containsString(states, "any") {
		if len(states) > maxStateFilters {
			states = states[:maxStateFilters]
		}
		q = q.Where("state IN ?", states)
	}

	// Metadata lives in a serialized JSON column, so meta filters and their
	// paging run after the fetch.
	if len(filter.Meta) > 0 {
		var all []*models.Recording
		if err := q.Find(&all).Error; err != nil {
			return nil, err
		}
		var matched []*models.Recording
		for _, rec := range all {
			if metaMatches(rec.Meta, filter.Meta) {
				matched = append(matched, rec)
			}
		}
		if off := filter.effectiveOffset(); off > 0 {
			if off >= len(matched) {
				matched = nil
			} else {
				matched = matched[off:]
			}
		}
		if limit := filter.effectiveLimit(); len(matched) > limit {
			matched = matched[:limit]
		}
		return matched, nil
	}

	if off := filter.effectiveOffset(); off > 0 {
		q = q.Offset(off)
	}
	q = q.Limit(filter.effectiveLimit())

	var recordings []*models.Recording
	if err := q.Find(&recordings).Error; err != nil {
		return nil, err
	}
	return recordings, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func metaMatches(meta models.MetaMap, want map[string]string) bool {
	for key, value := range want {
		if meta[key] != value {
			return false
		}
	}
	return true
}

// ListAllRecordings returns every recording with tenant and formats loaded,
// for administrative listings and orphan cleanup.
func (s *GORMStore) ListAllRecordings(ctx context.Context) ([]*models.Recording, error) {
	var recordings []*models.Recording
	err := s.db.WithContext(ctx).
		Preload("Tenant").Preload("Formats").
		Order("created, record_id").
		Find(&recordings).Error
	if err != nil {
		return nil, err
	}
	return recordings, nil
}

// GetRecordingByRecordID retrieves a recording with its formats.
func (s *GORMStore) GetRecordingByRecordID(ctx context.Context, recordID string) (*models.Recording, error) {
	var recording models.Recording
	err := s.db.WithContext(ctx).
		Preload("Tenant").Preload("Formats").
		Where("record_id = ?", recordID).
		First(&recording).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrRecordingNotFound)
	}
	return &recording, nil
}

// UpsertRecording inserts or refreshes the row for a record ID. The
// publication state of an existing row is kept; directory placement follows
// the stored state, not the incoming archive.
func (s *GORMStore) UpsertRecording(ctx context.Context, rec *models.Recording) (*models.Recording, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.State == "" {
		rec.State = models.RecordingPublished
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tenant_id", "external_id", "meta", "started", "ended", "participants",
		}),
	}).Create(rec).Error
	if err != nil {
		return nil, err
	}
	return s.GetRecordingByRecordID(ctx, rec.RecordID)
}

// UpsertPlaybackFormat inserts or replaces one playback format of a recording.
func (s *GORMStore) UpsertPlaybackFormat(ctx context.Context, recordingID, format, xml string) error {
	row := &models.PlaybackFormat{
		ID:          uuid.NewString(),
		RecordingID: recordingID,
		Format:      format,
		XML:         xml,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "recording_id"}, {Name: "format"}},
		DoUpdates: clause.AssignmentColumns([]string{"xml"}),
	}).Create(row).Error
}

// UpdateRecordingStates locks the matching recordings of a tenant, runs apply
// on each (typically the directory rename) and persists the new state for the
// rows where apply succeeded. Returns the number of matched rows; zero means
// none of the record IDs exist for this tenant.
//
// An apply error skips the row but does not abort the batch: a recording that
// is missing on disk stays in its previous state.
func (s *GORMStore) UpdateRecordingStates(ctx context.Context, tenantID string, recordIDs []string, state models.RecordingState, apply func(*models.Recording) error) (int, error) {
	matched := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var recs []*models.Recording
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND record_id IN ?", tenantID, recordIDs).
			Find(&recs).Error
		if err != nil {
			return err
		}
		matched = len(recs)
		for _, rec := range recs {
			if apply != nil {
				if err := apply(rec); err != nil {
					continue
				}
			}
			err := tx.Model(&models.Recording{}).
				Where("id = ?", rec.ID).
				Update("state", state).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return matched, nil
}

// DeleteRecordings removes the matching recording rows of a tenant and
// returns how many were deleted. Disk cleanup happens elsewhere and also
// covers record IDs that were never in the database.
func (s *GORMStore) DeleteRecordings(ctx context.Context, tenantID string, recordIDs []string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("tenant_id = ? AND record_id IN ?", tenantID, recordIDs).
		Delete(&models.Recording{})
	return result.RowsAffected, result.Error
}

// DeleteRecordingRow removes one recording row by primary key.
func (s *GORMStore) DeleteRecordingRow(ctx context.Context, id string) error {
	return deleteByField[models.Recording](s.db, ctx, "id", id, models.ErrRecordingNotFound)
}

// DeletePlaybackFormat removes one playback format row by primary key.
func (s *GORMStore) DeletePlaybackFormat(ctx context.Context, id string) error {
	return deleteByField[models.PlaybackFormat](s.db, ctx, "id", id, models.ErrRecordingNotFound)
}

// PatchRecordingMeta locks the matching recordings of a tenant and applies a
// metadata patch: non-empty values are set, empty values delete the key. The
// caller is expected to have dropped reserved keys already. Keys are applied
// in sorted order so the result is deterministic.
func (s *GORMStore) PatchRecordingMeta(ctx context.Context, tenantID string, recordIDs []string, patch map[string]string) (int, error) {
	matched := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var recs []*models.Recording
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND record_id IN ?", tenantID, recordIDs).
			Find(&recs).Error
		if err != nil {
			return err
		}
		matched = len(recs)

		keys := make([]string, 0, len(patch))
		for key := range patch {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, rec := range recs {
			if rec.Meta == nil {
				rec.Meta = models.MetaMap{}
			}
			for _, key := range keys {
				if value := patch[key]; value != "" {
					rec.Meta[key] = value
				} else {
					delete(rec.Meta, key)
				}
			}
			err := tx.Model(&models.Recording{}).
				Where("id = ?", rec.ID).
				Update("meta", rec.Meta).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return matched, nil
}
