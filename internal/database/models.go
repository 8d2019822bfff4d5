package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DetectionSource identifies which cascade tier produced a detection.
type DetectionSource string

const (
	SourceLocal       DetectionSource = "local"
	SourceMetadata    DetectionSource = "metadata"
	SourceFingerprint DetectionSource = "fingerprint-external"
	SourceFullAudio   DetectionSource = "full-audio-external"
)

// ExternalIDs maps a source name to its identifier for a track,
// e.g. {"musicbrainz": "...", "acoustid": "..."}.
type ExternalIDs map[string]string

// Value implements driver.Valuer for database serialization.
func (e ExternalIDs) Value() (driver.Value, error) {
	if e == nil {
		return "{}", nil
	}
	b, err := json.Marshal(e)
	return string(b), err
}

// Scan implements sql.Scanner for database deserialization.
func (e *ExternalIDs) Scan(value interface{}) error {
	if value == nil {
		*e = ExternalIDs{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("failed to unmarshal ExternalIDs: %v", value)
	}
	if len(data) == 0 {
		*e = ExternalIDs{}
		return nil
	}
	return json.Unmarshal(data, e)
}

// Station is a monitored stream source.
type Station struct {
	ID                  string     `gorm:"type:uuid;primaryKey" json:"id"`
	Name                string     `gorm:"uniqueIndex" json:"name"`
	StreamURL           string     `json:"stream_url"`
	IsActive            bool       `gorm:"default:true;index" json:"is_active"`
	PollIntervalSeconds int        `json:"poll_interval_seconds"`
	Priority            int        `gorm:"default:0" json:"priority"`
	LastChecked         *time.Time `json:"last_checked,omitempty"`
	ConsecutiveFailures int        `gorm:"default:0" json:"consecutive_failures"`
	Healthy             bool       `gorm:"default:true" json:"healthy"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// BeforeCreate assigns a UUID primary key.
func (s *Station) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Track is a canonical music work. At most one row exists per non-null
// ISRC; tracks without ISRC are deduplicated best-effort by normalized
// (title, artist) match at registry level.
type Track struct {
	ID            string      `gorm:"type:uuid;primaryKey" json:"id"`
	Title         string      `gorm:"index" json:"title"`
	Artist        string      `gorm:"index" json:"artist"`
	Album         string      `json:"album,omitempty"`
	ISRC          *string     `gorm:"uniqueIndex" json:"isrc,omitempty"`
	Label         string      `json:"label,omitempty"`
	ReleaseDate   *time.Time  `json:"release_date,omitempty"`
	PlayCount     int64       `gorm:"default:0" json:"play_count"`
	TotalPlayTime float64     `gorm:"default:0" json:"total_play_time"` // seconds
	FirstPlayed   *time.Time  `json:"first_played,omitempty"`
	LastPlayed    *time.Time  `gorm:"index" json:"last_played,omitempty"`
	ExternalIDs   ExternalIDs `gorm:"type:text" json:"external_ids"`
	// MetadataConfidence records the confidence of the source that last
	// wrote title/artist, so later lower-confidence sources cannot
	// overwrite them.
	MetadataConfidence float64   `gorm:"default:0" json:"-"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// BeforeCreate assigns a UUID primary key.
func (t *Track) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// FingerprintEntry maps a fingerprint digest to the track it identifies.
// A digest maps to exactly one track at any time; conflicting
// associations resolve last-writer-by-confidence, not by time.
type FingerprintEntry struct {
	Digest     string          `gorm:"primaryKey" json:"digest"`
	Blob       []byte          `json:"-"`
	TrackID    string          `gorm:"type:uuid;index" json:"track_id"`
	Confidence float64         `json:"confidence"`
	Source     DetectionSource `json:"source"`
	VerifiedAt time.Time       `json:"verified_at"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Detection is one identification event. Immutable once recorded except
// for play_duration extension when a later poll continues the same play.
type Detection struct {
	ID           string          `gorm:"type:uuid;primaryKey" json:"id"`
	StationID    string          `gorm:"type:uuid;index:idx_detections_station_time" json:"station_id"`
	TrackID      string          `gorm:"type:uuid;index" json:"track_id"`
	Confidence   float64         `json:"confidence"`
	Source       DetectionSource `json:"source"`
	DetectedAt   time.Time       `gorm:"index:idx_detections_station_time" json:"detected_at"`
	PlayDuration float64         `json:"play_duration"` // seconds
}

// BeforeCreate assigns a UUID primary key and a detection timestamp.
func (d *Detection) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DetectedAt.IsZero() {
		d.DetectedAt = utcNow()
	}
	return nil
}

// StationTrackStat aggregates plays of one track on one station.
// Counters are monotonically non-decreasing and only ever change in the
// same transaction as a Detection write.
type StationTrackStat struct {
	StationID     string     `gorm:"type:uuid;primaryKey" json:"station_id"`
	TrackID       string     `gorm:"type:uuid;primaryKey" json:"track_id"`
	PlayCount     int64      `gorm:"default:0" json:"play_count"`
	TotalPlayTime float64    `gorm:"default:0" json:"total_play_time"` // seconds
	FirstPlayed   *time.Time `json:"first_played,omitempty"`
	LastPlayed    *time.Time `json:"last_played,omitempty"`
}
