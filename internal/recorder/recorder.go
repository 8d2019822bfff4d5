// Package recorder persists detection outcomes. Every outcome is one
// transaction covering the detection row, the track's global counters,
// and the per-station aggregate; the three never diverge.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/radiowatch/radiowatch/internal/database"
	"github.com/radiowatch/radiowatch/internal/events"
	"github.com/radiowatch/radiowatch/internal/logger"
)

// ErrWrite reports a failed outcome transaction. Nothing was persisted;
// the caller drops the outcome rather than retrying half of it.
var ErrWrite = errors.New("detection write failed")

// overlapGrace extends the continuation window past the previous play's
// projected end, absorbing poll jitter between consecutive captures of
// the same play.
const overlapGrace = 60 * time.Second

// Outcome is a resolved identification ready to be persisted.
type Outcome struct {
	StationID    string
	TrackID      string
	Confidence   float64
	Source       database.DetectionSource
	DetectedAt   time.Time
	PlayDuration float64 // seconds
}

// Recorder writes detection outcomes.
type Recorder struct {
	db  *gorm.DB
	bus events.EventBus
}

// New creates a recorder. bus may be nil.
func New(db *gorm.DB, bus events.EventBus) *Recorder {
	return &Recorder{db: db, bus: bus}
}

// Record persists one outcome. When the outcome continues a play already
// recorded for the same station and track, the existing detection's
// duration is extended instead of creating a second row, and the
// counters advance by the marginal listening time only.
func (r *Recorder) Record(ctx context.Context, outcome Outcome) (*database.Detection, error) {
	if outcome.DetectedAt.IsZero() {
		outcome.DetectedAt = time.Now().UTC()
	}

	var detection *database.Detection
	var continued bool

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev, err := latestDetection(tx, outcome.StationID, outcome.TrackID)
		if err != nil {
			return err
		}

		if prev != nil && continuesPlay(prev, outcome.DetectedAt) {
			extended := outcome.DetectedAt.Add(time.Duration(outcome.PlayDuration * float64(time.Second)))
			newDuration := extended.Sub(prev.DetectedAt).Seconds()
			if newDuration <= prev.PlayDuration {
				// Re-delivery of an already covered capture; nothing to add.
				detection = prev
				continued = true
				return nil
			}
			delta := newDuration - prev.PlayDuration
			prev.PlayDuration = newDuration
			if err := tx.Model(&database.Detection{}).
				Where("id = ?", prev.ID).
				Update("play_duration", newDuration).Error; err != nil {
				return err
			}
			if err := advanceCounters(tx, outcome, 0, delta); err != nil {
				return err
			}
			detection = prev
			continued = true
			return nil
		}

		row := &database.Detection{
			StationID:    outcome.StationID,
			TrackID:      outcome.TrackID,
			Confidence:   outcome.Confidence,
			Source:       outcome.Source,
			DetectedAt:   outcome.DetectedAt,
			PlayDuration: outcome.PlayDuration,
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		if err := advanceCounters(tx, outcome, 1, outcome.PlayDuration); err != nil {
			return err
		}
		detection = row
		return nil
	})
	if err != nil {
		logger.Error("detection transaction failed", "station", outcome.StationID, "track", outcome.TrackID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	r.publishRecorded(detection, continued)
	return detection, nil
}

// latestDetection returns the most recent detection of the track on the
// station, or nil when none exists.
func latestDetection(tx *gorm.DB, stationID, trackID string) (*database.Detection, error) {
	var prev database.Detection
	err := tx.Where("station_id = ? AND track_id = ?", stationID, trackID).
		Order("detected_at DESC").
		First(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &prev, nil
}

// continuesPlay reports whether a capture at detectedAt falls inside the
// previous detection's window, meaning the same play is still running.
func continuesPlay(prev *database.Detection, detectedAt time.Time) bool {
	windowEnd := prev.DetectedAt.
		Add(time.Duration(prev.PlayDuration * float64(time.Second))).
		Add(overlapGrace)
	return !detectedAt.Before(prev.DetectedAt) && !detectedAt.After(windowEnd)
}

// advanceCounters moves the track's global counters and the per-station
// aggregate forward inside the outcome transaction.
func advanceCounters(tx *gorm.DB, outcome Outcome, plays int64, playTime float64) error {
	updates := map[string]interface{}{
		"play_count":      gorm.Expr("play_count + ?", plays),
		"total_play_time": gorm.Expr("total_play_time + ?", playTime),
		"last_played":     outcome.DetectedAt,
	}
	if err := tx.Model(&database.Track{}).
		Where("id = ?", outcome.TrackID).
		Updates(updates).Error; err != nil {
		return err
	}
	if err := tx.Model(&database.Track{}).
		Where("id = ? AND first_played IS NULL", outcome.TrackID).
		Update("first_played", outcome.DetectedAt).Error; err != nil {
		return err
	}

	var stat database.StationTrackStat
	err := tx.Where("station_id = ? AND track_id = ?", outcome.StationID, outcome.TrackID).
		First(&stat).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		first := outcome.DetectedAt
		stat = database.StationTrackStat{
			StationID:     outcome.StationID,
			TrackID:       outcome.TrackID,
			PlayCount:     plays,
			TotalPlayTime: playTime,
			FirstPlayed:   &first,
			LastPlayed:    &first,
		}
		return tx.Create(&stat).Error
	case err != nil:
		return err
	}

	return tx.Model(&database.StationTrackStat{}).
		Where("station_id = ? AND track_id = ?", outcome.StationID, outcome.TrackID).
		Updates(map[string]interface{}{
			"play_count":      gorm.Expr("play_count + ?", plays),
			"total_play_time": gorm.Expr("total_play_time + ?", playTime),
			"last_played":     outcome.DetectedAt,
		}).Error
}

func (r *Recorder) publishRecorded(detection *database.Detection, continued bool) {
	if r.bus == nil || detection == nil {
		return
	}
	title := "Detection recorded"
	if continued {
		title = "Detection extended"
	}
	ev := events.NewEvent(events.EventDetectionRecorded, "recorder", title, "")
	ev.Data = map[string]interface{}{
		"detection_id": detection.ID,
		"station_id":   detection.StationID,
		"track_id":     detection.TrackID,
		"source":       detection.Source,
		"confidence":   detection.Confidence,
		"continued":    continued,
	}
	r.bus.PublishAsync(ev)
}
