// Package detector runs the identification cascade: the local
// fingerprint store first, then progressively more expensive external
// sources until one resolves or every tier is exhausted.
package detector

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/radiowatch/radiowatch/internal/capture"
	"github.com/radiowatch/radiowatch/internal/config"
	"github.com/radiowatch/radiowatch/internal/database"
	"github.com/radiowatch/radiowatch/internal/events"
	"github.com/radiowatch/radiowatch/internal/fingerprint"
	"github.com/radiowatch/radiowatch/internal/logger"
	"github.com/radiowatch/radiowatch/internal/recognize"
	"github.com/radiowatch/radiowatch/internal/recorder"
	"github.com/radiowatch/radiowatch/internal/registry"
)

// Status classifies a detection attempt's terminal state.
type Status string

const (
	// StatusResolved means a tier produced an accepted identification.
	StatusResolved Status = "resolved"
	// StatusUnresolved means every tier was exhausted without an
	// accepted identification. This is a normal outcome, not a failure.
	StatusUnresolved Status = "unresolved"
	// StatusSkipped means the segment could not enter the cascade at
	// all, for instance when fingerprinting failed and no hints exist.
	StatusSkipped Status = "skipped"
)

// Result is the outcome of one detection attempt.
type Result struct {
	Status     Status
	Source     database.DetectionSource
	Confidence float64
	Track      *database.Track
	Detection  *database.Detection
}

// Detector orchestrates the cascade for one captured segment.
type Detector struct {
	db         *gorm.DB
	generator  fingerprint.Generator
	store      *fingerprint.Store
	registry   *registry.Registry
	recorder   *recorder.Recorder
	bus        events.EventBus
	thresholds config.DetectionConfig

	metadata   recognize.Adapter
	fpExternal recognize.Adapter
	fullAudio  recognize.Adapter
}

// Deps bundles the detector's collaborators. Adapter fields may be nil
// when the corresponding tier is disabled.
type Deps struct {
	DB        *gorm.DB
	Generator fingerprint.Generator
	Store     *fingerprint.Store
	Registry  *registry.Registry
	Recorder  *recorder.Recorder
	Bus       events.EventBus

	Metadata   recognize.Adapter
	FpExternal recognize.Adapter
	FullAudio  recognize.Adapter

	Thresholds config.DetectionConfig
}

// New creates a detector from its collaborators.
func New(deps Deps) *Detector {
	return &Detector{
		db:         deps.DB,
		generator:  deps.Generator,
		store:      deps.Store,
		registry:   deps.Registry,
		recorder:   deps.Recorder,
		bus:        deps.Bus,
		thresholds: deps.Thresholds,
		metadata:   deps.Metadata,
		fpExternal: deps.FpExternal,
		fullAudio:  deps.FullAudio,
	}
}

// Detect runs the cascade for one captured segment and persists the
// outcome. Tiers run strictly in order and stop at the first acceptance;
// transient tier failures advance the cascade rather than aborting it.
func (d *Detector) Detect(ctx context.Context, stationID string, segment *capture.Segment) (*Result, error) {
	fp, err := d.generator.Fingerprint(ctx, segment.Audio)
	if err != nil {
		// Without a fingerprint the local and fingerprint-search tiers
		// cannot run; tag hints and raw audio may still resolve it.
		logger.Warn("fingerprint generation failed", "station", stationID, "error", err)
		fp = nil
		if segment.Title == "" && d.fullAudio == nil {
			return &Result{Status: StatusSkipped}, nil
		}
	}

	if fp != nil {
		if result, err := d.tryLocal(ctx, stationID, segment, fp); result != nil || err != nil {
			return result, err
		}
	}

	input := recognize.Input{
		Title:  segment.Title,
		Artist: segment.Artist,
		Album:  segment.Album,
		Audio:  segment.Audio,
	}
	if fp != nil {
		input.FingerprintBlob = fp.Blob
		input.Duration = fp.Duration
	}

	tiers := []struct {
		adapter   recognize.Adapter
		threshold float64
		needs     func() bool
	}{
		{d.metadata, d.thresholds.MetadataThreshold, func() bool { return input.Title != "" }},
		{d.fpExternal, d.thresholds.FingerprintThreshold, func() bool { return fp != nil }},
		{d.fullAudio, d.thresholds.FullAudioThreshold, func() bool { return len(segment.Audio) > 0 }},
	}

	for _, tier := range tiers {
		if tier.adapter == nil || !tier.needs() {
			continue
		}
		result := d.tryAdapter(ctx, tier.adapter, input, tier.threshold)
		if result == nil {
			continue
		}
		return d.accept(ctx, stationID, segment, fp, result.Candidate, result.Confidence)
	}

	d.publishUnresolved(stationID)
	return &Result{Status: StatusUnresolved}, nil
}

// tryLocal consults the fingerprint store. A hit below the local
// threshold is treated as a miss so stale low-confidence associations
// fall through to re-verification by the external tiers.
func (d *Detector) tryLocal(ctx context.Context, stationID string, segment *capture.Segment, fp *fingerprint.Fingerprint) (*Result, error) {
	entry, err := d.store.Lookup(ctx, fp)
	if err != nil {
		if !errors.Is(err, fingerprint.ErrMiss) {
			logger.Warn("fingerprint lookup failed", "station", stationID, "error", err)
		}
		return nil, nil
	}
	if entry.Confidence < d.thresholds.LocalThreshold {
		return nil, nil
	}

	var track database.Track
	if err := d.db.WithContext(ctx).First(&track, "id = ?", entry.TrackID).Error; err != nil {
		// Dangling entry, likely a lost merge repoint. Fall through so
		// an external tier can re-establish the association.
		logger.Warn("fingerprint entry points at missing track", "digest", entry.Digest, "track", entry.TrackID)
		return nil, nil
	}

	d.store.Touch(ctx, entry.Digest)

	detection, err := d.recorder.Record(ctx, recorder.Outcome{
		StationID:    stationID,
		TrackID:      track.ID,
		Confidence:   entry.Confidence,
		Source:       database.SourceLocal,
		DetectedAt:   segment.CapturedAt,
		PlayDuration: segment.Duration,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Status:     StatusResolved,
		Source:     database.SourceLocal,
		Confidence: entry.Confidence,
		Track:      &track,
		Detection:  detection,
	}, nil
}

// tryAdapter runs one external tier. Any negative or degraded answer
// returns nil and the cascade advances.
func (d *Detector) tryAdapter(ctx context.Context, adapter recognize.Adapter, input recognize.Input, threshold float64) *recognize.Result {
	result, err := adapter.Identify(ctx, input)
	switch {
	case err == nil:
	case errors.Is(err, recognize.ErrNoMatch):
		logger.Debug("tier found no match", "adapter", adapter.Name())
		return nil
	case recognize.IsTransient(err):
		logger.Warn("tier unavailable, advancing cascade", "adapter", adapter.Name(), "error", err)
		return nil
	default:
		logger.Warn("tier failed, advancing cascade", "adapter", adapter.Name(), "error", err)
		return nil
	}

	if result.Confidence < threshold {
		logger.Debug("tier match below threshold",
			"adapter", adapter.Name(), "confidence", result.Confidence, "threshold", threshold)
		return nil
	}
	return result
}

// accept resolves the candidate to a canonical track, writes the
// fingerprint back so future polls hit the local tier, and records the
// detection.
func (d *Detector) accept(ctx context.Context, stationID string, segment *capture.Segment, fp *fingerprint.Fingerprint, cand registry.Candidate, confidence float64) (*Result, error) {
	track, err := d.registry.ResolveOrCreate(ctx, cand)
	if err != nil {
		return nil, err
	}

	if fp != nil {
		if err := d.store.Upsert(ctx, fp, track.ID, confidence, cand.Source); err != nil {
			// The detection still stands; only the cache write-back is lost.
			logger.Warn("fingerprint write-back failed", "track", track.ID, "error", err)
		}
	}

	detection, err := d.recorder.Record(ctx, recorder.Outcome{
		StationID:    stationID,
		TrackID:      track.ID,
		Confidence:   confidence,
		Source:       cand.Source,
		DetectedAt:   segment.CapturedAt,
		PlayDuration: segment.Duration,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Status:     StatusResolved,
		Source:     cand.Source,
		Confidence: confidence,
		Track:      track,
		Detection:  detection,
	}, nil
}

func (d *Detector) publishUnresolved(stationID string) {
	if d.bus == nil {
		return
	}
	ev := events.NewEvent(events.EventDetectionUnresolved, "detector", "Segment unresolved", "")
	ev.Data = map[string]interface{}{
		"station_id": stationID,
		"at":         time.Now().UTC(),
	}
	d.bus.PublishAsync(ev)
}
