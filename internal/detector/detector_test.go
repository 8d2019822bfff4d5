package detector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/radiowatch/radiowatch/internal/capture"
	"github.com/radiowatch/radiowatch/internal/config"
	"github.com/radiowatch/radiowatch/internal/database"
	"github.com/radiowatch/radiowatch/internal/fingerprint"
	"github.com/radiowatch/radiowatch/internal/recognize"
	"github.com/radiowatch/radiowatch/internal/recorder"
	"github.com/radiowatch/radiowatch/internal/registry"
)

// fakeGenerator derives a deterministic fingerprint from the audio.
type fakeGenerator struct {
	fail bool
}

func (g *fakeGenerator) Fingerprint(ctx context.Context, audio []byte) (*fingerprint.Fingerprint, error) {
	if g.fail {
		return nil, fingerprint.ErrFingerprint
	}
	return &fingerprint.Fingerprint{
		Digest:   fingerprint.DigestOf(audio),
		Blob:     audio,
		Duration: 15,
	}, nil
}

// fakeAdapter scripts one tier's answer and counts invocations.
type fakeAdapter struct {
	name   string
	result *recognize.Result
	err    error
	calls  int
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Identify(ctx context.Context, input recognize.Input) (*recognize.Result, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

func matchResult(title, artist, isrc string, confidence float64, source database.DetectionSource) *recognize.Result {
	return &recognize.Result{
		Candidate: registry.Candidate{
			Title: title, Artist: artist, ISRC: isrc,
			Confidence: confidence, Source: source,
		},
		Confidence: confidence,
	}
}

type fixture struct {
	detector *Detector
	db       *gorm.DB
	store    *fingerprint.Store
	metadata *fakeAdapter
	fpExt    *fakeAdapter
	full     *fakeAdapter
	station  *database.Station
}

func setupDetector(t *testing.T, gen fingerprint.Generator) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	station := &database.Station{Name: "Cascade FM", StreamURL: "http://example.test/s", IsActive: true, Healthy: true}
	require.NoError(t, db.Create(station).Error)

	store := fingerprint.NewStore(db, 0.85, 32)
	reg := registry.New(db, store, nil)
	rec := recorder.New(db, nil)

	f := &fixture{
		db:       db,
		store:    store,
		station:  station,
		metadata: &fakeAdapter{name: "metadata", err: recognize.ErrNoMatch},
		fpExt:    &fakeAdapter{name: "fingerprint-external", err: recognize.ErrNoMatch},
		full:     &fakeAdapter{name: "full-audio-external", err: recognize.ErrNoMatch},
	}
	f.detector = New(Deps{
		DB:         db,
		Generator:  gen,
		Store:      store,
		Registry:   reg,
		Recorder:   rec,
		Metadata:   f.metadata,
		FpExternal: f.fpExt,
		FullAudio:  f.full,
		Thresholds: config.DetectionConfig{
			LocalThreshold:       0.95,
			MetadataThreshold:    0.80,
			FingerprintThreshold: 0.75,
			FullAudioThreshold:   0.60,
			SimilarityFloor:      0.85,
			SimilarityCandidates: 32,
		},
	})
	return f
}

func testSegment(hinted bool) *capture.Segment {
	seg := &capture.Segment{
		Audio:      []byte("test-audio-segment-payload"),
		CapturedAt: time.Now().UTC(),
		Duration:   15,
	}
	if hinted {
		seg.Title = "Midnight City"
		seg.Artist = "M83"
	}
	return seg
}

func TestDetect_AllTiersExhaustedIsUnresolved(t *testing.T) {
	f := setupDetector(t, &fakeGenerator{})

	result, err := f.detector.Detect(context.Background(), f.station.ID, testSegment(true))
	require.NoError(t, err)
	assert.Equal(t, StatusUnresolved, result.Status)
	assert.Equal(t, 1, f.metadata.calls)
	assert.Equal(t, 1, f.fpExt.calls)
	assert.Equal(t, 1, f.full.calls)

	var count int64
	f.db.Model(&database.Detection{}).Count(&count)
	assert.Equal(t, int64(0), count, "unresolved outcomes leave no detection rows")
}

func TestDetect_MetadataTierShortCircuitsLaterTiers(t *testing.T) {
	f := setupDetector(t, &fakeGenerator{})
	f.metadata.err = nil
	f.metadata.result = matchResult("Midnight City", "M83", "FR6V81163083", 0.92, database.SourceMetadata)

	result, err := f.detector.Detect(context.Background(), f.station.ID, testSegment(true))
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, result.Status)
	assert.Equal(t, database.SourceMetadata, result.Source)
	assert.Equal(t, 0, f.fpExt.calls, "cascade must stop at the first acceptance")
	assert.Equal(t, 0, f.full.calls)
	require.NotNil(t, result.Detection)
	assert.Equal(t, f.station.ID, result.Detection.StationID)
}

func TestDetect_MetadataSkippedWithoutHints(t *testing.T) {
	f := setupDetector(t, &fakeGenerator{})

	_, err := f.detector.Detect(context.Background(), f.station.ID, testSegment(false))
	require.NoError(t, err)
	assert.Equal(t, 0, f.metadata.calls, "no hints means no metadata search")
	assert.Equal(t, 1, f.fpExt.calls)
}

func TestDetect_BelowThresholdAdvancesCascade(t *testing.T) {
	f := setupDetector(t, &fakeGenerator{})
	f.metadata.err = nil
	f.metadata.result = matchResult("Wrong Guess", "Someone", "", 0.5, database.SourceMetadata)
	f.fpExt.err = nil
	f.fpExt.result = matchResult("Midnight City", "M83", "FR6V81163083", 0.88, database.SourceFingerprint)

	result, err := f.detector.Detect(context.Background(), f.station.ID, testSegment(true))
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, result.Status)
	assert.Equal(t, database.SourceFingerprint, result.Source)
	assert.Equal(t, "Midnight City", result.Track.Title)
}

func TestDetect_TransientFailureAdvancesCascade(t *testing.T) {
	f := setupDetector(t, &fakeGenerator{})
	f.metadata.err = recognize.ErrQuotaExceeded
	f.fpExt.err = recognize.ErrTimeout
	f.full.err = nil
	f.full.result = matchResult("Midnight City", "M83", "", 0.70, database.SourceFullAudio)

	result, err := f.detector.Detect(context.Background(), f.station.ID, testSegment(true))
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, result.Status)
	assert.Equal(t, database.SourceFullAudio, result.Source)
}

func TestDetect_WriteBackMakesNextPollLocal(t *testing.T) {
	f := setupDetector(t, &fakeGenerator{})
	f.fpExt.err = nil
	f.fpExt.result = matchResult("Midnight City", "M83", "FR6V81163083", 0.96, database.SourceFingerprint)

	first, err := f.detector.Detect(context.Background(), f.station.ID, testSegment(false))
	require.NoError(t, err)
	require.Equal(t, StatusResolved, first.Status)
	require.Equal(t, database.SourceFingerprint, first.Source)
	require.Equal(t, 1, f.fpExt.calls)

	// The same audio again: the store now answers and no external
	// service is consulted.
	second, err := f.detector.Detect(context.Background(), f.station.ID, testSegment(false))
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, second.Status)
	assert.Equal(t, database.SourceLocal, second.Source)
	assert.Equal(t, 1, f.fpExt.calls, "local hit must not touch external tiers")
	assert.Equal(t, first.Track.ID, second.Track.ID)
}

func TestDetect_LocalHitBelowThresholdFallsThrough(t *testing.T) {
	f := setupDetector(t, &fakeGenerator{})
	f.full.err = nil
	f.full.result = matchResult("Midnight City", "M83", "", 0.70, database.SourceFullAudio)

	// Full-audio resolves at 0.70, below the 0.95 local threshold; the
	// write-back exists but must not satisfy the local tier next time.
	first, err := f.detector.Detect(context.Background(), f.station.ID, testSegment(false))
	require.NoError(t, err)
	require.Equal(t, StatusResolved, first.Status)

	second, err := f.detector.Detect(context.Background(), f.station.ID, testSegment(false))
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, second.Status)
	assert.Equal(t, database.SourceFullAudio, second.Source, "low-confidence store entries re-verify externally")
	assert.Equal(t, 2, f.full.calls)
}

func TestDetect_FingerprintFailureStillTriesHintedTiers(t *testing.T) {
	f := setupDetector(t, &fakeGenerator{fail: true})
	f.metadata.err = nil
	f.metadata.result = matchResult("Midnight City", "M83", "FR6V81163083", 0.92, database.SourceMetadata)

	result, err := f.detector.Detect(context.Background(), f.station.ID, testSegment(true))
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, result.Status)
	assert.Equal(t, database.SourceMetadata, result.Source)
	assert.Equal(t, 0, f.fpExt.calls, "no fingerprint means no fingerprint search")
}

func TestDetect_LocalHitNeverConsultsMetadata(t *testing.T) {
	f := setupDetector(t, &fakeGenerator{})
	f.metadata.err = nil
	f.metadata.result = matchResult("Midnight City", "M83", "FR6V81163083", 0.92, database.SourceMetadata)

	// Seed the store so the local tier can answer the hinted segment.
	seg := testSegment(true)
	track, err := registry.New(f.db, f.store, nil).ResolveOrCreate(context.Background(), f.metadata.result.Candidate)
	require.NoError(t, err)
	fp := &fingerprint.Fingerprint{Digest: fingerprint.DigestOf(seg.Audio), Blob: seg.Audio, Duration: 15}
	require.NoError(t, f.store.Upsert(context.Background(), fp, track.ID, 0.97, database.SourceFingerprint))

	result, err := f.detector.Detect(context.Background(), f.station.ID, seg)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, result.Status)
	assert.Equal(t, database.SourceLocal, result.Source)
	assert.Equal(t, 0, f.metadata.calls, "local wins even when metadata could also resolve")
}

// The full life of one track across stations and sources.
func TestDetect_EndToEnd(t *testing.T) {
	f := setupDetector(t, &fakeGenerator{})
	ctx := context.Background()

	// An unseen segment resolves through the most expensive tier.
	f.full.err = nil
	f.full.result = matchResult("Song A", "Artist X", "US1234567890", 0.90, database.SourceFullAudio)

	first, err := f.detector.Detect(ctx, f.station.ID, testSegment(false))
	require.NoError(t, err)
	require.Equal(t, StatusResolved, first.Status)
	assert.Equal(t, database.SourceFullAudio, first.Source)

	var trackCount int64
	f.db.Model(&database.Track{}).Count(&trackCount)
	assert.Equal(t, int64(1), trackCount)

	var stat database.StationTrackStat
	require.NoError(t, f.db.Where("station_id = ? AND track_id = ?", f.station.ID, first.Track.ID).First(&stat).Error)
	assert.Equal(t, int64(1), stat.PlayCount)

	// The same audio on a second station hits the local tier; the
	// write-back carried 0.90, below the 0.95 local floor, so bump it
	// the way a later strong external verification would.
	require.NoError(t, f.db.Model(&database.FingerprintEntry{}).
		Where("track_id = ?", first.Track.ID).
		Update("confidence", 0.97).Error)

	other := &database.Station{Name: "Second FM", StreamURL: "http://example.test/s2", IsActive: true, Healthy: true}
	require.NoError(t, f.db.Create(other).Error)

	second, err := f.detector.Detect(ctx, other.ID, testSegment(false))
	require.NoError(t, err)
	assert.Equal(t, database.SourceLocal, second.Source)
	assert.Equal(t, first.Track.ID, second.Track.ID)
	assert.Equal(t, 1, f.full.calls, "second station reuses the fingerprint")

	var track database.Track
	require.NoError(t, f.db.First(&track, "id = ?", first.Track.ID).Error)
	assert.Equal(t, int64(2), track.PlayCount)

	// A later resolution with the same ISRC but a variant title merges
	// into the existing track and unions external IDs.
	reg := registry.New(f.db, f.store, nil)
	merged, err := reg.ResolveOrCreate(ctx, registry.Candidate{
		Title: "Song A (Album Version)", Artist: "Artist X", ISRC: "US1234567890",
		Confidence: 0.7, Source: database.SourceMetadata,
		ExternalIDs: database.ExternalIDs{"musicbrainz": "mbid-song-a"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.Track.ID, merged.ID)
	assert.Equal(t, "mbid-song-a", merged.ExternalIDs["musicbrainz"])

	f.db.Model(&database.Track{}).Count(&trackCount)
	assert.Equal(t, int64(1), trackCount)
}

func TestDetect_RepeatDetectionExtendsPlay(t *testing.T) {
	f := setupDetector(t, &fakeGenerator{})
	f.fpExt.err = nil
	f.fpExt.result = matchResult("Midnight City", "M83", "FR6V81163083", 0.96, database.SourceFingerprint)

	seg := testSegment(false)
	first, err := f.detector.Detect(context.Background(), f.station.ID, seg)
	require.NoError(t, err)

	later := testSegment(false)
	later.CapturedAt = seg.CapturedAt.Add(10 * time.Second)
	second, err := f.detector.Detect(context.Background(), f.station.ID, later)
	require.NoError(t, err)

	assert.Equal(t, first.Detection.ID, second.Detection.ID, "same play extends the existing detection")

	var count int64
	f.db.Model(&database.Detection{}).Count(&count)
	assert.Equal(t, int64(1), count)
}
