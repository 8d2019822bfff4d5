package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/radiowatch/radiowatch/internal/database"
)

func setupTestRecorder(t *testing.T) (*Recorder, *gorm.DB, *database.Track, *database.Station) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	station := &database.Station{Name: "Test FM", StreamURL: "http://example.test/stream", IsActive: true, Healthy: true}
	require.NoError(t, db.Create(station).Error)
	track := &database.Track{Title: "Test Track", Artist: "Test Artist"}
	require.NoError(t, db.Create(track).Error)

	return New(db, nil), db, track, station
}

func TestRecord_NewDetectionAdvancesAllCounters(t *testing.T) {
	rec, db, track, station := setupTestRecorder(t)
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Second)

	detection, err := rec.Record(ctx, Outcome{
		StationID:    station.ID,
		TrackID:      track.ID,
		Confidence:   0.9,
		Source:       database.SourceFingerprint,
		DetectedAt:   at,
		PlayDuration: 15,
	})
	require.NoError(t, err)
	require.NotNil(t, detection)
	assert.Equal(t, 15.0, detection.PlayDuration)

	var stored database.Track
	require.NoError(t, db.First(&stored, "id = ?", track.ID).Error)
	assert.Equal(t, int64(1), stored.PlayCount)
	assert.InDelta(t, 15.0, stored.TotalPlayTime, 0.001)
	require.NotNil(t, stored.FirstPlayed)
	require.NotNil(t, stored.LastPlayed)

	var stat database.StationTrackStat
	require.NoError(t, db.Where("station_id = ? AND track_id = ?", station.ID, track.ID).First(&stat).Error)
	assert.Equal(t, int64(1), stat.PlayCount)
	assert.InDelta(t, 15.0, stat.TotalPlayTime, 0.001)
}

func TestRecord_ContinuationExtendsInsteadOfDuplicating(t *testing.T) {
	rec, db, track, station := setupTestRecorder(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	_, err := rec.Record(ctx, Outcome{
		StationID: station.ID, TrackID: track.ID,
		Confidence: 0.9, Source: database.SourceFingerprint,
		DetectedAt: start, PlayDuration: 15,
	})
	require.NoError(t, err)

	// The next poll sees the same track 10s later, inside the window.
	detection, err := rec.Record(ctx, Outcome{
		StationID: station.ID, TrackID: track.ID,
		Confidence: 0.9, Source: database.SourceLocal,
		DetectedAt: start.Add(10 * time.Second), PlayDuration: 15,
	})
	require.NoError(t, err)
	assert.InDelta(t, 25.0, detection.PlayDuration, 0.001)

	var count int64
	db.Model(&database.Detection{}).Where("station_id = ?", station.ID).Count(&count)
	assert.Equal(t, int64(1), count, "a continued play must not create a second row")

	// Counters advance only by the marginal ten seconds.
	var stored database.Track
	require.NoError(t, db.First(&stored, "id = ?", track.ID).Error)
	assert.Equal(t, int64(1), stored.PlayCount)
	assert.InDelta(t, 25.0, stored.TotalPlayTime, 0.001)
}

func TestRecord_RedeliveryInsideWindowIsIdempotent(t *testing.T) {
	rec, db, track, station := setupTestRecorder(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	outcome := Outcome{
		StationID: station.ID, TrackID: track.ID,
		Confidence: 0.9, Source: database.SourceFingerprint,
		DetectedAt: start, PlayDuration: 15,
	}
	_, err := rec.Record(ctx, outcome)
	require.NoError(t, err)
	_, err = rec.Record(ctx, outcome)
	require.NoError(t, err)

	var count int64
	db.Model(&database.Detection{}).Count(&count)
	assert.Equal(t, int64(1), count)

	var stored database.Track
	require.NoError(t, db.First(&stored, "id = ?", track.ID).Error)
	assert.Equal(t, int64(1), stored.PlayCount)
	assert.InDelta(t, 15.0, stored.TotalPlayTime, 0.001)
}

func TestRecord_PastWindowCreatesNewDetection(t *testing.T) {
	rec, db, track, station := setupTestRecorder(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Second)

	_, err := rec.Record(ctx, Outcome{
		StationID: station.ID, TrackID: track.ID,
		Confidence: 0.9, Source: database.SourceFingerprint,
		DetectedAt: start, PlayDuration: 15,
	})
	require.NoError(t, err)

	// Well past the previous play's window plus grace.
	_, err = rec.Record(ctx, Outcome{
		StationID: station.ID, TrackID: track.ID,
		Confidence: 0.9, Source: database.SourceLocal,
		DetectedAt: start.Add(5 * time.Minute), PlayDuration: 15,
	})
	require.NoError(t, err)

	var count int64
	db.Model(&database.Detection{}).Count(&count)
	assert.Equal(t, int64(2), count)

	var stored database.Track
	require.NoError(t, db.First(&stored, "id = ?", track.ID).Error)
	assert.Equal(t, int64(2), stored.PlayCount)
}

func TestContinuesPlay(t *testing.T) {
	base := time.Now().UTC()
	prev := &database.Detection{DetectedAt: base, PlayDuration: 15}

	assert.True(t, continuesPlay(prev, base.Add(10*time.Second)))
	assert.True(t, continuesPlay(prev, base.Add(15*time.Second+overlapGrace)))
	assert.False(t, continuesPlay(prev, base.Add(15*time.Second+overlapGrace+time.Second)))
	assert.False(t, continuesPlay(prev, base.Add(-time.Second)))
}

// TestRecord_WriteFailureRollsBackWholeOutcome drives the transaction
// against a mocked connection that fails the counter update, and checks
// nothing is committed piecemeal.
func TestRecord_WriteFailureRollsBackWholeOutcome(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	// Previous-detection lookup finds nothing.
	mock.ExpectQuery(`SELECT .* FROM "detections"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	// Detection insert succeeds.
	mock.ExpectExec(`INSERT INTO "detections"`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// Track counter update fails; the whole transaction must roll back.
	mock.ExpectExec(`UPDATE "tracks"`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	rec := New(db, nil)
	_, err = rec.Record(context.Background(), Outcome{
		StationID: "station-1", TrackID: "track-1",
		Confidence: 0.9, Source: database.SourceFingerprint,
		DetectedAt: time.Now().UTC(), PlayDuration: 15,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWrite)
	assert.NoError(t, mock.ExpectationsWereMet())
}
