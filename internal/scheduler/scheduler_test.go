package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/radiowatch/radiowatch/internal/config"
	"github.com/radiowatch/radiowatch/internal/database"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Workers:             2,
		QueueSize:           16,
		DefaultPollInterval: 90 * time.Second,
		PollDeadline:        60 * time.Second,
		UnhealthyThreshold:  3,
		UnhealthyBackoff:    10 * time.Minute,
	}
}

func setupTestScheduler(t *testing.T) (*Scheduler, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	return New(db, nil, nil, nil, testSchedulerConfig()), db
}

func TestDue_NeverCheckedIsAlwaysDue(t *testing.T) {
	s, _ := setupTestScheduler(t)
	station := &database.Station{Healthy: true}
	assert.True(t, s.due(station, time.Now().UTC()))
}

func TestDue_RespectsStationCadence(t *testing.T) {
	s, _ := setupTestScheduler(t)
	now := time.Now().UTC()

	recent := now.Add(-30 * time.Second)
	station := &database.Station{LastChecked: &recent, PollIntervalSeconds: 60, Healthy: true}
	assert.False(t, s.due(station, now))

	stale := now.Add(-90 * time.Second)
	station.LastChecked = &stale
	assert.True(t, s.due(station, now))
}

func TestDue_DefaultCadenceWhenUnset(t *testing.T) {
	s, _ := setupTestScheduler(t)
	now := time.Now().UTC()

	checked := now.Add(-60 * time.Second)
	station := &database.Station{LastChecked: &checked, Healthy: true}
	assert.False(t, s.due(station, now), "default interval is 90s")

	checked = now.Add(-2 * time.Minute)
	station.LastChecked = &checked
	assert.True(t, s.due(station, now))
}

func TestDue_UnhealthyStationUsesBackoffCadence(t *testing.T) {
	s, _ := setupTestScheduler(t)
	now := time.Now().UTC()

	checked := now.Add(-5 * time.Minute)
	station := &database.Station{LastChecked: &checked, PollIntervalSeconds: 60, Healthy: false}
	assert.False(t, s.due(station, now), "unhealthy stations wait out the backoff")

	checked = now.Add(-11 * time.Minute)
	station.LastChecked = &checked
	assert.True(t, s.due(station, now))
}

func TestRecordFailure_MarksUnhealthyAtThreshold(t *testing.T) {
	s, db := setupTestScheduler(t)
	ctx := context.Background()

	station := &database.Station{Name: "Flaky FM", StreamURL: "http://example.test/s", IsActive: true, Healthy: true}
	require.NoError(t, db.Create(station).Error)

	cause := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		var current database.Station
		require.NoError(t, db.First(&current, "id = ?", station.ID).Error)
		s.recordFailure(ctx, &current, cause)
	}

	var updated database.Station
	require.NoError(t, db.First(&updated, "id = ?", station.ID).Error)
	assert.Equal(t, 3, updated.ConsecutiveFailures)
	assert.False(t, updated.Healthy)
}

func TestRecordSuccess_RestoresHealth(t *testing.T) {
	s, db := setupTestScheduler(t)
	ctx := context.Background()

	station := &database.Station{
		Name: "Flaky FM", StreamURL: "http://example.test/s",
		IsActive: true, Healthy: false, ConsecutiveFailures: 7,
	}
	require.NoError(t, db.Create(station).Error)

	s.recordSuccess(ctx, station)

	var updated database.Station
	require.NoError(t, db.First(&updated, "id = ?", station.ID).Error)
	assert.True(t, updated.Healthy)
	assert.Equal(t, 0, updated.ConsecutiveFailures)
	require.NotNil(t, updated.LastChecked)
}

func TestDispatchDue_GuardsAgainstReentry(t *testing.T) {
	s, db := setupTestScheduler(t)

	station := &database.Station{Name: "Busy FM", StreamURL: "http://example.test/s", IsActive: true, Healthy: true}
	require.NoError(t, db.Create(station).Error)

	s.dispatchDue(context.Background())
	s.dispatchDue(context.Background())

	// The station is due both times but must be queued exactly once
	// while its first poll is outstanding.
	assert.Len(t, drainQueue(s), 1)
}

func TestDispatchDue_SkipsInactiveStations(t *testing.T) {
	s, db := setupTestScheduler(t)

	station := &database.Station{Name: "Off Air", StreamURL: "http://example.test/s", IsActive: true, Healthy: true}
	require.NoError(t, db.Create(station).Error)
	require.NoError(t, db.Model(station).Update("is_active", false).Error)

	s.dispatchDue(context.Background())
	assert.Empty(t, drainQueue(s))
}

func drainQueue(s *Scheduler) []database.Station {
	var queued []database.Station
	for {
		select {
		case station := <-s.queue:
			queued = append(queued, station)
		default:
			return queued
		}
	}
}
