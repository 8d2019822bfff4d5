// Package scheduler drives station polling: it decides which stations
// are due, dispatches them onto a bounded worker pool, and tracks each
// station's health from its poll results.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/radiowatch/radiowatch/internal/capture"
	"github.com/radiowatch/radiowatch/internal/config"
	"github.com/radiowatch/radiowatch/internal/database"
	"github.com/radiowatch/radiowatch/internal/detector"
	"github.com/radiowatch/radiowatch/internal/events"
	"github.com/radiowatch/radiowatch/internal/logger"
)

const dispatchInterval = 5 * time.Second

// Stats exposes scheduler counters for the status endpoint.
type Stats struct {
	PollsStarted   int64 `json:"polls_started"`
	PollsSucceeded int64 `json:"polls_succeeded"`
	PollsFailed    int64 `json:"polls_failed"`
	PollsResolved  int64 `json:"polls_resolved"`
	InFlight       int64 `json:"in_flight"`
}

// Scheduler owns the polling loop and worker pool.
type Scheduler struct {
	db       *gorm.DB
	capturer capture.Capturer
	detector *detector.Detector
	bus      events.EventBus
	cfg      config.SchedulerConfig
	monitor  *systemMonitor

	queue    chan database.Station
	inFlight sync.Map

	pollsStarted   int64
	pollsSucceeded int64
	pollsFailed    int64
	pollsResolved  int64
	active         int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a scheduler.
func New(db *gorm.DB, capturer capture.Capturer, det *detector.Detector, bus events.EventBus, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		db:       db,
		capturer: capturer,
		detector: det,
		bus:      bus,
		cfg:      cfg,
		monitor:  newSystemMonitor(cfg.CPUThreshold, cfg.MemoryThreshold),
		queue:    make(chan database.Station, cfg.QueueSize),
	}
}

// Start launches the worker pool and the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.dispatchLoop(ctx)

	logger.Info("scheduler started", "workers", s.cfg.Workers, "queue", s.cfg.QueueSize)
}

// Stop cancels dispatch and waits for in-flight polls to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	logger.Info("scheduler stopped")
}

// GetStats returns a snapshot of scheduler counters.
func (s *Scheduler) GetStats() Stats {
	return Stats{
		PollsStarted:   atomic.LoadInt64(&s.pollsStarted),
		PollsSucceeded: atomic.LoadInt64(&s.pollsSucceeded),
		PollsFailed:    atomic.LoadInt64(&s.pollsFailed),
		PollsResolved:  atomic.LoadInt64(&s.pollsResolved),
		InFlight:       atomic.LoadInt64(&s.active),
	}
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.cfg.AdaptiveThrottling && s.monitor.overloaded() {
				continue
			}
			s.dispatchDue(ctx)
		}
	}
}

// dispatchDue enqueues every active station whose next poll time has
// arrived. A station already queued or mid-poll is never re-entered.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	var stations []database.Station
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("priority DESC").
		Find(&stations).Error
	if err != nil {
		logger.Error("failed to load stations", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, station := range stations {
		if !s.due(&station, now) {
			continue
		}
		if _, loaded := s.inFlight.LoadOrStore(station.ID, struct{}{}); loaded {
			continue
		}
		select {
		case s.queue <- station:
		default:
			// Queue full; release the guard and let the next cycle retry.
			s.inFlight.Delete(station.ID)
		}
	}
}

// due computes whether a station's cadence has elapsed. Unhealthy
// stations poll at the backoff cadence instead of their own.
func (s *Scheduler) due(station *database.Station, now time.Time) bool {
	if station.LastChecked == nil {
		return true
	}
	interval := s.cfg.DefaultPollInterval
	if station.PollIntervalSeconds > 0 {
		interval = time.Duration(station.PollIntervalSeconds) * time.Second
	}
	if !station.Healthy {
		interval = s.cfg.UnhealthyBackoff
	}
	return now.Sub(*station.LastChecked) >= interval
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case station := <-s.queue:
			s.poll(ctx, station)
			s.inFlight.Delete(station.ID)
		}
	}
}

// poll captures one segment from the station and runs it through the
// cascade under the configured deadline. One station's failure never
// touches another's pipeline.
func (s *Scheduler) poll(ctx context.Context, station database.Station) {
	atomic.AddInt64(&s.pollsStarted, 1)
	atomic.AddInt64(&s.active, 1)
	defer atomic.AddInt64(&s.active, -1)

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollDeadline)
	defer cancel()

	segment, err := s.capturer.Capture(pollCtx, station.StreamURL)
	if err != nil {
		s.recordFailure(ctx, &station, err)
		return
	}

	result, err := s.detector.Detect(pollCtx, station.ID, segment)
	if err != nil {
		s.recordFailure(ctx, &station, err)
		return
	}

	s.recordSuccess(ctx, &station)
	if result.Status == detector.StatusResolved {
		atomic.AddInt64(&s.pollsResolved, 1)
		logger.Info("track detected",
			"station", station.Name,
			"track", result.Track.Artist+" - "+result.Track.Title,
			"source", result.Source,
			"confidence", result.Confidence)
	}
}

// recordSuccess resets the failure streak and restores health.
func (s *Scheduler) recordSuccess(ctx context.Context, station *database.Station) {
	atomic.AddInt64(&s.pollsSucceeded, 1)

	recovered := !station.Healthy
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&database.Station{}).
		Where("id = ?", station.ID).
		Updates(map[string]interface{}{
			"last_checked":         now,
			"consecutive_failures": 0,
			"healthy":              true,
		}).Error
	if err != nil {
		logger.Error("failed to update station state", "station", station.ID, "error", err)
		return
	}

	if recovered {
		logger.Info("station recovered", "station", station.Name)
		s.publish(events.EventStationRecovered, station, "")
	}
}

// recordFailure advances the failure streak and marks the station
// unhealthy at the threshold, moving it to the backoff cadence.
func (s *Scheduler) recordFailure(ctx context.Context, station *database.Station, cause error) {
	atomic.AddInt64(&s.pollsFailed, 1)
	logger.Warn("station poll failed", "station", station.Name, "error", cause)
	s.publish(events.EventStationPollFailed, station, cause.Error())

	failures := station.ConsecutiveFailures + 1
	healthy := station.Healthy
	if failures >= s.cfg.UnhealthyThreshold && healthy {
		healthy = false
		logger.Warn("station marked unhealthy",
			"station", station.Name, "failures", failures, "backoff", s.cfg.UnhealthyBackoff)
		s.publish(events.EventStationUnhealthy, station, "")
	}

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&database.Station{}).
		Where("id = ?", station.ID).
		Updates(map[string]interface{}{
			"last_checked":         now,
			"consecutive_failures": failures,
			"healthy":              healthy,
		}).Error
	if err != nil {
		logger.Error("failed to update station state", "station", station.ID, "error", err)
	}
}

func (s *Scheduler) publish(eventType events.EventType, station *database.Station, message string) {
	if s.bus == nil {
		return
	}
	ev := events.NewEvent(eventType, "scheduler", station.Name, message)
	ev.Data = map[string]interface{}{"station_id": station.ID}
	s.bus.PublishAsync(ev)
}
