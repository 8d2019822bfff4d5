package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/radiowatch/radiowatch/internal/capture"
	"github.com/radiowatch/radiowatch/internal/database"
	"github.com/radiowatch/radiowatch/internal/detector"
)

const maxDetectUpload = 4 << 20

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleStatus(c *gin.Context) {
	var stations, healthy int64
	s.db.Model(&database.Station{}).Where("is_active = ?", true).Count(&stations)
	s.db.Model(&database.Station{}).Where("is_active = ? AND healthy = ?", true, true).Count(&healthy)

	c.JSON(http.StatusOK, gin.H{
		"stations":         stations,
		"healthy_stations": healthy,
		"scheduler":        s.scheduler.GetStats(),
	})
}

// Station handlers

type stationRequest struct {
	Name                string `json:"name" binding:"required"`
	StreamURL           string `json:"stream_url" binding:"required"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	Priority            int    `json:"priority"`
	IsActive            *bool  `json:"is_active"`
}

func (s *Server) handleListStations(c *gin.Context) {
	var stations []database.Station
	query := s.db.Order("priority DESC, name ASC")
	if c.Query("active") == "true" {
		query = query.Where("is_active = ?", true)
	}
	if err := query.Find(&stations).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stations": stations, "count": len(stations)})
}

func (s *Server) handleCreateStation(c *gin.Context) {
	var req stationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	station := database.Station{
		Name:                req.Name,
		StreamURL:           req.StreamURL,
		PollIntervalSeconds: req.PollIntervalSeconds,
		Priority:            req.Priority,
		IsActive:            true,
		Healthy:             true,
	}
	if req.IsActive != nil {
		station.IsActive = *req.IsActive
	}
	if err := s.db.Create(&station).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "failed to create station"})
		return
	}
	c.JSON(http.StatusCreated, station)
}

func (s *Server) handleGetStation(c *gin.Context) {
	var station database.Station
	if err := s.db.First(&station, "id = ?", c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "station not found"})
		return
	}
	c.JSON(http.StatusOK, station)
}

func (s *Server) handleUpdateStation(c *gin.Context) {
	var station database.Station
	if err := s.db.First(&station, "id = ?", c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "station not found"})
		return
	}

	var req stationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	station.Name = req.Name
	station.StreamURL = req.StreamURL
	station.PollIntervalSeconds = req.PollIntervalSeconds
	station.Priority = req.Priority
	if req.IsActive != nil {
		station.IsActive = *req.IsActive
	}
	if err := s.db.Save(&station).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update station"})
		return
	}
	c.JSON(http.StatusOK, station)
}

func (s *Server) handleDeleteStation(c *gin.Context) {
	result := s.db.Delete(&database.Station{}, "id = ?", c.Param("id"))
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete station"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "station not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStationDetections(c *gin.Context) {
	var detections []database.Detection
	err := s.db.Where("station_id = ?", c.Param("id")).
		Order("detected_at DESC").
		Limit(queryLimit(c, 50, 500)).
		Find(&detections).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list detections"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"detections": detections, "count": len(detections)})
}

func (s *Server) handleStationStats(c *gin.Context) {
	var stats []database.StationTrackStat
	err := s.db.Where("station_id = ?", c.Param("id")).
		Order("play_count DESC").
		Limit(queryLimit(c, 100, 1000)).
		Find(&stats).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats, "count": len(stats)})
}

// handleStationNowPlaying returns the most recent detection on a station
// joined with its track.
func (s *Server) handleStationNowPlaying(c *gin.Context) {
	var detection database.Detection
	err := s.db.Where("station_id = ?", c.Param("id")).
		Order("detected_at DESC").
		First(&detection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no detections for station"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query detections"})
		return
	}

	var track database.Track
	if err := s.db.First(&track, "id = ?", detection.TrackID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load track"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"detection": detection, "track": track})
}

// Track handlers

func (s *Server) handleListTracks(c *gin.Context) {
	var tracks []database.Track
	query := s.db.Order("last_played DESC")
	if search := c.Query("q"); search != "" {
		pattern := "%" + search + "%"
		query = query.Where("title LIKE ? OR artist LIKE ?", pattern, pattern)
	}
	if err := query.Limit(queryLimit(c, 50, 500)).Find(&tracks).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tracks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tracks": tracks, "count": len(tracks)})
}

func (s *Server) handleGetTrack(c *gin.Context) {
	var track database.Track
	if err := s.db.First(&track, "id = ?", c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "track not found"})
		return
	}
	c.JSON(http.StatusOK, track)
}

// Detection handlers

func (s *Server) handleListDetections(c *gin.Context) {
	var detections []database.Detection
	query := s.db.Order("detected_at DESC")
	if trackID := c.Query("track_id"); trackID != "" {
		query = query.Where("track_id = ?", trackID)
	}
	if err := query.Limit(queryLimit(c, 50, 500)).Find(&detections).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list detections"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"detections": detections, "count": len(detections)})
}

// handleDetect runs the cascade on an uploaded audio segment, outside
// the polling loop. The outcome is persisted exactly as a scheduled
// poll's would be.
func (s *Server) handleDetect(c *gin.Context) {
	stationID := c.Query("station_id")
	if stationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "station_id is required"})
		return
	}
	var station database.Station
	if err := s.db.First(&station, "id = ?", stationID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "station not found"})
		return
	}

	audio, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDetectUpload))
	if err != nil || len(audio) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "audio body is required"})
		return
	}

	segment := &capture.Segment{
		Audio:      audio,
		CapturedAt: time.Now().UTC(),
		Duration:   durationQuery(c),
		Title:      c.Query("title"),
		Artist:     c.Query("artist"),
	}

	result, err := s.detector.Detect(c.Request.Context(), stationID, segment)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "detection failed"})
		return
	}

	response := gin.H{"status": result.Status}
	if result.Status == detector.StatusResolved {
		response["source"] = result.Source
		response["confidence"] = result.Confidence
		response["track"] = result.Track
		response["detection"] = result.Detection
	}
	c.JSON(http.StatusOK, response)
}

func queryLimit(c *gin.Context, def, max int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit < 1 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func durationQuery(c *gin.Context) float64 {
	d, err := strconv.ParseFloat(c.DefaultQuery("duration", "15"), 64)
	if err != nil || d <= 0 {
		return 15
	}
	return d
}
