// Package registry resolves recognition candidates to canonical track
// identities. It performs ISRC-based deduplication, best-effort
// (title, artist) matching, and metadata merging. It never touches play
// counters; those belong to the recorder.
package registry

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/radiowatch/radiowatch/internal/database"
	"github.com/radiowatch/radiowatch/internal/events"
	"github.com/radiowatch/radiowatch/internal/fingerprint"
	"github.com/radiowatch/radiowatch/internal/logger"
)

// Candidate carries the identity produced by a recognition source.
type Candidate struct {
	Title       string
	Artist      string
	Album       string
	Label       string
	ISRC        string
	ReleaseDate *time.Time
	ExternalIDs database.ExternalIDs
	Confidence  float64
	Source      database.DetectionSource
}

const (
	lockShards = 64
	// recentWindow bounds the heuristic no-ISRC match to tracks that
	// have been active recently; older tracks may duplicate. Accepted.
	recentWindow = 30 * 24 * time.Hour
	// matchFloor is the Jaro-Winkler acceptance bound for the
	// normalized (title, artist) heuristic.
	matchFloor = 0.90
	// recentLimit bounds how many recent tracks the heuristic scans.
	recentLimit = 200
)

// Registry is the canonical track store front.
type Registry struct {
	db    *gorm.DB
	store *fingerprint.Store
	bus   events.EventBus
	sim   *metrics.JaroWinkler
	locks [lockShards]sync.Mutex
}

// New creates a track registry. The fingerprint store is needed to
// re-point entries when tracks merge; bus may be nil.
func New(db *gorm.DB, store *fingerprint.Store, bus events.EventBus) *Registry {
	return &Registry{
		db:    db,
		store: store,
		bus:   bus,
		sim:   metrics.NewJaroWinkler(),
	}
}

func (r *Registry) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &r.locks[h.Sum32()%lockShards]
}

// ResolveOrCreate returns the canonical track for a candidate, creating
// it when no existing track matches. Concurrent resolutions of the same
// new ISRC serialize per key and collapse onto one row.
func (r *Registry) ResolveOrCreate(ctx context.Context, cand Candidate) (*database.Track, error) {
	if cand.ISRC != "" {
		return r.resolveByISRC(ctx, cand)
	}
	return r.resolveByName(ctx, cand)
}

func (r *Registry) resolveByISRC(ctx context.Context, cand Candidate) (*database.Track, error) {
	lock := r.lockFor("isrc:" + cand.ISRC)
	lock.Lock()
	defer lock.Unlock()

	var existing database.Track
	err := r.db.WithContext(ctx).Where("isrc = ?", cand.ISRC).First(&existing).Error
	if err == nil {
		return r.mergeMetadata(ctx, &existing, cand)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// A track created without ISRC by a weaker tier may be the same
	// recording; adopt it instead of spawning a duplicate.
	if byName, _ := r.findByName(ctx, cand); byName != nil && byName.ISRC == nil {
		byName.ISRC = &cand.ISRC
		return r.mergeMetadata(ctx, byName, cand)
	}

	track := r.newTrack(cand)
	// OnConflict covers the multi-process race on the ISRC unique
	// index; the loser re-reads the winner's row.
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "isrc"}}, DoNothing: true}).
		Create(track).Error
	if err != nil {
		return nil, err
	}

	var resolved database.Track
	if err := r.db.WithContext(ctx).Where("isrc = ?", cand.ISRC).First(&resolved).Error; err != nil {
		return nil, err
	}
	if resolved.ID == track.ID {
		r.publishCreated(&resolved)
		return &resolved, nil
	}
	// Lost the race; merge our metadata into the winner.
	return r.mergeMetadata(ctx, &resolved, cand)
}

func (r *Registry) resolveByName(ctx context.Context, cand Candidate) (*database.Track, error) {
	key := normalize(cand.Artist) + "|" + normalize(cand.Title)
	lock := r.lockFor("name:" + key)
	lock.Lock()
	defer lock.Unlock()

	match, err := r.findByName(ctx, cand)
	if err != nil {
		return nil, err
	}
	if match != nil {
		return r.mergeMetadata(ctx, match, cand)
	}

	track := r.newTrack(cand)
	if err := r.db.WithContext(ctx).Create(track).Error; err != nil {
		return nil, err
	}
	r.publishCreated(track)
	return track, nil
}

// findByName runs the best-effort normalized (title, artist) heuristic
// against recently active tracks. Noisy metadata can slip past it and
// produce duplicate tracks; that is tolerated, not silently repaired.
func (r *Registry) findByName(ctx context.Context, cand Candidate) (*database.Track, error) {
	if cand.Title == "" || cand.Artist == "" {
		return nil, nil
	}

	cutoff := time.Now().UTC().Add(-recentWindow)
	var recent []database.Track
	err := r.db.WithContext(ctx).
		Where("updated_at > ?", cutoff).
		Order("updated_at DESC").
		Limit(recentLimit).
		Find(&recent).Error
	if err != nil {
		return nil, err
	}

	query := normalize(cand.Artist) + " " + normalize(cand.Title)
	var best *database.Track
	bestScore := 0.0
	for i := range recent {
		candidate := normalize(recent[i].Artist) + " " + normalize(recent[i].Title)
		score := strutil.Similarity(query, candidate, r.sim)
		if score >= matchFloor && score > bestScore {
			best = &recent[i]
			bestScore = score
		}
	}
	return best, nil
}

func (r *Registry) newTrack(cand Candidate) *database.Track {
	track := &database.Track{
		Title:              cand.Title,
		Artist:             cand.Artist,
		Album:              cand.Album,
		Label:              cand.Label,
		ReleaseDate:        cand.ReleaseDate,
		ExternalIDs:        database.ExternalIDs{},
		MetadataConfidence: cand.Confidence,
	}
	if cand.ISRC != "" {
		isrc := cand.ISRC
		track.ISRC = &isrc
	}
	for k, v := range cand.ExternalIDs {
		track.ExternalIDs[k] = v
	}
	return track
}

// mergeMetadata folds a candidate's metadata into an existing track:
// non-null fields fill gaps, and title/artist only change when the
// candidate's source is at least as confident as the one that wrote
// them. External IDs are unioned.
func (r *Registry) mergeMetadata(ctx context.Context, track *database.Track, cand Candidate) (*database.Track, error) {
	changed := false

	if cand.Confidence >= track.MetadataConfidence {
		if cand.Title != "" && cand.Title != track.Title {
			track.Title = cand.Title
			changed = true
		}
		if cand.Artist != "" && cand.Artist != track.Artist {
			track.Artist = cand.Artist
			changed = true
		}
		if cand.Confidence > track.MetadataConfidence {
			track.MetadataConfidence = cand.Confidence
			changed = true
		}
	}
	if track.Album == "" && cand.Album != "" {
		track.Album = cand.Album
		changed = true
	}
	if track.Label == "" && cand.Label != "" {
		track.Label = cand.Label
		changed = true
	}
	if track.ReleaseDate == nil && cand.ReleaseDate != nil {
		track.ReleaseDate = cand.ReleaseDate
		changed = true
	}
	if track.ISRC == nil && cand.ISRC != "" {
		isrc := cand.ISRC
		track.ISRC = &isrc
		changed = true
	}
	if len(cand.ExternalIDs) > 0 {
		if track.ExternalIDs == nil {
			track.ExternalIDs = database.ExternalIDs{}
		}
		for k, v := range cand.ExternalIDs {
			if track.ExternalIDs[k] != v {
				track.ExternalIDs[k] = v
				changed = true
			}
		}
	}

	if changed {
		if err := r.db.WithContext(ctx).Save(track).Error; err != nil {
			return nil, err
		}
	}
	return track, nil
}

// Merge folds loser into winner after an ISRC collision: fingerprint
// entries are re-pointed atomically, counters and metadata carried
// over, and the loser row removed as part of the same transaction.
func (r *Registry) Merge(ctx context.Context, winnerID, loserID string) error {
	if winnerID == loserID {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var winner, loser database.Track
		if err := tx.First(&winner, "id = ?", winnerID).Error; err != nil {
			return err
		}
		if err := tx.First(&loser, "id = ?", loserID).Error; err != nil {
			return err
		}

		if err := r.store.Repoint(ctx, tx, loserID, winnerID); err != nil {
			return err
		}

		winner.PlayCount += loser.PlayCount
		winner.TotalPlayTime += loser.TotalPlayTime
		if winner.FirstPlayed == nil || (loser.FirstPlayed != nil && loser.FirstPlayed.Before(*winner.FirstPlayed)) {
			winner.FirstPlayed = loser.FirstPlayed
		}
		if winner.LastPlayed == nil || (loser.LastPlayed != nil && loser.LastPlayed.After(*winner.LastPlayed)) {
			winner.LastPlayed = loser.LastPlayed
		}
		if winner.ExternalIDs == nil {
			winner.ExternalIDs = database.ExternalIDs{}
		}
		for k, v := range loser.ExternalIDs {
			if _, ok := winner.ExternalIDs[k]; !ok {
				winner.ExternalIDs[k] = v
			}
		}
		if err := tx.Save(&winner).Error; err != nil {
			return err
		}
		return tx.Delete(&database.Track{}, "id = ?", loserID).Error
	})
	if err != nil {
		return err
	}

	if r.bus != nil {
		ev := events.NewEvent(events.EventTrackMerged, "registry", "Track merged", "")
		ev.Data = map[string]interface{}{"winner_id": winnerID, "loser_id": loserID}
		r.bus.PublishAsync(ev)
	}
	logger.Info("merged duplicate track", "winner", winnerID, "loser", loserID)
	return nil
}

func (r *Registry) publishCreated(track *database.Track) {
	if r.bus == nil {
		return
	}
	ev := events.NewEvent(events.EventTrackCreated, "registry", "Track created", track.Artist+" - "+track.Title)
	ev.Data = map[string]interface{}{"track_id": track.ID}
	r.bus.PublishAsync(ev)
}

// normalize prepares a title or artist for fuzzy comparison: lowercase,
// bracketed suffixes stripped, punctuation collapsed to spaces.
func normalize(s string) string {
	s = strings.ToLower(s)
	if idx := strings.IndexAny(s, "(["); idx != -1 {
		s = s[:idx]
	}
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
