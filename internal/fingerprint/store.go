package fingerprint

import (
	"context"
	"errors"
	"hash/fnv"
	"math/bits"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/radiowatch/radiowatch/internal/database"
	"github.com/radiowatch/radiowatch/internal/logger"
)

// ErrMiss reports that no entry matched the fingerprint. Store
// read/write failures also surface as a miss to the caller so the
// cascade continues instead of aborting the detection.
var ErrMiss = errors.New("fingerprint store miss")

const lockShards = 64

// Store is the persistent digest → track mapping. It supplies the
// cascade's fast path and the write-back cache that makes external
// resolutions reusable.
type Store struct {
	db              *gorm.DB
	similarityFloor float64
	maxCandidates   int
	locks           [lockShards]sync.Mutex
}

// NewStore creates a fingerprint store. similarityFloor is the strict
// acceptance bound for the inexact pass; maxCandidates bounds its cost.
func NewStore(db *gorm.DB, similarityFloor float64, maxCandidates int) *Store {
	if maxCandidates <= 0 {
		maxCandidates = 32
	}
	return &Store{
		db:              db,
		similarityFloor: similarityFloor,
		maxCandidates:   maxCandidates,
	}
}

func (s *Store) lockFor(digest string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(digest))
	return &s.locks[h.Sum32()%lockShards]
}

// Lookup resolves a fingerprint to its stored entry. Exact digest match
// is O(1) amortized; on exact miss a bounded similarity pass runs over
// the most recently verified entries.
func (s *Store) Lookup(ctx context.Context, fp *Fingerprint) (*database.FingerprintEntry, error) {
	var entry database.FingerprintEntry
	err := s.db.WithContext(ctx).Where("digest = ?", fp.Digest).First(&entry).Error
	if err == nil {
		return &entry, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Warn("fingerprint store read failed, treating as miss", "error", err)
		return nil, ErrMiss
	}

	if s.similarityFloor <= 0 || len(fp.Blob) == 0 {
		return nil, ErrMiss
	}
	return s.similarityLookup(ctx, fp)
}

// similarityLookup compares the raw blob against a bounded candidate
// set instead of full-scanning the store.
func (s *Store) similarityLookup(ctx context.Context, fp *Fingerprint) (*database.FingerprintEntry, error) {
	var candidates []database.FingerprintEntry
	err := s.db.WithContext(ctx).
		Order("verified_at DESC").
		Limit(s.maxCandidates).
		Find(&candidates).Error
	if err != nil {
		logger.Warn("fingerprint similarity read failed, treating as miss", "error", err)
		return nil, ErrMiss
	}

	var best *database.FingerprintEntry
	bestScore := 0.0
	for i := range candidates {
		score := Similarity(fp.Blob, candidates[i].Blob)
		if score >= s.similarityFloor && score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}
	if best == nil {
		return nil, ErrMiss
	}
	return best, nil
}

// Upsert records a digest → track association. Conflicting associations
// resolve last-writer-by-confidence: an existing higher-confidence
// entry is kept, an equal or lower one is replaced and re-verified.
func (s *Store) Upsert(ctx context.Context, fp *Fingerprint, trackID string, confidence float64, source database.DetectionSource) error {
	lock := s.lockFor(fp.Digest)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()

	var existing database.FingerprintEntry
	err := s.db.WithContext(ctx).Where("digest = ?", fp.Digest).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		entry := database.FingerprintEntry{
			Digest:     fp.Digest,
			Blob:       fp.Blob,
			TrackID:    trackID,
			Confidence: confidence,
			Source:     source,
			VerifiedAt: now,
		}
		return s.db.WithContext(ctx).Create(&entry).Error
	case err != nil:
		return err
	}

	if confidence < existing.Confidence {
		// Higher-confidence association wins regardless of recency.
		return nil
	}
	return s.db.WithContext(ctx).Model(&database.FingerprintEntry{}).
		Where("digest = ?", fp.Digest).
		Updates(map[string]interface{}{
			"track_id":    trackID,
			"confidence":  confidence,
			"source":      source,
			"verified_at": now,
		}).Error
}

// Touch refreshes verification of an existing entry after a local hit.
func (s *Store) Touch(ctx context.Context, digest string) {
	err := s.db.WithContext(ctx).Model(&database.FingerprintEntry{}).
		Where("digest = ?", digest).
		Update("verified_at", time.Now().UTC()).Error
	if err != nil {
		logger.Debug("fingerprint touch failed", "digest", digest, "error", err)
	}
}

// Repoint moves every fingerprint owned by oldTrackID to newTrackID.
// Used when a track is merged away after an ISRC collision. Runs inside
// the caller's transaction when tx is non-nil.
func (s *Store) Repoint(ctx context.Context, tx *gorm.DB, oldTrackID, newTrackID string) error {
	db := s.db
	if tx != nil {
		db = tx
	}
	return db.WithContext(ctx).Model(&database.FingerprintEntry{}).
		Where("track_id = ?", oldTrackID).
		Update("track_id", newTrackID).Error
}

// Similarity returns the normalized bit-level similarity of two blobs
// in [0,1]. Length mismatch beyond 10% scores zero outright.
func Similarity(a, b []byte) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	longer, shorter := len(a), len(b)
	if shorter > longer {
		longer, shorter = shorter, longer
	}
	if float64(longer-shorter) > 0.1*float64(longer) {
		return 0
	}

	matchingBits := 0
	for i := 0; i < shorter; i++ {
		matchingBits += 8 - bits.OnesCount8(a[i]^b[i])
	}
	return float64(matchingBits) / float64(longer*8)
}
