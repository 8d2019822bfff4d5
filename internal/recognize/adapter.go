// Package recognize wraps each external recognition service behind one
// capability interface so the detection cascade can treat every tier
// uniformly and tests can substitute fakes.
package recognize

import (
	"context"
	"errors"

	"github.com/radiowatch/radiowatch/internal/registry"
)

// Input is the tier-shaped payload for an identification attempt. The
// metadata tier reads the tag hints, the fingerprint tier reads the
// fingerprint blob, and the full-audio tier reads the raw segment.
type Input struct {
	// Tag hints extracted from the captured segment, when present.
	Title  string
	Artist string
	Album  string

	// Raw fingerprint vector and its audio duration in seconds.
	FingerprintBlob []byte
	Duration        float64

	// Raw audio segment bytes.
	Audio []byte
}

// Result is a successful identification.
type Result struct {
	Candidate  registry.Candidate
	Confidence float64
}

var (
	// ErrNoMatch is the expected negative outcome: the service answered
	// and found nothing. Not an error condition for the pipeline.
	ErrNoMatch = errors.New("no match")

	// ErrQuotaExceeded reports a locally enforced quota ceiling; the
	// network call was never attempted.
	ErrQuotaExceeded = errors.New("adapter quota exceeded")

	// ErrTimeout reports a per-call deadline hit.
	ErrTimeout = errors.New("adapter timeout")

	// ErrBreakerOpen reports a short-circuit while the adapter's
	// circuit breaker cools down after repeated failures.
	ErrBreakerOpen = errors.New("adapter circuit open")
)

// IsTransient reports whether an adapter error should advance the
// cascade rather than abort the poll. NoMatch is handled separately so
// telemetry can distinguish genuine negatives from degraded services.
func IsTransient(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBreakerOpen)
}

// Adapter identifies audio through one external service. Adapters never
// retry internally; retry policy belongs to the orchestrator.
type Adapter interface {
	Name() string
	Identify(ctx context.Context, input Input) (*Result, error)
}
