// Package fingerprint turns captured audio segments into compact
// digests and resolves digests back to tracks through the store.
package fingerprint

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// ErrFingerprint wraps fingerprint tool and codec failures. The poll is
// skipped when generation fails; it is not fatal.
var ErrFingerprint = errors.New("fingerprint generation failed")

// Fingerprint is the derived identity of one audio segment. Digest is
// the compact equality-lookup key; Blob is the raw vector used for the
// similarity pass and for external fingerprint-search submissions.
type Fingerprint struct {
	Digest   string
	Blob     []byte
	Duration float64 // seconds of audio fingerprinted
}

// Generator is the fingerprint generation collaborator. The algorithm
// itself is delegated to an external tool.
type Generator interface {
	Fingerprint(ctx context.Context, audio []byte) (*Fingerprint, error)
}

// FpcalcGenerator shells out to chromaprint's fpcalc binary.
type FpcalcGenerator struct {
	binPath string
	timeout time.Duration
}

// NewFpcalcGenerator builds a generator using the given fpcalc binary.
func NewFpcalcGenerator(binPath string, timeout time.Duration) *FpcalcGenerator {
	if binPath == "" {
		binPath = "fpcalc"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FpcalcGenerator{binPath: binPath, timeout: timeout}
}

type fpcalcOutput struct {
	Duration    float64 `json:"duration"`
	Fingerprint string  `json:"fingerprint"`
}

// Fingerprint writes the segment to a temp file and runs fpcalc on it.
func (g *FpcalcGenerator) Fingerprint(ctx context.Context, audio []byte) (*Fingerprint, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio segment", ErrFingerprint)
	}

	tmp, err := os.CreateTemp("", "radiowatch-segment-*.audio")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFingerprint, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(audio); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("%w: %v", ErrFingerprint, err)
	}
	tmp.Close()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, g.binPath, "-json", tmp.Name()).Output()
	if err != nil {
		return nil, fmt.Errorf("%w: fpcalc: %v", ErrFingerprint, err)
	}

	var parsed fpcalcOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("%w: fpcalc output: %v", ErrFingerprint, err)
	}
	if parsed.Fingerprint == "" {
		return nil, fmt.Errorf("%w: fpcalc produced no fingerprint", ErrFingerprint)
	}

	blob := []byte(parsed.Fingerprint)
	return &Fingerprint{
		Digest:   DigestOf(blob),
		Blob:     blob,
		Duration: parsed.Duration,
	}, nil
}

// DigestOf derives the compact lookup key for a fingerprint blob.
func DigestOf(blob []byte) string {
	sum := sha1.Sum(blob)
	return hex.EncodeToString(sum[:])
}
