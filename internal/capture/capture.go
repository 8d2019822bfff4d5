// Package capture pulls bounded audio segments from station streams and
// extracts whatever identity hints the stream embeds.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dhowden/tag"

	"github.com/radiowatch/radiowatch/internal/logger"
)

// ErrCapture wraps stream connection and read failures. A failed capture
// skips the poll; it is never fatal to the station.
var ErrCapture = errors.New("capture failed")

// Segment is one captured slice of a station's stream.
type Segment struct {
	Audio      []byte
	CapturedAt time.Time
	Duration   float64 // seconds requested, not measured

	// Hints extracted from embedded stream metadata, when present.
	Title  string
	Artist string
	Album  string
}

// Capturer is the audio acquisition collaborator.
type Capturer interface {
	Capture(ctx context.Context, streamURL string) (*Segment, error)
}

// HTTPCapturer reads segments from HTTP audio streams. Reads are bounded
// both in bytes and in wall time.
type HTTPCapturer struct {
	client         *http.Client
	segmentSeconds int
	maxBytes       int64
	userAgent      string
}

// NewHTTPCapturer builds a stream capturer.
func NewHTTPCapturer(segmentSeconds int, maxBytes int64, readTimeout time.Duration, userAgent string) *HTTPCapturer {
	if segmentSeconds <= 0 {
		segmentSeconds = 15
	}
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	if readTimeout <= 0 {
		readTimeout = 25 * time.Second
	}
	return &HTTPCapturer{
		client:         &http.Client{Timeout: readTimeout},
		segmentSeconds: segmentSeconds,
		maxBytes:       maxBytes,
		userAgent:      userAgent,
	}
}

// Capture connects to the stream and reads one bounded segment. Icy
// in-band metadata, when the server offers it, yields title and artist
// hints for the metadata tier.
func (c *HTTPCapturer) Capture(ctx context.Context, streamURL string) (*Segment, error) {
	readCtx, cancel := context.WithTimeout(ctx, c.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(readCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Icy-MetaData", "1")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: stream status %d", ErrCapture, resp.StatusCode)
	}

	segment := &Segment{
		CapturedAt: time.Now().UTC(),
		Duration:   float64(c.segmentSeconds),
	}
	parseIcyHeaders(resp.Header, segment)

	body := io.LimitReader(resp.Body, c.maxBytes)
	metaInt := icyMetaInt(resp.Header)
	if metaInt > 0 {
		segment.Audio, err = readIcyInterleaved(body, metaInt, segment)
	} else {
		segment.Audio, err = io.ReadAll(body)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && len(segment.Audio) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}
	if len(segment.Audio) == 0 {
		return nil, fmt.Errorf("%w: stream produced no audio", ErrCapture)
	}

	applyTagHints(segment)
	return segment, nil
}

// icyMetaInt returns the in-band metadata interval or 0 when absent.
func icyMetaInt(h http.Header) int {
	var interval int
	fmt.Sscanf(h.Get("Icy-Metaint"), "%d", &interval)
	return interval
}

func parseIcyHeaders(h http.Header, segment *Segment) {
	if name := h.Get("Icy-Name"); name != "" {
		logger.Debug("connected to stream", "name", name)
	}
}

// readIcyInterleaved strips the metadata blocks the server interleaves
// every metaInt audio bytes, keeping the most recent StreamTitle.
func readIcyInterleaved(r io.Reader, metaInt int, segment *Segment) ([]byte, error) {
	var audio bytes.Buffer
	chunk := make([]byte, metaInt)

	for {
		if _, err := io.ReadFull(r, chunk); err != nil {
			return audio.Bytes(), ignoreEOF(err)
		}
		audio.Write(chunk)

		var sizeByte [1]byte
		if _, err := io.ReadFull(r, sizeByte[:]); err != nil {
			return audio.Bytes(), ignoreEOF(err)
		}
		metaLen := int(sizeByte[0]) * 16
		if metaLen == 0 {
			continue
		}

		meta := make([]byte, metaLen)
		if _, err := io.ReadFull(r, meta); err != nil {
			return audio.Bytes(), ignoreEOF(err)
		}
		if title, artist := parseStreamTitle(string(meta)); title != "" {
			segment.Title = title
			segment.Artist = artist
		}
	}
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}

// parseStreamTitle extracts "Artist - Title" from an icy metadata block
// of the form StreamTitle='...';
func parseStreamTitle(meta string) (title, artist string) {
	const prefix = "StreamTitle='"
	start := strings.Index(meta, prefix)
	if start == -1 {
		return "", ""
	}
	rest := meta[start+len(prefix):]
	end := strings.Index(rest, "';")
	if end == -1 {
		end = strings.IndexByte(rest, '\'')
		if end == -1 {
			return "", ""
		}
	}
	raw := strings.TrimSpace(rest[:end])
	if raw == "" {
		return "", ""
	}

	if idx := strings.Index(raw, " - "); idx != -1 {
		return strings.TrimSpace(raw[idx+3:]), strings.TrimSpace(raw[:idx])
	}
	return raw, ""
}

// applyTagHints fills missing hints from embedded file tags. Many AAC
// and MP3 streams open with a tagged frame when a track starts.
func applyTagHints(segment *Segment) {
	if segment.Title != "" && segment.Artist != "" {
		return
	}
	meta, err := tag.ReadFrom(bytes.NewReader(segment.Audio))
	if err != nil {
		return
	}
	if segment.Title == "" {
		segment.Title = strings.TrimSpace(meta.Title())
	}
	if segment.Artist == "" {
		segment.Artist = strings.TrimSpace(meta.Artist())
	}
	if segment.Album == "" {
		segment.Album = strings.TrimSpace(meta.Album())
	}
}
