package recognize

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/radiowatch/radiowatch/internal/database"
	"github.com/radiowatch/radiowatch/internal/registry"
)

// MetadataClient is the metadata-search tier: it resolves text tag
// hints through a MusicBrainz-compatible recording search.
type MetadataClient struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewMetadataClient creates the metadata tier adapter.
func NewMetadataClient(baseURL, userAgent string) *MetadataClient {
	return &MetadataClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name identifies this adapter in telemetry.
func (c *MetadataClient) Name() string { return "metadata" }

type mbRecording struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Score int      `json:"score"`
	ISRCs []string `json:"isrcs"`

	ArtistCredit []struct {
		Name string `json:"name"`
	} `json:"artist-credit"`

	Releases []struct {
		Title string `json:"title"`
		Date  string `json:"date"`
	} `json:"releases"`
}

type mbSearchResponse struct {
	Recordings []mbRecording `json:"recordings"`
}

// Identify searches recordings by the segment's tag hints. Without at
// least a title hint there is nothing to search.
func (c *MetadataClient) Identify(ctx context.Context, input Input) (*Result, error) {
	if input.Title == "" {
		return nil, ErrNoMatch
	}

	query := buildRecordingQuery(input.Title, input.Artist, input.Album)
	searchURL := fmt.Sprintf("%s/recording?query=%s&fmt=json&inc=isrcs+artist-credits+releases",
		c.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata search error: %d", resp.StatusCode)
	}

	var parsed mbSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse metadata response: %w", err)
	}
	if len(parsed.Recordings) == 0 {
		return nil, ErrNoMatch
	}

	best := parsed.Recordings[0]
	for _, rec := range parsed.Recordings[1:] {
		if rec.Score > best.Score {
			best = rec
		}
	}

	cand := registry.Candidate{
		Title:       best.Title,
		Confidence:  float64(best.Score) / 100.0,
		Source:      database.SourceMetadata,
		ExternalIDs: database.ExternalIDs{"musicbrainz": best.ID},
	}
	if len(best.ArtistCredit) > 0 {
		cand.Artist = best.ArtistCredit[0].Name
	}
	if len(best.ISRCs) > 0 {
		cand.ISRC = best.ISRCs[0]
	}
	if len(best.Releases) > 0 {
		cand.Album = best.Releases[0].Title
		if d := parseReleaseDate(best.Releases[0].Date); d != nil {
			cand.ReleaseDate = d
		}
	}
	cand.Confidence = clampConfidence(cand.Confidence)

	return &Result{Candidate: cand, Confidence: cand.Confidence}, nil
}

func buildRecordingQuery(title, artist, album string) string {
	var parts []string
	if title != "" {
		parts = append(parts, fmt.Sprintf("recording:%q", title))
	}
	if artist != "" {
		parts = append(parts, fmt.Sprintf("artist:%q", artist))
	}
	if album != "" {
		parts = append(parts, fmt.Sprintf("release:%q", album))
	}
	return strings.Join(parts, " AND ")
}

func parseReleaseDate(s string) *time.Time {
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
