package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/radiowatch/radiowatch/internal/database"
	"github.com/radiowatch/radiowatch/internal/registry"
)

// FullAudioClient is the last-resort tier: it uploads the raw captured
// segment to an AudD-compatible recognition service. It is the most
// expensive call in the cascade and runs under the tightest quota.
type FullAudioClient struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
}

// NewFullAudioClient creates the full-audio tier adapter.
func NewFullAudioClient(baseURL, apiKey, userAgent string) *FullAudioClient {
	return &FullAudioClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: 45 * time.Second},
	}
}

// Name identifies this adapter in telemetry.
func (c *FullAudioClient) Name() string { return "full-audio-external" }

type auddResponse struct {
	Status string `json:"status"`
	Error  struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"error"`
	Result *struct {
		Title       string `json:"title"`
		Artist      string `json:"artist"`
		Album       string `json:"album"`
		Label       string `json:"label"`
		ISRC        string `json:"isrc"`
		ReleaseDate string `json:"release_date"`
		SongLink    string `json:"song_link"`
	} `json:"result"`
}

// fullAudioConfidence is attributed to every full-audio hit; the service
// reports match or no-match without a usable score.
const fullAudioConfidence = 0.70

// Identify uploads the raw segment for recognition.
func (c *FullAudioClient) Identify(ctx context.Context, input Input) (*Result, error) {
	if len(input.Audio) == 0 {
		return nil, ErrNoMatch
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("api_token", c.apiKey); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	part, err := writer.CreateFormFile("file", "segment.audio")
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(input.Audio); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("full-audio recognition request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("full-audio recognition error: %d", resp.StatusCode)
	}

	var parsed auddResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse recognition response: %w", err)
	}
	if parsed.Status != "success" {
		return nil, fmt.Errorf("full-audio recognition rejected: %s", parsed.Error.ErrorMessage)
	}
	if parsed.Result == nil || parsed.Result.Title == "" {
		return nil, ErrNoMatch
	}

	cand := registry.Candidate{
		Title:       parsed.Result.Title,
		Artist:      parsed.Result.Artist,
		Album:       parsed.Result.Album,
		Label:       parsed.Result.Label,
		ISRC:        parsed.Result.ISRC,
		Confidence:  fullAudioConfidence,
		Source:      database.SourceFullAudio,
		ExternalIDs: database.ExternalIDs{},
	}
	if parsed.Result.SongLink != "" {
		cand.ExternalIDs["audd"] = parsed.Result.SongLink
	}
	if d := parseReleaseDate(parsed.Result.ReleaseDate); d != nil {
		cand.ReleaseDate = d
	}

	return &Result{Candidate: cand, Confidence: cand.Confidence}, nil
}
