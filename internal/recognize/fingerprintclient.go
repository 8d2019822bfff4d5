package recognize

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/radiowatch/radiowatch/internal/database"
	"github.com/radiowatch/radiowatch/internal/registry"
)

// FingerprintClient is the external fingerprint-search tier: it submits
// the raw chromaprint vector to an AcoustID-compatible lookup service.
type FingerprintClient struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
}

// NewFingerprintClient creates the fingerprint-search tier adapter.
func NewFingerprintClient(baseURL, apiKey, userAgent string) *FingerprintClient {
	return &FingerprintClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name identifies this adapter in telemetry.
func (c *FingerprintClient) Name() string { return "fingerprint-external" }

type acoustidResponse struct {
	Status  string `json:"status"`
	Results []struct {
		ID         string  `json:"id"`
		Score      float64 `json:"score"`
		Recordings []struct {
			ID      string `json:"id"`
			Title   string `json:"title"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
		} `json:"recordings"`
	} `json:"results"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Identify looks up the segment's fingerprint vector. A segment without
// a generated fingerprint cannot use this tier.
func (c *FingerprintClient) Identify(ctx context.Context, input Input) (*Result, error) {
	if len(input.FingerprintBlob) == 0 {
		return nil, ErrNoMatch
	}

	form := url.Values{}
	form.Set("client", c.apiKey)
	form.Set("format", "json")
	form.Set("duration", strconv.Itoa(int(input.Duration)))
	form.Set("fingerprint", string(input.FingerprintBlob))
	form.Set("meta", "recordings")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/lookup", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fingerprint lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fingerprint lookup error: %d", resp.StatusCode)
	}

	var parsed acoustidResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse fingerprint response: %w", err)
	}
	if parsed.Status != "ok" {
		return nil, fmt.Errorf("fingerprint lookup rejected: %s", parsed.Error.Message)
	}
	if len(parsed.Results) == 0 {
		return nil, ErrNoMatch
	}

	best := parsed.Results[0]
	for _, res := range parsed.Results[1:] {
		if res.Score > best.Score {
			best = res
		}
	}
	if len(best.Recordings) == 0 {
		// A fingerprint cluster with no linked recording carries no
		// usable identity.
		return nil, ErrNoMatch
	}

	rec := best.Recordings[0]
	cand := registry.Candidate{
		Title:      rec.Title,
		Confidence: clampConfidence(best.Score),
		Source:     database.SourceFingerprint,
		ExternalIDs: database.ExternalIDs{
			"acoustid":    best.ID,
			"musicbrainz": rec.ID,
		},
	}
	if len(rec.Artists) > 0 {
		cand.Artist = rec.Artists[0].Name
	}

	return &Result{Candidate: cand, Confidence: cand.Confidence}, nil
}
