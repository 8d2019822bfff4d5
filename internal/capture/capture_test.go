package capture

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamTitle(t *testing.T) {
	tests := []struct {
		meta       string
		wantTitle  string
		wantArtist string
	}{
		{"StreamTitle='M83 - Midnight City';", "Midnight City", "M83"},
		{"StreamTitle='Just A Title';", "Just A Title", ""},
		{"StreamTitle='';", "", ""},
		{"StreamUrl='http://example.test';", "", ""},
		{"StreamTitle='The Weeknd - Blinding Lights';StreamUrl='';", "Blinding Lights", "The Weeknd"},
	}
	for _, tt := range tests {
		title, artist := parseStreamTitle(tt.meta)
		assert.Equal(t, tt.wantTitle, title, "meta %q", tt.meta)
		assert.Equal(t, tt.wantArtist, artist, "meta %q", tt.meta)
	}
}

// icyBody interleaves a metadata block into an audio payload the way an
// icecast server does at the configured interval.
func icyBody(audio []byte, metaInt int, streamTitle string) []byte {
	var out bytes.Buffer
	meta := []byte("StreamTitle='" + streamTitle + "';")
	padded := make([]byte, ((len(meta)+15)/16)*16)
	copy(padded, meta)

	for start := 0; start < len(audio); start += metaInt {
		end := start + metaInt
		if end > len(audio) {
			end = len(audio)
		}
		out.Write(audio[start:end])
		if end-start == metaInt {
			if start == 0 {
				out.WriteByte(byte(len(padded) / 16))
				out.Write(padded)
			} else {
				out.WriteByte(0)
			}
		}
	}
	return out.Bytes()
}

func TestCapture_PlainStream(t *testing.T) {
	audio := bytes.Repeat([]byte{0xAB}, 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(audio)
	}))
	defer server.Close()

	c := NewHTTPCapturer(15, 1<<20, 5*time.Second, "test-agent/1.0")
	segment, err := c.Capture(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, audio, segment.Audio)
	assert.Empty(t, segment.Title)
	assert.Equal(t, 15.0, segment.Duration)
}

func TestCapture_IcyStreamExtractsHints(t *testing.T) {
	audio := bytes.Repeat([]byte{0xCD}, 1024)
	const metaInt = 256

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.Header.Get("Icy-MetaData"))
		w.Header().Set("Icy-Metaint", strconv.Itoa(metaInt))
		w.Write(icyBody(audio, metaInt, "Daft Punk - One More Time"))
	}))
	defer server.Close()

	c := NewHTTPCapturer(15, 1<<20, 5*time.Second, "test-agent/1.0")
	segment, err := c.Capture(context.Background(), server.URL)
	require.NoError(t, err)

	assert.Equal(t, "One More Time", segment.Title)
	assert.Equal(t, "Daft Punk", segment.Artist)
	assert.Equal(t, audio, segment.Audio, "metadata blocks must be stripped from the audio")
}

func TestCapture_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewHTTPCapturer(15, 1<<20, 5*time.Second, "")
	_, err := c.Capture(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrCapture)
}

func TestCapture_EmptyStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	c := NewHTTPCapturer(15, 1<<20, 5*time.Second, "")
	_, err := c.Capture(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrCapture)
}

func TestCapture_RespectsByteBound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{0x01}, 64*1024))
	}))
	defer server.Close()

	c := NewHTTPCapturer(15, 8*1024, 5*time.Second, "")
	segment, err := c.Capture(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Len(t, segment.Audio, 8*1024)
}
