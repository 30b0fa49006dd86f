package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultDeepgramURL   = "https://api.deepgram.com"
	defaultDeepgramModel = "nova-2"
	defaultAudioType     = "audio/webm"
)

// DeepgramConfig configures the Deepgram client.
type DeepgramConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// Deepgram is a Transcriber backed by the Deepgram prerecorded audio API.
type Deepgram struct {
	cfg DeepgramConfig
}

// NewDeepgram creates a Deepgram client.
func NewDeepgram(cfg DeepgramConfig) *Deepgram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultDeepgramURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultDeepgramModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Deepgram{cfg: cfg}
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements Transcriber.
func (d *Deepgram) Transcribe(ctx context.Context, audio []byte, contentType string) (string, error) {
	if d.cfg.APIKey == "" {
		return "", ErrNotConfigured
	}
	if contentType == "" {
		contentType = defaultAudioType
	}

	q := url.Values{}
	q.Set("model", d.cfg.Model)
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+"/v1/listen?"+q.Encode(), bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.cfg.APIKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	if err := checkResponse("deepgram", resp); err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return out.Results.Channels[0].Alternatives[0].Transcript, nil
}

var _ Transcriber = (*Deepgram)(nil)
