package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"reelcast/server/internal/clock"
)

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultVoice = "21m00Tcm4TlvDQ8ikWAM"
	elevenLabsModel        = "eleven_multilingual_v2"
)

type ElevenLabs struct {
	apiKey       string
	defaultVoice string
	baseURL      string
	client       *http.Client
	clock        clock.Clock
}

func NewElevenLabs(apiKey, defaultVoice string, client *http.Client, clk clock.Clock) *ElevenLabs {
	if client == nil {
		client = http.DefaultClient
	}
	if defaultVoice == "" {
		defaultVoice = elevenLabsDefaultVoice
	}
	return &ElevenLabs{apiKey: apiKey, defaultVoice: defaultVoice, baseURL: elevenLabsBaseURL, client: client, clock: clk}
}

func (e *ElevenLabs) WithBaseURL(u string) *ElevenLabs {
	e.baseURL = strings.TrimRight(u, "/")
	return e
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

func (e *ElevenLabs) Synthesize(ctx context.Context, text, voice string) (AudioBlob, error) {
	if e.apiKey == "" {
		return AudioBlob{}, configError("elevenlabs", "missing ELEVENLABS_API_KEY")
	}
	if voice == "" {
		voice = e.defaultVoice
	}
	payload, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": elevenLabsModel,
	})
	if err != nil {
		return AudioBlob{}, err
	}

	var blob AudioBlob
	err = Retry(ctx, e.clock, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/text-to-speech/"+voice, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("elevenlabs: new request: %w", err)
		}
		req.Header.Set("xi-api-key", e.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "audio/mpeg")
		resp, err := e.client.Do(req)
		if err != nil {
			return networkError("elevenlabs", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return httpError("elevenlabs", resp)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return networkError("elevenlabs", err)
		}
		if len(data) == 0 {
			return &Error{Category: "upstream", Code: "EMPTY_AUDIO", UserMessage: "speech synthesis returned no audio", InternalMessage: "elevenlabs empty body"}
		}
		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			ct = "audio/mpeg"
		}
		blob = AudioBlob{Data: data, ContentType: ct}
		return nil
	})
	return blob, err
}
