package provider

import (
	"context"
	"fmt"
	"math"
	"strings"

	"reelcast/server/internal/asset"
	"reelcast/server/internal/audio"
	"reelcast/server/internal/model"
)

// MockImages returns deterministic candidates built from the query words.
// Image URLs are inline placeholders so a mock pipeline renders offline.
type MockImages struct{}

func (MockImages) Search(ctx context.Context, query string, opts SearchOptions) ([]model.ImageCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil, nil
	}
	count := opts.Count
	if count <= 0 {
		count = 9
	}
	out := make([]model.ImageCandidate, 0, count)
	for i := 0; i < count; i++ {
		uri, err := asset.PlaceholderDataURI(i)
		if err != nil {
			return nil, err
		}
		title := words[i%len(words)]
		if len(words) > 1 {
			title += " " + words[(i+1)%len(words)]
		}
		out = append(out, model.ImageCandidate{
			ID:     fmt.Sprintf("mock-%d", i+1),
			URL:    uri,
			Title:  title + " photo",
			Source: "mock",
			Width:  1080,
			Height: 1920,
		})
	}
	return out, nil
}

// MockVideos returns URL for every query, or nothing when URL is empty.
type MockVideos struct {
	URL string
}

func (m MockVideos) SearchForChapter(ctx context.Context, text, orientation string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if m.URL == "" {
		return "", false, nil
	}
	return m.URL, true, nil
}

// MockSpeaker produces a quiet tone as long as the text would take to read.
type MockSpeaker struct {
	SampleRate int
}

func (m MockSpeaker) Name() string { return "mock" }

func (m MockSpeaker) Synthesize(ctx context.Context, text, voice string) (AudioBlob, error) {
	if err := ctx.Err(); err != nil {
		return AudioBlob{}, err
	}
	rate := m.SampleRate
	if rate <= 0 {
		rate = 22050
	}
	buf := audio.Silence(audio.EstimateSpeechDuration(text), rate)
	for i := range buf.Samples {
		buf.Samples[i] = int16(600 * math.Sin(2*math.Pi*220*float64(i)/float64(rate)))
	}
	data, err := audio.WAVBytes(buf)
	if err != nil {
		return AudioBlob{}, err
	}
	return AudioBlob{Data: data, ContentType: "audio/wav"}, nil
}
