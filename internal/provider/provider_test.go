package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"reelcast/server/internal/audio"
	"reelcast/server/internal/clock"
)

// instantClock fires every wait immediately so backoff does not slow tests.
type instantClock struct{ clock.Real }

func (instantClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestRetryStopsOnNonRetryable(t *testing.T) {
	var calls int
	err := Retry(context.Background(), instantClock{}, func(context.Context) error {
		calls++
		return &Error{Category: "auth", Code: "HTTP_401"}
	})
	if err == nil || calls != 1 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}

func TestRetryRetriesRetryable(t *testing.T) {
	var calls int
	err := Retry(context.Background(), instantClock{}, func(context.Context) error {
		calls++
		if calls < 3 {
			return &Error{Category: "network", Code: "UPSTREAM_5XX", Retryable: true}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}

func TestRetryBackoffGrows(t *testing.T) {
	for attempt, base := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		got := retryBackoff(attempt)
		if got < base || got >= base+base/5 {
			t.Fatalf("attempt %d backoff %s outside [%s,%s)", attempt, got, base, base+base/5)
		}
	}
}

func TestPexelsSearchMapsPhotos(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v1/search" || r.URL.Query().Get("per_page") != "9" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"photos": []map[string]any{
				{"id": 7, "width": 1200, "height": 1800, "alt": "Ocean waves at dusk", "src": map[string]any{"large2x": "https://img/7.jpg"}},
			},
		})
	}))
	defer srv.Close()

	p := NewPexels("key", srv.Client(), instantClock{}).WithBaseURL(srv.URL)
	got, err := p.Search(context.Background(), "ocean", SearchOptions{Count: 9})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "pexels-7" || got[0].URL != "https://img/7.jpg" || got[0].Title != "Ocean waves at dusk" {
		t.Fatalf("unexpected candidates %+v", got)
	}
}

func TestPexelsVideoPicksTallestMP4(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"videos": []map[string]any{{
				"id": 1,
				"video_files": []map[string]any{
					{"link": "https://v/sd.mp4", "file_type": "video/mp4", "height": 960},
					{"link": "https://v/hd.mp4", "file_type": "video/mp4", "height": 1920},
					{"link": "https://v/4k.mp4", "file_type": "video/mp4", "height": 3840},
				},
			}},
		})
	}))
	defer srv.Close()

	p := NewPexels("key", srv.Client(), instantClock{}).WithBaseURL(srv.URL)
	u, ok, err := p.SearchForChapter(context.Background(), "city night", "portrait")
	if err != nil || !ok || u != "https://v/hd.mp4" {
		t.Fatalf("url=%q ok=%v err=%v", u, ok, err)
	}
}

func TestPexelsWithoutKeyIsConfigError(t *testing.T) {
	_, err := NewPexels("", nil, nil).Search(context.Background(), "x", SearchOptions{})
	var perr *Error
	if !errors.As(err, &perr) || perr.Category != "config" {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestElevenLabsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/text-to-speech/") || r.Header.Get("xi-api-key") != "k" {
			t.Errorf("unexpected request %s", r.URL.Path)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3fake"))
	}))
	defer srv.Close()

	e := NewElevenLabs("k", "", srv.Client(), instantClock{}).WithBaseURL(srv.URL)
	blob, err := e.Synthesize(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if calls.Load() != 2 || string(blob.Data) != "ID3fake" {
		t.Fatalf("calls=%d data=%q", calls.Load(), blob.Data)
	}
}

func TestMockSpeakerProducesDecodableAudio(t *testing.T) {
	blob, err := MockSpeaker{}.Synthesize(context.Background(), "one two three four five", "")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	buf, err := audio.Decode(blob.Data, blob.ContentType)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d := buf.Duration(); d < 1.99 || d > 2.01 {
		t.Fatalf("duration=%f", d)
	}
}

func TestMockImagesDeterministic(t *testing.T) {
	a, _ := MockImages{}.Search(context.Background(), "volcano lava", SearchOptions{Count: 4})
	b, _ := MockImages{}.Search(context.Background(), "volcano lava", SearchOptions{Count: 4})
	if len(a) != 4 || len(b) != 4 {
		t.Fatalf("len a=%d b=%d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("candidate %d differs", i)
		}
	}
	if a[0].Title != "volcano lava photo" {
		t.Fatalf("title=%q", a[0].Title)
	}
}
