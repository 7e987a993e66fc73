package assemble

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"

	"reelcast/server/internal/asset"
	"reelcast/server/internal/model"
	"reelcast/server/internal/provider"
)

type failingSpeaker struct{ name string }

func (f failingSpeaker) Name() string { return f.name }

func (f failingSpeaker) Synthesize(ctx context.Context, text, voice string) (provider.AudioBlob, error) {
	return provider.AudioBlob{}, &provider.Error{Category: "network", Code: "UPSTREAM_5XX", Retryable: true, InternalMessage: f.name + " down"}
}

type scriptedVideos struct {
	mu      sync.Mutex
	queries []string
	answers map[string]string
	err     error
}

func (s *scriptedVideos) SearchForChapter(ctx context.Context, text, orientation string) (string, bool, error) {
	s.mu.Lock()
	s.queries = append(s.queries, text)
	s.mu.Unlock()
	if u, ok := s.answers[text]; ok {
		return u, true, nil
	}
	return "", false, s.err
}

type degradations struct {
	mu   sync.Mutex
	list []Degradation
}

func (d *degradations) record(x Degradation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.list = append(d.list, x)
}

func (d *degradations) has(assetKind, fallback string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, x := range d.list {
		if x.Asset == assetKind && x.Fallback == fallback {
			return true
		}
	}
	return false
}

func chapter() model.ChapterInfo {
	return model.ChapterInfo{ID: "c1", Order: 0, Duration: 6, Text: "Lava flows cool into new rock over many years", Keywords: []string{"lava", "rock"}}
}

func placeholderCandidates(t *testing.T, n int) []model.ImageCandidate {
	t.Helper()
	out := make([]model.ImageCandidate, n)
	for i := range out {
		uri, err := asset.PlaceholderDataURI(i)
		if err != nil {
			t.Fatalf("placeholder: %v", err)
		}
		out[i] = model.ImageCandidate{ID: "img" + string(rune('a'+i)), URL: uri, Title: "lava"}
	}
	return out
}

func TestTimelineWindowsStayInsideChapter(t *testing.T) {
	for _, d := range []float64{0.3, 1.5, 2, 5, 12.7} {
		for n := 1; n <= 4; n++ {
			for _, bg := range []string{"", "https://v/bg.mp4"} {
				images := make([]model.ImageRef, n)
				tl := BuildTimeline(d, images, "some narration", bg)
				var imageSum float64
				for _, e := range tl {
					if e.Timestamp < 0 || e.End() > d+1e-9 || e.Duration < 0 {
						t.Fatalf("d=%v n=%d: entry %+v outside [0,%v]", d, n, e, d)
					}
					if e.Action == model.ActionShowImage {
						imageSum += e.Duration
					}
				}
				if math.Abs(imageSum-d) > 1e-9 {
					t.Fatalf("d=%v n=%d: image windows sum %v", d, n, imageSum)
				}
				if (bg != "") != (tl[0].Action == model.ActionShowVideo) {
					t.Fatalf("show-video entry should lead only when a background exists")
				}
			}
		}
	}
}

func TestTimelineShape(t *testing.T) {
	tl := BuildTimeline(10, make([]model.ImageRef, 2), "hello", "")
	var actions []string
	for _, e := range tl {
		actions = append(actions, string(e.Action))
	}
	want := "fade-in,show-image,zoom,show-image,zoom,show-text,fade-out"
	if strings.Join(actions, ",") != want {
		t.Fatalf("actions=%v", actions)
	}
	text := tl[5]
	if text.Timestamp != 1 || text.End() != 9 || text.Payload.Text != "hello" {
		t.Fatalf("text entry %+v", text)
	}
	fadeOut := tl[6]
	if fadeOut.Timestamp != 9.5 || fadeOut.End() != 10 {
		t.Fatalf("fade-out %+v", fadeOut)
	}
	zoom := tl[4]
	if zoom.Payload.From != 1.0 || zoom.Payload.To != 1.1 || zoom.Timestamp != 5 || zoom.Payload.ImageIndex != 1 {
		t.Fatalf("zoom %+v", zoom)
	}
}

func TestAssembleIsDeterministic(t *testing.T) {
	a := New(asset.NewLoader(nil, nil), provider.MockVideos{URL: "https://v/bg.mp4"}, provider.MockSpeaker{}, nil, Options{}, nil)
	cands := placeholderCandidates(t, 2)
	d1, err := a.Assemble(context.Background(), "v1", chapter(), cands)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	d2, err := a.Assemble(context.Background(), "v1", chapter(), cands)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if !reflect.DeepEqual(d1.Timeline, d2.Timeline) {
		t.Fatalf("timelines differ")
	}
	if d1.Assets.BackgroundVideo != "https://v/bg.mp4" || len(d1.Assets.Images) != 2 {
		t.Fatalf("assets %+v", d1.Assets)
	}
}

func TestPrimarySpeechFailureUsesSecondary(t *testing.T) {
	var deg degradations
	a := New(nil, nil, failingSpeaker{name: "primary"}, provider.MockSpeaker{}, Options{}, nil)
	a.OnDegraded = deg.record
	d, err := a.Assemble(context.Background(), "v1", chapter(), nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if d.Assets.Audio == nil || len(d.Assets.Audio.Samples) == 0 {
		t.Fatalf("expected secondary audio")
	}
	if !deg.has("audio", "next_provider") || deg.has("audio", "silence") {
		t.Fatalf("degradations=%+v", deg.list)
	}
}

func TestAllSpeechFailuresFallBackToSilence(t *testing.T) {
	var deg degradations
	a := New(nil, nil, failingSpeaker{name: "primary"}, failingSpeaker{name: "secondary"}, Options{}, nil)
	a.OnDegraded = deg.record
	d, err := a.Assemble(context.Background(), "v1", chapter(), nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if d.Assets.Audio == nil {
		t.Fatalf("audio must never be absent")
	}
	if got := d.Assets.Audio.Duration(); math.Abs(got-6) > 1e-3 {
		t.Fatalf("silence duration=%v", got)
	}
	for _, s := range d.Assets.Audio.Samples {
		if s != 0 {
			t.Fatalf("expected silence")
		}
	}
	if !deg.has("audio", "silence") {
		t.Fatalf("silence fallback not reported")
	}
}

func TestBackgroundVideoFallsBackFromKeywordsToText(t *testing.T) {
	info := chapter()
	vs := &scriptedVideos{answers: map[string]string{info.Text: "https://v/text.mp4"}}
	a := New(nil, vs, provider.MockSpeaker{}, nil, Options{}, nil)
	d, err := a.Assemble(context.Background(), "v1", info, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if d.Assets.BackgroundVideo != "https://v/text.mp4" {
		t.Fatalf("background=%q", d.Assets.BackgroundVideo)
	}
	if len(vs.queries) != 2 || vs.queries[0] != "lava rock" {
		t.Fatalf("queries=%v", vs.queries)
	}
}

func TestBackgroundVideoFailureLeavesSolidBackground(t *testing.T) {
	var deg degradations
	a := New(nil, &scriptedVideos{err: errors.New("search down")}, provider.MockSpeaker{}, nil, Options{}, nil)
	a.OnDegraded = deg.record
	d, err := a.Assemble(context.Background(), "v1", chapter(), nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if d.Assets.BackgroundVideo != "" {
		t.Fatalf("expected no background")
	}
	for _, e := range d.Timeline {
		if e.Action == model.ActionShowVideo {
			t.Fatalf("unexpected show-video entry")
		}
	}
	if !deg.has("background_video", "solid_background") {
		t.Fatalf("fallback not reported")
	}
}

func TestMissingImagesBecomeInlinePlaceholders(t *testing.T) {
	a := New(asset.NewLoader(nil, nil), nil, provider.MockSpeaker{}, nil, Options{}, nil)
	cands := []model.ImageCandidate{{ID: "broken", URL: "data:image/png;base64,%%%", Title: "lava"}}
	d, err := a.Assemble(context.Background(), "v1", chapter(), cands)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(d.Assets.Images) != 1 || !strings.HasPrefix(d.Assets.Images[0].URL, "data:image/png;base64,") {
		t.Fatalf("images=%+v", d.Assets.Images)
	}

	d, err = a.Assemble(context.Background(), "v1", chapter(), nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(d.Assets.Images) != 1 || d.Assets.Images[0].Alt != "placeholder" {
		t.Fatalf("expected one placeholder, got %+v", d.Assets.Images)
	}
}

func TestAssembleAllAbortsOnFirstFailure(t *testing.T) {
	a := New(nil, nil, provider.MockSpeaker{}, nil, Options{}, nil)
	plan := model.ChapterPlan{VideoID: "v1", Chapters: []model.ChapterInfo{
		chapter(),
		{ID: "bad", Order: 1, Duration: 0},
		{ID: "c3", Order: 2, Duration: 3, Text: "end"},
	}}
	_, err := a.AssembleAll(context.Background(), plan, nil)
	if !errors.Is(err, ErrInvalidChapter) {
		t.Fatalf("expected ErrInvalidChapter, got %v", err)
	}
}
