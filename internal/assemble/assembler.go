// Package assemble turns a chapter of the plan into a render-ready descriptor:
// fetched images, narration audio, optional background video and timeline.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"reelcast/server/internal/asset"
	"reelcast/server/internal/audio"
	"reelcast/server/internal/model"
	"reelcast/server/internal/provider"
)

var ErrInvalidChapter = errors.New("invalid chapter")

// Degradation describes one fallback taken while assembling a chapter.
type Degradation struct {
	VideoID   string
	ChapterID string
	Asset     string // image, audio, background_video
	Fallback  string
	Reason    string
}

type Options struct {
	Voice     string
	MinImages int
	// Orientation is passed to the stock video search.
	Orientation string
}

type Assembler struct {
	loader    *asset.Loader
	videos    provider.VideoSearcher
	primary   provider.Speaker
	secondary provider.Speaker
	opts      Options
	logger    *slog.Logger

	// OnDegraded, when set, is called for every fallback.
	OnDegraded func(Degradation)
}

func New(loader *asset.Loader, videos provider.VideoSearcher, primary, secondary provider.Speaker, opts Options, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MinImages <= 0 {
		opts.MinImages = 1
	}
	if opts.Orientation == "" {
		opts.Orientation = "portrait"
	}
	return &Assembler{loader: loader, videos: videos, primary: primary, secondary: secondary, opts: opts, logger: logger}
}

// Assemble builds the descriptor for one chapter. images are the candidates
// assigned to it, in order. Missing assets fall back and never fail the call.
func (a *Assembler) Assemble(ctx context.Context, videoID string, info model.ChapterInfo, images []model.ImageCandidate) (model.ChapterDescriptor, error) {
	if info.ID == "" || info.Duration <= 0 {
		return model.ChapterDescriptor{}, fmt.Errorf("%w: id=%q duration=%v", ErrInvalidChapter, info.ID, info.Duration)
	}

	var (
		refs    []model.ImageRef
		speech  *model.AudioBuffer
		bgVideo string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		refs, err = a.images(gctx, videoID, info, images)
		return err
	})
	g.Go(func() error {
		speech = a.narration(gctx, videoID, info)
		return gctx.Err()
	})
	g.Go(func() error {
		bgVideo = a.backgroundVideo(gctx, videoID, info)
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return model.ChapterDescriptor{}, err
	}

	desc := model.ChapterDescriptor{
		VideoID:  videoID,
		ID:       info.ID,
		Order:    info.Order,
		Duration: info.Duration,
		Text:     info.Text,
		Assets: model.AssetBundle{
			Images:          refs,
			Audio:           speech,
			BackgroundVideo: bgVideo,
		},
	}
	desc.Timeline = BuildTimeline(info.Duration, refs, info.Text, bgVideo)
	a.logger.Info("chapter_assembled",
		"video_id", videoID,
		"chapter_id", info.ID,
		"images", len(refs),
		"audio_seconds", speech.Duration(),
		"background_video", bgVideo != "",
	)
	return desc, nil
}

// AssembleAll assembles every chapter in order. The first failure aborts the
// whole plan.
func (a *Assembler) AssembleAll(ctx context.Context, plan model.ChapterPlan, assigned map[string][]model.ImageCandidate) ([]model.ChapterDescriptor, error) {
	out := make([]model.ChapterDescriptor, 0, len(plan.Chapters))
	for _, ch := range plan.Chapters {
		d, err := a.Assemble(ctx, plan.VideoID, ch, assigned[ch.ID])
		if err != nil {
			return nil, fmt.Errorf("assemble chapter %s: %w", ch.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (a *Assembler) images(ctx context.Context, videoID string, info model.ChapterInfo, cands []model.ImageCandidate) ([]model.ImageRef, error) {
	refs := make([]model.ImageRef, 0, max(len(cands), a.opts.MinImages))
	for _, c := range cands {
		if a.loader != nil {
			if _, err := a.loader.Fetch(ctx, c.URL); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				a.degraded(Degradation{VideoID: videoID, ChapterID: info.ID, Asset: "image", Fallback: "placeholder", Reason: err.Error()})
				uri, perr := asset.PlaceholderDataURI(len(refs))
				if perr != nil {
					return nil, perr
				}
				refs = append(refs, model.ImageRef{ID: c.ID, URL: uri, Alt: c.Title, Position: len(refs)})
				continue
			}
		}
		refs = append(refs, model.ImageRef{ID: c.ID, URL: c.URL, Alt: c.Title, Position: len(refs)})
	}
	if missing := a.opts.MinImages - len(refs); missing > 0 {
		a.degraded(Degradation{VideoID: videoID, ChapterID: info.ID, Asset: "image", Fallback: "placeholder",
			Reason: fmt.Sprintf("%d assigned, %d required", len(refs), a.opts.MinImages)})
		for i := 0; i < missing; i++ {
			uri, err := asset.PlaceholderDataURI(info.Order + len(refs))
			if err != nil {
				return nil, err
			}
			refs = append(refs, model.ImageRef{
				ID:       fmt.Sprintf("%s-placeholder-%d", info.ID, len(refs)),
				URL:      uri,
				Alt:      "placeholder",
				Position: len(refs),
			})
		}
	}
	return refs, nil
}

func (a *Assembler) narration(ctx context.Context, videoID string, info model.ChapterInfo) *model.AudioBuffer {
	for _, sp := range []provider.Speaker{a.primary, a.secondary} {
		if sp == nil {
			continue
		}
		buf, err := a.speak(ctx, sp, info.Text)
		if err == nil {
			return buf
		}
		if ctx.Err() != nil {
			break
		}
		a.degraded(Degradation{VideoID: videoID, ChapterID: info.ID, Asset: "audio", Fallback: "next_provider", Reason: sp.Name() + ": " + err.Error()})
	}
	seconds := info.Duration
	if seconds <= 0 {
		seconds = audio.EstimateSpeechDuration(info.Text)
	}
	a.degraded(Degradation{VideoID: videoID, ChapterID: info.ID, Asset: "audio", Fallback: "silence", Reason: "all speech providers failed"})
	return audio.Silence(seconds, audio.DefaultSampleRate)
}

func (a *Assembler) speak(ctx context.Context, sp provider.Speaker, text string) (*model.AudioBuffer, error) {
	blob, err := sp.Synthesize(ctx, text, a.opts.Voice)
	if err != nil {
		return nil, err
	}
	buf, err := audio.Decode(blob.Data, blob.ContentType)
	if err != nil {
		return nil, err
	}
	if len(buf.Samples) == 0 {
		return nil, errors.New("empty audio")
	}
	return buf, nil
}

func (a *Assembler) backgroundVideo(ctx context.Context, videoID string, info model.ChapterInfo) string {
	if a.videos == nil {
		return ""
	}
	queries := make([]string, 0, 2)
	if len(info.Keywords) > 0 {
		queries = append(queries, strings.Join(info.Keywords, " "))
	}
	if text := strings.TrimSpace(info.Text); text != "" {
		if r := []rune(text); len(r) > 100 {
			text = string(r[:100])
		}
		queries = append(queries, text)
	}
	var lastErr error
	for _, q := range queries {
		u, ok, err := a.videos.SearchForChapter(ctx, q, a.opts.Orientation)
		if err != nil {
			if ctx.Err() != nil {
				return ""
			}
			lastErr = err
			continue
		}
		if ok {
			return u
		}
	}
	reason := "no match"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	a.degraded(Degradation{VideoID: videoID, ChapterID: info.ID, Asset: "background_video", Fallback: "solid_background", Reason: reason})
	return ""
}

func (a *Assembler) degraded(d Degradation) {
	a.logger.Warn("asset_degraded",
		"video_id", d.VideoID,
		"chapter_id", d.ChapterID,
		"asset", d.Asset,
		"fallback", d.Fallback,
		"reason", d.Reason,
	)
	if a.OnDegraded != nil {
		a.OnDegraded(d)
	}
}
