// Package compose renders a chapter descriptor frame by frame onto a fixed
// surface and encodes the frames together with the narration track.
package compose

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"runtime"
	"time"

	"reelcast/server/internal/asset"
	"reelcast/server/internal/audio"
	"reelcast/server/internal/clock"
	"reelcast/server/internal/model"
)

var ErrInvalidDescriptor = errors.New("invalid chapter descriptor")

type Options struct {
	Width  int
	Height int
	FPS    int
	// Realtime paces frames against the clock instead of rendering flat out.
	Realtime         bool
	ProgressInterval time.Duration
}

type Compositor struct {
	opts    Options
	loader  *asset.Loader
	encoder EncoderFactory
	videos  VideoOpener
	clock   clock.Clock
	logger  *slog.Logger
}

func New(opts Options, loader *asset.Loader, encoder EncoderFactory, videos VideoOpener, clk clock.Clock, logger *slog.Logger) *Compositor {
	if opts.Width <= 0 {
		opts.Width = 720
	}
	if opts.Height <= 0 {
		opts.Height = 1280
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 500 * time.Millisecond
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compositor{opts: opts, loader: loader, encoder: encoder, videos: videos, clock: clk, logger: logger}
}

// Render draws and encodes one chapter. Progress goes to progress when it is
// non-nil; intermediate updates are dropped if the reader is behind, the
// final complete or failed update is always delivered. Panics in the pass are
// returned as errors.
func (c *Compositor) Render(ctx context.Context, desc model.ChapterDescriptor, progress chan<- model.RenderProgress) (blob model.MediaBlob, err error) {
	defer func() {
		if r := recover(); r != nil {
			blob = model.MediaBlob{}
			err = fmt.Errorf("render chapter %s: panic: %v", desc.ID, r)
		}
		status := model.RenderComplete
		pct := 100.0
		if err != nil {
			status = model.RenderFailed
			pct = 0
		}
		c.finalProgress(ctx, progress, model.RenderProgress{ChapterID: desc.ID, Percent: pct, Status: status})
	}()

	if desc.ID == "" || desc.Duration <= 0 || math.IsNaN(desc.Duration) || math.IsInf(desc.Duration, 0) {
		return model.MediaBlob{}, fmt.Errorf("%w: id=%q duration=%v", ErrInvalidDescriptor, desc.ID, desc.Duration)
	}
	if c.encoder == nil {
		return model.MediaBlob{}, fmt.Errorf("%w: no encoder configured", ErrEncoderSetup)
	}

	pass := c.newPass(ctx, desc)
	defer pass.close()

	spec := EncodeSpec{
		Width:    c.opts.Width,
		Height:   c.opts.Height,
		FPS:      c.opts.FPS,
		Duration: desc.Duration,
		Audio:    audio.Fit(desc.Assets.Audio, desc.Duration),
	}
	enc, err := c.encoder.Start(ctx, spec)
	if err != nil {
		if !errors.Is(err, ErrEncoderSetup) {
			err = fmt.Errorf("%w: %v", ErrEncoderSetup, err)
		}
		return model.MediaBlob{}, err
	}
	finished := false
	defer func() {
		if !finished {
			enc.Abort()
		}
	}()

	total := FrameCount(desc.Duration, c.opts.FPS)
	frameDur := time.Second / time.Duration(c.opts.FPS)
	start := c.clock.Now()
	lastReport := start
	c.logger.Info("chapter_render_start", "video_id", desc.VideoID, "chapter_id", desc.ID, "frames", total)

	for i := 0; i < total; i++ {
		t := float64(i) / float64(c.opts.FPS)
		frame := pass.compose(t)
		if err := enc.WriteFrame(frame); err != nil {
			return model.MediaBlob{}, fmt.Errorf("render chapter %s frame %d: %w", desc.ID, i, err)
		}

		now := c.clock.Now()
		if now.Sub(lastReport) >= c.opts.ProgressInterval {
			lastReport = now
			sendProgress(progress, model.RenderProgress{
				ChapterID: desc.ID,
				Percent:   math.Min(99, 100*t/desc.Duration),
				Status:    model.RenderRendering,
			})
		}
		if err := c.pace(ctx, start, i+1, frameDur); err != nil {
			return model.MediaBlob{}, err
		}
	}

	blob, err = enc.Finish()
	finished = true
	if err != nil {
		return model.MediaBlob{}, fmt.Errorf("render chapter %s: %w", desc.ID, err)
	}
	c.logger.Info("chapter_render_done",
		"video_id", desc.VideoID,
		"chapter_id", desc.ID,
		"bytes", len(blob.Data),
		"elapsed_ms", c.clock.Now().Sub(start).Milliseconds(),
	)
	return blob, nil
}

// FrameCount is the number of frames that cover duration at fps.
func FrameCount(duration float64, fps int) int {
	return int(math.Ceil(duration*float64(fps) - 1e-9))
}

// pace waits until frame n is due when realtime pacing is on, and otherwise
// just yields.
func (c *Compositor) pace(ctx context.Context, start time.Time, n int, frameDur time.Duration) error {
	if !c.opts.Realtime {
		runtime.Gosched()
		return ctx.Err()
	}
	due := start.Add(time.Duration(n) * frameDur)
	if wait := due.Sub(c.clock.Now()); wait > 0 {
		return c.clock.Sleep(ctx, wait)
	}
	return ctx.Err()
}

func sendProgress(ch chan<- model.RenderProgress, p model.RenderProgress) {
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	default:
	}
}

func (c *Compositor) finalProgress(ctx context.Context, ch chan<- model.RenderProgress, p model.RenderProgress) {
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	case <-ctx.Done():
	}
}

// renderPass owns the surface and decoded assets of one chapter render.
type renderPass struct {
	c       *Compositor
	ctx     context.Context
	desc    model.ChapterDescriptor
	surface *image.RGBA
	images  []image.Image
	text    map[string]*textLayer
	painter imagePainter

	videoURL  string
	video     VideoSource
	lastVideo *image.RGBA
	videoDead bool
}

func (c *Compositor) newPass(ctx context.Context, desc model.ChapterDescriptor) *renderPass {
	p := &renderPass{
		c:       c,
		ctx:     ctx,
		desc:    desc,
		surface: image.NewRGBA(image.Rect(0, 0, c.opts.Width, c.opts.Height)),
		text:    map[string]*textLayer{},
	}
	p.images = make([]image.Image, len(desc.Assets.Images))
	for i, ref := range desc.Assets.Images {
		p.images[i] = c.loadImage(ctx, desc, i, ref)
	}
	return p
}

// loadImage decodes one image, falling back to a generated placeholder.
func (c *Compositor) loadImage(ctx context.Context, desc model.ChapterDescriptor, i int, ref model.ImageRef) image.Image {
	var data []byte
	var err error
	if c.loader != nil {
		data, err = c.loader.Fetch(ctx, ref.URL)
	} else {
		data, err = asset.DecodeDataURI(ref.URL)
	}
	if err == nil {
		var img image.Image
		if img, err = asset.DecodeImage(data); err == nil {
			return img
		}
	}
	c.logger.Warn("image_decode_fallback",
		"video_id", desc.VideoID,
		"chapter_id", desc.ID,
		"image_index", i,
		"error", err,
	)
	return asset.PlaceholderImage(i, asset.PlaceholderWidth, asset.PlaceholderHeight)
}

func (p *renderPass) compose(t float64) *image.RGBA {
	st := stateAt(p.desc.Timeline, t, p.desc.Duration)

	p.drawBackground(st.VideoURL)
	if st.ImageIndex >= 0 && st.ImageIndex < len(p.images) {
		p.painter.draw(p.surface, p.images[st.ImageIndex], st.Zoom, st.Opacity)
	}
	if st.Text != "" {
		if layer := p.textLayer(st.Text); layer != nil {
			layer.drawOn(p.surface)
		}
	}
	return p.surface
}

func (p *renderPass) drawBackground(url string) {
	if url == "" || p.videoDead || p.c.videos == nil {
		fillSolid(p.surface)
		return
	}
	if p.video == nil || p.videoURL != url {
		p.closeVideo()
		src, err := p.openVideo(url)
		if err != nil {
			p.c.logger.Warn("background_video_fallback", "video_id", p.desc.VideoID, "chapter_id", p.desc.ID, "error", err)
			p.videoDead = true
			fillSolid(p.surface)
			return
		}
		p.video, p.videoURL = src, url
	}
	if frame, ok := p.video.Next(); ok {
		p.lastVideo = frame
	}
	if p.lastVideo == nil {
		fillSolid(p.surface)
		return
	}
	coverFrame(p.surface, p.lastVideo)
}

// openVideo fetches the clip through the shared asset loader so repeated
// backgrounds come from the cache.
func (p *renderPass) openVideo(url string) (VideoSource, error) {
	var clip []byte
	var err error
	if p.c.loader != nil {
		clip, err = p.c.loader.Fetch(p.ctx, url)
	} else {
		clip, err = asset.DecodeDataURI(url)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch background %s: %w", url, err)
	}
	return p.c.videos.Open(p.ctx, clip, p.c.opts.Width, p.c.opts.Height, p.c.opts.FPS)
}

func (p *renderPass) textLayer(text string) *textLayer {
	if l, ok := p.text[text]; ok {
		return l
	}
	l, err := newTextLayer(text, p.c.opts.Width, p.c.opts.Height)
	if err != nil {
		p.c.logger.Warn("text_overlay_skipped", "chapter_id", p.desc.ID, "error", err)
	}
	p.text[text] = l
	return l
}

func (p *renderPass) closeVideo() {
	if p.video != nil {
		_ = p.video.Close()
		p.video = nil
	}
}

func (p *renderPass) close() {
	p.closeVideo()
}
