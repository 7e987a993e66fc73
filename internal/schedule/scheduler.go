package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"reelcast/server/internal/clock"
	"reelcast/server/internal/model"
	"reelcast/server/internal/storage"
	"reelcast/server/internal/store"
)

var (
	ErrAlreadyRunning      = errors.New("video already has an active render run")
	ErrChapterWaitTimeout  = errors.New("timed out waiting for chapter assets")
	ErrChapterFailed       = errors.New("chapter render failed")
	ErrChapterMissing      = errors.New("chapter never assembled")
	ErrStillRendering      = errors.New("chapter still rendering")
	ErrUnknownChapter      = errors.New("unknown chapter")
	ErrNoChapters          = errors.New("no chapters to schedule")
	errDescriptorsFinished = errors.New("descriptor stream closed")
)

// Renderer turns one descriptor into an encoded chapter.
type Renderer interface {
	Render(ctx context.Context, desc model.ChapterDescriptor, progress chan<- model.RenderProgress) (model.MediaBlob, error)
}

// EventSink records video events for subscribers.
type EventSink interface {
	Emit(ctx context.Context, videoID string, typ model.VideoEventType, payload map[string]any)
}

type Hooks struct {
	OnChapterReady func(chapterID, url string)
	OnProgress     func(model.RenderProgress)
}

type Options struct {
	Cooldown           time.Duration
	ChapterWaitTimeout time.Duration
}

// Video identifies the chapters to expect, in playback order.
type Video struct {
	ID         string
	Owner      string
	ChapterIDs []string
}

// Scheduler renders chapters strictly one at a time across all videos and
// uploads them in order. The first chapter of a video is rendered before Start
// returns; the rest continue in the background.
type Scheduler struct {
	renderer Renderer
	uploader storage.Uploader
	store    store.Store
	sink     EventSink
	clk      clock.Clock
	log      *slog.Logger
	opts     Options

	slot chan struct{}

	mu   sync.Mutex
	runs map[string]*Run
}

func New(renderer Renderer, uploader storage.Uploader, st store.Store, sink EventSink, clk clock.Clock, logger *slog.Logger, opts Options) *Scheduler {
	if opts.ChapterWaitTimeout <= 0 {
		opts.ChapterWaitTimeout = 90 * time.Second
	}
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		renderer: renderer,
		uploader: uploader,
		store:    st,
		sink:     sink,
		clk:      clk,
		log:      logger,
		opts:     opts,
		slot:     make(chan struct{}, 1),
		runs:     map[string]*Run{},
	}
}

// StartAll schedules a fully assembled chapter list.
func (s *Scheduler) StartAll(ctx context.Context, video Video, descs []model.ChapterDescriptor, hooks Hooks) (*Run, map[string]string, error) {
	ch := make(chan model.ChapterDescriptor, len(descs))
	for _, d := range descs {
		ch <- d
	}
	close(ch)
	return s.Start(ctx, video, ch, hooks)
}

// Start renders and uploads the first chapter synchronously and returns the
// URLs ready so far. Remaining descriptors are read from descs as they are
// assembled; each wait is bounded by the chapter wait timeout. ctx bounds the
// whole run, but a render pass that has begun is never interrupted.
func (s *Scheduler) Start(ctx context.Context, video Video, descs <-chan model.ChapterDescriptor, hooks Hooks) (*Run, map[string]string, error) {
	if len(video.ChapterIDs) == 0 {
		return nil, nil, ErrNoChapters
	}
	run, err := s.claim(video, true)
	if err != nil {
		return nil, nil, err
	}

	w := &worker{s: s, run: run, descs: descs, hooks: hooks, pending: map[string]model.ChapterDescriptor{}}

	if err := w.step(ctx, 0); err != nil {
		s.retire(run, err)
		return run, nil, err
	}
	ready := map[string]string{}
	if url, ok := run.ChapterURL(video.ChapterIDs[0]); ok {
		ready[video.ChapterIDs[0]] = url
	}
	if len(video.ChapterIDs) == 1 {
		s.videoReady(ctx, run)
		s.retire(run, nil)
		return run, ready, nil
	}

	go func() {
		err := w.rest(ctx)
		if err == nil {
			s.videoReady(ctx, run)
		}
		s.retire(run, err)
	}()
	return run, ready, nil
}

// Reserve registers a run before its chapters are assembled so playback
// consumers can wait on it. Start picks the reservation up.
func (s *Scheduler) Reserve(video Video) (*Run, error) {
	if len(video.ChapterIDs) == 0 {
		return nil, ErrNoChapters
	}
	return s.claim(video, false)
}

// Abandon finishes a reservation that will never be started.
func (s *Scheduler) Abandon(videoID string, cause error) {
	s.mu.Lock()
	run, ok := s.runs[videoID]
	if !ok || run.started {
		s.mu.Unlock()
		return
	}
	run.started = true
	s.mu.Unlock()
	s.retire(run, cause)
}

// retire finishes run and drops it from the live set. Later lookups are
// answered from the store.
func (s *Scheduler) retire(run *Run, err error) {
	s.mu.Lock()
	if s.runs[run.VideoID] == run {
		delete(s.runs, run.VideoID)
	}
	s.mu.Unlock()
	run.finish(err)
}

func (s *Scheduler) claim(video Video, start bool) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[video.ID]; ok {
		if start && !existing.started {
			existing.started = true
			return existing, nil
		}
		return nil, ErrAlreadyRunning
	}
	run := newRun(video.ID, video.Owner, video.ChapterIDs, s.clk)
	run.started = start
	s.runs[video.ID] = run
	return run, nil
}

// WaitTimeout is the bound on a single wait for an unfinished chapter.
func (s *Scheduler) WaitTimeout() time.Duration {
	return s.opts.ChapterWaitTimeout
}

// Run returns the in-flight run for a video. Finished runs are not held.
func (s *Scheduler) Run(videoID string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[videoID]
	return r, ok
}

func (s *Scheduler) IsChapterReady(ctx context.Context, videoID, chapterID string) bool {
	if run, ok := s.Run(videoID); ok && run.IsChapterReady(chapterID) {
		return true
	}
	_, err := s.chapterFromStore(ctx, videoID, chapterID)
	return err == nil
}

func (s *Scheduler) ChapterURL(ctx context.Context, videoID, chapterID string) (string, bool) {
	if run, ok := s.Run(videoID); ok {
		if url, ok := run.ChapterURL(chapterID); ok {
			return url, true
		}
	}
	rec, err := s.chapterFromStore(ctx, videoID, chapterID)
	if err != nil {
		return "", false
	}
	return rec.StorageURL, true
}

// WaitChapter waits for a chapter of an active run, falling back to the
// persisted records when no run is held in memory.
func (s *Scheduler) WaitChapter(ctx context.Context, videoID, chapterID string, timeout time.Duration) (string, error) {
	if run, ok := s.Run(videoID); ok {
		return run.WaitChapter(ctx, chapterID, timeout)
	}
	rec, err := s.store.GetChapter(ctx, videoID, chapterID)
	if errors.Is(err, store.ErrNotFound) {
		// A halted video never persists the chapters after the one that stopped it.
		if video, verr := s.store.GetVideo(ctx, videoID); verr == nil && video.StuckReason != "" {
			return "", fmt.Errorf("%w: video halted: %s", ErrChapterFailed, video.StuckReason)
		}
		return "", err
	}
	if err != nil {
		return "", err
	}
	switch rec.Status {
	case model.ChapterReady:
		return rec.StorageURL, nil
	case model.ChapterFailed:
		return "", persistedFailure(rec.Error)
	default:
		return "", ErrStillRendering
	}
}

// persistedFailure rebuilds a chapter error from its stored message, keeping
// stalls distinguishable from render failures.
func persistedFailure(msg string) error {
	for _, kind := range []error{ErrChapterWaitTimeout, ErrChapterMissing, ErrChapterFailed} {
		if rest, ok := strings.CutPrefix(msg, kind.Error()); ok {
			return fmt.Errorf("%w%s", kind, rest)
		}
	}
	return fmt.Errorf("%w: %s", ErrChapterFailed, msg)
}

// chapterFromStore returns the persisted record only when it is ready.
func (s *Scheduler) chapterFromStore(ctx context.Context, videoID, chapterID string) (model.ChapterRecord, error) {
	rec, err := s.store.GetChapter(ctx, videoID, chapterID)
	if err != nil {
		return model.ChapterRecord{}, err
	}
	if rec.Status != model.ChapterReady {
		return model.ChapterRecord{}, ErrStillRendering
	}
	return rec, nil
}

func (s *Scheduler) videoReady(ctx context.Context, run *Run) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.SetVideoStatus(ctx, run.VideoID, model.VideoReady, "", s.clk.Now().UTC()); err != nil {
		s.log.Error("video_status_update_failed", "video_id", run.VideoID, "status", model.VideoReady, "error", err)
	}
	s.log.Info("video_ready", "video_id", run.VideoID, "chapters", len(run.order))
	s.emit(ctx, run.VideoID, model.EventVideoReady, map[string]any{"chapters": len(run.order)})
}

// markStuck leaves the video processing and records why it cannot progress.
func (s *Scheduler) markStuck(ctx context.Context, run *Run, chapterID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	reason := fmt.Sprintf("chapter %s: %v", chapterID, cause)
	s.log.Error("video_stuck",
		"event", "video_stuck",
		"video_id", run.VideoID,
		"chapter_id", chapterID,
		"error", cause,
	)
	if err := s.store.SetVideoStatus(ctx, run.VideoID, model.VideoProcessing, reason, s.clk.Now().UTC()); err != nil {
		s.log.Error("video_status_update_failed", "video_id", run.VideoID, "error", err)
	}
	s.emit(ctx, run.VideoID, model.EventVideoStuck, map[string]any{
		"chapter_id": chapterID,
		"reason":     reason,
	})
}

func (s *Scheduler) emit(ctx context.Context, videoID string, typ model.VideoEventType, payload map[string]any) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(ctx, videoID, typ, payload)
}

// worker walks one video's chapters in order.
type worker struct {
	s       *Scheduler
	run     *Run
	descs   <-chan model.ChapterDescriptor
	hooks   Hooks
	pending map[string]model.ChapterDescriptor
	closed  bool
}

func (w *worker) rest(ctx context.Context) error {
	for i := 1; i < len(w.run.order); i++ {
		if w.s.opts.Cooldown > 0 {
			if err := w.s.clk.Sleep(ctx, w.s.opts.Cooldown); err != nil {
				w.s.log.Warn("chapter_schedule_canceled", "video_id", w.run.VideoID, "error", err)
				return err
			}
		}
		if err := w.step(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) step(ctx context.Context, i int) error {
	chapterID := w.run.order[i]
	desc, err := w.await(ctx, chapterID)
	switch {
	case err == nil:
	case errors.Is(err, ErrChapterWaitTimeout):
		w.stalled(ctx, i, chapterID)
		return fmt.Errorf("chapter %s: %w", chapterID, ErrChapterWaitTimeout)
	case errors.Is(err, errDescriptorsFinished):
		err = fmt.Errorf("%w: %s", ErrChapterMissing, chapterID)
		w.failed(ctx, i, chapterID, 0, err)
		return err
	default:
		w.s.log.Warn("chapter_schedule_canceled", "video_id", w.run.VideoID, "chapter_id", chapterID, "error", err)
		return err
	}
	if desc.Order == 0 && i > 0 {
		desc.Order = i
	}
	return w.process(ctx, desc)
}

// await returns the descriptor for chapterID, buffering any that arrive
// early. Only a wait that actually blocks starts the timeout.
func (w *worker) await(ctx context.Context, chapterID string) (model.ChapterDescriptor, error) {
	if d, ok := w.take(chapterID); ok {
		return d, nil
	}
drain:
	for !w.closed {
		select {
		case d, ok := <-w.descs:
			if !ok {
				w.closed = true
				break drain
			}
			w.pending[d.ID] = d
			if got, ok := w.take(chapterID); ok {
				return got, nil
			}
		default:
			break drain
		}
	}
	if w.closed {
		return model.ChapterDescriptor{}, errDescriptorsFinished
	}

	timeout := w.s.clk.After(w.s.opts.ChapterWaitTimeout)
	for {
		select {
		case d, ok := <-w.descs:
			if !ok {
				w.closed = true
				return model.ChapterDescriptor{}, errDescriptorsFinished
			}
			w.pending[d.ID] = d
			if got, ok := w.take(chapterID); ok {
				return got, nil
			}
		case <-timeout:
			return model.ChapterDescriptor{}, ErrChapterWaitTimeout
		case <-ctx.Done():
			return model.ChapterDescriptor{}, ctx.Err()
		}
	}
}

func (w *worker) take(chapterID string) (model.ChapterDescriptor, bool) {
	d, ok := w.pending[chapterID]
	if ok {
		delete(w.pending, chapterID)
	}
	return d, ok
}

func (w *worker) process(ctx context.Context, desc model.ChapterDescriptor) error {
	s := w.s
	renderCtx := context.WithoutCancel(ctx)
	log := s.log.With("video_id", w.run.VideoID, "chapter_id", desc.ID, "order", desc.Order)

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.transition(renderCtx, desc.ID, model.ChapterRendering)
	start := s.clk.Now()
	blob, err := w.render(renderCtx, desc)
	<-s.slot
	renderTime := s.clk.Now().Sub(start).Seconds()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrChapterFailed, err)
		w.failed(renderCtx, desc.Order, desc.ID, renderTime, err)
		return err
	}

	w.transition(renderCtx, desc.ID, model.ChapterUploading)
	objectPath := storage.ChapterPath(w.run.VideoID, desc.ID, blob.Extension)
	url, err := s.uploader.Upload(renderCtx, objectPath, blob.Data, blob.ContentType)
	if err != nil {
		err = fmt.Errorf("%w: upload: %v", ErrChapterFailed, err)
		w.failed(renderCtx, desc.Order, desc.ID, renderTime, err)
		return err
	}

	rec := model.ChapterRecord{
		VideoID:    w.run.VideoID,
		ChapterID:  desc.ID,
		OrderIndex: desc.Order,
		Duration:   desc.Duration,
		StorageURL: url,
		RenderTime: renderTime,
		FileSize:   int64(len(blob.Data)),
		Status:     model.ChapterReady,
		Owner:      w.run.Owner,
		UpdatedAt:  s.clk.Now().UTC(),
	}
	if err := s.store.UpsertChapter(renderCtx, rec); err != nil {
		err = fmt.Errorf("%w: persist: %v", ErrChapterFailed, err)
		w.failed(renderCtx, desc.Order, desc.ID, renderTime, err)
		return err
	}

	w.run.setState(desc.ID, model.ChapterReady, url, nil)
	log.Info("chapter_ready", "url", url, "bytes", rec.FileSize, "render_seconds", renderTime)
	if w.hooks.OnChapterReady != nil {
		w.hooks.OnChapterReady(desc.ID, url)
	}
	s.emit(renderCtx, w.run.VideoID, model.EventChapterReady, map[string]any{
		"chapter_id": desc.ID,
		"order":      desc.Order,
		"url":        url,
		"file_size":  rec.FileSize,
	})
	return nil
}

func (w *worker) render(ctx context.Context, desc model.ChapterDescriptor) (model.MediaBlob, error) {
	progress := make(chan model.RenderProgress, 8)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for p := range progress {
			if w.hooks.OnProgress != nil {
				w.hooks.OnProgress(p)
			}
			w.s.emit(ctx, w.run.VideoID, model.EventRenderProgress, map[string]any{
				"chapter_id": p.ChapterID,
				"percent":    p.Percent,
				"status":     p.Status,
			})
		}
	}()
	blob, err := w.s.renderer.Render(ctx, desc, progress)
	close(progress)
	<-forwarded
	return blob, err
}

func (w *worker) transition(ctx context.Context, chapterID string, state model.ChapterState) {
	w.run.setState(chapterID, state, "", nil)
	w.s.emit(ctx, w.run.VideoID, model.EventChapterState, map[string]any{
		"chapter_id": chapterID,
		"state":      state,
	})
}

// failed persists the failed record and halts the video.
func (w *worker) failed(ctx context.Context, order int, chapterID string, renderTime float64, cause error) {
	s := w.s
	ctx = context.WithoutCancel(ctx)
	s.log.Error("chapter_failed", "video_id", w.run.VideoID, "chapter_id", chapterID, "error", cause)
	rec := model.ChapterRecord{
		VideoID:    w.run.VideoID,
		ChapterID:  chapterID,
		OrderIndex: order,
		RenderTime: renderTime,
		Status:     model.ChapterFailed,
		Error:      cause.Error(),
		Owner:      w.run.Owner,
		UpdatedAt:  s.clk.Now().UTC(),
	}
	if err := s.store.UpsertChapter(ctx, rec); err != nil {
		s.log.Error("chapter_record_failed", "video_id", w.run.VideoID, "chapter_id", chapterID, "error", err)
	}
	w.run.setState(chapterID, model.ChapterFailed, "", cause)
	s.emit(ctx, w.run.VideoID, model.EventChapterFailed, map[string]any{
		"chapter_id": chapterID,
		"error":      cause.Error(),
	})
	s.markStuck(ctx, w.run, chapterID, cause)
}

// stalled signals the playback consumer that the next chapter did not arrive
// in time.
func (w *worker) stalled(ctx context.Context, order int, chapterID string) {
	s := w.s
	ctx = context.WithoutCancel(ctx)
	cause := fmt.Errorf("%w after %s", ErrChapterWaitTimeout, s.opts.ChapterWaitTimeout)
	s.log.Error("chapter_stalled", "video_id", w.run.VideoID, "chapter_id", chapterID, "timeout", s.opts.ChapterWaitTimeout)
	rec := model.ChapterRecord{
		VideoID:    w.run.VideoID,
		ChapterID:  chapterID,
		OrderIndex: order,
		Status:     model.ChapterFailed,
		Error:      cause.Error(),
		Owner:      w.run.Owner,
		UpdatedAt:  s.clk.Now().UTC(),
	}
	if err := s.store.UpsertChapter(ctx, rec); err != nil {
		s.log.Error("chapter_record_failed", "video_id", w.run.VideoID, "chapter_id", chapterID, "error", err)
	}
	w.run.setState(chapterID, model.ChapterFailed, "", cause)
	s.emit(ctx, w.run.VideoID, model.EventChapterStalled, map[string]any{
		"chapter_id":      chapterID,
		"timeout_seconds": s.opts.ChapterWaitTimeout.Seconds(),
	})
	s.markStuck(ctx, w.run, chapterID, cause)
}
