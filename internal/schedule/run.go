package schedule

import (
	"context"
	"sync"
	"time"

	"reelcast/server/internal/clock"
	"reelcast/server/internal/model"
)

// Run tracks the chapters of one video through the scheduler. Its methods are
// safe for concurrent use by playback consumers.
type Run struct {
	VideoID string
	Owner   string

	clk   clock.Clock
	order []string

	// started is guarded by the scheduler's mutex.
	started bool

	mu      sync.Mutex
	states  map[string]model.ChapterState
	urls    map[string]string
	errs    map[string]error
	changed chan struct{}

	done chan struct{}
	err  error
}

func newRun(videoID, owner string, chapterIDs []string, clk clock.Clock) *Run {
	r := &Run{
		VideoID: videoID,
		Owner:   owner,
		clk:     clk,
		order:   append([]string(nil), chapterIDs...),
		states:  make(map[string]model.ChapterState, len(chapterIDs)),
		urls:    map[string]string{},
		errs:    map[string]error{},
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, id := range chapterIDs {
		r.states[id] = model.ChapterQueued
	}
	return r
}

func (r *Run) setState(chapterID string, state model.ChapterState, url string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[chapterID] = state
	if url != "" {
		r.urls[chapterID] = url
	}
	if err != nil {
		r.errs[chapterID] = err
	}
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Run) finish(err error) {
	r.mu.Lock()
	r.err = err
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
	close(r.done)
}

func (r *Run) IsChapterReady(chapterID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[chapterID] == model.ChapterReady
}

func (r *Run) ChapterURL(chapterID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	url, ok := r.urls[chapterID]
	return url, ok
}

func (r *Run) State(chapterID string) (model.ChapterState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[chapterID]
	return st, ok
}

// States returns the chapter states in playback order.
func (r *Run) States() []ChapterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChapterStatus, 0, len(r.order))
	for _, id := range r.order {
		cs := ChapterStatus{ChapterID: id, State: r.states[id], URL: r.urls[id]}
		if err := r.errs[id]; err != nil {
			cs.Error = err.Error()
		}
		out = append(out, cs)
	}
	return out
}

// Done is closed once the run has finished, halted or stalled.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Err is the terminal error of a finished run; nil when every chapter is ready.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// WaitChapter blocks until the chapter is ready, fails, stalls or timeout
// elapses. A timeout returns ErrStillRendering.
func (r *Run) WaitChapter(ctx context.Context, chapterID string, timeout time.Duration) (string, error) {
	deadline := r.clk.After(timeout)
	for {
		r.mu.Lock()
		state, known := r.states[chapterID]
		url := r.urls[chapterID]
		chErr := r.errs[chapterID]
		runErr := r.err
		changed := r.changed
		r.mu.Unlock()

		switch {
		case !known:
			return "", ErrUnknownChapter
		case state == model.ChapterReady:
			return url, nil
		case state == model.ChapterFailed:
			if chErr != nil {
				return "", chErr
			}
			return "", ErrChapterFailed
		case runErr != nil:
			// Halted before reaching this chapter.
			return "", runErr
		}

		select {
		case <-changed:
		case <-deadline:
			return "", ErrStillRendering
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

type ChapterStatus struct {
	ChapterID string             `json:"chapter_id"`
	State     model.ChapterState `json:"state"`
	URL       string             `json:"url,omitempty"`
	Error     string             `json:"error,omitempty"`
}
