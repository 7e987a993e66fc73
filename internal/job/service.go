package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"reelcast/server/internal/assemble"
	"reelcast/server/internal/assign"
	"reelcast/server/internal/clock"
	"reelcast/server/internal/model"
	"reelcast/server/internal/schedule"
	"reelcast/server/internal/store"

	"github.com/google/uuid"
)

var (
	ErrTooManyRunningJobs = errors.New("too many running videos for owner")
	ErrInvalidPlan        = errors.New("invalid chapter plan")
	ErrForbidden          = errors.New("forbidden")
)

// EventSink is satisfied by events.Recorder.
type EventSink interface {
	Emit(ctx context.Context, videoID string, typ model.VideoEventType, payload map[string]any)
}

// Service runs the per-video pipeline: assign images, assemble chapters as a
// stream and hand them to the scheduler.
type Service struct {
	store     store.Store
	sink      EventSink
	engine    *assign.Engine
	assembler *assemble.Assembler
	sched     *schedule.Scheduler
	clk       clock.Clock
	log       *slog.Logger

	maxOwnerJobs int

	// base outlives individual requests; runs are bound to it.
	base context.Context

	mu             sync.Mutex
	runningByOwner map[string]int
	wg             sync.WaitGroup
}

func NewService(
	base context.Context,
	st store.Store,
	sink EventSink,
	engine *assign.Engine,
	assembler *assemble.Assembler,
	sched *schedule.Scheduler,
	clk clock.Clock,
	logger *slog.Logger,
	maxOwnerJobs int,
) *Service {
	if maxOwnerJobs < 1 {
		maxOwnerJobs = 2
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:          st,
		sink:           sink,
		engine:         engine,
		assembler:      assembler,
		sched:          sched,
		clk:            clk,
		log:            logger,
		maxOwnerJobs:   maxOwnerJobs,
		base:           base,
		runningByOwner: map[string]int{},
	}
	if assembler != nil && assembler.OnDegraded == nil {
		assembler.OnDegraded = s.degraded
	}
	return s
}

// ValidatePlan rejects plans that cannot be rendered at all.
func ValidatePlan(plan model.ChapterPlan) error {
	if len(plan.Chapters) == 0 {
		return fmt.Errorf("%w: no chapters", ErrInvalidPlan)
	}
	seen := make(map[string]bool, len(plan.Chapters))
	for i, ch := range plan.Chapters {
		id := strings.TrimSpace(ch.ID)
		if id == "" {
			return fmt.Errorf("%w: chapter %d has no id", ErrInvalidPlan, i)
		}
		if !pathSafeID(id) {
			return fmt.Errorf("%w: chapter id %q is not path safe", ErrInvalidPlan, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate chapter id %q", ErrInvalidPlan, id)
		}
		seen[id] = true
		if ch.Duration <= 0 || math.IsNaN(ch.Duration) || math.IsInf(ch.Duration, 0) {
			return fmt.Errorf("%w: chapter %q duration %v", ErrInvalidPlan, id, ch.Duration)
		}
	}
	return nil
}

// pathSafeID reports whether id can be used as one storage path segment.
func pathSafeID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, "/\\")
}

// normalizePlan fills the video id, order indexes and total duration.
func normalizePlan(plan model.ChapterPlan) model.ChapterPlan {
	if plan.VideoID == "" {
		plan.VideoID = uuid.NewString()
	}
	chapters := make([]model.ChapterInfo, len(plan.Chapters))
	total := 0.0
	for i, ch := range plan.Chapters {
		ch.ID = strings.TrimSpace(ch.ID)
		ch.Order = i
		total += ch.Duration
		chapters[i] = ch
	}
	plan.Chapters = chapters
	if plan.Duration <= 0 {
		plan.Duration = total
	}
	return plan
}

// CreateVideo records the video and starts its pipeline in the background.
func (s *Service) CreateVideo(ctx context.Context, owner string, plan model.ChapterPlan) (model.VideoRecord, error) {
	if err := ValidatePlan(plan); err != nil {
		return model.VideoRecord{}, err
	}
	if plan.VideoID != "" && !pathSafeID(plan.VideoID) {
		return model.VideoRecord{}, fmt.Errorf("%w: video id %q is not path safe", ErrInvalidPlan, plan.VideoID)
	}
	plan = normalizePlan(plan)

	s.mu.Lock()
	if s.runningByOwner[owner] >= s.maxOwnerJobs {
		s.mu.Unlock()
		return model.VideoRecord{}, ErrTooManyRunningJobs
	}
	s.runningByOwner[owner]++
	s.mu.Unlock()

	now := s.clk.Now().UTC()
	created, err := s.store.CreateVideo(ctx, model.VideoRecord{
		ID:            plan.VideoID,
		Title:         plan.Title,
		ChapterCount:  len(plan.Chapters),
		TotalDuration: plan.Duration,
		Status:        model.VideoProcessing,
		Owner:         owner,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		s.release(owner)
		return model.VideoRecord{}, err
	}
	if _, err := s.sched.Reserve(schedule.Video{ID: created.ID, Owner: owner, ChapterIDs: chapterIDs(plan)}); err != nil {
		s.release(owner)
		return model.VideoRecord{}, err
	}
	s.sink.Emit(ctx, created.ID, model.EventVideoCreated, map[string]any{
		"chapters": created.ChapterCount,
		"duration": created.TotalDuration,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(owner)
		s.run(s.base, owner, plan)
	}()
	return created, nil
}

// Wait blocks until every started pipeline has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) release(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runningByOwner[owner] > 0 {
		s.runningByOwner[owner]--
	}
	if s.runningByOwner[owner] == 0 {
		delete(s.runningByOwner, owner)
	}
}

func (s *Service) run(ctx context.Context, owner string, plan model.ChapterPlan) {
	log := s.log.With("video_id", plan.VideoID)
	topic := plan.Topic
	if topic == "" {
		topic = plan.Title
	}

	outcome, err := s.engine.Assign(ctx, topic, plan.Chapters)
	if err != nil {
		s.abort(ctx, plan.VideoID, "assignment", err)
		s.sched.Abandon(plan.VideoID, err)
		return
	}
	assigned := resolveAssignments(outcome)
	s.sink.Emit(ctx, plan.VideoID, model.EventAssignmentDone, map[string]any{
		"candidates":          len(outcome.Images),
		"fallback":            outcome.Fallback,
		"empty_high_priority": outcome.Report.EmptyHighPriority,
		"assignments":         outcome.Results,
	})

	descs := make(chan model.ChapterDescriptor, len(plan.Chapters))
	go func() {
		defer close(descs)
		for _, ch := range plan.Chapters {
			d, err := s.assembler.Assemble(ctx, plan.VideoID, ch, assigned[ch.ID])
			if err != nil {
				log.Error("chapter_assembly_failed", "chapter_id", ch.ID, "error", err)
				return
			}
			select {
			case descs <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	ids := chapterIDs(plan)
	run, ready, err := s.sched.Start(ctx, schedule.Video{ID: plan.VideoID, Owner: owner, ChapterIDs: ids}, descs, schedule.Hooks{
		OnChapterReady: func(chapterID, url string) {
			log.Info("chapter_playable", "chapter_id", chapterID, "url", url)
		},
	})
	if err != nil {
		if errors.Is(err, schedule.ErrAlreadyRunning) {
			log.Warn("video_already_running")
			return
		}
		log.Error("video_first_chapter_failed", "error", err)
		if run != nil {
			<-run.Done()
		}
		return
	}
	log.Info("video_playback_ready", "first_chapter", ids[0], "url", ready[ids[0]])
	<-run.Done()
	if err := run.Err(); err != nil {
		log.Warn("video_run_halted", "error", err)
	}
}

func chapterIDs(plan model.ChapterPlan) []string {
	ids := make([]string, len(plan.Chapters))
	for i, ch := range plan.Chapters {
		ids[i] = ch.ID
	}
	return ids
}

// abort marks a video failed when its pipeline never reached the scheduler.
func (s *Service) abort(ctx context.Context, videoID, stage string, cause error) {
	ctx = context.WithoutCancel(ctx)
	reason := fmt.Sprintf("%s: %v", stage, cause)
	s.log.Error("video_failed", "video_id", videoID, "stage", stage, "error", cause)
	if err := s.store.SetVideoStatus(ctx, videoID, model.VideoFailed, reason, s.clk.Now().UTC()); err != nil {
		s.log.Error("video_status_update_failed", "video_id", videoID, "error", err)
	}
	s.sink.Emit(ctx, videoID, model.EventVideoFailed, map[string]any{"stage": stage, "reason": cause.Error()})
}

func (s *Service) degraded(d assemble.Degradation) {
	s.sink.Emit(s.base, d.VideoID, model.EventAssetDegraded, map[string]any{
		"chapter_id": d.ChapterID,
		"asset":      d.Asset,
		"fallback":   d.Fallback,
		"reason":     d.Reason,
	})
}

// resolveAssignments maps chapter ids to their assigned candidates in order.
func resolveAssignments(out assign.Outcome) map[string][]model.ImageCandidate {
	assigned := make(map[string][]model.ImageCandidate, len(out.Results))
	for _, r := range out.Results {
		for _, id := range r.ImageIDs {
			if c, ok := out.Images[id]; ok {
				assigned[r.ChapterID] = append(assigned[r.ChapterID], c)
			}
		}
	}
	return assigned
}

// GetVideo returns the video with its persisted chapter records, checking
// ownership.
func (s *Service) GetVideo(ctx context.Context, owner, videoID string) (model.VideoRecord, []model.ChapterRecord, error) {
	video, err := s.authorize(ctx, owner, videoID)
	if err != nil {
		return model.VideoRecord{}, nil, err
	}
	chapters, err := s.store.ListChapters(ctx, videoID)
	if err != nil {
		return model.VideoRecord{}, nil, err
	}
	return video, chapters, nil
}

// ChapterStatus reports the live state of one chapter.
func (s *Service) ChapterStatus(ctx context.Context, owner, videoID, chapterID string) (schedule.ChapterStatus, error) {
	if _, err := s.authorize(ctx, owner, videoID); err != nil {
		return schedule.ChapterStatus{}, err
	}
	if run, ok := s.sched.Run(videoID); ok {
		for _, cs := range run.States() {
			if cs.ChapterID == chapterID {
				return cs, nil
			}
		}
	}
	rec, err := s.store.GetChapter(ctx, videoID, chapterID)
	if err != nil {
		return schedule.ChapterStatus{}, err
	}
	return schedule.ChapterStatus{ChapterID: rec.ChapterID, State: rec.Status, URL: rec.StorageURL, Error: rec.Error}, nil
}

// ChapterStates lists every chapter of a live run, or nil when none is held.
func (s *Service) ChapterStates(videoID string) []schedule.ChapterStatus {
	if run, ok := s.sched.Run(videoID); ok {
		return run.States()
	}
	return nil
}

func (s *Service) WaitChapter(ctx context.Context, owner, videoID, chapterID string) (string, error) {
	if _, err := s.authorize(ctx, owner, videoID); err != nil {
		return "", err
	}
	return s.sched.WaitChapter(ctx, videoID, chapterID, s.sched.WaitTimeout())
}

func (s *Service) ListEventsFrom(ctx context.Context, owner, videoID string, fromSeq int64) ([]model.VideoEvent, error) {
	if _, err := s.authorize(ctx, owner, videoID); err != nil {
		return nil, err
	}
	return s.store.ListVideoEventsFromSeq(ctx, videoID, fromSeq)
}

func (s *Service) authorize(ctx context.Context, owner, videoID string) (model.VideoRecord, error) {
	video, err := s.store.GetVideo(ctx, videoID)
	if err != nil {
		return model.VideoRecord{}, err
	}
	if video.Owner != owner {
		return model.VideoRecord{}, ErrForbidden
	}
	return video, nil
}
