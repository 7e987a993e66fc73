package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"reelcast/server/internal/model"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu sync.RWMutex

	videos          map[string]model.VideoRecord
	chaptersByVideo map[string]map[string]model.ChapterRecord
	eventsByVideo   map[string][]model.VideoEvent
	eventSeqByVideo map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		videos:          map[string]model.VideoRecord{},
		chaptersByVideo: map[string]map[string]model.ChapterRecord{},
		eventsByVideo:   map[string][]model.VideoEvent{},
		eventSeqByVideo: map[string]int64{},
	}
}

func (s *MemoryStore) CreateVideo(_ context.Context, video model.VideoRecord) (model.VideoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.videos[video.ID]; ok {
		return model.VideoRecord{}, ErrConflict
	}
	s.videos[video.ID] = video
	s.chaptersByVideo[video.ID] = map[string]model.ChapterRecord{}
	s.eventsByVideo[video.ID] = []model.VideoEvent{}
	return video, nil
}

func (s *MemoryStore) GetVideo(_ context.Context, videoID string) (model.VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.videos[videoID]
	if !ok {
		return model.VideoRecord{}, ErrNotFound
	}
	return video, nil
}

func (s *MemoryStore) SetVideoStatus(_ context.Context, videoID string, status model.VideoStatus, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	video, ok := s.videos[videoID]
	if !ok {
		return ErrNotFound
	}
	video.Status = status
	video.StuckReason = reason
	video.UpdatedAt = at
	s.videos[videoID] = video
	return nil
}

func (s *MemoryStore) UpsertChapter(_ context.Context, chapter model.ChapterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chapters, ok := s.chaptersByVideo[chapter.VideoID]
	if !ok {
		return ErrNotFound
	}
	chapters[chapter.ChapterID] = chapter
	return nil
}

func (s *MemoryStore) GetChapter(_ context.Context, videoID, chapterID string) (model.ChapterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chapter, ok := s.chaptersByVideo[videoID][chapterID]
	if !ok {
		return model.ChapterRecord{}, ErrNotFound
	}
	return chapter, nil
}

func (s *MemoryStore) ListChapters(_ context.Context, videoID string) ([]model.ChapterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chapters, ok := s.chaptersByVideo[videoID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]model.ChapterRecord, 0, len(chapters))
	for _, c := range chapters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OrderIndex < out[j].OrderIndex
	})
	return out, nil
}

func (s *MemoryStore) AppendVideoEvent(_ context.Context, event model.VideoEvent) (model.VideoEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.videos[event.VideoID]; !ok {
		return model.VideoEvent{}, ErrNotFound
	}
	seq := s.eventSeqByVideo[event.VideoID] + 1
	s.eventSeqByVideo[event.VideoID] = seq
	event.Seq = seq
	event.EventID = uuid.NewString()
	s.eventsByVideo[event.VideoID] = append(s.eventsByVideo[event.VideoID], event)
	return event, nil
}

func (s *MemoryStore) ListVideoEventsFromSeq(_ context.Context, videoID string, fromSeq int64) ([]model.VideoEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, ok := s.eventsByVideo[videoID]
	if !ok {
		return nil, ErrNotFound
	}
	if fromSeq <= 0 {
		return append([]model.VideoEvent(nil), events...), nil
	}
	out := make([]model.VideoEvent, 0, len(events))
	for _, e := range events {
		if e.Seq > fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
