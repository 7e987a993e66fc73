package store

import (
	"context"
	"errors"
	"time"

	"reelcast/server/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Store persists video and chapter metadata plus the per-video event log.
// Chapter writes are upserts keyed by (video_id, chapter_id).
type Store interface {
	CreateVideo(ctx context.Context, video model.VideoRecord) (model.VideoRecord, error)
	GetVideo(ctx context.Context, videoID string) (model.VideoRecord, error)
	SetVideoStatus(ctx context.Context, videoID string, status model.VideoStatus, reason string, at time.Time) error

	UpsertChapter(ctx context.Context, chapter model.ChapterRecord) error
	GetChapter(ctx context.Context, videoID, chapterID string) (model.ChapterRecord, error)
	ListChapters(ctx context.Context, videoID string) ([]model.ChapterRecord, error)

	AppendVideoEvent(ctx context.Context, event model.VideoEvent) (model.VideoEvent, error)
	ListVideoEventsFromSeq(ctx context.Context, videoID string, fromSeq int64) ([]model.VideoEvent, error)
}
