package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"reelcast/server/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PostgresStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenPostgres connects, pings and migrates the videos, chapters and
// video_events tables.
func OpenPostgres(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&videoModel{}, &chapterModel{}, &videoEventModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return NewPostgresStore(db, logger), nil
}

func NewPostgresStore(db *gorm.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

func (r *PostgresStore) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *PostgresStore) CreateVideo(ctx context.Context, video model.VideoRecord) (model.VideoRecord, error) {
	row := videoModelFromRecord(video)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return model.VideoRecord{}, ErrConflict
		}
		return model.VideoRecord{}, r.logError("store_create_video_failed", err, "video_id", video.ID)
	}
	return row.toRecord(), nil
}

func (r *PostgresStore) GetVideo(ctx context.Context, videoID string) (model.VideoRecord, error) {
	var row videoModel
	err := r.db.WithContext(ctx).
		Where("id = ?", strings.TrimSpace(videoID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.VideoRecord{}, ErrNotFound
		}
		return model.VideoRecord{}, r.logError("store_get_video_failed", err, "video_id", videoID)
	}
	return row.toRecord(), nil
}

func (r *PostgresStore) SetVideoStatus(ctx context.Context, videoID string, status model.VideoStatus, reason string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&videoModel{}).
		Where("id = ?", strings.TrimSpace(videoID)).
		Updates(map[string]any{
			"status":       string(status),
			"stuck_reason": reason,
			"updated_at":   at.UTC(),
		})
	if result.Error != nil {
		return r.logError("store_set_video_status_failed", result.Error, "video_id", videoID, "status", status)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresStore) UpsertChapter(ctx context.Context, chapter model.ChapterRecord) error {
	row := chapterModelFromRecord(chapter)
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "video_id"}, {Name: "chapter_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"order_index": row.OrderIndex,
			"duration":    row.Duration,
			"storage_url": row.StorageURL,
			"render_time": row.RenderTime,
			"file_size":   row.FileSize,
			"status":      row.Status,
			"error":       row.Error,
			"owner":       row.Owner,
			"updated_at":  row.UpdatedAt,
		}),
	}).Create(&row)
	if create.Error != nil {
		return r.logError("store_upsert_chapter_failed", create.Error,
			"video_id", chapter.VideoID,
			"chapter_id", chapter.ChapterID,
		)
	}
	return nil
}

func (r *PostgresStore) GetChapter(ctx context.Context, videoID, chapterID string) (model.ChapterRecord, error) {
	var row chapterModel
	err := r.db.WithContext(ctx).
		Where("video_id = ? AND chapter_id = ?", strings.TrimSpace(videoID), strings.TrimSpace(chapterID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.ChapterRecord{}, ErrNotFound
		}
		return model.ChapterRecord{}, r.logError("store_get_chapter_failed", err, "video_id", videoID, "chapter_id", chapterID)
	}
	return row.toRecord(), nil
}

func (r *PostgresStore) ListChapters(ctx context.Context, videoID string) ([]model.ChapterRecord, error) {
	if _, err := r.GetVideo(ctx, videoID); err != nil {
		return nil, err
	}
	var rows []chapterModel
	if err := r.db.WithContext(ctx).
		Where("video_id = ?", strings.TrimSpace(videoID)).
		Order("order_index ASC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("store_list_chapters_failed", err, "video_id", videoID)
	}
	out := make([]model.ChapterRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

// AppendVideoEvent allocates the next per-video seq while holding a row lock
// on the parent video.
func (r *PostgresStore) AppendVideoEvent(ctx context.Context, event model.VideoEvent) (model.VideoEvent, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return model.VideoEvent{}, fmt.Errorf("encode event payload: %w", err)
	}
	event.EventID = uuid.NewString()
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parent videoModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", event.VideoID).
			First(&parent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		var last int64
		if err := tx.Model(&videoEventModel{}).
			Where("video_id = ?", event.VideoID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&last).Error; err != nil {
			return err
		}
		event.Seq = last + 1
		row := videoEventModel{
			EventID: event.EventID,
			VideoID: event.VideoID,
			Seq:     event.Seq,
			Type:    string(event.Type),
			TS:      event.TS.UTC(),
			Payload: payload,
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.VideoEvent{}, ErrNotFound
		}
		return model.VideoEvent{}, r.logError("store_append_event_failed", err, "video_id", event.VideoID, "type", event.Type)
	}
	return event, nil
}

func (r *PostgresStore) ListVideoEventsFromSeq(ctx context.Context, videoID string, fromSeq int64) ([]model.VideoEvent, error) {
	if _, err := r.GetVideo(ctx, videoID); err != nil {
		return nil, err
	}
	var rows []videoEventModel
	if err := r.db.WithContext(ctx).
		Where("video_id = ? AND seq > ?", strings.TrimSpace(videoID), fromSeq).
		Order("seq ASC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("store_list_events_failed", err, "video_id", videoID, "from_seq", fromSeq)
	}
	out := make([]model.VideoEvent, 0, len(rows))
	for _, row := range rows {
		evt, err := row.toEvent()
		if err != nil {
			r.logWarn("store_event_payload_undecodable", "video_id", videoID, "seq", row.Seq, "error", err.Error())
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

func (r *PostgresStore) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "store",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	r.logger.Error("metadata store operation failed", fields...)
	return err
}

func (r *PostgresStore) logWarn(event string, attrs ...any) {
	fields := make([]any, 0, len(attrs)+6)
	fields = append(fields,
		"event", event,
		"module", "store",
		"layer", "adapter",
	)
	fields = append(fields, attrs...)
	r.logger.Warn("metadata store operation degraded", fields...)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type videoModel struct {
	ID            string    `gorm:"column:id;primaryKey"`
	Title         string    `gorm:"column:title"`
	ChapterCount  int       `gorm:"column:chapter_count"`
	TotalDuration float64   `gorm:"column:total_duration"`
	Status        string    `gorm:"column:status;index"`
	Owner         string    `gorm:"column:owner;index"`
	StuckReason   string    `gorm:"column:stuck_reason"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (videoModel) TableName() string {
	return "videos"
}

func videoModelFromRecord(v model.VideoRecord) videoModel {
	return videoModel{
		ID:            strings.TrimSpace(v.ID),
		Title:         v.Title,
		ChapterCount:  v.ChapterCount,
		TotalDuration: v.TotalDuration,
		Status:        string(v.Status),
		Owner:         v.Owner,
		StuckReason:   v.StuckReason,
		CreatedAt:     v.CreatedAt.UTC(),
		UpdatedAt:     v.UpdatedAt.UTC(),
	}
}

func (m videoModel) toRecord() model.VideoRecord {
	return model.VideoRecord{
		ID:            m.ID,
		Title:         m.Title,
		ChapterCount:  m.ChapterCount,
		TotalDuration: m.TotalDuration,
		Status:        model.VideoStatus(m.Status),
		Owner:         m.Owner,
		StuckReason:   m.StuckReason,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

type chapterModel struct {
	VideoID    string    `gorm:"column:video_id;primaryKey"`
	ChapterID  string    `gorm:"column:chapter_id;primaryKey"`
	OrderIndex int       `gorm:"column:order_index"`
	Duration   float64   `gorm:"column:duration"`
	StorageURL string    `gorm:"column:storage_url"`
	RenderTime float64   `gorm:"column:render_time"`
	FileSize   int64     `gorm:"column:file_size"`
	Status     string    `gorm:"column:status"`
	Error      string    `gorm:"column:error"`
	Owner      string    `gorm:"column:owner"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (chapterModel) TableName() string {
	return "chapters"
}

func chapterModelFromRecord(c model.ChapterRecord) chapterModel {
	return chapterModel{
		VideoID:    strings.TrimSpace(c.VideoID),
		ChapterID:  strings.TrimSpace(c.ChapterID),
		OrderIndex: c.OrderIndex,
		Duration:   c.Duration,
		StorageURL: c.StorageURL,
		RenderTime: c.RenderTime,
		FileSize:   c.FileSize,
		Status:     string(c.Status),
		Error:      c.Error,
		Owner:      c.Owner,
		UpdatedAt:  c.UpdatedAt.UTC(),
	}
}

func (m chapterModel) toRecord() model.ChapterRecord {
	return model.ChapterRecord{
		VideoID:    m.VideoID,
		ChapterID:  m.ChapterID,
		OrderIndex: m.OrderIndex,
		Duration:   m.Duration,
		StorageURL: m.StorageURL,
		RenderTime: m.RenderTime,
		FileSize:   m.FileSize,
		Status:     model.ChapterState(m.Status),
		Error:      m.Error,
		Owner:      m.Owner,
		UpdatedAt:  m.UpdatedAt.UTC(),
	}
}

type videoEventModel struct {
	EventID string    `gorm:"column:event_id;primaryKey"`
	VideoID string    `gorm:"column:video_id;uniqueIndex:idx_video_events_seq"`
	Seq     int64     `gorm:"column:seq;uniqueIndex:idx_video_events_seq"`
	Type    string    `gorm:"column:type"`
	TS      time.Time `gorm:"column:ts"`
	Payload []byte    `gorm:"column:payload;type:jsonb"`
}

func (videoEventModel) TableName() string {
	return "video_events"
}

func (m videoEventModel) toEvent() (model.VideoEvent, error) {
	evt := model.VideoEvent{
		EventID: m.EventID,
		Seq:     m.Seq,
		VideoID: m.VideoID,
		Type:    model.VideoEventType(m.Type),
		TS:      m.TS.UTC(),
	}
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &evt.Payload); err != nil {
			return model.VideoEvent{}, err
		}
	}
	return evt, nil
}

var _ Store = (*PostgresStore)(nil)
