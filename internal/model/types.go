package model

import "time"

type ChapterInfo struct {
	ID         string   `json:"id"`
	Order      int      `json:"order"`
	Text       string   `json:"text"`
	Duration   float64  `json:"duration"`
	Keywords   []string `json:"keywords"`
	VisualCues []string `json:"visual_cues"`
}

// ChapterPlan is one video generation request. It is not mutated after creation.
type ChapterPlan struct {
	VideoID  string        `json:"video_id"`
	Title    string        `json:"title"`
	Topic    string        `json:"topic,omitempty"`
	Duration float64       `json:"duration"`
	Chapters []ChapterInfo `json:"chapters"`
}

type TimelineAction string

const (
	ActionFadeIn    TimelineAction = "fade-in"
	ActionFadeOut   TimelineAction = "fade-out"
	ActionZoom      TimelineAction = "zoom"
	ActionShowImage TimelineAction = "show-image"
	ActionShowVideo TimelineAction = "show-video"
	ActionShowText  TimelineAction = "show-text"
)

// TimelinePayload carries the action-specific values. Only the fields relevant
// to the action are set.
type TimelinePayload struct {
	ImageIndex int     `json:"image_index,omitempty"`
	From       float64 `json:"from,omitempty"`
	To         float64 `json:"to,omitempty"`
	Text       string  `json:"text,omitempty"`
	VideoURL   string  `json:"video_url,omitempty"`
}

type TimelineEntry struct {
	Timestamp float64         `json:"timestamp"`
	Action    TimelineAction  `json:"action"`
	Payload   TimelinePayload `json:"payload"`
	Duration  float64         `json:"duration"`
}

// End is the close of the entry's active window.
func (e TimelineEntry) End() float64 {
	return e.Timestamp + e.Duration
}

// ActiveAt reports whether t falls in [Timestamp, End). The final instant of a
// chapter is treated as inside windows that end exactly at the chapter end.
func (e TimelineEntry) ActiveAt(t, chapterDuration float64) bool {
	if t < e.Timestamp {
		return false
	}
	if t < e.End() {
		return true
	}
	return t == e.End() && e.End() >= chapterDuration
}

type ImageRef struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Alt      string `json:"alt"`
	Position int    `json:"position"`
}

type AssetBundle struct {
	Images          []ImageRef   `json:"images"`
	Audio           *AudioBuffer `json:"-"`
	BackgroundVideo string       `json:"background_video,omitempty"`
}

// AudioBuffer is decoded 16-bit PCM, interleaved when Channels > 1.
type AudioBuffer struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

func (b *AudioBuffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 || b.Channels <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate*b.Channels)
}

type ChapterDescriptor struct {
	VideoID  string          `json:"video_id"`
	ID       string          `json:"id"`
	Order    int             `json:"order"`
	Duration float64         `json:"duration"`
	Text     string          `json:"text"`
	Timeline []TimelineEntry `json:"timeline"`
	Assets   AssetBundle     `json:"assets"`
}

type MatchStrength string

const (
	MatchStrong MatchStrength = "strong"
	MatchMedium MatchStrength = "medium"
	MatchWeak   MatchStrength = "weak"
)

type ImageCandidate struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Source string `json:"source"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type ScoredImage struct {
	ImageCandidate
	Keywords []string      `json:"keywords"`
	Strength MatchStrength `json:"match_strength"`
	// Matches holds the overlap count against each chapter, indexed like the
	// chapter list of the pass.
	Matches []int `json:"matches"`
}

type AssignmentResult struct {
	ChapterID string   `json:"chapter_id"`
	ImageIDs  []string `json:"image_ids"`
}

type RenderStatus string

const (
	RenderRendering RenderStatus = "rendering"
	RenderComplete  RenderStatus = "complete"
	RenderFailed    RenderStatus = "failed"
)

type RenderProgress struct {
	ChapterID string       `json:"chapter_id"`
	Percent   float64      `json:"percent"`
	Status    RenderStatus `json:"status"`
}

// MediaBlob is one encoded, playable chapter.
type MediaBlob struct {
	Data        []byte
	ContentType string
	Extension   string
	Duration    float64
}

type ChapterState string

const (
	ChapterQueued    ChapterState = "queued"
	ChapterRendering ChapterState = "rendering"
	ChapterUploading ChapterState = "uploading"
	ChapterReady     ChapterState = "ready"
	ChapterFailed    ChapterState = "failed"
)

type VideoStatus string

const (
	VideoProcessing VideoStatus = "processing"
	VideoReady      VideoStatus = "ready"
	VideoFailed     VideoStatus = "failed"
)

type VideoRecord struct {
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	ChapterCount  int         `json:"chapter_count"`
	TotalDuration float64     `json:"total_duration"`
	Status        VideoStatus `json:"status"`
	Owner         string      `json:"owner"`
	StuckReason   string      `json:"stuck_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type ChapterRecord struct {
	VideoID    string       `json:"video_id"`
	ChapterID  string       `json:"chapter_id"`
	OrderIndex int          `json:"order_index"`
	Duration   float64      `json:"duration"`
	StorageURL string       `json:"storage_url"`
	RenderTime float64      `json:"render_time"`
	FileSize   int64        `json:"file_size"`
	Status     ChapterState `json:"status"`
	Error      string       `json:"error,omitempty"`
	Owner      string       `json:"owner"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

type VideoEventType string

const (
	EventVideoCreated   VideoEventType = "video_created"
	EventAssignmentDone VideoEventType = "assignment_done"
	EventChapterState   VideoEventType = "chapter_state"
	EventRenderProgress VideoEventType = "render_progress"
	EventChapterReady   VideoEventType = "chapter_ready"
	EventChapterFailed  VideoEventType = "chapter_failed"
	EventChapterStalled VideoEventType = "chapter_stalled"
	EventVideoReady     VideoEventType = "video_ready"
	EventVideoStuck     VideoEventType = "video_stuck"
	EventVideoFailed    VideoEventType = "video_failed"
	EventAssetDegraded  VideoEventType = "asset_degraded"
)

type VideoEvent struct {
	EventID string         `json:"event_id"`
	Seq     int64          `json:"seq"`
	VideoID string         `json:"video_id"`
	Type    VideoEventType `json:"type"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload"`
}
