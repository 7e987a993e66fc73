package assign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"reelcast/server/internal/model"
)

var ErrNoModel = errors.New("assign: no chat model configured")

// AssignmentResponse is the parsed model reply: Structured or Malformed.
type AssignmentResponse interface {
	isAssignmentResponse()
}

// Structured maps a zero-based chapter index to zero-based candidate indexes.
type Structured struct {
	Chapters map[int][]int
}

type Malformed struct {
	Raw    string
	Reason string
}

func (Structured) isAssignmentResponse() {}
func (Malformed) isAssignmentResponse()  {}

var assignTemplate = prompt.FromMessages(schema.FString,
	schema.SystemMessage("You match stock images to the chapters of a short narrated video. "+
		"Each image may be used once. Never give a chapter more images than the max shown beside it. "+
		"Reply with JSON only, shaped as: {format}"),
	&schema.Message{
		Role:    schema.User,
		Content: "Chapters:\n{chapters}\n\nImages:\n{images}",
	},
)

const responseFormat = `{"assignments":[{"chapter":1,"images":[2,5]}]}`

// SemanticAssigner asks a chat model to pair chapters with images.
type SemanticAssigner struct {
	model einomodel.BaseChatModel
}

func NewSemanticAssigner(m einomodel.BaseChatModel) *SemanticAssigner {
	return &SemanticAssigner{model: m}
}

// Propose asks for an assignment where chapter i takes at most limits[i]
// images.
func (s *SemanticAssigner) Propose(ctx context.Context, cands []model.ImageCandidate, chapters []model.ChapterInfo, limits []int) (AssignmentResponse, error) {
	if s == nil || s.model == nil {
		return nil, ErrNoModel
	}
	msgs, err := assignTemplate.Format(ctx, map[string]any{
		"format":   responseFormat,
		"chapters": listChapters(chapters, limits),
		"images":   listImages(cands),
	})
	if err != nil {
		return nil, fmt.Errorf("assign: format prompt: %w", err)
	}
	reply, err := s.model.Generate(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("assign: generate: %w", err)
	}
	if reply == nil {
		return Malformed{Reason: "empty reply"}, nil
	}
	return ParseResponse(reply.Content, len(chapters), len(cands)), nil
}

func listChapters(chapters []model.ChapterInfo, limits []int) string {
	var b strings.Builder
	for i, ch := range chapters {
		text := ch.Text
		if r := []rune(text); len(r) > 240 {
			text = string(r[:240]) + "..."
		}
		fmt.Fprintf(&b, "%d. [max %d] %s\n", i+1, limitAt(limits, i), strings.TrimSpace(text))
	}
	return b.String()
}

func listImages(cands []model.ImageCandidate) string {
	var b strings.Builder
	for i, c := range cands {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(c.Title))
	}
	return b.String()
}

type wireResponse struct {
	Assignments []struct {
		Chapter int   `json:"chapter"`
		Images  []int `json:"images"`
	} `json:"assignments"`
}

// ParseResponse reads the one-based JSON reply, tolerating code fences and
// surrounding prose. Indexes out of range are dropped; a reply with nothing
// usable is Malformed.
func ParseResponse(raw string, chapters, images int) AssignmentResponse {
	body := strings.TrimSpace(raw)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	start, end := strings.Index(body, "{"), strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return Malformed{Raw: raw, Reason: "no json object"}
	}
	var wr wireResponse
	if err := json.Unmarshal([]byte(body[start:end+1]), &wr); err != nil {
		return Malformed{Raw: raw, Reason: err.Error()}
	}
	out := Structured{Chapters: map[int][]int{}}
	for _, a := range wr.Assignments {
		ci := a.Chapter - 1
		if ci < 0 || ci >= chapters {
			continue
		}
		for _, n := range a.Images {
			if n-1 < 0 || n-1 >= images {
				continue
			}
			out.Chapters[ci] = append(out.Chapters[ci], n-1)
		}
	}
	if len(out.Chapters) == 0 {
		return Malformed{Raw: raw, Reason: "no usable assignments"}
	}
	return out
}

// apply turns a Structured reply into results, enforcing uniqueness and each
// chapter's cap.
func (s Structured) apply(cands []model.ImageCandidate, chapters []model.ChapterInfo, limits []int) []model.AssignmentResult {
	used := map[int]bool{}
	out := make([]model.AssignmentResult, len(chapters))
	for i, ch := range chapters {
		out[i] = model.AssignmentResult{ChapterID: ch.ID, ImageIDs: []string{}}
		limit := limitAt(limits, i)
		for _, idx := range s.Chapters[i] {
			if used[idx] || len(out[i].ImageIDs) >= limit {
				continue
			}
			used[idx] = true
			out[i].ImageIDs = append(out[i].ImageIDs, cands[idx].ID)
		}
	}
	return out
}

func limitAt(limits []int, i int) int {
	if i < len(limits) {
		return limits[i]
	}
	return 0
}
