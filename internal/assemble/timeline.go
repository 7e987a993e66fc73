package assemble

import (
	"math"

	"reelcast/server/internal/model"
)

const (
	fadeDuration = 0.5
	textInset    = 1.0
	zoomFrom     = 1.0
	zoomTo       = 1.1
)

// BuildTimeline derives the visual actions of one chapter. Image windows split
// the duration evenly and the last one closes exactly at duration; every entry
// lies within [0, duration].
func BuildTimeline(duration float64, images []model.ImageRef, text, backgroundVideo string) []model.TimelineEntry {
	if duration <= 0 {
		return nil
	}
	var tl []model.TimelineEntry

	if backgroundVideo != "" {
		tl = append(tl, model.TimelineEntry{
			Timestamp: 0,
			Action:    model.ActionShowVideo,
			Payload:   model.TimelinePayload{VideoURL: backgroundVideo},
			Duration:  duration,
		})
	}

	fade := math.Min(fadeDuration, duration)
	tl = append(tl, model.TimelineEntry{
		Timestamp: 0,
		Action:    model.ActionFadeIn,
		Payload:   model.TimelinePayload{From: 0, To: 1},
		Duration:  fade,
	})

	n := len(images)
	for i := 0; i < n; i++ {
		start := duration * float64(i) / float64(n)
		end := duration
		if i < n-1 {
			end = duration * float64(i+1) / float64(n)
		}
		tl = append(tl,
			model.TimelineEntry{
				Timestamp: start,
				Action:    model.ActionShowImage,
				Payload:   model.TimelinePayload{ImageIndex: i},
				Duration:  end - start,
			},
			model.TimelineEntry{
				Timestamp: start,
				Action:    model.ActionZoom,
				Payload:   model.TimelinePayload{ImageIndex: i, From: zoomFrom, To: zoomTo},
				Duration:  end - start,
			},
		)
	}

	if text != "" {
		start, end := textInset, duration-textInset
		if end <= start {
			start, end = 0, duration
		}
		tl = append(tl, model.TimelineEntry{
			Timestamp: start,
			Action:    model.ActionShowText,
			Payload:   model.TimelinePayload{Text: text},
			Duration:  end - start,
		})
	}

	tl = append(tl, model.TimelineEntry{
		Timestamp: duration - fade,
		Action:    model.ActionFadeOut,
		Payload:   model.TimelinePayload{From: 1, To: 0},
		Duration:  fade,
	})
	return tl
}
