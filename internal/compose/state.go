package compose

import "reelcast/server/internal/model"

// frameState is what the timeline asks for at one instant. Image selection,
// zoom and opacity are values, not draw calls.
type frameState struct {
	ImageIndex int // -1 when no image is active
	Zoom       float64
	Opacity    float64
	Text       string
	VideoURL   string
}

// stateAt evaluates every entry active at t, applying them in a fixed order:
// video, image, zoom, fades, text.
func stateAt(tl []model.TimelineEntry, t, duration float64) frameState {
	st := frameState{ImageIndex: -1, Zoom: 1, Opacity: 1}

	for _, e := range tl {
		if e.Action == model.ActionShowVideo && e.ActiveAt(t, duration) {
			st.VideoURL = e.Payload.VideoURL
		}
	}
	for _, e := range tl {
		if e.Action == model.ActionShowImage && e.ActiveAt(t, duration) {
			st.ImageIndex = e.Payload.ImageIndex
		}
	}
	for _, e := range tl {
		if e.Action == model.ActionZoom && e.Payload.ImageIndex == st.ImageIndex {
			st.Zoom = lerpClamped(e, t)
		}
	}
	for _, e := range tl {
		switch e.Action {
		case model.ActionFadeIn, model.ActionFadeOut:
			st.Opacity *= lerpClamped(e, t)
		}
	}
	for _, e := range tl {
		if e.Action == model.ActionShowText && e.ActiveAt(t, duration) {
			st.Text = e.Payload.Text
		}
	}
	return st
}

// lerpClamped interpolates From to To across the entry's window and holds
// the end values outside it.
func lerpClamped(e model.TimelineEntry, t float64) float64 {
	from, to := e.Payload.From, e.Payload.To
	switch {
	case t <= e.Timestamp:
		return from
	case t >= e.End() || e.Duration <= 0:
		return to
	default:
		return from + (to-from)*(t-e.Timestamp)/e.Duration
	}
}
