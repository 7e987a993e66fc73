package compose

import (
	"context"
	"errors"
	"image"

	"reelcast/server/internal/model"
)

var ErrEncoderSetup = errors.New("encoder setup failed")

type EncodeSpec struct {
	Width    int
	Height   int
	FPS      int
	Duration float64
	// Audio is already fitted to Duration.
	Audio *model.AudioBuffer
}

// Encoder receives composed frames in order and muxes them with the audio
// track on Finish.
type Encoder interface {
	WriteFrame(frame *image.RGBA) error
	Finish() (model.MediaBlob, error)
	Abort()
}

type EncoderFactory interface {
	Start(ctx context.Context, spec EncodeSpec) (Encoder, error)
}
