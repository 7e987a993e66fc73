package compose

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// VideoSource yields decoded background frames in order.
type VideoSource interface {
	// Next returns the next frame, or ok=false once the stream is exhausted.
	Next() (frame *image.RGBA, ok bool)
	Close() error
}

// VideoOpener decodes clip bytes that were already fetched through the
// asset loader.
type VideoOpener interface {
	Open(ctx context.Context, clip []byte, width, height, fps int) (VideoSource, error)
}

// FFmpegVideoOpener decodes a stock clip into raw RGBA frames, scaled and
// cropped to the surface. The clip is spooled to WorkDir because
// -stream_loop needs a seekable input.
type FFmpegVideoOpener struct {
	Binary  string
	WorkDir string
}

func (o FFmpegVideoOpener) Open(ctx context.Context, clip []byte, width, height, fps int) (VideoSource, error) {
	if len(clip) == 0 {
		return nil, errors.New("background video: empty clip")
	}
	bin := o.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	tmp, err := os.CreateTemp(o.WorkDir, "reelcast-bg-*")
	if err != nil {
		return nil, fmt.Errorf("background video: spool: %w", err)
	}
	path := tmp.Name()
	if _, err := tmp.Write(clip); err != nil {
		tmp.Close()
		os.Remove(path)
		return nil, fmt.Errorf("background video: spool: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("background video: spool: %w", err)
	}
	filter := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d", width, height, width, height)
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-stream_loop", "-1",
		"-i", path,
		"-vf", filter,
		"-r", strconv.Itoa(fps),
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("background video: stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("background video: start: %w", err)
	}
	return &ffmpegSource{
		cmd:    cmd,
		path:   path,
		r:      bufio.NewReaderSize(stdout, width*height*4),
		width:  width,
		height: height,
	}, nil
}

type ffmpegSource struct {
	cmd    *exec.Cmd
	path   string
	r      *bufio.Reader
	width  int
	height int
	done   bool
	once   sync.Once
}

func (s *ffmpegSource) Next() (*image.RGBA, bool) {
	if s.done {
		return nil, false
	}
	frame := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	if _, err := io.ReadFull(s.r, frame.Pix); err != nil {
		s.done = true
		return nil, false
	}
	return frame, true
}

func (s *ffmpegSource) Close() error {
	var err error
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		werr := s.cmd.Wait()
		var exitErr *exec.ExitError
		if werr != nil && !errors.As(werr, &exitErr) {
			err = werr
		}
		_ = os.Remove(s.path)
	})
	return err
}
