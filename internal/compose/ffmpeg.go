package compose

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"reelcast/server/internal/audio"
	"reelcast/server/internal/model"
)

// FFmpegEncoder pipes raw RGBA frames into ffmpeg and muxes H.264 video with
// AAC narration into a faststart MP4.
type FFmpegEncoder struct {
	Binary  string
	WorkDir string
}

func (f FFmpegEncoder) Start(ctx context.Context, spec EncodeSpec) (Encoder, error) {
	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", ErrEncoderSetup, bin, err)
	}
	dir, err := os.MkdirTemp(f.WorkDir, "reelcast-render-*")
	if err != nil {
		return nil, fmt.Errorf("%w: temp dir: %v", ErrEncoderSetup, err)
	}
	audioPath := filepath.Join(dir, "narration.wav")
	if err := audio.WriteWAVFile(audioPath, spec.Audio); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %v", ErrEncoderSetup, err)
	}
	outPath := filepath.Join(dir, "chapter.mp4")

	cmd := exec.CommandContext(ctx, bin, "-y",
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-r", strconv.Itoa(spec.FPS),
		"-i", "-",
		"-i", audioPath,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-shortest",
		"-movflags", "+faststart",
		outPath,
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: stdin: %v", ErrEncoderSetup, err)
	}
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrEncoderSetup, err)
	}
	return &ffmpegSession{cmd: cmd, stdin: stdin, stderr: &stderr, dir: dir, out: outPath, duration: spec.Duration}, nil
}

type ffmpegSession struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stderr   *strings.Builder
	dir      string
	out      string
	duration float64
}

func (s *ffmpegSession) WriteFrame(frame *image.RGBA) error {
	if _, err := s.stdin.Write(frame.Pix); err != nil {
		return fmt.Errorf("ffmpeg write frame: %w: %s", err, strings.TrimSpace(s.stderr.String()))
	}
	return nil
}

func (s *ffmpegSession) Finish() (model.MediaBlob, error) {
	defer os.RemoveAll(s.dir)
	if err := s.stdin.Close(); err != nil {
		return model.MediaBlob{}, fmt.Errorf("ffmpeg close stdin: %w", err)
	}
	if err := s.cmd.Wait(); err != nil {
		return model.MediaBlob{}, fmt.Errorf("ffmpeg encode: %w: %s", err, strings.TrimSpace(s.stderr.String()))
	}
	data, err := os.ReadFile(s.out)
	if err != nil {
		return model.MediaBlob{}, fmt.Errorf("ffmpeg read output: %w", err)
	}
	return model.MediaBlob{Data: data, ContentType: "video/mp4", Extension: "mp4", Duration: s.duration}, nil
}

func (s *ffmpegSession) Abort() {
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	os.RemoveAll(s.dir)
}
