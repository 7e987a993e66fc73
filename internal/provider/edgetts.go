package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// EdgeTTS shells out to the edge-tts command line tool.
type EdgeTTS struct {
	binary       string
	defaultVoice string
	workDir      string
}

func NewEdgeTTS(binary, defaultVoice, workDir string) *EdgeTTS {
	if binary == "" {
		binary = "edge-tts"
	}
	if defaultVoice == "" {
		defaultVoice = "en-US-GuyNeural"
	}
	return &EdgeTTS{binary: binary, defaultVoice: defaultVoice, workDir: workDir}
}

func (e *EdgeTTS) Name() string { return "edge-tts" }

func (e *EdgeTTS) Synthesize(ctx context.Context, text, voice string) (AudioBlob, error) {
	if _, err := exec.LookPath(e.binary); err != nil {
		return AudioBlob{}, configError("edge-tts", fmt.Sprintf("%s not found: %v", e.binary, err))
	}
	if voice == "" {
		voice = e.defaultVoice
	}
	dir, err := os.MkdirTemp(e.workDir, "reelcast-tts-*")
	if err != nil {
		return AudioBlob{}, fmt.Errorf("edge-tts: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	out := filepath.Join(dir, "speech.mp3")

	var stderr strings.Builder
	cmd := exec.CommandContext(ctx, e.binary,
		"--voice", voice,
		"--text", text,
		"--write-media", out,
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return AudioBlob{}, &Error{
			Category:        "tts",
			Code:            "EDGE_TTS_FAILED",
			Retryable:       true,
			UserMessage:     "speech synthesis failed",
			InternalMessage: fmt.Sprintf("%v: %s", err, strings.TrimSpace(stderr.String())),
		}
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return AudioBlob{}, fmt.Errorf("edge-tts: read output: %w", err)
	}
	return AudioBlob{Data: data, ContentType: "audio/mpeg"}, nil
}
