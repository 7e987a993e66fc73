// Package audio decodes narration blobs into 16-bit PCM and writes them back
// out as WAV.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"

	"reelcast/server/internal/model"
)

const (
	DefaultSampleRate = 44100
	// wordsPerSecond approximates narration pace for silent fallbacks.
	wordsPerSecond = 2.5
)

var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Decode sniffs WAV or MP3 and returns interleaved 16-bit PCM.
func Decode(data []byte, contentType string) (*model.AudioBuffer, error) {
	switch {
	case isWAV(data) || strings.Contains(contentType, "wav"):
		return decodeWAV(data)
	case isMP3(data) || strings.Contains(contentType, "mpeg") || strings.Contains(contentType, "mp3"):
		return decodeMP3(data)
	default:
		return nil, ErrUnsupportedFormat
	}
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xff && data[1]&0xe0 == 0xe0
}

func decodeWAV(data []byte) (*model.AudioBuffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("audio: invalid wav: %w", ErrUnsupportedFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode wav: %w", err)
	}
	shift := buf.SourceBitDepth - 16
	out := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		switch {
		case shift > 0:
			s >>= shift
		case shift < 0:
			// 8-bit wav is unsigned
			s = (s - 128) << -shift
		}
		out[i] = clamp16(s)
	}
	return &model.AudioBuffer{
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
		Samples:    out,
	}, nil
}

func decodeMP3(data []byte) (*model.AudioBuffer, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("audio: open mp3: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("audio: decode mp3: %w", err)
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
	}
	// go-mp3 always yields 16-bit little-endian stereo.
	return &model.AudioBuffer{SampleRate: dec.SampleRate(), Channels: 2, Samples: samples}, nil
}

// Silence returns a mono buffer of the given length in seconds.
func Silence(seconds float64, sampleRate int) *model.AudioBuffer {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if seconds < 0 {
		seconds = 0
	}
	n := int(math.Ceil(seconds * float64(sampleRate)))
	return &model.AudioBuffer{SampleRate: sampleRate, Channels: 1, Samples: make([]int16, n)}
}

// EstimateSpeechDuration guesses how long text takes to read aloud.
func EstimateSpeechDuration(text string) float64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 1
	}
	return float64(words) / wordsPerSecond
}

// Fit pads with silence or truncates so the buffer lasts exactly seconds.
func Fit(buf *model.AudioBuffer, seconds float64) *model.AudioBuffer {
	if buf == nil {
		return Silence(seconds, DefaultSampleRate)
	}
	frames := int(math.Round(seconds * float64(buf.SampleRate)))
	want := frames * buf.Channels
	out := &model.AudioBuffer{SampleRate: buf.SampleRate, Channels: buf.Channels}
	if want <= len(buf.Samples) {
		out.Samples = append([]int16(nil), buf.Samples[:want]...)
		return out
	}
	out.Samples = make([]int16, want)
	copy(out.Samples, buf.Samples)
	return out
}

// EncodeWAV writes buf as 16-bit PCM WAV to w.
func EncodeWAV(w io.WriteSeeker, buf *model.AudioBuffer) error {
	enc := wav.NewEncoder(w, buf.SampleRate, 16, buf.Channels, 1)
	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: buf.Channels, SampleRate: buf.SampleRate},
		Data:           make([]int, len(buf.Samples)),
		SourceBitDepth: 16,
	}
	for i, s := range buf.Samples {
		ib.Data[i] = int(s)
	}
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("audio: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: close wav: %w", err)
	}
	return nil
}

func WriteWAVFile(path string, buf *model.AudioBuffer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %s: %w", path, err)
	}
	if err := EncodeWAV(f, buf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WAVBytes encodes buf into an in-memory WAV file.
func WAVBytes(buf *model.AudioBuffer) ([]byte, error) {
	ws := &seekBuffer{}
	if err := EncodeWAV(ws, buf); err != nil {
		return nil, err
	}
	return ws.buf, nil
}

func clamp16(v int) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
