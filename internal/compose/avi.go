package compose

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"reelcast/server/internal/model"
)

// AVIEncoder writes an AVI container with an MJPEG video stream and an
// interleaved 16-bit PCM audio stream. It needs no external tools.
type AVIEncoder struct {
	Quality int
}

func (a AVIEncoder) Start(ctx context.Context, spec EncodeSpec) (Encoder, error) {
	if spec.Width <= 0 || spec.Height <= 0 || spec.FPS <= 0 {
		return nil, fmt.Errorf("%w: bad surface %dx%d@%d", ErrEncoderSetup, spec.Width, spec.Height, spec.FPS)
	}
	if spec.Audio == nil || spec.Audio.SampleRate <= 0 || spec.Audio.Channels <= 0 {
		return nil, fmt.Errorf("%w: missing audio track", ErrEncoderSetup)
	}
	q := a.Quality
	if q <= 0 {
		q = 85
	}
	return &aviSession{spec: spec, quality: q}, nil
}

type aviSession struct {
	spec    EncodeSpec
	quality int
	frames  [][]byte
	maxJPEG int
	buf     bytes.Buffer
}

func (s *aviSession) WriteFrame(frame *image.RGBA) error {
	s.buf.Reset()
	if err := jpeg.Encode(&s.buf, frame, &jpeg.Options{Quality: s.quality}); err != nil {
		return fmt.Errorf("encode JPEG frame: %w", err)
	}
	data := append([]byte(nil), s.buf.Bytes()...)
	s.frames = append(s.frames, data)
	s.maxJPEG = max(s.maxJPEG, len(data))
	return nil
}

func (s *aviSession) Abort() { s.frames = nil }

func (s *aviSession) Finish() (model.MediaBlob, error) {
	var out bytes.Buffer
	if err := s.writeTo(&out); err != nil {
		return model.MediaBlob{}, err
	}
	return model.MediaBlob{Data: out.Bytes(), ContentType: "video/x-msvideo", Extension: "avi", Duration: s.spec.Duration}, nil
}

// audioChunks splits the PCM samples so each video frame is followed by the
// audio that plays during it.
func (s *aviSession) audioChunks() [][]byte {
	a := s.spec.Audio
	n := len(s.frames)
	chunks := make([][]byte, n)
	frames := len(a.Samples) / a.Channels
	start := 0
	for i := 0; i < n; i++ {
		end := frames * (i + 1) / n
		pcm := make([]byte, (end-start)*a.Channels*2)
		for j, smp := range a.Samples[start*a.Channels : end*a.Channels] {
			binary.LittleEndian.PutUint16(pcm[2*j:], uint16(smp))
		}
		chunks[i] = pcm
		start = end
	}
	return chunks
}

func padded(n int) uint32 {
	return uint32(n + n%2)
}

func (s *aviSession) writeTo(w io.Writer) error {
	if len(s.frames) == 0 {
		return fmt.Errorf("write AVI: no frames")
	}
	a := s.spec.Audio
	audio := s.audioChunks()

	width, height := uint32(s.spec.Width), uint32(s.spec.Height)
	fps := uint32(s.spec.FPS)
	nFrames := uint32(len(s.frames))
	blockAlign := uint32(a.Channels * 2)
	byteRate := uint32(a.SampleRate) * blockAlign
	audioBlocks := uint32(len(a.Samples) / a.Channels)

	var maxAudio int
	moviSize := uint32(4)
	for i := range s.frames {
		moviSize += 8 + padded(len(s.frames[i]))
		moviSize += 8 + padded(len(audio[i]))
		maxAudio = max(maxAudio, len(audio[i]))
	}
	const (
		avihSize    = 56
		strhSize    = 56
		vidStrfSize = 40
		audStrfSize = 16
	)
	vidStrl := uint32(4 + (8 + strhSize) + (8 + vidStrfSize))
	audStrl := uint32(4 + (8 + strhSize) + (8 + audStrfSize))
	hdrlSize := 4 + (8 + avihSize) + (8 + vidStrl) + (8 + audStrl)
	idx1Size := 8 + 2*nFrames*16
	fileSize := 4 + (8 + hdrlSize) + (8 + moviSize) + idx1Size

	bw := &binaryWriter{w: w}

	bw.fourCC("RIFF")
	bw.u32(fileSize)
	bw.fourCC("AVI ")

	bw.fourCC("LIST")
	bw.u32(hdrlSize)
	bw.fourCC("hdrl")

	bw.fourCC("avih")
	bw.u32(avihSize)
	bw.u32(1_000_000 / fps)
	bw.u32(uint32(s.maxJPEG)*fps + byteRate)
	bw.u32(0)
	bw.u32(0x10) // AVIF_HASINDEX
	bw.u32(nFrames)
	bw.u32(0)
	bw.u32(2) // streams
	bw.u32(uint32(s.maxJPEG + maxAudio))
	bw.u32(width)
	bw.u32(height)
	bw.u32(0)
	bw.u32(0)
	bw.u32(0)
	bw.u32(0)

	// video stream
	bw.fourCC("LIST")
	bw.u32(vidStrl)
	bw.fourCC("strl")
	bw.fourCC("strh")
	bw.u32(strhSize)
	bw.fourCC("vids")
	bw.fourCC("MJPG")
	bw.u32(0)
	bw.u16(0)
	bw.u16(0)
	bw.u32(0)
	bw.u32(1)
	bw.u32(fps)
	bw.u32(0)
	bw.u32(nFrames)
	bw.u32(uint32(s.maxJPEG))
	bw.u32(0xffffffff)
	bw.u32(0)
	bw.u16(0)
	bw.u16(0)
	bw.u16(uint16(width))
	bw.u16(uint16(height))
	bw.fourCC("strf")
	bw.u32(vidStrfSize)
	bw.u32(vidStrfSize)
	bw.u32(width)
	bw.u32(height)
	bw.u16(1)
	bw.u16(24)
	bw.fourCC("MJPG")
	bw.u32(width * height * 3)
	bw.u32(0)
	bw.u32(0)
	bw.u32(0)
	bw.u32(0)

	// audio stream
	bw.fourCC("LIST")
	bw.u32(audStrl)
	bw.fourCC("strl")
	bw.fourCC("strh")
	bw.u32(strhSize)
	bw.fourCC("auds")
	bw.u32(0)
	bw.u32(0)
	bw.u16(0)
	bw.u16(0)
	bw.u32(0)
	bw.u32(blockAlign)
	bw.u32(byteRate)
	bw.u32(0)
	bw.u32(audioBlocks)
	bw.u32(uint32(maxAudio))
	bw.u32(0xffffffff)
	bw.u32(blockAlign)
	bw.u16(0)
	bw.u16(0)
	bw.u16(0)
	bw.u16(0)
	bw.fourCC("strf")
	bw.u32(audStrfSize)
	bw.u16(1) // WAVE_FORMAT_PCM
	bw.u16(uint16(a.Channels))
	bw.u32(uint32(a.SampleRate))
	bw.u32(byteRate)
	bw.u16(uint16(blockAlign))
	bw.u16(16)

	bw.fourCC("LIST")
	bw.u32(moviSize)
	bw.fourCC("movi")

	type indexEntry struct {
		id     string
		offset uint32
		size   uint32
	}
	index := make([]indexEntry, 0, 2*len(s.frames))
	offset := uint32(4)
	chunk := func(id string, data []byte) {
		bw.fourCC(id)
		bw.u32(uint32(len(data)))
		bw.bytes(data)
		if len(data)%2 != 0 {
			bw.bytes([]byte{0})
		}
		index = append(index, indexEntry{id: id, offset: offset, size: uint32(len(data))})
		offset += 8 + padded(len(data))
	}
	for i := range s.frames {
		chunk("00dc", s.frames[i])
		chunk("01wb", audio[i])
	}

	bw.fourCC("idx1")
	bw.u32(uint32(len(index)) * 16)
	for _, e := range index {
		bw.fourCC(e.id)
		bw.u32(0x10) // AVIIF_KEYFRAME
		bw.u32(e.offset)
		bw.u32(e.size)
	}

	if bw.err != nil {
		return fmt.Errorf("write AVI: %w", bw.err)
	}
	return nil
}

// binaryWriter keeps the first write error so the header code stays linear.
type binaryWriter struct {
	w   io.Writer
	err error
}

func (bw *binaryWriter) fourCC(s string) {
	if bw.err != nil {
		return
	}
	_, bw.err = bw.w.Write([]byte(s))
}

func (bw *binaryWriter) u32(v uint32) {
	if bw.err != nil {
		return
	}
	bw.err = binary.Write(bw.w, binary.LittleEndian, v)
}

func (bw *binaryWriter) u16(v uint16) {
	if bw.err != nil {
		return
	}
	bw.err = binary.Write(bw.w, binary.LittleEndian, v)
}

func (bw *binaryWriter) bytes(data []byte) {
	if bw.err != nil {
		return
	}
	_, bw.err = bw.w.Write(data)
}
