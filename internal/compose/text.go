package compose

import (
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

var (
	fontOnce sync.Once
	fontData *opentype.Font
	fontErr  error
)

func loadFont() (*opentype.Font, error) {
	fontOnce.Do(func() {
		fontData, fontErr = opentype.Parse(gobold.TTF)
	})
	return fontData, fontErr
}

// textLayer renders narration once into a transparent overlay, wrapped to
// the surface width with a dark outline.
type textLayer struct {
	text string
	img  *image.RGBA
}

func newTextLayer(text string, width, height int) (*textLayer, error) {
	f, err := loadFont()
	if err != nil {
		return nil, err
	}
	size := float64(width) / 18
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, err
	}
	defer face.Close()

	margin := width / 15
	lines := wrapText(face, text, width-2*margin)
	const maxLines = 6
	if len(lines) > maxLines {
		lines = lines[:maxLines]
		lines[maxLines-1] = strings.TrimRight(lines[maxLines-1], " .,;") + "..."
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	metrics := face.Metrics()
	lineHeight := (metrics.Ascent + metrics.Descent).Ceil() + int(size/4)
	top := height*7/10 - len(lines)*lineHeight/2

	outline := max(2, int(size/14))
	for i, line := range lines {
		adv := font.MeasureString(face, line)
		x := fixed.I(width/2) - adv/2
		y := fixed.I(top + i*lineHeight + metrics.Ascent.Ceil())
		d := &font.Drawer{Dst: img, Src: image.NewUniform(color.RGBA{A: 0xff}), Face: face}
		for dx := -outline; dx <= outline; dx++ {
			for dy := -outline; dy <= outline; dy++ {
				if dx == 0 && dy == 0 {
					continue
				}
				d.Dot = fixed.Point26_6{X: x + fixed.I(dx), Y: y + fixed.I(dy)}
				d.DrawString(line)
			}
		}
		d.Src = image.White
		d.Dot = fixed.Point26_6{X: x, Y: y}
		d.DrawString(line)
	}
	return &textLayer{text: text, img: img}, nil
}

func (l *textLayer) drawOn(dst *image.RGBA) {
	draw.Draw(dst, dst.Bounds(), l.img, image.Point{}, draw.Over)
}

// wrapText breaks text into lines no wider than maxWidth pixels. A single
// word wider than the line stays on its own line.
func wrapText(face font.Face, text string, maxWidth int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	limit := fixed.I(maxWidth)
	var lines []string
	line := words[0]
	for _, w := range words[1:] {
		candidate := line + " " + w
		if font.MeasureString(face, candidate) <= limit {
			line = candidate
			continue
		}
		lines = append(lines, line)
		line = w
	}
	return append(lines, line)
}
