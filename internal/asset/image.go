package asset

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strconv"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

const (
	PlaceholderWidth  = 720
	PlaceholderHeight = 960
)

var placeholderPalette = []color.RGBA{
	{R: 0x2b, G: 0x4c, B: 0x7e, A: 0xff},
	{R: 0x56, G: 0x7e, B: 0x3a, A: 0xff},
	{R: 0x8a, G: 0x3b, B: 0x4f, A: 0xff},
	{R: 0x6b, G: 0x55, B: 0x8e, A: 0xff},
	{R: 0xa0, G: 0x6b, B: 0x2c, A: 0xff},
	{R: 0x2f, G: 0x7a, B: 0x7a, A: 0xff},
}

// DecodeImage decodes jpeg, png, gif or webp bytes.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("asset: decode image: %w", err)
	}
	return img, nil
}

// PlaceholderImage draws a solid color card labelled with index+1. The color is
// chosen from index so the same index always yields the same picture.
func PlaceholderImage(index, width, height int) *image.RGBA {
	if width <= 0 {
		width = PlaceholderWidth
	}
	if height <= 0 {
		height = PlaceholderHeight
	}
	if index < 0 {
		index = -index
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	bg := placeholderPalette[index%len(placeholderPalette)]
	draw.Draw(img, img.Bounds(), &image.Uniform{C: bg}, image.Point{}, draw.Src)

	label := strconv.Itoa(index + 1)
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.White, Face: face}
	adv := d.MeasureString(label)
	d.Dot = fixed.Point26_6{
		X: fixed.I(width/2) - adv/2,
		Y: fixed.I(height/2 + face.Ascent/2),
	}
	d.DrawString(label)
	return img
}

// PlaceholderDataURI returns a PNG placeholder as an inline data: URI so the
// result renders without network access.
func PlaceholderDataURI(index int) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, PlaceholderImage(index, PlaceholderWidth, PlaceholderHeight)); err != nil {
		return "", fmt.Errorf("asset: encode placeholder: %w", err)
	}
	return EncodeDataURI("image/png", buf.Bytes()), nil
}
