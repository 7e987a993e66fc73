package compose

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
)

var backgroundColor = color.RGBA{R: 0x12, G: 0x14, B: 0x1c, A: 0xff}

func fillSolid(dst *image.RGBA) {
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: backgroundColor}, image.Point{}, draw.Src)
}

// coverFrame scales src to cover dst, cropping the overflow.
func coverFrame(dst *image.RGBA, src image.Image) {
	sb := src.Bounds()
	if sb.Dx() == dst.Bounds().Dx() && sb.Dy() == dst.Bounds().Dy() {
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
		return
	}
	db := dst.Bounds()
	scale := math.Max(float64(db.Dx())/float64(sb.Dx()), float64(db.Dy())/float64(sb.Dy()))
	w := int(math.Ceil(float64(sb.Dx()) * scale))
	h := int(math.Ceil(float64(sb.Dy()) * scale))
	r := image.Rect(0, 0, w, h).Add(image.Pt((db.Dx()-w)/2, (db.Dy()-h)/2))
	xdraw.ApproxBiLinear.Scale(dst, r, src, sb, draw.Src, nil)
}

// imageRect fits src inside the surface, scales it by zoom and centers it.
func imageRect(surface image.Rectangle, src image.Rectangle, zoom float64) image.Rectangle {
	fit := math.Min(float64(surface.Dx())/float64(src.Dx()), float64(surface.Dy())/float64(src.Dy()))
	fit *= zoom
	w := int(math.Round(float64(src.Dx()) * fit))
	h := int(math.Round(float64(src.Dy()) * fit))
	x := surface.Min.X + (surface.Dx()-w)/2
	y := surface.Min.Y + (surface.Dy()-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// imagePainter draws the selected image with zoom and opacity. It keeps one
// scratch buffer for translucent frames.
type imagePainter struct {
	scratch *image.RGBA
}

func (p *imagePainter) draw(dst *image.RGBA, src image.Image, zoom, opacity float64) {
	if src == nil || opacity <= 0 {
		return
	}
	r := imageRect(dst.Bounds(), src.Bounds(), zoom)
	if opacity >= 0.999 {
		xdraw.ApproxBiLinear.Scale(dst, r, src, src.Bounds(), draw.Over, nil)
		return
	}
	if p.scratch == nil || p.scratch.Bounds() != dst.Bounds() {
		p.scratch = image.NewRGBA(dst.Bounds())
	}
	clip := r.Intersect(dst.Bounds())
	draw.Draw(p.scratch, clip, image.Transparent, image.Point{}, draw.Src)
	xdraw.ApproxBiLinear.Scale(p.scratch, r, src, src.Bounds(), draw.Src, nil)
	mask := image.NewUniform(color.Alpha{A: uint8(math.Round(opacity * 255))})
	draw.DrawMask(dst, clip, p.scratch, clip.Min, mask, image.Point{}, draw.Over)
}
