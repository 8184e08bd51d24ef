package indicator

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io/fs"
	"os"
	"strings"
	"sync"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	badgeFill = color.RGBA{R: 0xe5, G: 0x39, B: 0x35, A: 0xff}
	badgeText = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// originalSuffix names the copy of an icon that is being badged in place.
const originalSuffix = ".orig"

// FaviconRenderer overlays the count on a PNG icon. The source icon is read
// once, on the first render that finds it, and every overlay is drawn from
// that pristine copy. Rendering zero writes the original bytes back
// unchanged. A missing source makes every call a no-op.
//
// When drawing onto the source itself, the original is kept next to it in
// <source>.orig while a badge is showing, so a process that exits without
// Reset leaves the next session a clean copy to start from.
type FaviconRenderer struct {
	source   string
	target   string
	original string

	mu       sync.Mutex
	captured bool
	saved    bool
	pristine []byte
	base     image.Image
	last     int
}

// NewFaviconRenderer draws onto target, or onto source itself when target
// is empty.
func NewFaviconRenderer(source, target string) *FaviconRenderer {
	source = strings.TrimSpace(source)
	target = strings.TrimSpace(target)
	if target == "" {
		target = source
	}
	f := &FaviconRenderer{source: source, target: target, last: -1}
	if source != "" && target == source {
		f.original = source + originalSuffix
	}
	return f
}

func (f *FaviconRenderer) Render(count int) error {
	if count < 0 {
		count = 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ok, err := f.captureLocked()
	if err != nil || !ok {
		return err
	}
	if count == f.last {
		return nil
	}
	if count == 0 {
		if err := writeFileAtomic(f.target, f.pristine, 0o644); err != nil {
			return err
		}
		f.last = 0
		return f.dropOriginalLocked()
	}
	data, err := overlayPNG(f.base, Label(count))
	if err != nil {
		return err
	}
	if err := f.keepOriginalLocked(); err != nil {
		return err
	}
	if err := writeFileAtomic(f.target, data, 0o644); err != nil {
		return err
	}
	f.last = count
	return nil
}

func (f *FaviconRenderer) keepOriginalLocked() error {
	if f.original == "" || f.saved {
		return nil
	}
	if err := writeFileAtomic(f.original, f.pristine, 0o644); err != nil {
		return err
	}
	f.saved = true
	return nil
}

func (f *FaviconRenderer) dropOriginalLocked() error {
	if f.original == "" {
		return nil
	}
	f.saved = false
	if err := os.Remove(f.original); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FaviconRenderer) Reset() error {
	return f.Render(0)
}

func (f *FaviconRenderer) captureLocked() (bool, error) {
	if f.captured {
		return true, nil
	}
	if f.source == "" {
		return false, nil
	}
	raw, err := f.readOriginal()
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return false, err
	}
	f.pristine = raw
	f.base = img
	f.captured = true
	return true, nil
}

// readOriginal prefers a copy left by an earlier session that never reset,
// since the source then still carries that session's badge.
func (f *FaviconRenderer) readOriginal() ([]byte, error) {
	if f.original != "" {
		raw, err := os.ReadFile(f.original)
		if err == nil {
			f.saved = true
			return raw, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return os.ReadFile(f.source)
}

func overlayPNG(base image.Image, label string) ([]byte, error) {
	bounds := base.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(canvas, canvas.Bounds(), base, bounds.Min, draw.Src)

	w, h := bounds.Dx(), bounds.Dy()
	size := w
	if h > size {
		size = h
	}
	radius := size * 3 / 10
	if radius < 4 {
		radius = 4
	}
	cx, cy := w-radius, radius
	fillCircle(canvas, cx, cy, radius, badgeFill)

	glyphs := renderLabel(label)
	box := fitInto(glyphs.Bounds(), radius*2*8/10)
	box = box.Add(image.Pt(cx-box.Dx()/2, cy-box.Dy()/2))
	xdraw.ApproxBiLinear.Scale(canvas, box, glyphs, glyphs.Bounds(), xdraw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fillCircle(dst *image.RGBA, cx, cy, r int, c color.RGBA) {
	r2 := r * r
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r2 && image.Pt(x, y).In(dst.Bounds()) {
				dst.SetRGBA(x, y, c)
			}
		}
	}
}

func renderLabel(label string) *image.RGBA {
	face := basicfont.Face7x13
	width := font.MeasureString(face, label).Ceil()
	img := image.NewRGBA(image.Rect(0, 0, width+2, face.Height))
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(badgeText),
		Face: face,
		Dot:  fixed.P(1, face.Ascent),
	}
	d.DrawString(label)
	return img
}

// fitInto scales r to fit a square of side limit, keeping its aspect ratio.
func fitInto(r image.Rectangle, limit int) image.Rectangle {
	if limit < 1 {
		limit = 1
	}
	w, h := r.Dx(), r.Dy()
	if w >= h {
		return image.Rect(0, 0, limit, max(1, h*limit/w))
	}
	return image.Rect(0, 0, max(1, w*limit/h), limit)
}
