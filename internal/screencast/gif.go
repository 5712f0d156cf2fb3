package screencast

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"strings"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DefaultFrameDelay is the per-frame delay used when a frame has none.
const DefaultFrameDelay = 500 * time.Millisecond

// ErrNoFrames is returned when asked to encode an empty sequence.
var ErrNoFrames = errors.New("screencast: no frames")

var (
	captionBackground = color.RGBA{R: 0, G: 0, B: 0, A: 180}
	captionFace       = basicfont.Face7x13
)

const (
	captionPadding    = 6
	captionLineHeight = 15
)

// EncodeGIF writes frames as an animated GIF. Every frame is scaled to the
// size of the first one. defaultDelay applies to frames with no Delay.
func EncodeGIF(w io.Writer, frames []Frame, defaultDelay time.Duration) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	if defaultDelay <= 0 {
		defaultDelay = DefaultFrameDelay
	}

	anim := &gif.GIF{}
	var bounds image.Rectangle
	for i, f := range frames {
		src, _, err := image.Decode(bytes.NewReader(f.Buffer))
		if err != nil {
			return fmt.Errorf("decode frame %d: %w", i, err)
		}
		if i == 0 {
			bounds = image.Rect(0, 0, src.Bounds().Dx(), src.Bounds().Dy())
		}

		canvas := image.NewRGBA(bounds)
		if src.Bounds().Size() == bounds.Size() {
			draw.Draw(canvas, bounds, src, src.Bounds().Min, draw.Src)
		} else {
			draw.BiLinear.Scale(canvas, bounds, src, src.Bounds(), draw.Src, nil)
		}
		if f.Message != "" {
			drawCaption(canvas, f.Message)
		}

		paletted := image.NewPaletted(bounds, palette.Plan9)
		draw.FloydSteinberg.Draw(paletted, bounds, canvas, image.Point{})

		delay := f.Delay
		if delay <= 0 {
			delay = defaultDelay
		}
		anim.Image = append(anim.Image, paletted)
		anim.Delay = append(anim.Delay, int(delay/(10*time.Millisecond)))
	}

	if err := gif.EncodeAll(w, anim); err != nil {
		return fmt.Errorf("encode gif: %w", err)
	}
	return nil
}

// CaptionPNG decodes an image, draws message along its bottom edge and
// re-encodes it as PNG.
func CaptionPNG(data []byte, message string) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	b := src.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), src, b.Min, draw.Src)
	if message != "" {
		drawCaption(canvas, message)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}

func drawCaption(img *image.RGBA, message string) {
	b := img.Bounds()
	lines := wrap(message, (b.Dx()-2*captionPadding)/captionFace.Advance)
	if len(lines) == 0 {
		return
	}
	height := len(lines)*captionLineHeight + 2*captionPadding
	if height > b.Dy() {
		height = b.Dy()
	}
	bar := image.Rect(b.Min.X, b.Max.Y-height, b.Max.X, b.Max.Y)
	draw.Draw(img, bar, image.NewUniform(captionBackground), image.Point{}, draw.Over)

	d := &font.Drawer{Dst: img, Src: image.White, Face: captionFace}
	for i, line := range lines {
		y := bar.Min.Y + captionPadding + (i+1)*captionLineHeight - 3
		d.Dot = fixed.P(bar.Min.X+captionPadding, y)
		d.DrawString(line)
	}
}

// wrap splits s into lines of at most width runes, breaking on spaces where
// it can.
func wrap(s string, width int) []string {
	if width <= 0 {
		return nil
	}
	var lines []string
	for _, para := range strings.Split(s, "\n") {
		line := ""
		for _, word := range strings.Fields(para) {
			for len([]rune(word)) > width {
				r := []rune(word)
				if line != "" {
					lines = append(lines, line)
					line = ""
				}
				lines = append(lines, string(r[:width]))
				word = string(r[width:])
			}
			switch {
			case line == "":
				line = word
			case len([]rune(line))+1+len([]rune(word)) <= width:
				line += " " + word
			default:
				lines = append(lines, line)
				line = word
			}
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
