package phantom

import (
	"image"
	"image/color"

	"github.com/suyashkumar/dicom/pkg/frame"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// burnLabel writes text into the top-left corner of a uint16 frame using
// the given stored value. The text is scaled so it stays readable on small
// phantom slices.
func burnLabel(nativeFrame *frame.NativeFrame[uint16], width, height int, text string, value uint16) {
	if text == "" {
		return
	}

	// Render text at base size
	face := basicfont.Face7x13
	baseTextWidth := font.MeasureString(face, text).Ceil()
	baseTextHeight := 13

	textImg := image.NewRGBA(image.Rect(0, 0, baseTextWidth, baseTextHeight))
	drawer := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(color.RGBA{255, 255, 255, 255}),
		Face: face,
		Dot:  fixed.Point26_6{Y: fixed.I(11)},
	}
	drawer.DrawString(text)

	// Scale to a quarter of the slice width, at least 1x
	scaleFactor := float64(width) * 0.25 / float64(baseTextWidth)
	if scaleFactor < 1.0 {
		scaleFactor = 1.0
	}
	scaledWidth := int(float64(baseTextWidth) * scaleFactor)
	scaledHeight := int(float64(baseTextHeight) * scaleFactor)

	scaledTextImg := image.NewRGBA(image.Rect(0, 0, scaledWidth, scaledHeight))
	draw.BiLinear.Scale(scaledTextImg, scaledTextImg.Bounds(), textImg, textImg.Bounds(), draw.Over, nil)

	margin := max(2, width/64)
	for sy := 0; sy < scaledHeight; sy++ {
		for sx := 0; sx < scaledWidth; sx++ {
			_, _, _, a := scaledTextImg.At(sx, sy).RGBA()
			if a < 0x8000 {
				continue
			}
			destX := margin + sx
			destY := margin + sy
			if destX < width && destY < height {
				nativeFrame.RawData[destY*width+destX] = value
			}
		}
	}
}
