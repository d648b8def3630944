// Package clockface draws the time and date on a small pixel display.
package clockface

import (
	"image/color"
	"time"

	"tinygo.org/x/tinyfont"
)

// Displayer is a pixel display, as implemented by the tinygo display drivers.
type Displayer interface {
	Size() (x, y int16)
	SetPixel(x, y int16, c color.RGBA)
	Display() error
}

var font = &tinyfont.TomThumb

// Draw writes t as two centred lines, the time above the date, and then flushes the display.
// It doesn't clear the display first.
func Draw(d Displayer, t time.Time, c color.RGBA) error {
	w, h := d.Size()
	lines := [2]string{t.Format("15:04:05"), t.Format("2006-01-02")}
	adv := int16(font.YAdvance)

	// y is the baseline of each line
	y := (h-2*adv)/2 + adv
	for _, s := range lines {
		_, outbox := tinyfont.LineWidth(font, s)
		x := (w - int16(outbox)) / 2
		if x < 0 {
			x = 0
		}
		tinyfont.WriteLine(d, font, x, y, s, c)
		y += adv
	}
	return d.Display()
}
