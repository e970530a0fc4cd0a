// Package console renders kernel state as rows of text on a framebuffer.
package console

import (
	"fmt"
	"image/color"
	"strings"
	"sync"
	"unicode/utf8"

	"kcore/hal"
	"kcore/kern/kernel"

	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
)

var (
	fgColor     = color.RGBA{R: 0xd0, G: 0xd0, B: 0xd0, A: 0xff}
	titleColor  = color.RGBA{R: 0xff, G: 0xff, B: 0x60, A: 0xff}
	bgColor     = color.RGBA{R: 0x10, G: 0x10, B: 0x20, A: 0xff}
	haltFgColor = color.RGBA{R: 0, G: 0, B: 0, A: 0xff}
)

// Console is a fixed grid of text rows. Draw replaces the whole screen.
type Console struct {
	mu sync.Mutex
	d  *fbDisplay

	font       tinyfont.Fonter
	fontWidth  int16
	fontHeight int16
	fontOffset int16
}

// New returns a console drawing into fb, or nil when there is nothing to
// draw into.
func New(fb hal.Framebuffer) *Console {
	if fb == nil || fb.Format() != hal.PixelFormatRGB565 {
		return nil
	}
	c := &Console{d: &fbDisplay{fb: fb}, font: &proggy.TinySZ8pt7b}
	c.fontHeight = int16(c.font.GetYAdvance())
	c.fontOffset = c.fontHeight * 3 / 4
	_, outboxWidth := tinyfont.LineWidth(c.font, "0")
	c.fontWidth = int16(outboxWidth)
	if c.fontWidth <= 0 {
		c.fontWidth = 6
	}
	if c.fontHeight <= 0 {
		c.fontHeight, c.fontOffset = 8, 7
	}
	return c
}

// Rows returns the number of text rows that fit.
func (c *Console) Rows() int {
	return c.d.fb.Height() / int(c.fontHeight)
}

// Cols returns the number of characters that fit in a row.
func (c *Console) Cols() int {
	return c.d.fb.Width() / int(c.fontWidth)
}

// Draw clears the screen and writes title followed by lines, one per row.
// Rows that do not fit are dropped; long lines are cut.
func (c *Console) Draw(title string, lines []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.d.fillRows(0, c.d.fb.Height(), bgColor)
	rows, cols := c.Rows(), c.Cols()
	row := 0
	if title != "" && row < rows {
		c.drawRow(row, cut(title, cols), titleColor)
		row++
	}
	for _, line := range lines {
		if row >= rows {
			break
		}
		c.drawRow(row, cut(line, cols), fgColor)
		row++
	}
	return c.d.Display()
}

// DrawSnapshot shows a scheduler dump.
func (c *Console) DrawSnapshot(title string, s kernel.Snapshot) error {
	return c.Draw(title, s.Lines())
}

func (c *Console) drawRow(row int, s string, fg color.RGBA) {
	y := int16(row)*c.fontHeight + c.fontOffset
	tinyfont.WriteLine(c.d, c.font, 0, y, s, fg)
}

// DrawHalt paints the halt screen: a white page with the halt reason and the
// stack, wrapped to the screen width.
func (c *Console) DrawHalt(info kernel.PanicInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.d.fb.ClearRGB(255, 255, 255)
	rows, cols := c.Rows(), c.Cols()

	row := 0
	for _, line := range HaltLines(info) {
		for len(line) > 0 {
			if row >= rows {
				return c.d.Display()
			}
			chunk, rest := takeRunes(line, cols)
			c.drawRow(row, chunk, haltFgColor)
			row++
			line = strings.TrimLeft(rest, " \t")
		}
	}
	return c.d.Display()
}

// HaltLines formats a halt report.
func HaltLines(info kernel.PanicInfo) []string {
	lines := []string{
		"kcore halt:",
		fmt.Sprintf("core: %d", info.Core),
		fmt.Sprintf("thread: %d", info.Thread),
		fmt.Sprintf("reason: %v", info.Value),
	}
	if len(info.Stack) == 0 {
		return append(lines, "stack: unavailable")
	}
	lines = append(lines, "stack:")
	for _, line := range strings.Split(string(info.Stack), "\n") {
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func cut(s string, n int) string {
	prefix, _ := takeRunes(s, n)
	return prefix
}

func takeRunes(s string, n int) (prefix, rest string) {
	if n <= 0 || s == "" {
		return "", s
	}
	if len(s) <= n {
		return s, ""
	}
	i, count := 0, 0
	for i < len(s) && count < n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		count++
	}
	return s[:i], s[i:]
}
