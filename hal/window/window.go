//go:build cgo

// Package window shows the host framebuffer in a desktop window.
package window

import (
	"image"

	"kcore/hal"
	"kcore/internal/buildinfo"

	"github.com/hajimehoshi/ebiten/v2"
)

// Run starts a desktop window that displays the framebuffer of h.
// It blocks until the window closes or step fails.
func Run(h *hal.Host, newApp func(hal.HAL) func() error) error {
	step := newApp(h)

	w, ht := h.FrameSize()
	g := &game{h: h, step: step}
	ebiten.SetWindowTitle("kcore (" + buildinfo.Short() + ")")
	ebiten.SetWindowSize(w*2, ht*2)
	ebiten.SetTPS(60)
	return ebiten.RunGame(g)
}

type game struct {
	h     *hal.Host
	img   *image.RGBA
	fbImg *ebiten.Image
	frame uint64
	step  func() error
}

func (g *game) Update() error {
	g.h.Step()
	if g.step != nil {
		if err := g.step(); err != nil {
			return err
		}
	}
	return nil
}

func (g *game) Draw(screen *ebiten.Image) {
	w, h := g.h.FrameSize()
	if g.img == nil || g.img.Bounds().Dx() != w || g.img.Bounds().Dy() != h {
		g.img = image.NewRGBA(image.Rect(0, 0, w, h))
		if g.fbImg != nil {
			g.fbImg.Deallocate()
		}
		g.fbImg = ebiten.NewImage(w, h)
		g.frame = 0
	}

	if frame, ok := g.h.CopyFrameRGBA(g.img.Pix, g.frame); ok {
		g.frame = frame
		g.fbImg.WritePixels(g.img.Pix)
	}
	screen.DrawImage(g.fbImg, nil)
}

func (g *game) Layout(outsideWidth, outsideHeight int) (int, int) {
	return g.h.FrameSize()
}
