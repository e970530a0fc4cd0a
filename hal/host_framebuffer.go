package hal

import "sync"

// hostFramebuffer is drawn into through Buffer and published by Present: the
// window only ever shows presented frames.
type hostFramebuffer struct {
	width  int
	height int
	back   []byte

	mu    sync.Mutex
	front []byte
	frame uint64
}

func newHostFramebuffer(width, height int) *hostFramebuffer {
	return &hostFramebuffer{
		width:  width,
		height: height,
		back:   make([]byte, width*height*2),
		front:  make([]byte, width*height*2),
	}
}

func (f *hostFramebuffer) Width() int          { return f.width }
func (f *hostFramebuffer) Height() int         { return f.height }
func (f *hostFramebuffer) Format() PixelFormat { return PixelFormatRGB565 }
func (f *hostFramebuffer) StrideBytes() int    { return f.width * 2 }
func (f *hostFramebuffer) Buffer() []byte      { return f.back }

func (f *hostFramebuffer) ClearRGB(r, g, b uint8) {
	p := uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3)
	for i := 0; i+1 < len(f.back); i += 2 {
		f.back[i] = byte(p)
		f.back[i+1] = byte(p >> 8)
	}
}

func (f *hostFramebuffer) Present() error {
	f.mu.Lock()
	copy(f.front, f.back)
	f.frame++
	f.mu.Unlock()
	return nil
}

// copyRGBA expands the last presented frame into dst as 8-bit RGBA if it is
// newer than seen. It returns the frame number dst now holds.
func (f *hostFramebuffer) copyRGBA(dst []byte, seen uint64) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frame == seen {
		return seen, false
	}
	for i, j := 0, 0; i+1 < len(f.front) && j+3 < len(dst); i, j = i+2, j+4 {
		p := uint16(f.front[i]) | uint16(f.front[i+1])<<8
		dst[j+0] = uint8(uint32(p>>11&0x1F) * 255 / 31)
		dst[j+1] = uint8(uint32(p>>5&0x3F) * 255 / 63)
		dst[j+2] = uint8(uint32(p&0x1F) * 255 / 31)
		dst[j+3] = 0xFF
	}
	return f.frame, true
}
