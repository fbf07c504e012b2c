// Package canvas holds the authoritative raster state of a room: a fixed
// stack of RGBA layers, the patch/clip rules for mutating them, the
// alpha-compositing flatten, and the PNG snapshot codec.
//
// None of the types here lock. All mutation runs on the engine goroutine
// that owns the room state; slow work (encoding) operates on copies taken
// inside that goroutine and re-validates against the layer revision before
// installing results (see Revision).
package canvas

import "fmt"

const bytesPerPixel = 4 // RGBA

// Layer is one raster plane. The pixel buffer is allocated once and keeps
// its length for the layer's lifetime; a freshly created layer is fully
// transparent. The encoded-snapshot cache, when present, always corresponds
// to the current buffer contents: every mutation advances the revision,
// which implicitly invalidates the cache.
type Layer struct {
	index  int
	width  int
	height int
	pix    []byte

	rev      uint64
	cache    []byte
	cacheRev uint64

	changeFns []func(*Layer)
	updateFns []func(*Layer)
}

// NewLayer returns a transparent layer of the given dimensions.
func NewLayer(index, width, height int) *Layer {
	return &Layer{
		index:  index,
		width:  width,
		height: height,
		pix:    make([]byte, width*height*bytesPerPixel),
		rev:    1,
	}
}

func (l *Layer) Index() int  { return l.index }
func (l *Layer) Width() int  { return l.width }
func (l *Layer) Height() int { return l.height }

// Revision identifies the current buffer contents. It advances on every
// mutation; callers that copy the buffer out for encoding pass the revision
// back to SetCache so stale results are discarded instead of cached.
func (l *Layer) Revision() uint64 { return l.rev }

// Pix exposes the live pixel buffer. Engine-goroutine use only.
func (l *Layer) Pix() []byte { return l.pix }

// CopyPix returns a snapshot of the pixel buffer safe to hand to another
// goroutine.
func (l *Layer) CopyPix() []byte {
	out := make([]byte, len(l.pix))
	copy(out, l.pix)
	return out
}

// Write copies a pw×ph RGBA patch into the layer at (x, y), clipped to the
// layer bounds. Pixels are copied verbatim, alpha included: paint is
// authoritative per pixel, which is also how erasing works (zero-alpha
// pixels). Out-of-range rows and columns of the patch are ignored; pixels
// outside the clipped rectangle are untouched.
func (l *Layer) Write(patch []byte, x, y, pw, ph int) {
	if pw <= 0 || ph <= 0 || x >= l.width || y >= l.height {
		return
	}
	if len(patch) < pw*ph*bytesPerPixel {
		return
	}
	cw := pw
	if x+cw > l.width {
		cw = l.width - x
	}
	ch := ph
	if y+ch > l.height {
		ch = l.height - y
	}
	for row := 0; row < ch; row++ {
		src := patch[row*pw*bytesPerPixel : (row*pw+cw)*bytesPerPixel]
		dstOff := ((y+row)*l.width + x) * bytesPerPixel
		copy(l.pix[dstOff:dstOff+cw*bytesPerPixel], src)
	}
	l.rev++
}

// Replace swaps in a whole buffer, as when a persisted snapshot is restored.
func (l *Layer) Replace(pix []byte) error {
	if len(pix) != len(l.pix) {
		return fmt.Errorf("canvas: layer %d buffer size %d, want %d", l.index, len(pix), len(l.pix))
	}
	copy(l.pix, pix)
	l.rev++
	return nil
}

// Cached returns the encoded snapshot if one exists for the current buffer.
func (l *Layer) Cached() ([]byte, bool) {
	if l.cache != nil && l.cacheRev == l.rev {
		return l.cache, true
	}
	return nil, false
}

// SetCache installs an encoded snapshot produced from the buffer at revision
// rev. It reports whether the cache was installed; a false return means the
// buffer moved on while the encoder ran and the result was discarded.
func (l *Layer) SetCache(encoded []byte, rev uint64) bool {
	if rev != l.rev {
		return false
	}
	l.cache = encoded
	l.cacheRev = rev
	return true
}

// OnChange registers an observer for authoritative local edits. Change is
// the signal that drives persistence.
func (l *Layer) OnChange(fn func(*Layer)) {
	l.changeFns = append(l.changeFns, fn)
}

// OnUpdate registers an observer for edits replicated from peer servers.
// Updates keep the raster coherent but must not trigger persistence; the
// originating server owns the write-back.
func (l *Layer) OnUpdate(fn func(*Layer)) {
	l.updateFns = append(l.updateFns, fn)
}

// EmitChange fires the change observers.
func (l *Layer) EmitChange() {
	for _, fn := range l.changeFns {
		fn(l)
	}
}

// EmitUpdate fires the update observers.
func (l *Layer) EmitUpdate() {
	for _, fn := range l.updateFns {
		fn(l)
	}
}
