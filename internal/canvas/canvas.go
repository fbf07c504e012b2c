package canvas

// Canvas is the ordered stack of layers making up one room's raster. The
// dimensions and layer count are fixed at construction.
type Canvas struct {
	width  int
	height int
	layers []*Layer
}

// New builds a canvas of layerCount transparent layers.
func New(width, height, layerCount int) *Canvas {
	layers := make([]*Layer, layerCount)
	for i := range layers {
		layers[i] = NewLayer(i, width, height)
	}
	return &Canvas{width: width, height: height, layers: layers}
}

func (c *Canvas) Width() int      { return c.width }
func (c *Canvas) Height() int     { return c.height }
func (c *Canvas) LayerCount() int { return len(c.layers) }

// Layer returns the n-th layer, or false when n is out of range.
func (c *Canvas) Layer(n int) (*Layer, bool) {
	if n < 0 || n >= len(c.layers) {
		return nil, false
	}
	return c.layers[n], true
}

// Layers returns the layer stack in compositing order.
func (c *Canvas) Layers() []*Layer { return c.layers }

// Flatten composites the layer stack over an opaque white base and returns
// the result as a fresh RGBA buffer with every alpha byte forced to 255.
// Layers are not mutated.
func (c *Canvas) Flatten() []byte {
	bufs := make([][]byte, len(c.layers))
	for i, l := range c.layers {
		bufs[i] = l.pix
	}
	return FlattenPix(bufs, c.width, c.height)
}

// FlattenPix composites raw layer buffers (index order, bottom first) over
// white. Split out from Flatten so callers holding buffer copies can
// composite off the engine goroutine.
func FlattenPix(layers [][]byte, width, height int) []byte {
	out := make([]byte, width*height*bytesPerPixel)
	for i := range out {
		out[i] = 0xff
	}
	for _, pix := range layers {
		for off := 0; off < len(out); off += bytesPerPixel {
			a := pix[off+3]
			if a == 0 {
				continue
			}
			out[off] = blend(out[off], pix[off], a)
			out[off+1] = blend(out[off+1], pix[off+1], a)
			out[off+2] = blend(out[off+2], pix[off+2], a)
		}
	}
	return out
}

// blend mixes one source channel over one destination channel:
// round((255-a)/255·dst + a/255·src). With an odd divisor the quotient can
// never land exactly on .5, so adding 127 before the integer division is
// round-to-nearest for every input byte.
func blend(dst, src, a byte) byte {
	n := uint32(255-a)*uint32(dst) + uint32(a)*uint32(src)
	return byte((n + 127) / 255)
}
