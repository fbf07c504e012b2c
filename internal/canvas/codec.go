package canvas

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
)

// The snapshot codec. Layers persist and patches travel as PNG: it is
// lossless, carries straight (non-premultiplied) alpha, and every client
// runtime can produce it. EncodePix/DecodePix are the whole codec surface;
// nothing else in the server knows the image format.

// EncodePix encodes a raw RGBA buffer of the given dimensions into a PNG
// blob.
func EncodePix(pix []byte, width, height int) ([]byte, error) {
	if len(pix) != width*height*bytesPerPixel {
		return nil, fmt.Errorf("canvas: encode %dx%d: buffer length %d", width, height, len(pix))
	}
	img := &image.NRGBA{
		Pix:    pix,
		Stride: width * bytesPerPixel,
		Rect:   image.Rect(0, 0, width, height),
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("canvas: encode %dx%d: %w", width, height, err)
	}
	return buf.Bytes(), nil
}

// DecodePix decodes a PNG blob into a raw straight-alpha RGBA buffer,
// converting from whatever color model the blob carries. The round trip
// through EncodePix reproduces the original buffer bit for bit.
func DecodePix(data []byte) (pix []byte, width, height int, err error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("canvas: decode: %w", err)
	}
	b := img.Bounds()
	width, height = b.Dx(), b.Dy()

	if n, ok := img.(*image.NRGBA); ok && n.Stride == width*bytesPerPixel && b.Min == (image.Point{}) {
		return n.Pix, width, height, nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst.Pix, width, height, nil
}
