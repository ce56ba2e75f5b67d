package mixer

import "image"

// scaleInto draws src into region of dst with nearest-neighbour sampling.
// The region is clipped to dst's bounds.
func scaleInto(dst, src *image.YCbCr, region image.Rectangle) {
	region = region.Intersect(dst.Rect)
	if region.Empty() || src.Rect.Empty() {
		return
	}
	sw, sh := src.Rect.Dx(), src.Rect.Dy()
	rw, rh := region.Dx(), region.Dy()

	for y := region.Min.Y; y < region.Max.Y; y++ {
		sy := src.Rect.Min.Y + (y-region.Min.Y)*sh/rh
		for x := region.Min.X; x < region.Max.X; x++ {
			sx := src.Rect.Min.X + (x-region.Min.X)*sw/rw
			dst.Y[dst.YOffset(x, y)] = src.Y[src.YOffset(sx, sy)]
			// Chroma samples are shared by neighbouring pixels; the last
			// write for each sample wins.
			di, si := dst.COffset(x, y), src.COffset(sx, sy)
			dst.Cb[di] = src.Cb[si]
			dst.Cr[di] = src.Cr[si]
		}
	}
}

// blend mixes b into a in place with weight w in [0, 1]. Both pictures
// must have the same geometry.
func blend(a, b *image.YCbCr, w float64) {
	wb := int(w*256 + 0.5)
	wa := 256 - wb
	mixPlane(a.Y, b.Y, wa, wb)
	mixPlane(a.Cb, b.Cb, wa, wb)
	mixPlane(a.Cr, b.Cr, wa, wb)
}

func mixPlane(a, b []byte, wa, wb int) {
	n := min(len(a), len(b))
	for i := range n {
		a[i] = byte((int(a[i])*wa + int(b[i])*wb + 128) >> 8)
	}
}
