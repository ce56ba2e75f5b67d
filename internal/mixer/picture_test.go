package mixer

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
)

func flat(w, h int, y, cb, cr uint8) *image.YCbCr {
	p := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	for i := range p.Y {
		p.Y[i] = y
	}
	for i := range p.Cb {
		p.Cb[i] = cb
		p.Cr[i] = cr
	}
	return p
}

func TestScaleInto(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		region image.Rectangle
		inside image.Point
		out    image.Point
	}{
		{"quarter", image.Rect(8, 8, 16, 16), image.Pt(12, 12), image.Pt(4, 4)},
		{"clipped", image.Rect(12, 12, 40, 40), image.Pt(15, 15), image.Pt(11, 11)},
		{"full", image.Rect(0, 0, 16, 16), image.Pt(0, 0), image.Pt(-1, -1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dst := flat(16, 16, 10, 100, 100)
			src := flat(32, 32, 200, 50, 60)
			scaleInto(dst, src, tt.region)

			assert.Equal(t, uint8(200), dst.Y[dst.YOffset(tt.inside.X, tt.inside.Y)])
			assert.Equal(t, uint8(50), dst.Cb[dst.COffset(tt.inside.X, tt.inside.Y)])
			assert.Equal(t, uint8(60), dst.Cr[dst.COffset(tt.inside.X, tt.inside.Y)])
			if tt.out.X >= 0 {
				assert.Equal(t, uint8(10), dst.Y[dst.YOffset(tt.out.X, tt.out.Y)])
				assert.Equal(t, uint8(100), dst.Cb[dst.COffset(tt.out.X, tt.out.Y)])
			}
		})
	}
}

func TestScaleIntoSamplesNearest(t *testing.T) {
	t.Parallel()

	src := flat(4, 2, 0, 128, 128)
	for x := 0; x < 4; x++ {
		src.Y[src.YOffset(x, 0)] = uint8(x * 10)
		src.Y[src.YOffset(x, 1)] = uint8(x * 10)
	}
	dst := flat(2, 2, 255, 128, 128)
	scaleInto(dst, src, dst.Rect)

	assert.Equal(t, uint8(0), dst.Y[dst.YOffset(0, 0)])
	assert.Equal(t, uint8(20), dst.Y[dst.YOffset(1, 0)])
}

func TestBlend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		w    float64
		want uint8
	}{
		{0, 0},
		{0.25, 50},
		{0.5, 100},
		{1, 200},
	}
	for _, tt := range tests {
		a := flat(4, 4, 0, 0, 0)
		b := flat(4, 4, 200, 200, 200)
		blend(a, b, tt.w)
		assert.Equal(t, tt.want, a.Y[5], "w=%v", tt.w)
		assert.Equal(t, tt.want, a.Cb[1], "w=%v", tt.w)
	}
}
