// Package preprocess turns detected face regions into classifier input tensors.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"strings"

	"github.com/nfnt/resize"
)

// Order is the channel order written into the tensor.
type Order int

const (
	RGB Order = iota
	BGR
)

// ParseOrder accepts "rgb" or "bgr" in any case.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rgb":
		return RGB, nil
	case "bgr":
		return BGR, nil
	}
	return RGB, fmt.Errorf("unknown channel order %q", s)
}

func (o Order) String() string {
	if o == BGR {
		return "bgr"
	}
	return "rgb"
}

const channels = 3

// ErrEmptyRegion is returned when a region does not overlap the image.
var ErrEmptyRegion = errors.New("region does not overlap image")

type Config struct {
	Size         int
	ChannelOrder Order
}

func DefaultConfig() Config {
	return Config{Size: 128, ChannelOrder: RGB}
}

// Preprocessor is stateless and safe for concurrent use.
type Preprocessor struct {
	size  int
	order Order
}

func New(cfg Config) *Preprocessor {
	if cfg.Size <= 0 {
		cfg.Size = DefaultConfig().Size
	}
	return &Preprocessor{size: cfg.Size, order: cfg.ChannelOrder}
}

// TensorLen is the number of float32 values in one tensor (H*W*C).
func (p *Preprocessor) TensorLen() int {
	return p.size * p.size * channels
}

// Tensor crops region out of img, stretches it to the configured square size
// with bilinear interpolation and returns it in NHWC order scaled to [-1, 1].
func (p *Preprocessor) Tensor(img image.Image, region image.Rectangle) ([]float32, error) {
	region = region.Intersect(img.Bounds())
	if region.Empty() {
		return nil, ErrEmptyRegion
	}

	face := crop(img, region)
	resized := resize.Resize(uint(p.size), uint(p.size), face, resize.Bilinear)

	out := make([]float32, p.TensorLen())
	bounds := resized.Bounds()
	i := 0
	for y := bounds.Min.Y; y < bounds.Min.Y+p.size; y++ {
		for x := bounds.Min.X; x < bounds.Min.X+p.size; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			c0, c1, c2 := r>>8, g>>8, b>>8
			if p.order == BGR {
				c0, c2 = c2, c0
			}
			out[i] = scale(c0)
			out[i+1] = scale(c1)
			out[i+2] = scale(c2)
			i += channels
		}
	}

	return out, nil
}

// Batch preprocesses every region independently, preserving order.
func (p *Preprocessor) Batch(img image.Image, regions []image.Rectangle) ([][]float32, error) {
	batch := make([][]float32, 0, len(regions))
	for i, r := range regions {
		t, err := p.Tensor(img, r)
		if err != nil {
			return nil, fmt.Errorf("region %d %v: %w", i, r, err)
		}
		batch = append(batch, t)
	}
	return batch, nil
}

// scale maps [0, 255] to [-1, 1], the MobileNetV2 input range.
func scale(v uint32) float32 {
	return float32(v)/127.5 - 1
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func crop(img image.Image, r image.Rectangle) image.Image {
	if s, ok := img.(subImager); ok {
		return s.SubImage(r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}
