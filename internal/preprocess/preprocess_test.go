package preprocess

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math"
	"testing"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-3
}

func TestTensorShapeAndRange(t *testing.T) {
	p := New(DefaultConfig())
	img := solid(200, 200, color.RGBA{R: 120, G: 30, B: 250, A: 255})

	// Deliberately non-square: faces are stretched, not letterboxed.
	out, err := p.Tensor(img, image.Rect(10, 10, 70, 150))
	if err != nil {
		t.Fatalf("Tensor failed: %v", err)
	}
	if len(out) != 128*128*3 {
		t.Fatalf("expected %d values, got %d", 128*128*3, len(out))
	}
	for i, v := range out {
		if v < -1 || v > 1 {
			t.Fatalf("value %d out of range: %f", i, v)
		}
	}
}

func TestTensorChannelOrder(t *testing.T) {
	red := solid(64, 64, color.RGBA{R: 255, A: 255})
	region := red.Bounds()

	rgb, err := New(Config{Size: 16, ChannelOrder: RGB}).Tensor(red, region)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(rgb[0], 1) || !approx(rgb[1], -1) || !approx(rgb[2], -1) {
		t.Errorf("RGB: expected [1 -1 -1], got %v", rgb[:3])
	}

	bgr, err := New(Config{Size: 16, ChannelOrder: BGR}).Tensor(red, region)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(bgr[0], -1) || !approx(bgr[1], -1) || !approx(bgr[2], 1) {
		t.Errorf("BGR: expected [-1 -1 1], got %v", bgr[:3])
	}
}

func TestTensorNormalization(t *testing.T) {
	gray := solid(32, 32, color.RGBA{R: 51, G: 51, B: 51, A: 255})
	out, err := New(Config{Size: 8}).Tensor(gray, gray.Bounds())
	if err != nil {
		t.Fatal(err)
	}
	want := float32(51)/127.5 - 1
	for i, v := range out {
		if !approx(v, want) {
			t.Fatalf("value %d: expected %f, got %f", i, want, v)
		}
	}
}

func TestTensorCropsRegion(t *testing.T) {
	img := solid(100, 100, color.RGBA{B: 255, A: 255})
	draw.Draw(img, image.Rect(20, 30, 60, 90), &image.Uniform{C: color.RGBA{G: 255, A: 255}}, image.Point{}, draw.Src)

	out, err := New(Config{Size: 32}).Tensor(img, image.Rect(20, 30, 60, 90))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(out); i += 3 {
		if !approx(out[i], -1) || !approx(out[i+1], 1) || !approx(out[i+2], -1) {
			t.Fatalf("pixel %d leaked outside the region: %v", i/3, out[i:i+3])
		}
	}
}

func TestTensorStretchKeepsLayout(t *testing.T) {
	// Left half black, right half white.
	img := solid(100, 40, color.Black)
	draw.Draw(img, image.Rect(50, 0, 100, 40), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	size := 128
	out, err := New(Config{Size: size}).Tensor(img, img.Bounds())
	if err != nil {
		t.Fatal(err)
	}

	row := 64 * size * 3
	first := out[row]
	last := out[row+(size-1)*3]
	if !approx(first, -1) {
		t.Errorf("expected leftmost pixel black (-1), got %f", first)
	}
	if !approx(last, 1) {
		t.Errorf("expected rightmost pixel white (1), got %f", last)
	}
}

type opaqueImage struct{ image.Image }

func TestTensorWithoutSubImage(t *testing.T) {
	img := opaqueImage{solid(50, 50, color.RGBA{R: 255, G: 255, B: 255, A: 255})}
	out, err := New(Config{Size: 4}).Tensor(img, image.Rect(5, 5, 25, 25))
	if err != nil {
		t.Fatal(err)
	}
	if !approx(out[0], 1) {
		t.Errorf("expected white, got %f", out[0])
	}
}

func TestTensorRegionClipping(t *testing.T) {
	img := solid(50, 50, color.White)
	p := New(Config{Size: 4})

	if _, err := p.Tensor(img, image.Rect(40, 40, 80, 80)); err != nil {
		t.Errorf("partially outside region should be clipped, got %v", err)
	}
	if _, err := p.Tensor(img, image.Rect(60, 60, 80, 80)); !errors.Is(err, ErrEmptyRegion) {
		t.Errorf("expected ErrEmptyRegion, got %v", err)
	}
}

func TestBatchPreservesOrder(t *testing.T) {
	img := solid(100, 50, color.Black)
	draw.Draw(img, image.Rect(50, 0, 100, 50), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	regions := []image.Rectangle{
		image.Rect(60, 0, 100, 40), // white
		image.Rect(0, 0, 40, 40),   // black
	}
	batch, err := New(Config{Size: 4}).Batch(img, regions)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 tensors, got %d", len(batch))
	}
	if !approx(batch[0][0], 1) || !approx(batch[1][0], -1) {
		t.Errorf("batch order not preserved: %f, %f", batch[0][0], batch[1][0])
	}

	if _, err := New(Config{Size: 4}).Batch(img, []image.Rectangle{image.Rect(500, 500, 600, 600)}); err == nil {
		t.Error("expected error for empty region in batch")
	}
}

func TestParseOrder(t *testing.T) {
	for in, want := range map[string]Order{"": RGB, "rgb": RGB, "RGB": RGB, " bgr ": BGR} {
		got, err := ParseOrder(in)
		if err != nil || got != want {
			t.Errorf("ParseOrder(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseOrder("hsv"); err == nil {
		t.Error("expected error for unknown order")
	}
}
