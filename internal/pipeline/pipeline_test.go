package pipeline

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"testing"

	"github.com/Brownie44l1/mask-api/internal/model"
	"github.com/Brownie44l1/mask-api/internal/preprocess"
)

type fakeLocator struct {
	regions []image.Rectangle
	err     error
}

func (f *fakeLocator) Locate(image.Image) ([]image.Rectangle, error) {
	return f.regions, f.err
}

// fakeClassifier answers every input with the same probability vector and
// records the batches it was given.
type fakeClassifier struct {
	probs   []float32
	err     error
	batches [][][]float32
}

func (f *fakeClassifier) Classify(batch [][]float32) ([][]float32, error) {
	f.batches = append(f.batches, batch)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(batch))
	for i := range out {
		out[i] = f.probs
	}
	return out, nil
}

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 200, G: 160, B: 140, A: 255}}, image.Point{}, draw.Src)
	return img
}

func TestDetectNoFaces(t *testing.T) {
	classifier := &fakeClassifier{probs: []float32{0.1, 0.8, 0.1}}
	p := New(&fakeLocator{}, preprocess.New(preprocess.DefaultConfig()), classifier, 3)

	got, err := p.Detect(testImage(200, 200))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil result, got %#v", got)
	}
	if len(classifier.batches) != 0 {
		t.Error("classifier must not run when no face is found")
	}
}

func TestDetectSingleFace(t *testing.T) {
	face := image.Rect(60, 50, 140, 130)
	classifier := &fakeClassifier{probs: []float32{0.05, 0.15, 0.8}}
	p := New(&fakeLocator{regions: []image.Rectangle{face}}, preprocess.New(preprocess.DefaultConfig()), classifier, 3)

	got, err := p.Detect(testImage(200, 200))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 prediction, got %d", len(got))
	}

	want := [4]int{60, 50, 140, 130}
	if got[0].BBox != want {
		t.Errorf("expected bbox %v in source coordinates, got %v", want, got[0].BBox)
	}
	if got[0].Label != model.WithoutMask {
		t.Errorf("expected %s, got %s", model.WithoutMask, got[0].Label)
	}
	if got[0].Confidence < 0 || got[0].Confidence > 1 {
		t.Errorf("confidence out of range: %f", got[0].Confidence)
	}

	if len(classifier.batches) != 1 || len(classifier.batches[0]) != 1 {
		t.Fatalf("expected a single batch of one tensor, got %v batches", len(classifier.batches))
	}
	if n := len(classifier.batches[0][0]); n != 128*128*3 {
		t.Errorf("expected tensor of %d values, got %d", 128*128*3, n)
	}
}

func TestDetectCapsFaces(t *testing.T) {
	regions := []image.Rectangle{
		image.Rect(0, 0, 60, 60),
		image.Rect(70, 0, 130, 60),
		image.Rect(140, 0, 200, 60),
		image.Rect(0, 70, 60, 130),
		image.Rect(70, 70, 130, 130),
	}
	classifier := &fakeClassifier{probs: []float32{0.2, 0.7, 0.1}}
	p := New(&fakeLocator{regions: regions}, preprocess.New(preprocess.DefaultConfig()), classifier, 3)

	got, err := p.Detect(testImage(200, 200))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 predictions, got %d", len(got))
	}
	for i := range got {
		if got[i].BBox != model.BBoxOf(regions[i]) {
			t.Errorf("prediction %d out of detection order: %v", i, got[i].BBox)
		}
		if got[i].Label != model.WithMask {
			t.Errorf("prediction %d: expected %s, got %q", i, model.WithMask, got[i].Label)
		}
	}
	if len(classifier.batches) != 1 || len(classifier.batches[0]) != 3 {
		t.Errorf("expected one batched call of 3 regions")
	}
}

func TestDetectErrors(t *testing.T) {
	pre := preprocess.New(preprocess.DefaultConfig())
	face := []image.Rectangle{image.Rect(10, 10, 90, 90)}
	boom := errors.New("boom")

	tests := []struct {
		name       string
		locator    *fakeLocator
		classifier *fakeClassifier
		wantErr    error
	}{
		{"locator", &fakeLocator{err: boom}, &fakeClassifier{}, boom},
		{"classifier", &fakeLocator{regions: face}, &fakeClassifier{err: boom}, boom},
		{"bad probability shape", &fakeLocator{regions: face}, &fakeClassifier{probs: []float32{1, 0}}, model.ErrProbabilityShape},
		{"region outside image", &fakeLocator{regions: []image.Rectangle{image.Rect(500, 500, 600, 600)}}, &fakeClassifier{}, preprocess.ErrEmptyRegion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(tt.locator, pre, tt.classifier, 3).Detect(testImage(100, 100))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if got != nil {
				t.Errorf("expected no partial results, got %v", got)
			}
		})
	}
}

func TestAssembleMismatch(t *testing.T) {
	_, err := Assemble([]image.Rectangle{image.Rect(0, 0, 1, 1)}, nil)
	if err == nil {
		t.Error("expected error when probabilities and regions disagree")
	}
}

func TestDecodeImage(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage(20, 10)); err != nil {
		t.Fatal(err)
	}

	img, err := DecodeImage(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeImage failed: %v", err)
	}
	if img.Bounds().Dx() != 20 || img.Bounds().Dy() != 10 {
		t.Errorf("unexpected bounds %v", img.Bounds())
	}

	for _, payload := range [][]byte{nil, []byte("definitely not an image"), buf.Bytes()[:20]} {
		if _, err := DecodeImage(payload); !errors.Is(err, ErrInvalidImage) {
			t.Errorf("expected ErrInvalidImage, got %v", err)
		}
	}
}

func TestDetectBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage(100, 100)); err != nil {
		t.Fatal(err)
	}
	classifier := &fakeClassifier{probs: []float32{0.9, 0.05, 0.05}}
	p := New(&fakeLocator{regions: []image.Rectangle{image.Rect(0, 0, 80, 80)}}, preprocess.New(preprocess.DefaultConfig()), classifier, 3)

	got, err := p.DetectBytes(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Label != model.MaskWornIncorrectly {
		t.Errorf("unexpected result %v", got)
	}

	if _, err := p.DetectBytes([]byte("garbage")); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("expected ErrInvalidImage, got %v", err)
	}
}
