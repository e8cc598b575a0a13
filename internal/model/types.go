package model

import (
	"errors"
	"fmt"
	"image"
)

// Label is one of the fixed mask-status classes the network was trained on.
type Label string

const (
	MaskWornIncorrectly Label = "mask_weared_incorrect"
	WithMask            Label = "with_mask"
	WithoutMask         Label = "without_mask"
)

// labels is ordered by network output index.
var labels = [...]Label{MaskWornIncorrectly, WithMask, WithoutMask}

// NumClasses is the length of every probability vector the classifier emits.
const NumClasses = len(labels)

// ErrProbabilityShape is returned when a probability vector does not have
// exactly NumClasses entries.
var ErrProbabilityShape = errors.New("probability vector does not match class count")

// LabelStrings returns the class labels as plain strings in output order.
func LabelStrings() []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = string(l)
	}
	return out
}

// Argmax returns the index and value of the largest entry. Ties resolve to the
// lowest index.
func Argmax(probs []float32) (int, float32) {
	if len(probs) == 0 {
		return -1, 0
	}
	maxIdx := 0
	maxVal := probs[0]
	for i, val := range probs[1:] {
		if val > maxVal {
			maxVal = val
			maxIdx = i + 1
		}
	}
	return maxIdx, maxVal
}

// LabelFor picks the highest-scoring label of a probability vector.
func LabelFor(probs []float32) (Label, float32, error) {
	if len(probs) != NumClasses {
		return "", 0, fmt.Errorf("%w: got %d, want %d", ErrProbabilityShape, len(probs), NumClasses)
	}
	idx, conf := Argmax(probs)
	return labels[idx], clamp01(conf), nil
}

func clamp01(v float32) float32 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Prediction is the classification of one detected face.
type Prediction struct {
	BBox       [4]int  `json:"bbox"` // x1, y1, x2, y2 in source image coordinates
	Label      Label   `json:"label"`
	Confidence float32 `json:"confidence"`
}

// BBoxOf converts a detected region to the [x1, y1, x2, y2] form.
func BBoxOf(r image.Rectangle) [4]int {
	return [4]int{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y}
}

// Metadata describes an exported network. It is optional; when present it is
// checked against the fixed label table and tensor geometry.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
}

// Check verifies the metadata agrees with the label table and the expected
// square input size.
func (m Metadata) Check(imageSize int) error {
	if len(m.Classes) > 0 {
		if len(m.Classes) != NumClasses {
			return fmt.Errorf("metadata lists %d classes, want %d", len(m.Classes), NumClasses)
		}
		for i, c := range m.Classes {
			if Label(c) != labels[i] {
				return fmt.Errorf("metadata class %d is %q, want %q", i, c, labels[i])
			}
		}
	}
	if m.ImageSize != 0 && m.ImageSize != imageSize {
		return fmt.Errorf("metadata image size %d, want %d", m.ImageSize, imageSize)
	}
	if err := checkInputShape(m.InputShape, imageSize); err != nil {
		return err
	}
	if n := len(m.OutputShape); n > 0 && m.OutputShape[n-1] != int64(NumClasses) {
		return fmt.Errorf("metadata output shape %v does not end in %d", m.OutputShape, NumClasses)
	}
	return nil
}

// checkInputShape accepts [batch, size, size, 3]. Non-positive dimensions are
// dynamic and match anything.
func checkInputShape(shape []int64, imageSize int) error {
	if len(shape) == 0 {
		return nil
	}
	want := []int64{-1, int64(imageSize), int64(imageSize), 3}
	if len(shape) != len(want) {
		return fmt.Errorf("metadata input shape %v, want NHWC [n %d %d 3]", shape, imageSize, imageSize)
	}
	for i, d := range shape {
		if d > 0 && want[i] > 0 && d != want[i] {
			return fmt.Errorf("metadata input shape %v, want NHWC [n %d %d 3]", shape, imageSize, imageSize)
		}
	}
	return nil
}

// Response bodies.

type DetectResponse struct {
	ResultImage []Prediction `json:"result_image"`
}

type StreamResponse struct {
	Predictions []Prediction `json:"predictions"`
}

type MessageResponse struct {
	Message string `json:"message"`
}
