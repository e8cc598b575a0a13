// Package pipeline runs the four detection stages for one image: locate faces,
// preprocess each region, classify the batch, assemble predictions.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/Brownie44l1/mask-api/internal/model"
)

type Locator interface {
	Locate(img image.Image) ([]image.Rectangle, error)
}

type Preprocessor interface {
	Batch(img image.Image, regions []image.Rectangle) ([][]float32, error)
}

type Classifier interface {
	Classify(batch [][]float32) ([][]float32, error)
}

// ErrInvalidImage is returned when a payload does not decode to an image.
var ErrInvalidImage = errors.New("invalid image")

// Pipeline is safe for concurrent use when its stages are.
type Pipeline struct {
	locator      Locator
	preprocessor Preprocessor
	classifier   Classifier
	maxFaces     int
}

// New wires the stages together. maxFaces <= 0 disables the per-image cap.
func New(locator Locator, preprocessor Preprocessor, classifier Classifier, maxFaces int) *Pipeline {
	return &Pipeline{
		locator:      locator,
		preprocessor: preprocessor,
		classifier:   classifier,
		maxFaces:     maxFaces,
	}
}

// Detect classifies every face found in img. An image without faces yields an
// empty, non-nil slice and never reaches the classifier.
func (p *Pipeline) Detect(img image.Image) ([]model.Prediction, error) {
	regions, err := p.locator.Locate(img)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	if len(regions) == 0 {
		return []model.Prediction{}, nil
	}
	if p.maxFaces > 0 && len(regions) > p.maxFaces {
		regions = regions[:p.maxFaces]
	}

	batch, err := p.preprocessor.Batch(img, regions)
	if err != nil {
		return nil, fmt.Errorf("preprocessing failed: %w", err)
	}

	probs, err := p.classifier.Classify(batch)
	if err != nil {
		return nil, fmt.Errorf("classification failed: %w", err)
	}

	return Assemble(regions, probs)
}

// DetectBytes decodes data and runs Detect.
func (p *Pipeline) DetectBytes(data []byte) ([]model.Prediction, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return p.Detect(img)
}

// Assemble pairs each region with its probability vector, in detection order.
func Assemble(regions []image.Rectangle, probs [][]float32) ([]model.Prediction, error) {
	if len(regions) != len(probs) {
		return nil, fmt.Errorf("got %d probability vectors for %d regions", len(probs), len(regions))
	}

	results := make([]model.Prediction, 0, len(regions))
	for i, r := range regions {
		label, conf, err := model.LabelFor(probs[i])
		if err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
		results = append(results, model.Prediction{
			BBox:       model.BBoxOf(r),
			Label:      label,
			Confidence: conf,
		})
	}
	return results, nil
}

// DecodeImage decodes a JPEG, PNG or GIF payload.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}
	return img, nil
}
