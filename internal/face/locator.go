package face

import (
	"fmt"
	"image"
	"log"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"
)

// ============================================================
// FACE LOCATOR - Haar cascade over a grayscale copy of the frame
// ============================================================

const defaultCascade = "haarcascade_frontalface_default.xml"

// Config holds the cascade detection parameters.
type Config struct {
	CascadePath  string
	ScaleFactor  float64
	MinNeighbors int
	MinSize      int // minimum face edge in pixels
	MaxFaces     int // per-image cap on returned regions
}

// DefaultConfig returns the detection parameters the classifier was tuned with.
func DefaultConfig() Config {
	return Config{
		CascadePath:  defaultCascade,
		ScaleFactor:  1.1,
		MinNeighbors: 5,
		MinSize:      60,
		MaxFaces:     3,
	}
}

// Locator finds frontal faces with an OpenCV cascade classifier.
type Locator struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	config     Config
}

// NewLocator loads the cascade. A missing or unreadable cascade is an error.
func NewLocator(config Config) (*Locator, error) {
	classifier := gocv.NewCascadeClassifier()

	loaded := ""
	for _, path := range cascadeCandidates(config.CascadePath) {
		if classifier.Load(path) {
			loaded = path
			break
		}
	}
	if loaded == "" {
		classifier.Close()
		return nil, fmt.Errorf("failed to load face cascade classifier from %s or alternative paths", config.CascadePath)
	}

	log.Printf("Face locator initialized from %s", loaded)
	log.Printf("   Scale factor: %.2f, min neighbors: %d", config.ScaleFactor, config.MinNeighbors)
	log.Printf("   Min face size: %dx%d, max faces: %d", config.MinSize, config.MinSize, config.MaxFaces)

	return &Locator{
		classifier: classifier,
		config:     config,
	}, nil
}

// cascadeCandidates lists where to look for the cascade file, the configured
// path first, then the usual OpenCV install locations.
func cascadeCandidates(configured string) []string {
	name := filepath.Base(configured)
	if configured == "" {
		name = defaultCascade
	}

	candidates := []string{}
	if configured != "" {
		candidates = append(candidates, configured)
	}
	return append(candidates,
		name,
		filepath.Join("/usr/local/share/opencv4/haarcascades", name),
		filepath.Join("/usr/share/opencv4/haarcascades", name),
		filepath.Join("/opt/homebrew/share/opencv4/haarcascades", name),
	)
}

// Locate returns face regions in img coordinates, in detector order, capped at
// MaxFaces. No faces is an empty result, not an error.
func (l *Locator) Locate(img image.Image) ([]image.Rectangle, error) {
	gray, err := grayscale(img)
	if err != nil {
		return nil, err
	}
	defer gray.Close()

	minSize := image.Pt(l.config.MinSize, l.config.MinSize)

	l.mu.Lock()
	rects := l.classifier.DetectMultiScaleWithParams(gray,
		l.config.ScaleFactor, l.config.MinNeighbors, 0, minSize, image.Point{})
	l.mu.Unlock()

	// The Mat is zero-based; shift back into the source coordinate space.
	offset := img.Bounds().Min
	for i := range rects {
		rects[i] = rects[i].Add(offset)
	}

	return Limit(rects, l.config.MaxFaces), nil
}

// grayscale converts img to a single-channel Mat. ImageToMatRGB lays pixels
// out as B,G,R, so the conversion must be BGR to gray.
func grayscale(img image.Image) (gocv.Mat, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to convert image: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)
	return gray, nil
}

// Close releases the cascade classifier.
func (l *Locator) Close() {
	l.classifier.Close()
}

// Limit keeps at most n regions, preserving order. n <= 0 means no cap.
func Limit(rects []image.Rectangle, n int) []image.Rectangle {
	if rects == nil {
		return []image.Rectangle{}
	}
	if n > 0 && len(rects) > n {
		return rects[:n]
	}
	return rects
}
