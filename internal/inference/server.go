package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"

	"github.com/Brownie44l1/mask-api/internal/model"
	ort "github.com/yalue/onnxruntime_go"
)

// Config describes where the network lives and how ONNX Runtime should run it.
type Config struct {
	ModelPath    string
	MetadataPath string

	// SharedLibraryPath points at libonnxruntime; empty uses the loader default.
	SharedLibraryPath string

	InputName  string
	OutputName string
	ImageSize  int

	// Zero leaves the runtime's own thread pool sizing in place.
	IntraOpThreads int
	InterOpThreads int

	// FreeMemory returns freed heap to the OS after every call, for
	// memory-constrained hosts.
	FreeMemory bool
}

// ErrModelNotFound is returned when the model artifact is missing at startup.
var ErrModelNotFound = errors.New("model file not found")

// Server holds one loaded network. It is read-only after construction and
// safe for concurrent Classify calls: tensors are allocated per call.
type Server struct {
	session  *ort.DynamicAdvancedSession
	Metadata model.Metadata

	imageSize  int
	freeMemory bool
}

func NewServer(cfg Config) (*Server, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrModelNotFound, cfg.ModelPath)
		}
		return nil, fmt.Errorf("failed to stat model: %w", err)
	}

	metadata, err := loadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}
	if err := metadata.Check(cfg.ImageSize); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}

	inputName := firstNonEmpty(metadata.InputName, cfg.InputName, "input")
	outputName := firstNonEmpty(metadata.OutputName, cfg.OutputName, "output")

	if cfg.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			ort.DestroyEnvironment()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}
	if cfg.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
			ort.DestroyEnvironment()
			return nil, fmt.Errorf("failed to set inter-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{inputName}, []string{outputName}, options)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	log.Printf("Model loaded: %s (input=%s, output=%s)", cfg.ModelPath, inputName, outputName)
	log.Printf("Classes: %v", model.LabelStrings())

	return &Server{
		session:    session,
		Metadata:   metadata,
		imageSize:  cfg.ImageSize,
		freeMemory: cfg.FreeMemory,
	}, nil
}

func loadMetadata(path string) (model.Metadata, error) {
	var metadata model.Metadata
	if path == "" {
		return metadata, nil
	}

	metaFile, err := os.ReadFile(path)
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return metadata, nil
}

// Classify runs the network once over the whole batch and returns one
// probability vector per input, in input order.
func (s *Server) Classify(batch [][]float32) ([][]float32, error) {
	if len(batch) == 0 {
		return [][]float32{}, nil
	}
	if s.freeMemory {
		defer debug.FreeOSMemory()
	}

	input, err := packBatch(batch, s.tensorLen())
	if err != nil {
		return nil, err
	}

	n := int64(len(batch))
	size := int64(s.imageSize)
	inputTensor, err := ort.NewTensor(ort.NewShape(n, size, size, 3), input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(n, int64(model.NumClasses)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := s.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return splitRows(outputTensor.GetData(), len(batch), model.NumClasses), nil
}

func (s *Server) tensorLen() int {
	return s.imageSize * s.imageSize * 3
}

// packBatch flattens equally sized tensors into one NHWC buffer.
func packBatch(batch [][]float32, tensorLen int) ([]float32, error) {
	out := make([]float32, 0, len(batch)*tensorLen)
	for i, t := range batch {
		if len(t) != tensorLen {
			return nil, fmt.Errorf("batch item %d: expected %d values, got %d", i, tensorLen, len(t))
		}
		out = append(out, t...)
	}
	return out, nil
}

// splitRows copies a row-major [rows, cols] buffer into independent slices so
// callers never alias tensor memory that is destroyed after the call.
func splitRows(data []float32, rows, cols int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		row := make([]float32, cols)
		copy(row, data[i*cols:(i+1)*cols])
		out[i] = row
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) Close() {
	if s.session != nil {
		s.session.Destroy()
	}
	ort.DestroyEnvironment()
}
