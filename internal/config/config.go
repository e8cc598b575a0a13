package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v2"

	"github.com/Brownie44l1/mask-api/internal/preprocess"
)

// Config is the service configuration, read from YAML and then overridden by
// environment variables and command line flags.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Model    ModelConfig    `yaml:"model"`
	Detector DetectorConfig `yaml:"detector"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	MaxUploadBytes int64    `yaml:"maxUploadBytes"`
	AllowOrigins   []string `yaml:"allowOrigins"`
	Mode           string   `yaml:"mode"` // gin mode: debug, release, test
}

type ModelConfig struct {
	Path              string `yaml:"path"`
	MetadataPath      string `yaml:"metadataPath"`
	SharedLibraryPath string `yaml:"sharedLibraryPath"`
	InputName         string `yaml:"inputName"`
	OutputName        string `yaml:"outputName"`
	ImageSize         int    `yaml:"imageSize"`
	ChannelOrder      string `yaml:"channelOrder"`
	IntraOpThreads    int    `yaml:"intraOpThreads"`
	InterOpThreads    int    `yaml:"interOpThreads"`
	FreeMemory        bool   `yaml:"freeMemory"`
}

type DetectorConfig struct {
	CascadePath  string  `yaml:"cascadePath"`
	ScaleFactor  float64 `yaml:"scaleFactor"`
	MinNeighbors int     `yaml:"minNeighbors"`
	MinSize      int     `yaml:"minSize"`
	MaxFaces     int     `yaml:"maxFaces"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	pc := preprocess.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Port:           "8000",
			MaxUploadBytes: 10 << 20,
			AllowOrigins:   []string{"*"},
			Mode:           "release",
		},
		Model: ModelConfig{
			Path:         "models/mask_detector_v1.onnx",
			InputName:    "input",
			OutputName:   "output",
			ImageSize:    pc.Size,
			ChannelOrder: pc.ChannelOrder.String(),
		},
		Detector: DetectorConfig{
			CascadePath:  "haarcascade_frontalface_default.xml",
			ScaleFactor:  1.1,
			MinNeighbors: 5,
			MinSize:      60,
			MaxFaces:     3,
		},
	}
}

// DefaultFile is picked up from the project root when no --config is given.
const DefaultFile = "config.yaml"

// FindFile returns explicit when set, otherwise root/config.yaml if it exists,
// otherwise "" (defaults only).
func FindFile(explicit, root string) string {
	if explicit != "" {
		return explicit
	}
	path := filepath.Join(root, DefaultFile)
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return path
	}
	return ""
}

// Load reads path on top of the defaults. An empty path returns the defaults.
// Environment overrides are applied afterwards.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := ioutil.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Port = v
	}
	if v, ok := lookup("MODEL_PATH"); ok && v != "" {
		c.Model.Path = v
	}
	if v, ok := lookup("MODEL_METADATA_PATH"); ok && v != "" {
		c.Model.MetadataPath = v
	}
	if v, ok := lookup("CASCADE_PATH"); ok && v != "" {
		c.Detector.CascadePath = v
	}
	if v, ok := lookup("ONNXRUNTIME_LIB"); ok && v != "" {
		c.Model.SharedLibraryPath = v
	}
	if v, ok := lookup("INFERENCE_THREADS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INFERENCE_THREADS: %w", err)
		}
		c.Model.IntraOpThreads = n
		c.Model.InterOpThreads = n
	}
	return nil
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is empty")
	}
	switch c.Server.Mode {
	case "", gin.DebugMode, gin.ReleaseMode, gin.TestMode:
	default:
		return fmt.Errorf("server.mode must be %s, %s or %s, got %q",
			gin.DebugMode, gin.ReleaseMode, gin.TestMode, c.Server.Mode)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.maxUploadBytes must be positive")
	}
	if c.Model.Path == "" {
		return fmt.Errorf("model.path is empty")
	}
	if c.Model.ImageSize <= 0 {
		return fmt.Errorf("model.imageSize must be positive")
	}
	if _, err := preprocess.ParseOrder(c.Model.ChannelOrder); err != nil {
		return fmt.Errorf("model.channelOrder: %w", err)
	}
	if c.Model.IntraOpThreads < 0 || c.Model.InterOpThreads < 0 {
		return fmt.Errorf("model thread counts must not be negative")
	}
	if c.Detector.ScaleFactor <= 1 {
		return fmt.Errorf("detector.scaleFactor must be greater than 1, got %v", c.Detector.ScaleFactor)
	}
	if c.Detector.MinNeighbors < 0 {
		return fmt.Errorf("detector.minNeighbors must not be negative")
	}
	if c.Detector.MinSize <= 0 {
		return fmt.Errorf("detector.minSize must be positive")
	}
	if c.Detector.MaxFaces <= 0 {
		return fmt.Errorf("detector.maxFaces must be positive")
	}
	return nil
}

// ResolvePaths makes the relative model, metadata and cascade paths relative
// to root instead of the working directory.
func (c *Config) ResolvePaths(root string) {
	c.Model.Path = resolve(root, c.Model.Path)
	c.Model.MetadataPath = resolve(root, c.Model.MetadataPath)
	c.Detector.CascadePath = resolve(root, c.Detector.CascadePath)
}

func resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// PreprocessConfig assumes Validate has already accepted the channel order.
func (c Config) PreprocessConfig() preprocess.Config {
	order, _ := preprocess.ParseOrder(c.Model.ChannelOrder)
	return preprocess.Config{
		Size:         c.Model.ImageSize,
		ChannelOrder: order,
	}
}
