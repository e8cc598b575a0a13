package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/mask-api/internal/config"
	"github.com/Brownie44l1/mask-api/internal/face"
	"github.com/Brownie44l1/mask-api/internal/inference"
	"github.com/Brownie44l1/mask-api/internal/pipeline"
	"github.com/Brownie44l1/mask-api/internal/preprocess"
)

// Version is the application version.
const Version = "0.1.0"

var (
	// cfg is loaded once in PersistentPreRunE and shared by subcommands
	cfg config.Config

	configPath  string
	modelPath   string
	cascadePath string
	port        string
)

var rootCmd = &cobra.Command{
	Use:     "server",
	Short:   "Face-mask detection API",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot()
		if err != nil {
			return err
		}

		cfg, err = config.Load(config.FindFile(configPath, root))
		if err != nil {
			return err
		}

		// Flags win over file and environment.
		if modelPath != "" {
			cfg.Model.Path = modelPath
		}
		if cascadePath != "" {
			cfg.Detector.CascadePath = cascadePath
		}
		if port != "" {
			cfg.Server.Port = port
		}
		cfg.ResolvePaths(root)

		return cfg.Validate()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file (default: config.yaml in the project root, if present)")
	rootCmd.PersistentFlags().StringVar(&modelPath, "model", "", "Path to the ONNX model (overrides config)")
	rootCmd.PersistentFlags().StringVar(&cascadePath, "cascade", "", "Path to the Haar cascade XML (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&port, "port", "p", "", "HTTP port (overrides config and PORT)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// projectRoot is the working directory, or the repository root when the
// binary is started from cmd/server.
func projectRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	if filepath.Base(wd) == "server" && filepath.Base(filepath.Dir(wd)) == "cmd" {
		wd = filepath.Join(wd, "../..")
	}
	return wd, nil
}

// buildPipeline loads the cascade and the network. Both are startup
// preconditions; any error here is fatal to the caller.
func buildPipeline(cfg config.Config) (*pipeline.Pipeline, func(), error) {
	locator, err := face.NewLocator(face.Config{
		CascadePath:  cfg.Detector.CascadePath,
		ScaleFactor:  cfg.Detector.ScaleFactor,
		MinNeighbors: cfg.Detector.MinNeighbors,
		MinSize:      cfg.Detector.MinSize,
		MaxFaces:     cfg.Detector.MaxFaces,
	})
	if err != nil {
		return nil, nil, err
	}

	classifier, err := inference.NewServer(inference.Config{
		ModelPath:         cfg.Model.Path,
		MetadataPath:      cfg.Model.MetadataPath,
		SharedLibraryPath: cfg.Model.SharedLibraryPath,
		InputName:         cfg.Model.InputName,
		OutputName:        cfg.Model.OutputName,
		ImageSize:         cfg.Model.ImageSize,
		IntraOpThreads:    cfg.Model.IntraOpThreads,
		InterOpThreads:    cfg.Model.InterOpThreads,
		FreeMemory:        cfg.Model.FreeMemory,
	})
	if err != nil {
		locator.Close()
		return nil, nil, err
	}

	p := pipeline.New(locator, preprocess.New(cfg.PreprocessConfig()), classifier, cfg.Detector.MaxFaces)

	cleanup := func() {
		classifier.Close()
		locator.Close()
	}
	return p, cleanup, nil
}
