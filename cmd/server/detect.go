package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/mask-api/internal/model"
	"github.com/Brownie44l1/mask-api/internal/pipeline"
)

var detectCmd = &cobra.Command{
	Use:   "detect <image>...",
	Short: "Run detection on local image files and print JSON lines",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := buildPipeline(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		return detectFiles(p, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
}

// fileResult is one line of detect output.
type fileResult struct {
	File        string             `json:"file"`
	ResultImage []model.Prediction `json:"result_image"`
}

type bytesDetector interface {
	DetectBytes(data []byte) ([]model.Prediction, error)
}

// detectFiles writes one JSON object per processed file to out. Unreadable
// or undecodable files are reported on errOut and skipped; a pipeline
// failure aborts the run.
func detectFiles(d bytesDetector, paths []string, out, errOut io.Writer) error {
	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetWriter(errOut),
		progressbar.OptionSetDescription("Detecting"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetVisibility(len(paths) > 1),
	)
	defer bar.Finish()

	enc := json.NewEncoder(out)
	skipped := 0

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(errOut, "skipping %s: %v\n", path, err)
			skipped++
			bar.Add(1)
			continue
		}

		predictions, err := d.DetectBytes(data)
		if errors.Is(err, pipeline.ErrInvalidImage) {
			fmt.Fprintf(errOut, "skipping %s: %v\n", path, err)
			skipped++
			bar.Add(1)
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		if err := enc.Encode(fileResult{File: path, ResultImage: predictions}); err != nil {
			return err
		}
		bar.Add(1)
	}

	if skipped == len(paths) {
		return fmt.Errorf("no image could be processed (%d skipped)", skipped)
	}
	return nil
}
