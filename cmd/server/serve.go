package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/mask-api/internal/handlers"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and websocket endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	log.Printf("Loading model from: %s", cfg.Model.Path)

	p, cleanup, err := buildPipeline(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}
	defer cleanup()

	gin.SetMode(cfg.Server.Mode)

	h := handlers.NewHandler(p, cfg.Server.MaxUploadBytes, cfg.Server.AllowOrigins)
	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: handlers.NewRouter(h, cfg.Server.AllowOrigins),
	}

	log.Printf("Server starting on port %s", cfg.Server.Port)
	log.Printf("Max faces per image: %d, input size: %dx%d", cfg.Detector.MaxFaces, cfg.Model.ImageSize, cfg.Model.ImageSize)
	log.Println("Endpoints:")
	log.Println("  GET  /       - Liveness message")
	log.Println("  GET  /health - Health check")
	log.Println("  POST /detect - Predict from image upload (field 'file')")
	log.Println("  GET  /ws     - Websocket frame stream")
	log.Printf("Upload test: curl -X POST -F \"file=@face.jpg\" http://localhost:%s/detect", cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	log.Println("Done")
	return nil
}
