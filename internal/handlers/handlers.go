package handlers

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/Brownie44l1/mask-api/internal/model"
	"github.com/Brownie44l1/mask-api/internal/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Detector runs the full face-mask pipeline on one decoded image.
type Detector interface {
	Detect(img image.Image) ([]model.Prediction, error)
}

type Handler struct {
	detector       Detector
	upgrader       websocket.Upgrader
	maxUploadBytes int64
}

func NewHandler(detector Detector, maxUploadBytes int64, allowOrigins []string) *Handler {
	return &Handler{
		detector:       detector,
		maxUploadBytes: maxUploadBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 4 << 10,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin(allowOrigins, origin) != ""
			},
		},
	}
}

// NewRouter registers every endpoint on a gin engine.
func NewRouter(h *Handler, allowOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), RequestID(), CORS(allowOrigins))
	r.MaxMultipartMemory = 8 << 20

	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.POST("/detect", h.Detect)
	r.GET("/ws", h.Stream)

	return r
}

func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, model.MessageResponse{Message: "Mask Detection API is running."})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Detect classifies the faces of one uploaded image (multipart field "file").
func (h *Handler) Detect(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(c, http.StatusRequestEntityTooLarge,
				fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		Error(c, http.StatusBadRequest, errors.New("no image file provided, use 'file' as the form field name"))
		return
	}

	file, err := header.Open()
	if err != nil {
		Error(c, http.StatusBadRequest, fmt.Errorf("failed to open upload: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		Error(c, http.StatusBadRequest, fmt.Errorf("failed to read upload: %w", err))
		return
	}

	img, err := pipeline.DecodeImage(data)
	if err != nil {
		Error(c, http.StatusBadRequest, errors.New("invalid image format, supported: JPEG, PNG, GIF"))
		return
	}

	log.Printf("[%s] Received %s: %d bytes, %dx%d", requestID(c), header.Filename, len(data),
		img.Bounds().Dx(), img.Bounds().Dy())

	predictions, err := h.detector.Detect(img)
	if err != nil {
		log.Printf("[%s] Prediction error: %v", requestID(c), err)
		Error(c, http.StatusInternalServerError, errors.New("prediction failed"))
		return
	}

	c.JSON(http.StatusOK, model.DetectResponse{ResultImage: predictions})
}

// Stream serves the websocket endpoint: one reply per decodable frame, frames
// processed strictly in order.
func (h *Handler) Stream(c *gin.Context) {
	id := requestID(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already answered with an HTTP error.
		log.Printf("[%s] WebSocket upgrade failed: %v", id, err)
		return
	}
	defer conn.Close()

	log.Printf("[%s] WebSocket connection accepted", id)

	if err := h.serveStream(conn); err != nil {
		log.Printf("[%s] WebSocket error: %v", id, err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	log.Printf("[%s] WebSocket disconnected", id)
}

// serveStream returns nil when the client closes the connection and an error
// for anything else that ends it.
func (h *Handler) serveStream(conn *websocket.Conn) error {
	conn.SetReadLimit(h.maxUploadBytes*4/3 + 1024)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if isClientClose(err) {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		img, ok := decodeFrame(messageType, payload)
		if !ok {
			continue
		}

		predictions, err := h.detector.Detect(img)
		if err != nil {
			return err
		}

		if err := conn.WriteJSON(model.StreamResponse{Predictions: predictions}); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
	}
}

// decodeFrame reports false for frames that do not carry a decodable image.
func decodeFrame(messageType int, payload []byte) (image.Image, bool) {
	data, err := frameBytes(messageType, payload)
	if err != nil {
		return nil, false
	}
	img, err := pipeline.DecodeImage(data)
	if err != nil {
		return nil, false
	}
	return img, true
}

func isClientClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure)
}

// HTTPError is the JSON body of every error response.
type HTTPError struct {
	Error string `json:"error"`
}

func Error(c *gin.Context, status int, err error) {
	c.JSON(status, HTTPError{
		Error: err.Error(),
	})
}
