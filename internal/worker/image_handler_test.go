package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pgflow/internal/config"
	"pgflow/internal/models"
)

func TestImageHandlerResizeAndGrayscale(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	// Paint red so we can verify grayscale output has equal channels.
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	cfg := config.Config{
		ImageOutputDir:       tempDir,
		ImageDownloadTimeout: 2 * time.Second,
		ImageMaxBytes:        2 * 1024 * 1024,
		ImageDefaultWidth:    5,
	}

	handler, err := NewImageHandler(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new image handler: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"source_url": srv.URL,
		"grayscale":  true,
		"width":      5,
		"output_key": "thumbs/test.png",
	})
	job := models.Job{JobType: "image_fetch_resize", Payload: payload}

	if err := handler.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle image: %v", err)
	}

	outputPath := filepath.Join(tempDir, "thumbs", "test.png")
	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}

	outImg, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if outImg.Bounds().Dx() != 5 {
		t.Fatalf("expected width 5, got %d", outImg.Bounds().Dx())
	}
	r, g, b, _ := outImg.At(0, 0).RGBA()
	if r != g || g != b {
		t.Fatalf("expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
	}
}

func TestImageHandlerBadPayload(t *testing.T) {
	handler, err := NewImageHandler(context.Background(), config.Config{ImageOutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new image handler: %v", err)
	}

	job := models.Job{JobType: "image_fetch_resize", Payload: json.RawMessage(`{}`)}
	failure := classify(handler.Handle(context.Background(), job))
	if failure == nil || failure.ReasonCode != models.ReasonBadPayload {
		t.Fatalf("expected BAD_PAYLOAD for missing source_url, got %+v", failure)
	}
}

func TestImageHandlerHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	handler, err := NewImageHandler(context.Background(), config.Config{ImageOutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new image handler: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{"source_url": srv.URL})
	job := models.Job{JobType: "image_fetch_resize", Payload: payload}
	failure := classify(handler.Handle(context.Background(), job))
	if failure == nil || failure.ReasonCode != models.ReasonHTTPError {
		t.Fatalf("expected HTTP_ERROR, got %+v", failure)
	}
}
