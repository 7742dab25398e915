// Package http provides the HTTP surface of ControlTower: the workflow
// trigger, health and test-image endpoints, plus middleware.
package http

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// maxUploadBytes bounds the raw image upload size.
const maxUploadBytes = 20 << 20 // 20 MB

// WorkflowStarter launches one asynchronous workflow run for an upload.
type WorkflowStarter interface {
	Start(image []byte) string
}

// Handlers groups the dependencies of all HTTP handlers.
type Handlers struct {
	Workflow      WorkflowStarter
	ServiceName   string
	VisionURL     string
	SupplierURL   string
	TestImagesDir string
}

// MountRoutes registers all routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.handleHealth)
	r.Post("/api/analyze", h.handleAnalyze)
	r.Get("/api/test-images", h.handleListTestImages)
	r.Get("/api/test-images/{name}", h.handleGetTestImage)
}

// handleHealth reports static service identity and status. No side effects.
func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "healthy",
		"service":      h.ServiceName,
		"vision_url":   h.VisionURL,
		"supplier_url": h.SupplierURL,
	})
}

// handleAnalyze accepts a multipart image upload and triggers one workflow
// run. It acknowledges immediately; results are delivered solely over the
// observer WebSocket.
func (h *Handlers) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file upload")
		return
	}
	defer func() { _ = file.Close() }()

	image, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload failed")
		return
	}
	if len(image) == 0 {
		writeError(w, http.StatusBadRequest, "empty file uploaded")
		return
	}

	runID := h.Workflow.Start(image)
	slog.Info("workflow triggered", "run_id", runID, "image_bytes", len(image))

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "processing",
		"run_id":  runID,
		"message": "Workflow started. Listen to WebSocket for real-time updates.",
	})
}

// handleListTestImages lists bundled sample images.
func (h *Handlers) handleListTestImages(w http.ResponseWriter, _ *http.Request) {
	type testImage struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}

	entries, err := os.ReadDir(h.TestImagesDir)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"images": []testImage{}})
		return
	}

	images := make([]testImage, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isImageName(entry.Name()) {
			continue
		}
		images = append(images, testImage{
			Name: entry.Name(),
			Path: filepath.Join(h.TestImagesDir, entry.Name()),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

// handleGetTestImage serves one bundled sample image.
func (h *Handlers) handleGetTestImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := sanitizeName(name); err != nil || !isImageName(name) {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}

	path := filepath.Join(h.TestImagesDir, name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}

	http.ServeFile(w, r, path)
}

// isImageName reports whether the file name carries a supported image extension.
func isImageName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}
