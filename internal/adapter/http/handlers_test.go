package http

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
)

// fakeStarter records the last upload handed to the workflow.
type fakeStarter struct {
	image []byte
}

func (f *fakeStarter) Start(image []byte) string {
	f.image = image
	return "run-test"
}

func newTestRouter(t *testing.T, h *Handlers) *chi.Mux {
	t.Helper()
	r := chi.NewRouter()
	MountRoutes(r, h)
	return r
}

func multipartUpload(t *testing.T, field, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestHandleAnalyze(t *testing.T) {
	starter := &fakeStarter{}
	r := newTestRouter(t, &Handlers{Workflow: starter})

	body, contentType := multipartUpload(t, "file", "shelf.png", []byte("png-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/analyze", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if string(starter.image) != "png-bytes" {
		t.Errorf("workflow did not receive upload bytes, got %q", starter.image)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "processing" || resp["run_id"] != "run-test" {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestHandleAnalyzeEmptyFile(t *testing.T) {
	starter := &fakeStarter{}
	r := newTestRouter(t, &Handlers{Workflow: starter})

	body, contentType := multipartUpload(t, "file", "empty.png", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/analyze", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty file, got %d", rec.Code)
	}
	if starter.image != nil {
		t.Error("workflow must not start for an empty upload")
	}
}

func TestHandleAnalyzeMissingFile(t *testing.T) {
	r := newTestRouter(t, &Handlers{Workflow: &fakeStarter{}})

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing file, got %d", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	r := newTestRouter(t, &Handlers{
		Workflow:    &fakeStarter{},
		ServiceName: "controltower",
		VisionURL:   "http://vision:8081",
		SupplierURL: "http://supplier:8082",
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "healthy" || resp["service"] != "controltower" {
		t.Errorf("unexpected health payload: %v", resp)
	}
}

func TestListTestImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"shelf.png", "warehouse.jpg", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	r := newTestRouter(t, &Handlers{Workflow: &fakeStarter{}, TestImagesDir: dir})

	req := httptest.NewRequest(http.MethodGet, "/api/test-images", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var resp struct {
		Images []struct {
			Name string `json:"name"`
		} `json:"images"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Images) != 2 {
		t.Fatalf("expected 2 images (txt filtered), got %d", len(resp.Images))
	}
}

func TestListTestImagesMissingDir(t *testing.T) {
	r := newTestRouter(t, &Handlers{Workflow: &fakeStarter{}, TestImagesDir: "/nonexistent"})

	req := httptest.NewRequest(http.MethodGet, "/api/test-images", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with empty list, got %d", rec.Code)
	}
}

func TestGetTestImageTraversalRejected(t *testing.T) {
	dir := t.TempDir()
	r := newTestRouter(t, &Handlers{Workflow: &fakeStarter{}, TestImagesDir: dir})

	req := httptest.NewRequest(http.MethodGet, "/api/test-images/..%2fsecret.png", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for traversal attempt, got %d", rec.Code)
	}
}

func TestGetTestImage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "shelf.png"), []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := newTestRouter(t, &Handlers{Workflow: &fakeStarter{}, TestImagesDir: dir})

	req := httptest.NewRequest(http.MethodGet, "/api/test-images/shelf.png", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "png-bytes" {
		t.Errorf("unexpected body: %q", rec.Body.String())
	}
}

func TestSanitizeName(t *testing.T) {
	valid := []string{"shelf.png", "warehouse-1.jpg"}
	for _, name := range valid {
		if err := sanitizeName(name); err != nil {
			t.Errorf("sanitizeName(%q) unexpected error: %v", name, err)
		}
	}

	invalid := []string{"", "../etc/passwd", "a/b.png", `a\b.png`, ".hidden.png"}
	for _, name := range invalid {
		if err := sanitizeName(name); err == nil {
			t.Errorf("sanitizeName(%q) expected error", name)
		}
	}
}
