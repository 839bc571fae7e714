package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wxbridge/internal/domain"
)

func testMediaCache(t *testing.T) *MediaCache {
	t.Helper()
	return NewMediaCache(t.TempDir(), t.TempDir(), testDspLogger())
}

func TestMediaCache_TextPassthrough(t *testing.T) {
	m := testMediaCache(t)
	seg := domain.OutSegment{Kind: domain.KindText, Text: "hi"}

	got, err := m.Materialize(context.Background(), seg)
	if err != nil || got != seg {
		t.Errorf("text should pass through, got %+v err=%v", got, err)
	}
}

func TestMediaCache_Base64(t *testing.T) {
	m := testMediaCache(t)
	payload := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	seg := domain.OutSegment{
		Kind: domain.KindImage,
		Path: "base64://" + base64.StdEncoding.EncodeToString(payload),
	}

	got, err := m.Materialize(context.Background(), seg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(got.Path)
	if err != nil {
		t.Fatalf("read materialized file: %v", err)
	}
	if string(data) != string(payload) {
		t.Error("decoded payload mismatch")
	}
	if filepath.Ext(got.Path) != ".jpg" {
		t.Errorf("image files get a .jpg extension, got %q", got.Path)
	}
}

func TestMediaCache_Base64Invalid(t *testing.T) {
	m := testMediaCache(t)
	seg := domain.OutSegment{Kind: domain.KindFile, Path: "base64://%%%not-base64%%%"}

	_, err := m.Materialize(context.Background(), seg)
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestMediaCache_Download(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("file-body"))
	}))
	defer srv.Close()

	m := testMediaCache(t)
	seg := domain.OutSegment{Kind: domain.KindFile, Path: srv.URL + "/report.pdf"}

	got, err := m.Materialize(context.Background(), seg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := os.ReadFile(got.Path)
	if string(data) != "file-body" {
		t.Errorf("downloaded body mismatch: %q", data)
	}
	if !strings.HasSuffix(got.Path, ".pdf") {
		t.Errorf("extension should follow the URL, got %q", got.Path)
	}
}

func TestMediaCache_DownloadTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := bytes.Repeat([]byte("x"), 1<<20)
		for i := 0; i < 33; i++ { // one MiB past the 32 MiB cap
			w.Write(chunk)
		}
	}))
	defer srv.Close()

	m := testMediaCache(t)
	fileDir := m.fileDir
	seg := domain.OutSegment{Kind: domain.KindFile, Path: srv.URL + "/huge.bin"}

	_, err := m.Materialize(context.Background(), seg)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("oversized media must fail, not deliver truncated, got %v", err)
	}

	files, _ := os.ReadDir(fileDir)
	if len(files) != 0 {
		t.Errorf("truncated file left in cache: %v", files)
	}
}

func TestMediaCache_DownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := testMediaCache(t)
	seg := domain.OutSegment{Kind: domain.KindImage, Path: srv.URL + "/gone.jpg"}

	_, err := m.Materialize(context.Background(), seg)
	if !errors.Is(err, domain.ErrTransient) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestMediaCache_LocalPath(t *testing.T) {
	m := testMediaCache(t)
	path := filepath.Join(t.TempDir(), "local.png")
	os.WriteFile(path, []byte("x"), 0o644)

	got, err := m.Materialize(context.Background(), domain.OutSegment{Kind: domain.KindImage, Path: path})
	if err != nil || got.Path != path {
		t.Errorf("existing local paths pass through, got %+v err=%v", got, err)
	}

	_, err = m.Materialize(context.Background(), domain.OutSegment{Kind: domain.KindImage, Path: "/no/such/file"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("missing local path should fail validation, got %v", err)
	}
}
