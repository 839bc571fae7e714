package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"wxbridge/internal/domain"
)

const (
	base64Prefix     = "base64://"
	maxDownloadBytes = 32 << 20
)

// MediaCache materializes inbound media references (base64 blobs, remote
// URIs) into local files the chat surface can send. Plain local paths pass
// through untouched.
type MediaCache struct {
	imageDir string
	fileDir  string
	client   *http.Client
	logger   *slog.Logger
}

func NewMediaCache(imageDir, fileDir string, logger *slog.Logger) *MediaCache {
	return &MediaCache{
		imageDir: imageDir,
		fileDir:  fileDir,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// Materialize resolves seg's media reference to a local path. Text
// segments pass through.
func (m *MediaCache) Materialize(ctx context.Context, seg domain.OutSegment) (domain.OutSegment, error) {
	if seg.Kind == domain.KindText {
		return seg, nil
	}

	ref := seg.Path
	switch {
	case strings.HasPrefix(ref, base64Prefix):
		p, err := m.saveBase64(seg.Kind, ref[len(base64Prefix):])
		if err != nil {
			return seg, err
		}
		seg.Path = p
		return seg, nil

	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		p, err := m.download(ctx, seg.Kind, ref)
		if err != nil {
			return seg, err
		}
		seg.Path = p
		return seg, nil

	default:
		if _, err := os.Stat(ref); err != nil {
			return seg, fmt.Errorf("media reference %q unusable: %w", ref, domain.ErrValidation)
		}
		return seg, nil
	}
}

func (m *MediaCache) saveBase64(kind domain.MessageKind, data string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode base64 media: %w", domain.ErrValidation)
	}
	p := m.cachePath(kind, "")
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return p, nil
}

func (m *MediaCache) download(ctx context.Context, kind domain.MessageKind, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", domain.ErrTransient)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch media: status %d: %w", resp.StatusCode, domain.ErrTransient)
	}

	p := m.cachePath(kind, path.Base(url))
	f, err := os.Create(p)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	defer f.Close()
	// One byte past the limit distinguishes an oversized body from one
	// that fits exactly; a truncated file must never be delivered.
	n, err := io.Copy(f, io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		os.Remove(p)
		return "", fmt.Errorf("save media: %w", err)
	}
	if n > maxDownloadBytes {
		os.Remove(p)
		return "", fmt.Errorf("media exceeds %d bytes: %w", maxDownloadBytes, domain.ErrValidation)
	}
	m.logger.Debug("media cached", "url", url, "path", p)
	return p, nil
}

// cachePath picks a unique destination inside the kind's cache directory.
func (m *MediaCache) cachePath(kind domain.MessageKind, name string) string {
	dir := m.fileDir
	ext := ".dat"
	if kind == domain.KindImage {
		dir = m.imageDir
		ext = ".jpg"
	}
	os.MkdirAll(dir, 0o755)

	base := fmt.Sprintf("recv_%d", time.Now().UnixNano())
	if name != "" && name != "." && name != "/" {
		if e := filepath.Ext(name); e != "" {
			ext = e
		}
	}
	return filepath.Join(dir, base+ext)
}
