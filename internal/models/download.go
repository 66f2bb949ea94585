package models

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Fetcher places a local model's files into dir.
type Fetcher interface {
	Fetch(ctx context.Context, entry Entry, dir string) error
}

// HTTPFetcher downloads model files over HTTP.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher with a generous timeout for large weights.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 30 * time.Minute}}
}

// Fetch downloads every file of entry into dir. Files that already exist
// with non-zero size are kept.
func (f *HTTPFetcher) Fetch(ctx context.Context, entry Entry, dir string) error {
	if len(entry.Files) == 0 {
		return fmt.Errorf("%w: %s has no downloadable files", ErrNotLocal, entry.ID())
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating models dir: %w", err)
	}

	for _, file := range entry.Files {
		destPath := filepath.Join(dir, file.Name)
		if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
			slog.Info("model file already present", "file", destPath, "mb", float64(info.Size())/(1024*1024))
			continue
		}
		if err := f.download(ctx, file, destPath); err != nil {
			return err
		}
	}
	return nil
}

func (f *HTTPFetcher) download(ctx context.Context, file ModelFile, destPath string) error {
	slog.Info("downloading model file", "url", file.URL, "dest", destPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", file.Name, err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", file.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s failed: HTTP %d", file.Name, resp.StatusCode)
	}

	// Write to temp file first, then rename (atomic)
	tmpPath := destPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	pw := &progressWriter{
		writer: out,
		total:  resp.ContentLength,
		label:  file.Name,
	}

	written, err := io.Copy(pw, resp.Body)
	out.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing model file: %w", err)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %s truncated (%d of %d bytes)", ErrCorrupted, file.Name, written, resp.ContentLength)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("moving model file: %w", err)
	}

	slog.Info("downloaded model file", "file", file.Name, "mb", float64(written)/(1024*1024))
	return nil
}

// copyFileOrDir copies a file or directory recursively.
func copyFileOrDir(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if info.IsDir() {
		return copyDir(src, dst)
	}
	return copyFile(src, dst)
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if err := copyFileOrDir(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// progressWriter wraps an io.Writer and logs download progress every 10%.
type progressWriter struct {
	writer   io.Writer
	total    int64
	written  int64
	label    string
	lastStep int64
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		step := pw.written * 10 / pw.total
		if step > pw.lastStep {
			pw.lastStep = step
			slog.Info("download progress",
				"file", pw.label,
				"mb", float64(pw.written)/(1024*1024),
				"total_mb", float64(pw.total)/(1024*1024),
				"pct", step*10)
		}
	}
	return n, err
}
