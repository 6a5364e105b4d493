// Package archive reads and writes the tar streams that carry job outputs.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsafePath is returned for entries that would escape the destination.
var ErrUnsafePath = errors.New("archive: unsafe path")

var gzipMagic = []byte{0x1f, 0x8b}

// EntryFunc receives each directory or regular file. body is nil for directories.
type EntryFunc func(name string, hdr *tar.Header, body io.Reader) error

// Each walks a tar or tar.gz stream. Compression is detected from the stream.
// Entry names are cleaned and rejected if absolute or escaping.
func Each(r io.Reader, fn EntryFunc) error {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && bytes.Equal(magic, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		name, err := CleanName(hdr.Name)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = fn(name, hdr, nil)
		case tar.TypeReg:
			err = fn(name, hdr, tr)
		default:
			continue
		}
		if err != nil {
			return err
		}
	}
}

// CleanName normalizes a slash-separated relative name. It rejects absolute
// names and names that climb out of their root.
func CleanName(name string) (string, error) {
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return clean, nil
}

// Extract unpacks a tar or tar.gz stream into dest. after, when set, is
// called with every created path.
func Extract(r io.Reader, dest string, after func(path string) error) error {
	return Each(r, func(name string, hdr *tar.Header, body io.Reader) error {
		target := filepath.Join(dest, filepath.FromSlash(name))
		if body == nil {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			mode := os.FileMode(hdr.Mode).Perm()
			if mode == 0 {
				mode = 0o644
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			if _, err := io.Copy(out, body); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract file: %w", err)
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
		if after != nil {
			return after(target)
		}
		return nil
	})
}

// Writer produces a tar.gz stream.
type Writer struct {
	gz *gzip.Writer
	tw *tar.Writer
}

// NewWriter starts a tar.gz stream on w.
func NewWriter(w io.Writer) *Writer {
	gz := gzip.NewWriter(w)
	return &Writer{gz: gz, tw: tar.NewWriter(gz)}
}

// Add writes one regular file of the given size.
func (w *Writer) Add(name string, size int64, mode os.FileMode, modTime time.Time, r io.Reader) error {
	clean, err := CleanName(name)
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:     clean,
		Typeflag: tar.TypeReg,
		Size:     size,
		Mode:     int64(mode.Perm()),
		ModTime:  modTime,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := io.CopyN(w.tw, r, size); err != nil {
		return fmt.Errorf("failed to write %s: %w", clean, err)
	}
	return nil
}

// AddFile adds the file at path under name.
func (w *Writer) AddFile(name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return w.Add(name, info.Size(), info.Mode(), info.ModTime(), f)
}

// Close flushes the tar and gzip trailers.
func (w *Writer) Close() error {
	if err := w.tw.Close(); err != nil {
		return err
	}
	return w.gz.Close()
}
