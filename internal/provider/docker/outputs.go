package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"computeplane/internal/provider"
	"computeplane/pkg/archive"
)

// collectOutputs copies the workspace out of the stopped container, keeps
// the files matching the job's output patterns, and submits them as one
// archive to be extracted into the job's output folder. It returns the
// number of files submitted.
func (p *Provider) collectOutputs(ctx context.Context, jobID string, js *running) (int, error) {
	rc, err := p.engine.CopyFrom(ctx, js.containerID, p.cfg.WorkDir)
	if err != nil {
		return 0, fmt.Errorf("copy workspace: %w", err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "outputs-*.tar.gz")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	// The archive is rooted at the workspace directory's own name.
	root := path.Base(p.cfg.WorkDir) + "/"
	w := archive.NewWriter(tmp)
	count := 0
	err = archive.Each(rc, func(name string, hdr *tar.Header, body io.Reader) error {
		if body == nil {
			return nil
		}
		rel, ok := strings.CutPrefix(name, root)
		if !ok || !matchAny(js.outputs, rel) {
			return nil
		}
		count++
		return w.Add(rel, hdr.Size, hdr.FileInfo().Mode(), hdr.ModTime, body)
	})
	if err != nil {
		return 0, fmt.Errorf("read workspace: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := w.Close(); err != nil {
		return 0, err
	}

	info, err := tmp.Stat()
	if err != nil {
		return 0, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	rctx, cancel := context.WithTimeout(ctx, p.cfg.ReportTimeout)
	defer cancel()
	if err := p.reporter.Submit(rctx, jobID, "", true, info.Size(), tmp); err != nil {
		return 0, fmt.Errorf("submit outputs: %w", err)
	}
	return count, nil
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// demux splits Docker's multiplexed log stream into lines. Each frame has an
// 8-byte header: the stream in byte 0 (2 is stderr) and the payload size in
// bytes 4-7. Partial lines are held until their newline arrives.
func demux(r io.Reader, emit provider.EmitFunc) error {
	header := make([]byte, 8)
	pending := map[string]*bytes.Buffer{
		provider.StreamStdout: {},
		provider.StreamStderr: {},
	}
	flush := func() error {
		for _, stream := range []string{provider.StreamStdout, provider.StreamStderr} {
			if buf := pending[stream]; buf.Len() > 0 {
				if err := emitLines(stream, buf.String(), emit); err != nil {
					return err
				}
				buf.Reset()
			}
		}
		return nil
	}

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return flush()
			}
			return err
		}

		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("read log payload: %w", err)
		}

		stream := provider.StreamStdout
		if header[0] == 2 {
			stream = provider.StreamStderr
		}

		buf := pending[stream]
		buf.Write(payload)
		data := buf.String()
		cut := strings.LastIndexByte(data, '\n')
		if cut < 0 {
			continue
		}
		buf.Reset()
		buf.WriteString(data[cut+1:])
		if err := emitLines(stream, data[:cut], emit); err != nil {
			return err
		}
	}
}

func emitLines(stream, s string, emit provider.EmitFunc) error {
	for _, line := range splitLines(s) {
		if err := emit(provider.LogLine{Stream: stream, Text: line}); err != nil {
			return err
		}
	}
	return nil
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
