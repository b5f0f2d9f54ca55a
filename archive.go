package kvstore

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// archiver zips rotated segments in the background. It only ever reads files
// that rotation has already renamed out of the write path, so it needs no
// engine lock. The source segment is left in place; the zip is a backup copy.
type archiver struct {
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newArchiver(logger *zap.Logger) *archiver {
	ctx, cancel := context.WithCancel(context.Background())
	return &archiver{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (a *archiver) archive(segmentPath string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		start := time.Now()
		zipPath, err := archiveSegment(a.ctx, segmentPath)
		if err != nil {
			a.logger.Warn("segment archive failed", zap.String("segment", segmentPath), zap.Error(err))
			return
		}
		a.logger.Info("segment archived",
			zap.String("segment", segmentPath),
			zap.String("archive", zipPath),
			zap.Duration("took", time.Since(start)))
	}()
}

// wait blocks until every in-flight archive finishes or timeout elapses.
// Whatever is still running afterwards is cancelled and left to clean up its
// temporary file on its own. It reports whether all archives finished.
func (a *archiver) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	defer a.cancel()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// archiveSegment writes a single-entry zip of segmentPath next to it. The zip
// is built under a temporary name and renamed into place, so an interrupted
// archive never leaves a partial file behind.
func archiveSegment(ctx context.Context, segmentPath string) (string, error) {
	dir := filepath.Dir(segmentPath)
	name := filepath.Base(segmentPath)
	zipPath := filepath.Join(dir, archiveName(name))

	src, err := os.Open(segmentPath)
	if err != nil {
		return "", fmt.Errorf("archiveSegment: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("archiveSegment: %w", err)
	}

	tmp, err := os.CreateTemp(dir, name+".*.zip.tmp")
	if err != nil {
		return "", fmt.Errorf("archiveSegment: %w", err)
	}

	if err := writeZip(ctx, tmp, src, info); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archiveSegment: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archiveSegment: %w", err)
	}

	if err := os.Rename(tmp.Name(), zipPath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archiveSegment: %w", err)
	}
	return zipPath, nil
}

func writeZip(ctx context.Context, dst *os.File, src io.Reader, info os.FileInfo) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Method = zip.Deflate

	zw := zip.NewWriter(dst)
	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, &contextReader{ctx: ctx, r: src}); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return err
	}
	return dst.Sync()
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
