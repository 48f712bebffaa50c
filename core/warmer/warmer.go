package warmer

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Warmer keeps the model cache and environment files warm so the storage
// layer treats them as recently accessed and spares them from eviction. It
// runs on its own timer and never interacts with job scheduling.
type Warmer struct {
	dirs     []string
	interval time.Duration
	log      *zap.SugaredLogger
}

// New creates a warmer over the given directories
func New(log *zap.SugaredLogger, dirs []string, interval time.Duration) *Warmer {
	return &Warmer{
		dirs:     dirs,
		interval: interval,
		log:      log.Named("warmer"),
	}
}

// Start blocks, running one pass immediately and then one per interval,
// until ctx ends
func (w *Warmer) Start(ctx context.Context) {
	w.WarmOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.WarmOnce(ctx)
		}
	}
}

// WarmOnce touches every file under every configured directory. Individual
// failures are logged and skipped; the pass always covers everything else.
func (w *Warmer) WarmOnce(ctx context.Context) (touched, failed int) {
	start := time.Now()
	for _, dir := range w.dirs {
		if dir == "" {
			continue
		}
		t, f := w.warmDir(ctx, dir)
		touched += t
		failed += f
	}
	w.log.Infow("cache warm pass finished",
		"files", touched, "failures", failed, "took", time.Since(start))
	return touched, failed
}

func (w *Warmer) warmDir(ctx context.Context, dir string) (touched, failed int) {
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			failed++
			w.log.Warnw("cache warm walk failed", "path", p, "error", err)
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := touch(p); err != nil {
			failed++
			w.log.Warnw("cache warm touch failed", "path", p, "error", err)
			return nil
		}
		touched++
		return nil
	})
	if err != nil && ctx.Err() == nil {
		failed++
		w.log.Warnw("cache warm pass aborted", "dir", dir, "error", err)
	}
	return touched, failed
}

// touch reads one byte so the file counts as recently accessed
func touch(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var b [1]byte
	if _, err := f.Read(b[:]); err != nil && err != io.EOF {
		return err
	}
	return nil
}
