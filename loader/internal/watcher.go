package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMonitoringTime = 10 * time.Second
	DefaultPollInterval   = time.Second
)

type WatcherConfig struct {
	SourceDir      string
	ArchiveDir     string
	BadDir         string
	MonitoringTime time.Duration
	PollInterval   time.Duration
}

// Watcher polls a folder and hands out files that stopped changing for
// MonitoringTime. Handled files are moved to the archive or bad folder.
type Watcher struct {
	cfg    WatcherConfig
	logger *slog.Logger

	mu         sync.Mutex
	firstSeen  map[string]fileState
	processing map[string]bool
}

type fileState struct {
	seen    time.Time
	size    int64
	modTime time.Time
}

func NewWatcher(cfg WatcherConfig, logger *slog.Logger) (*Watcher, error) {
	if cfg.MonitoringTime <= 0 {
		cfg.MonitoringTime = DefaultMonitoringTime
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := createDirectories(cfg.SourceDir, cfg.ArchiveDir, cfg.BadDir); err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:        cfg,
		logger:     logger,
		firstSeen:  make(map[string]fileState),
		processing: make(map[string]bool),
	}, nil
}

func (w *Watcher) SourceDir() string { return w.cfg.SourceDir }

// Watch sends ready file paths to fileChan until ctx is done. It does not
// close fileChan.
func (w *Watcher) Watch(ctx context.Context, fileChan chan<- string) {
	w.logger.Info("[WATCH] start monitoring folder", "dir", w.cfg.SourceDir)
	defer w.logger.Info("[WATCH] file watcher stopped")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, path := range w.scan() {
				select {
				case fileChan <- path:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// scan returns files that are ready and marks them as processing.
func (w *Watcher) scan() []string {
	entries, err := os.ReadDir(w.cfg.SourceDir)
	if err != nil {
		w.logger.Error("[WATCH] error while reading source directory", "error", err)
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	current := make(map[string]bool, len(entries))
	var ready []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(w.cfg.SourceDir, entry.Name())
		current[path] = true

		if w.processing[path] {
			continue
		}
		state, known := w.firstSeen[path]
		// a file still being written restarts its quiet period
		if !known || state.size != info.Size() || !state.modTime.Equal(info.ModTime()) {
			if !known {
				w.logger.Info("[WATCH] new file detected", "path", path)
			}
			w.firstSeen[path] = fileState{seen: now, size: info.Size(), modTime: info.ModTime()}
			continue
		}
		if now.Sub(state.seen) >= w.cfg.MonitoringTime {
			w.processing[path] = true
			ready = append(ready, path)
		}
	}

	for path := range w.firstSeen {
		if !current[path] {
			delete(w.firstSeen, path)
			delete(w.processing, path)
			w.logger.Debug("[WATCH] file removed from tracking", "path", path)
		}
	}
	return ready
}

// Done moves a handed-out file to the archive (ok) or bad folder and
// forgets it.
func (w *Watcher) Done(path string, ok bool) (string, error) {
	dir := w.cfg.ArchiveDir
	if !ok {
		dir = w.cfg.BadDir
	}
	dest, err := moveToDatedDir(path, dir, time.Now())

	w.mu.Lock()
	delete(w.processing, path)
	delete(w.firstSeen, path)
	w.mu.Unlock()

	if err != nil {
		return "", err
	}
	w.logger.Info("[WATCH] file moved", "from", path, "to", dest)
	return dest, nil
}

// moveToDatedDir moves filePath into dir/YYYY-MM-DD, adding a _N suffix on
// name clashes.
func moveToDatedDir(filePath, dir string, now time.Time) (string, error) {
	destDir := filepath.Join(dir, now.Format("2006-01-02"))
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", destDir, err)
	}

	destPath := filepath.Join(destDir, filepath.Base(filePath))
	ext := filepath.Ext(destPath)
	baseName := strings.TrimSuffix(filepath.Base(destPath), ext)
	for counter := 1; ; counter++ {
		if _, err := os.Stat(destPath); errors.Is(err, fs.ErrNotExist) {
			break
		}
		destPath = filepath.Join(destDir, fmt.Sprintf("%s_%d%s", baseName, counter, ext))
	}

	if err := os.Rename(filePath, destPath); err == nil {
		return destPath, nil
	}
	// rename fails across devices, fall back to copy and remove
	if err := copyFile(filePath, destPath); err != nil {
		return "", err
	}
	if err := os.Remove(filePath); err != nil {
		return "", fmt.Errorf("remove %s: %w", filePath, err)
	}
	return destPath, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

func createDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
