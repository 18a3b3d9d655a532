// Package watch ingests transcript files dropped into an inbox directory.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultSettle = 500 * time.Millisecond

// SubmitFunc stores text as the transcript of sessionID.
type SubmitFunc func(ctx context.Context, sessionID, text string) error

// Inbox watches a directory for *.txt files. Each file is a transcript whose
// session id is the file name without extension. Files are read once writes
// have been quiet for the settle interval.
type Inbox struct {
	dir    string
	submit SubmitFunc
	logger zerolog.Logger
	settle time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

func NewInbox(dir string, submit SubmitFunc, logger zerolog.Logger) *Inbox {
	return &Inbox{
		dir:     dir,
		submit:  submit,
		logger:  logger.With().Str("component", "inbox").Str("dir", dir).Logger(),
		settle:  defaultSettle,
		pending: make(map[string]*time.Timer),
	}
}

// SetSettle overrides the quiet period before a changed file is read.
func (in *Inbox) SetSettle(d time.Duration) {
	in.settle = d
}

// Start begins watching. It returns once the directory is being watched;
// events are processed in the background until ctx is cancelled.
func (in *Inbox) Start(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox %s: %w", in.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(in.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				in.stopTimers()
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && isTranscript(evt.Name) {
					in.schedule(ctx, evt.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				in.logger.Error().Err(err).Msg("watcher error")
			}
		}
	}()
	in.logger.Info().Msg("watching transcript inbox")
	return nil
}

// Wait blocks until the watch loop has exited and in-flight ingests have
// finished.
func (in *Inbox) Wait() {
	in.wg.Wait()
}

// Backfill ingests transcripts already present in the directory.
func (in *Inbox) Backfill(ctx context.Context) (int, error) {
	entries, err := filepath.Glob(filepath.Join(in.dir, "*"))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, path := range entries {
		if !isTranscript(path) {
			continue
		}
		if in.ingest(ctx, path) {
			n++
		}
	}
	return n, nil
}

func (in *Inbox) schedule(ctx context.Context, path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.scheduleLocked(ctx, path)
}

// scheduleLocked arms or re-arms the settle timer for path. Every armed
// timer holds a wg slot until its ingest finishes or it is stopped.
func (in *Inbox) scheduleLocked(ctx context.Context, path string) {
	if t, ok := in.pending[path]; ok && t.Stop() {
		t.Reset(in.settle)
		return
	}
	in.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(in.settle, func() {
		defer in.wg.Done()
		in.mu.Lock()
		if in.pending[path] == t {
			delete(in.pending, path)
		}
		in.mu.Unlock()
		in.ingest(ctx, path)
	})
	in.pending[path] = t
}

func (in *Inbox) stopTimers() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for path, t := range in.pending {
		if t.Stop() {
			in.wg.Done()
		}
		delete(in.pending, path)
	}
}

func (in *Inbox) ingest(ctx context.Context, path string) bool {
	if ctx.Err() != nil {
		return false
	}
	sessionID := SessionIDFromPath(path)
	log := in.logger.With().Str("file", filepath.Base(path)).Str("session_id", sessionID).Logger()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("read transcript file")
		}
		return false
	}
	if err := in.submit(ctx, sessionID, string(data)); err != nil {
		log.Error().Err(err).Msg("ingest transcript")
		return false
	}
	log.Info().Int("bytes", len(data)).Msg("transcript ingested")
	return true
}

// SessionIDFromPath returns the file name of path without its extension.
func SessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isTranscript(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".txt")
}
