package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the content root with fsnotify and delivers change
// notifications to handler until ctx is cancelled. Subdirectory creation is
// picked up as a new content type; events for the root itself and hidden
// files are ignored.
func (s *DirSource) Watch(ctx context.Context, handler ChangeHandler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.root); err != nil {
		return fmt.Errorf("watch content root: %w", err)
	}
	types, err := s.Types(ctx)
	if err != nil {
		return err
	}
	for _, typ := range types {
		if err := watcher.Add(filepath.Join(s.root, typ)); err != nil {
			return fmt.Errorf("watch %s: %w", typ, err)
		}
	}

	slog.Info("content_watch_started",
		slog.String("root", s.root),
		slog.Int("types", len(types)))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(watcher, event, handler)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("content_watch_error", slog.String("error", err.Error()))
		}
	}
}

// handleEvent maps one fsnotify event onto a change notification.
func (s *DirSource) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event, handler ChangeHandler) {
	rel, err := filepath.Rel(s.root, event.Name)
	if err != nil || rel == "." {
		return
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")

	// A new immediate subdirectory is a new content type: start watching it.
	if len(parts) == 1 {
		if event.Op.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := watcher.Add(event.Name); err != nil {
					slog.Warn("content_watch_add_failed",
						slog.String("path", event.Name),
						slog.String("error", err.Error()))
				}
			}
		}
		return
	}

	if len(parts) != 2 || strings.HasPrefix(parts[1], ".") {
		return
	}
	contentType, id := parts[0], parts[1]

	var action Action
	switch {
	case event.Op.Has(fsnotify.Create):
		action = ActionCreate
	case event.Op.Has(fsnotify.Write):
		action = ActionUpdate
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		action = ActionDelete
	default:
		return
	}

	handler.OnContentChanged(ChangeNotification{
		ContentType: contentType,
		ContentID:   id,
		Action:      action,
		Priority:    PriorityNormal,
		Timestamp:   time.Now(),
		Metadata:    map[string]string{"path": event.Name},
	})
}
