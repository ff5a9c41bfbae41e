package vault

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	appLog "switchboard/internal/log"
)

// Watch calls onChange whenever a markdown file under dir is written,
// created, removed or renamed. New subdirectories are picked up as they
// appear. It blocks until ctx is done.
func Watch(ctx context.Context, dir string, onChange func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create vault watcher: %w", err)
	}
	defer watcher.Close()

	if err := addTree(watcher, dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !hidden(ev.Name) {
					if err := addTree(watcher, ev.Name); err != nil {
						appLog.Error("vault: watch new dir failed", err, "path", ev.Name)
					}
					continue
				}
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".md") {
				continue
			}
			appLog.Debug("vault: change", "op", ev.Op.String(), "path", ev.Name)
			onChange(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			appLog.Error("vault: watcher error", err)
		}
	}
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(path) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
