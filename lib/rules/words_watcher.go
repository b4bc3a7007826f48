package rules

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fsnotify/fsnotify"
)

// WatchWordsFile loads the banned words file into the detector and keeps watching it,
// reloading on every write. Blocks until ctx is canceled. Lets group admins maintain
// the word list as a plain file without bot restarts.
func (d *Detector) WatchWordsFile(ctx context.Context, path string) error {
	reload := func() error {
		data, err := readFile(path)
		if err != nil {
			return err
		}
		count, err := d.ReloadWords(data)
		if err != nil {
			return err
		}
		log.Printf("[INFO] banned words loaded from %s, %d entries", path, count)
		return nil
	}

	if err := reload(); err != nil {
		return fmt.Errorf("failed to load words file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to add %s to watcher: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] stopping watcher for %s, %v", path, ctx.Err())
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				if e := reload(); e != nil {
					log.Printf("[WARN] failed to reload words file %s: %v", path, e)
				}
			}
		case e, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[WARN] watcher error: %v", e)
		}
	}
}

func readFile(path string) (io.Reader, error) {
	file, err := os.Open(path) //nolint gosec // path is controlled by the app
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return bytes.NewReader(data), nil
}
