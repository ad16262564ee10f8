package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

func modTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// StartWatcher reloads the config file when it changes and hands the fresh
// Config to onReload. Only the hot-reloadable tables (rate limits, webhook
// providers) are worth applying; connection settings need a restart.
// Falls back to slow polling when fsnotify cannot watch the path.
func StartWatcher(ctx context.Context, path string, onReload func(*Config)) {
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Printf("config watcher: reload failed, keeping previous config: %v", err)
			return
		}
		onReload(cfg)
		log.Printf("config watcher: reloaded %s", path)
	}

	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Printf("config watcher: fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(path); err != nil {
		log.Printf("config watcher: cannot watch %s (%v), falling back to polling", path, err)
		usePolling = true
		watcher.Close()
	}

	if usePolling {
		go func() {
			ticker := time.NewTicker(60 * time.Second)
			defer ticker.Stop()

			var lastMod time.Time
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if mod, ok := modTime(path); ok && mod.After(lastMod) {
						lastMod = mod
						reload()
					}
				}
			}
		}()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
					// Editors often write in two steps; give the file a beat.
					time.Sleep(100 * time.Millisecond)
					reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config watcher: %v", err)
			}
		}
	}()
}
