package filesync

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

const driftInterval = 30 * time.Second

// StartDriftWatcher runs until ctx is cancelled, checking managed files for
// on-disk drift every 30 seconds. When the controller data directory exists
// it is additionally watched with fsnotify so local edits trigger an
// immediate check instead of waiting out the tick. Detected drift
// re-requests the authoritative hash set; the reconciliation that follows
// converges both sides. Nothing here touches the databases.
func (e *Engine) StartDriftWatcher(ctx context.Context) {
	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.log.Warn().Err(err).Msg("fsnotify unavailable, falling back to polling only")
	} else {
		defer watcher.Close()
		if err := watcher.Add(e.controllerDataPath); err != nil {
			e.log.Debug().Err(err).Str("dir", e.controllerDataPath).Msg("not watching data directory")
		}
		events = watcher.Events
	}

	ticker := time.NewTicker(driftInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkDrift()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				e.checkDrift()
			}
		}
	}
}

// checkDrift asks the backend for its hash table when any managed file
// changed since the last look.
func (e *Engine) checkDrift() {
	defs, have := e.Definitions()
	if !have {
		return
	}
	drifted := false
	for _, def := range defs {
		if e.DidFileChange(e.ExpandPath(def.Path)) {
			drifted = true
		}
	}
	if drifted {
		e.log.Info().Msg("managed file drift detected, requesting hash set")
		e.pub.RequestClientAttributes(FileHashesKey)
	}
}
