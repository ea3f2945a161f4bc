// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package hostdb

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// reloadDelay collapses bursts of file events, e.g., from editors writing
// temporary files, into one reload.
const reloadDelay = 200 * time.Millisecond

// Watcher reloads a hosts file into a Store whenever it changes.
type Watcher struct {
	store    *Store
	filename string
	watcher  *fsnotify.Watcher

	// reloaded is informed after each reload, if not nil.
	reloaded chan<- error

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewWatcher loads the hosts file once and watches it afterwards. The optional
// reloaded channel receives the outcome of every later reload.
func NewWatcher(store *Store, filename string, reloaded chan<- error) (w *Watcher, err error) {
	if filename, err = filepath.Abs(filename); err != nil {
		return
	}

	if _, err = store.SyncFile(filename); err != nil {
		return
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	// Watch the directory, as files are often replaced instead of written.
	if err = fw.Add(filepath.Dir(filename)); err != nil {
		_ = fw.Close()
		return
	}

	w = &Watcher{
		store:    store,
		filename: filename,
		watcher:  fw,
		reloaded: reloaded,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}
	go w.handler()
	return
}

func (w *Watcher) log() *log.Entry {
	return log.WithField("file", w.filename)
}

func (w *Watcher) handler() {
	defer close(w.stopAck)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.stopSyn:
			_ = w.watcher.Close()
			return

		case e, ok := <-w.watcher.Events:
			if !ok {
				w.log().Error("fsnotify's Event channel was closed")
				<-w.stopSyn
				return
			}

			if filepath.Clean(e.Name) != w.filename {
				continue
			}
			if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				w.log().WithField("operation", e.Op.String()).Debug("Ignoring fsnotify event")
				continue
			}

			timer.Reset(reloadDelay)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.log().Error("fsnotify's Errors channel was closed")
				<-w.stopSyn
				return
			}
			w.log().WithError(err).Warn("fsnotify errored")

		case <-timer.C:
			_, err := w.store.SyncFile(w.filename)
			if err != nil {
				w.log().WithError(err).Warn("Reloading hosts file failed, keeping the known hosts")
			}

			if w.reloaded != nil {
				select {
				case w.reloaded <- err:
				case <-w.stopSyn:
					_ = w.watcher.Close()
					return
				}
			}
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.stopSyn)
	<-w.stopAck
	return nil
}
