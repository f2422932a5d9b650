package storageserver

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/scrivd/internal/document"
	"pkt.systems/pslog"
)

// docCache keeps one parsed Document per open file. Replication and
// recovery sync write file bytes straight to disk beneath the cache,
// so a watcher on the storage root drops stale entries when their
// backing file changes. A document with outstanding sentence locks is
// never evicted; the active write session keeps it consistent.
type docCache struct {
	store  *Store
	logger pslog.Logger

	mu   sync.Mutex
	docs map[string]*document.Document

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newDocCache(store *Store, logger pslog.Logger) (*docCache, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("storageserver: start watcher: %w", err)
	}
	if err := watcher.Add(store.Root()); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("storageserver: watch %q: %w", store.Root(), err)
	}
	c := &docCache{
		store:   store,
		logger:  logger,
		docs:    make(map[string]*document.Document),
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go c.watch()
	return c, nil
}

func (c *docCache) watch() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if isSidecar(name) {
				continue
			}
			c.invalidate(name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("cache.watcher.error", "error", err)
		}
	}
}

// get returns the cached document for name, parsing it from disk on a
// miss.
func (c *docCache) get(name string) (*document.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if doc, ok := c.docs[name]; ok {
		return doc, nil
	}
	data, err := c.store.Read(name)
	if err != nil {
		return nil, err
	}
	doc := document.Open(string(data))
	c.docs[name] = doc
	return doc, nil
}

// peek returns the cached document without loading from disk.
func (c *docCache) peek(name string) (*document.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[name]
	return doc, ok
}

// invalidate evicts the cached document unless a sentence lock pins it.
func (c *docCache) invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[name]
	if !ok {
		return
	}
	if doc.AnyLocked() {
		return
	}
	delete(c.docs, name)
}

// drop evicts unconditionally, used after delete and revert.
func (c *docCache) drop(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, name)
}

func (c *docCache) close() {
	close(c.done)
	c.watcher.Close()
}
