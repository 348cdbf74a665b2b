package profile

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"dmxlightd/internal/logger"
)

// Entry pairs a profile with its document id (the file stem).
type Entry struct {
	ID      string    `json:"id"`
	Profile *Document `json:"profile"`
}

// Loader scans a directory of *.json profile documents and keeps the
// parsed set in memory. With watching enabled the set follows edits to
// the directory.
type Loader struct {
	log logger.Logger
	dir string

	mu       sync.RWMutex
	profiles map[string]*Document

	watcher  *fsnotify.Watcher
	onReload func()
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewLoader(log logger.Logger, dir string) *Loader {
	return &Loader{
		log:      log,
		dir:      dir,
		profiles: make(map[string]*Document),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Load scans the directory. Unparseable documents are skipped with a
// log line; a missing directory yields an empty set.
func (l *Loader) Load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.log.With(logger.Fields{"module": "profiles"}).Warnf("profile directory %s does not exist", l.dir)
			l.mu.Lock()
			l.profiles = make(map[string]*Document)
			l.mu.Unlock()
			return nil
		}
		return err
	}

	profiles := make(map[string]*Document)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			l.log.With(logger.Fields{"module": "profiles"}).Errorf("read %s: %v", path, err)
			continue
		}
		doc, err := Parse(data)
		if err != nil {
			l.log.With(logger.Fields{"module": "profiles"}).Errorf("skipping %s: %v", path, err)
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		profiles[id] = doc
	}

	l.mu.Lock()
	l.profiles = profiles
	l.mu.Unlock()
	l.log.With(logger.Fields{"module": "profiles"}).Infof("loaded %d fixture profiles from %s", len(profiles), l.dir)
	return nil
}

// List returns all profiles ordered by id.
func (l *Loader) List() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.profiles))
	for id, doc := range l.profiles {
		out = append(out, Entry{ID: id, Profile: doc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the profile with the given document id.
func (l *Loader) Get(id string) (*Document, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	doc, ok := l.profiles[id]
	return doc, ok
}

// FindByFixture returns the profile whose fixture display name matches.
func (l *Loader) FindByFixture(name string) (*Document, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, doc := range l.profiles {
		if doc.Fixture == name {
			return doc, true
		}
	}
	return nil, false
}

// Watch follows the profile directory and reloads on changes. The
// callback fires after each successful reload. Events are debounced so
// an editor save (write + rename) reloads once.
func (l *Loader) Watch(onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return err
	}
	l.watcher = watcher
	l.onReload = onReload
	go l.watchLoop()
	return nil
}

// Close stops the watcher, if one was started.
func (l *Loader) Close() {
	if l.watcher == nil {
		return
	}
	close(l.stopCh)
	<-l.doneCh
}

func (l *Loader) watchLoop() {
	defer close(l.doneCh)
	defer l.watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-l.stopCh:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.log.With(logger.Fields{"module": "profiles"}).Debugf("profile directory changed: %s %s", event.Name, event.Op)
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.With(logger.Fields{"module": "profiles"}).Errorf("profile watcher: %v", err)
		case <-pending:
			pending = nil
			if err := l.Load(); err != nil {
				l.log.With(logger.Fields{"module": "profiles"}).Errorf("profile reload failed: %v", err)
				continue
			}
			if l.onReload != nil {
				l.onReload()
			}
		}
	}
}
