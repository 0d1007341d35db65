// Package correlation maintains the pairwise instrument correlation matrix
// supplied by an external analytics process. The matrix is data, not config:
// the file is re-read whenever the producer rewrites it.
package correlation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"fxcore/internal/logger"
)

// Entry is one pairwise correlation as written by the analytics producer.
type Entry struct {
	A           string  `yaml:"a"`
	B           string  `yaml:"b"`
	Correlation float64 `yaml:"correlation"`
}

type fileFormat struct {
	Pairs []Entry `yaml:"pairs"`
}

// Snapshot is an immutable view of a loaded matrix.
type Snapshot struct {
	LoadedAt time.Time
	Pairs    map[pairKey]float64
}

type pairKey struct{ a, b string }

func keyFor(a, b string) pairKey {
	a = strings.ToUpper(strings.TrimSpace(a))
	b = strings.ToUpper(strings.TrimSpace(b))
	if a > b {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

// Registry loads the matrix file and watches it for rewrites.
type Registry struct {
	path string

	mu   sync.RWMutex
	snap Snapshot

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry reads the matrix at path. A missing file is not an error: the
// registry starts empty and picks the matrix up once the producer writes it.
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("correlation matrix path cannot be empty")
	}
	r := &Registry{path: path, done: make(chan struct{})}
	if err := r.reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		logger.Warnf("correlation: matrix %s not found yet, starting empty", path)
		r.snap = Snapshot{LoadedAt: time.Now(), Pairs: map[pairKey]float64{}}
	}
	return r, nil
}

// Watch re-reads the matrix whenever the file changes. Stops when Close is
// called; watcher failures degrade to the last loaded snapshot.
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return err
	}
	r.watcher = w
	go func() {
		for {
			select {
			case <-r.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					logger.Warnf("correlation: reload failed: %v", err)
					continue
				}
				logger.Infof("correlation: matrix reloaded (%d pairs)", r.len())
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warnf("correlation: watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (r *Registry) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *Registry) reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parsing correlation matrix failed: %w", err)
	}
	pairs := make(map[pairKey]float64, len(f.Pairs))
	for _, e := range f.Pairs {
		if e.A == "" || e.B == "" {
			continue
		}
		if e.Correlation < -1 || e.Correlation > 1 {
			return fmt.Errorf("correlation %s/%s out of [-1,1]: %f", e.A, e.B, e.Correlation)
		}
		pairs[keyFor(e.A, e.B)] = e.Correlation
	}
	r.mu.Lock()
	r.snap = Snapshot{LoadedAt: time.Now(), Pairs: pairs}
	r.mu.Unlock()
	return nil
}

// Correlation returns the pairwise correlation, false when the pair is not in
// the matrix. Symmetric: order of a and b does not matter.
func (r *Registry) Correlation(a, b string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.snap.Pairs[keyFor(a, b)]
	return v, ok
}

func (r *Registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.snap.Pairs)
}
