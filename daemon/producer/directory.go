package producer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru"

	"github.com/ndnstream/backend/internal/ndn"
)

// DefaultCacheChunks bounds the chunk cache of a Directory.
const DefaultCacheChunks = 4096

// Directory serves the files below a root directory. Chunks are cached in
// an LRU that is invalidated when files change on disk.
type Directory struct {
	*server
	root  string
	cache *lru.Cache
}

// NewDirectory serves root under opts.Prefix.
func NewDirectory(opts Options, root string, cacheChunks int) (*Directory, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open content root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("content root %s is not a directory", root)
	}
	if cacheChunks <= 0 {
		cacheChunks = DefaultCacheChunks
	}
	cache, err := lru.New(cacheChunks)
	if err != nil {
		return nil, err
	}
	return &Directory{
		server: newServer(opts, "directory"),
		root:   root,
		cache:  cache,
	}, nil
}

func (d *Directory) Serve(i *ndn.Interest) (*ndn.Data, bool) { return d.serve(i, d) }

// resolve maps a relative object name to a path inside root.
func (d *Directory) resolve(rel string) string {
	clean := path.Clean("/" + rel)
	return filepath.Join(d.root, filepath.FromSlash(clean))
}

func (d *Directory) size(rel string) (int64, bool) {
	info, err := os.Stat(d.resolve(rel))
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

func cacheKey(rel string, off int64) string {
	return fmt.Sprintf("%s#%d", rel, off)
}

func (d *Directory) read(rel string, off int64, n int) ([]byte, error) {
	key := cacheKey(path.Clean("/"+rel), off)
	if v, ok := d.cache.Get(key); ok {
		if b := v.([]byte); len(b) == n {
			return b, nil
		}
	}
	f, err := os.Open(d.resolve(rel))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil, err
	}
	d.cache.Add(key, buf)
	return buf, nil
}

// CachedChunks returns the number of cached chunks.
func (d *Directory) CachedChunks() int { return d.cache.Len() }

// Invalidate drops the cached chunks of the file at the given path.
func (d *Directory) Invalidate(file string) {
	rel, err := filepath.Rel(d.root, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	prefix := "/" + filepath.ToSlash(rel) + "#"
	for _, k := range d.cache.Keys() {
		if strings.HasPrefix(k.(string), prefix) {
			d.cache.Remove(k)
		}
	}
}

// Watch invalidates cached chunks when files below root change, until ctx
// is done. Directories created later are watched too.
func (d *Directory) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	err = filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return w.Add(p)
		}
		return nil
	})
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", d.root, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = w.Add(ev.Name)
					}
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Create) {
					d.Invalidate(ev.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if !errors.Is(err, fsnotify.ErrEventOverflow) {
					d.log.Error(err, "content watcher error")
					continue
				}
				d.cache.Purge()
			}
		}
	}()
	return nil
}
