package file

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"shardfs/internal/index"
	"shardfs/internal/repository"
	"shardfs/pkg/model"
)

// Repository is the filesystem under one node's root.
// Mutations on the same path are serialized so concurrent connections
// never interleave writes or observe a half-written file.
type Repository struct {
	node     model.Node
	resolver Resolver
	indexer  *index.Indexer
	locks    *pathLocks
	// locator caches bare name -> absolute path found by a tree search
	locator *ttlcache.Cache[string, string]
	logger  *zap.Logger
}

func NewRepo(node model.Node, indexer *index.Indexer, locatorTTL time.Duration, logger *zap.Logger) (*Repository, error) {
	root, err := filepath.Abs(node.Root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve root")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "FAILED TO CREATE ROOT DIRECTORY %s", root)
	}
	node.Root = root

	repo := &Repository{
		node:     node,
		resolver: Resolver{Root: root, Role: node.Role},
		indexer:  indexer,
		locks:    newPathLocks(),
		logger:   logger.Named("repo").With(zap.String("root", root)),
	}
	if locatorTTL > 0 {
		repo.locator = ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](locatorTTL),
			ttlcache.WithDisableTouchOnHit[string, string](),
		)
		go repo.locator.Start()
	}
	return repo, nil
}

// Close stops the locator cache janitor.
func (r *Repository) Close() {
	if r.locator != nil {
		r.locator.Stop()
	}
}

func (r *Repository) Root() string {
	return r.node.Root
}

func (r *Repository) Indexer() *index.Indexer {
	return r.indexer
}

// Located is a file addressed by a request.
type Located struct {
	Path    string // absolute path on disk
	Display string // name announced back to the peer
}

// Locate resolves name to a file on disk.
// Storage nodes search the tree for bare relative names before falling back
// to a direct join under the root; the gateway only joins.
func (r *Repository) Locate(ctx context.Context, name string) (*Located, error) {
	form := FormOf(name)
	if form != FormRelative || r.node.IsGateway() {
		abs, err := r.resolver.Resolve(name)
		if err != nil {
			return nil, err
		}
		return &Located{Path: abs, Display: name}, nil
	}

	if abs, ok := r.cached(name); ok {
		return &Located{Path: abs, Display: r.display(abs, name)}, nil
	}

	found, ok, err := r.indexer.FindFirst(ctx, r.Root(), name, r.Root())
	if err != nil {
		r.logger.Warn("search failed", zap.String("name", name), zap.Error(err))
	}
	if ok {
		abs := found
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(r.Root(), found)
		}
		r.remember(name, abs)
		return &Located{Path: abs, Display: found}, nil
	}

	abs, err := r.resolver.Resolve(name)
	if err != nil {
		return nil, err
	}
	return &Located{Path: abs, Display: name}, nil
}

// ResolveDir resolves a directory argument (listing or upload destination).
// Directory arguments always address the node tree, even when absolute.
func (r *Repository) ResolveDir(p string) (string, error) {
	return r.resolver.ResolveDir(p)
}

// IsDir reports whether path is an existing directory.
func (r *Repository) IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Exists reports whether path exists.
func (r *Repository) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadFile reads a whole file whose size must stay below maxContent.
func (r *Repository) ReadFile(path string, maxContent int64) ([]byte, error) {
	unlock := r.locks.lock(path, false)
	defer unlock()

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, repository.NotFound("File not found")
	}
	if info.Size() >= maxContent {
		return nil, repository.Oversize("File too large to transfer")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, repository.IOError(errors.Wrapf(err, "read %s", path), "Failed to open file")
	}
	if int64(len(data)) >= maxContent {
		return nil, repository.Oversize("File too large to transfer")
	}
	return data, nil
}

// SaveFile writes data as filename inside the destination directory.
// The content lands in a temp file first and is renamed into place, so a
// failed upload never leaves a partial file behind.
func (r *Repository) SaveFile(destDir, filename string, data []byte) (string, error) {
	dir, err := r.resolver.ResolveDir(destDir)
	if err != nil {
		return "", err
	}
	if err := EnsureDirs(dir); err != nil {
		return "", err
	}

	target := filepath.Join(dir, filepath.Base(filename))
	unlock := r.locks.lock(target, true)
	defer unlock()

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", repository.IOError(errors.Wrap(err, "create temp"), "Failed to save file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", repository.IOError(errors.Wrap(err, "write temp"), "Partial file write")
	}
	if err := tmp.Close(); err != nil {
		return "", repository.IOError(errors.Wrap(err, "close temp"), "Failed to save file")
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return "", repository.IOError(errors.Wrap(err, "chmod temp"), "Failed to save file")
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", repository.IOError(errors.Wrapf(err, "rename to %s", target), "Failed to save file")
	}

	r.forget(filename)
	r.logger.Debug("saved", zap.String("path", target), zap.Int("bytes", len(data)))
	return target, nil
}

// DeleteFile removes path. name is the caller's spelling, used in messages.
func (r *Repository) DeleteFile(path, name string) error {
	unlock := r.locks.lock(path, true)
	defer unlock()

	if _, err := os.Stat(path); err != nil {
		return repository.NotFound("File %s does not exist", name)
	}
	if err := os.Remove(path); err != nil {
		return repository.IOError(errors.Wrapf(err, "remove %s", path), "Failed to delete file %s: %v", name, unwrapPathError(err))
	}

	r.forget(name)
	r.logger.Debug("deleted", zap.String("path", path))
	return nil
}

func (r *Repository) cached(name string) (string, bool) {
	if r.locator == nil {
		return "", false
	}
	item := r.locator.Get(filepath.Base(name))
	if item == nil {
		return "", false
	}
	if !r.Exists(item.Value()) {
		r.locator.Delete(filepath.Base(name))
		return "", false
	}
	return item.Value(), true
}

func (r *Repository) remember(name, abs string) {
	if r.locator != nil {
		r.locator.Set(filepath.Base(name), abs, ttlcache.DefaultTTL)
	}
}

func (r *Repository) forget(name string) {
	if r.locator != nil {
		r.locator.Delete(filepath.Base(name))
	}
}

func (r *Repository) display(abs, fallback string) string {
	if rel, err := filepath.Rel(r.Root(), abs); err == nil && !filepath.IsAbs(rel) && rel != ".." && !startsWithParent(rel) {
		return rel
	}
	return fallback
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

func unwrapPathError(err error) error {
	var pe *os.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

// pathLocks hands out one RWMutex per path, dropped when unused.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sync.RWMutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*pathLock)}
}

func (p *pathLocks) lock(path string, write bool) func() {
	p.mu.Lock()
	l, ok := p.locks[path]
	if !ok {
		l = &pathLock{}
		p.locks[path] = l
	}
	l.refs++
	p.mu.Unlock()

	if write {
		l.Lock()
	} else {
		l.RLock()
	}

	return func() {
		if write {
			l.Unlock()
		} else {
			l.RUnlock()
		}
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, path)
		}
		p.mu.Unlock()
	}
}
