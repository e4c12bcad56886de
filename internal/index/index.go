// Package index walks a node's directory tree to locate files by name or
// collect them by extension.
package index

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"shardfs/pkg/model"
)

// DefaultMaxDepth bounds traversal depth.
const DefaultMaxDepth = 64

// Indexer performs depth-first traversals with an explicit stack.
type Indexer struct {
	maxDepth int
	logger   *zap.Logger
}

func New(logger *zap.Logger, maxDepth int) *Indexer {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Indexer{maxDepth: maxDepth, logger: logger.Named("index")}
}

// level is one open directory on the traversal stack.
type level struct {
	dir     string
	info    os.FileInfo
	entries []os.DirEntry
	next    int
}

// visitFunc is called for every regular file; returning true stops the walk.
type visitFunc func(path string, name string) bool

// walk visits regular files under dir depth-first: a subdirectory is fully
// visited before the siblings that follow it. Unreadable subdirectories and
// entries that cannot be stat'ed are skipped; an unreadable dir is an error.
// A directory already open on the stack is not entered again, so symlink
// cycles are cut at the link.
func (ix *Indexer) walk(ctx context.Context, dir string, visit visitFunc) error {
	rootInfo, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(err, "stat dir %s", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "read dir %s", dir)
	}
	stack := []*level{{dir: dir, info: rootInfo, entries: entries}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		top := stack[len(stack)-1]
		if top.next >= len(top.entries) {
			stack = stack[:len(stack)-1]
			continue
		}
		entry := top.entries[top.next]
		top.next++

		path := filepath.Join(top.dir, entry.Name())
		// stat follows symlinks the same way the listing tools do
		info, err := os.Stat(path)
		if err != nil {
			ix.logger.Debug("stat failed", zap.String("path", path), zap.Error(err))
			continue
		}

		switch {
		case info.Mode().IsRegular():
			if visit(path, entry.Name()) {
				return nil
			}
		case info.IsDir():
			if len(stack) >= ix.maxDepth {
				ix.logger.Warn("max depth reached", zap.String("path", path))
				continue
			}
			if onStack(stack, info) {
				ix.logger.Debug("directory cycle skipped", zap.String("path", path))
				continue
			}
			sub, err := os.ReadDir(path)
			if err != nil {
				ix.logger.Debug("read dir failed", zap.String("path", path), zap.Error(err))
				continue
			}
			stack = append(stack, &level{dir: path, info: info, entries: sub})
		}
	}
	return nil
}

func onStack(stack []*level, info os.FileInfo) bool {
	for _, l := range stack {
		if os.SameFile(l.info, info) {
			return true
		}
	}
	return false
}

// FindFirst returns the first regular file under dir whose base name equals
// the base name of target. The result is relative to base when the match lies
// under base, absolute otherwise. ok is false when nothing matched.
func (ix *Indexer) FindFirst(ctx context.Context, dir, target, base string) (found string, ok bool, err error) {
	want := filepath.Base(target)
	err = ix.walk(ctx, dir, func(path, name string) bool {
		if name != want {
			return false
		}
		found, ok = relativeTo(base, path), true
		return true
	})
	if err != nil {
		return "", false, err
	}
	if ok {
		ix.logger.Debug("found", zap.String("target", target), zap.String("path", found))
	}
	return found, ok, nil
}

// CollectByExtension returns every regular file under dir whose extension
// matches ext case-insensitively, in traversal order. Collection stops once
// maxCount records were gathered; maxCount <= 0 means no bound.
func (ix *Indexer) CollectByExtension(ctx context.Context, dir, ext string, maxCount int) ([]model.FileRecord, error) {
	var records []model.FileRecord
	err := ix.walk(ctx, dir, func(path, name string) bool {
		if !strings.EqualFold(model.Ext(name), ext) {
			return false
		}
		records = append(records, model.FileRecord{Path: path, RelPath: relativeTo(dir, path)})
		if maxCount > 0 && len(records) >= maxCount {
			ix.logger.Warn("max file count reached", zap.String("dir", dir), zap.Int("max", maxCount))
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func relativeTo(base, path string) string {
	if base == "" {
		return path
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}
