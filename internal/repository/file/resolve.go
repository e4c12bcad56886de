package file

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"shardfs/internal/repository"
	"shardfs/pkg/model"
)

// CleanPath collapses runs of '/' into one.
func CleanPath(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' && prevSlash {
			continue
		}
		prevSlash = c == '/'
		b.WriteByte(c)
	}
	return b.String()
}

// Resolver maps caller-supplied paths onto one node's tree.
//
// Three forms are accepted:
//   - home-relative, "~/<dir>/rest" or "~<dir>/rest": rest under the root
//   - absolute: used as-is on storage nodes, joined under the root on the gateway
//   - relative: joined under the root
type Resolver struct {
	Root string
	Role model.Role
}

// Form identifies how a path was addressed.
type Form int

const (
	FormRelative Form = iota
	FormHome
	FormAbsolute
)

// FormOf classifies p.
func FormOf(p string) Form {
	switch {
	case strings.HasPrefix(p, "~"):
		return FormHome
	case strings.HasPrefix(p, "/"):
		return FormAbsolute
	default:
		return FormRelative
	}
}

// Resolve returns the absolute path p addresses.
// Relative and home-relative paths may not climb out of the root.
func (r Resolver) Resolve(p string) (string, error) {
	p = CleanPath(p)
	switch FormOf(p) {
	case FormHome:
		return r.underRoot(stripHome(p))
	case FormAbsolute:
		if r.Role == model.RoleGateway {
			return r.underRoot(p)
		}
		return filepath.Clean(p), nil
	default:
		return r.underRoot(p)
	}
}

// ResolveDir returns the absolute directory an upload destination names.
// Absolute destinations are always taken relative to the root.
func (r Resolver) ResolveDir(p string) (string, error) {
	p = CleanPath(p)
	if FormOf(p) == FormHome {
		p = stripHome(p)
	}
	return r.underRoot(p)
}

func (r Resolver) underRoot(rel string) (string, error) {
	joined := filepath.Join(r.Root, rel)
	if joined != r.Root && !strings.HasPrefix(joined, r.Root+string(filepath.Separator)) {
		return "", repository.BadRequest("Path %s is outside the node tree", rel)
	}
	return joined, nil
}

// stripHome drops "~/" or "~" and the node directory segment after it.
func stripHome(p string) string {
	p = strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return ""
}

// EnsureDirs creates every missing directory of path.
// Existing directories are fine; any other failure is an IOError.
func EnsureDirs(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return repository.IOError(errors.Wrapf(err, "mkdir %s", path), "Failed to create directories")
	}
	return nil
}
