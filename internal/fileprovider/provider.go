// Package fileprovider fetches file content by logical name under a base
// directory, memoizing recent reads in a bounded, time-expiring cache.
package fileprovider

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Source distinguishes where a file's bytes come from. Only OnDisk is
// implemented; Online is a reserved value for a not-yet-built remote
// file source.
type Source int

const (
	OnDisk Source = iota + 1
	Online
)

// ErrNotFound is returned when the resolved path does not exist, is not a
// regular file, is unreadable, or escapes the base directory.
var ErrNotFound = errors.New("fileprovider: file not found")

// ErrSourceUnimplemented is returned for the reserved Online source.
var ErrSourceUnimplemented = errors.New("fileprovider: online source is not implemented")

const (
	cacheSize = 128
	cacheTTL  = 10 * time.Minute
)

type cacheKey struct {
	source Source
	path   string
}

// Provider resolves logical filenames under baseDir and caches their
// contents. It is safe for concurrent use: one disk read is ever in flight
// per resolved path, and concurrent callers share that read's result.
type Provider struct {
	baseDir string
	cache   *lru.LRU[cacheKey, []byte]
	group   singleflight.Group
}

// New constructs a Provider rooted at baseDir. baseDir is canonicalized
// once so every subsequent path-containment check is cheap and exact.
func New(baseDir string) (*Provider, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving base directory %q", baseDir)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving base directory %q", baseDir)
	}
	return &Provider{
		baseDir: resolved,
		cache:   lru.NewLRU[cacheKey, []byte](cacheSize, nil, cacheTTL),
	}, nil
}

// Fetch returns the bytes of logicalPath resolved under the provider's base
// directory, or ErrNotFound if the path is absent, not a regular file,
// unreadable, or would escape the base directory.
func (p *Provider) Fetch(source Source, logicalPath string) ([]byte, error) {
	if source == Online {
		return nil, ErrSourceUnimplemented
	}
	if source != OnDisk {
		return nil, errors.Errorf("fileprovider: unknown source %d", source)
	}

	resolved, err := p.resolve(logicalPath)
	if err != nil {
		// Path traversal and "doesn't exist" are deliberately
		// indistinguishable to the caller: both surface as NOT_FOUND so a
		// probing client learns nothing about the jail boundary.
		return nil, ErrNotFound
	}

	key := cacheKey{source: source, path: resolved}
	if data, ok := p.cache.Get(key); ok {
		return data, nil
	}

	v, err, _ := p.group.Do(resolved, func() (any, error) {
		data, err := readFile(resolved)
		if err != nil {
			return nil, err
		}
		p.cache.Add(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// resolve joins logicalPath under the base directory and confirms the
// result stays inside it, following symlinks so a symlinked escape is
// caught too.
func (p *Provider) resolve(logicalPath string) (string, error) {
	if logicalPath == "" {
		return "", ErrNotFound
	}
	joined := filepath.Join(p.baseDir, logicalPath)
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", err
	}
	if resolved != p.baseDir && !strings.HasPrefix(resolved, p.baseDir+string(filepath.Separator)) {
		return "", errors.New("fileprovider: path escapes base directory")
	}
	return resolved, nil
}

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, ErrNotFound
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrNotFound
	}
	return data, nil
}
