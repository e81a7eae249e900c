// Package voicebank materializes voicebank archives from the object store
// into a local cache directory. Entries are immutable once written;
// concurrent first-use of the same voicebank is collapsed to a single
// download.
package voicebank

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/cantoria/cantoria/internal/fault"
	"github.com/cantoria/cantoria/internal/store"
)

// objectPrefix is where voicebank blobs live in the object store.
const objectPrefix = "voicebanks/"

// Cache is the local voicebank cache.
type Cache struct {
	objects store.ObjectStore
	dir     string
	logger  *slog.Logger
	group   singleflight.Group
}

// NewCache creates the cache directory if needed.
func NewCache(objects store.ObjectStore, dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("voicebank: cache dir: %w", err)
	}
	return &Cache{
		objects: objects,
		dir:     dir,
		logger:  slog.Default().With("component", "voicebank"),
	}, nil
}

// validName rejects anything that could escape the cache directory.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`)
}

// Ensure returns the local path of the named voicebank, downloading it on
// first use. At most one download runs per name; concurrent callers share
// its outcome.
func (c *Cache) Ensure(ctx context.Context, name string) (string, error) {
	if !validName(name) {
		return "", fault.Newf(fault.InvalidInput, "invalid voicebank name %q", name)
	}
	local := filepath.Join(c.dir, name)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	_, err, _ := c.group.Do(name, func() (any, error) {
		// A loser of an earlier flight may find the entry already there.
		if _, err := os.Stat(local); err == nil {
			return nil, nil
		}
		return nil, c.fetch(ctx, name, local)
	})
	if err != nil {
		return "", err
	}
	return local, nil
}

// fetch downloads one voicebank blob and commits it atomically.
func (c *Cache) fetch(ctx context.Context, name, local string) error {
	c.logger.Info("fetching voicebank", "name", name)

	body, err := c.objects.Get(ctx, objectPrefix+name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fault.Newf(fault.InvalidInput, "unknown voicebank %q", name)
		}
		return fmt.Errorf("voicebank: fetch %s: %w", name, err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(c.dir, ".fetch-*")
	if err != nil {
		return fmt.Errorf("voicebank: tmp for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("voicebank: download %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("voicebank: close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return fmt.Errorf("voicebank: commit %s: %w", name, err)
	}

	c.logger.Info("voicebank cached", "name", name, "path", local)
	return nil
}

// Cached reports whether the named voicebank is already materialized.
func (c *Cache) Cached(name string) bool {
	if !validName(name) {
		return false
	}
	_, err := os.Stat(filepath.Join(c.dir, name))
	return err == nil
}
