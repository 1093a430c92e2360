// Package images is the content-addressed staging area for image layer
// uploads. A digest is either absent, uploading (a partial file with a
// liveness window), or cached (its final file exists).
package images

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/twentyft/laksa/pkg/log"
	"github.com/ulikunitz/xz/lzma"
)

const (
	// maxOffer bounds a single upload_requirements call
	maxOffer = 256

	// uploadLiveness is how recently a partial file must have been
	// written for its uploader to be considered live.
	uploadLiveness = 10 * time.Second

	uploadingSuffix = ".uploading"
)

// Cache stages layer uploads under a single directory. The uploading
// table is process-local and owned by the dispatch loop; it does not
// survive a restart.
type Cache struct {
	dir       string
	cached    map[string]bool
	uploading map[string]*os.File
}

// New opens the cache directory, deleting any partial files left over
// from a previous run and listing the completed layers.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create layer cache: %w", err)
	}

	c := &Cache{
		dir:       dir,
		cached:    make(map[string]bool),
		uploading: make(map[string]*os.File),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list layer cache: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, uploadingSuffix) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				log.Logger.Warn().Err(err).Str("file", name).Msg("failed to remove stale partial upload")
			}
			continue
		}
		c.cached[name] = true
	}
	return c, nil
}

// Cached reports whether a digest's final file exists
func (c *Cache) Cached(digest string) bool {
	return c.cached[digest]
}

// CachedCount returns the number of completed layers
func (c *Cache) CachedCount() int {
	return len(c.cached)
}

func (c *Cache) partialPath(digest string) string {
	return filepath.Join(c.dir, digest+uploadingSuffix)
}

func (c *Cache) finalPath(digest string) string {
	return filepath.Join(c.dir, digest)
}

// UploadRequirements returns the subset of the offered digests that
// still need uploading. A digest with a live partial upload is refused;
// a stale partial upload is reclaimed and included in the result.
func (c *Cache) UploadRequirements(offered []string) ([]string, error) {
	dedup := make(map[string]bool)
	for _, d := range offered {
		if d != "" {
			dedup[d] = true
		}
	}
	if len(dedup) > maxOffer {
		return nil, fmt.Errorf("upload offer is too large (>%d layers)", maxOffer)
	}

	var needed []string
	answered := make(map[string]bool)
	for _, digest := range offered {
		if digest == "" || answered[digest] || c.cached[digest] {
			continue
		}
		if f, uploading := c.uploading[digest]; uploading {
			stat, err := os.Stat(c.partialPath(digest))
			if err == nil {
				if time.Since(stat.ModTime()) < uploadLiveness {
					return nil, fmt.Errorf("layer is currently being uploaded")
				}
				f.Close()
				delete(c.uploading, digest)
				if err := os.Remove(c.partialPath(digest)); err != nil {
					log.Logger.Warn().Err(err).Str("digest", digest).Msg("failed to reclaim partial upload")
				}
			} else {
				f.Close()
				delete(c.uploading, digest)
			}
		}
		needed = append(needed, digest)
		answered[digest] = true
	}
	return needed, nil
}

// UploadSlab decompresses one slab and appends it to the digest's
// partial file, opening it on demand. Returns a log line identifying
// the slab.
func (c *Cache) UploadSlab(digest string, slab int64, bulk []byte) (string, error) {
	f, ok := c.uploading[digest]
	if !ok {
		var err error
		f, err = os.OpenFile(c.partialPath(digest), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
		if err != nil {
			return "", fmt.Errorf("failed to open partial upload: %w", err)
		}
		c.uploading[digest] = f
	}

	r, err := lzma.NewReader(bytes.NewReader(bulk))
	if err != nil {
		return "", fmt.Errorf("failed to read slab: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("failed to append slab: %w", err)
	}
	return fmt.Sprintf("received slab: %d", slab+1), nil
}

// UploadComplete closes the partial file, atomically renames it to its
// final path and marks the digest cached.
func (c *Cache) UploadComplete(digest string) (string, error) {
	f, ok := c.uploading[digest]
	if !ok {
		return "", fmt.Errorf("layer was not being uploaded: %s", digest)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close partial upload: %w", err)
	}
	if err := os.Rename(c.partialPath(digest), c.finalPath(digest)); err != nil {
		return "", fmt.Errorf("failed to finalise layer: %w", err)
	}
	c.cached[digest] = true
	delete(c.uploading, digest)
	short := digest
	if len(short) > 16 {
		short = short[:16]
	}
	return "received complete layer: " + short, nil
}
