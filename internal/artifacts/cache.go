// Package artifacts caches rendered dashboard PDFs per schedule under
// reports/<scheduleId>/<tag>.pdf.
package artifacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

func Path(scheduleID uint, tag string) string {
	return fmt.Sprintf("reports/%d/%s.pdf", scheduleID, tag)
}

type Cache struct {
	backend Backend
	log     zerolog.Logger
}

func NewCache(backend Backend, log zerolog.Logger) *Cache {
	return &Cache{backend: backend, log: log}
}

// Load returns the cached PDF for tag listed in index. A missing entry or
// missing object is a cache miss, not an error.
func (c *Cache) Load(ctx context.Context, index map[string]string, tag string) ([]byte, bool) {
	key, ok := index[tag]
	if !ok || key == "" {
		return nil, false
	}
	data, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMissing) {
			c.log.Warn().Err(err).Str("key", key).Msg("artifact read failed, rendering instead")
		}
		return nil, false
	}
	return data, len(data) > 0
}

// Store writes data at the canonical path of (scheduleID, tag).
func (c *Cache) Store(ctx context.Context, scheduleID uint, tag string, data []byte) (string, error) {
	key := Path(scheduleID, tag)
	if err := c.backend.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("failed to store artifact %s: %w", key, err)
	}
	return key, nil
}

// CopyTree copies every artifact of index into childID's directory and
// returns the child's index. Entries that cannot be read are left out.
func (c *Cache) CopyTree(ctx context.Context, index map[string]string, childID uint) (map[string]string, error) {
	out := make(map[string]string, len(index))
	for tag := range index {
		data, ok := c.Load(ctx, index, tag)
		if !ok {
			continue
		}
		key, err := c.Store(ctx, childID, tag, data)
		if err != nil {
			return out, err
		}
		out[tag] = key
	}
	return out, nil
}

// Purge removes the artifacts listed in index.
func (c *Cache) Purge(ctx context.Context, index map[string]string) error {
	var errs []error
	for _, key := range index {
		if err := c.backend.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
