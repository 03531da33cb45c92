package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/internal/logging"
	"github.com/demolyzer/demolyzer/internal/storage"
	"github.com/demolyzer/demolyzer/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ObjectCache keeps table files in object storage. Files are staged in a
// local scratch directory on the way in and out.
type ObjectCache struct {
	store   storage.ObjectStorage
	prefix  string
	tmpDir  string
	logger  *zap.SugaredLogger
	metrics Metrics
}

// NewObjectCache creates a cache over store. Objects are named
// <prefix>/<key>.sqlite.
func NewObjectCache(store storage.ObjectStorage, prefix, tmpDir string, logger *zap.SugaredLogger) (*ObjectCache, error) {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, perrors.NewCacheError(perrors.CodeCacheWriteFailed, "failed to create scratch directory", err)
	}
	return &ObjectCache{
		store:  store,
		prefix: prefix,
		tmpDir: tmpDir,
		logger: logging.OrNop(logger),
	}, nil
}

// ObjectPath returns the object holding key.
func (c *ObjectCache) ObjectPath(key Key) string {
	return path.Join(c.prefix, string(key)+FileExtension)
}

// Metrics returns the cache statistics.
func (c *ObjectCache) Metrics() *Metrics { return &c.metrics }

// Load downloads and reads the table stored under key.
func (c *ObjectCache) Load(ctx context.Context, key Key) (*types.Table, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	local := c.scratchPath(key)
	defer os.Remove(local)

	if err := c.store.Download(ctx, c.ObjectPath(key), local); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			c.metrics.record(false, nil)
			return nil, false, nil
		}
		c.metrics.record(false, err)
		return nil, false, perrors.NewStorageError(perrors.CodeDownloadFailed,
			fmt.Sprintf("failed to download %s", c.ObjectPath(key)), err)
	}

	t, err := ReadFile(ctx, local)
	c.metrics.record(err == nil, err)
	if err != nil {
		return nil, false, err
	}
	c.logger.Debugw("object cache hit", "key", key, "object", c.ObjectPath(key), "rows", t.Len())
	return t, true, nil
}

// Store writes t to a scratch file and uploads it under key.
func (c *ObjectCache) Store(ctx context.Context, key Key, t *types.Table) error {
	if err := key.Validate(); err != nil {
		return err
	}
	local := c.scratchPath(key)
	defer os.Remove(local)

	if err := WriteFile(ctx, local, t); err != nil {
		c.metrics.Errors.Add(1)
		return err
	}
	if err := c.store.Upload(ctx, local, c.ObjectPath(key)); err != nil {
		c.metrics.Errors.Add(1)
		return perrors.NewStorageError(perrors.CodeUploadFailed,
			fmt.Sprintf("failed to upload %s", c.ObjectPath(key)), err)
	}
	c.metrics.Stores.Add(1)
	c.logger.Debugw("object cache store", "key", key, "object", c.ObjectPath(key), "rows", t.Len())
	return nil
}

// Keys lists the keys present in object storage.
func (c *ObjectCache) Keys(ctx context.Context) ([]Key, error) {
	objects, err := c.store.ListObjects(ctx, c.prefix)
	if err != nil {
		return nil, perrors.NewStorageError(perrors.CodeDownloadFailed, "failed to list cached tables", err)
	}
	var keys []Key
	for _, obj := range objects {
		name := path.Base(obj)
		if path.Ext(name) != FileExtension {
			continue
		}
		keys = append(keys, Key(name[:len(name)-len(FileExtension)]))
	}
	return keys, nil
}

// Delete removes the table stored under key.
func (c *ObjectCache) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, c.ObjectPath(key)); err != nil {
		return perrors.NewStorageError(perrors.CodeUploadFailed,
			fmt.Sprintf("failed to delete %s", c.ObjectPath(key)), err)
	}
	return nil
}

func (c *ObjectCache) scratchPath(key Key) string {
	return filepath.Join(c.tmpDir, fmt.Sprintf("%s-%s%s", key, uuid.NewString(), FileExtension))
}
