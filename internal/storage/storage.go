// Package storage provides the object storage backends that hold cached
// session tables.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound    = errors.New("object not found")
	ErrUploadFailed      = errors.New("upload failed")
	ErrDownloadFailed    = errors.New("download failed")
	ErrDeleteFailed      = errors.New("delete failed")
	ErrInvalidObjectPath = errors.New("invalid object path")
)

// ObjectStorage abstracts object storage operations.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Upload copies the local file at localPath to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath to localPath. Returns ErrObjectNotFound
	// when the object does not exist.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// CleanObjectPath normalizes an object path to slash-separated form without
// a leading slash and rejects paths that escape the storage root.
func CleanObjectPath(objectPath string) (string, error) {
	slashed := strings.ReplaceAll(objectPath, "\\", "/")
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", ErrInvalidObjectPath
		}
	}
	p := strings.TrimPrefix(path.Clean("/"+slashed), "/")
	if p == "" {
		return "", ErrInvalidObjectPath
	}
	return p, nil
}
