package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStorage_UploadDownload(t *testing.T) {
	// Create temp directories
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	// Create a test file
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "test.txt")
	content := []byte("hello world")
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	ctx := context.Background()

	// Test Upload
	objectPath := "test/object.txt"
	if err := storage.Upload(ctx, srcPath, objectPath); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	// Test Exists
	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	// Test Download
	dstPath := filepath.Join(srcDir, "downloaded.txt")
	if err := storage.Download(ctx, objectPath, dstPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	downloaded, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(downloaded) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", downloaded, content)
	}

	// Test Delete
	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	exists, err = storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	dstPath := filepath.Join(t.TempDir(), "downloaded.txt")

	err = storage.Download(ctx, "nonexistent/object.txt", dstPath)
	if err != ErrObjectNotFound {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	srcPath := filepath.Join(t.TempDir(), "table.db")
	if err := os.WriteFile(srcPath, []byte("test"), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	ctx := context.Background()
	for _, obj := range []string{"tables/b.db", "tables/a.db", "other/c.db"} {
		if err := storage.Upload(ctx, srcPath, obj); err != nil {
			t.Fatalf("Upload %s failed: %v", obj, err)
		}
	}

	objects, err := storage.ListObjects(ctx, "tables")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	want := []string{"tables/a.db", "tables/b.db"}
	if len(objects) != len(want) || objects[0] != want[0] || objects[1] != want[1] {
		t.Errorf("got %v, want %v", objects, want)
	}

	objects, err = storage.ListObjects(ctx, "missing")
	if err != nil {
		t.Fatalf("ListObjects on missing prefix failed: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("expected no objects, got %v", objects)
	}
}

func TestLocalStorage_RejectsEscapingPaths(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	for _, obj := range []string{"../outside.db", "a/../../b", "", "/"} {
		if _, err := storage.Exists(ctx, obj); !errors.Is(err, ErrInvalidObjectPath) {
			t.Errorf("%q: expected ErrInvalidObjectPath, got %v", obj, err)
		}
	}
}

func TestCleanObjectPath(t *testing.T) {
	tests := map[string]string{
		"tables/a.db":     "tables/a.db",
		"/tables//a.db":   "tables/a.db",
		"tables\\a.db":    "tables/a.db",
		"./tables/./a.db": "tables/a.db",
	}
	for in, want := range tests {
		got, err := CleanObjectPath(in)
		if err != nil {
			t.Errorf("%q: unexpected error %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%q: got %q, want %q", in, got, want)
		}
	}
}
