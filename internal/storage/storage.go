// Package storage uploads build output to the artifact store.
package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/splax/deployx/internal/domain"
)

const defaultContentType = "application/octet-stream"

// Uploader writes a single object.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, size int64) error
}

// File is a regular file scheduled for upload.
type File struct {
	Path        string
	Rel         string
	Key         string
	ContentType string
	Size        int64
}

// ContentType resolves the MIME type from the file extension.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return defaultContentType
}

// Collect walks root and returns every regular file with its storage key
// under builds/<projectID>/. Directories are skipped.
func Collect(root, projectID string) ([]File, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat build output: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("build output %s is not a directory", root)
	}
	var files []File
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		files = append(files, File{
			Path:        path,
			Rel:         rel,
			Key:         domain.StorageKey(projectID, rel),
			ContentType: ContentType(path),
			Size:        fi.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk build output: %w", err)
	}
	return files, nil
}

// UploadTree uploads files with at most concurrency uploads in flight. The
// first failure cancels the remaining uploads; objects already written stay.
func UploadTree(ctx context.Context, up Uploader, files []File, concurrency int, onQueued func(File)) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, f := range files {
		if onQueued != nil {
			onQueued(f)
		}
		g.Go(func() error {
			return uploadFile(gctx, up, f)
		})
	}
	return g.Wait()
}

func uploadFile(ctx context.Context, up Uploader, f File) error {
	fh, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Rel, err)
	}
	defer fh.Close()
	if err := up.Upload(ctx, f.Key, f.ContentType, fh, f.Size); err != nil {
		return fmt.Errorf("upload %s: %w", f.Rel, err)
	}
	return nil
}
