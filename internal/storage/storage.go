// Package storage holds uploaded document bytes on local disk, one directory
// per project. The locator it hands back is opaque to the rest of the system.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"labline/internal/domain"
)

type Store struct {
	BasePath string
	Now      func() time.Time
}

// Upload is one document arriving with an intake request.
type Upload struct {
	Filename    string
	ContentType string
	Reader      io.Reader
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Save writes the upload's bytes under the project's directory and returns
// the file metadata record to persist alongside the project.
func (s Store) Save(projectID string, up Upload) (domain.ProjectFile, error) {
	fileID := uuid.New().String()
	dir := filepath.Join(s.BasePath, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.ProjectFile{}, fmt.Errorf("create project dir: %w", err)
	}
	path := filepath.Join(dir, fileID+filepath.Ext(up.Filename))
	f, err := os.Create(path)
	if err != nil {
		return domain.ProjectFile{}, fmt.Errorf("create blob: %w", err)
	}
	size, err := io.Copy(f, up.Reader)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return domain.ProjectFile{}, fmt.Errorf("write blob: %w", err)
	}
	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return domain.ProjectFile{
		FileID:      fileID,
		ProjectID:   projectID,
		Filename:    up.Filename,
		FileSize:    size,
		StoragePath: path,
		FileType:    contentType,
		UploadedAt:  s.now().UTC().Format(time.RFC3339),
	}, nil
}

// Cleanup removes all blobs stored for a project. Best-effort and idempotent:
// a missing directory is not an error.
func (s Store) Cleanup(projectID string) error {
	dir := filepath.Join(s.BasePath, projectID)
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
