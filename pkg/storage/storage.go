package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested path does not exist in storage.
var ErrNotFound = errors.New("not found")

// Storage abstracts where downloaded compliance results are archived.
type Storage interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ResultPath returns the canonical archive path for a downloaded compliance
// result.
func ResultPath(projectID, complianceID int64) string {
	return fmt.Sprintf("project/%d/compliance-%d.json", projectID, complianceID)
}
