package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrAlreadyExists = errors.New("object already exists")
)

type ObjectInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// Storage is a flat key space of immutable objects. WriteIfAbsent is the only
// conditional primitive and must fail with ErrAlreadyExists when the key is taken.
type Storage interface {
	Write(ctx context.Context, filepath string, data io.Reader) error
	WriteIfAbsent(ctx context.Context, filepath string, data io.Reader) error
	Read(ctx context.Context, filepath string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, filepath string) error
	URI(filepath string) string
}

func ReadAll(ctx context.Context, s Storage, filepath string) ([]byte, error) {
	rc, err := s.Read(ctx, filepath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath, err)
	}
	return data, nil
}
