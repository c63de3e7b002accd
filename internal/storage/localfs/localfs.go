package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/webitel/data-exporter/internal/errors"
)

const dirPerm os.FileMode = 0o750

// Storage keeps blobs as files under root/<destination>/<aa>/<uuid>. The
// reference is the destination-relative path.
type Storage struct {
	root        string
	destination string
}

func New(root, destination string) (*Storage, error) {
	if root == "" {
		return nil, errors.New("storage root is empty")
	}
	dir := filepath.Join(root, destination)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.Internal(
			fmt.Sprintf("unable to create storage directory: %s", err.Error()),
			errors.WithID("storage.localfs.new.mkdir.error"),
		)
	}
	return &Storage{root: root, destination: destination}, nil
}

func (s *Storage) Put(ctx context.Context, r io.Reader) (string, error) {
	id := uuid.NewString()
	ref := filepath.Join(id[:2], id)
	path := filepath.Join(s.root, s.destination, ref)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", err
	}
	if _, err = io.Copy(f, r); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	// rename keeps a half-written blob from ever being referenced
	if err := os.Rename(f.Name(), path); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return ref, nil
}

func (s *Storage) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(
				fmt.Sprintf("blob not found: %s", ref),
				errors.WithID("storage.localfs.get.not_found"),
			)
		}
		return nil, err
	}
	return f, nil
}

func (s *Storage) Delete(ctx context.Context, ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Storage) resolve(ref string) (string, error) {
	clean := filepath.Clean(ref)
	if clean == "" || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.New(
			fmt.Sprintf("invalid blob reference: %s", ref),
			errors.WithID("storage.localfs.resolve.invalid_ref"),
		)
	}
	return filepath.Join(s.root, s.destination, clean), nil
}
