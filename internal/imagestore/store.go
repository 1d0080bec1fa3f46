// Package imagestore keeps generated images on disk under unique,
// write-once identifiers.
package imagestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/spherical-ai/textimage/internal/domain"
)

// PathPrefix is the read endpoint under which references resolve.
const PathPrefix = "/api/images/"

const ext = ".png"

// Ref identifies a stored image.
type Ref string

// Reference returns the form handed to observers: the image's read path.
func (r Ref) Reference() string {
	return PathPrefix + string(r) + ext
}

// ParseRef accepts a bare ID, "<id>.png" or a full reference path.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimPrefix(s, PathPrefix)
	s = strings.TrimSuffix(s, ext)
	if _, err := uuid.Parse(s); err != nil {
		return "", domain.ValidationError(fmt.Sprintf("invalid image reference %q", s), err)
	}
	return Ref(s), nil
}

// Store is a directory of PNG images named by UUID.
type Store struct {
	dir string
}

// New creates the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.IOError("create image directory", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string {
	return s.dir
}

// Put writes data under a fresh ID. The file appears atomically.
func (s *Store) Put(data []byte) (Ref, error) {
	ref := Ref(uuid.NewString())

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", domain.IOError("create temp image", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", domain.IOError("write image", err)
	}
	if err := tmp.Close(); err != nil {
		return "", domain.IOError("close image", err)
	}

	final := s.path(ref)
	if _, err := os.Stat(final); err == nil {
		return "", domain.IOError("image already exists", fs.ErrExist)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", domain.IOError("store image", err)
	}
	return ref, nil
}

// Path returns the file path of ref, or domain.ErrImageNotFound.
func (s *Store) Path(ref Ref) (string, error) {
	p := s.path(ref)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", domain.IOError(string(ref), domain.ErrImageNotFound)
		}
		return "", domain.IOError("stat image", err)
	}
	return p, nil
}

// Read returns the bytes of ref.
func (s *Store) Read(ref Ref) ([]byte, error) {
	p, err := s.Path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, domain.IOError("read image", err)
	}
	return data, nil
}

func (s *Store) path(ref Ref) string {
	return filepath.Join(s.dir, string(ref)+ext)
}
