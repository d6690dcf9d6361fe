// Package artifact is the local content-addressed artifact store.
// Objects are blake3-hashed while they stream in and land under
// objects/<hh>/<hash>, so identical content stored twice occupies one
// object. Artifact ids ("art-" + hex digest) are stable across
// restarts and safe to embed in build events.
package artifact

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrNotFound reports a lookup of an id with no stored object.
var ErrNotFound = errors.New("artifact not found")

// Ref identifies one stored artifact.
type Ref struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

const idPrefix = "art-"

// Store is a directory of content-addressed objects.
type Store struct {
	root string
}

// NewStore opens (creating if needed) the store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact store: %w", err)
	}
	return &Store{root: dir}, nil
}

// Put streams content into the store and returns its ref. The object
// is written to a temp file first and renamed into place, so a crash
// mid-write never leaves a half object under its final name.
func (s *Store) Put(name string, r io.Reader) (Ref, error) {
	tmp, err := os.CreateTemp(s.root, "incoming-*")
	if err != nil {
		return Ref{}, fmt.Errorf("stage artifact %q: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := blake3.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Ref{}, fmt.Errorf("store artifact %q: %w", name, err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	final := s.objectPath(sum)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return Ref{}, err
	}
	if _, statErr := os.Stat(final); statErr == nil {
		// Same content already stored; the temp copy is redundant.
	} else if err := os.Rename(tmpName, final); err != nil {
		return Ref{}, fmt.Errorf("place artifact %q: %w", name, err)
	}

	return Ref{ID: idPrefix + sum, Name: name, Size: size}, nil
}

// Open returns a reader over one stored object.
func (s *Store) Open(id string) (io.ReadCloser, error) {
	path, err := s.pathFor(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f, err
}

// Stat returns the stored size of one object.
func (s *Store) Stat(id string) (int64, error) {
	path, err := s.pathFor(id)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *Store) pathFor(id string) (string, error) {
	sum, ok := strings.CutPrefix(id, idPrefix)
	if !ok || len(sum) != 64 {
		return "", fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return "", fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}
	return s.objectPath(sum), nil
}

func (s *Store) objectPath(sum string) string {
	return filepath.Join(s.root, "objects", sum[:2], sum)
}
