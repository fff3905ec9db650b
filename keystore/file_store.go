package keystore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"devlink/crypto"
)

const sealedFileSuffix = ".sealed"

// FileStore keeps each item in its own file under dir, sealed with a master key.
// The label is bound as associated data so files cannot be swapped between labels.
type FileStore struct {
	dir       string
	masterKey []byte

	mu sync.Mutex
}

// OpenFileStore opens (creating if needed) a sealed store in dir.
func OpenFileStore(dir string, masterKey []byte) (*FileStore, error) {
	if len(masterKey) != crypto.MasterKeySize {
		return nil, fmt.Errorf("keystore: invalid master key length %d", len(masterKey))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}
	return &FileStore{
		dir:       dir,
		masterKey: append([]byte(nil), masterKey...),
	}, nil
}

func (s *FileStore) Put(label string, data []byte) error {
	if label == "" {
		return errors.New("keystore: label is required")
	}

	sealed, err := crypto.Seal(s.masterKey, data, []byte(label))
	if err != nil {
		return fmt.Errorf("seal %q: %w", label, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(label)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write %q: %w", label, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %q: %w", label, err)
	}
	return nil
}

func (s *FileStore) Get(label string) ([]byte, error) {
	s.mu.Lock()
	sealed, err := os.ReadFile(s.pathFor(label))
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %q: %w", label, err)
	}

	data, err := crypto.Open(s.masterKey, sealed, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", label, err)
	}
	return data, nil
}

func (s *FileStore) Delete(label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.pathFor(label)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %q: %w", label, err)
	}
	return nil
}

func (s *FileStore) DeleteAll(match func(label string) bool) error {
	labels, err := s.Labels()
	if err != nil {
		return err
	}

	var errs error
	for _, label := range labels {
		if match != nil && !match(label) {
			continue
		}
		errs = multierr.Append(errs, s.Delete(label))
	}
	return errs
}

func (s *FileStore) Labels() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list keystore: %w", err)
	}

	labels := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, sealedFileSuffix) {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, sealedFileSuffix))
		if err != nil {
			continue
		}
		labels = append(labels, string(decoded))
	}
	sort.Strings(labels)
	return labels, nil
}

func (s *FileStore) pathFor(label string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(label))+sealedFileSuffix)
}
