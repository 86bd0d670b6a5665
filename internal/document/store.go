package document

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store persists whole-text snapshots by document name.
type Store interface {
	// Load returns the stored text, or "" when the document is new.
	Load(name string) (string, error)
	// Save replaces the stored text.
	Save(name, text string) error
	Close() error
}

// FileStore keeps one UTF-8 file per document under a directory. File names
// are the URL-safe base64 encoding of the document name, so any name maps
// to a single flat file.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file backing name.
func (s *FileStore) Path(name string) string {
	return filepath.Join(s.dir, base64.URLEncoding.EncodeToString([]byte(name)))
}

// Load opens the document file, creating it empty when absent, and returns
// its contents.
func (s *FileStore) Load(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.Path(name), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("read %q: %w", name, err)
	}
	return string(data), nil
}

// Save rewrites the document file through a temp file and rename.
func (s *FileStore) Save(name, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0644); err != nil {
		return fmt.Errorf("write %q: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %q: %w", name, err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

var snapshotBucket = []byte("documents")

// BoltStore keeps every snapshot in one bbolt bucket keyed by name.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Load implements Store.
func (s *BoltStore) Load(name string) (string, error) {
	var text string
	err := s.db.View(func(tx *bolt.Tx) error {
		// Get's slice is only valid inside the transaction.
		text = string(tx.Bucket(snapshotBucket).Get([]byte(name)))
		return nil
	})
	return text, err
}

// Save implements Store.
func (s *BoltStore) Save(name, text string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(name), []byte(text))
	})
}

// Names lists stored documents.
func (s *BoltStore) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Close implements Store.
func (s *BoltStore) Close() error { return s.db.Close() }

// ErrUnknownBackend is returned by OpenStore for an unsupported backend.
var ErrUnknownBackend = errors.New("document: unknown storage backend")

// OpenStore opens the backend named by the storage config: "file" uses dir,
// "bolt" uses boltPath.
func OpenStore(backend, dir, boltPath string) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(dir)
	case "bolt":
		return OpenBolt(boltPath)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
