package checkpoint

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FileStore keeps the checkpoint in a single JSON file replaced atomically
// on every save.
type FileStore struct {
	path       string
	configHash string
	logger     *logrus.Entry
	mu         sync.Mutex
}

// NewFileStore creates a store backed by path. configHash is stamped on
// every saved checkpoint and compared on load.
func NewFileStore(path, configHash string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("checkpoint path cannot be empty")
	}
	return &FileStore{
		path:       path,
		configHash: configHash,
		logger:     logrus.WithFields(logrus.Fields{"component": "checkpoint", "path": path}),
	}, nil
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the checkpoint file. A missing file yields ErrNotFound.
func (s *FileStore) Load(_ context.Context) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint")
	}
	return decode(data, s.configHash, s.logger)
}

// Save writes cp atomically, stamping version, config hash and time.
func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamped := *cp
	stamped.Version = CheckpointVersion
	stamped.ConfigHash = s.configHash
	stamped.CheckpointTimestamp = time.Now().UTC()

	data, err := encode(&stamped)
	if err != nil {
		return err
	}
	if err := WriteAtomic(s.path, data); err != nil {
		return errors.Wrap(err, "failed to write checkpoint")
	}
	s.logger.Debugf("Checkpoint saved: last id %d, total %d", stamped.LastProcessedID, stamped.TotalProcessed)
	return nil
}
