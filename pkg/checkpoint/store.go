// Package checkpoint persists and restores the state an ingestion run needs
// to resume exactly where it stopped.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Load when no checkpoint has been saved yet.
var ErrNotFound = errors.New("no checkpoint found")

// Store loads and saves checkpoints.
type Store interface {
	// Load returns the latest checkpoint or ErrNotFound.
	Load(ctx context.Context) (*Checkpoint, error)
	// Save durably replaces the latest checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// ConfigHash computes a hash of the configuration for change detection
func ConfigHash(config interface{}) string {
	if config == nil {
		return "no-config"
	}
	data, err := json.Marshal(config)
	if err != nil {
		return "hash-error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}

func encode(cp *Checkpoint) ([]byte, error) {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal checkpoint")
	}
	return data, nil
}

// decode parses and validates a stored checkpoint and warns when it was
// written under a different configuration.
func decode(data []byte, configHash string, logger *logrus.Entry) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal checkpoint (possibly corrupted)")
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	if configHash != "" && cp.ConfigHash != "" && cp.ConfigHash != configHash {
		logger.Warnf("Configuration changed since checkpoint (checkpoint: %s, current: %s)",
			short(cp.ConfigHash), short(configHash))
	}
	return &cp, nil
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
