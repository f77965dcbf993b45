package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mode selects which resumption fields of a Checkpoint are meaningful.
type Mode string

const (
	// ModeBulk resumes from per-source ranges.
	ModeBulk Mode = "bulk"
	// ModeReconcile resumes from the last flushed id.
	ModeReconcile Mode = "reconcile"
)

// CheckpointVersion is the current checkpoint format version
const CheckpointVersion = "1.0"

// Range is one source's assigned window. Lower doubles as the source's
// cursor: it is the next id that source will request. A range with
// Lower > Upper is exhausted.
type Range struct {
	Lower uint64
	Upper uint64
}

// Exhausted reports whether the range has nothing left to request.
func (r Range) Exhausted() bool {
	return r.Lower > r.Upper
}

// MarshalJSON encodes the range as [lower, upper].
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint64{r.Lower, r.Upper})
}

// UnmarshalJSON decodes a [lower, upper] pair.
func (r *Range) UnmarshalJSON(data []byte) error {
	var pair []uint64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("range must have 2 elements, got %d", len(pair))
	}
	r.Lower, r.Upper = pair[0], pair[1]
	return nil
}

// Checkpoint represents the saved state of an ingestion run.
//
// OutputOffset is the size in bytes of the output dataset at the moment the
// checkpoint was taken; everything past it is discarded on resume.
type Checkpoint struct {
	Version    string `json:"version"`
	Mode       Mode   `json:"mode"`
	ConfigHash string `json:"config_hash"`
	RunID      string `json:"run_id,omitempty"`

	// Bulk mode
	Ranges []Range `json:"ranges,omitempty"`

	LastProcessedID uint64 `json:"last_processed_id"`
	TotalProcessed  uint64 `json:"total_processed"`
	OutputOffset    int64  `json:"output_offset"`

	CheckpointTimestamp time.Time `json:"checkpoint_timestamp"`

	Statistics *Stats `json:"statistics,omitempty"`
}

// Stats contains optional processing statistics
type Stats struct {
	Backfilled    uint64 `json:"backfilled"`
	Unresolved    uint64 `json:"unresolved"`
	Duplicates    uint64 `json:"duplicates"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Validate checks the fields a resume depends on.
func (c *Checkpoint) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("invalid checkpoint: missing version")
	}
	switch c.Mode {
	case ModeBulk:
		if len(c.Ranges) == 0 {
			return fmt.Errorf("invalid checkpoint: bulk mode without ranges")
		}
	case ModeReconcile:
	default:
		return fmt.Errorf("invalid checkpoint: unknown mode %q", c.Mode)
	}
	if c.OutputOffset < 0 {
		return fmt.Errorf("invalid checkpoint: negative output offset")
	}
	return nil
}
