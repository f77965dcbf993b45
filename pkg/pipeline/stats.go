package pipeline

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Stats aggregates counters for one run of the engine. It is safe to read
// while Run is in progress.
type Stats struct {
	mu        sync.RWMutex
	RunID     string
	StartTime time.Time

	batches    uint64
	records    uint64
	backfilled uint64
	unresolved uint64
	currentID  uint64
	lastBatch  int
}

func NewStats(runID string) *Stats {
	return &Stats{
		RunID:     runID,
		StartTime: time.Now(),
	}
}

func (s *Stats) observe(records, backfilled, unresolved int, currentID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches++
	s.records += uint64(records)
	s.backfilled += uint64(backfilled)
	s.unresolved += uint64(unresolved)
	s.lastBatch = records
	if currentID > s.currentID {
		s.currentID = currentID
	}
}

// Records returns the number of records handed to the writer.
func (s *Stats) Records() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records
}

// CurrentID returns the highest id handed to the writer.
func (s *Stats) CurrentID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// GetMetrics flattens the counters for logging.
func (s *Stats) GetMetrics() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]float64{
		"pipeline.uptime_seconds": time.Since(s.StartTime).Seconds(),
		"pipeline.batches":        float64(s.batches),
		"pipeline.records":        float64(s.records),
		"pipeline.backfilled":     float64(s.backfilled),
		"pipeline.unresolved":     float64(s.unresolved),
		"pipeline.current_id":     float64(s.currentID),
	}
}

// fields is the progress line payload.
func (s *Stats) fields(processed uint64) logrus.Fields {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return logrus.Fields{
		"processed":  processed,
		"current_id": s.currentID,
		"elapsed":    time.Since(s.StartTime).Round(time.Second).String(),
		"batch_size": s.lastBatch,
	}
}
