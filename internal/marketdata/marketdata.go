// Package marketdata supplies timestamped price snapshots to the engine.
// The replay source drives backtests from a fixed series; the live source
// is fed by an external pusher and drives the loop through a channel.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/helios-quant/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// Source hands out the snapshot for a given tick timestamp. A source never
// serves a snapshot newer than the requested timestamp.
type Source interface {
	GetSnapshot(ctx context.Context, ts time.Time) (*types.MarketSnapshot, error)
}

// Replayable is a source with a fixed, ordered tick series (backtests).
type Replayable interface {
	Source
	Timestamps() []time.Time
}

// Streaming is a source that pushes fresh snapshots (live runs).
type Streaming interface {
	Source
	Updates() <-chan *types.MarketSnapshot
}

// ReplaySource serves snapshots from an in-memory series keyed by exact
// timestamp.
type ReplaySource struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	snapshots map[time.Time]*types.MarketSnapshot
	order     []time.Time
}

// NewReplaySource creates an empty replay source.
func NewReplaySource(logger *zap.Logger) *ReplaySource {
	return &ReplaySource{
		logger:    logger.Named("replay"),
		snapshots: make(map[time.Time]*types.MarketSnapshot),
	}
}

// Add inserts a snapshot into the series. Re-adding a timestamp replaces
// the earlier snapshot.
func (s *ReplaySource) Add(snap *types.MarketSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := snap.Timestamp
	if _, ok := s.snapshots[ts]; !ok {
		s.order = append(s.order, ts)
		sort.Slice(s.order, func(i, j int) bool { return s.order[i].Before(s.order[j]) })
	}
	s.snapshots[ts] = snap
}

// Timestamps returns the tick series in chronological order.
func (s *ReplaySource) Timestamps() []time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]time.Time(nil), s.order...)
}

// GetSnapshot returns the snapshot at exactly ts. A missing tick is an
// error; the engine maps it onto its data-gap handling.
func (s *ReplaySource) GetSnapshot(_ context.Context, ts time.Time) (*types.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[ts]
	if !ok {
		return nil, fmt.Errorf("no snapshot at %s", ts.Format(time.RFC3339))
	}
	return snap, nil
}

// LoadFile reads a JSON array of snapshots into the source.
func (s *ReplaySource) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot file: %w", err)
	}
	var snaps []*types.MarketSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return fmt.Errorf("failed to parse snapshot file: %w", err)
	}
	for _, snap := range snaps {
		s.Add(snap)
	}
	s.logger.Info("Loaded snapshots", zap.String("path", path), zap.Int("count", len(snaps)))
	return nil
}

// SaveFile writes the series to a JSON file.
func (s *ReplaySource) SaveFile(path string) error {
	s.mu.RLock()
	snaps := make([]*types.MarketSnapshot, 0, len(s.order))
	for _, ts := range s.order {
		snaps = append(snaps, s.snapshots[ts])
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshots: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	return nil
}

// LiveSource buffers pushed snapshots for the live loop. Pushes never
// block: when the consumer lags, the oldest buffered snapshot is dropped
// so the loop always sees the freshest data.
type LiveSource struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	latest  *types.MarketSnapshot
	updates chan *types.MarketSnapshot
	dropped int64
}

// NewLiveSource creates a live source with the given buffer depth.
func NewLiveSource(logger *zap.Logger, buffer int) *LiveSource {
	if buffer <= 0 {
		buffer = 64
	}
	return &LiveSource{
		logger:  logger.Named("live"),
		updates: make(chan *types.MarketSnapshot, buffer),
	}
}

// Push feeds a fresh snapshot into the source.
func (s *LiveSource) Push(snap *types.MarketSnapshot) {
	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()

	select {
	case s.updates <- snap:
	default:
		select {
		case <-s.updates:
			s.mu.Lock()
			s.dropped++
			dropped := s.dropped
			s.mu.Unlock()
			if dropped%100 == 1 {
				s.logger.Warn("Consumer lagging, dropping oldest snapshot", zap.Int64("dropped", dropped))
			}
		default:
		}
		select {
		case s.updates <- snap:
		default:
		}
	}
}

// Updates returns the channel the live loop consumes.
func (s *LiveSource) Updates() <-chan *types.MarketSnapshot {
	return s.updates
}

// Close releases the update channel. Push must not be called afterwards.
func (s *LiveSource) Close() {
	close(s.updates)
}

// GetSnapshot returns the most recent pushed snapshot not newer than ts.
func (s *LiveSource) GetSnapshot(_ context.Context, ts time.Time) (*types.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil, fmt.Errorf("no market data received yet")
	}
	if s.latest.Timestamp.After(ts) {
		return nil, fmt.Errorf("latest snapshot %s is ahead of requested %s",
			s.latest.Timestamp.Format(time.RFC3339), ts.Format(time.RFC3339))
	}
	return s.latest, nil
}

// Dropped returns the number of snapshots discarded due to consumer lag.
func (s *LiveSource) Dropped() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}
