// Package eventlog is the run's append-only audit trail. Recent events
// live in a bounded in-memory window; when it fills, the older half is
// flushed to a JSON segment file so nothing is lost and memory stays
// bounded. Queries merge segments and the window transparently.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/helios-quant/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// Filter narrows a query. Zero values match everything.
type Filter struct {
	Types   []types.EventType
	Sources []string
	From    time.Time
	To      time.Time
	Limit   int
}

func (f *Filter) matches(e *types.Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Sources) > 0 {
		ok := false
		for _, s := range f.Sources {
			if e.Source == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Log is one run's event log. Append assigns monotonic sequence ids; the
// engine's single-writer discipline makes their order match time order.
type Log struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	capacity int
	dir      string

	window   []types.Event
	nextSeq  uint64
	segments []string

	subscribers []chan types.Event
	subDropped  int64
	onAppend    func(types.Event)
}

// New creates a log with the given in-memory capacity. dir may be empty,
// in which case overflow falls back to discarding the flushed half (the
// window still always holds the most recent events).
func New(logger *zap.Logger, cfg types.EventLogConfig) *Log {
	capacity := cfg.RingCapacity
	if capacity <= 0 {
		capacity = 8192
	}
	return &Log{
		logger:   logger.Named("eventlog"),
		capacity: capacity,
		dir:      cfg.Dir,
		nextSeq:  1,
	}
}

// Append records an event and returns its assigned sequence id.
func (l *Log) Append(ts time.Time, eventType types.EventType, source string, payload map[string]any) uint64 {
	l.mu.Lock()
	e := types.Event{
		Sequence:  l.nextSeq,
		Timestamp: ts,
		Type:      eventType,
		Source:    source,
		Payload:   payload,
	}
	l.nextSeq++
	l.window = append(l.window, e)
	if len(l.window) >= l.capacity {
		l.flushLocked()
	}
	subs := append([]chan types.Event(nil), l.subscribers...)
	hook := l.onAppend
	l.mu.Unlock()

	if hook != nil {
		hook(e)
	}

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			l.mu.Lock()
			l.subDropped++
			l.mu.Unlock()
		}
	}
	return e.Sequence
}

// SetOnAppend installs a hook invoked synchronously for every appended
// event (instrumentation). Call before the run starts appending.
func (l *Log) SetOnAppend(hook func(types.Event)) {
	l.mu.Lock()
	l.onAppend = hook
	l.mu.Unlock()
}

// Record satisfies the ledger's Recorder interface.
func (l *Log) Record(ts time.Time, eventType types.EventType, source string, payload map[string]any) {
	l.Append(ts, eventType, source, payload)
}

// flushLocked moves the older half of the window into a segment file.
func (l *Log) flushLocked() {
	half := len(l.window) / 2
	flushed := l.window[:half]

	if l.dir != "" {
		name := fmt.Sprintf("events-%020d-%s.json", flushed[0].Sequence, uuid.New().String()[:8])
		path := filepath.Join(l.dir, name)
		if err := writeSegment(path, flushed); err != nil {
			l.logger.Error("Failed to flush event segment, keeping window in memory", zap.Error(err))
			return
		}
		l.segments = append(l.segments, path)
		l.logger.Debug("Flushed event segment",
			zap.String("path", path),
			zap.Int("events", half),
		)
	} else {
		l.logger.Warn("Event window full with no segment dir, discarding oldest events",
			zap.Int("discarded", half),
		)
	}

	remaining := make([]types.Event, len(l.window)-half)
	copy(remaining, l.window[half:])
	l.window = remaining
}

func writeSegment(path string, events []types.Event) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create segment dir: %w", err)
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write segment: %w", err)
	}
	return nil
}

func readSegment(path string) ([]types.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment: %w", err)
	}
	var events []types.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to parse segment: %w", err)
	}
	return events, nil
}

// Query returns events matching the filter, ordered by sequence id.
// Segments are read back as needed; a Limit keeps the newest matches.
func (l *Log) Query(f Filter) ([]types.Event, error) {
	l.mu.RLock()
	segments := append([]string(nil), l.segments...)
	window := append([]types.Event(nil), l.window...)
	l.mu.RUnlock()

	var out []types.Event
	for _, path := range segments {
		events, err := readSegment(path)
		if err != nil {
			return nil, err
		}
		for i := range events {
			if f.matches(&events[i]) {
				out = append(out, events[i])
			}
		}
	}
	for i := range window {
		if f.matches(&window[i]) {
			out = append(out, window[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Subscribe registers a buffered channel receiving every event appended
// from now on. Slow subscribers drop; the log never blocks the pipeline.
func (l *Log) Subscribe(buffer int) <-chan types.Event {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan types.Event, buffer)
	l.mu.Lock()
	l.subscribers = append(l.subscribers, ch)
	l.mu.Unlock()
	return ch
}

// Len returns the number of events currently held in memory.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.window)
}

// LastSequence returns the most recently assigned sequence id (0 if none).
func (l *Log) LastSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeq - 1
}

// SegmentCount returns how many segment files have been flushed.
func (l *Log) SegmentCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}
