// Package dispatch routes inbound analysis requests: direct rule tests
// run in-process, pipeline notifications stream events through the
// engine and deliver the matches.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quillsec/quill/internal/domain/alert"
	"github.com/quillsec/quill/internal/domain/event"
	"github.com/quillsec/quill/internal/domain/rules"
	"github.com/quillsec/quill/internal/observability/statsd"
)

const (
	// DefaultMaxBufferBytes bounds the in-memory match buffer before it
	// starts spilling its largest group early.
	DefaultMaxBufferBytes = 100_000_000

	// DefaultFlushParallelism bounds concurrent spills across groups.
	DefaultFlushParallelism = 4
)

// Sink receives the matched events of one alert group.
type Sink interface {
	WriteEvents(ctx context.Context, key alert.GroupingKey, info alert.Info, events []*event.View) error
}

// BufferOptions configures a MatchedEventsBuffer.
type BufferOptions struct {
	Merger      alert.Merger
	Sink        Sink
	MaxBytes    int
	Parallelism int
	Logger      *slog.Logger
	Metrics     statsd.Sink
}

type bufferEntry struct {
	matches []rules.EngineResult
	bytes   int
}

// MatchedEventsBuffer groups engine results per alert key until they
// are spilled to the sink. It is meant for one invocation at a time and
// is not safe for concurrent use.
type MatchedEventsBuffer struct {
	merger      alert.Merger
	sink        Sink
	maxBytes    int
	parallelism int
	logger      *slog.Logger
	metrics     statsd.Sink

	data       map[alert.GroupingKey]*bufferEntry
	totalBytes int
}

// NewBuffer constructs a MatchedEventsBuffer.
func NewBuffer(opts BufferOptions) *MatchedEventsBuffer {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBufferBytes
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultFlushParallelism
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MatchedEventsBuffer{
		merger:      opts.Merger,
		sink:        opts.Sink,
		maxBytes:    maxBytes,
		parallelism: parallelism,
		logger:      logger,
		metrics:     opts.Metrics,
		data:        make(map[alert.GroupingKey]*bufferEntry),
	}
}

// Len returns the number of buffered alert groups.
func (b *MatchedEventsBuffer) Len() int { return len(b.data) }

// TotalBytes returns the current byte estimate across all groups.
func (b *MatchedEventsBuffer) TotalBytes() int { return b.totalBytes }

// AddEvent buffers one engine result under its alert key. When the
// buffer grows past its byte budget the largest group is spilled
// immediately to bound memory; being exactly at the budget does not
// spill.
func (b *MatchedEventsBuffer) AddEvent(ctx context.Context, res rules.EngineResult) error {
	key := alert.GroupingKey{RuleID: res.RuleID, LogType: res.LogType, Dedup: res.Dedup}
	entry, ok := b.data[key]
	if !ok {
		entry = &bufferEntry{}
		b.data[key] = entry
	}

	size := estimateSize(res)
	entry.matches = append(entry.matches, res)
	entry.bytes += size
	b.totalBytes += size

	if b.totalBytes <= b.maxBytes {
		return nil
	}
	return b.spillLargest(ctx)
}

// Flush spills every buffered group and resets the counters. Groups
// spill in parallel, bounded; matches within a group keep arrival
// order.
func (b *MatchedEventsBuffer) Flush(ctx context.Context) error {
	now := time.Now().UTC()

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(b.parallelism)
	for key, entry := range b.data {
		group.Go(func() error {
			return b.spill(gctx, now, key, entry)
		})
	}
	err := group.Wait()

	b.data = make(map[alert.GroupingKey]*bufferEntry)
	b.totalBytes = 0
	return err
}

func (b *MatchedEventsBuffer) spillLargest(ctx context.Context) error {
	var largestKey alert.GroupingKey
	var largest *bufferEntry
	for key, entry := range b.data {
		if largest == nil || entry.bytes > largest.bytes {
			largestKey = key
			largest = entry
		}
	}
	if largest == nil {
		return nil
	}

	b.emitCount("buffer.spills", 1)
	delete(b.data, largestKey)
	b.totalBytes -= largest.bytes
	return b.spill(ctx, time.Now().UTC(), largestKey, largest)
}

func (b *MatchedEventsBuffer) spill(ctx context.Context, matchTime time.Time, key alert.GroupingKey, entry *bufferEntry) error {
	if len(entry.matches) == 0 {
		return nil
	}
	first := entry.matches[0]

	info, err := b.merger.UpdateGetAlertInfo(ctx, matchTime, len(entry.matches), key, first.Severity, first.RuleVersion, first.Title)
	if err != nil {
		return fmt.Errorf("update alert for rule %s: %w", key.RuleID, err)
	}

	events := make([]*event.View, 0, len(entry.matches))
	for _, match := range entry.matches {
		events = append(events, match.Event)
	}
	if err := b.sink.WriteEvents(ctx, key, info, events); err != nil {
		return fmt.Errorf("write events for rule %s: %w", key.RuleID, err)
	}

	b.logger.Debug("spilled alert group",
		"rule_id", key.RuleID, "log_type", key.LogType, "alert_id", info.AlertID, "events", len(events))
	b.emitCount("buffer.events_written", int64(len(events)))
	return nil
}

// estimateSize is a coarse shallow estimate of one buffered result.
func estimateSize(res rules.EngineResult) int {
	size := len(res.RuleID) + len(res.RuleVersion) + len(res.LogType) +
		len(res.Dedup) + len(res.Severity) + len(res.Title) +
		len(res.AlertContext) + len(res.ErrorMessage)
	if res.Event != nil {
		size += res.Event.ApproxSize()
	}
	return size
}

func (b *MatchedEventsBuffer) emitCount(name string, value int64) {
	if b.metrics != nil {
		b.metrics.Count(name, value, nil)
	}
}
