// Package notify fans operational events out to collaborator sinks: scope
// violations, consensus timeouts, and merges held for manual review.
package notify

import (
	"context"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"
)

// Kind classifies a notification event.
type Kind string

const (
	KindScopeViolation   Kind = "scope_violation"
	KindConsensusTimeout Kind = "consensus_timeout"
	KindMergeReview      Kind = "merge_review"
)

// Event is one notification.
type Event struct {
	Kind      Kind      `json:"kind"`
	ReplicaID string    `json:"replica_id"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Sink receives events. Implementations must not block the caller for long;
// failures are the sink's own concern and never stop the engine.
type Sink interface {
	Notify(ctx context.Context, event Event) error
}

// LogSink writes events to the structured log. The default sink.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink backed by the given logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify").Logger()}
}

// Notify implements Sink.
func (s *LogSink) Notify(_ context.Context, event Event) error {
	s.logger.Warn().
		Str("kind", string(event.Kind)).
		Str("replica_id", event.ReplicaID).
		Msg(event.Message)
	return nil
}

// DesktopSink raises a desktop notification for operators running a replica
// locally.
type DesktopSink struct {
	title string
}

// NewDesktopSink returns a desktop notification sink.
func NewDesktopSink(title string) *DesktopSink {
	if title == "" {
		title = "memsyncd"
	}
	return &DesktopSink{title: title}
}

// Notify implements Sink.
func (s *DesktopSink) Notify(_ context.Context, event Event) error {
	return beeep.Notify(s.title, string(event.Kind)+": "+event.Message, "")
}

// MultiSink delivers each event to every sink, returning the first error
// after all deliveries were attempted.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Notify implements Sink.
func (s *MultiSink) Notify(ctx context.Context, event Event) error {
	var first error
	for _, sink := range s.sinks {
		if err := sink.Notify(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
