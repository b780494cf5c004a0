package logsink

import (
	"context"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"scriptrunner/internal/metrics"
	"scriptrunner/internal/models"
)

// Writer persists the full accumulated log text of one execution
type Writer interface {
	SaveLogs(ctx context.Context, id int64, handle, logs string, progress null.String, now time.Time) error
}

// Policy bounds how often the sink writes. Lines are flushed at most once per LineFlushInterval;
// a silent execution is still flushed every HeartbeatInterval so observers see it is alive.
type Policy struct {
	LineFlushInterval time.Duration
	HeartbeatInterval time.Duration
}

// Sink accumulates the output of one execution and rewrites it to storage. Every persisted value
// is the complete text so far, never a delta, so the stored logs are always a prefix of the final
// logs.
type Sink struct {
	id     int64
	handle string
	writer Writer
	policy Policy
	clock  func() time.Time

	metrics metrics.Sink

	lines     []string
	text      strings.Builder
	pending   bool
	lastFlush time.Time
}

func New(id int64, handle string, writer Writer, policy Policy, clock func() time.Time, sink metrics.Sink) *Sink {
	if clock == nil {
		clock = time.Now
	}
	return &Sink{
		id:        id,
		handle:    handle,
		writer:    writer,
		policy:    policy,
		clock:     clock,
		metrics:   metrics.OrNoop(sink),
		lastFlush: clock(),
	}
}

// Append adds a line and returns the full accumulated text
func (s *Sink) Append(line string) string {
	s.lines = append(s.lines, line)
	s.text.WriteString(line)
	s.text.WriteByte('\n')
	s.pending = true
	return s.text.String()
}

func (s *Sink) Text() string {
	return s.text.String()
}

func (s *Sink) LineCount() int {
	return len(s.lines)
}

// Tail returns up to the last n lines
func (s *Sink) Tail(n int) []string {
	if n <= 0 {
		return nil
	}
	if n > len(s.lines) {
		n = len(s.lines)
	}
	return append([]string(nil), s.lines[len(s.lines)-n:]...)
}

// LastFlush returns when the sink last wrote to storage
func (s *Sink) LastFlush() time.Time {
	return s.lastFlush
}

// LineFlushDue reports whether unwritten lines should be flushed now
func (s *Sink) LineFlushDue(now time.Time) bool {
	return s.pending && now.Sub(s.lastFlush) >= s.policy.LineFlushInterval
}

// HeartbeatDue reports whether nothing has been written for a whole heartbeat interval
func (s *Sink) HeartbeatDue(now time.Time) bool {
	return now.Sub(s.lastFlush) >= s.policy.HeartbeatInterval
}

// Flush writes the full text and progress snapshot. reason is one of the metrics.Flush* values.
func (s *Sink) Flush(ctx context.Context, progress models.Progress, reason string) error {
	now := s.clock()
	if err := s.writer.SaveLogs(ctx, s.id, s.handle, s.text.String(), progress.Encode(), now); err != nil {
		return err
	}

	s.pending = false
	s.lastFlush = now
	s.metrics.LogFlushed(reason)
	return nil
}
