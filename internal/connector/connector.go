// Package connector defines the streaming connector framework and the
// concrete portal connectors. A connector validates its config, then exposes
// backfill and incremental iterators that yield normalized permit records one
// at a time while honoring the per-source rate limiter and retry policy.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/permitwatch/backend/internal/core"
)

// ErrConfig marks a source configuration problem: missing required fields or
// an unreachable endpoint. Fatal for the run.
var ErrConfig = errors.New("connector config error")

// HTTPError is a non-2xx portal response. 429 and 5xx are transient and
// retried; other 4xx are fatal.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// Transient reports whether the failure is worth retrying.
func (e *HTTPError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// State is the read-only cursor snapshot a connector resumes from.
type State struct {
	LastMaxTimestamp string
	LastMaxRecordID  int64
	LastIssueDate    string
}

// StateFrom extracts connector cursors from a stored state row.
func StateFrom(s *core.SourceState) State {
	var st State
	if s == nil {
		return st
	}
	if s.LastMaxTimestamp != nil {
		st.LastMaxTimestamp = *s.LastMaxTimestamp
	}
	if s.LastMaxRecordID != nil {
		st.LastMaxRecordID = *s.LastMaxRecordID
	}
	if s.LastIssueDate != nil {
		st.LastIssueDate = *s.LastIssueDate
	}
	return st
}

// Connector is implemented once per wire protocol.
//
// The streaming operations return a Stream whose channel closes when the
// portal is exhausted, maxRows records have been produced, or a fault occurs.
// A faulted stream is not restartable; the caller discards it and re-enters
// from persisted cursors on the next run.
type Connector interface {
	Validate(ctx context.Context, src *core.Source) error
	Backfill(ctx context.Context, src *core.Source, state State, maxRows int) *Stream
	Incremental(ctx context.Context, src *core.Source, state State, maxRows int) *Stream
}

// Stream is a lazy, finite, single-consumer sequence of permits. Range over
// Records, then check Err once the channel closes.
type Stream struct {
	records chan core.Permit
	err     error
	page    atomic.Int32
}

func newStream(buffer int) *Stream {
	return &Stream{records: make(chan core.Permit, buffer)}
}

// Records is the record channel. It closes on exhaustion or fault.
func (s *Stream) Records() <-chan core.Permit { return s.records }

// Err reports why the stream stopped. Nil means clean exhaustion. Only valid
// after Records has closed.
func (s *Stream) Err() error { return s.err }

// Page reports how many pages the producer has fetched so far. Safe to read
// from the consumer while records are still streaming.
func (s *Stream) Page() int { return int(s.page.Load()) }

// pageFetched is called by producers after each successful page request.
func (s *Stream) pageFetched() { s.page.Add(1) }

// fail records the fault and closes the channel. Must be called from the
// producer goroutine only.
func (s *Stream) fail(err error) {
	s.err = err
	close(s.records)
}

func (s *Stream) finish() {
	close(s.records)
}

// emit sends one record, giving up if the consumer is gone.
func (s *Stream) emit(ctx context.Context, p core.Permit) bool {
	select {
	case s.records <- p:
		return true
	case <-ctx.Done():
		return false
	}
}
