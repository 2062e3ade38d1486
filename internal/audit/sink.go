// Package audit appends audit entries off the request path.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"circulation-service/internal/models"
	"circulation-service/internal/util"

	"go.uber.org/zap"
)

// Entry is one audit record as produced by the services
type Entry struct {
	Action      string
	EntityType  string
	EntityID    *int64
	PerformedBy *int64
	Detail      json.RawMessage
}

// Writer persists audit entries
type Writer interface {
	InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error
}

const writeTimeout = 5 * time.Second

// AsyncSink buffers entries and writes them from a single goroutine. Record
// never blocks; entries are dropped when the buffer is full.
type AsyncSink struct {
	writer Writer
	logger *zap.Logger

	mu      sync.RWMutex
	closed  bool
	entries chan Entry
	done    chan struct{}
}

// NewAsyncSink starts the writer goroutine
func NewAsyncSink(writer Writer, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 1
	}
	s := &AsyncSink{
		writer:  writer,
		logger:  util.GetLogger(),
		entries: make(chan Entry, buffer),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Record queues an entry
func (s *AsyncSink) Record(ctx context.Context, entry Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.drop(entry, "sink closed")
		return
	}

	select {
	case s.entries <- entry:
	default:
		s.drop(entry, "buffer full")
	}
}

func (s *AsyncSink) drop(entry Entry, reason string) {
	util.AuditEntriesDropped.Inc()
	s.logger.Warn("Audit entry dropped",
		zap.String("action", entry.Action),
		zap.String("reason", reason))
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for entry := range s.entries {
		s.write(entry)
	}
}

func (s *AsyncSink) write(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := s.writer.InsertAuditEntry(ctx, &models.AuditEntry{
		Action:      entry.Action,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		PerformedBy: entry.PerformedBy,
		Detail:      entry.Detail,
	})
	if err != nil {
		util.AuditEntriesDropped.Inc()
		s.logger.Error("Failed to write audit entry",
			zap.String("action", entry.Action),
			zap.Error(err))
	}
}

// Close stops accepting entries and waits for queued ones to be written
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.entries)
	}
	s.mu.Unlock()
	<-s.done
}
