package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"circulation-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	fail    bool
	block   chan struct{}
}

func (w *recordingWriter) InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("db down")
	}
	w.entries = append(w.entries, *entry)
	return nil
}

func TestCloseDrainsQueuedEntries(t *testing.T) {
	w := &recordingWriter{}
	sink := NewAsyncSink(w, 16)

	id := int64(9)
	for i := 0; i < 5; i++ {
		sink.Record(context.Background(), Entry{Action: models.AuditBookIssued, EntityType: models.EntityLoan, EntityID: &id})
	}
	sink.Close()

	require.Len(t, w.entries, 5)
	assert.Equal(t, models.AuditBookIssued, w.entries[0].Action)
	assert.Equal(t, &id, w.entries[0].EntityID)
}

func TestRecordNeverBlocks(t *testing.T) {
	w := &recordingWriter{block: make(chan struct{})}
	sink := NewAsyncSink(w, 1)

	for i := 0; i < 10; i++ {
		sink.Record(context.Background(), Entry{Action: "A"})
	}
	close(w.block)
	sink.Close()

	assert.LessOrEqual(t, len(w.entries), 2)
	assert.NotEmpty(t, w.entries)
}

func TestWriteFailuresAreSwallowed(t *testing.T) {
	w := &recordingWriter{fail: true}
	sink := NewAsyncSink(w, 4)

	sink.Record(context.Background(), Entry{Action: "A"})
	sink.Close()
	sink.Record(context.Background(), Entry{Action: "after close"})

	assert.Empty(t, w.entries)
}
