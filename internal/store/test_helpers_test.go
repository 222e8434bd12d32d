package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/massmailer/internal/mailer"
	"github.com/roach88/massmailer/internal/testutil"
)

// createTestStore opens a fresh store in a temp dir with a fake clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	clock := testutil.NewFakeClock(time.Time{})
	s, err := Open(path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestBatch stores a batch with one pending message per address.
// Message ids are "<prefix>-1", "<prefix>-2", ...
func createTestBatch(t *testing.T, s *Store, prefix string, addresses ...string) (int64, []string) {
	t.Helper()
	ids := testutil.NewSequenceIDs(prefix)
	msgs := make([]mailer.Message, len(addresses))
	out := make([]string, len(addresses))
	for i, addr := range addresses {
		msgs[i] = createTestMessage(ids.Generate(), addr)
		out[i] = msgs[i].ID
	}
	id, err := s.InsertBatch(context.Background(), &mailer.Batch{QueryText: "User"}, msgs)
	if err != nil {
		t.Fatalf("InsertBatch() failed: %v", err)
	}
	return id, out
}

// createTestMessage creates a pending message with minimal required fields.
func createTestMessage(id, address string) mailer.Message {
	return mailer.Message{
		ID:        id,
		Address:   address,
		Subject:   "Hello",
		PlainBody: "Hi there",
		State:     mailer.StatePending,
	}
}
