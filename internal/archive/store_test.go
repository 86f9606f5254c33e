package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manpreetbhatti/easel/internal/canvas"
	"github.com/manpreetbhatti/easel/internal/journal"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "easel-archive-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	store, err := Open(filepath.Join(tmpDir, "nested", "archive.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open archive: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return store, cleanup
}

func committed(roomID, opID string, rev uint64, at time.Time) journal.Event {
	op := canvas.Operation{
		ID:          opID,
		AuthorID:    "u1",
		AuthorName:  "Ann",
		Tool:        canvas.Brush("#3cb44b"),
		Width:       5,
		Points:      []canvas.Point{{X: 0.1, Y: 0.2, T: 1}, {X: 0.3, Y: 0.4, T: 2}},
		CommittedAt: at,
	}
	return journal.Event{
		Kind:      journal.KindOpCommitted,
		RoomID:    roomID,
		Revision:  rev,
		ActorID:   "u1",
		ActorName: "Ann",
		Operation: &op,
		At:        at,
	}
}

func TestStoreCreation(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	if store.Name() != "archive" {
		t.Errorf("Expected sink name 'archive', got %q", store.Name())
	}
	st, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.Rooms != 0 || st.Operations != 0 || st.Events != 0 {
		t.Errorf("Expected empty archive, got %+v", st)
	}
}

func TestWriteAndListOperations(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now()

	events := []journal.Event{
		{Kind: journal.KindRoomCreated, RoomID: "art", At: now},
		{Kind: journal.KindUserJoined, RoomID: "art", ActorID: "u1", ActorName: "Ann", At: now},
		committed("art", "op-1", 1, now),
		committed("art", "op-2", 2, now),
		{Kind: journal.KindUndo, RoomID: "art", Revision: 3, ActorID: "u1", Scope: journal.ScopeAuthor, At: now},
		committed("other", "op-x", 1, now),
	}
	for _, evt := range events {
		if err := store.Write(ctx, evt); err != nil {
			t.Fatalf("Write %s failed: %v", evt.Kind, err)
		}
	}

	records, err := store.ListOperations(ctx, "art", 10, 0)
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Operation.ID != "op-1" || records[1].Revision != 2 {
		t.Errorf("Unexpected records %+v", records)
	}
	if c, _ := records[0].Operation.Tool.Color(); c != "#3cb44b" || len(records[0].Operation.Points) != 2 {
		t.Errorf("Operation did not round trip: %+v", records[0].Operation)
	}

	page, _ := store.ListOperations(ctx, "art", 1, 1)
	if len(page) != 1 || page[0].Operation.ID != "op-2" {
		t.Errorf("Expected second page to hold op-2, got %+v", page)
	}

	count, _ := store.OperationCount(ctx, "art")
	if count != 2 {
		t.Errorf("Expected 2 operations, got %d", count)
	}

	kinds, _ := store.EventKinds(ctx, "art")
	want := []journal.Kind{journal.KindRoomCreated, journal.KindUserJoined, journal.KindOpCommitted, journal.KindOpCommitted, journal.KindUndo}
	if len(kinds) != len(want) {
		t.Fatalf("Expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}

	st, _ := store.Stats(ctx)
	if st.Rooms != 2 || st.Operations != 3 || st.Events != 6 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestWriteRejectsCommitWithoutOperation(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	err := store.Write(context.Background(), journal.Event{Kind: journal.KindOpCommitted, RoomID: "art"})
	if err == nil {
		t.Fatal("Expected an error for a commit without an operation")
	}
	st, _ := store.Stats(context.Background())
	if st.Rooms != 0 || st.Events != 0 {
		t.Errorf("Failed write should leave nothing behind, got %+v", st)
	}
}

func TestPruneBefore(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()

	store.Write(ctx, journal.Event{Kind: journal.KindRoomCreated, RoomID: "gone", Protected: true, At: old})
	store.Write(ctx, committed("gone", "op-old", 1, old))
	store.Write(ctx, journal.Event{Kind: journal.KindRoomReclaimed, RoomID: "gone", Revision: 1, At: old})
	store.Write(ctx, committed("live", "op-new", 1, fresh))

	removed, err := store.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore failed: %v", err)
	}
	if removed != 5 {
		t.Errorf("Expected 5 rows removed, got %d", removed)
	}

	st, _ := store.Stats(ctx)
	if st.Rooms != 1 || st.Operations != 1 || st.Events != 1 {
		t.Errorf("Unexpected stats after prune %+v", st)
	}
}

func TestStoreAsJournalSink(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	opts := journal.DefaultOptions()
	opts.Workers = 2
	d := journal.NewDispatcher(opts, store)
	for i := 0; i < 20; i++ {
		d.Publish(committed("art", "op", uint64(i+1), time.Now()))
	}
	d.Close()

	records, err := store.ListOperations(context.Background(), "art", 100, 0)
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	if len(records) != 20 {
		t.Fatalf("Expected 20 records, got %d", len(records))
	}
	for i, r := range records {
		if r.Revision != uint64(i+1) {
			t.Errorf("Record %d: expected revision %d, got %d", i, i+1, r.Revision)
		}
	}
}

func TestProtectedFlagSticks(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now()

	events := []journal.Event{
		{Kind: journal.KindRoomCreated, RoomID: "vault", Protected: true, At: now},
		{Kind: journal.KindRoomReclaimed, RoomID: "vault", Protected: true, At: now},
		// The name is reused for a public room after the reclaim.
		{Kind: journal.KindRoomCreated, RoomID: "vault", At: now},
		{Kind: journal.KindRoomCreated, RoomID: "open", At: now},
	}
	for _, evt := range events {
		if err := store.Write(ctx, evt); err != nil {
			t.Fatalf("Write %s failed: %v", evt.Kind, err)
		}
	}

	tests := []struct {
		room string
		want bool
	}{
		{"vault", true},
		{"open", false},
		{"never-seen", false},
	}
	for _, tt := range tests {
		t.Run(tt.room, func(t *testing.T) {
			got, err := store.Protected(ctx, tt.room)
			if err != nil {
				t.Fatalf("Protected failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected protected=%v, got %v", tt.want, got)
			}
		})
	}
}
